package session

import (
	"hash/fnv"
	"sync"
)

const defaultShards = 16

// SessionStore holds the live sessions of a Manager.
type SessionStore interface {
	Get(id string) (*Session, bool)
	// GetOrCreate returns the session for id, calling create only when absent.
	// The bool reports whether the session was created by this call.
	GetOrCreate(id string, create func() *Session) (*Session, bool)
	Delete(id string) (*Session, bool)
	Range(fn func(*Session) bool)
	Len() int
}

// ShardedStore is a SessionStore split into shards, each with its own lock,
// so lookups on unrelated sessions do not contend.
type ShardedStore struct {
	shards []*shard
}

type shard struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewShardedStore creates a store with n shards. n <= 0 uses a default.
func NewShardedStore(n int) *ShardedStore {
	if n <= 0 {
		n = defaultShards
	}
	s := &ShardedStore{shards: make([]*shard, n)}
	for i := range s.shards {
		s.shards[i] = &shard{sessions: make(map[string]*Session)}
	}
	return s
}

func (s *ShardedStore) shardFor(id string) *shard {
	h := fnv.New32a()
	h.Write([]byte(id))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

// Get returns the session for id.
func (s *ShardedStore) Get(id string) (*Session, bool) {
	sh := s.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	sess, ok := sh.sessions[id]
	return sess, ok
}

// GetOrCreate returns the session for id or stores the one built by create.
func (s *ShardedStore) GetOrCreate(id string, create func() *Session) (*Session, bool) {
	if sess, ok := s.Get(id); ok {
		return sess, false
	}

	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sess, ok := sh.sessions[id]; ok {
		return sess, false
	}
	sess := create()
	sh.sessions[id] = sess
	return sess, true
}

// Delete removes and returns the session for id.
func (s *ShardedStore) Delete(id string) (*Session, bool) {
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sess, ok := sh.sessions[id]
	if ok {
		delete(sh.sessions, id)
	}
	return sess, ok
}

// Range calls fn for every session until fn returns false. fn runs without
// any shard lock held, so it may call back into the store.
func (s *ShardedStore) Range(fn func(*Session) bool) {
	for _, sh := range s.shards {
		sh.mu.RLock()
		batch := make([]*Session, 0, len(sh.sessions))
		for _, sess := range sh.sessions {
			batch = append(batch, sess)
		}
		sh.mu.RUnlock()

		for _, sess := range batch {
			if !fn(sess) {
				return
			}
		}
	}
}

// Len returns the number of sessions.
func (s *ShardedStore) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.sessions)
		sh.mu.RUnlock()
	}
	return n
}
