package engine

import (
	"sort"
	"sync"
	"time"
)

// Interrupt marks a checkpoint taken at a suspension point.
type Interrupt string

const (
	InterruptNone   Interrupt = ""
	InterruptBefore Interrupt = "before" // Next has not run yet and waits for approval
	InterruptAfter  Interrupt = "after"  // Node ran and waits for external input
)

// Checkpoint is the state of a thread after one step.
type Checkpoint[S any] struct {
	ID        string
	ThreadID  string
	ParentID  string // Checkpoint this one was derived from
	Step      int    // Steps since the thread's first checkpoint
	Node      string // Node that produced State, Start for the input checkpoint
	Next      string // Node to run on resume, End when the run is over
	State     S
	Interrupt Interrupt
	CreatedAt time.Time
}

// Done reports whether nothing is left to run from this checkpoint.
func (c Checkpoint[S]) Done() bool { return c.Next == End }

// Saver stores checkpoints per thread.
type Saver[S any] interface {
	Put(cp Checkpoint[S]) error
	Get(threadID, checkpointID string) (Checkpoint[S], bool)
	Latest(threadID string) (Checkpoint[S], bool)
	List(threadID string) []Checkpoint[S] // Oldest first
	Delete(threadID string) int           // Returns the number of checkpoints removed
}

// MemorySaver keeps checkpoints in memory.
type MemorySaver[S any] struct {
	mu           sync.RWMutex
	threads      map[string][]Checkpoint[S]
	maxPerThread int
}

// NewMemorySaver creates a saver keeping at most maxPerThread checkpoints per
// thread, dropping the oldest first. Zero keeps everything.
func NewMemorySaver[S any](maxPerThread int) *MemorySaver[S] {
	return &MemorySaver[S]{threads: make(map[string][]Checkpoint[S]), maxPerThread: maxPerThread}
}

func (m *MemorySaver[S]) Put(cp Checkpoint[S]) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := append(m.threads[cp.ThreadID], cp)
	if m.maxPerThread > 0 && len(list) > m.maxPerThread {
		list = append([]Checkpoint[S](nil), list[len(list)-m.maxPerThread:]...)
	}
	m.threads[cp.ThreadID] = list
	return nil
}

func (m *MemorySaver[S]) Get(threadID, checkpointID string) (Checkpoint[S], bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, cp := range m.threads[threadID] {
		if cp.ID == checkpointID {
			return cp, true
		}
	}
	return Checkpoint[S]{}, false
}

func (m *MemorySaver[S]) Latest(threadID string) (Checkpoint[S], bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.threads[threadID]
	if len(list) == 0 {
		return Checkpoint[S]{}, false
	}
	return list[len(list)-1], true
}

func (m *MemorySaver[S]) List(threadID string) []Checkpoint[S] {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Checkpoint[S](nil), m.threads[threadID]...)
}

func (m *MemorySaver[S]) Delete(threadID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.threads[threadID])
	delete(m.threads, threadID)
	return n
}

// Threads returns the ids of all threads with checkpoints, sorted.
func (m *MemorySaver[S]) Threads() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.threads))
	for id := range m.threads {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the total number of stored checkpoints.
func (m *MemorySaver[S]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, list := range m.threads {
		n += len(list)
	}
	return n
}
