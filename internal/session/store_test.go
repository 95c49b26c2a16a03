package session

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestShardedStore_GetOrCreate(t *testing.T) {
	s := NewShardedStore(4)
	now := time.Now()

	var creates atomic.Int32
	create := func() *Session {
		creates.Add(1)
		return newSession("s1", now, 0, 0)
	}

	var wg sync.WaitGroup
	got := make([]*Session, 50)
	for i := range got {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got[i], _ = s.GetOrCreate("s1", create)
		}()
	}
	wg.Wait()

	if n := creates.Load(); n != 1 {
		t.Errorf("expected 1 create, got %d", n)
	}
	for i, sess := range got {
		if sess != got[0] {
			t.Errorf("goroutine %d got a different session", i)
		}
	}
	if s.Len() != 1 {
		t.Errorf("expected 1 session, got %d", s.Len())
	}
}

func TestShardedStore_DeleteAndRange(t *testing.T) {
	s := NewShardedStore(0)
	now := time.Now()
	for i := range 20 {
		id := fmt.Sprintf("s%d", i)
		s.GetOrCreate(id, func() *Session { return newSession(id, now, 0, 0) })
	}

	if _, ok := s.Delete("s3"); !ok {
		t.Fatal("expected s3 to be deleted")
	}
	if _, ok := s.Delete("s3"); ok {
		t.Error("expected second delete to miss")
	}
	if _, ok := s.Get("s3"); ok {
		t.Error("expected s3 to be gone")
	}

	seen := 0
	s.Range(func(sess *Session) bool {
		seen++
		// Range holds no lock, so deleting from the callback is allowed.
		s.Delete(sess.ID)
		return true
	})
	if seen != 19 {
		t.Errorf("expected to visit 19 sessions, got %d", seen)
	}
	if s.Len() != 0 {
		t.Errorf("expected empty store, got %d", s.Len())
	}
}

func TestShardedStore_RangeStops(t *testing.T) {
	s := NewShardedStore(2)
	now := time.Now()
	for i := range 10 {
		id := fmt.Sprintf("s%d", i)
		s.GetOrCreate(id, func() *Session { return newSession(id, now, 0, 0) })
	}

	seen := 0
	s.Range(func(*Session) bool {
		seen++
		return seen < 3
	})
	if seen != 3 {
		t.Errorf("expected Range to stop after 3, got %d", seen)
	}
}
