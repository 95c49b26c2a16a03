package session

import (
	"sort"
	"time"

	"github.com/aristath/taskflow/internal/engine"
	"github.com/aristath/taskflow/internal/events"
	"github.com/aristath/taskflow/internal/orchestrator"
)

// Reasons carried by ClearedEvent.
const (
	ReasonCleared = "cleared"
	ReasonExpired = "expired"
)

// GetState returns the latest checkpoint of a session.
func (m *Manager) GetState(sessionID string) (engine.Checkpoint[*orchestrator.State], bool) {
	sess, ok := m.sessions.Get(sessionID)
	if !ok {
		return engine.Checkpoint[*orchestrator.State]{}, false
	}
	run, err := m.runnableFor(sess)
	if err != nil {
		return engine.Checkpoint[*orchestrator.State]{}, false
	}
	return run.GetState(sessionID)
}

// History returns the checkpoints of a session, oldest first.
func (m *Manager) History(sessionID string) []engine.Checkpoint[*orchestrator.State] {
	sess, ok := m.sessions.Get(sessionID)
	if !ok {
		return nil
	}
	run, err := m.runnableFor(sess)
	if err != nil {
		return nil
	}
	return run.History(sessionID)
}

// ListSessions returns the live sessions ordered by id.
func (m *Manager) ListSessions() []Info {
	var out []Info
	m.sessions.Range(func(sess *Session) bool {
		out = append(out, sess.info())
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Stats reports the sizes of the manager's caches.
func (m *Manager) Stats() Stats {
	st := Stats{
		Compilations:  m.compilations.Load(),
		DedupeEntries: m.dedupe.Len(),
		Locks:         m.locks.Len(),
		Evicted:       m.evicted.Load(),
	}
	m.sessions.Range(func(sess *Session) bool {
		st.Sessions++
		if sess.compiled() != nil {
			st.Compiled++
		}
		st.Checkpoints += sess.saver.Len()
		st.ToolRecords += sess.hist.Len()
		return true
	})
	return st
}

// ClearSession removes a session and cancels any work it has in flight.
// It reports whether the session existed.
func (m *Manager) ClearSession(sessionID string) bool {
	sess, ok := m.sessions.Delete(sessionID)
	if !ok {
		return false
	}
	m.drop(sess, ReasonCleared)
	m.metrics.SetActiveSessions(m.sessions.Len())
	return true
}

// ClearAll removes every session and returns how many were removed.
func (m *Manager) ClearAll() int {
	var ids []string
	m.sessions.Range(func(sess *Session) bool {
		ids = append(ids, sess.ID)
		return true
	})
	n := 0
	for _, id := range ids {
		if sess, ok := m.sessions.Delete(id); ok {
			m.drop(sess, ReasonCleared)
			n++
		}
	}
	m.dedupe.Purge()
	m.metrics.SetActiveSessions(m.sessions.Len())
	return n
}

// Close clears all sessions.
func (m *Manager) Close() {
	m.ClearAll()
}

// evictIdle removes sessions idle since before cutoff.
func (m *Manager) evictIdle(cutoff time.Time) int {
	var idle []string
	m.sessions.Range(func(sess *Session) bool {
		if sess.idleSince(cutoff) {
			idle = append(idle, sess.ID)
		}
		return true
	})

	n := 0
	for _, id := range idle {
		sess, ok := m.sessions.Get(id)
		// Re-check: the session may have been used since the scan.
		if !ok || !sess.idleSince(cutoff) {
			continue
		}
		if _, ok := m.sessions.Delete(id); ok {
			m.drop(sess, ReasonExpired)
			n++
		}
	}
	if n > 0 {
		m.evicted.Add(int64(n))
		m.metrics.AddEvictions(n)
		m.metrics.SetActiveSessions(m.sessions.Len())
		m.log.Info("evicted idle sessions", "count", n, "cutoff", cutoff)
	}
	return n
}

// drop cancels the session's work and releases its graph, checkpoints and
// tool history.
func (m *Manager) drop(sess *Session, reason string) {
	sess.cancel()
	sess.saver.Delete(sess.ID)
	sess.setCompiled(nil)
	m.log.Info("session removed", "session", sess.ID, "reason", reason)
	m.publish(events.TopicSession, events.ClearedEvent{Session: sess.ID, Reason: reason, Timestamp: m.now()})
}
