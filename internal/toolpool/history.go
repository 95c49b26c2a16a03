package toolpool

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Default history bounds.
const (
	DefaultHistoryLimit  = 100
	DefaultHistoryWindow = 20
)

// Record is one entry in a session's tool execution history.
type Record struct {
	Sequence  int             `json:"sequence"`
	RequestID string          `json:"requestId"`
	ToolName  string          `json:"toolName"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Result    string          `json:"result"`
	Success   bool            `json:"success"`
	Duration  time.Duration   `json:"duration"`
	Timestamp time.Time       `json:"timestamp"`
}

// ToolStats aggregates outcomes for one tool name.
type ToolStats struct {
	Calls     int
	Successes int
	Failures  int
}

// History is a bounded append-only log of tool executions. When the limit is
// reached the oldest records are dropped. Sequence numbers keep increasing.
type History struct {
	mu      sync.Mutex
	limit   int
	seq     int
	records []Record
}

// NewHistory creates a history holding at most limit records.
func NewHistory(limit int) *History {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &History{limit: limit}
}

// Append adds a record and assigns its sequence number.
func (h *History) Append(r Record) Record {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.seq++
	r.Sequence = h.seq
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}
	h.records = append(h.records, r)
	if over := len(h.records) - h.limit; over > 0 {
		h.records = append([]Record(nil), h.records[over:]...)
	}
	return r
}

// Records returns a copy of all retained records, oldest first.
func (h *History) Records() []Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Record(nil), h.records...)
}

// Window returns the most recent k records, oldest first.
func (h *History) Window(k int) []Record {
	h.mu.Lock()
	defer h.mu.Unlock()

	if k <= 0 || k > len(h.records) {
		k = len(h.records)
	}
	return append([]Record(nil), h.records[len(h.records)-k:]...)
}

// Latest returns the newest record for the named tool.
func (h *History) Latest(tool string) (Record, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i := len(h.records) - 1; i >= 0; i-- {
		if h.records[i].ToolName == tool {
			return h.records[i], true
		}
	}
	return Record{}, false
}

// Len returns the number of retained records.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.records)
}

// Stats returns per-tool call counts over the retained records.
func (h *History) Stats() map[string]ToolStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make(map[string]ToolStats)
	for _, r := range h.records {
		s := out[r.ToolName]
		s.Calls++
		if r.Success {
			s.Successes++
		} else {
			s.Failures++
		}
		out[r.ToolName] = s
	}
	return out
}

// Clone returns an independent copy.
func (h *History) Clone() *History {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return &History{limit: h.limit, seq: h.seq, records: append([]Record(nil), h.records...)}
}

// Format renders the most recent k records for inclusion in a prompt.
func (h *History) Format(k int) string {
	window := h.Window(k)
	if len(window) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Recent tool executions:\n")
	for _, r := range window {
		status := "ok"
		if !r.Success {
			status = "error"
		}
		fmt.Fprintf(&b, "#%d %s(%s) [%s, %s]: %s\n",
			r.Sequence, r.ToolName, string(r.Arguments), status, r.Duration.Round(time.Millisecond), r.Result)
	}
	return b.String()
}
