// Package plan holds the task plan and its state machine.
//
// A Plan only changes through additive or modifying diffs. Tasks are never
// removed, and a task's failure count never decreases.
package plan

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrTaskNotFound is returned when a modify references an unknown task id.
	ErrTaskNotFound = errors.New("task not found")

	// ErrInvalidTransition is returned for a status change the state machine forbids.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrDuplicateTask is returned when an add reuses an existing id.
	ErrDuplicateTask = errors.New("duplicate task id")
)

// Thresholds configures ExceedsFailureThreshold.
type Thresholds struct {
	MaxTaskFailures int     // Per-task failure count that trips the threshold
	FailureRatio    float64 // Plan-wide failed/total ratio that trips the threshold
}

// DefaultThresholds returns the stock failure thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{MaxTaskFailures: 3, FailureRatio: 0.5}
}

// AddItem describes a task to append.
type AddItem struct {
	ID             string `json:"id,omitempty"`
	Description    string `json:"description"`
	AssignedWorker string `json:"assignedWorker"`
	Status         string `json:"status"`
	Order          *int   `json:"order,omitempty"`
}

// Modify describes a status change on an existing task.
type Modify struct {
	TaskID string `json:"taskId"`
	Status string `json:"status"`
}

// Diff is an incremental plan change.
type Diff struct {
	Add    []AddItem `json:"add,omitempty"`
	Modify []Modify  `json:"modify,omitempty"`
}

// Empty reports whether the diff carries no changes.
func (d Diff) Empty() bool {
	return len(d.Add) == 0 && len(d.Modify) == 0
}

// Plan is an ordered set of tasks. It is safe for concurrent use.
type Plan struct {
	mu    sync.RWMutex
	tasks []*Task          // Insertion order
	index map[string]*Task // Tasks indexed by ID
}

// New creates an empty plan.
func New() *Plan {
	return &Plan{index: make(map[string]*Task)}
}

// Apply validates the whole diff and applies it atomically. Adds are applied
// before modifies so a diff may add a task and update it in one step.
func (p *Plan) Apply(d Diff) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	work := p.cloneLocked()
	for _, item := range d.Add {
		if _, err := work.addLocked(item); err != nil {
			return err
		}
	}
	for _, mod := range d.Modify {
		if _, err := work.modifyLocked(mod); err != nil {
			return err
		}
	}

	p.tasks = work.tasks
	p.index = work.index
	return nil
}

// ApplyAdd appends new tasks. Existing tasks are untouched.
func (p *Plan) ApplyAdd(items ...AddItem) ([]*Task, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	work := p.cloneLocked()
	added := make([]*Task, 0, len(items))
	for _, item := range items {
		t, err := work.addLocked(item)
		if err != nil {
			return nil, err
		}
		added = append(added, cloneTask(t))
	}
	p.tasks = work.tasks
	p.index = work.index
	return added, nil
}

// ApplyModify changes the status of an existing task and returns the updated copy.
func (p *Plan) ApplyModify(mod Modify) (*Task, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, err := p.modifyLocked(mod)
	if err != nil {
		return nil, err
	}
	return cloneTask(t), nil
}

// MarkRetry increments the task's failure count and puts it back to pending.
// From in_progress the failed step is recorded first.
func (p *Plan) MarkRetry(taskID string) (*Task, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.index[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrTaskNotFound, taskID)
	}
	if err := retryLocked(t); err != nil {
		return nil, err
	}
	return cloneTask(t), nil
}

// CheckTransition reports whether the task may move to status, without applying it.
func (p *Plan) CheckTransition(taskID string, status Status) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	t, ok := p.index[taskID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrTaskNotFound, taskID)
	}
	if !canTransition(t.Status, status) {
		return fmt.Errorf("%w: task %q %s -> %s", ErrInvalidTransition, taskID, t.Status, status)
	}
	return nil
}

func (p *Plan) addLocked(item AddItem) (*Task, error) {
	if strings.TrimSpace(item.Description) == "" {
		return nil, errors.New("add: description is required")
	}
	if strings.TrimSpace(item.AssignedWorker) == "" {
		return nil, errors.New("add: assignedWorker is required")
	}
	status := StatusPending
	if item.Status != "" {
		s, err := ParseStatus(item.Status)
		if err != nil {
			return nil, fmt.Errorf("add: %w", err)
		}
		status = s
	}

	id := item.ID
	if id == "" {
		id = fmt.Sprintf("task-%d", len(p.tasks)+1)
		for n := len(p.tasks) + 2; p.index[id] != nil; n++ {
			id = fmt.Sprintf("task-%d", n)
		}
	}
	if _, exists := p.index[id]; exists {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateTask, id)
	}

	order := p.maxOrderLocked() + 1
	if item.Order != nil {
		order = *item.Order
	}

	t := &Task{
		ID:             id,
		Description:    item.Description,
		AssignedWorker: item.AssignedWorker,
		Status:         status,
		Order:          order,
	}
	p.tasks = append(p.tasks, t)
	p.index[id] = t
	return t, nil
}

func (p *Plan) modifyLocked(mod Modify) (*Task, error) {
	t, ok := p.index[mod.TaskID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrTaskNotFound, mod.TaskID)
	}
	to, err := ParseStatus(mod.Status)
	if err != nil {
		return nil, fmt.Errorf("modify %q: %w", mod.TaskID, err)
	}

	// failed -> pending is the retry transition.
	if t.Status == StatusFailed && to == StatusPending {
		return t, retryLocked(t)
	}
	if !canTransition(t.Status, to) {
		return nil, fmt.Errorf("%w: task %q %s -> %s", ErrInvalidTransition, t.ID, t.Status, to)
	}
	t.Status = to
	return t, nil
}

func retryLocked(t *Task) error {
	switch t.Status {
	case StatusFailed, StatusInProgress:
		t.FailureCount++
		t.Status = StatusPending
		return nil
	}
	return fmt.Errorf("%w: cannot retry task %q in status %s", ErrInvalidTransition, t.ID, t.Status)
}

func (p *Plan) maxOrderLocked() int {
	max := 0
	for _, t := range p.tasks {
		if t.Order > max {
			max = t.Order
		}
	}
	return max
}

// NextExecutable returns the lowest-order pending or in-progress task whose
// lower-order tasks are all completed.
func (p *Plan) NextExecutable() (*Task, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var next *Task
	for _, t := range p.tasks {
		if !t.Status.Active() {
			continue
		}
		if next == nil || t.Order < next.Order {
			next = t
		}
	}
	if next == nil {
		return nil, false
	}
	for _, t := range p.tasks {
		if t.Order < next.Order && t.Status != StatusCompleted {
			return nil, false
		}
	}
	return cloneTask(next), true
}

// FailureRate returns failed/total, or 0 for an empty plan.
func (p *Plan) FailureRate() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.failureRateLocked()
}

func (p *Plan) failureRateLocked() float64 {
	if len(p.tasks) == 0 {
		return 0
	}
	failed := 0
	for _, t := range p.tasks {
		if t.Status == StatusFailed {
			failed++
		}
	}
	return float64(failed) / float64(len(p.tasks))
}

// ExceedsFailureThreshold reports whether any task has failed too many times
// or the plan-wide failure rate reached the configured ratio.
func (p *Plan) ExceedsFailureThreshold(th Thresholds) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, t := range p.tasks {
		if th.MaxTaskFailures > 0 && t.FailureCount >= th.MaxTaskFailures {
			return true
		}
	}
	return th.FailureRatio > 0 && len(p.tasks) > 0 && p.failureRateLocked() >= th.FailureRatio
}

// Get returns a copy of the task with the given id.
func (p *Plan) Get(taskID string) (*Task, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	t, ok := p.index[taskID]
	if !ok {
		return nil, false
	}
	return cloneTask(t), true
}

// Tasks returns copies of all tasks sorted by order, then insertion.
func (p *Plan) Tasks() []*Task {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]*Task, 0, len(p.tasks))
	for _, t := range p.tasks {
		out = append(out, cloneTask(t))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// Len returns the number of tasks.
func (p *Plan) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.tasks)
}

// Clone returns a deep copy of the plan.
func (p *Plan) Clone() *Plan {
	if p == nil {
		return nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cloneLocked()
}

func (p *Plan) cloneLocked() *Plan {
	cp := &Plan{
		tasks: make([]*Task, 0, len(p.tasks)),
		index: make(map[string]*Task, len(p.tasks)),
	}
	for _, t := range p.tasks {
		c := cloneTask(t)
		cp.tasks = append(cp.tasks, c)
		cp.index[c.ID] = c
	}
	return cp
}
