package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/taskflow/internal/engine"
	"github.com/aristath/taskflow/internal/events"
	"github.com/aristath/taskflow/internal/orchestrator"
	"github.com/aristath/taskflow/internal/worker"
)

const oneTaskPlan = `{"add":[{"description":"book a table","assignedWorker":"coder","status":"pending"}]}`

func decision(taskID, status, next, response string) string {
	return fmt.Sprintf(`{"taskUpdate":{"taskId":%q,"status":%q,"reason":"r"},"nextAction":{"next":%q},"response":%q}`,
		taskID, status, next, response)
}

func script(replies ...string) *worker.ScriptedWorker {
	steps := make([]worker.ScriptStep, len(replies))
	for i, r := range replies {
		steps[i] = worker.ScriptStep{Text: r}
	}
	return worker.NewScriptedWorker(steps...)
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	planner   *worker.ScriptedWorker
	scheduler *worker.ScriptedWorker
	coder     worker.Worker
	bus       *events.EventBus
	events    <-chan events.Event
	clock     *fakeClock
	mgr       *Manager
}

// newFixture builds a manager whose planner, scheduler and coder replay the
// given scripts. A nil coder uses a scripted worker with coderReplies.
func newFixture(t *testing.T, planner, sched, coderReplies []string, coder worker.Worker) *fixture {
	t.Helper()
	f := &fixture{
		planner:   script(planner...),
		scheduler: script(sched...),
		coder:     coder,
		bus:       events.NewEventBus(),
		clock:     newFakeClock(),
	}
	if f.coder == nil {
		f.coder = script(coderReplies...)
	}
	f.events = f.bus.SubscribeAll(512)
	t.Cleanup(f.bus.Close)

	reg := worker.NewRegistry()
	require.NoError(t, reg.Register(worker.Spec{Name: "coder", Description: "writes code"}, f.coder))

	roles := orchestrator.Roles{
		Planner:   orchestrator.Role{Name: "planner", Worker: f.planner},
		Scheduler: orchestrator.Role{Name: "scheduler", Worker: f.scheduler},
	}
	orch, err := orchestrator.New(orchestrator.DefaultConfig(), roles, reg,
		orchestrator.WithInvoker(worker.NewInvoker(worker.RetryConfig{MaxAttempts: 1}, nil, nil, nil)))
	require.NoError(t, err)

	f.mgr, err = NewManager(orch, DefaultConfig(), WithEventBus(f.bus), WithClock(f.clock.Now))
	require.NoError(t, err)
	t.Cleanup(f.mgr.Close)
	return f
}

// drain returns the events published so far.
func (f *fixture) drain() []events.Event {
	var out []events.Event
	for {
		select {
		case ev := <-f.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func eventTypes(evs []events.Event) map[string]int {
	n := make(map[string]int)
	for _, ev := range evs {
		n[ev.EventType()]++
	}
	return n
}

// questionFixture suspends on a question, then books the table after the reply.
func questionFixture(t *testing.T) *fixture {
	return newFixture(t,
		[]string{oneTaskPlan},
		[]string{
			decision("task-1", "in_progress", "coder", "Which restaurant do you prefer?"),
			decision("task-1", "in_progress", "coder", ""),
			decision("task-1", "completed", "finish", "Booked at Luigi's."),
		},
		[]string{"table booked"}, nil)
}

func TestStartRunsToCompletion(t *testing.T) {
	f := newFixture(t,
		[]string{oneTaskPlan},
		[]string{
			decision("task-1", "in_progress", "coder", ""),
			decision("task-1", "completed", "finish", "All booked."),
		},
		[]string{"table booked"}, nil)

	out, err := f.mgr.Start(context.Background(), "s1", "book dinner")
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.True(t, out.Done)
	assert.False(t, out.Suspended)
	assert.False(t, out.Failed)
	assert.Equal(t, "All booked.", out.Answer)

	counts := eventTypes(f.drain())
	assert.Equal(t, 1, counts[events.EventTypeStarted])
	assert.Equal(t, 1, counts[events.EventTypeFinished])
	assert.Equal(t, out.Steps, counts[events.EventTypeStep])
	// pending, in_progress, completed
	assert.Equal(t, 3, counts[events.EventTypeTaskStatus])

	cp, ok := f.mgr.GetState("s1")
	require.True(t, ok)
	assert.True(t, cp.Done())
	assert.Equal(t, "book dinner", cp.State.Goal)
}

func TestQuestionSuspendsAndResumes(t *testing.T) {
	f := questionFixture(t)
	ctx := context.Background()

	out, err := f.mgr.Start(ctx, "s1", "book dinner")
	require.NoError(t, err)
	require.True(t, out.Suspended)
	assert.Equal(t, orchestrator.NodeHumanInput, out.Node)
	assert.Equal(t, engine.InterruptAfter, out.Interrupt)
	assert.Equal(t, "Which restaurant do you prefer?", out.Prompt)

	var suspended *events.SuspendedEvent
	for _, ev := range f.drain() {
		if e, ok := ev.(events.SuspendedEvent); ok {
			suspended = &e
		}
	}
	require.NotNil(t, suspended)
	assert.Equal(t, "after", suspended.Interrupt)

	out, err = f.mgr.SubmitHumanInput(ctx, "s1", "Luigi's")
	require.NoError(t, err)
	assert.True(t, out.Done)
	assert.Equal(t, "Booked at Luigi's.", out.Answer)
	assert.Zero(t, f.scheduler.Remaining())

	cp, ok := f.mgr.GetState("s1")
	require.True(t, ok)
	var tagged bool
	for _, msg := range cp.State.Messages {
		if msg.Kind == string(orchestrator.InputHuman) && msg.Content == "Luigi's" {
			tagged = true
		}
	}
	assert.True(t, tagged, "reply should be appended with its input kind")
}

func TestDuplicateResumeDoesNotDoubleApply(t *testing.T) {
	f := questionFixture(t)
	ctx := context.Background()

	out, err := f.mgr.Start(ctx, "s1", "book dinner")
	require.NoError(t, err)
	require.True(t, out.Suspended)

	req := Request{SessionID: "s1", CheckpointID: out.CheckpointID, Kind: orchestrator.InputHuman, Input: "Luigi's"}
	first, err := f.mgr.Submit(ctx, req)
	require.NoError(t, err)
	require.True(t, first.Done)
	calls := len(f.scheduler.Calls())

	second, err := f.mgr.Submit(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Deduplicated)
	assert.Equal(t, first.CheckpointID, second.CheckpointID)
	assert.Equal(t, first.Answer, second.Answer)
	assert.Len(t, f.scheduler.Calls(), calls, "duplicate must not run the graph again")

	// Different input against the same checkpoint is stale, not a duplicate.
	req.Input = "Mario's"
	_, err = f.mgr.Submit(ctx, req)
	assert.ErrorIs(t, err, ErrStaleCheckpoint)
}

func TestConcurrentDuplicateResumesApplyOnce(t *testing.T) {
	f := questionFixture(t)
	ctx := context.Background()

	out, err := f.mgr.Start(ctx, "s1", "book dinner")
	require.NoError(t, err)
	require.True(t, out.Suspended)

	req := Request{SessionID: "s1", CheckpointID: out.CheckpointID, Kind: orchestrator.InputHuman, Input: "Luigi's"}
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes []*Outcome
	)
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o, err := f.mgr.Submit(ctx, req)
			assert.NoError(t, err)
			mu.Lock()
			outcomes = append(outcomes, o)
			mu.Unlock()
		}()
	}
	wg.Wait()

	fresh := 0
	for _, o := range outcomes {
		require.NotNil(t, o)
		assert.True(t, o.Done)
		if !o.Deduplicated {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh)
	assert.Zero(t, f.scheduler.Remaining())
}

func TestCompileOncePerSession(t *testing.T) {
	f := questionFixture(t)
	sess, created := f.mgr.sessions.GetOrCreate("s1", func() *Session {
		return newSession("s1", f.clock.Now(), 0, 0)
	})
	require.True(t, created)

	var wg sync.WaitGroup
	runs := make([]*engine.Runnable[*orchestrator.State], 20)
	for i := range runs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := f.mgr.runnableFor(sess)
			assert.NoError(t, err)
			runs[i] = r
		}()
	}
	wg.Wait()

	for _, r := range runs {
		assert.Same(t, runs[0], r)
	}
	assert.Equal(t, int64(1), f.mgr.Stats().Compilations)
}

func TestUnknownSessionIsNoop(t *testing.T) {
	f := questionFixture(t)
	ctx := context.Background()

	out, err := f.mgr.SubmitHumanInput(ctx, "ghost", "hello")
	assert.NoError(t, err)
	assert.Nil(t, out)

	out, err = f.mgr.OnExternalEvent(ctx, ExternalEvent{SessionID: "ghost", Source: "ci", Payload: "build green"})
	assert.NoError(t, err)
	assert.Nil(t, out)

	out, err = f.mgr.Replay(ctx, "ghost")
	assert.NoError(t, err)
	assert.Nil(t, out)

	assert.Zero(t, f.mgr.Stats().Sessions)
	assert.Empty(t, f.scheduler.Calls())
}

func TestIdleSessionsAreEvicted(t *testing.T) {
	f := questionFixture(t)
	ctx := context.Background()

	_, err := f.mgr.Start(ctx, "old", "book dinner")
	require.NoError(t, err)

	f.clock.Advance(30 * time.Minute)
	// Created later, so still within the TTL at the sweep.
	f.mgr.sessions.GetOrCreate("fresh", func() *Session { return newSession("fresh", f.clock.Now(), 0, 0) })

	f.clock.Advance(20 * time.Minute)
	evicted := f.mgr.Sweeper().MaybeSweep()
	assert.Equal(t, 1, evicted)

	_, ok := f.mgr.GetState("old")
	assert.False(t, ok)
	assert.Equal(t, 1, f.mgr.Stats().Sessions)
	assert.Equal(t, int64(1), f.mgr.Stats().Evicted)

	var reason string
	for _, ev := range f.drain() {
		if e, ok := ev.(events.ClearedEvent); ok && e.Session == "old" {
			reason = e.Reason
		}
	}
	assert.Equal(t, ReasonExpired, reason)

	// A resume for the evicted session is a no-op.
	out, err := f.mgr.SubmitHumanInput(ctx, "old", "Luigi's")
	assert.NoError(t, err)
	assert.Nil(t, out)
}

func TestSweepSkipsSessionsWithWorkInFlight(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	slow := worker.Func(func(ctx context.Context, _ []worker.Message) (worker.Output, error) {
		close(started)
		select {
		case <-release:
			return worker.Output{Text: "table booked"}, nil
		case <-ctx.Done():
			return worker.Output{}, ctx.Err()
		}
	})
	f := newFixture(t,
		[]string{oneTaskPlan},
		[]string{
			decision("task-1", "in_progress", "coder", ""),
			decision("task-1", "completed", "finish", "Booked at Luigi's."),
		},
		nil, slow)

	type result struct {
		out *Outcome
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := f.mgr.Start(context.Background(), "s1", "book dinner")
		done <- result{out, err}
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("worker never started")
	}

	// Well past the TTL while the worker is still running; a request for
	// another session triggers the sweep.
	f.clock.Advance(DefaultTTL + time.Minute)
	_, err := f.mgr.SubmitHumanInput(context.Background(), "other", "hello")
	require.NoError(t, err)
	assert.Zero(t, f.mgr.Sweeper().Sweep())
	_, ok := f.mgr.GetState("s1")
	assert.True(t, ok, "running session was evicted")

	close(release)
	select {
	case r := <-done:
		require.NoError(t, r.err)
		require.NotNil(t, r.out)
		assert.True(t, r.out.Done)
		assert.Equal(t, "Booked at Luigi's.", r.out.Answer)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish")
	}

	// Once the run has returned the session ages out normally.
	f.clock.Advance(DefaultTTL + time.Minute)
	assert.Equal(t, 1, f.mgr.Sweeper().Sweep())
	_, ok = f.mgr.GetState("s1")
	assert.False(t, ok)
}

func TestStepsKeepSessionFresh(t *testing.T) {
	f := questionFixture(t)
	_, err := f.mgr.Start(context.Background(), "s1", "book dinner")
	require.NoError(t, err)

	sess, ok := f.mgr.sessions.Get("s1")
	require.True(t, ok)
	before := sess.info().LastAccess

	f.clock.Advance(time.Minute)
	f.mgr.sink(sess)(engine.StepOutput[*orchestrator.State]{
		Step:  1,
		Node:  orchestrator.NodeHumanInput,
		State: orchestrator.NewState("s1", "book dinner"),
	})
	assert.Equal(t, before.Add(time.Minute), sess.info().LastAccess)
}

func TestSweepIsRateLimited(t *testing.T) {
	clock := newFakeClock()
	var calls int
	s := NewSweeper(time.Hour, 15*time.Minute, func(time.Time) int { calls++; return 0 }, WithSweepClock(clock.Now))

	s.MaybeSweep()
	assert.Zero(t, calls)

	clock.Advance(15 * time.Minute)
	s.MaybeSweep()
	s.MaybeSweep()
	assert.Equal(t, 1, calls)

	clock.Advance(time.Minute)
	s.MaybeSweep()
	assert.Equal(t, 1, calls)

	s.Sweep()
	assert.Equal(t, 2, calls)
}

func TestClearSessionCancelsInFlightWork(t *testing.T) {
	started := make(chan struct{})
	var (
		mu       sync.Mutex
		observed error
	)
	blocking := worker.Func(func(ctx context.Context, _ []worker.Message) (worker.Output, error) {
		close(started)
		<-ctx.Done()
		mu.Lock()
		observed = ctx.Err()
		mu.Unlock()
		return worker.Output{}, ctx.Err()
	})
	f := newFixture(t,
		[]string{oneTaskPlan},
		[]string{decision("task-1", "in_progress", "coder", "")},
		nil, blocking)

	errc := make(chan error, 1)
	go func() {
		_, err := f.mgr.Start(context.Background(), "s1", "book dinner")
		errc <- err
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("worker never started")
	}
	assert.True(t, f.mgr.ClearSession("s1"))

	select {
	case err := <-errc:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run was not cancelled")
	}
	mu.Lock()
	assert.ErrorIs(t, observed, context.Canceled)
	mu.Unlock()

	_, ok := f.mgr.GetState("s1")
	assert.False(t, ok)
	assert.False(t, f.mgr.ClearSession("s1"))
}

func TestReplayRerunsFromEarlierCheckpoint(t *testing.T) {
	f := newFixture(t,
		[]string{oneTaskPlan, oneTaskPlan},
		[]string{
			decision("task-1", "in_progress", "coder", ""),
			decision("task-1", "completed", "finish", "First run."),
			decision("task-1", "in_progress", "coder", ""),
			decision("task-1", "completed", "finish", "Second run."),
		},
		[]string{"booked", "booked again"}, nil)
	ctx := context.Background()

	out, err := f.mgr.Start(ctx, "s1", "book dinner")
	require.NoError(t, err)
	require.Equal(t, "First run.", out.Answer)
	before := len(f.mgr.History("s1"))

	// One message: only the goal, before the planner ran.
	out, err = f.mgr.ReplayTo(ctx, "s1", 1)
	require.NoError(t, err)
	assert.True(t, out.Done)
	assert.Equal(t, "Second run.", out.Answer)
	assert.Greater(t, len(f.mgr.History("s1")), before)
	assert.Len(t, f.planner.Calls(), 2)

	_, err = f.mgr.ReplayTo(ctx, "s1", 999)
	assert.Error(t, err)
}

func TestFollowUpAfterFinishGoesToScheduler(t *testing.T) {
	f := newFixture(t,
		[]string{oneTaskPlan},
		[]string{
			decision("task-1", "in_progress", "coder", ""),
			decision("task-1", "completed", "finish", "Booked."),
			decision("task-1", "completed", "finish", "It is at 8pm."),
		},
		[]string{"booked"}, nil)
	ctx := context.Background()

	_, err := f.mgr.Start(ctx, "s1", "book dinner")
	require.NoError(t, err)

	out, err := f.mgr.SubmitHumanInput(ctx, "s1", "What time is it booked for?")
	require.NoError(t, err)
	assert.True(t, out.Done)
	assert.Equal(t, "It is at 8pm.", out.Answer)
	assert.Len(t, f.planner.Calls(), 1, "a follow-up with a plan must not replan")
}

func TestListSessionsAndClearAll(t *testing.T) {
	f := questionFixture(t)
	ctx := context.Background()

	_, err := f.mgr.Start(ctx, "b", "book dinner")
	require.NoError(t, err)
	f.mgr.sessions.GetOrCreate("a", func() *Session { return newSession("a", f.clock.Now(), 0, 0) })

	list := f.mgr.ListSessions()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)
	assert.Equal(t, "b", list[1].ID)
	assert.Equal(t, "book dinner", list[1].Goal)
	assert.Equal(t, engine.InterruptAfter, list[1].Interrupt)
	assert.Positive(t, list[1].Checkpoints)

	st := f.mgr.Stats()
	assert.Equal(t, 2, st.Sessions)
	assert.Equal(t, 1, st.Compiled)

	assert.Equal(t, 2, f.mgr.ClearAll())
	assert.Empty(t, f.mgr.ListSessions())
}
