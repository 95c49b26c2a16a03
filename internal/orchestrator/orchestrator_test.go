package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/taskflow/internal/engine"
	apperrors "github.com/aristath/taskflow/internal/errors"
	"github.com/aristath/taskflow/internal/plan"
	"github.com/aristath/taskflow/internal/scheduler"
	"github.com/aristath/taskflow/internal/toolpool"
	"github.com/aristath/taskflow/internal/worker"
)

const twoTaskPlan = `{"add":[
 {"description":"write the code","assignedWorker":"coder","status":"pending"},
 {"description":"review the code","assignedWorker":"reviewer","status":"pending"}]}`

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

// harness bundles an orchestrator with scripted workers.
type harness struct {
	planner   *worker.ScriptedWorker
	scheduler *worker.ScriptedWorker
	summary   *worker.ScriptedWorker
	workers   map[string]*worker.ScriptedWorker
	hist      *toolpool.History
	run       *engine.Runnable[*State]
}

type harnessOpts struct {
	cfg       Config
	confirm   map[string]bool
	tools     *toolpool.Runner
	summary   []string
	noSummary bool
}

func newHarness(t *testing.T, o harnessOpts, planner, sched []string, workers map[string][]worker.ScriptStep) *harness {
	t.Helper()
	h := &harness{
		planner:   script(planner...),
		scheduler: script(sched...),
		workers:   make(map[string]*worker.ScriptedWorker),
		hist:      toolpool.NewHistory(0),
	}
	reg := worker.NewRegistry()
	for name, steps := range workers {
		w := worker.NewScriptedWorker(steps...)
		h.workers[name] = w
		require.NoError(t, reg.Register(worker.Spec{Name: name, Description: name + " worker", Confirm: o.confirm[name]}, w))
	}

	roles := Roles{
		Planner:   Role{Name: "planner", Worker: h.planner},
		Scheduler: Role{Name: "scheduler", Worker: h.scheduler},
	}
	if !o.noSummary {
		h.summary = script(o.summary...)
		roles.Summary = Role{Name: "summary", Worker: h.summary}
	}

	cfg := o.cfg
	if cfg == (Config{}) {
		cfg = DefaultConfig()
	}
	opts := []Option{WithInvoker(worker.NewInvoker(worker.RetryConfig{MaxAttempts: 1}, nil, nil, nil))}
	if o.tools != nil {
		opts = append(opts, WithTools(o.tools))
	}
	orch, err := New(cfg, roles, reg, opts...)
	require.NoError(t, err)

	h.run, err = orch.Compile(h.hist, engine.NewMemorySaver[*State](0))
	require.NoError(t, err)
	return h
}

func (h *harness) start(t *testing.T, goal string) (*engine.Result[*State], error) {
	t.Helper()
	return h.run.Run(context.Background(), engine.RunConfig{ThreadID: "s1"}, NewState("s1", goal), nil)
}

func (h *harness) resume(t *testing.T, kind InputKind, text string) (*engine.Result[*State], error) {
	t.Helper()
	cfg := engine.RunConfig{ThreadID: "s1"}
	_, err := h.run.UpdateState(cfg, func(s *State) *State { return ApplyInput(s, kind, text) }, "")
	require.NoError(t, err)
	return h.run.Resume(context.Background(), cfg, nil)
}

func lastUserMessage(calls [][]worker.Message) string {
	if len(calls) == 0 {
		return ""
	}
	msgs := calls[len(calls)-1]
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == worker.RoleUser {
			return msgs[i].Content
		}
	}
	return ""
}

func TestRunCompletesPlan(t *testing.T) {
	h := newHarness(t, harnessOpts{summary: []string{"All done."}},
		[]string{twoTaskPlan},
		[]string{
			decision("task-1", "in_progress", "coder", ""),
			decision("task-1", "completed", "reviewer", ""),
			decision("task-2", "completed", "summary", ""),
		},
		map[string][]worker.ScriptStep{
			"coder":    {{Text: "code written"}},
			"reviewer": {{Text: "looks good"}},
		})

	res, err := h.start(t, "ship the feature")
	require.NoError(t, err)
	assert.False(t, res.Interrupted)
	assert.True(t, res.Checkpoint.Done())

	s := res.State
	assert.True(t, s.Done)
	assert.Equal(t, "All done.", s.FinalResponse)
	assert.Empty(t, s.Error)
	assert.Equal(t, plan.Stats{Total: 2, Completed: 2}, s.Plan.Stats())

	// The reviewer was dispatched task-2 after task-1 completed.
	assert.Contains(t, lastUserMessage(h.workers["reviewer"].Calls()), "Task task-2: review the code")
	assert.Contains(t, lastUserMessage(h.scheduler.Calls()), "Result from reviewer:\nlooks good")
	assert.Zero(t, h.scheduler.Remaining())
}

func TestRunToolRoundTrip(t *testing.T) {
	exec := toolpool.ExecutorFunc(func(_ context.Context, req toolpool.Request) (string, error) {
		return "42 files", nil
	})
	runner := toolpool.NewRunner(exec, nil, toolpool.DefaultConfig())

	h := newHarness(t, harnessOpts{tools: runner, summary: []string{"done"}},
		[]string{`{"add":[{"description":"count files","assignedWorker":"coder","status":"pending"}]}`},
		[]string{
			decision("task-1", "in_progress", "coder", ""),
			decision("task-1", "completed", "summary", ""),
		},
		map[string][]worker.ScriptStep{
			"coder": {
				{Text: "let me look", Operations: []worker.ScriptOperation{{ID: "c1", Name: "count", Arguments: map[string]any{"dir": "."}}}},
				{Text: "there are 42 files"},
			},
		})

	res, err := h.start(t, "count the files")
	require.NoError(t, err)
	assert.True(t, res.State.Done)

	require.Equal(t, 1, h.hist.Len())
	rec, ok := h.hist.Latest("count")
	require.True(t, ok)
	assert.True(t, rec.Success)

	calls := h.workers["coder"].Calls()
	require.Len(t, calls, 2)
	second := calls[1]
	last := second[len(second)-1]
	assert.Equal(t, worker.RoleTool, last.Role)
	assert.Equal(t, "42 files", last.Content)
	assert.Contains(t, lastUserMessage(h.scheduler.Calls()), "there are 42 files")
}

func TestRunToolsWithoutProvidersReportErrors(t *testing.T) {
	h := newHarness(t, harnessOpts{summary: []string{"done"}},
		[]string{`{"add":[{"description":"count files","assignedWorker":"coder","status":"pending"}]}`},
		[]string{
			decision("task-1", "in_progress", "coder", ""),
			decision("task-1", "failed", "summary", ""),
		},
		map[string][]worker.ScriptStep{
			"coder": {
				{Operations: []worker.ScriptOperation{{ID: "c1", Name: "count"}}},
				{Text: "could not count"},
			},
		})

	res, err := h.start(t, "count the files")
	require.NoError(t, err)
	assert.True(t, res.State.Done)

	second := h.workers["coder"].Calls()[1]
	assert.True(t, strings.HasPrefix(second[len(second)-1].Content, toolpool.ErrorPrefix))
}

func TestRunToolRoundLimit(t *testing.T) {
	exec := toolpool.ExecutorFunc(func(context.Context, toolpool.Request) (string, error) { return "ok", nil })
	cfg := DefaultConfig()
	cfg.MaxToolRounds = 1
	op := []worker.ScriptOperation{{ID: "c1", Name: "again"}}

	h := newHarness(t, harnessOpts{cfg: cfg, tools: toolpool.NewRunner(exec, nil, toolpool.DefaultConfig()), summary: []string{"done"}},
		[]string{`{"add":[{"description":"loop","assignedWorker":"coder","status":"pending"}]}`},
		[]string{
			decision("task-1", "in_progress", "coder", ""),
			decision("task-1", "completed", "summary", ""),
		},
		map[string][]worker.ScriptStep{
			"coder": {{Text: "first", Operations: op}, {Text: "second", Operations: op}},
		})

	res, err := h.start(t, "loop forever")
	require.NoError(t, err)
	assert.True(t, res.State.Done)
	assert.Equal(t, 1, h.hist.Len())
	assert.Contains(t, lastUserMessage(h.scheduler.Calls()), "Result from coder:\nsecond")
}

func TestConfirmGatedWorker(t *testing.T) {
	newDeploy := func(t *testing.T) *harness {
		return newHarness(t, harnessOpts{confirm: map[string]bool{"deployer": true}, summary: []string{"done"}},
			[]string{`{"add":[{"description":"deploy","assignedWorker":"deployer","status":"pending"}]}`},
			[]string{
				decision("task-1", "in_progress", "deployer", ""),
				decision("task-1", "completed", "summary", ""),
			},
			map[string][]worker.ScriptStep{"deployer": {{Text: "deployed"}}})
	}

	t.Run("approved", func(t *testing.T) {
		h := newDeploy(t)
		res, err := h.start(t, "deploy it")
		require.NoError(t, err)
		require.True(t, res.Interrupted)
		assert.Equal(t, ConfirmNode("deployer"), res.Node)
		assert.Equal(t, engine.InterruptBefore, res.Checkpoint.Interrupt)
		assert.Empty(t, h.workers["deployer"].Calls())

		res, err = h.resume(t, InputConfirm, "yes")
		require.NoError(t, err)
		assert.True(t, res.State.Done)
		assert.Len(t, h.workers["deployer"].Calls(), 1)
		assert.Contains(t, lastUserMessage(h.scheduler.Calls()), "deployed")
	})

	t.Run("declined", func(t *testing.T) {
		h := newDeploy(t)
		_, err := h.start(t, "deploy it")
		require.NoError(t, err)

		res, err := h.resume(t, InputConfirm, "No, not today")
		require.NoError(t, err)
		assert.True(t, res.State.Done)
		assert.Empty(t, h.workers["deployer"].Calls())
		assert.Contains(t, lastUserMessage(h.scheduler.Calls()), "declined to run deployer")
	})
}

func TestQuestionSuspendsForHumanInput(t *testing.T) {
	h := newHarness(t, harnessOpts{summary: []string{"booked"}},
		[]string{`{"add":[{"description":"book a table","assignedWorker":"coder","status":"pending"}]}`},
		[]string{
			decision("task-1", "in_progress", "coder", "Which restaurant do you prefer?"),
			decision("task-1", "in_progress", "coder", ""),
			decision("task-1", "completed", "summary", ""),
		},
		map[string][]worker.ScriptStep{"coder": {{Text: "table booked at Luigi's"}}})

	res, err := h.start(t, "book dinner")
	require.NoError(t, err)
	require.True(t, res.Interrupted)
	assert.Equal(t, NodeHumanInput, res.Node)
	assert.Equal(t, engine.InterruptAfter, res.Checkpoint.Interrupt)
	assert.Equal(t, "Which restaurant do you prefer?", res.State.Question)
	assert.Equal(t, "Which restaurant do you prefer?", res.State.Answer())
	assert.Empty(t, h.workers["coder"].Calls())

	res, err = h.resume(t, InputHuman, "Luigi's")
	require.NoError(t, err)
	assert.True(t, res.State.Done)
	assert.Equal(t, "booked", res.State.Answer())

	calls := h.scheduler.Calls()
	require.Len(t, calls, 3)
	assert.Contains(t, lastUserMessage(calls[:2]), "The user replied (human_input):\nLuigi's")
}

func TestReplanCeilingEndsRun(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Scheduler.ReplanCeiling = 1

	h := newHarness(t, harnessOpts{cfg: cfg, noSummary: true},
		[]string{
			`{"add":[{"description":"first try","assignedWorker":"coder","status":"pending"}]}`,
			`{"add":[{"description":"second try","assignedWorker":"coder","status":"pending"}]}`,
		},
		[]string{
			decision("task-1", "in_progress", "replan", ""),
			decision("task-1", "failed", "replan", ""),
		},
		map[string][]worker.ScriptStep{"coder": nil})

	res, err := h.start(t, "do the impossible")
	require.NoError(t, err)

	s := res.State
	assert.True(t, s.Done)
	assert.Equal(t, 1, s.ReplanCount)
	assert.Contains(t, s.FinalResponse, "Giving up after 1 replanning attempts")
	assert.Len(t, h.planner.Calls(), 2)
	assert.Contains(t, lastUserMessage(h.planner.Calls()), "The current plan needs revision")
	assert.Empty(t, h.workers["coder"].Calls())
}

func TestFailureThresholdForcesReplan(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Scheduler.Thresholds = plan.Thresholds{MaxTaskFailures: 3}

	h := newHarness(t, harnessOpts{cfg: cfg, summary: []string{"gave up"}},
		[]string{
			`{"add":[{"description":"flaky","assignedWorker":"coder","status":"pending"}]}`,
			`{"add":[{"description":"other approach","assignedWorker":"coder","status":"pending"}]}`,
		},
		[]string{
			decision("task-1", "in_progress", "coder", ""),
			decision("task-1", "retry", "coder", ""),
			decision("task-1", "retry", "coder", ""),
			// The third retry trips the threshold even though coder was requested.
			decision("task-1", "retry", "coder", ""),
			decision("task-2", "in_progress", "summary", ""),
		},
		map[string][]worker.ScriptStep{"coder": {{Text: "fail 1"}, {Text: "fail 2"}, {Text: "fail 3"}}})

	res, err := h.start(t, "try hard")
	require.NoError(t, err)

	s := res.State
	assert.True(t, s.Done)
	assert.Equal(t, 1, s.ReplanCount)
	task, ok := s.Plan.Get("task-1")
	require.True(t, ok)
	assert.Equal(t, 3, task.FailureCount)
	assert.Len(t, h.workers["coder"].Calls(), 3)
	assert.Contains(t, lastUserMessage(h.planner.Calls()), "failed 3 times")
}

func TestMalformedPlanIsRepaired(t *testing.T) {
	h := newHarness(t, harnessOpts{summary: []string{"done"}},
		[]string{"I think we should write code", `{"add":[{"description":"write","assignedWorker":"coder","status":"pending"}]}`},
		[]string{
			decision("task-1", "in_progress", "coder", ""),
			decision("task-1", "completed", "summary", ""),
		},
		map[string][]worker.ScriptStep{"coder": {{Text: "written"}}})

	res, err := h.start(t, "write code")
	require.NoError(t, err)
	assert.True(t, res.State.Done)
	assert.Zero(t, res.State.RepairAttempts)
	assert.Contains(t, lastUserMessage(h.planner.Calls()), "Your previous answer could not be used")
}

func TestMalformedPlanBudgetExhausted(t *testing.T) {
	h := newHarness(t, harnessOpts{},
		[]string{"nope", "still nope", "no json here either"},
		nil,
		map[string][]worker.ScriptStep{"coder": nil})

	res, err := h.start(t, "write code")
	require.NoError(t, err)

	s := res.State
	assert.True(t, s.Done)
	assert.Contains(t, s.Error, "no usable plan after 3 attempt(s)")
	assert.Equal(t, s.Error, s.Answer())
	assert.Len(t, h.planner.Calls(), 3)
	assert.Empty(t, h.scheduler.Calls())
}

func TestWorkerFailureBecomesResult(t *testing.T) {
	h := newHarness(t, harnessOpts{summary: []string{"done"}},
		[]string{`{"add":[{"description":"write","assignedWorker":"coder","status":"pending"}]}`},
		[]string{
			decision("task-1", "in_progress", "coder", ""),
			decision("task-1", "failed", "summary", ""),
		},
		map[string][]worker.ScriptStep{"coder": {{Error: "model overloaded"}}})

	res, err := h.start(t, "write code")
	require.NoError(t, err)
	assert.True(t, res.State.Done)
	assert.Contains(t, lastUserMessage(h.scheduler.Calls()), "model overloaded")
}

func TestSchedulerContractViolationAbortsRun(t *testing.T) {
	h := newHarness(t, harnessOpts{},
		[]string{`{"add":[{"description":"write","assignedWorker":"coder","status":"pending"}]}`},
		[]string{decision("task-99", "in_progress", "coder", "")},
		map[string][]worker.ScriptStep{"coder": nil})

	_, err := h.start(t, "write code")
	require.Error(t, err)
	assert.True(t, apperrors.IsContractViolation(err))

	cp, ok := h.run.GetState("s1")
	require.True(t, ok)
	assert.Equal(t, NodeMerge, cp.Node)
	assert.Equal(t, NodeScheduler, cp.Next)
}

func TestSummaryFallsBackToPlan(t *testing.T) {
	h := newHarness(t, harnessOpts{noSummary: true},
		[]string{`{"add":[{"description":"write","assignedWorker":"coder","status":"pending"}]}`},
		[]string{
			decision("task-1", "in_progress", "coder", ""),
			decision("task-1", "completed", "finish", ""),
		},
		map[string][]worker.ScriptStep{"coder": {{Text: "written"}}})

	res, err := h.start(t, "write code")
	require.NoError(t, err)
	assert.Contains(t, res.State.FinalResponse, "Goal: write code")
	assert.Contains(t, res.State.FinalResponse, "completed=1")
}

func TestNewValidatesRoles(t *testing.T) {
	reg := worker.NewRegistry()
	require.NoError(t, reg.Register(worker.Spec{Name: "coder"}, script()))

	_, err := New(DefaultConfig(), Roles{}, reg)
	assert.Error(t, err)

	roles := Roles{Planner: Role{Name: "p", Worker: script()}, Scheduler: Role{Name: "s", Worker: script()}}
	_, err = New(DefaultConfig(), roles, worker.NewRegistry())
	assert.Error(t, err)

	o, err := New(DefaultConfig(), roles, reg)
	require.NoError(t, err)
	topo := o.Topology(nil)
	assert.Contains(t, topo.Nodes, WorkerNode("coder"))
	assert.NotContains(t, topo.Nodes, ConfirmNode("coder"))
	assert.Equal(t, []string{NodeHumanInput}, topo.InterruptAfter)
}

func TestStateClone(t *testing.T) {
	var nilState *State
	assert.Nil(t, nilState.Clone())
	assert.Zero(t, nilState.MessageCount())

	s := NewState("s1", "goal")
	_, err := s.Plan.ApplyAdd(plan.AddItem{Description: "a", AssignedWorker: "coder", Status: "pending"})
	require.NoError(t, err)
	s.Operations = []toolpool.Request{{ID: "1", Name: "t", Arguments: []byte(`{}`), DependsOn: []string{"0"}}}

	c := s.Clone()
	c.Messages = append(c.Messages, worker.Message{Role: worker.RoleUser, Content: "more"})
	c.Operations[0].DependsOn[0] = "changed"
	_, err = c.Plan.ApplyAdd(plan.AddItem{Description: "b", AssignedWorker: "coder", Status: "pending"})
	require.NoError(t, err)

	assert.Equal(t, 1, s.MessageCount())
	assert.Equal(t, "0", s.Operations[0].DependsOn[0])
	assert.Equal(t, 1, s.Plan.Len())
}

func TestApplyInput(t *testing.T) {
	s := NewState("s1", "goal")
	s.Done, s.FinalResponse, s.Question = true, "old", "why?"

	ApplyInput(s, InputExternalEvent, "build finished")
	assert.False(t, s.Done)
	assert.Empty(t, s.FinalResponse)
	assert.Empty(t, s.Question)
	assert.Equal(t, scheduler.ScenarioUserInput, s.Scenario)
	assert.Equal(t, "external_event", s.LastSource)
	last := s.Messages[len(s.Messages)-1]
	assert.Equal(t, "external_event", last.Kind)
	assert.Equal(t, "build finished", last.Content)
}

func TestDeclined(t *testing.T) {
	tests := []struct {
		kind InputKind
		text string
		want bool
	}{
		{InputConfirm, "no", true},
		{InputConfirm, "No, thanks", true},
		{InputConfirm, "cancel!", true},
		{InputConfirm, "yes", false},
		{InputConfirm, "go ahead, no problem", false},
		{InputConfirm, "", false},
		{InputHuman, "no", false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%s", tt.kind, tt.text), func(t *testing.T) {
			s := ApplyInput(NewState("s", "g"), tt.kind, tt.text)
			assert.Equal(t, tt.want, s.declined())
		})
	}
}

func TestParseInputKind(t *testing.T) {
	for _, k := range []string{"human_input", "human_confirm", "tool_result", "external_event"} {
		got, err := ParseInputKind(k)
		require.NoError(t, err)
		assert.Equal(t, InputKind(k), got)
	}
	_, err := ParseInputKind("telepathy")
	assert.Error(t, err)
}
