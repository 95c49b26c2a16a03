package planner

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/aristath/taskflow/internal/errors"
	"github.com/aristath/taskflow/internal/plan"
	"github.com/aristath/taskflow/internal/worker"
)

type workerSet map[string]bool

func (s workerSet) Has(name string) bool { return s[name] }

func newMerger() *Merger {
	return NewMerger(workerSet{"search": true, "writer": true}, nil)
}

func TestMergeInitialPlan(t *testing.T) {
	p := plan.New()
	raw := "Here is the plan:\n```json\n" + `{"add":[
		{"description":"find flights","assignedWorker":"search","status":"pending"},
		{"description":"write itinerary","assignedWorker":"writer","status":"pending"}
	]}` + "\n```"

	res, err := newMerger().Merge(p, raw)
	require.NoError(t, err)
	assert.Equal(t, []string{"task-1", "task-2"}, res.Added)
	require.NotNil(t, res.Next)
	assert.Equal(t, "task-1", res.Next.ID)
	assert.Equal(t, 2, p.Len())
}

func TestMergeRepairsNearJSON(t *testing.T) {
	p := plan.New()
	raw := `{"add":[{"description":"find flights","assignedWorker":"search","status":"pending",}]`

	res, err := newMerger().Merge(p, raw)
	require.NoError(t, err)
	assert.True(t, res.Repaired)
	assert.Equal(t, 1, p.Len())
}

func TestMergeRejectsInvalidDiffs(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		diag string
	}{
		{"not json", "I could not come up with a plan", "not a JSON plan diff"},
		{"empty first plan", `{}`, "no plan yet"},
		{"missing description", `{"add":[{"assignedWorker":"search","status":"pending"}]}`, "missing description"},
		{"unknown worker", `{"add":[{"description":"d","assignedWorker":"pilot","status":"pending"}]}`, `unknown worker "pilot"`},
		{"bad status", `{"add":[{"description":"d","assignedWorker":"search","status":"done"}]}`, "unknown task status"},
		{"missing status", `{"add":[{"description":"d","assignedWorker":"search"}]}`, "missing status"},
		{"unknown task", `{"add":[{"description":"d","assignedWorker":"search","status":"pending"}],"modify":[{"taskId":"t9","status":"pending"}]}`, "conflicts"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := plan.New()
			_, err := newMerger().Merge(p, tt.raw)

			var mo *apperrors.MalformedOutputError
			require.ErrorAs(t, err, &mo)
			assert.Equal(t, "plan", mo.Source)
			assert.Contains(t, mo.Error(), tt.diag)
			assert.Equal(t, 0, p.Len(), "a rejected diff must not change the plan")
		})
	}
}

func TestMergeRetryAlias(t *testing.T) {
	p := plan.New()
	_, err := p.ApplyAdd(plan.AddItem{ID: "t1", Description: "d", AssignedWorker: "search", Status: "pending"})
	require.NoError(t, err)
	_, err = p.ApplyModify(plan.Modify{TaskID: "t1", Status: "in_progress"})
	require.NoError(t, err)
	_, err = p.ApplyModify(plan.Modify{TaskID: "t1", Status: "failed"})
	require.NoError(t, err)

	res, err := newMerger().Merge(p, `{"modify":[{"taskId":"t1","status":"retry"}]}`)
	require.NoError(t, err)

	task, _ := p.Get("t1")
	assert.Equal(t, plan.StatusPending, task.Status)
	assert.Equal(t, 1, task.FailureCount)
	require.NotNil(t, res.Next)
	assert.Equal(t, "t1", res.Next.ID)
}

func TestMergeExhaustedPlanHasNoNext(t *testing.T) {
	p := plan.New()
	_, err := p.ApplyAdd(plan.AddItem{ID: "t1", Description: "d", AssignedWorker: "search", Status: "completed"})
	require.NoError(t, err)

	res, err := newMerger().Merge(p, `{"modify":[]}`)
	require.NoError(t, err)
	assert.Nil(t, res.Next)
}

func TestBuildMessages(t *testing.T) {
	msgs := BuildMessages(Input{
		Goal:         "plan a trip",
		Catalogue:    "- search: web search\n",
		PlanSummary:  "1. [failed] find flights (id=t1, worker=search)",
		PriorFailure: "task t1 failed 3 times",
		SelfRepair:   "missing description",
	})

	require.Len(t, msgs, 2)
	assert.Equal(t, worker.RoleSystem, msgs[0].Role)
	user := msgs[1].Content
	for _, want := range []string{"plan a trip", "- search: web search", "Current plan", "failed 3 times", "missing description"} {
		assert.True(t, strings.Contains(user, want), "missing %q in %q", want, user)
	}
}

func TestGeneratorUsesInvoker(t *testing.T) {
	var seen []worker.Message
	w := worker.Func(func(ctx context.Context, msgs []worker.Message) (worker.Output, error) {
		seen = msgs
		return worker.Output{Text: `{"add":[]}`}, nil
	})
	g := NewGenerator("planner", w, worker.NewInvoker(worker.RetryConfig{MaxAttempts: 1}, nil, nil, nil), nil)

	text, err := g.Generate(context.Background(), Input{Goal: "g"})
	require.NoError(t, err)
	assert.Equal(t, `{"add":[]}`, text)
	assert.Len(t, seen, 2)
}

func TestGeneratorSurfacesTransientFailure(t *testing.T) {
	w := worker.Func(func(ctx context.Context, msgs []worker.Message) (worker.Output, error) {
		return worker.Output{}, errors.New("model overloaded")
	})
	g := NewGenerator("planner", w, worker.NewInvoker(worker.RetryConfig{MaxAttempts: 2}, nil, nil, nil), nil)

	_, err := g.Generate(context.Background(), Input{Goal: "g"})
	var tw *apperrors.TransientWorkerError
	require.ErrorAs(t, err, &tw)
	assert.Equal(t, 2, tw.Attempts)
}
