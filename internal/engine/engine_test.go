package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	apperrors "github.com/aristath/taskflow/internal/errors"
)

type trail struct {
	Visited []string
	N       int
}

func (t *trail) Clone() *trail {
	cp := *t
	cp.Visited = append([]string(nil), t.Visited...)
	return &cp
}

func visit(name string) NodeFunc[*trail] {
	return func(ctx context.Context, s *trail) (*trail, error) {
		s.Visited = append(s.Visited, name)
		return s, nil
	}
}

func compile(t *testing.T, topo Topology[*trail], opts ...Option) (*Runnable[*trail], *MemorySaver[*trail]) {
	t.Helper()
	saver := NewMemorySaver[*trail](0)
	r, err := Compile(topo, saver, opts...)
	require.NoError(t, err)
	return r, saver
}

func linear(names ...string) Topology[*trail] {
	topo := Topology[*trail]{Entry: names[0], Nodes: map[string]NodeFunc[*trail]{}, Edges: map[string]string{}}
	for i, n := range names {
		topo.Nodes[n] = visit(n)
		if i+1 < len(names) {
			topo.Edges[n] = names[i+1]
		}
	}
	return topo
}

func TestRunLinear(t *testing.T) {
	r, saver := compile(t, linear("a", "b", "c"), WithTracer(noop.NewTracerProvider().Tracer("test")))

	var outputs []StepOutput[*trail]
	res, err := r.Run(context.Background(), RunConfig{ThreadID: "t1"}, &trail{}, func(o StepOutput[*trail]) {
		outputs = append(outputs, o)
	})
	require.NoError(t, err)
	assert.False(t, res.Interrupted)
	assert.Equal(t, 3, res.Steps)
	assert.Equal(t, []string{"a", "b", "c"}, res.State.Visited)
	assert.True(t, res.Checkpoint.Done())

	require.Len(t, outputs, 3)
	assert.Equal(t, "b", outputs[1].Node)
	assert.Equal(t, "c", outputs[1].Next)

	history := saver.List("t1")
	require.Len(t, history, 4, "input checkpoint plus one per step")
	assert.Equal(t, Start, history[0].Node)
	assert.Empty(t, history[0].State.Visited)
	for i := 1; i < len(history); i++ {
		assert.Equal(t, history[i-1].ID, history[i].ParentID)
		assert.Equal(t, i, history[i].Step)
	}
}

func TestNodesReceivePrivateCopies(t *testing.T) {
	r, saver := compile(t, linear("a", "b"))
	input := &trail{}
	_, err := r.Run(context.Background(), RunConfig{ThreadID: "t1"}, input, nil)
	require.NoError(t, err)

	assert.Empty(t, input.Visited, "input must not be mutated")
	history := saver.List("t1")
	assert.Equal(t, []string{"a"}, history[1].State.Visited, "earlier checkpoints must not see later steps")
}

func TestRouterLoop(t *testing.T) {
	topo := Topology[*trail]{
		Entry: "inc",
		Nodes: map[string]NodeFunc[*trail]{
			"inc": func(ctx context.Context, s *trail) (*trail, error) { s.N++; return s, nil },
		},
		Routers: map[string]RouterFunc[*trail]{
			"inc": func(s *trail) (string, error) {
				if s.N < 3 {
					return "inc", nil
				}
				return End, nil
			},
		},
	}
	r, _ := compile(t, topo)

	res, err := r.Run(context.Background(), RunConfig{ThreadID: "t1"}, &trail{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, res.State.N)
}

func TestInterruptAfterAndResume(t *testing.T) {
	topo := linear("ask", "answer")
	topo.InterruptAfter = []string{"ask"}
	r, _ := compile(t, topo)
	ctx := context.Background()

	res, err := r.Run(ctx, RunConfig{ThreadID: "t1"}, &trail{}, nil)
	require.NoError(t, err)
	assert.True(t, res.Interrupted)
	assert.Equal(t, "ask", res.Node)
	assert.Equal(t, InterruptAfter, res.Checkpoint.Interrupt)
	assert.Equal(t, "answer", res.Checkpoint.Next)

	_, err = r.UpdateState(RunConfig{ThreadID: "t1"}, func(s *trail) *trail {
		s.Visited = append(s.Visited, "reply")
		return s
	}, "")
	require.NoError(t, err)

	res, err = r.Resume(ctx, RunConfig{ThreadID: "t1"}, nil)
	require.NoError(t, err)
	assert.False(t, res.Interrupted)
	assert.Equal(t, []string{"ask", "reply", "answer"}, res.State.Visited)
}

func TestInterruptBeforeRunsNodeOnResume(t *testing.T) {
	topo := linear("prepare", "book", "report")
	topo.InterruptBefore = []string{"book"}
	r, _ := compile(t, topo)
	ctx := context.Background()

	res, err := r.Run(ctx, RunConfig{ThreadID: "t1"}, &trail{}, nil)
	require.NoError(t, err)
	require.True(t, res.Interrupted)
	assert.Equal(t, "book", res.Node)
	assert.Equal(t, []string{"prepare"}, res.State.Visited, "the gated node must not run yet")

	cp, ok := r.GetState("t1")
	require.True(t, ok)
	assert.Equal(t, InterruptBefore, cp.Interrupt)

	// The interrupt marker survives a state update without asNode.
	cp, err = r.UpdateState(RunConfig{ThreadID: "t1"}, func(s *trail) *trail { s.N = 1; return s }, "")
	require.NoError(t, err)
	assert.Equal(t, InterruptBefore, cp.Interrupt)

	res, err = r.Resume(ctx, RunConfig{ThreadID: "t1"}, nil)
	require.NoError(t, err)
	assert.False(t, res.Interrupted)
	assert.Equal(t, []string{"prepare", "book", "report"}, res.State.Visited)
	assert.Equal(t, 1, res.State.N)
}

func TestUpdateStateAsNode(t *testing.T) {
	topo := linear("a", "b", "c")
	topo.InterruptAfter = []string{"a"}
	r, _ := compile(t, topo)

	_, err := r.Run(context.Background(), RunConfig{ThreadID: "t1"}, &trail{}, nil)
	require.NoError(t, err)

	cp, err := r.UpdateState(RunConfig{ThreadID: "t1"}, func(s *trail) *trail {
		s.Visited = append(s.Visited, "b*")
		return s
	}, "b")
	require.NoError(t, err)
	assert.Equal(t, "c", cp.Next)
	assert.Equal(t, InterruptNone, cp.Interrupt)

	res, err := r.Resume(context.Background(), RunConfig{ThreadID: "t1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b*", "c"}, res.State.Visited)

	_, err = r.UpdateState(RunConfig{ThreadID: "t1"}, func(s *trail) *trail { return s }, "nope")
	assert.True(t, apperrors.IsContractViolation(err))
}

func TestResumeFromEarlierCheckpoint(t *testing.T) {
	r, saver := compile(t, linear("a", "b", "c"))
	_, err := r.Run(context.Background(), RunConfig{ThreadID: "t1"}, &trail{}, nil)
	require.NoError(t, err)

	afterA := saver.List("t1")[1]
	res, err := r.Resume(context.Background(), RunConfig{ThreadID: "t1", CheckpointID: afterA.ID}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, res.State.Visited)
	assert.Equal(t, 2, res.Steps)
	assert.Len(t, saver.List("t1"), 6)
}

func TestResumeFinishedThreadIsNoop(t *testing.T) {
	r, _ := compile(t, linear("a"))
	_, err := r.Run(context.Background(), RunConfig{ThreadID: "t1"}, &trail{}, nil)
	require.NoError(t, err)

	res, err := r.Resume(context.Background(), RunConfig{ThreadID: "t1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Steps)
	assert.Equal(t, []string{"a"}, res.State.Visited)
}

func TestResumeUnknownThread(t *testing.T) {
	r, _ := compile(t, linear("a"))
	_, err := r.Resume(context.Background(), RunConfig{ThreadID: "missing"}, nil)
	assert.ErrorIs(t, err, ErrNoCheckpoint)
}

func TestNodeErrorKeepsLastCheckpoint(t *testing.T) {
	boom := errors.New("boom")
	topo := linear("a", "b")
	topo.Nodes["b"] = func(ctx context.Context, s *trail) (*trail, error) { return nil, boom }
	r, _ := compile(t, topo)

	_, err := r.Run(context.Background(), RunConfig{ThreadID: "t1"}, &trail{}, nil)
	require.ErrorIs(t, err, boom)

	cp, ok := r.GetState("t1")
	require.True(t, ok)
	assert.Equal(t, "a", cp.Node)
	assert.Equal(t, "b", cp.Next)
}

func TestPanicBecomesContractViolation(t *testing.T) {
	topo := linear("a", "b")
	topo.Nodes["a"] = func(ctx context.Context, s *trail) (*trail, error) {
		panic(apperrors.Violation("test", "routing target missing"))
	}
	topo.Nodes["b"] = func(ctx context.Context, s *trail) (*trail, error) {
		var m map[string]int
		m["x"] = 1
		return s, nil
	}
	r, _ := compile(t, topo)

	_, err := r.Run(context.Background(), RunConfig{ThreadID: "t1"}, &trail{}, nil)
	var cv *apperrors.ContractViolation
	require.ErrorAs(t, err, &cv)
	assert.Equal(t, "test", cv.Component)

	topo.Entry = "b"
	r, _ = compile(t, topo)
	_, err = r.Run(context.Background(), RunConfig{ThreadID: "t2"}, &trail{}, nil)
	require.ErrorAs(t, err, &cv)
	assert.Contains(t, cv.Detail, "panicked")
}

func TestRouterToUndefinedNode(t *testing.T) {
	topo := linear("a")
	topo.Routers = map[string]RouterFunc[*trail]{"a": func(*trail) (string, error) { return "ghost", nil }}
	r, _ := compile(t, topo)

	_, err := r.Run(context.Background(), RunConfig{ThreadID: "t1"}, &trail{}, nil)
	assert.True(t, apperrors.IsContractViolation(err))
}

func TestMaxSteps(t *testing.T) {
	topo := linear("a")
	topo.Edges["a"] = "a"
	r, _ := compile(t, topo, WithMaxSteps(5))

	_, err := r.Run(context.Background(), RunConfig{ThreadID: "t1"}, &trail{}, nil)
	assert.ErrorIs(t, err, ErrMaxSteps)
}

func TestCancelledContextStopsRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	topo := linear("a", "b")
	topo.Nodes["a"] = func(_ context.Context, s *trail) (*trail, error) {
		cancel()
		return s, nil
	}
	r, _ := compile(t, topo)

	_, err := r.Run(ctx, RunConfig{ThreadID: "t1"}, &trail{}, nil)
	assert.ErrorIs(t, err, context.Canceled)
	cp, _ := r.GetState("t1")
	assert.Equal(t, "b", cp.Next, "the completed step is checkpointed")
}

func TestCompileValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Topology[*trail])
		want   string
	}{
		{"missing entry", func(tp *Topology[*trail]) { tp.Entry = "zzz" }, "entry node"},
		{"dangling edge", func(tp *Topology[*trail]) { tp.Edges["b"] = "zzz" }, "undefined node"},
		{"edge and router", func(tp *Topology[*trail]) {
			tp.Routers = map[string]RouterFunc[*trail]{"a": func(*trail) (string, error) { return End, nil }}
		}, "both"},
		{"bad interrupt", func(tp *Topology[*trail]) { tp.InterruptBefore = []string{"zzz"} }, "interrupt"},
		{"reserved name", func(tp *Topology[*trail]) { tp.Nodes[End] = visit("x") }, "reserved"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			topo := linear("a", "b")
			tt.mutate(&topo)
			_, err := Compile(topo, NewMemorySaver[*trail](0))
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tt.want), err.Error())
		})
	}
}

func TestMemorySaverCap(t *testing.T) {
	s := NewMemorySaver[*trail](2)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Put(Checkpoint[*trail]{ID: string(rune('a' + i)), ThreadID: "t", State: &trail{}}))
	}
	list := s.List("t")
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[0].ID)
	_, ok := s.Get("t", "a")
	assert.False(t, ok)
	assert.Equal(t, []string{"t"}, s.Threads())
	assert.Equal(t, 2, s.Delete("t"))
	assert.Equal(t, 0, s.Len())
}

func TestClockStampsCheckpoints(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	r, _ := compile(t, linear("a"), WithClock(func() time.Time { return at }))
	res, err := r.Run(context.Background(), RunConfig{ThreadID: "t1"}, &trail{}, nil)
	require.NoError(t, err)
	assert.Equal(t, at, res.Checkpoint.CreatedAt)
}
