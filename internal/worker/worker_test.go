package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/aristath/taskflow/internal/errors"
)

// flakyWorker fails a fixed number of times before succeeding.
type flakyWorker struct {
	mu       sync.Mutex
	failures int
	err      error
	calls    int
	times    []time.Time
}

func (w *flakyWorker) Execute(ctx context.Context, _ []Message) (Output, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	w.times = append(w.times, time.Now())
	if w.calls <= w.failures {
		return Output{}, w.err
	}
	return Output{Text: "done"}, nil
}

func (w *flakyWorker) callCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.calls
}

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{MaxAttempts: attempts, BaseDelay: 10 * time.Millisecond}
}

func TestInvokeRetriesTransientFailures(t *testing.T) {
	w := &flakyWorker{failures: 2, err: errors.New("connection reset")}
	iv := NewInvoker(fastRetry(3), nil, nil, nil)

	out, err := iv.Invoke(context.Background(), "search", w, nil)
	require.NoError(t, err)
	assert.Equal(t, "done", out.Text)
	assert.Equal(t, 3, w.callCount())
}

func TestInvokeBackoffGrowsLinearly(t *testing.T) {
	w := &flakyWorker{failures: 2, err: errors.New("busy")}
	iv := NewInvoker(RetryConfig{MaxAttempts: 3, BaseDelay: 40 * time.Millisecond}, nil, nil, nil)

	_, err := iv.Invoke(context.Background(), "search", w, nil)
	require.NoError(t, err)
	require.Len(t, w.times, 3)
	first := w.times[1].Sub(w.times[0])
	second := w.times[2].Sub(w.times[1])
	assert.GreaterOrEqual(t, first, 40*time.Millisecond)
	assert.GreaterOrEqual(t, second, 80*time.Millisecond)
}

func TestInvokeExhaustionReturnsTransientWorkerError(t *testing.T) {
	w := &flakyWorker{failures: 10, err: errors.New("503")}
	iv := NewInvoker(fastRetry(3), nil, nil, nil)

	_, err := iv.Invoke(context.Background(), "search", w, nil)
	var twe *apperrors.TransientWorkerError
	require.ErrorAs(t, err, &twe)
	assert.Equal(t, "search", twe.Worker)
	assert.Equal(t, 3, twe.Attempts)
	assert.Equal(t, 3, w.callCount())
}

func TestInvokeDoesNotRetryPermanentErrors(t *testing.T) {
	w := &flakyWorker{failures: 10, err: &apperrors.MalformedOutputError{Source: "decision", Diagnostic: "bad"}}
	iv := NewInvoker(fastRetry(3), nil, nil, nil)

	_, err := iv.Invoke(context.Background(), "scheduler", w, nil)
	assert.True(t, apperrors.IsMalformed(err))
	assert.Equal(t, 1, w.callCount())
}

func TestInvokeStopsOnCancellation(t *testing.T) {
	w := &flakyWorker{failures: 10, err: errors.New("slow")}
	iv := NewInvoker(RetryConfig{MaxAttempts: 5, BaseDelay: time.Second}, nil, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := iv.Invoke(ctx, "search", w, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 900*time.Millisecond, "backoff must not ignore cancellation")
}

func TestCircuitBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	reg := NewCircuitBreakerRegistry(nil)
	iv := NewInvoker(fastRetry(1), reg, nil, nil)
	w := &flakyWorker{failures: 100, err: errors.New("down")}

	for i := 0; i < 5; i++ {
		_, _ = iv.Invoke(context.Background(), "flaky", w, nil)
	}
	assert.Equal(t, gobreaker.StateOpen, reg.Get("flaky").State())

	_, err := iv.Invoke(context.Background(), "flaky", w, nil)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 5, w.callCount())
	assert.Same(t, reg.Get("flaky"), reg.Get("flaky"))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	noop := Func(func(context.Context, []Message) (Output, error) { return Output{}, nil })

	require.NoError(t, r.Register(Spec{Name: "search", Description: "web search"}, noop))
	require.NoError(t, r.Register(Spec{Name: "booker", Description: "books trips", Confirm: true}, noop))

	assert.Error(t, r.Register(Spec{Name: "search"}, noop), "duplicate")
	assert.Error(t, r.Register(Spec{Name: "replan"}, noop), "reserved")
	assert.Error(t, r.Register(Spec{Name: " "}, noop), "empty")
	assert.Error(t, r.Register(Spec{Name: "nil"}, nil), "nil worker")

	assert.True(t, r.Has("search"))
	spec, ok := r.Spec("booker")
	require.True(t, ok)
	assert.True(t, spec.Confirm)
	assert.Equal(t, "- booker: books trips\n- search: web search\n", r.Catalogue())
}

func TestScriptedWorker(t *testing.T) {
	w := NewScriptedWorker(
		ScriptStep{Text: "first"},
		ScriptStep{Operations: []ScriptOperation{{Name: "lookup", Arguments: map[string]any{"q": "go"}}}},
		ScriptStep{Error: "model overloaded"},
	)

	out, err := w.Execute(context.Background(), []Message{{Role: RoleUser, Content: "hi"}})
	require.NoError(t, err)
	assert.Equal(t, "first", out.Text)

	out, err = w.Execute(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, out.Operations, 1)
	assert.Equal(t, "op-1", out.Operations[0].ID)
	assert.JSONEq(t, `{"q":"go"}`, string(out.Operations[0].Arguments))

	_, err = w.Execute(context.Background(), nil)
	assert.EqualError(t, err, "model overloaded")

	_, err = w.Execute(context.Background(), nil)
	assert.ErrorIs(t, err, ErrScriptExhausted)
	assert.Len(t, w.Calls(), 4)
	assert.Equal(t, "hi", w.Calls()[0][0].Content)
}

func TestLoadScript(t *testing.T) {
	path := filepath.Join(t.TempDir(), "script.yaml")
	content := `workers:
  search:
    - text: ""
      operations:
        - id: q1
          name: web_search
          arguments:
            query: flights
    - text: "found 3 flights"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	s, err := LoadScript(path)
	require.NoError(t, err)
	require.Len(t, s.Workers["search"], 2)

	out, err := NewScriptedWorker(s.Workers["search"]...).Execute(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, out.Operations, 1)
	assert.Equal(t, "web_search", out.Operations[0].Name)
	assert.JSONEq(t, `{"query":"flights"}`, string(out.Operations[0].Arguments))
}

func TestCommandWorker(t *testing.T) {
	w, err := NewCommandWorker(CommandConfig{
		Command: "bash",
		Args:    []string{"-c", `cat >/dev/null; echo '{"text":"from cli","operations":[{"id":"a","name":"lookup"}]}'`},
	}, nil)
	require.NoError(t, err)

	out, err := w.Execute(context.Background(), []Message{{Role: RoleUser, Content: "go"}})
	require.NoError(t, err)
	assert.Equal(t, "from cli", out.Text)
	require.Len(t, out.Operations, 1)
	assert.Equal(t, "lookup", out.Operations[0].Name)
}

func TestCommandWorkerEchoesStdin(t *testing.T) {
	w, err := NewCommandWorker(CommandConfig{Command: "cat"}, nil)
	require.NoError(t, err)

	out, err := w.Execute(context.Background(), []Message{{Role: RoleUser, Content: "ping"}})
	require.NoError(t, err)
	assert.Equal(t, `{"messages":[{"role":"user","content":"ping"}]}`, out.Text)
}

func TestParseCommandOutput(t *testing.T) {
	assert.Equal(t, Output{Text: "plain answer"}, parseCommandOutput([]byte("plain answer\n")))
	assert.Equal(t, Output{Text: `{"other":1}`}, parseCommandOutput([]byte(`{"other":1}`)))
	assert.Equal(t, Output{Text: "x"}, parseCommandOutput([]byte(`{"text":"x"}`)))
}

func TestNewCommandWorkerRequiresCommand(t *testing.T) {
	_, err := NewCommandWorker(CommandConfig{}, nil)
	assert.Error(t, err)
}
