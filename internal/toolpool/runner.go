package toolpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/aristath/taskflow/internal/logging"
	"github.com/aristath/taskflow/internal/metrics"
)

// Execution modes, used as metric labels.
const (
	ModeParallel   = "parallel"
	ModeSequential = "sequential"
	ModeFallback   = "fallback"
)

// ErrEmptyBatch is returned when a non-empty batch produced no results.
var ErrEmptyBatch = errors.New("tool batch produced no results")

// Config controls how batches are executed.
type Config struct {
	ParallelEnabled bool          // Allow the parallel path at all
	MinParallel     int           // Smallest batch size run in parallel (default 2)
	BatchTimeout    time.Duration // Deadline for a parallel batch (default 30s)
	CallTimeout     time.Duration // Per-call deadline; zero disables
}

// DefaultConfig returns the stock batch settings.
func DefaultConfig() Config {
	return Config{ParallelEnabled: true, MinParallel: 2, BatchTimeout: 30 * time.Second}
}

// Option configures a Runner.
type Option func(*Runner)

// WithDetector replaces the dependency detector.
func WithDetector(d DependencyDetector) Option {
	return func(r *Runner) { r.detector = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.log = logging.Component(l, "toolpool") }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// Runner executes tool batches. It never drops a request: every call in a
// batch yields exactly one Result, failed calls included.
type Runner struct {
	exec     Executor
	pool     *WorkerPool
	cfg      Config
	detector DependencyDetector
	log      *slog.Logger
	metrics  *metrics.Metrics
}

// NewRunner creates a runner. A nil pool disables the parallel path.
func NewRunner(exec Executor, pool *WorkerPool, cfg Config, opts ...Option) *Runner {
	if cfg.MinParallel <= 0 {
		cfg.MinParallel = 2
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = DefaultConfig().BatchTimeout
	}
	r := &Runner{
		exec:     exec,
		pool:     pool,
		cfg:      cfg,
		detector: DefaultDetector{},
		log:      logging.Discard(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes reqs and appends every result to hist (which may be nil).
// Results are returned in request order.
func (r *Runner) Run(ctx context.Context, hist *History, reqs []Request) ([]Result, error) {
	if len(reqs) == 0 {
		return nil, nil
	}

	var results []Result
	if r.parallel(reqs) {
		results = r.runParallel(ctx, hist, reqs)
	} else {
		results = r.runSequential(ctx, hist, reqs)
	}

	if len(results) == 0 {
		return nil, ErrEmptyBatch
	}
	return results, nil
}

func (r *Runner) parallel(reqs []Request) bool {
	if !r.cfg.ParallelEnabled || r.pool == nil || len(reqs) < r.cfg.MinParallel {
		return false
	}
	return !r.detector.HasDependencies(reqs)
}

func (r *Runner) runSequential(ctx context.Context, hist *History, reqs []Request) []Result {
	ordered, err := OrderByDependencies(reqs)
	if err != nil {
		r.log.Warn("dependency ordering failed, using request order", "error", err)
		ordered = reqs
	}

	byID := make(map[string]Result, len(reqs))
	for _, req := range ordered {
		res := r.call(ctx, req)
		r.record(hist, req, res, ModeSequential)
		byID[req.ID] = res
	}

	out := make([]Result, 0, len(reqs))
	for _, req := range reqs {
		out = append(out, byID[req.ID])
	}
	return out
}

const (
	jobQueued int32 = iota
	jobRunning
	jobAbandoned
)

type job struct {
	idx   int
	req   Request
	state atomic.Int32
}

type jobResult struct {
	idx int
	res Result
	err error
}

var errBatchDeadline = errors.New("tool batch deadline exceeded")

func (r *Runner) runParallel(ctx context.Context, hist *History, reqs []Request) []Result {
	batchCtx, cancel := context.WithTimeoutCause(ctx, r.cfg.BatchTimeout, errBatchDeadline)
	defer cancel()

	results := make([]Result, len(reqs))
	filled := make([]bool, len(reqs))
	resCh := make(chan jobResult, len(reqs))
	jobs := make([]*job, len(reqs))
	var fallback []int

	submitted := 0
	for i, req := range reqs {
		j := &job{idx: i, req: req}
		jobs[i] = j
		ok := r.pool.TrySubmit(func() {
			if !j.state.CompareAndSwap(jobQueued, jobRunning) {
				return
			}
			res, err := r.attempt(batchCtx, j.req)
			resCh <- jobResult{idx: j.idx, res: res, err: err}
		})
		if ok {
			submitted++
		} else {
			j.state.Store(jobAbandoned)
			fallback = append(fallback, i)
		}
	}

	done := batchCtx.Done()
	for received := 0; received < submitted; {
		select {
		case jr := <-resCh:
			received++
			// Only a call cut short by the batch deadline is retried
			// sequentially; other failures stand.
			if r.cutByDeadline(ctx, batchCtx, jr.err) {
				fallback = append(fallback, jr.idx)
				continue
			}
			results[jr.idx] = jr.res
			filled[jr.idx] = true
			r.record(hist, jobs[jr.idx].req, jr.res, ModeParallel)
		case <-done:
			done = nil
			for _, j := range jobs {
				if j.state.CompareAndSwap(jobQueued, jobAbandoned) {
					fallback = append(fallback, j.idx)
					received++
				}
			}
		}
	}

	if len(fallback) > 0 {
		r.log.Warn("parallel tool batch incomplete, falling back to sequential execution",
			"fallback", len(fallback), "batch", len(reqs), "deadline_exceeded", batchCtx.Err() != nil)
		r.metrics.AddToolFallbacks(len(fallback))
	}
	for _, idx := range fallback {
		if filled[idx] {
			continue
		}
		res := r.call(ctx, reqs[idx])
		r.record(hist, reqs[idx], res, ModeFallback)
		results[idx] = res
		filled[idx] = true
	}
	return results
}

func (r *Runner) cutByDeadline(ctx, batchCtx context.Context, err error) bool {
	return err != nil && ctx.Err() == nil &&
		errors.Is(err, context.DeadlineExceeded) &&
		errors.Is(context.Cause(batchCtx), errBatchDeadline)
}

// call runs one request, converting errors and panics into error-text results.
func (r *Runner) call(ctx context.Context, req Request) Result {
	res, _ := r.attempt(ctx, req)
	return res
}

// attempt is call that also returns the executor or context error behind a
// failed result. Panics yield a failed result with a nil error.
func (r *Runner) attempt(ctx context.Context, req Request) (res Result, err error) {
	start := time.Now()
	res = Result{RequestID: req.ID, Name: req.Name}

	defer func() {
		if p := recover(); p != nil {
			res.Success = false
			res.Text = ErrorPrefix + fmt.Sprint(p)
		}
		res.Duration = time.Since(start)
	}()

	if r.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.CallTimeout)
		defer cancel()
	}

	if err := ctx.Err(); err != nil {
		res.Text = ErrorPrefix + err.Error()
		return res, err
	}

	text, err := r.exec.ExecuteTool(ctx, req)
	if err != nil {
		res.Text = ErrorPrefix + err.Error()
		return res, err
	}
	res.Text = text
	res.Success = true
	return res, nil
}

func (r *Runner) record(hist *History, req Request, res Result, mode string) {
	r.metrics.ObserveToolCall(req.Name, mode, res.Success, res.Duration)
	if !res.Success {
		r.log.Debug("tool call failed", "tool", req.Name, "request_id", req.ID, "result", res.Text)
	}
	if hist == nil {
		return
	}
	hist.Append(Record{
		RequestID: req.ID,
		ToolName:  req.Name,
		Arguments: req.Arguments,
		Result:    res.Text,
		Success:   res.Success,
		Duration:  res.Duration,
	})
}
