package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"

	"github.com/aristath/taskflow/internal/config"
	"github.com/aristath/taskflow/internal/engine"
	"github.com/aristath/taskflow/internal/events"
	"github.com/aristath/taskflow/internal/metrics"
	"github.com/aristath/taskflow/internal/orchestrator"
	"github.com/aristath/taskflow/internal/persistence"
	"github.com/aristath/taskflow/internal/plan"
	"github.com/aristath/taskflow/internal/process"
	"github.com/aristath/taskflow/internal/rpc"
	"github.com/aristath/taskflow/internal/scheduler"
	"github.com/aristath/taskflow/internal/session"
	"github.com/aristath/taskflow/internal/toolpool"
	"github.com/aristath/taskflow/internal/worker"
)

const tracerName = "github.com/aristath/taskflow"

// runtime is everything a session run needs, wired from config.
type runtime struct {
	mgr       *session.Manager
	bus       *events.EventBus
	providers *rpc.Registry
	pool      *toolpool.WorkerPool
	procs     *process.Manager
	store     *persistence.SQLiteStore
	archiver  *persistence.Archiver
	promReg   *prometheus.Registry
	log       *slog.Logger
	cancel    context.CancelFunc
}

type runtimeOptions struct {
	script      *worker.Script // Scripted workers replace the configured commands
	archivePath string
}

func newRuntime(ctx context.Context, cfg *config.Config, log *slog.Logger, ro runtimeOptions) (_ *runtime, err error) {
	ctx, cancel := context.WithCancel(ctx)
	rt := &runtime{
		procs:   process.NewManager(),
		promReg: prometheus.NewRegistry(),
		log:     log,
		cancel:  cancel,
	}
	// Error returns below leave the named result nil; release what was
	// built so far through rt.
	defer func() {
		if err != nil {
			rt.Close()
		}
	}()
	m := metrics.MustNewMetrics(rt.promReg)

	registry, roles, err := buildWorkers(cfg, ro.script, rt.procs)
	if err != nil {
		return nil, err
	}

	rt.providers, err = buildProviders(cfg, rt.procs, log)
	if err != nil {
		return nil, err
	}
	if len(cfg.Providers) > 0 {
		if err := rt.providers.InitializeAll(ctx); err != nil {
			return nil, fmt.Errorf("initializing providers: %w", err)
		}
	}

	tp := cfg.ToolPool
	rt.pool = toolpool.NewWorkerPool(toolpool.PoolConfig{
		CoreSize:  tp.CoreSize,
		MaxSize:   tp.MaxSize,
		QueueSize: tp.QueueSize,
		KeepAlive: tp.KeepAlive,
	})
	runner := toolpool.NewRunner(rt.providers, rt.pool, toolpool.Config{
		ParallelEnabled: tp.Parallel,
		MinParallel:     tp.MinParallel,
		BatchTimeout:    tp.BatchTimeout,
		CallTimeout:     tp.CallTimeout,
	}, toolpool.WithLogger(log), toolpool.WithMetrics(m))

	invoker := worker.NewInvoker(worker.RetryConfig{
		MaxAttempts: cfg.WorkerRetry.MaxAttempts,
		BaseDelay:   cfg.WorkerRetry.BaseDelay,
		CallTimeout: cfg.WorkerRetry.CallTimeout,
	}, worker.NewCircuitBreakerRegistry(log), log, m)

	orch, err := orchestrator.New(orchestratorConfig(cfg.Limits), roles, registry,
		orchestrator.WithLogger(log),
		orchestrator.WithMetrics(m),
		orchestrator.WithTools(runner),
		orchestrator.WithInvoker(invoker))
	if err != nil {
		return nil, err
	}

	rt.bus = events.NewEventBus()
	if ro.archivePath != "" {
		rt.store, err = persistence.NewSQLiteStore(ctx, ro.archivePath)
		if err != nil {
			return nil, err
		}
		rt.archiver = persistence.NewArchiver(rt.store, log)
		rt.archiver.Start(ctx, rt.bus.SubscribeAll(256))
	}

	sc := cfg.Session
	rt.mgr, err = session.NewManager(orch, session.Config{
		TTL:              sc.TTL,
		SweepInterval:    sc.SweepInterval,
		MaxCheckpoints:   sc.MaxCheckpoints,
		ToolHistoryLimit: sc.ToolHistoryLimit,
		DedupeSize:       sc.DedupeSize,
	},
		session.WithLogger(log),
		session.WithMetrics(m),
		session.WithEventBus(rt.bus),
		session.WithEngineOptions(
			engine.WithMaxSteps(cfg.Limits.MaxSteps),
			engine.WithLogger(log),
			engine.WithMetrics(m),
			engine.WithTracer(otel.Tracer(tracerName)),
		))
	if err != nil {
		return nil, err
	}
	go rt.mgr.Sweeper().Run(ctx)
	return rt, nil
}

// Close stops background work and releases providers and subprocesses.
// Live sessions are not cleared, so archived sessions keep their final status.
// It is safe on a partially built runtime.
func (rt *runtime) Close() {
	if rt == nil {
		return
	}
	if rt.bus != nil {
		rt.bus.Close()
	}
	if rt.archiver != nil {
		rt.archiver.Wait()
		if n := rt.archiver.Failures(); n > 0 {
			rt.log.Warn("archive writes failed", "count", n)
		}
	}
	rt.cancel()
	if rt.store != nil {
		if err := rt.store.Close(); err != nil {
			rt.log.Warn("closing archive", "error", err)
		}
	}
	if rt.pool != nil {
		rt.pool.Close()
	}
	if rt.providers != nil {
		if err := rt.providers.Close(); err != nil {
			rt.log.Warn("closing providers", "error", err)
		}
	}
	if err := rt.procs.KillAll(); err != nil {
		rt.log.Warn("killing subprocesses", "error", err)
	}
}

func orchestratorConfig(l config.LimitsConfig) orchestrator.Config {
	return orchestrator.Config{
		PlanRepairAttempts: l.PlanRepairAttempts,
		MaxToolRounds:      l.MaxToolRounds,
		ToolHistoryWindow:  l.ToolHistoryWindow,
		Scheduler: scheduler.Config{
			Thresholds: plan.Thresholds{
				MaxTaskFailures: l.MaxTaskFailures,
				FailureRatio:    l.FailureRatio,
			},
			ReplanCeiling:       l.ReplanCeiling,
			DecisionCorrections: l.DecisionCorrections,
		},
	}
}

// buildWorkers registers the task workers and resolves the role workers.
// With a script, every scripted name becomes a worker; configured entries of
// the same name still supply its description and confirm flag.
func buildWorkers(cfg *config.Config, script *worker.Script, pm *process.Manager) (*worker.Registry, orchestrator.Roles, error) {
	all := make(map[string]worker.Worker)
	if script != nil {
		for name, steps := range script.Workers {
			all[name] = worker.NewScriptedWorker(steps...)
		}
	} else {
		for name, wc := range cfg.Workers {
			w, err := newConfiguredWorker(wc, pm)
			if err != nil {
				return nil, orchestrator.Roles{}, fmt.Errorf("worker %q: %w", name, err)
			}
			all[name] = w
		}
	}

	role := func(name string) (orchestrator.Role, error) {
		w, ok := all[name]
		if !ok {
			return orchestrator.Role{}, fmt.Errorf("role worker %q is not defined", name)
		}
		return orchestrator.Role{Name: name, Worker: w}, nil
	}
	var roles orchestrator.Roles
	var err error
	if roles.Planner, err = role(cfg.Roles.Planner); err != nil {
		return nil, roles, err
	}
	if roles.Scheduler, err = role(cfg.Roles.Scheduler); err != nil {
		return nil, roles, err
	}
	if cfg.Roles.Summary != "" {
		if roles.Summary, err = role(cfg.Roles.Summary); err != nil {
			return nil, roles, err
		}
	}

	names := make([]string, 0, len(all))
	for name := range all {
		if !cfg.IsRole(name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	registry := worker.NewRegistry()
	for _, name := range names {
		wc := cfg.Workers[name]
		desc := wc.Description
		if desc == "" {
			desc = name
		}
		if err := registry.Register(worker.Spec{Name: name, Description: desc, Confirm: wc.Confirm}, all[name]); err != nil {
			return nil, roles, err
		}
	}
	return registry, roles, nil
}

func newConfiguredWorker(wc config.WorkerConfig, pm *process.Manager) (worker.Worker, error) {
	if wc.Agent != "" {
		return worker.NewAgentWorker(worker.AgentConfig{
			Kind:         wc.Agent,
			Binary:       wc.Command,
			WorkDir:      wc.WorkDir,
			Env:          wc.Env,
			Model:        wc.Model,
			Provider:     wc.Provider,
			SystemPrompt: wc.SystemPrompt,
		}, pm)
	}
	return worker.NewCommandWorker(worker.CommandConfig{
		Command: wc.Command,
		Args:    wc.Args,
		WorkDir: wc.WorkDir,
		Env:     wc.Env,
	}, pm)
}

// buildProviders creates a client per configured provider. Nothing is
// contacted until InitializeAll or the first call.
func buildProviders(cfg *config.Config, pm *process.Manager, log *slog.Logger) (*rpc.Registry, error) {
	reg := rpc.NewRegistry(log)

	names := make([]string, 0, len(cfg.Providers))
	for name := range cfg.Providers {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		pc := cfg.Providers[name]
		mode, err := rpc.ParseMode(pc.Mode)
		if err != nil {
			errs = append(errs, fmt.Errorf("provider %q: %w", name, err))
			continue
		}

		var transport rpc.Transport
		switch pc.Transport {
		case "http":
			transport = rpc.NewHTTPTransport(pc.URL, &http.Client{Timeout: pc.Timeout}, pc.Headers)
		case "stdio":
			transport = rpc.NewStdioTransport(rpc.StdioConfig{
				Command: pc.Command,
				Args:    pc.Args,
				Env:     pc.Env,
				WorkDir: pc.WorkDir,
			}, pm, log)
		default:
			errs = append(errs, fmt.Errorf("provider %q: unknown transport %q", name, pc.Transport))
			continue
		}

		if err := reg.Add(rpc.NewClient(name, transport, mode, log), pc.Tools...); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		_ = reg.Close()
		return nil, err
	}
	return reg, nil
}
