package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/aristath/taskflow/internal/engine"
	"github.com/aristath/taskflow/internal/orchestrator"
	"github.com/aristath/taskflow/internal/session"
	"github.com/aristath/taskflow/internal/worker"
)

type runOptions struct {
	*rootOptions
	sessionID string
	script    string
	archive   string
	chat      bool
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{rootOptions: root}
	cmd := &cobra.Command{
		Use:   "run <goal>",
		Short: "Plan and execute a goal, prompting when input is needed",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd.Context(), strings.Join(args, " "))
		},
	}
	cmd.Flags().StringVar(&opts.sessionID, "session", "", "session id (default: random)")
	cmd.Flags().StringVar(&opts.script, "script", "", "YAML file of scripted worker replies, used instead of worker commands")
	cmd.Flags().StringVar(&opts.archive, "archive", "", "SQLite file to archive steps, tasks and tool calls (default: session.archive_path)")
	cmd.Flags().BoolVar(&opts.chat, "chat", false, "after the goal is done, read follow-up requests from stdin")
	return cmd
}

func (o *runOptions) run(ctx context.Context, goal string) error {
	cfg, log, closeLog, err := o.load()
	if err != nil {
		return err
	}
	defer closeLog()

	ro := runtimeOptions{archivePath: o.archive}
	if ro.archivePath == "" {
		ro.archivePath = cfg.Session.ArchivePath
	}
	if o.script != "" {
		if ro.script, err = worker.LoadScript(o.script); err != nil {
			return err
		}
	}

	rt, err := newRuntime(ctx, cfg, log, ro)
	if err != nil {
		return err
	}
	defer rt.Close()

	if cfg.Metrics.Enabled {
		srv := &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           promhttp.HandlerFor(rt.promReg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warn("metrics server stopped", "error", err)
			}
		}()
		defer srv.Close()
		log.Info("serving metrics", "addr", cfg.Metrics.Addr)
	}

	id := o.sessionID
	if id == "" {
		id = uuid.NewString()
	}
	fmt.Fprintf(o.out, "session %s\n", id)

	lines := bufio.NewScanner(o.in)
	out, err := rt.mgr.Start(ctx, id, goal)
	for {
		if err != nil {
			return err
		}
		out, err = o.converse(ctx, rt.mgr, lines, out)
		if err != nil {
			return err
		}
		if out == nil || !o.chat {
			return nil
		}

		line, ok := o.ask(lines, "")
		if !ok {
			return nil
		}
		out, err = rt.mgr.SubmitHumanInput(ctx, id, line)
	}
}

// converse answers suspensions from stdin until the session finishes. It
// returns nil when input runs out while the session is still suspended.
func (o *runOptions) converse(ctx context.Context, mgr *session.Manager, lines *bufio.Scanner, out *session.Outcome) (*session.Outcome, error) {
	for {
		if out == nil {
			return nil, fmt.Errorf("session expired")
		}
		if !out.Suspended {
			o.report(out)
			if out.Failed {
				return nil, fmt.Errorf("session %s failed: %s", out.SessionID, out.Answer)
			}
			return out, nil
		}

		kind := orchestrator.InputHuman
		if out.Interrupt == engine.InterruptBefore {
			kind = orchestrator.InputConfirm
		}
		line, ok := o.ask(lines, out.Prompt)
		if !ok {
			fmt.Fprintf(o.out, "input closed; session %s left suspended at %s\n", out.SessionID, out.Node)
			return nil, nil
		}

		var err error
		out, err = mgr.Resume(ctx, out.SessionID, kind, line)
		if err != nil {
			return nil, err
		}
	}
}

// ask prints prompt and reads one non-empty line.
func (o *runOptions) ask(lines *bufio.Scanner, prompt string) (string, bool) {
	if prompt != "" {
		fmt.Fprintf(o.out, "? %s\n", prompt)
	}
	for {
		fmt.Fprint(o.out, "> ")
		if !lines.Scan() {
			fmt.Fprintln(o.out)
			return "", false
		}
		if line := strings.TrimSpace(lines.Text()); line != "" {
			return line, true
		}
	}
}

func (o *runOptions) report(out *session.Outcome) {
	status := "done"
	if out.Failed {
		status = "failed"
	}
	fmt.Fprintf(o.out, "[%s after %d steps, %d replans]\n%s\n", status, out.Steps, out.Replans, out.Answer)
}
