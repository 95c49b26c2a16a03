package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/aristath/taskflow/internal/config"
	"github.com/aristath/taskflow/internal/logging"
)

// rootOptions are the persistent flags shared by every command.
type rootOptions struct {
	globalConfig  string
	projectConfig string
	logLevel      string

	in     io.Reader
	out    io.Writer
	errOut io.Writer
}

func newRootCmd(in io.Reader, out, errOut io.Writer) *cobra.Command {
	opts := &rootOptions{in: in, out: out, errOut: errOut}

	cmd := &cobra.Command{
		Use:   "taskflow",
		Short: "Resumable, LLM-driven task orchestration",
		Long: `taskflow turns a goal into a task plan, dispatches each task to a worker,
and pauses for your input whenever the scheduler has a question.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetIn(in)
	cmd.SetOut(out)
	cmd.SetErr(errOut)

	global, project, err := config.DefaultPaths()
	if err != nil {
		global = ""
		project = ".taskflow/config.yaml"
	}
	cmd.PersistentFlags().StringVar(&opts.globalConfig, "global-config", global, "global config file")
	cmd.PersistentFlags().StringVar(&opts.projectConfig, "config", project, "project config file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override logging.level (DEBUG, INFO, WARN, ERROR)")

	cmd.AddCommand(
		newRunCmd(opts),
		newProvidersCmd(opts),
		newConfigCmd(opts),
		newHistoryCmd(opts),
	)
	return cmd
}

// load reads the layered config and builds the logger it describes. The
// returned func closes the log file, if any.
func (o *rootOptions) load() (*config.Config, *slog.Logger, func() error, error) {
	cfg, err := config.Load(o.globalConfig, o.projectConfig)
	if err != nil {
		return nil, nil, nil, err
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}

	if cfg.Logging.Dir != "" {
		log, closeFn, err := logging.NewFile(cfg.Logging.Dir, cfg.Logging.Level)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("opening log: %w", err)
		}
		return cfg, log, closeFn, nil
	}
	log := logging.New(logging.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Writer: o.errOut})
	return cfg, log, func() error { return nil }, nil
}
