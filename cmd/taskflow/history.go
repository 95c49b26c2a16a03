package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/aristath/taskflow/internal/config"
	"github.com/aristath/taskflow/internal/persistence"
)

const timeLayout = "2006-01-02 15:04:05"

func newHistoryCmd(root *rootOptions) *cobra.Command {
	var archive string
	cmd := &cobra.Command{
		Use:   "history [session-id]",
		Short: "List archived sessions, or show one session's steps, tasks and tool calls",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if archive == "" {
				cfg, err := loadQuiet(root)
				if err != nil {
					return err
				}
				archive = cfg.Session.ArchivePath
			}
			if archive == "" {
				return fmt.Errorf("no archive configured (set session.archive_path or --archive)")
			}

			store, err := persistence.NewSQLiteStore(cmd.Context(), archive)
			if err != nil {
				return err
			}
			defer store.Close()

			tw := tabwriter.NewWriter(root.out, 0, 4, 2, ' ', 0)
			defer tw.Flush()

			if len(args) == 0 {
				sessions, err := store.ListSessions(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintln(tw, "SESSION\tSTATUS\tREPLANS\tUPDATED\tGOAL")
				for _, s := range sessions {
					fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", s.ID, s.Status, s.Replans, s.UpdatedAt.Local().Format(timeLayout), s.Goal)
				}
				return nil
			}

			ctx := cmd.Context()
			s, err := store.GetSession(ctx, args[0])
			if err != nil {
				return fmt.Errorf("session %s: %w", args[0], err)
			}
			steps, err := store.ListSteps(ctx, s.ID)
			if err != nil {
				return err
			}
			tasks, err := store.ListTasks(ctx, s.ID)
			if err != nil {
				return err
			}
			calls, err := store.ListToolCalls(ctx, s.ID)
			if err != nil {
				return err
			}

			fmt.Fprintf(tw, "Session:\t%s\nStatus:\t%s\nGoal:\t%s\nAnswer:\t%s\n\n", s.ID, s.Status, s.Goal, s.Answer)
			fmt.Fprintln(tw, "STEP\tNODE\tNEXT\tMESSAGES")
			for _, st := range steps {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%d\n", st.Step, st.Node, st.Next, st.Messages)
			}
			fmt.Fprintln(tw, "\nTASK\tWORKER\tSTATUS\tFAILURES\tDESCRIPTION")
			for _, t := range tasks {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", t.TaskID, t.Worker, t.Status, t.FailureCount, t.Description)
			}
			if len(calls) > 0 {
				fmt.Fprintln(tw, "\nSEQ\tTOOL\tOK\tDURATION")
				for _, c := range calls {
					fmt.Fprintf(tw, "%d\t%s\t%t\t%s\n", c.Sequence, c.Tool, c.Success, c.Duration)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&archive, "archive", "", "SQLite archive file (default: session.archive_path)")
	return cmd
}

// loadQuiet loads config without building a logger.
func loadQuiet(root *rootOptions) (*config.Config, error) {
	return config.Load(root.globalConfig, root.projectConfig)
}
