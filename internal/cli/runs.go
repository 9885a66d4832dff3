package cli

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"modelrun/internal/config"
	"modelrun/internal/repository"
	"modelrun/internal/runstore"
)

type scheduleOptions struct {
	source   sourceFlags
	count    int
	revision string
	runset   string
	runner   string
	flags    string
}

// NewScheduleCommand creates the schedule command.
func NewScheduleCommand(app *App) *cobra.Command {
	opts := &scheduleOptions{}
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Record new runs of the model at a revision",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.runSchedule(cmd, opts)
		},
	}
	opts.source.register(cmd)
	f := cmd.Flags()
	f.IntVarP(&opts.count, "num-runs", "n", 1, "number of runs to schedule")
	f.StringVar(&opts.revision, "revision", repository.HeadRevision, "revision to run; head is resolved now")
	f.StringVar(&opts.runset, "runset", "", "runset the runs belong to")
	f.StringVar(&opts.runner, "runner", "", "runner class that should execute the runs")
	f.StringVar(&opts.flags, "flags", "", "extra flags passed to the model")
	return cmd
}

func (a *App) runSchedule(cmd *cobra.Command, opts *scheduleOptions) error {
	ctx := cmd.Context()
	revision := opts.revision
	if revision == repository.HeadRevision {
		src, err := a.source(ctx, cmd, &opts.source)
		if err != nil {
			return err
		}
		head, err := src.HeadRevision(ctx)
		switch {
		case errors.Is(err, repository.ErrUnsupported):
			a.log.Warn("source has no revisions, scheduling against head", zap.Error(err))
		case err != nil:
			return fmt.Errorf("resolve head revision: %w", err)
		default:
			a.log.Info("resolved head revision", zap.String("revision", head))
			revision = head
		}
	}

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()
	ids, err := store.Schedule(ctx, runstore.ScheduleRequest{
		Count:       opts.count,
		Revision:    revision,
		Runset:      config.FirstNonEmpty(opts.runset, a.settings.Runset),
		RunnerClass: config.FirstNonEmpty(opts.runner, a.settings.Runner),
		Flags:       opts.flags,
	})
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, id := range ids {
		fmt.Fprintln(out, id)
	}
	return nil
}

// NewRunsCommand creates the runs command group.
func NewRunsCommand(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect and update recorded runs",
	}
	cmd.AddCommand(newRunsListCommand(app))
	cmd.AddCommand(newRunsShowCommand(app))
	cmd.AddCommand(newRunsSetStateCommand(app))
	cmd.AddCommand(newRunsSetOutputCommand(app))
	return cmd
}

func newRunsListCommand(app *App) *cobra.Command {
	var (
		filter runFilterFlags
		asCSV  bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := filter.filter()
			if err != nil {
				return err
			}
			store, err := app.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()
			runs, err := store.Runs(cmd.Context(), f)
			if err != nil {
				return err
			}
			if asCSV {
				return writeRunsCSV(cmd.OutOrStdout(), runs)
			}
			writeRunsTable(cmd.OutOrStdout(), runs)
			return nil
		},
	}
	filter.register(cmd)
	cmd.Flags().BoolVar(&asCSV, "csv", false, "print CSV instead of a table")
	return cmd
}

func writeRunsTable(w io.Writer, runs []runstore.Run) {
	fmt.Fprintf(w, "%-6s %-12s %-12s %-20s %-12s %-20s %s\n", "ID", "REVISION", "STATE", "HOST", "RUNSET", "CREATED_AT", "PATH")
	for _, r := range runs {
		fmt.Fprintf(w, "%-6d %-12s %-12s %-20s %-12s %-20s %s\n",
			r.ID, r.Revision, r.State, r.OutputHost, r.Runset, r.CreatedAt.Format(time.RFC3339), r.OutputPath)
	}
}

func writeRunsCSV(w io.Writer, runs []runstore.Run) error {
	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"run_id", "revision", "state", "output_host", "output_path", "runset", "runner_class", "flags", "created_at"})
	for _, r := range runs {
		_ = cw.Write([]string{
			strconv.FormatInt(r.ID, 10), r.Revision, r.State, r.OutputHost, r.OutputPath,
			r.Runset, r.RunnerClass, r.Flags, r.CreatedAt.Format(time.RFC3339),
		})
	}
	cw.Flush()
	return cw.Error()
}

func newRunsShowCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show one run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRunID(args[0])
			if err != nil {
				return err
			}
			store, err := app.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()
			r, err := store.Run(cmd.Context(), id)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "ID:           %d\n", r.ID)
			fmt.Fprintf(out, "Revision:     %s\n", r.Revision)
			fmt.Fprintf(out, "State:        %s\n", r.State)
			fmt.Fprintf(out, "Runset:       %s\n", r.Runset)
			fmt.Fprintf(out, "Runner:       %s\n", r.RunnerClass)
			fmt.Fprintf(out, "Flags:        %s\n", r.Flags)
			fmt.Fprintf(out, "Output host:  %s\n", r.OutputHost)
			fmt.Fprintf(out, "Output path:  %s\n", r.OutputPath)
			fmt.Fprintf(out, "Created at:   %s\n", r.CreatedAt.Format(time.RFC3339))
			return nil
		},
	}
}

func newRunsSetStateCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "set-state ID STATE",
		Short: "Move a run to another state",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRunID(args[0])
			if err != nil {
				return err
			}
			if !runstore.ValidState(args[1]) {
				return fmt.Errorf("%w: unknown run state %q", config.ErrConfig, args[1])
			}
			store, err := app.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.SetState(cmd.Context(), id, args[1]); err != nil {
				return err
			}
			app.log.Info("run state updated", zap.Int64("run_id", id), zap.String("state", args[1]))
			return nil
		},
	}
}

func newRunsSetOutputCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "set-output ID HOST PATH",
		Short: "Record where a run left its results",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRunID(args[0])
			if err != nil {
				return err
			}
			store, err := app.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()
			return store.SetOutput(cmd.Context(), id, args[1], args[2])
		},
	}
}

func parseRunID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id < 1 {
		return 0, fmt.Errorf("%w: invalid run id %q", config.ErrConfig, s)
	}
	return id, nil
}
