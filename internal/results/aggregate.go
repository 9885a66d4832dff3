// Package results aggregates run output from local and remote hosts into one
// flat analysis directory.
package results

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"modelrun/internal/remote"
	"modelrun/internal/runstore"
)

// ConnectionPool hands out one connection per host for the length of a pass.
type ConnectionPool interface {
	Get(ctx context.Context, host string) (remote.Conn, error)
	CloseAll() error
}

// Options configures an aggregation pass.
type Options struct {
	DestDir string
	// SkipExisting skips runs that already have files in DestDir.
	SkipExisting bool
	// MinRunID skips runs with a smaller id.
	MinRunID int64
	// Filter selects which files are copied; nil copies everything.
	Filter *Filter
	// LocalHostname identifies runs whose output is on this machine.
	LocalHostname string
	// TempDir is where remote output is staged. Defaults to the system temp directory.
	TempDir string
}

func (o Options) Validate() error {
	if o.DestDir == "" {
		return errors.New("output directory is required")
	}
	if o.LocalHostname == "" {
		return errors.New("local hostname is required")
	}
	return nil
}

// Summary reports what a pass did.
type Summary struct {
	PassID          string
	Copied          []int64
	SkippedExisting []int64
	SkippedBelowMin []int64
	FilesCopied     int
	FilesFiltered   int
}

// RunError identifies the run and host whose copy aborted the pass.
type RunError struct {
	RunID int64
	Host  string
	Err   error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("copy results of run %d from %s: %v", e.RunID, e.Host, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// Aggregator copies run results into a single directory, renaming each file
// with its run id.
type Aggregator struct {
	opts  Options
	conns ConnectionPool
	log   *zap.Logger
}

func NewAggregator(opts Options, conns ConnectionPool, log *zap.Logger) (*Aggregator, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Aggregator{opts: opts, conns: conns, log: log}, nil
}

// Aggregate copies runs sequentially in the given order. The first failure
// aborts the pass; files copied before it stay in place. Cached connections
// are closed when the pass ends, whatever the outcome.
func (a *Aggregator) Aggregate(ctx context.Context, runs []runstore.Run) (Summary, error) {
	summary := Summary{PassID: uuid.NewString()}
	log := a.log.With(zap.String("pass", summary.PassID))
	if a.conns != nil {
		defer func() {
			if err := a.conns.CloseAll(); err != nil {
				log.Warn("error closing ssh connections", zap.Error(err))
			}
		}()
	}

	if err := os.MkdirAll(a.opts.DestDir, 0o755); err != nil {
		return summary, fmt.Errorf("ensure output directory %s: %w", a.opts.DestDir, err)
	}
	previous := map[int64]struct{}{}
	if a.opts.SkipExisting {
		var err error
		if previous, err = PreviouslyCopied(a.opts.DestDir); err != nil {
			return summary, fmt.Errorf("scan output directory %s: %w", a.opts.DestDir, err)
		}
	}

	for _, run := range runs {
		runLog := log.With(zap.Int64("run_id", run.ID), zap.String("host", run.OutputHost))
		if _, ok := previous[run.ID]; ok {
			runLog.Info("results found locally, skipping run")
			summary.SkippedExisting = append(summary.SkippedExisting, run.ID)
			continue
		}
		if run.ID < a.opts.MinRunID {
			runLog.Info("run id below start run id, skipping run", zap.Int64("start_run_id", a.opts.MinRunID))
			summary.SkippedBelowMin = append(summary.SkippedBelowMin, run.ID)
			continue
		}

		runLog.Info("copying results", zap.String("path", run.OutputPath))
		stats, err := a.copyRun(ctx, run, runLog)
		if err != nil {
			return summary, &RunError{RunID: run.ID, Host: run.OutputHost, Err: err}
		}
		summary.Copied = append(summary.Copied, run.ID)
		summary.FilesCopied += stats.copied
		summary.FilesFiltered += stats.filtered
	}
	log.Info("aggregation complete",
		zap.Int("runs_copied", len(summary.Copied)),
		zap.Int("files_copied", summary.FilesCopied),
		zap.Int("runs_skipped", len(summary.SkippedExisting)+len(summary.SkippedBelowMin)))
	return summary, nil
}

func (a *Aggregator) copyRun(ctx context.Context, run runstore.Run, log *zap.Logger) (copyStats, error) {
	if run.OutputPath == "" {
		return copyStats{}, errors.New("no output path recorded")
	}
	strategy := RunStrategy(run.ID, a.opts.Filter)

	if run.OutputHost == a.opts.LocalHostname {
		log.Debug("results are on this machine, using file copy")
		return copyDirectory(ctx, run.OutputPath, a.opts.DestDir, strategy)
	}

	log.Debug("results are on another machine, using ssh")
	if a.conns == nil {
		return copyStats{}, errors.New("no ssh connection pool configured for remote results")
	}
	conn, err := a.conns.Get(ctx, run.OutputHost)
	if err != nil {
		return copyStats{}, err
	}
	staging, err := os.MkdirTemp(a.opts.TempDir, "modelrun-results-")
	if err != nil {
		return copyStats{}, fmt.Errorf("create staging directory: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(staging); err != nil {
			log.Warn("could not remove staging directory", zap.String("dir", staging), zap.Error(err))
		}
	}()
	local, err := conn.Download(ctx, run.OutputPath, staging)
	if err != nil {
		return copyStats{}, fmt.Errorf("download %s: %w", run.OutputPath, err)
	}
	return copyDirectory(ctx, local, a.opts.DestDir, strategy)
}
