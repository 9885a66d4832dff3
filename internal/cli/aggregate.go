package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/user"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"modelrun/internal/config"
	"modelrun/internal/remote"
	"modelrun/internal/results"
	"modelrun/internal/runstore"
)

// runFilterFlags select runs from the store.
type runFilterFlags struct {
	states []string
	host   string
	runset string
	runIDs []int64
}

func (f *runFilterFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringSliceVar(&f.states, "states", nil, "run states to include (default copied)")
	cmd.Flags().StringVar(&f.host, "host", "", "only runs whose output is on this host")
	cmd.Flags().StringVar(&f.runset, "runset", "", "only runs in this runset")
	cmd.Flags().Int64SliceVar(&f.runIDs, "run-ids", nil, "only these run ids")
}

func (f *runFilterFlags) filter() (runstore.Filter, error) {
	var states []string
	for _, s := range f.states {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if !runstore.ValidState(s) {
			return runstore.Filter{}, fmt.Errorf("%w: unknown run state %q", config.ErrConfig, s)
		}
		states = append(states, s)
	}
	return runstore.Filter{States: states, Host: f.host, Runset: f.runset, RunIDs: f.runIDs}, nil
}

type aggregateOptions struct {
	runs           runFilterFlags
	outputDir      string
	skipExisting   bool
	startRunID     int64
	filters        []string
	localHostname  string
	sshUser        string
	pemFile        string
	passwordPrompt bool
	knownHosts     string
	insecure       bool
}

// NewAggregateCommand creates the aggregate command.
func NewAggregateCommand(app *App) *cobra.Command {
	opts := &aggregateOptions{}
	cmd := &cobra.Command{
		Use:   "aggregate",
		Short: "Copy the results of finished runs into one directory",
		Long: `Copy every file produced by the selected runs into a single flat directory.
Each file is named <run id>_<relative path with separators replaced by _>.
Runs on other hosts are fetched over ssh, one connection per host.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.runAggregate(cmd, opts)
		},
	}
	opts.runs.register(cmd)
	f := cmd.Flags()
	f.StringVarP(&opts.outputDir, "output-dir", "o", "", "directory receiving the results")
	f.BoolVar(&opts.skipExisting, "skip-existing", false, "skip runs that already have files in the output directory")
	f.Int64Var(&opts.startRunID, "start-run-id", 0, "skip runs with a smaller id")
	f.StringArrayVar(&opts.filters, "filename-filter", nil, "regex a relative path or file name must match; may repeat")
	f.StringVar(&opts.localHostname, "local-hostname", "", "host name of this machine (default os hostname)")
	f.StringVar(&opts.sshUser, "ssh-user", "", "ssh user for remote hosts (env "+config.EnvSSHUser+", default current user)")
	f.StringVar(&opts.pemFile, "pem-file", "", "private key for ssh")
	f.BoolVar(&opts.passwordPrompt, "password-prompt", false, "prompt once for an ssh password")
	f.StringVar(&opts.knownHosts, "known-hosts", "", "known_hosts file (default ~/.ssh/known_hosts)")
	f.BoolVar(&opts.insecure, "insecure-ignore-host-key", false, "do not verify ssh host keys (env "+config.EnvInsecureHostKey+")")
	return cmd
}

func (a *App) runAggregate(cmd *cobra.Command, opts *aggregateOptions) error {
	ctx := cmd.Context()
	p := a.settings

	outputDir, err := config.ExpandPath(config.FirstNonEmpty(opts.outputDir, p.OutputDir))
	if err != nil {
		return err
	}
	if outputDir == "" {
		return fmt.Errorf("%w: --output-dir is required", config.ErrConfig)
	}
	patterns := opts.filters
	if len(patterns) == 0 {
		patterns = p.Patterns()
	}
	filter, err := results.NewFilter(patterns...)
	if err != nil {
		return fmt.Errorf("%w: %w", config.ErrConfig, err)
	}
	localHost := config.FirstNonEmpty(opts.localHostname, p.LocalHostname)
	if localHost == "" {
		if localHost, err = os.Hostname(); err != nil {
			return fmt.Errorf("determine local hostname: %w", err)
		}
	}
	auth, err := a.authConfig(cmd, opts)
	if err != nil {
		return err
	}
	if !cmd.Flags().Changed("insecure-ignore-host-key") {
		if opts.insecure, err = config.EnvBool(config.EnvInsecureHostKey, false); err != nil {
			return fmt.Errorf("%w: %w", config.ErrConfig, err)
		}
	}
	if auth.PasswordPrompt && auth.KeyFile != "" {
		return fmt.Errorf("%w: %w", config.ErrConfig, remote.ErrConflictingAuth)
	}

	runFilter, err := opts.runs.filter()
	if err != nil {
		return err
	}
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()
	runs, err := store.Runs(ctx, runFilter)
	if err != nil {
		return err
	}
	a.log.Info("selected runs", zap.Int("count", len(runs)), zap.String("filter", filter.String()))

	pool := remote.NewCache(&lazyDialer{build: func() (*remote.SSHDialer, error) {
		return a.sshDialer(auth, opts)
	}}, a.log)

	agg, err := results.NewAggregator(results.Options{
		DestDir:       outputDir,
		SkipExisting:  opts.skipExisting,
		MinRunID:      opts.startRunID,
		Filter:        filter,
		LocalHostname: localHost,
	}, pool, a.log)
	if err != nil {
		return err
	}
	summary, err := agg.Aggregate(ctx, runs)
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "copied %d files from %d runs into %s\n", summary.FilesCopied, len(summary.Copied), outputDir)
	if n := len(summary.SkippedExisting) + len(summary.SkippedBelowMin); n > 0 {
		fmt.Fprintf(out, "skipped %d runs (%d already present, %d below start run id)\n",
			n, len(summary.SkippedExisting), len(summary.SkippedBelowMin))
	}
	var runErr *results.RunError
	if errors.As(err, &runErr) {
		if serr := store.SetState(ctx, runErr.RunID, runstore.StateCopyFailed); serr != nil {
			a.log.Warn("could not mark run as copy_failed", zap.Int64("run_id", runErr.RunID), zap.Error(serr))
		}
	}
	return err
}

// lazyDialer builds the ssh dialer when the first remote run is copied, so a
// pass that stays on this machine needs no ssh settings.
type lazyDialer struct {
	build func() (*remote.SSHDialer, error)

	once   sync.Once
	dialer *remote.SSHDialer
	err    error
}

func (l *lazyDialer) Dial(ctx context.Context, host string) (remote.Conn, error) {
	l.once.Do(func() {
		l.dialer, l.err = l.build()
	})
	if l.err != nil {
		return nil, l.err
	}
	return l.dialer.Dial(ctx, host)
}

func (a *App) authConfig(cmd *cobra.Command, opts *aggregateOptions) (remote.AuthConfig, error) {
	p := a.settings
	cfg := remote.AuthConfig{
		User:           config.FirstNonEmpty(opts.sshUser, p.SSHUser, config.EnvString(config.EnvSSHUser, "")),
		PasswordPrompt: opts.passwordPrompt,
	}
	if !cmd.Flags().Changed("password-prompt") && p.PasswordPrompt != nil {
		cfg.PasswordPrompt = *p.PasswordPrompt
	}
	pem, err := config.ExpandPath(config.FirstNonEmpty(opts.pemFile, p.PemFile))
	if err != nil {
		return cfg, err
	}
	cfg.KeyFile = pem
	if cfg.User == "" {
		if u, err := user.Current(); err == nil {
			cfg.User = u.Username
		}
	}
	return cfg, nil
}

func (a *App) sshDialer(auth remote.AuthConfig, opts *aggregateOptions) (*remote.SSHDialer, error) {
	strategy, err := remote.NewAuth(auth)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", config.ErrConfig, err)
	}
	knownHosts, err := config.ExpandPath(config.FirstNonEmpty(opts.knownHosts, a.settings.KnownHosts))
	if err != nil {
		return nil, err
	}
	if opts.insecure {
		a.log.Warn("ssh host key verification disabled")
	}
	hostKeys, err := remote.HostKeyCallback(knownHosts, opts.insecure)
	if err != nil {
		return nil, fmt.Errorf("load known hosts: %w", err)
	}
	return &remote.SSHDialer{
		User:            auth.User,
		Auth:            strategy,
		HostKeyCallback: hostKeys,
		Log:             a.log,
	}, nil
}
