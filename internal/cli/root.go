// Package cli wires the modelrun commands.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"modelrun/internal/config"
	"modelrun/internal/logging"
	"modelrun/internal/repository"
	"modelrun/internal/runstore"
)

// App carries the global flags and the state built from them before a
// subcommand runs.
type App struct {
	dbURL      string
	profile    string
	configPath string
	logFile    string
	verbose    bool
	quiet      bool

	log      *zap.Logger
	settings config.Profile
}

// NewRootCommand returns the modelrun command tree.
func NewRootCommand() *cobra.Command {
	app := &App{log: zap.NewNop()}
	root := &cobra.Command{
		Use:           "modelrun",
		Short:         "Provision model code and aggregate simulation run results",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return app.setup(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = app.log.Sync()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&app.dbURL, "db-url", "", "run database URL or SQLite path (env "+config.EnvDBURL+")")
	flags.StringVar(&app.profile, "profile", os.Getenv(config.EnvProfile), "profile from the config file")
	flags.StringVar(&app.configPath, "config", "", "config file (default ~/.modelrun/config.yaml)")
	flags.StringVar(&app.logFile, "log-file", "", "also write logs to this file, rotated")
	flags.BoolVarP(&app.verbose, "verbose", "v", false, "debug output")
	flags.BoolVarP(&app.quiet, "quiet", "q", false, "warnings and errors only")

	RegisterCommands(root, app)
	return root
}

// RegisterCommands adds every subcommand to root.
func RegisterCommands(root *cobra.Command, app *App) {
	root.AddCommand(NewAggregateCommand(app))
	root.AddCommand(NewCheckoutCommand(app))
	root.AddCommand(NewHeadCommand(app))
	root.AddCommand(NewManifestCommand(app))
	root.AddCommand(NewScheduleCommand(app))
	root.AddCommand(NewRunsCommand(app))
}

func (a *App) setup(cmd *cobra.Command) error {
	file, err := config.Load(a.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if a.settings, err = file.Resolve(a.profile); err != nil {
		return err
	}
	logFile, err := config.ExpandPath(config.FirstNonEmpty(a.logFile, a.settings.LogFile))
	if err != nil {
		return err
	}
	log, err := logging.New(logging.Options{
		Verbose: a.verbose,
		Quiet:   a.quiet,
		File:    logFile,
		Console: cmd.ErrOrStderr(),
	})
	if err != nil {
		if errors.Is(err, logging.ErrVerbosity) {
			return fmt.Errorf("%w: %w", config.ErrConfig, err)
		}
		return err
	}
	a.log = log.With(zap.String("cmd", cmd.Name()))
	if file.Path() != "" {
		a.log.Debug("loaded config", zap.String("path", file.Path()), zap.String("profile", a.profile))
	}
	return nil
}

func (a *App) openStore(ctx context.Context) (*runstore.Store, error) {
	cfg, err := config.Database(a.dbURL, a.settings)
	if err != nil {
		return nil, err
	}
	store, err := runstore.Open(ctx, cfg, a.log)
	if err != nil {
		return nil, fmt.Errorf("open run database %s: %w", runstore.MaskPassword(cfg.URL), err)
	}
	return store, nil
}

// sourceFlags are shared by every command that reads model code.
type sourceFlags struct {
	projectPath string
	repoType    string
	mirrorDir   string
	copyLocal   bool
}

func (f *sourceFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.projectPath, "project-path", "", "model code location: local path, SVN URL or Git URL")
	cmd.Flags().StringVar(&f.repoType, "repo-type", "", "LOCAL_FILE, SVN or GIT (guessed from the project path when empty)")
	cmd.Flags().StringVar(&f.mirrorDir, "mirror-dir", "", "directory holding Git mirrors (default system temp)")
}

func (a *App) source(ctx context.Context, cmd *cobra.Command, f *sourceFlags) (repository.Source, error) {
	cfg := repository.Config{
		URI:        config.FirstNonEmpty(f.projectPath, a.settings.ProjectPath),
		MirrorRoot: config.FirstNonEmpty(f.mirrorDir, a.settings.MirrorDir),
		CopyLocal:  f.copyLocal,
		Logger:     a.log,
	}
	if !cmd.Flags().Changed("copy-local") && a.settings.CopyLocal != nil {
		cfg.CopyLocal = *a.settings.CopyLocal
	}
	if typ := config.FirstNonEmpty(f.repoType, a.settings.RepoType); typ != "" {
		parsed, err := repository.ParseType(typ)
		if err != nil {
			return nil, err
		}
		cfg.Type = parsed
	}
	if cfg.MirrorRoot != "" {
		root, err := config.ExpandPath(cfg.MirrorRoot)
		if err != nil {
			return nil, err
		}
		cfg.MirrorRoot = root
	}
	return repository.New(ctx, cfg)
}
