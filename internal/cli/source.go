package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"modelrun/internal/config"
	"modelrun/internal/logging"
	"modelrun/internal/repository"
)

type checkoutOptions struct {
	source   sourceFlags
	revision string
	dest     string
	name     string
}

// NewCheckoutCommand creates the checkout command.
func NewCheckoutCommand(app *App) *cobra.Command {
	opts := &checkoutOptions{}
	cmd := &cobra.Command{
		Use:   "checkout",
		Short: "Produce a working copy of the model code at a revision",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			src, err := app.source(ctx, cmd, &opts.source)
			if err != nil {
				return err
			}
			dest := opts.dest
			if dest == "" {
				dest = opts.name
			}
			if dest, err = config.ExpandPath(dest); err != nil {
				return err
			}
			defer logging.Elapsed(app.log, "checkout")()
			path, err := src.RetrieveModel(ctx, opts.revision, opts.name, dest)
			if err != nil {
				return err
			}
			app.log.Info("model ready", zap.String("path", path), zap.String("revision", opts.revision))
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
	opts.source.register(cmd)
	cmd.Flags().BoolVar(&opts.source.copyLocal, "copy-local", false, "copy local sources into --dest instead of using them in place")
	cmd.Flags().StringVar(&opts.revision, "revision", repository.HeadRevision, "revision to check out")
	cmd.Flags().StringVar(&opts.dest, "dest", "", "working copy directory (default ./<name>)")
	cmd.Flags().StringVar(&opts.name, "name", "model", "model name")
	return cmd
}

// NewHeadCommand creates the head command.
func NewHeadCommand(app *App) *cobra.Command {
	opts := &sourceFlags{}
	cmd := &cobra.Command{
		Use:   "head",
		Short: "Print the latest revision of the model code",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := app.source(cmd.Context(), cmd, opts)
			if err != nil {
				return err
			}
			rev, err := src.HeadRevision(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), rev)
			return nil
		},
	}
	opts.register(cmd)
	return cmd
}

type manifestOptions struct {
	source   sourceFlags
	revision string
	file     string
	dest     string
}

// NewManifestCommand creates the manifest command.
func NewManifestCommand(app *App) *cobra.Command {
	opts := &manifestOptions{}
	cmd := &cobra.Command{
		Use:   "manifest",
		Short: "Fetch the project manifest at a revision and list its top-level keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			src, err := app.source(ctx, cmd, &opts.source)
			if err != nil {
				return err
			}
			dest := opts.dest
			if dest == "" {
				if dest, err = os.MkdirTemp("", "modelrun-manifest-"); err != nil {
					return err
				}
			} else if dest, err = config.ExpandPath(dest); err != nil {
				return err
			}
			path, err := src.RetrieveManifest(ctx, opts.file, opts.revision, dest)
			if err != nil {
				return err
			}
			keys, err := manifestKeys(path)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, path)
			for _, k := range keys {
				fmt.Fprintf(out, "  %s\n", k)
			}
			return nil
		},
	}
	opts.source.register(cmd)
	cmd.Flags().StringVar(&opts.revision, "revision", repository.HeadRevision, "revision to read")
	cmd.Flags().StringVar(&opts.file, "file", repository.DefaultManifest, "manifest file name relative to the project root")
	cmd.Flags().StringVar(&opts.dest, "dest", "", "directory receiving the manifest (default a new temp directory)")
	return cmd
}

func manifestKeys(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc map[string]yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", filepath.Base(path), err)
	}
	keys := make([]string, 0, len(doc))
	for k := range doc {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}
