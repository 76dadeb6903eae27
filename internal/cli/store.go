package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/avm/internal/avm"
	"github.com/roach88/avm/internal/config"
	"github.com/roach88/avm/internal/repo"
)

// InitOptions holds flags for the init command.
type InitOptions struct {
	*RootOptions
	DSN         string
	ContentRoot string
}

// NewInitCommand creates the init command.
func NewInitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the database and content store",
		Long: `Create the repository database and content store.

When --config names a file that does not exist yet, a default configuration
is written there first, using --dsn and --content-root if given.

Examples:
  avm init
  avm --config avm.yaml init --dsn ./repo.db --content-root ./blobs`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := writeDefaultConfig(opts); err != nil {
				return err
			}
			return run(cmd, rootOpts, "init", func(ctx context.Context, s *session) error {
				stores, err := countStores(ctx, s)
				if err != nil {
					return err
				}
				data := map[string]any{
					"driver": s.cfg.Database.Driver,
					"dsn":    s.cfg.Database.DSN,
					"stores": stores,
				}
				return s.out.Emit(data, func(w io.Writer) {
					fmt.Fprintf(w, "Initialized repository (%s %s, %d stores)\n",
						s.cfg.Database.Driver, s.cfg.Database.DSN, stores)
				})
			})
		},
	}

	cmd.Flags().StringVar(&opts.DSN, "dsn", "", "database DSN written to a new config file")
	cmd.Flags().StringVar(&opts.ContentRoot, "content-root", "", "content root written to a new config file")

	return cmd
}

func writeDefaultConfig(opts *InitOptions) error {
	if opts.ConfigPath == "" {
		return nil
	}
	if _, err := os.Stat(opts.ConfigPath); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return WrapExitError(ExitCommandError, "failed to stat config", err)
	}

	cfg := config.Default()
	if opts.DSN != "" {
		cfg.Database.DSN = opts.DSN
	}
	if opts.ContentRoot != "" {
		cfg.Content.Root = opts.ContentRoot
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to encode config", err)
	}
	if err := os.WriteFile(opts.ConfigPath, data, 0o600); err != nil {
		return WrapExitError(ExitCommandError, "failed to write config", err)
	}
	return nil
}

func countStores(ctx context.Context, s *session) (int, error) {
	var n int
	err := s.read(ctx, func(v *repo.View) error {
		stores, err := v.Stores(ctx)
		n = len(stores)
		return err
	})
	return n, err
}

// NewStoreCommand creates the store command group.
func NewStoreCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "store",
		Short: "Create and inspect stores",
	}
	cmd.AddCommand(newStoreCreateCommand(rootOpts))
	cmd.AddCommand(newStoreLsCommand(rootOpts))
	cmd.AddCommand(newStoreVersionsCommand(rootOpts))
	return cmd
}

func newStoreCreateCommand(rootOpts *RootOptions) *cobra.Command {
	var layerOver string

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a store",
		Long: `Create a store with an empty root, snapshotted as version 0.

With --layer-over the root is a layered directory over the given path.

Examples:
  avm store create main
  avm store create sandbox --layer-over main:/`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := parseOptionalPath(layerOver)
			if err != nil {
				return err
			}
			return run(cmd, rootOpts, "store create", func(ctx context.Context, s *session) error {
				var st *avm.Store
				var err error
				if layerOver != "" {
					st, err = s.repo.CreateLayeredStore(ctx, args[0], target)
				} else {
					st, err = s.repo.CreateStore(ctx, args[0])
				}
				if err != nil {
					return err
				}
				return s.out.Emit(st, func(w io.Writer) {
					fmt.Fprintf(w, "Created store %s\n", st.Name)
				})
			})
		},
	}

	cmd.Flags().StringVar(&layerOver, "layer-over", "", "make the root a layered directory over this path")
	return cmd
}

func newStoreLsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "List stores",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, rootOpts, "store ls", func(ctx context.Context, s *session) error {
				var stores []avm.Store
				err := s.read(ctx, func(v *repo.View) error {
					var err error
					stores, err = v.Stores(ctx)
					return err
				})
				if err != nil {
					return err
				}
				return s.out.Emit(stores, func(w io.Writer) {
					tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
					fmt.Fprintln(tw, "NAME\tNEXT VERSION\tCREATED")
					for _, st := range stores {
						fmt.Fprintf(tw, "%s\t%d\t%s\n", st.Name, st.NextVersion, st.CreatedAt.Format(time.RFC3339))
					}
					tw.Flush()
				})
			})
		},
	}
}

func newStoreVersionsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "versions <store>",
		Short: "List the snapshots of a store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, rootOpts, "store versions", func(ctx context.Context, s *session) error {
				var versions []avm.Version
				err := s.read(ctx, func(v *repo.View) error {
					var err error
					versions, err = v.Versions(ctx, args[0])
					return err
				})
				if err != nil {
					return err
				}
				return s.out.Emit(versions, func(w io.Writer) {
					tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
					fmt.Fprintln(tw, "VERSION\tTAG\tCREATED\tDESCRIPTION")
					for _, v := range versions {
						fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", v.Version, v.Tag, v.CreatedAt.Format(time.RFC3339), v.Description)
					}
					tw.Flush()
				})
			})
		},
	}
}
