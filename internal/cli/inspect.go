package cli

import (
	"context"
	"fmt"
	"io"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/avm/internal/avm"
	"github.com/roach88/avm/internal/repo"
)

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history <path>",
		Short: "Show the version history of a node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := parsePath(args[0])
			if err != nil {
				return err
			}
			return run(cmd, rootOpts, "history", func(ctx context.Context, s *session) error {
				var chain []*avm.Node
				err := s.read(ctx, func(v *repo.View) error {
					var err error
					chain, err = v.History(ctx, p, limit)
					return err
				})
				if err != nil {
					return err
				}
				return s.out.Emit(chain, func(w io.Writer) {
					tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
					fmt.Fprintln(tw, "ID\tVERSION\tTYPE\tMODIFIED\tGUID")
					for _, n := range chain {
						version := fmt.Sprint(n.Version)
						if n.IsNew {
							version = "new"
						}
						fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n",
							n.ID, version, n.Type, n.ModifiedAt.Format(time.RFC3339), n.GUID)
					}
					tw.Flush()
				})
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "maximum number of ancestors (0 for all)")
	return cmd
}

// NewOrphansCommand creates the orphans command.
func NewOrphansCommand(rootOpts *RootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "orphans",
		Short: "List nodes no store, version or directory references",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, rootOpts, "orphans", func(ctx context.Context, s *session) error {
				var ids []int64
				err := s.read(ctx, func(v *repo.View) error {
					var err error
					ids, err = v.Port().Orphans(ctx, limit)
					return err
				})
				if err != nil {
					return err
				}
				return s.out.Emit(ids, func(w io.Writer) {
					for _, id := range ids {
						fmt.Fprintln(w, id)
					}
				})
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 1000, "maximum number of nodes")
	return cmd
}

// NewContentURLsCommand creates the content-urls command.
func NewContentURLsCommand(rootOpts *RootOptions) *cobra.Command {
	var missing bool

	cmd := &cobra.Command{
		Use:   "content-urls",
		Short: "List the content URLs referenced by plain files",
		Long: `List the distinct content URLs referenced by plain files.

With --missing only URLs whose blob is absent from the content store are
listed, and the command fails when there are any.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, rootOpts, "content-urls", func(ctx context.Context, s *session) error {
				urls := []string{}
				seen := map[string]bool{}
				err := s.read(ctx, func(v *repo.View) error {
					return v.Port().ContentURLsForPlainFiles(ctx, func(url string) error {
						if !seen[url] {
							seen[url] = true
							urls = append(urls, url)
						}
						return nil
					})
				})
				if err != nil {
					return err
				}
				slices.Sort(urls)

				if missing {
					absent := []string{}
					for _, url := range urls {
						ok, err := s.repo.Content().Exists(ctx, url)
						if err != nil {
							return err
						}
						if !ok {
							absent = append(absent, url)
						}
					}
					urls = absent
				}

				if err := s.out.Emit(urls, func(w io.Writer) {
					for _, url := range urls {
						fmt.Fprintln(w, url)
					}
				}); err != nil {
					return err
				}
				if missing && len(urls) > 0 {
					return NewExitError(ExitFailure, fmt.Sprintf("%d blob(s) missing", len(urls)))
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&missing, "missing", false, "only list URLs whose blob is missing")
	return cmd
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
