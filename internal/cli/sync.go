package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/avm/internal/avm"
	"github.com/roach88/avm/internal/diff"
	"github.com/roach88/avm/internal/repo"
	"github.com/roach88/avm/internal/submit"
	"github.com/roach88/avm/internal/syncer"
)

// NewSnapshotCommand creates the snapshot command.
func NewSnapshotCommand(rootOpts *RootOptions) *cobra.Command {
	var tag, description string

	cmd := &cobra.Command{
		Use:   "snapshot <store>",
		Short: "Seal the head of a store as a new version",
		Long: `Seal every new node of a store and record a version.

A store with no changes since its last snapshot keeps its latest version.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, rootOpts, "snapshot", func(ctx context.Context, s *session) error {
				v, err := s.repo.Snapshot(ctx, args[0], tag, description)
				if err != nil {
					return err
				}
				return s.out.Emit(map[string]any{"store": args[0], "version": v}, func(w io.Writer) {
					fmt.Fprintf(w, "%s:%d\n", args[0], v)
				})
			})
		},
	}

	cmd.Flags().StringVar(&tag, "tag", "", "version tag")
	cmd.Flags().StringVar(&description, "description", "", "version description")
	return cmd
}

func compare(ctx context.Context, s *session, src, dst avm.VersionPath, ex avm.Excluder) ([]avm.Difference, error) {
	var diffs []avm.Difference
	err := s.read(ctx, func(v *repo.View) error {
		var err error
		diffs, err = diff.Compare(ctx, v, src, dst, ex)
		return err
	})
	return diffs, err
}

func writeDifferences(w io.Writer, diffs []avm.Difference) {
	for _, d := range diffs {
		fmt.Fprintf(w, "%-8s %s %s\n", d.Code, d.SrcPath, d.DstPath)
	}
}

// NewCompareCommand creates the compare command.
func NewCompareCommand(rootOpts *RootOptions) *cobra.Command {
	var exclude []string

	cmd := &cobra.Command{
		Use:   "compare <src> <dst>",
		Short: "List the differences between two trees",
		Long: `Compare two trees and classify every difference.

NEWER     src is behind dst
OLDER     src is ahead of dst and can be promoted
CONFLICT  both sides changed

Examples:
  avm compare sandbox:/ main:/
  avm compare sandbox:/ main:4:/ --exclude "*.tmp"`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := parsePath(args[0])
			if err != nil {
				return err
			}
			dst, err := parsePath(args[1])
			if err != nil {
				return err
			}
			ex, err := excluder(exclude)
			if err != nil {
				return err
			}
			return run(cmd, rootOpts, "compare", func(ctx context.Context, s *session) error {
				diffs, err := compare(ctx, s, src, dst, ex)
				if err != nil {
					return err
				}
				return s.out.Emit(diffs, func(w io.Writer) {
					if len(diffs) == 0 {
						fmt.Fprintln(w, "No differences.")
						return
					}
					writeDifferences(w, diffs)
				})
			})
		},
	}

	cmd.Flags().StringSliceVar(&exclude, "exclude", nil, "glob patterns to skip (repeatable)")
	return cmd
}

// UpdateOptions holds flags for the update command.
type UpdateOptions struct {
	*RootOptions
	syncer.UpdateOptions
	Exclude []string
}

func addUpdateFlags(cmd *cobra.Command, opts *syncer.UpdateOptions) {
	cmd.Flags().BoolVar(&opts.IgnoreConflicts, "ignore-conflicts", false, "drop conflicts silently")
	cmd.Flags().BoolVar(&opts.IgnoreOlder, "ignore-older", false, "drop newer destination entries silently")
	cmd.Flags().BoolVar(&opts.OverrideConflicts, "override-conflicts", false, "overwrite conflicting destination entries")
	cmd.Flags().BoolVar(&opts.OverrideOlder, "override-older", false, "overwrite destination entries that are newer")
	cmd.Flags().StringVar(&opts.Tag, "tag", "", "tag of the destination snapshots")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description of the destination snapshots")
}

// NewUpdateCommand creates the update command.
func NewUpdateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &UpdateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "update <src> <dst>",
		Short: "Apply the differences between two trees to dst",
		Long: `Compare src with dst and apply the differences to dst.

Every destination store is snapshotted after the update. Conflicts and
entries that are newer in dst are skipped unless an ignore or override flag
covers them.

Exit codes:
  0 - Every difference was applied or ignored
  1 - One or more differences were skipped
  2 - Command error`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := parsePath(args[0])
			if err != nil {
				return err
			}
			dst, err := headPath(args[1])
			if err != nil {
				return err
			}
			ex, err := excluder(opts.Exclude)
			if err != nil {
				return err
			}
			return run(cmd, rootOpts, "update", func(ctx context.Context, s *session) error {
				diffs, err := compare(ctx, s, src, dst, ex)
				if err != nil {
					return err
				}
				res, err := s.engine.Update(ctx, diffs, ex, opts.UpdateOptions)
				if err != nil {
					return err
				}
				if err := s.out.Emit(res, func(w io.Writer) { writeUpdateResult(w, res) }); err != nil {
					return err
				}
				if n := res.Count(syncer.Skipped); n > 0 {
					return NewExitError(ExitFailure, fmt.Sprintf("%d difference(s) skipped", n))
				}
				return nil
			})
		},
	}

	addUpdateFlags(cmd, &opts.UpdateOptions)
	cmd.Flags().StringSliceVar(&opts.Exclude, "exclude", nil, "glob patterns to skip (repeatable)")
	return cmd
}

func writeUpdateResult(w io.Writer, res *syncer.UpdateResult) {
	for _, o := range res.Outcomes {
		line := fmt.Sprintf("%-9s %-8s %s", o.Action, o.Difference.Code, o.Difference.DstPath)
		if o.Reason != "" {
			line += " (" + o.Reason + ")"
		}
		fmt.Fprintln(w, line)
	}
	fmt.Fprintf(w, "Applied %d, ignored %d, skipped %d\n",
		res.Count(syncer.Applied), res.Count(syncer.Ignored), res.Count(syncer.Skipped))
	for _, store := range sortedKeys(res.Versions) {
		fmt.Fprintf(w, "%s:%d\n", store, res.Versions[store])
	}
}

// NewFlattenCommand creates the flatten command.
func NewFlattenCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "flatten <layer> [underlying]",
		Short: "Make a layered tree concrete",
		Long: `Replace layered nodes under layer with concrete copies.

Entries that are identical to underlying are linked to the same nodes, so a
later compare against underlying finds nothing. Flattening a concrete tree
changes nothing.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			layer, err := headPath(args[0])
			if err != nil {
				return err
			}
			var underlying avm.VersionPath
			if len(args) == 2 {
				if underlying, err = parsePath(args[1]); err != nil {
					return err
				}
			}
			return run(cmd, rootOpts, "flatten", func(ctx context.Context, s *session) error {
				changed, err := s.engine.Flatten(ctx, layer, underlying)
				if err != nil {
					return err
				}
				return s.out.Emit(map[string]any{"changed": changed}, func(w io.Writer) {
					if len(changed) == 0 {
						fmt.Fprintln(w, "Already concrete.")
						return
					}
					for _, p := range changed {
						fmt.Fprintln(w, p)
					}
				})
			})
		},
	}
}

// NewResetLayerCommand creates the reset-layer command.
func NewResetLayerCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reset-layer <layer>",
		Short: "Discard the local changes of a layered directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			layer, err := headPath(args[0])
			if err != nil {
				return err
			}
			return run(cmd, rootOpts, "reset-layer", func(ctx context.Context, s *session) error {
				if err := s.engine.ResetLayer(ctx, layer); err != nil {
					return err
				}
				s.out.VerboseLog("reset %s", layer)
				return nil
			})
		},
	}
}

// NewLayerStateCommand creates the layer-state command.
func NewLayerStateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "layer-state <path>",
		Short: "Report whether a tree is layered, overridden or concrete",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := parsePath(args[0])
			if err != nil {
				return err
			}
			return run(cmd, rootOpts, "layer-state", func(ctx context.Context, s *session) error {
				var state avm.LayerState
				err := s.read(ctx, func(v *repo.View) error {
					var err error
					state, err = v.LayerState(ctx, p)
					return err
				})
				if err != nil {
					return err
				}
				return s.out.Emit(map[string]any{"path": p.String(), "state": state}, func(w io.Writer) {
					fmt.Fprintln(w, state)
				})
			})
		},
	}
}

// NewSubmitCommand creates the submit command.
func NewSubmitCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		target, from     string
		tag, description string
		exclude          []string
	)

	cmd := &cobra.Command{
		Use:   "submit <source>",
		Short: "Promote a layered workspace into its target",
		Long: `Promote the changes of source into target and flatten source.

Target defaults to the indirection of the layered directory at source.
With --from, the sandbox source was branched from is brought up to date
too, keeping its own newer work.

Examples:
  avm submit workarea:/www
  avm submit workarea:/www --target staging:/www --from sandbox:/www`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var req submit.Request
			var err error
			if req.Source, err = headPath(args[0]); err != nil {
				return err
			}
			if req.Target, err = parseOptionalPath(target); err != nil {
				return err
			}
			if req.From, err = parseOptionalPath(from); err != nil {
				return err
			}
			if req.Excluder, err = excluder(exclude); err != nil {
				return err
			}
			req.Tag, req.Description = tag, description

			return run(cmd, rootOpts, "submit", func(ctx context.Context, s *session) error {
				h := submit.NewHandler(s.engine,
					submit.WithLogger(s.log),
					submit.WithNotifier(submit.NewLogNotifier(s.zap)),
				)
				res, err := h.Submit(ctx, req)
				if err != nil {
					return err
				}
				return s.out.Emit(res, func(w io.Writer) {
					fmt.Fprintf(w, "Submitted %s to %s\n", req.Source, res.Target)
					writeUpdateResult(w, res.Update)
					if len(res.Flattened) > 0 {
						fmt.Fprintf(w, "Flattened %s\n", strings.Join(res.Flattened, ", "))
					}
				})
			})
		},
	}

	cmd.Flags().StringVar(&target, "target", "", "path receiving the changes")
	cmd.Flags().StringVar(&from, "from", "", "sandbox the source was branched from")
	cmd.Flags().StringVar(&tag, "tag", "", "tag of the resulting snapshots")
	cmd.Flags().StringVar(&description, "description", "", "description of the resulting snapshots")
	cmd.Flags().StringSliceVar(&exclude, "exclude", nil, "glob patterns to skip (repeatable)")
	return cmd
}
