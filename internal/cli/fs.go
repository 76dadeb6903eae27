package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/avm/internal/avm"
	"github.com/roach88/avm/internal/repo"
)

// write runs fn against the head of p's store.
func (s *session) write(ctx context.Context, p avm.VersionPath, fn func(w *repo.Writer) error) error {
	return s.repo.Write(ctx, p.Store, fn)
}

// NewMkdirCommand creates the mkdir command.
func NewMkdirCommand(rootOpts *RootOptions) *cobra.Command {
	var parents bool

	cmd := &cobra.Command{
		Use:   "mkdir <store:/path>",
		Short: "Create a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := headPath(args[0])
			if err != nil {
				return err
			}
			return run(cmd, rootOpts, "mkdir", func(ctx context.Context, s *session) error {
				err := s.write(ctx, p, func(w *repo.Writer) error {
					if parents {
						return mkdirAll(ctx, w, p)
					}
					_, err := w.CreateDirectory(ctx, p.Path)
					return err
				})
				if err != nil {
					return err
				}
				s.out.VerboseLog("created %s", p)
				return nil
			})
		},
	}

	cmd.Flags().BoolVarP(&parents, "parents", "p", false, "create missing parents, no error if the directory exists")
	return cmd
}

// mkdirAll creates every missing directory along p.
func mkdirAll(ctx context.Context, w *repo.Writer, p avm.VersionPath) error {
	cur := avm.VersionPath{Store: p.Store, Version: avm.HeadVersion, Path: "/"}
	for _, name := range p.Names() {
		cur = cur.Join(name)
		r, err := w.Lookup(ctx, cur)
		if avm.IsNotFound(err) {
			if _, err := w.CreateDirectory(ctx, cur.Path); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}
		if !r.Node.Type.IsDirectory() {
			return avm.NewTypeMismatchError(r.Path.String(), "not a directory")
		}
	}
	return nil
}

// NewWriteCommand creates the write command.
func NewWriteCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		file     string
		mimeType string
	)

	cmd := &cobra.Command{
		Use:   "write <store:/path> [content]",
		Short: "Create or replace a file",
		Long: `Create or replace a file.

Content comes from the second argument, from --file, or from stdin.

Examples:
  avm write main:/README "hello"
  avm write main:/logo.png --file logo.png --mime-type image/png
  echo hi | avm write main:/greeting`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := headPath(args[0])
			if err != nil {
				return err
			}
			var data []byte
			switch {
			case len(args) == 2 && file != "":
				return NewExitError(ExitCommandError, "give content or --file, not both")
			case len(args) == 2:
				data = []byte(args[1])
			case file != "":
				if data, err = os.ReadFile(file); err != nil {
					return WrapExitError(ExitCommandError, "failed to read file", err)
				}
			default:
				if data, err = io.ReadAll(cmd.InOrStdin()); err != nil {
					return WrapExitError(ExitCommandError, "failed to read stdin", err)
				}
			}

			return run(cmd, rootOpts, "write", func(ctx context.Context, s *session) error {
				var n *avm.Node
				err := s.write(ctx, p, func(w *repo.Writer) error {
					var err error
					n, err = w.WriteFile(ctx, p.Path, data, mimeType)
					if avm.IsNotFound(err) {
						n, err = w.CreateFile(ctx, p.Path, data, mimeType)
					}
					return err
				})
				if err != nil {
					return err
				}
				return s.out.Emit(n.Content, func(w io.Writer) {
					fmt.Fprintf(w, "Wrote %d bytes to %s\n", n.Content.Size, p)
				})
			})
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "read content from a local file")
	cmd.Flags().StringVar(&mimeType, "mime-type", "", "mime type recorded with the content")
	return cmd
}

// NewCatCommand creates the cat command.
func NewCatCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cat <store[:version]:/path>",
		Short: "Print a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := parsePath(args[0])
			if err != nil {
				return err
			}
			return run(cmd, rootOpts, "cat", func(ctx context.Context, s *session) error {
				var data []byte
				err := s.read(ctx, func(v *repo.View) error {
					var err error
					data, err = v.ReadFile(ctx, p)
					return err
				})
				if err != nil {
					return err
				}
				return s.out.Emit(map[string]string{"path": p.String(), "content": string(data)}, func(w io.Writer) {
					w.Write(data)
				})
			})
		},
	}
}

// Entry is one line of ls output.
type Entry struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Direct  bool   `json:"direct"`
	Size    int64  `json:"size,omitempty"`
	Version int    `json:"version"`
	Target  string `json:"target,omitempty"`
}

// NewLsCommand creates the ls command.
func NewLsCommand(rootOpts *RootOptions) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "ls <store[:version]:/path>",
		Short: "List a directory",
		Long: `List the effective entries of a directory.

Entries inherited through a layered directory are marked with "~".
With --all, deleted entries are listed as ghosts.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := parsePath(args[0])
			if err != nil {
				return err
			}
			return run(cmd, rootOpts, "ls", func(ctx context.Context, s *session) error {
				entries := []Entry{}
				err := s.read(ctx, func(v *repo.View) error {
					children, err := v.List(ctx, p, all)
					if err != nil {
						return err
					}
					for _, c := range children {
						e := Entry{
							Name:    c.Name(),
							Type:    string(c.Node.Type),
							Direct:  c.Direct,
							Version: c.Node.Version,
						}
						if c.Node.Type.IsLayered() {
							e.Target = c.Node.Indirection
						} else {
							e.Size = c.Node.Content.Size
						}
						entries = append(entries, e)
					}
					return nil
				})
				if err != nil {
					return err
				}
				return s.out.Emit(entries, func(w io.Writer) {
					tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
					for _, e := range entries {
						mark := " "
						if !e.Direct {
							mark = "~"
						}
						detail := fmt.Sprint(e.Size)
						if e.Target != "" {
							detail = "-> " + e.Target
						}
						fmt.Fprintf(tw, "%s %s\t%s\t%s\n", mark, e.Name, e.Type, detail)
					}
					tw.Flush()
				})
			})
		},
	}

	cmd.Flags().BoolVarP(&all, "all", "a", false, "include deleted entries")
	return cmd
}

// NewRmCommand creates the rm command.
func NewRmCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <store:/path>",
		Short: "Remove an entry",
		Long: `Remove an entry.

An entry that is visible through a layer, sealed in a snapshot, or has
history is replaced by a ghost so the deletion can be compared and promoted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := headPath(args[0])
			if err != nil {
				return err
			}
			return run(cmd, rootOpts, "rm", func(ctx context.Context, s *session) error {
				return s.write(ctx, p, func(w *repo.Writer) error {
					return w.Remove(ctx, p.Path)
				})
			})
		},
	}
}

// NewLayerCommand creates the layer command.
func NewLayerCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		file   bool
		opaque bool
	)

	cmd := &cobra.Command{
		Use:   "layer <store:/path> <target>",
		Short: "Create a layered directory or file",
		Long: `Create a layered node at path whose contents come from target.

Examples:
  avm layer sandbox:/www main:/www
  avm layer sandbox:/conf main:3:/conf --opaque
  avm layer sandbox:/logo.png main:/logo.png --file`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := headPath(args[0])
			if err != nil {
				return err
			}
			target, err := parsePath(args[1])
			if err != nil {
				return err
			}
			if file && opaque {
				return NewExitError(ExitCommandError, "--opaque applies to layered directories only")
			}
			return run(cmd, rootOpts, "layer", func(ctx context.Context, s *session) error {
				return s.write(ctx, p, func(w *repo.Writer) error {
					if file {
						_, err := w.CreateLayeredFile(ctx, target, p.Path)
						return err
					}
					if _, err := w.CreateLayeredDirectory(ctx, target, p.Path); err != nil {
						return err
					}
					if opaque {
						return w.SetOpacity(ctx, p.Path, true)
					}
					return nil
				})
			})
		},
	}

	cmd.Flags().BoolVar(&file, "file", false, "create a layered file instead of a directory")
	cmd.Flags().BoolVar(&opaque, "opaque", false, "hide the target's listing")
	return cmd
}

// NewUncoverCommand creates the uncover command.
func NewUncoverCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "uncover <store:/path>",
		Short: "Drop a ghost so the underlying entry shows again",
		Long: `Drop the ghost at path from its layered directory.

Whatever the directory's target holds under that name becomes visible again.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := headPath(args[0])
			if err != nil {
				return err
			}
			return run(cmd, rootOpts, "uncover", func(ctx context.Context, s *session) error {
				return s.write(ctx, p, func(w *repo.Writer) error {
					return w.Uncover(ctx, p.Path)
				})
			})
		},
	}
}

// NewRetargetCommand creates the retarget command.
func NewRetargetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retarget <store:/path> <target>",
		Short: "Point a layered directory at a new target",
		Long: `Point the layered directory at path at target. Its own entries are kept.

Examples:
  avm retarget sandbox:/www main:4:/www`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := headPath(args[0])
			if err != nil {
				return err
			}
			target, err := parsePath(args[1])
			if err != nil {
				return err
			}
			return run(cmd, rootOpts, "retarget", func(ctx context.Context, s *session) error {
				return s.write(ctx, p, func(w *repo.Writer) error {
					return w.Retarget(ctx, p.Path, target)
				})
			})
		},
	}
}
