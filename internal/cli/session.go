package cli

import (
	"context"
	"errors"
	"log/slog"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/roach88/avm/internal/avm"
	"github.com/roach88/avm/internal/config"
	"github.com/roach88/avm/internal/content"
	"github.com/roach88/avm/internal/logging"
	"github.com/roach88/avm/internal/metrics"
	"github.com/roach88/avm/internal/repo"
	"github.com/roach88/avm/internal/store"
	"github.com/roach88/avm/internal/syncer"
)

// session is a repository opened from the configuration.
type session struct {
	cfg    *config.Config
	store  *store.Store
	repo   *repo.Repository
	engine *syncer.Engine
	zap    *zap.Logger
	log    *slog.Logger
	out    *OutputFormatter
}

func openSession(ctx context.Context, cmd *cobra.Command, opts *RootOptions) (*session, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.Verbose {
		cfg.Log.Level = "debug"
	}
	if err := logging.Init(cfg.Log); err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to configure logging", err)
	}
	zl := logging.L()
	log := logging.NewSlog(zl)

	stOpts := cfg.Database.StoreOptions()
	stOpts.Logger = log
	stOpts.OnRetry = metrics.RecordRetry
	st, err := store.OpenWithOptions(stOpts)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	cs, err := content.Open(ctx, cfg.Content, log)
	if err != nil {
		st.Close()
		return nil, WrapExitError(ExitCommandError, "failed to open content store", err)
	}

	r := repo.New(st, cs, repo.WithLogger(log))
	return &session{
		cfg:    cfg,
		store:  st,
		repo:   r,
		engine: syncer.New(r, syncer.WithLogger(log)),
		zap:    zl,
		log:    log,
		out:    newFormatter(cmd, opts),
	}, nil
}

func (s *session) Close() error {
	_ = logging.Sync()
	return s.store.Close()
}

func newFormatter(cmd *cobra.Command, opts *RootOptions) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}

// run opens a session, calls fn and maps its error to an exit code.
func run(cmd *cobra.Command, opts *RootOptions, op string, fn func(ctx context.Context, s *session) error) (err error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	s, err := openSession(ctx, cmd, opts)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, s.Close())
	}()
	if err := classify(op, fn(ctx, s)); err != nil {
		if ferr := newFormatter(cmd, opts).Fail(err); ferr != nil {
			return errors.Join(err, ferr)
		}
		return err
	}
	return nil
}

// read runs fn in a read transaction.
func (s *session) read(ctx context.Context, fn func(v *repo.View) error) error {
	return s.repo.Read(ctx, fn)
}

func parsePath(arg string) (avm.VersionPath, error) {
	p, err := avm.ParsePath(arg)
	if err != nil {
		return avm.VersionPath{}, WrapExitError(ExitCommandError, "invalid path "+arg, err)
	}
	return p, nil
}

func parseOptionalPath(arg string) (avm.VersionPath, error) {
	if arg == "" {
		return avm.VersionPath{}, nil
	}
	return parsePath(arg)
}

// headPath parses arg and requires it to address a store head.
func headPath(arg string) (avm.VersionPath, error) {
	p, err := parsePath(arg)
	if err != nil {
		return p, err
	}
	if p.Version != avm.HeadVersion {
		return p, NewExitError(ExitCommandError, "path must address a store head: "+arg)
	}
	return p, nil
}

func excluder(patterns []string) (avm.Excluder, error) {
	if len(patterns) == 0 {
		return nil, nil
	}
	ex, err := avm.NewGlobExcluder(patterns...)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid exclude pattern", err)
	}
	return ex, nil
}
