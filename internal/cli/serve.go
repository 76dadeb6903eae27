package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/roach88/avm/internal/auth"
	"github.com/roach88/avm/internal/config"
	"github.com/roach88/avm/internal/remote"
	"github.com/roach88/avm/internal/submit"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the sync API over HTTP",
		Long: `Serve compare, update, flatten, reset-layer, snapshot and submit over
HTTP, with Prometheus metrics at /metrics.

When server.ticket_secret is configured, mutating requests need a ticket
issued by "avm ticket" naming the stores they write.

Example:
  avm --config avm.yaml serve --addr :8420`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, rootOpts, "serve", func(ctx context.Context, s *session) error {
				return serve(ctx, s, opts)
			})
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

func serve(ctx context.Context, s *session, opts *ServeOptions) error {
	addr := s.cfg.Server.Addr
	if opts.Addr != "" {
		addr = opts.Addr
	}

	serverOpts := []remote.ServerOption{
		remote.WithServerLogger(s.log),
		remote.WithSubmitHandler(submit.NewHandler(s.engine,
			submit.WithLogger(s.log),
			submit.WithNotifier(submit.NewLogNotifier(s.zap)),
		)),
	}
	if secret := s.cfg.Server.TicketSecret; secret != "" {
		tickets, err := auth.NewTickets(secret, s.cfg.Server.TicketTTL)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to configure tickets", err)
		}
		serverOpts = append(serverOpts, remote.WithTickets(tickets))
	} else {
		s.zap.Warn("no ticket secret configured, mutating requests are not authenticated")
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           remote.NewServer(s.engine, serverOpts...).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			s.zap.Info("received signal, shutting down", zap.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		s.zap.Info("serving", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return WrapExitError(ExitCommandError, "server failed", err)
	case <-ctx.Done():
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return WrapExitError(ExitCommandError, "shutdown failed", err)
	}
	return nil
}

// TicketOptions holds flags for the ticket command.
type TicketOptions struct {
	*RootOptions
	Stores []string
	TTL    time.Duration
}

// NewTicketCommand creates the ticket command.
func NewTicketCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TicketOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "ticket <subject>",
		Short: "Issue a ticket for the sync API",
		Long: `Issue a signed ticket allowing subject to write the named stores.

Use --store "*" for every store.

Example:
  avm --config avm.yaml ticket ci --store staging --store sandbox`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.ConfigPath)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to load config", err)
			}
			if cfg.Server.TicketSecret == "" {
				return NewExitError(ExitCommandError, "server.ticket_secret is not configured")
			}
			if len(opts.Stores) == 0 {
				return NewExitError(ExitCommandError, "at least one --store is required")
			}
			ttl := cfg.Server.TicketTTL
			if opts.TTL > 0 {
				ttl = opts.TTL
			}
			tickets, err := auth.NewTickets(cfg.Server.TicketSecret, ttl)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to configure tickets", err)
			}
			token, err := tickets.Issue(args[0], opts.Stores)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to issue ticket", err)
			}
			out := newFormatter(cmd, rootOpts)
			data := map[string]any{"subject": args[0], "stores": opts.Stores, "ticket": token}
			return out.Emit(data, func(w io.Writer) {
				fmt.Fprintln(w, token)
			})
		},
	}

	cmd.Flags().StringSliceVar(&opts.Stores, "store", nil, "store the ticket may write (repeatable)")
	cmd.Flags().DurationVar(&opts.TTL, "ttl", 0, "ticket lifetime (overrides server.ticket_ttl)")
	return cmd
}
