package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/aretw0/lifecycle"
	"github.com/spf13/cobra"

	"github.com/roach88/postpulse/internal/broadcast"
	"github.com/roach88/postpulse/internal/config"
	"github.com/roach88/postpulse/internal/detector"
	"github.com/roach88/postpulse/internal/metrics"
	"github.com/roach88/postpulse/internal/pgstore"
	"github.com/roach88/postpulse/internal/post"
	"github.com/roach88/postpulse/internal/server"
	"github.com/roach88/postpulse/internal/store"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	ConfigPath string
	Listen     string

	// Ready, when set, receives the bound address once the listener is up.
	Ready func(addr string)
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, change detector, and broadcaster",
		Long: `Run the postpulse service.

The store's write hooks and the polling change detector both feed the
broadcaster, which pushes post_update events to connected dashboards.
With --config, edits to the file are applied live: detector interval and
enablement, and log level.

Example:
  postpulse serve --config ./postpulse.yaml
  postpulse serve --listen 127.0.0.1:9000 --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to YAML config (defaults apply when omitted)")
	cmd.Flags().StringVar(&opts.Listen, "listen", "", "override server.listen")

	return cmd
}

func runServe(cmd *cobra.Command, opts *ServeOptions) error {
	out := opts.formatter(cmd)

	cfg := config.Default()
	if opts.ConfigPath != "" {
		loaded, err := config.Load(opts.ConfigPath)
		if err != nil {
			return fail(out, ExitCommandError, ErrCodeConfig, "failed to load config", err)
		}
		cfg = loaded
	}
	if opts.Listen != "" {
		cfg.Server.Listen = opts.Listen
	}

	level := new(slog.LevelVar)
	level.Set(cfg.SlogLevel())
	if opts.Verbose {
		level.Set(slog.LevelDebug)
	}
	format := cfg.Log.Format
	if opts.Format == "json" {
		format = "json"
	}
	logger := newLogger(cmd.ErrOrStderr(), format, level)
	slog.SetDefault(logger)

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("opening database", "path", cfg.Storage.Path)
	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return fail(out, ExitCommandError, ErrCodeStorage, "failed to open database", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("error closing database", "error", closeErr)
		}
	}()

	m := metrics.New()
	var source detector.Source = st
	broadcastOpts := []broadcast.Option{
		broadcast.WithLogger(logger),
		broadcast.WithMetrics(m),
		broadcast.WithKeepAlive(cfg.Realtime.KeepAlive.Std()),
	}
	if cfg.Storage.Driver == config.DriverPostgres {
		pg, err := pgstore.Open(ctx, cfg.Storage.DSN)
		if err != nil {
			return fail(out, ExitCommandError, ErrCodeStorage, "failed to connect to postgres", err)
		}
		defer pg.Close()
		// API writes stay in SQLite, so post channels resolve against both.
		source = pg
		broadcastOpts = append(broadcastOpts, broadcast.WithOwners(pg))
		logger.Info("polling external postgres source")
	}

	b := broadcast.New(st, broadcastOpts...)
	defer b.Close()

	hookMetrics := post.SinkFunc(func(_ context.Context, c post.Change) {
		m.ObserveChange(string(c.Kind), string(c.Source))
	})
	st.SetSink(post.Sinks{b, hookMetrics})

	det := detector.New(source, b,
		detector.WithLogger(logger),
		detector.WithMetrics(m),
		detector.WithDeletionEvents(cfg.Detector.EmitDeletes),
	)
	defer det.Stop()
	if cfg.Detector.Enabled {
		if err := det.Start(ctx, cfg.Detector.Interval.Std()); err != nil {
			return fail(out, ExitCommandError, ErrCodeConfig, "failed to start change detector", err)
		}
	}

	if opts.ConfigPath != "" {
		reload := func(next *config.Config) {
			applyReload(ctx, logger, level, opts.Verbose, det, next)
		}
		lifecycle.Go(ctx, func(ctx context.Context) error {
			return config.Watch(ctx, opts.ConfigPath, logger, reload)
		}, lifecycle.WithErrorHandler(func(err error) {
			logger.Error("config watcher stopped", "error", err)
		}))
	}

	srv := server.New(st, b,
		server.WithDetector(det),
		server.WithMetrics(m),
		server.WithLogger(logger),
		server.WithWebhookSecret(cfg.Server.WebhookSecret),
		server.WithWebSocket(cfg.Realtime.WebSocket),
		server.WithWriteTimeout(cfg.Realtime.WriteTimeout.Std()),
	)

	ln, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		return fail(out, ExitCommandError, ErrCodeServe, "failed to listen", err)
	}
	if opts.Ready != nil {
		opts.Ready(ln.Addr().String())
	}

	err = srv.Serve(ctx, ln, server.RunOptions{
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout.Std(),
		ShutdownTimeout:   cfg.Server.ShutdownTimeout.Std(),
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fail(out, ExitFailure, ErrCodeServe, "server error", err)
	}

	logger.Info("postpulse stopped")
	return nil
}

// applyReload applies the live-reloadable parts of a new config. Storage,
// listener, and transport settings need a restart.
func applyReload(ctx context.Context, logger *slog.Logger, level *slog.LevelVar, verbose bool, det *detector.Detector, next *config.Config) {
	if !verbose {
		level.Set(next.SlogLevel())
	}

	if !next.Detector.Enabled {
		det.Stop()
		return
	}
	if err := det.Reset(next.Detector.Interval.Std()); err != nil {
		logger.Warn("detector interval not applied", "error", err)
		return
	}
	if !det.IsRunning() {
		if err := det.Start(ctx, next.Detector.Interval.Std()); err != nil {
			logger.Warn("detector not restarted", "error", fmt.Errorf("reload: %w", err))
		}
	}
}
