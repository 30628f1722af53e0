package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/c0deZ3R0/go-offline-sync/config"
	"github.com/c0deZ3R0/go-offline-sync/cursor"
	"github.com/c0deZ3R0/go-offline-sync/logging"
	"github.com/c0deZ3R0/go-offline-sync/server"
	"github.com/c0deZ3R0/go-offline-sync/storage"
	"github.com/c0deZ3R0/go-offline-sync/storage/memory"
	"github.com/c0deZ3R0/go-offline-sync/storage/postgres"
	"github.com/c0deZ3R0/go-offline-sync/storage/sqlite"
	"github.com/c0deZ3R0/go-offline-sync/transport/httptransport"
	"github.com/c0deZ3R0/go-offline-sync/transport/sse"
)

type rootOptions struct {
	configPath string
	listen     string
	driver     string
	dsn        string
	logLevel   string
}

// load reads the config file and environment, then applies flags the user
// set explicitly.
func (o *rootOptions) load(cmd *cobra.Command) (config.ServerConfig, error) {
	cfg, err := config.LoadServer(o.configPath)
	if err != nil {
		return cfg, err
	}
	flags := cmd.Flags()
	if flags.Changed("listen") {
		cfg.Listen = o.listen
	}
	if flags.Changed("storage") {
		cfg.Storage.Driver = o.driver
	}
	if flags.Changed("dsn") {
		cfg.Storage.DSN = o.dsn
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = o.logLevel
	}
	return cfg, cfg.Validate()
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "syncd",
		Short:         "Offline-first sync server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to a YAML config file")
	cmd.PersistentFlags().StringVar(&opts.listen, "listen", "", "listen address, e.g. :8080")
	cmd.PersistentFlags().StringVar(&opts.driver, "storage", "", "storage driver (memory|sqlite|postgres)")
	cmd.PersistentFlags().StringVar(&opts.dsn, "dsn", "", "storage data source")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (debug|info|warn|error)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newConfigCommand(opts))
	return cmd
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync server until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			logging.Init(cfg.Log)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			ln, err := net.Listen("tcp", cfg.Listen)
			if err != nil {
				return err
			}
			return serve(ctx, ln, cfg, logging.Default().Logger)
		},
	}
}

func newConfigCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration with tokens redacted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			return printConfig(cmd.OutOrStdout(), cfg)
		},
	}
}

func printConfig(w io.Writer, cfg config.ServerConfig) error {
	tokens := make([]config.TokenConfig, len(cfg.Tokens))
	for i, t := range cfg.Tokens {
		t.Token = "REDACTED"
		tokens[i] = t
	}
	cfg.Tokens = tokens
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return err
	}
	return enc.Close()
}

// openStore opens the configured server store.
func openStore(cfg config.StorageConfig, logger *slog.Logger) (storage.Store, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return memory.New(), nil
	case config.DriverSQLite:
		sc := sqlite.DefaultConfig(cfg.DSN)
		sc.Logger = logger.With(slog.Any("component", logging.Component("sqlite")))
		return sqlite.New(sc)
	case config.DriverPostgres:
		pc := postgres.DefaultConfig(cfg.DSN)
		pc.Logger = logger.With(slog.Any("component", logging.Component("postgres")))
		return postgres.New(pc)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

func serverOptions(cfg config.ServerConfig) *httptransport.ServerOptions {
	o := httptransport.DefaultServerOptions()
	o.MaxRequestSize = cfg.MaxRequestSize
	if o.MaxDecompressedSize < 2*cfg.MaxRequestSize {
		o.MaxDecompressedSize = 2 * cfg.MaxRequestSize
	}
	o.CompressionEnabled = cfg.Compression
	o.RequestTimeout = cfg.RequestTimeout
	o.ShutdownTimeout = cfg.ShutdownTimeout
	return o
}

// newHandler builds the service and its HTTP handler: the sync endpoints
// plus the change feed. Bearer auth is enforced when tokens are configured.
func newHandler(store storage.Store, cfg config.ServerConfig, logger *slog.Logger) (*server.Service, *sse.Server, http.Handler) {
	svc := server.New(store,
		server.WithLogger(logger),
		server.WithNotifier(server.NewNotifier()),
		server.WithOptions(server.Options{
			DefaultPullLimit: cfg.DefaultPullLimit,
			MaxPullLimit:     cfg.MaxPullLimit,
			MaxPushBatch:     cfg.MaxPushBatch,
		}),
	)
	options := serverOptions(cfg)
	feed := sse.NewServer(svc, logger)
	mux := http.NewServeMux()
	mux.Handle(sse.Path, feed)
	mux.Handle("/", httptransport.NewHandler(svc, logger, options))
	var h http.Handler = mux
	if len(cfg.Tokens) > 0 {
		tokens := make(httptransport.StaticTokens, len(cfg.Tokens))
		for _, t := range cfg.Tokens {
			tokens[t.Token] = httptransport.Identity{Subject: t.Subject, ReadOnly: t.ReadOnly}
		}
		h = httptransport.RequireBearer(tokens, h, options)
	}
	return svc, feed, h
}

// serve runs the server on ln until ctx is cancelled, then drains in-flight
// requests for up to ShutdownTimeout.
func serve(ctx context.Context, ln net.Listener, cfg config.ServerConfig, logger *slog.Logger) error {
	store, err := openStore(cfg.Storage, logger)
	if err != nil {
		ln.Close()
		return fmt.Errorf("open %s store: %w", cfg.Storage.Driver, err)
	}
	defer store.Close()

	svc, feed, handler := newHandler(store, cfg, logger)

	if cfg.Storage.Driver == config.DriverPostgres {
		listener, err := postgres.NewCheckpointListener(cfg.Storage.DSN, func(cp cursor.Checkpoint) {
			svc.Announce(ctx, cp)
		}, logger)
		if err != nil {
			ln.Close()
			return fmt.Errorf("listen for checkpoints: %w", err)
		}
		defer listener.Close()
		go listener.Run(ctx)
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: cfg.RequestTimeout,
	}
	srv.RegisterOnShutdown(feed.Close)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	logger.Info("sync server listening",
		slog.String("addr", ln.Addr().String()),
		slog.String("storage", cfg.Storage.Driver),
		slog.Bool("auth", len(cfg.Tokens) > 0))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	logger.Info("shutting down", slog.Duration("timeout", cfg.ShutdownTimeout))
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
