package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/c0deZ3R0/go-offline-sync/client"
	"github.com/c0deZ3R0/go-offline-sync/client/filestore"
	"github.com/c0deZ3R0/go-offline-sync/client/sqlitestore"
	"github.com/c0deZ3R0/go-offline-sync/config"
	"github.com/c0deZ3R0/go-offline-sync/logging"
	"github.com/c0deZ3R0/go-offline-sync/transport/httptransport"
)

var _ client.Transport = (*httptransport.Client)(nil)

var errNoClientID = errors.New("no client id configured; run `syncctl init` or set SYNC_CLIENT_ID")

type rootOptions struct {
	configPath string
	serverURL  string
	token      string
	store      string
	storePath  string
	logLevel   string
}

func (o *rootOptions) load(cmd *cobra.Command) (config.ClientConfig, error) {
	cfg, err := config.LoadClient(o.configPath)
	if err != nil {
		return cfg, err
	}
	flags := cmd.Flags()
	if flags.Changed("server") {
		cfg.ServerURL = o.serverURL
	}
	if flags.Changed("token") {
		cfg.Token = o.token
	}
	if flags.Changed("store") {
		cfg.Store = o.store
	}
	if flags.Changed("store-path") {
		cfg.StorePath = o.storePath
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = o.logLevel
	}
	return cfg, cfg.Validate()
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "syncctl",
		Short:         "Offline-first sync client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := cmd.PersistentFlags()
	pf.StringVarP(&opts.configPath, "config", "c", "", "path to a YAML config file")
	pf.StringVar(&opts.serverURL, "server", "", "sync server base URL")
	pf.StringVar(&opts.token, "token", "", "bearer token")
	pf.StringVar(&opts.store, "store", "", "local store kind (sqlite|file)")
	pf.StringVar(&opts.storePath, "store-path", "", "local store path")
	pf.StringVar(&opts.logLevel, "log-level", "", "log level (debug|info|warn|error)")

	cmd.AddCommand(
		newInitCommand(opts),
		newPutCommand(opts),
		newDeleteCommand(opts),
		newGetCommand(opts),
		newListCommand(opts),
		newSyncCommand(opts),
		newStatusCommand(opts),
		newRequeueCommand(opts),
		newWatchCommand(opts),
		newTailCommand(opts),
	)
	return cmd
}

// session is one opened replica plus everything it holds open.
type session struct {
	cfg       config.ClientConfig
	replica   *client.Replica
	transport *httptransport.Client
	store     closableStore
	logger    *slog.Logger
}

func (s *session) Close() error {
	return errors.Join(s.replica.Close(), s.store.Close())
}

type closableStore interface {
	client.Store
	io.Closer
}

func openStore(cfg config.ClientConfig, logger *slog.Logger) (closableStore, error) {
	switch cfg.Store {
	case config.StoreSQLite:
		return sqlitestore.New(&sqlitestore.Config{Path: cfg.StorePath, Logger: logger})
	case config.StoreFile:
		return filestore.Open(cfg.StorePath, filestore.WithLogger(logger))
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Store)
	}
}

func resolverFor(name string) (client.ConflictResolver, error) {
	switch name {
	case "server-wins":
		return client.ServerWins{}, nil
	case "rebase":
		return client.RebaseResolver{}, nil
	default:
		return nil, fmt.Errorf("unknown resolver %q", name)
	}
}

func driverOptions(cfg config.ClientConfig, logger *slog.Logger) (client.Options, error) {
	resolver, err := resolverFor(cfg.Resolver)
	if err != nil {
		return client.Options{}, err
	}
	o := client.DefaultOptions()
	o.BatchSize = cfg.BatchSize
	o.PullLimit = cfg.PullLimit
	o.SyncInterval = cfg.SyncInterval
	o.RequestTimeout = cfg.RequestTimeout
	o.Backoff = client.Policy{
		Initial:     cfg.Backoff.Initial,
		Multiplier:  cfg.Backoff.Multiplier,
		Ceiling:     cfg.Backoff.Ceiling,
		MaxAttempts: cfg.Backoff.MaxAttempts,
	}
	o.Resolver = resolver
	o.Logger = logger
	return o, nil
}

// openSession builds the replica described by cfg.
func openSession(ctx context.Context, cfg config.ClientConfig, logger *slog.Logger) (*session, error) {
	if cfg.ClientID == "" {
		return nil, errNoClientID
	}
	opts, err := driverOptions(cfg, logger)
	if err != nil {
		return nil, err
	}

	transportOpts := []httptransport.TransportOption{
		httptransport.WithTransportLogger(logger),
		httptransport.WithClientOptions(httptransport.WithClientTimeout(cfg.RequestTimeout)),
	}
	if cfg.Token != "" {
		transportOpts = append(transportOpts, httptransport.WithToken(cfg.Token))
	}
	transport, err := httptransport.NewClient(cfg.ServerURL, transportOpts...)
	if err != nil {
		return nil, err
	}

	store, err := openStore(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("open %s store %s: %w", cfg.Store, cfg.StorePath, err)
	}
	replica, err := client.NewReplica(ctx, client.ReplicaConfig{
		ClientID:  cfg.ClientID,
		Queue:     store,
		Cursors:   store,
		Local:     store,
		Transport: transport,
		QueueCap:  cfg.QueueCap,
		Options:   opts,
	})
	if err != nil {
		store.Close()
		return nil, err
	}
	return &session{cfg: cfg, replica: replica, transport: transport, store: store, logger: logger}, nil
}

// newLogger logs to stderr unless a log file is configured, keeping stdout
// for command output.
func newLogger(cmd *cobra.Command, cfg logging.Config) *slog.Logger {
	if cfg.File != "" {
		return logging.NewLogger(cfg).Logger
	}
	return logging.NewLoggerTo(cmd.ErrOrStderr(), cfg).Logger
}

// withSession loads configuration, opens a session for fn and closes it
// afterwards.
func withSession(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, s *session) error) error {
	cfg, err := opts.load(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cmd, cfg.Log)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	s, err := openSession(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(); cerr != nil {
			logger.Warn("closing session", slog.Any("error", cerr))
		}
	}()
	return fn(ctx, s)
}
