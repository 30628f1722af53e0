package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/c0deZ3R0/go-offline-sync/client"
	"github.com/c0deZ3R0/go-offline-sync/cursor"
	"github.com/c0deZ3R0/go-offline-sync/synckit"
	"github.com/c0deZ3R0/go-offline-sync/transport/sse"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

func newInitCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a config file with a freshly generated client id",
		Long: `Write the effective configuration to --config. A client id is generated
unless one is already configured; an existing id is never replaced.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.configPath == "" {
				return errors.New("--config is required")
			}
			path := opts.configPath
			if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
				// Nothing to read yet; start from defaults.
				opts.configPath = ""
				defer func() { opts.configPath = path }()
			}
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			generated := cfg.EnsureClientID()
			if err := cfg.Save(path); err != nil {
				return err
			}
			verb := "kept"
			if generated {
				verb = "generated"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (client id %s %s)\n", path, cfg.ClientID, verb)
			return nil
		},
	}
}

func newPutCommand(opts *rootOptions) *cobra.Command {
	var syncAfter bool
	cmd := &cobra.Command{
		Use:   "put <id> <json-object>",
		Short: "Merge fields into a record locally and queue the change",
		Example: `  syncctl put note-1 '{"title":"groceries","done":false}'
  syncctl put note-1 '{"done":true}' --sync`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var doc synckit.Doc
			if err := json.Unmarshal([]byte(args[1]), &doc); err != nil {
				return fmt.Errorf("document must be a JSON object: %w", err)
			}
			if doc == nil {
				return errors.New("document must be a JSON object")
			}
			return withSession(cmd, opts, func(ctx context.Context, s *session) error {
				e, err := s.replica.Put(ctx, args[0], doc)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "queued %s %s v%d\n", e.Type, e.ID, e.Version)
				if syncAfter {
					return runSync(ctx, cmd.OutOrStdout(), s)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&syncAfter, "sync", false, "run a sync cycle afterwards")
	return cmd
}

func newDeleteCommand(opts *rootOptions) *cobra.Command {
	var syncAfter bool
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a record locally and queue the change",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, opts, func(ctx context.Context, s *session) error {
				e, err := s.replica.Delete(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "queued %s %s v%d\n", e.Type, e.ID, e.Version)
				if syncAfter {
					return runSync(ctx, cmd.OutOrStdout(), s)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&syncAfter, "sync", false, "run a sync cycle afterwards")
	return cmd
}

func newGetCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Print the local view of a record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, opts, func(ctx context.Context, s *session) error {
				rec, ok, err := s.replica.Get(ctx, args[0])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("record %s not found", args[0])
				}
				return printJSON(cmd.OutOrStdout(), rec)
			})
		},
	}
}

func newListCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Print every local record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSession(cmd, opts, func(ctx context.Context, s *session) error {
				recs, err := s.replica.List(ctx)
				if err != nil {
					return err
				}
				if recs == nil {
					recs = []client.Record{}
				}
				return printJSON(cmd.OutOrStdout(), recs)
			})
		},
	}
}

// runSync reconciles the cursor with the server, then runs one cycle.
func runSync(ctx context.Context, w io.Writer, s *session) error {
	driver := s.replica.Driver()
	full, err := driver.Bootstrap(ctx)
	if err != nil {
		return err
	}
	if full {
		s.logger.Info("pulling full history")
	}
	res, err := driver.SyncNow(ctx)
	if res != nil {
		fmt.Fprintf(w, "pushed %d, acked %d, conflicts %d (dropped %d, rebased %d), pulled %d in %d pages, checkpoint %s, took %v\n",
			res.Pushed, res.Acked, res.Conflicts, res.Dropped, res.Rebased,
			res.Pulled, res.Pages, res.Checkpoint, res.Duration.Round(time.Millisecond))
	}
	return err
}

func newSyncCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Push pending changes and pull remote ones once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSession(cmd, opts, func(ctx context.Context, s *session) error {
				return runSync(ctx, cmd.OutOrStdout(), s)
			})
		},
	}
}

// statusView is what status prints.
type statusView struct {
	ClientID   string            `yaml:"client_id"`
	Server     string            `yaml:"server"`
	Store      string            `yaml:"store"`
	Checkpoint cursor.Checkpoint `yaml:"checkpoint"`
	Pending    int               `yaml:"pending"`
	Parked     []parkedView      `yaml:"parked,omitempty"`
	Remote     *int64            `yaml:"remote_checkpoint,omitempty"`
	RemoteErr  string            `yaml:"remote_error,omitempty"`
}

type parkedView struct {
	EntryID string `yaml:"entry_id"`
	ID      string `yaml:"id"`
	Type    string `yaml:"type"`
	Version int64  `yaml:"version"`
}

func newStatusCommand(opts *rootOptions) *cobra.Command {
	var remote bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the local checkpoint and queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSession(cmd, opts, func(ctx context.Context, s *session) error {
				stats, err := s.replica.Driver().Stats(ctx)
				if err != nil {
					return err
				}
				cp, err := s.store.LoadCheckpoint(ctx)
				if err != nil {
					return err
				}
				view := statusView{
					ClientID:   s.cfg.ClientID,
					Server:     s.cfg.ServerURL,
					Store:      fmt.Sprintf("%s:%s", s.cfg.Store, s.cfg.StorePath),
					Checkpoint: cp,
					Pending:    stats.QueueLength,
				}
				parked, err := s.replica.Queue().Parked(ctx)
				if err != nil {
					return err
				}
				for _, e := range parked {
					view.Parked = append(view.Parked, parkedView{
						EntryID: e.EntryID, ID: e.ID, Type: string(e.Type), Version: e.Version,
					})
				}
				if remote {
					rcp, err := s.transport.Checkpoint(ctx)
					if err != nil {
						view.RemoteErr = err.Error()
					} else {
						n := int64(rcp)
						view.Remote = &n
					}
				}
				return printYAML(cmd.OutOrStdout(), view)
			})
		},
	}
	cmd.Flags().BoolVar(&remote, "remote", false, "also ask the server for its checkpoint")
	return cmd
}

func newRequeueCommand(opts *rootOptions) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "requeue [entry-id...]",
		Short: "Move parked changes back into the queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && len(args) == 0 {
				return errors.New("name entry ids or pass --all")
			}
			return withSession(cmd, opts, func(ctx context.Context, s *session) error {
				ids := args
				if all {
					parked, err := s.replica.Queue().Parked(ctx)
					if err != nil {
						return err
					}
					ids = ids[:0:0]
					for _, e := range parked {
						ids = append(ids, e.EntryID)
					}
				}
				n, err := s.replica.Requeue(ctx, ids...)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "requeued %d\n", n)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "requeue every parked change")
	return cmd
}

func newWatchCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Keep syncing until interrupted, printing sync events",
		Long: `Run the sync loop in the foreground. Cycles start on the configured
interval and whenever the server announces a new checkpoint.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSession(cmd, opts, func(ctx context.Context, s *session) error {
				ctx, stop := signalContext(ctx)
				defer stop()
				return watch(ctx, cmd.OutOrStdout(), s)
			})
		},
	}
}

func signalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

// watch runs the driver and follows the server's checkpoint stream,
// reconnecting with the driver's backoff policy.
func watch(ctx context.Context, w io.Writer, s *session) error {
	driver := s.replica.Driver()
	if _, err := driver.Bootstrap(ctx); err != nil {
		return err
	}
	unsubscribe := driver.Subscribe(func(ev client.Event) {
		printEvent(w, ev)
	})
	defer unsubscribe()

	if err := driver.Start(ctx); err != nil {
		return err
	}
	defer driver.Stop()

	policy := s.cfg.Backoff
	backoff := client.NewBackoff(client.Policy{
		Initial:     policy.Initial,
		Multiplier:  policy.Multiplier,
		Ceiling:     policy.Ceiling,
		MaxAttempts: policy.MaxAttempts,
	})
	for {
		err := s.transport.Watch(ctx, func(cp cursor.Checkpoint) {
			backoff.Success()
			driver.Trigger()
		})
		if ctx.Err() != nil {
			return nil
		}
		delay, _ := backoff.Failure()
		s.logger.Warn("checkpoint stream lost",
			slog.Any("error", err), slog.Duration("retry_in", delay))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		// Reconnecting may mean we were offline; sync right away.
		driver.NotifyOnline()
	}
}

func printEvent(w io.Writer, ev client.Event) {
	switch ev.Kind {
	case client.EventSynced:
		if ev.Cycle != nil && (ev.Cycle.Pushed > 0 || ev.Cycle.Pulled > 0) {
			fmt.Fprintf(w, "synced: pushed %d, pulled %d, checkpoint %s\n",
				ev.Cycle.Pushed, ev.Cycle.Pulled, ev.Checkpoint)
		}
	case client.EventRemoteChange:
		for _, item := range ev.Pulled {
			fmt.Fprintf(w, "remote %s %s v%d (checkpoint %s)\n", item.Type, item.ID, item.Version, item.Checkpoint)
		}
	case client.EventConflict:
		action := "dropped local change"
		if ev.Replacement != nil {
			action = fmt.Sprintf("rebased to v%d", ev.Replacement.Version)
		}
		fmt.Fprintf(w, "conflict on %s: %s\n", ev.Change.ID, action)
	case client.EventFailure:
		fmt.Fprintf(w, "sync failed: %v (retry in %v)\n", ev.Err, ev.Delay)
	case client.EventDegraded:
		fmt.Fprintln(w, "sync degraded: still retrying")
	case client.EventRecovered:
		fmt.Fprintln(w, "sync recovered")
	case client.EventParked:
		fmt.Fprintf(w, "queue full: parked %d changes\n", len(ev.Entries))
	}
}

func newTailCommand(opts *rootOptions) *cobra.Command {
	var since int64
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print the server change feed without touching the local replica",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			if since < 0 {
				return errors.New("--since must not be negative")
			}
			logger := newLogger(cmd, cfg.Log)
			feedOpts := []sse.Option{sse.WithLogger(logger)}
			if cfg.Token != "" {
				feedOpts = append(feedOpts, sse.WithToken(cfg.Token))
			}
			feed, err := sse.NewClient(cfg.ServerURL, feedOpts...)
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return tail(ctx, cmd.OutOrStdout(), feed, cursor.Checkpoint(since))
		},
	}
	cmd.Flags().Int64Var(&since, "since", 0, "start after this checkpoint")
	return cmd
}

// tail prints one line per change log entry until ctx ends.
func tail(ctx context.Context, w io.Writer, feed *sse.Client, since cursor.Checkpoint) error {
	err := feed.Subscribe(ctx, since, func(entries []synckit.ChangeLogEntry) error {
		for _, e := range entries {
			if _, err := fmt.Fprintf(w, "%s %s %s v%d\n", e.Checkpoint, e.Type, e.ID, e.Version); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
