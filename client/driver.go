// Package client implements the offline side of the sync engine: the
// pending queue, the conflict resolvers and the Client Sync Driver that
// flushes the queue, pulls the change log and retries with backoff.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c0deZ3R0/go-offline-sync/cursor"
	syncErrors "github.com/c0deZ3R0/go-offline-sync/errors"
	"github.com/c0deZ3R0/go-offline-sync/logging"
	"github.com/c0deZ3R0/go-offline-sync/synckit"
)

// State is the driver's position in its cycle.
type State int32

const (
	StateIdle State = iota
	StateFlushing
	StatePulling
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFlushing:
		return "flushing"
	case StatePulling:
		return "pulling"
	case StateBackoff:
		return "backoff"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var (
	// ErrCycleInProgress is returned by SyncNow when the driver is not idle.
	// The request is dropped, not queued.
	ErrCycleInProgress = errors.New("sync cycle already in progress")
	ErrAlreadyRunning  = errors.New("driver is already running")
	ErrNotRunning      = errors.New("driver is not running")
	ErrDriverClosed    = errors.New("driver is closed")
)

// Transport is the remote side of the protocol. Errors should be
// *errors.SyncError values; anything else counts as a network failure.
type Transport interface {
	Push(ctx context.Context, changes []synckit.Change) (*synckit.PushResponse, []synckit.ResultError, error)
	Pull(ctx context.Context, since cursor.Checkpoint, limit int) (*synckit.PullResponse, error)
	Checkpoint(ctx context.Context) (cursor.Checkpoint, error)
}

// Options tunes a Driver.
type Options struct {
	// BatchSize bounds one push. Default 50.
	BatchSize int
	// PullLimit bounds one pull page. Default 100.
	PullLimit int
	// MaxPullPages bounds the pages fetched per cycle. Default 10.
	MaxPullPages int
	// SyncInterval is the timer period while running. Zero disables the
	// timer; cycles then start only on Trigger or SyncNow.
	SyncInterval time.Duration
	// RequestTimeout bounds every network call. Default 30s.
	RequestTimeout time.Duration
	Backoff        Policy
	Resolver       ConflictResolver
	Metrics        MetricsCollector
	Logger         *slog.Logger
}

// DefaultOptions returns the defaults.
func DefaultOptions() Options {
	return Options{
		BatchSize:      50,
		PullLimit:      synckit.DefaultPullLimit,
		MaxPullPages:   10,
		SyncInterval:   30 * time.Second,
		RequestTimeout: 30 * time.Second,
		Backoff:        DefaultPolicy(),
		Resolver:       ServerWins{},
		Metrics:        &NoOpMetricsCollector{},
	}
}

func (o *Options) setDefaults() {
	d := DefaultOptions()
	if o.BatchSize == 0 {
		o.BatchSize = d.BatchSize
	}
	if o.PullLimit == 0 {
		o.PullLimit = d.PullLimit
	}
	if o.MaxPullPages == 0 {
		o.MaxPullPages = d.MaxPullPages
	}
	if o.RequestTimeout == 0 {
		o.RequestTimeout = d.RequestTimeout
	}
	if o.Backoff == (Policy{}) {
		o.Backoff = d.Backoff
	}
	if o.Resolver == nil {
		o.Resolver = d.Resolver
	}
	if o.Metrics == nil {
		o.Metrics = d.Metrics
	}
}

// Validate checks the options after defaults are applied.
func (o Options) Validate() error {
	switch {
	case o.BatchSize < 1:
		return fmt.Errorf("batch size must be positive, got %d", o.BatchSize)
	case o.PullLimit < 1 || o.PullLimit > synckit.MaxPullLimit:
		return fmt.Errorf("pull limit must be within 1..%d, got %d", synckit.MaxPullLimit, o.PullLimit)
	case o.MaxPullPages < 1:
		return fmt.Errorf("max pull pages must be positive, got %d", o.MaxPullPages)
	case o.SyncInterval < 0:
		return fmt.Errorf("sync interval must not be negative, got %v", o.SyncInterval)
	case o.RequestTimeout <= 0:
		return fmt.Errorf("request timeout must be positive, got %v", o.RequestTimeout)
	}
	return o.Backoff.Validate()
}

// CycleResult summarizes one Flushing+Pulling pass.
type CycleResult struct {
	Pushed              int
	Acked               int
	Conflicts           int
	Dropped             int
	Rebased             int
	InvalidReplacements int
	ProtocolFailures    int
	Pulled              int
	Pages               int
	Checkpoint          cursor.Checkpoint
	Duration            time.Duration
}

// Stats is a point-in-time view of the driver.
type Stats struct {
	State               State
	Cycles              uint64
	ConsecutiveFailures int
	Backoff             time.Duration
	Degraded            bool

	TransportFailures uint64
	AuthFailures      uint64
	RateLimited       uint64
	ProtocolFailures  uint64
	StorageFailures   uint64

	Conflicts           uint64
	Dropped             uint64
	Rebased             uint64
	InvalidReplacements uint64
	Acked               uint64
	Pulled              uint64

	Checkpoint  cursor.Checkpoint
	QueueLength int
	Parked      int
	LastError   string
	LastSuccess time.Time
}

// Driver is the Client Sync Driver. It runs at most one cycle at a time;
// triggers that arrive while it is busy or backing off are ignored.
type Driver struct {
	queue     *Queue
	cursors   CursorStore
	local     LocalStore
	transport Transport
	opts      Options
	logger    *slog.Logger
	backoff   *Backoff
	events    *broadcaster

	state atomic.Int32

	// localMu covers every read-modify-write of the local model: pulled and
	// conflict merges here, local edits in Replica.
	localMu sync.Mutex

	statsMu sync.Mutex
	stats   Stats

	// after schedules the end of a backoff period.
	after func(time.Duration, func()) (stop func() bool)

	runMu       sync.Mutex
	trigger     chan struct{}
	stop        chan struct{}
	done        chan struct{}
	backoffStop func() bool
	closed      bool
}

// NewDriver wires a driver. queue, cursors, local and transport are
// required.
func NewDriver(queue *Queue, cursors CursorStore, local LocalStore, transport Transport, opts Options) (*Driver, error) {
	if queue == nil || cursors == nil || local == nil || transport == nil {
		return nil, fmt.Errorf("queue, cursor store, local store and transport are required")
	}
	opts.setDefaults()
	if err := opts.Validate(); err != nil {
		return nil, syncErrors.NewValidationError(syncErrors.OpSync, err)
	}

	logger := logging.Or(opts.Logger, logging.Component("driver"))
	d := &Driver{
		queue:     queue,
		cursors:   cursors,
		local:     local,
		transport: transport,
		opts:      opts,
		logger:    logger,
		backoff:   NewBackoff(opts.Backoff),
		events:    newBroadcaster(logger),
		trigger:   make(chan struct{}, 1),
		after: func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		},
	}
	return d, nil
}

// State returns the current state.
func (d *Driver) State() State {
	return State(d.state.Load())
}

func (d *Driver) setState(s State) {
	prev := State(d.state.Swap(int32(s)))
	if prev != s {
		d.events.emit(Event{Kind: EventStateChanged, State: s})
	}
}

// Subscribe registers fn for every event. Events are delivered
// synchronously on the goroutine that caused them; fn must not block.
// The returned function unsubscribes and may be called more than once.
func (d *Driver) Subscribe(fn func(Event)) (unsubscribe func()) {
	return d.events.subscribe(fn)
}

// Bootstrap compares the local cursor with the server checkpoint. A cursor
// ahead of the server means the server lost its log, so the cursor is reset
// to zero for a full resync. full reports whether the next pull starts from
// zero.
func (d *Driver) Bootstrap(ctx context.Context) (full bool, err error) {
	local, err := d.cursors.LoadCheckpoint(ctx)
	if err != nil {
		return false, syncErrors.NewStorageError(syncErrors.OpLoad, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, d.opts.RequestTimeout)
	remote, err := d.transport.Checkpoint(callCtx)
	cancel()
	if err != nil {
		return false, asTransportError(syncErrors.OpCheckpoint, err)
	}

	if local > remote {
		d.logger.WarnContext(ctx, "local cursor is ahead of the server, resyncing from zero",
			slog.String("local", local.String()), slog.String("server", remote.String()))
		if err := d.cursors.SaveCheckpoint(ctx, cursor.Zero); err != nil {
			return false, syncErrors.NewStorageError(syncErrors.OpStore, err)
		}
		d.noteCheckpoint(cursor.Zero)
		return true, nil
	}
	d.noteCheckpoint(local)
	return local.IsZero(), nil
}

// SyncNow runs one cycle if the driver is idle and returns its outcome.
// It returns ErrCycleInProgress without doing anything otherwise.
func (d *Driver) SyncNow(ctx context.Context) (*CycleResult, error) {
	if !d.state.CompareAndSwap(int32(StateIdle), int32(StateFlushing)) {
		return nil, ErrCycleInProgress
	}
	d.events.emit(Event{Kind: EventStateChanged, State: StateFlushing})

	start := time.Now()
	res, err := d.cycle(ctx)
	res.Duration = time.Since(start)
	d.opts.Metrics.RecordSyncDuration("cycle", res.Duration)

	counted := err != nil
	if err == nil && res.ProtocolFailures > 0 {
		// Per-result failures are already counted; the cycle still backs off.
		err = syncErrors.NewProtocolError(syncErrors.OpPush,
			fmt.Errorf("%d push results were malformed", res.ProtocolFailures))
	}
	if err != nil {
		d.fail(ctx, res, err, counted)
		return res, err
	}
	d.succeed(ctx, res)
	return res, nil
}

func (d *Driver) cycle(ctx context.Context) (*CycleResult, error) {
	res := &CycleResult{}
	cp, err := d.cursors.LoadCheckpoint(ctx)
	if err != nil {
		return res, syncErrors.NewStorageError(syncErrors.OpLoad, err)
	}
	res.Checkpoint = cp

	if err := d.flush(ctx, res); err != nil {
		return res, err
	}
	d.setState(StatePulling)
	if err := d.pull(ctx, res); err != nil {
		return res, err
	}
	return res, nil
}

// conflictDrop is a conflict resolved in the server's favour.
type conflictDrop struct {
	id     string
	server ServerState
}

func (d *Driver) flush(ctx context.Context, res *CycleResult) error {
	entries, err := d.queue.DequeueBatch(ctx, d.opts.BatchSize)
	defer d.queue.Release()
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	changes := make([]synckit.Change, len(entries))
	for i, e := range entries {
		changes[i] = e.Change
	}

	start := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, d.opts.RequestTimeout)
	resp, bad, err := d.transport.Push(callCtx, changes)
	cancel()
	d.opts.Metrics.RecordSyncDuration("push", time.Since(start))
	if err != nil {
		return asTransportError(syncErrors.OpPush, err)
	}
	res.Pushed = len(entries)

	malformed := make(map[int]bool, len(bad))
	for _, b := range bad {
		malformed[b.Index] = true
		d.logger.WarnContext(ctx, "malformed push result, change stays queued",
			slog.String("id", b.ID), slog.Any("error", b.Err))
	}
	res.ProtocolFailures += len(bad)
	d.count(func(s *Stats) { s.ProtocolFailures += uint64(len(bad)) })

	var (
		ack      []string
		accepted []cursor.Checkpoint
		drops    []conflictDrop
	)
	for i, r := range resp.Results {
		if malformed[i] {
			continue
		}
		e := entries[i]
		switch r.Status {
		case synckit.StatusOK:
			ack = append(ack, e.EntryID)
			if r.Checkpoint > 0 {
				accepted = append(accepted, r.Checkpoint)
			}
			res.Acked++
		case synckit.StatusConflict:
			res.Conflicts++
			server := ServerState{LatestVersion: r.LatestVersion, LatestDoc: r.LatestDoc}
			replaced, err := d.resolve(ctx, e, server, res)
			if err != nil {
				// Keep what was settled so far before giving up.
				return errors.Join(err, d.queue.Ack(ctx, ack...))
			}
			if !replaced {
				ack = append(ack, e.EntryID)
				drops = append(drops, conflictDrop{id: e.ID, server: server})
			}
		}
	}

	if err := d.queue.Ack(ctx, ack...); err != nil {
		return err
	}
	d.count(func(s *Stats) { s.Acked += uint64(res.Acked) })
	d.opts.Metrics.RecordSyncEvents(res.Acked, 0)
	if res.Conflicts > 0 {
		d.opts.Metrics.RecordConflicts(res.Conflicts)
	}

	if len(drops) > 0 {
		if err := d.mergeLocal(ctx, func(pending []Entry) error {
			for _, drop := range drops {
				base := &Record{ID: drop.id, Version: drop.server.LatestVersion, Doc: drop.server.LatestDoc}
				if err := d.applyLocal(ctx, drop.id, base, pending); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			return err
		}
	}

	if err := d.advanceFromPush(ctx, accepted, res); err != nil {
		return err
	}

	if resp.Truncated {
		return syncErrors.NewNetworkError(syncErrors.OpPush,
			fmt.Errorf("server applied %d of %d changes: %s", len(resp.Results), len(entries), resp.Error))
	}
	return nil
}

// resolve runs the resolver for one conflict. replaced reports whether the
// entry was swapped for a replacement; otherwise the caller drops it.
func (d *Driver) resolve(ctx context.Context, e Entry, server ServerState, res *CycleResult) (replaced bool, err error) {
	local := e.Change
	replacement := d.opts.Resolver.Resolve(local, server)

	ev := Event{
		Kind:   EventConflict,
		Change: &local,
		Server: &server,
		Err: syncErrors.NewConflictError(syncErrors.OpPush,
			fmt.Errorf("version %d does not exceed server version %d", local.Version, server.LatestVersion)).
			WithMetadata("id", local.ID),
	}
	defer func() { d.events.emit(ev) }()

	if replacement != nil {
		if verr := validateReplacement(local, *replacement, server); verr != nil {
			d.logger.WarnContext(ctx, "resolver returned an invalid replacement, dropping change",
				slog.String("id", local.ID), slog.Any("error", verr))
			res.InvalidReplacements++
			d.count(func(s *Stats) { s.InvalidReplacements++ })
			replacement = nil
		}
	}

	d.count(func(s *Stats) { s.Conflicts++ })
	if replacement == nil {
		res.Dropped++
		d.count(func(s *Stats) { s.Dropped++ })
		return false, nil
	}

	queued, err := d.queue.Replace(ctx, e.EntryID, *replacement)
	if err != nil {
		return false, err
	}
	res.Rebased++
	d.count(func(s *Stats) { s.Rebased++ })
	ev.Replacement = &queued.Change
	return true, nil
}

// advanceFromPush moves the cursor across the run of our own accepted
// checkpoints directly after it. Anything past a gap belongs to someone
// else and is left for pull.
func (d *Driver) advanceFromPush(ctx context.Context, accepted []cursor.Checkpoint, res *CycleResult) error {
	if len(accepted) == 0 {
		return nil
	}
	cur, err := d.cursors.LoadCheckpoint(ctx)
	if err != nil {
		return syncErrors.NewStorageError(syncErrors.OpLoad, err)
	}
	high := cur.ContiguousHigh(accepted)
	if high <= cur {
		return nil
	}
	if err := d.cursors.SaveCheckpoint(ctx, high); err != nil {
		return syncErrors.NewStorageError(syncErrors.OpStore, err)
	}
	res.Checkpoint = high
	d.noteCheckpoint(high)
	return nil
}

func (d *Driver) pull(ctx context.Context, res *CycleResult) error {
	start := time.Now()
	defer func() { d.opts.Metrics.RecordSyncDuration("pull", time.Since(start)) }()

	for page := 0; page < d.opts.MaxPullPages; page++ {
		since, err := d.cursors.LoadCheckpoint(ctx)
		if err != nil {
			return syncErrors.NewStorageError(syncErrors.OpLoad, err)
		}

		callCtx, cancel := context.WithTimeout(ctx, d.opts.RequestTimeout)
		resp, err := d.transport.Pull(callCtx, since, d.opts.PullLimit)
		cancel()
		if err != nil {
			return asTransportError(syncErrors.OpPull, err)
		}
		res.Pages++
		if len(resp.Items) == 0 {
			return nil
		}

		high := since
		if err := d.mergeLocal(ctx, func(pending []Entry) error {
			for _, item := range resp.Items {
				var base *Record
				if item.Type == synckit.ChangeUpsert {
					base = &Record{ID: item.ID, Version: item.Version, Doc: item.Doc}
				}
				if err := d.applyLocal(ctx, item.ID, base, pending); err != nil {
					return err
				}
				high = high.Advance(item.Checkpoint)
			}
			return nil
		}); err != nil {
			return err
		}
		if err := d.cursors.SaveCheckpoint(ctx, high); err != nil {
			return syncErrors.NewStorageError(syncErrors.OpStore, err)
		}
		d.noteCheckpoint(high)
		res.Pulled += len(resp.Items)
		res.Checkpoint = high
		d.count(func(s *Stats) { s.Pulled += uint64(len(resp.Items)) })
		d.opts.Metrics.RecordSyncEvents(0, len(resp.Items))
		d.events.emit(Event{Kind: EventRemoteChange, Pulled: resp.Items, Checkpoint: high})

		if len(resp.Items) < d.opts.PullLimit {
			return nil
		}
	}
	return nil
}

// mergeLocal runs fn with the pending queue under the local-model lock, so
// a local edit lands either before the snapshot (and is replayed) or after
// the merge (and builds on it).
func (d *Driver) mergeLocal(ctx context.Context, fn func(pending []Entry) error) error {
	d.localMu.Lock()
	defer d.localMu.Unlock()
	pending, err := d.queue.Snapshot(ctx)
	if err != nil {
		return err
	}
	return fn(pending)
}

// applyLocal writes the server's view of id (nil means deleted) into the
// local read model, then replays still-pending local changes for id on top
// so unsent edits stay visible.
func (d *Driver) applyLocal(ctx context.Context, id string, base *Record, pending []Entry) error {
	rec := base
	for _, e := range pending {
		if e.ID != id {
			continue
		}
		switch e.Type {
		case synckit.ChangeUpsert:
			var doc synckit.Doc
			if rec != nil {
				doc = rec.Doc
			}
			rec = &Record{ID: id, Version: e.Version, Doc: e.Doc.MergeOver(doc)}
		case synckit.ChangeDelete:
			rec = nil
		}
	}

	var err error
	if rec == nil {
		err = d.local.DeleteRecord(ctx, id)
	} else {
		err = d.local.PutRecord(ctx, *rec)
	}
	if err != nil {
		return syncErrors.NewStorageError(syncErrors.OpStore, err).WithMetadata("id", id)
	}
	return nil
}

func (d *Driver) succeed(ctx context.Context, res *CycleResult) {
	recovered := d.backoff.Success()
	d.count(func(s *Stats) {
		s.Cycles++
		s.LastSuccess = time.Now()
		s.LastError = ""
	})
	d.setState(StateIdle)

	d.logger.DebugContext(ctx, "sync cycle completed",
		slog.Int("acked", res.Acked),
		slog.Int("conflicts", res.Conflicts),
		slog.Int("pulled", res.Pulled),
		slog.String("checkpoint", res.Checkpoint.String()),
		slog.Duration("duration", res.Duration))
	d.events.emit(Event{Kind: EventSynced, Checkpoint: res.Checkpoint, Cycle: res})
	if recovered {
		d.logger.InfoContext(ctx, "sync recovered")
		d.events.emit(Event{Kind: EventRecovered})
	}
}

func (d *Driver) fail(ctx context.Context, res *CycleResult, err error, count bool) {
	code := syncErrors.CodeOf(err)
	d.count(func(s *Stats) {
		s.Cycles++
		s.LastError = err.Error()
		if !count {
			return
		}
		switch code {
		case syncErrors.ErrCodeAuthFailure:
			s.AuthFailures++
		case syncErrors.ErrCodeRateLimited:
			s.RateLimited++
		case syncErrors.ErrCodeProtocolFailure, syncErrors.ErrCodeValidationFailure:
			s.ProtocolFailures++
		case syncErrors.ErrCodeStorageFailure:
			s.StorageFailures++
		default:
			s.TransportFailures++
		}
	})
	d.opts.Metrics.RecordSyncErrors("cycle", string(code))

	delay, degraded := d.backoff.Failure()
	d.setState(StateBackoff)

	logger := &logging.Logger{Logger: d.logger}
	logger.LogError(ctx, err, "sync cycle failed",
		slog.Duration("backoff", delay),
		slog.Int("failures", d.backoff.Failures()),
		slog.Int("acked", res.Acked))
	d.events.emit(Event{Kind: EventFailure, Err: err, Delay: delay, Cycle: res})
	if degraded {
		d.logger.WarnContext(ctx, "sync degraded, still retrying", slog.Int("failures", d.backoff.Failures()))
		d.events.emit(Event{Kind: EventDegraded, Err: err})
	}

	stop := d.after(delay, d.endBackoff)
	d.runMu.Lock()
	d.backoffStop = stop
	d.runMu.Unlock()
}

// endBackoff returns to Idle and retries at once if the loop is running.
func (d *Driver) endBackoff() {
	if !d.state.CompareAndSwap(int32(StateBackoff), int32(StateIdle)) {
		return
	}
	d.events.emit(Event{Kind: EventStateChanged, State: StateIdle})
	d.Trigger()
}

// Trigger asks the running loop for a cycle. It reports false when the
// driver is busy or backing off; the trigger is then dropped.
func (d *Driver) Trigger() bool {
	if d.State() != StateIdle {
		return false
	}
	select {
	case d.trigger <- struct{}{}:
	default:
	}
	return true
}

// ReportParked publishes entries the queue cap just parked.
func (d *Driver) ReportParked(entries []Entry) {
	if len(entries) == 0 {
		return
	}
	d.events.emit(Event{Kind: EventParked, Entries: entries})
}

// NotifyOnline reports a network online transition.
func (d *Driver) NotifyOnline() bool {
	return d.Trigger()
}

// Start runs the sync loop until ctx ends or Stop is called: one cycle
// right away, then on every tick and trigger.
func (d *Driver) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.runMu.Lock()
	defer d.runMu.Unlock()
	if d.closed {
		return ErrDriverClosed
	}
	if d.stop != nil {
		return ErrAlreadyRunning
	}
	stop, done := make(chan struct{}), make(chan struct{})
	d.stop, d.done = stop, done
	go d.run(ctx, stop, done)
	return nil
}

func (d *Driver) run(ctx context.Context, stop, done chan struct{}) {
	defer close(done)

	var tick <-chan time.Time
	if d.opts.SyncInterval > 0 {
		ticker := time.NewTicker(d.opts.SyncInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	d.runCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-tick:
			d.runCycle(ctx)
		case <-d.trigger:
			d.runCycle(ctx)
		}
	}
}

func (d *Driver) runCycle(ctx context.Context) {
	// Failures are logged and published by SyncNow.
	_, _ = d.SyncNow(ctx)
}

// Stop halts the loop and the backoff timer. A cycle in flight finishes
// first; its network calls are bounded by RequestTimeout.
func (d *Driver) Stop() error {
	d.runMu.Lock()
	stop, done := d.stop, d.done
	if stop == nil {
		d.runMu.Unlock()
		return ErrNotRunning
	}
	d.stop, d.done = nil, nil
	if d.backoffStop != nil {
		d.backoffStop()
		d.backoffStop = nil
	}
	d.runMu.Unlock()

	close(stop)
	<-done
	// A stopped backoff timer would leave the driver stuck in Backoff.
	if d.state.CompareAndSwap(int32(StateBackoff), int32(StateIdle)) {
		d.events.emit(Event{Kind: EventStateChanged, State: StateIdle})
	}
	return nil
}

// Close stops the loop if running and closes the queue.
func (d *Driver) Close() error {
	if err := d.Stop(); err != nil && !errors.Is(err, ErrNotRunning) {
		return err
	}
	d.runMu.Lock()
	d.closed = true
	if d.backoffStop != nil {
		d.backoffStop()
		d.backoffStop = nil
	}
	d.runMu.Unlock()
	return d.queue.Close()
}

// Stats returns counters and the current queue length.
func (d *Driver) Stats(ctx context.Context) (Stats, error) {
	d.statsMu.Lock()
	s := d.stats
	d.statsMu.Unlock()

	s.State = d.State()
	s.ConsecutiveFailures = d.backoff.Failures()
	s.Degraded = d.backoff.Degraded()
	if s.ConsecutiveFailures > 0 {
		s.Backoff = d.opts.Backoff.Delay(s.ConsecutiveFailures)
	}

	n, err := d.queue.Len(ctx)
	if err != nil {
		return s, err
	}
	s.QueueLength = n
	parked, err := d.queue.Parked(ctx)
	if err != nil {
		return s, err
	}
	s.Parked = len(parked)
	return s, nil
}

func (d *Driver) count(fn func(*Stats)) {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	fn(&d.stats)
}

func (d *Driver) noteCheckpoint(cp cursor.Checkpoint) {
	d.count(func(s *Stats) { s.Checkpoint = cp })
}

// asTransportError makes sure a transport failure carries a class. Bare
// errors, including deadline overruns, are network failures.
func asTransportError(op syncErrors.Operation, err error) error {
	var se *syncErrors.SyncError
	if errors.As(err, &se) {
		return err
	}
	return syncErrors.NewNetworkError(op, err)
}
