package client

import (
	"log/slog"
	"sync"
	"time"

	"github.com/c0deZ3R0/go-offline-sync/cursor"
	"github.com/c0deZ3R0/go-offline-sync/synckit"
)

// EventKind names what happened.
type EventKind string

const (
	EventStateChanged EventKind = "state_changed"
	EventSynced       EventKind = "synced"
	EventConflict     EventKind = "conflict"
	EventFailure      EventKind = "failure"
	EventDegraded     EventKind = "degraded"
	EventRecovered    EventKind = "recovered"
	EventParked       EventKind = "parked"
	EventRemoteChange EventKind = "remote_change"
)

// Event is delivered to subscribers. Only the fields relevant to Kind are
// set.
type Event struct {
	Kind EventKind
	At   time.Time

	// EventStateChanged
	State State

	// EventFailure: the error and the backoff delay before the next try.
	// EventConflict carries a conflict-class error in Err as well.
	Err   error
	Delay time.Duration

	// EventConflict: the rejected change, the server state and what the
	// resolver did with it.
	Change      *synckit.Change
	Server      *ServerState
	Replacement *synckit.Change

	// EventParked
	Entries []Entry

	// EventSynced and EventRemoteChange
	Checkpoint cursor.Checkpoint
	Pulled     []synckit.ChangeLogEntry
	Cycle      *CycleResult
}

// broadcaster holds subscribers. Delivery is synchronous, in subscription
// order, outside any driver lock.
type broadcaster struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]func(Event)
	order  []int
	logger *slog.Logger
}

func newBroadcaster(logger *slog.Logger) *broadcaster {
	return &broadcaster{subs: make(map[int]func(Event)), logger: logger}
}

func (b *broadcaster) subscribe(fn func(Event)) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	b.order = append(b.order, id)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			for i, v := range b.order {
				if v == id {
					b.order = append(b.order[:i], b.order[i+1:]...)
					break
				}
			}
		})
	}
}

func (b *broadcaster) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *broadcaster) emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	b.mu.Lock()
	fns := make([]func(Event), 0, len(b.order))
	for _, id := range b.order {
		fns = append(fns, b.subs[id])
	}
	b.mu.Unlock()

	for _, fn := range fns {
		b.deliver(fn, ev)
	}
}

func (b *broadcaster) deliver(fn func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("subscriber panicked", slog.String("event", string(ev.Kind)), slog.Any("panic", r))
		}
	}()
	fn(ev)
}
