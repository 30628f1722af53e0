package server

import (
	"sync"

	"github.com/c0deZ3R0/go-offline-sync/cursor"
)

// Notifier fans the latest checkpoint out to subscribers. Each subscriber
// holds at most one pending value; a slow reader sees only the newest.
type Notifier struct {
	mu     sync.Mutex
	latest cursor.Checkpoint
	nextID int
	subs   map[int]chan cursor.Checkpoint
}

// NewNotifier returns a notifier with no subscribers.
func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[int]chan cursor.Checkpoint)}
}

// Subscribe registers a listener. The channel first receives the latest
// known checkpoint when there is one. Call the returned function to
// unsubscribe; it closes the channel.
func (n *Notifier) Subscribe() (<-chan cursor.Checkpoint, func()) {
	ch := make(chan cursor.Checkpoint, 1)

	n.mu.Lock()
	id := n.nextID
	n.nextID++
	n.subs[id] = ch
	if n.latest > 0 {
		ch <- n.latest
	}
	n.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subs, id)
			n.mu.Unlock()
			close(ch)
		})
	}
}

// Publish announces cp. Values not above the last published one are ignored.
func (n *Notifier) Publish(cp cursor.Checkpoint) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if cp <= n.latest {
		return
	}
	n.latest = cp

	for _, ch := range n.subs {
		// Replace an unread value instead of blocking.
		select {
		case <-ch:
		default:
		}
		ch <- cp
	}
}

// Latest returns the highest published checkpoint.
func (n *Notifier) Latest() cursor.Checkpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.latest
}

// Subscribers returns the current subscriber count.
func (n *Notifier) Subscribers() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs)
}
