// Package synckit defines the wire protocol shared by the sync server and
// its clients: changes, per-change results, change log entries and the
// push/pull/checkpoint request and response envelopes.
package synckit

import (
	"time"

	"github.com/c0deZ3R0/go-offline-sync/cursor"
)

// ChangeType is the kind of mutation a Change carries.
type ChangeType string

const (
	ChangeUpsert ChangeType = "upsert"
	ChangeDelete ChangeType = "delete"
)

// Valid reports whether t is a known change type.
func (t ChangeType) Valid() bool {
	return t == ChangeUpsert || t == ChangeDelete
}

// Status is the outcome the server reports for one pushed change.
type Status string

const (
	StatusOK       Status = "ok"
	StatusConflict Status = "conflict"
)

// Change is a proposed mutation of one record.
//
// For an upsert, Version is the new version the client proposes. Timestamp
// orders the local queue only; the server never looks at it.
type Change struct {
	ID             string     `json:"id"`
	Type           ChangeType `json:"type"`
	Doc            Doc        `json:"doc,omitempty"`
	Version        int64      `json:"version"`
	OriginClientID string     `json:"originClientId"`
	Timestamp      int64      `json:"timestamp"`
}

// Result is the server's verdict on a single change.
type Result struct {
	ID            string `json:"id"`
	Status        Status `json:"status"`
	LatestVersion int64  `json:"latestVersion,omitempty"`
	LatestDoc     Doc    `json:"latestDoc,omitempty"`

	// Checkpoint is the change log position assigned to an accepted change.
	// Zero for conflicts and for deletes of records that were already gone.
	Checkpoint cursor.Checkpoint `json:"checkpoint,omitempty"`
}

// ChangeLogEntry is an immutable, server-owned record of an applied change.
type ChangeLogEntry struct {
	ID             string            `json:"id"`
	Type           ChangeType        `json:"type"`
	Checkpoint     cursor.Checkpoint `json:"checkpoint"`
	Version        int64             `json:"version,omitempty"`
	Doc            Doc               `json:"doc,omitempty"`
	OriginClientID string            `json:"originClientId,omitempty"`
	At             time.Time         `json:"at"`
}

// PushRequest is the body of POST /sync/push.
type PushRequest struct {
	Changes []Change `json:"changes"`
}

// PushResponse answers a push. When Truncated is set the server stopped
// part way through the batch; Results covers exactly the changes it
// processed, in order.
type PushResponse struct {
	Results    []Result          `json:"results"`
	Checkpoint cursor.Checkpoint `json:"checkpoint"`
	Truncated  bool              `json:"truncated,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// PullResponse is the body of GET /sync/pull.
type PullResponse struct {
	Items []ChangeLogEntry `json:"items"`
}

// CheckpointResponse is the body of GET /sync/checkpoint and of every
// websocket notification.
type CheckpointResponse struct {
	Checkpoint cursor.Checkpoint `json:"checkpoint"`
}

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Wire paths.
const (
	PathPush       = "/sync/push"
	PathPull       = "/sync/pull"
	PathCheckpoint = "/sync/checkpoint"
	PathWatch      = "/sync/ws"
	PathEvents     = "/sync/events"
)

// Pull limits.
const (
	DefaultPullLimit = 100
	MaxPullLimit     = 1000
)

// ClampLimit applies the default and ceiling to a requested pull limit.
func ClampLimit(limit, def, max int) int {
	if def <= 0 {
		def = DefaultPullLimit
	}
	if max <= 0 {
		max = MaxPullLimit
	}
	if limit <= 0 {
		limit = def
	}
	if limit > max {
		limit = max
	}
	return limit
}
