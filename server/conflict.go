package server

import (
	"github.com/c0deZ3R0/go-offline-sync/storage"
	"github.com/c0deZ3R0/go-offline-sync/synckit"
)

// ConflictDetector decides whether an incoming change may be applied over
// the stored record. stored is nil when the record does not exist.
type ConflictDetector interface {
	Conflicts(change synckit.Change, stored *storage.Record) bool
}

// ConflictDetectorFunc adapts a function to ConflictDetector.
type ConflictDetectorFunc func(change synckit.Change, stored *storage.Record) bool

func (f ConflictDetectorFunc) Conflicts(change synckit.Change, stored *storage.Record) bool {
	return f(change, stored)
}

// VersionDetector is optimistic concurrency on the record version: an upsert
// conflicts when the record exists and the proposed version does not exceed
// the stored one. Deletes never conflict.
type VersionDetector struct{}

func (VersionDetector) Conflicts(change synckit.Change, stored *storage.Record) bool {
	if change.Type != synckit.ChangeUpsert || stored == nil {
		return false
	}
	return change.Version <= stored.Version
}
