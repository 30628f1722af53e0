package client

import (
	"errors"
	"fmt"

	"github.com/c0deZ3R0/go-offline-sync/synckit"
)

// ErrInvalidReplacement marks a resolver result the driver refused to send.
var ErrInvalidReplacement = errors.New("invalid conflict replacement")

// ServerState is the authoritative state returned with a conflict.
type ServerState struct {
	LatestVersion int64
	LatestDoc     synckit.Doc
}

// ConflictResolver decides what happens to a change the server rejected.
// Returning nil drops the local change (server wins). A non-nil replacement
// is queued in place of the original and must carry a version above
// server.LatestVersion.
type ConflictResolver interface {
	Resolve(local synckit.Change, server ServerState) *synckit.Change
}

// ResolverFunc adapts a function to ConflictResolver.
type ResolverFunc func(local synckit.Change, server ServerState) *synckit.Change

func (f ResolverFunc) Resolve(local synckit.Change, server ServerState) *synckit.Change {
	return f(local, server)
}

// ServerWins drops every conflicting local change.
type ServerWins struct{}

func (ServerWins) Resolve(synckit.Change, ServerState) *synckit.Change { return nil }

// RebaseResolver keeps the client's intent: the local fields are merged over
// the server document and proposed at LatestVersion+1.
type RebaseResolver struct{}

func (RebaseResolver) Resolve(local synckit.Change, server ServerState) *synckit.Change {
	out := local
	out.Version = server.LatestVersion + 1
	if local.Type == synckit.ChangeUpsert {
		out.Doc = local.Doc.MergeOver(server.LatestDoc)
	}
	return &out
}

// validateReplacement enforces what a resolver may return: the same record,
// a well-formed change and a version strictly above the server's.
func validateReplacement(local, replacement synckit.Change, server ServerState) error {
	if replacement.ID != local.ID {
		return fmt.Errorf("%w: id %q does not match %q", ErrInvalidReplacement, replacement.ID, local.ID)
	}
	if replacement.Version <= server.LatestVersion {
		return fmt.Errorf("%w: version %d must exceed latest version %d", ErrInvalidReplacement, replacement.Version, server.LatestVersion)
	}
	if err := replacement.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidReplacement, err)
	}
	return nil
}
