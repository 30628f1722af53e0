package synckit

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/c0deZ3R0/go-offline-sync/cursor"
)

var (
	// ErrInvalidChange marks a change the server refuses to process.
	ErrInvalidChange = errors.New("invalid change")

	// ErrMalformed marks a server response that does not match the schema.
	ErrMalformed = errors.New("malformed response")
)

// Validate checks the shape of a change as submitted by a client.
func (c Change) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidChange)
	}
	if !c.Type.Valid() {
		return fmt.Errorf("%w: %s: unknown type %q", ErrInvalidChange, c.ID, c.Type)
	}
	if c.OriginClientID == "" {
		return fmt.Errorf("%w: %s: missing originClientId", ErrInvalidChange, c.ID)
	}
	if c.Version < 0 {
		return fmt.Errorf("%w: %s: negative version %d", ErrInvalidChange, c.ID, c.Version)
	}
	if c.Type == ChangeUpsert {
		if c.Doc == nil {
			return fmt.Errorf("%w: %s: upsert without doc", ErrInvalidChange, c.ID)
		}
		if c.Version < 1 {
			return fmt.Errorf("%w: %s: upsert version must be positive", ErrInvalidChange, c.ID)
		}
	}
	return nil
}

// Validate checks every change in the request and the batch size. A maxBatch
// of zero means unbounded.
func (r PushRequest) Validate(maxBatch int) error {
	if r.Changes == nil {
		return fmt.Errorf("%w: missing changes", ErrInvalidChange)
	}
	if maxBatch > 0 && len(r.Changes) > maxBatch {
		return fmt.Errorf("%w: batch of %d exceeds limit %d", ErrInvalidChange, len(r.Changes), maxBatch)
	}
	for i, c := range r.Changes {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("change %d: %w", i, err)
		}
	}
	return nil
}

// ResultError describes one push result the client could not trust. The
// change it belongs to stays queued.
type ResultError struct {
	Index int
	ID    string
	Err   error
}

func (e ResultError) Error() string {
	return fmt.Sprintf("result %d (%s): %v", e.Index, e.ID, e.Err)
}

func (e ResultError) Unwrap() error { return e.Err }

// The decode-side mirrors use pointers so absent required fields are told
// apart from zero values.
type wireResult struct {
	ID            *string            `json:"id"`
	Status        *Status            `json:"status"`
	LatestVersion *int64             `json:"latestVersion"`
	LatestDoc     Doc                `json:"latestDoc"`
	Checkpoint    *cursor.Checkpoint `json:"checkpoint"`
}

type wirePushResponse struct {
	Results    []json.RawMessage  `json:"results"`
	Checkpoint *cursor.Checkpoint `json:"checkpoint"`
	Truncated  bool               `json:"truncated"`
	Error      string             `json:"error"`
}

type wireEntry struct {
	ID             *string            `json:"id"`
	Type           *ChangeType        `json:"type"`
	Checkpoint     *cursor.Checkpoint `json:"checkpoint"`
	Version        int64              `json:"version"`
	Doc            Doc                `json:"doc"`
	OriginClientID string             `json:"originClientId"`
	At             time.Time          `json:"at"`
}

type wirePullResponse struct {
	Items *[]wireEntry `json:"items"`
}

type wireCheckpoint struct {
	Checkpoint *cursor.Checkpoint `json:"checkpoint"`
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

// DecodePushResponse parses and validates a push response against the batch
// that was sent. Envelope problems return an error. Problems with individual
// results come back as ResultErrors; those positions hold a zero Result.
func DecodePushResponse(data []byte, sent []Change) (*PushResponse, []ResultError, error) {
	var w wirePushResponse
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, nil, malformed("push: %v", err)
	}
	if w.Checkpoint == nil {
		return nil, nil, malformed("push: missing checkpoint")
	}
	if *w.Checkpoint < 0 {
		return nil, nil, malformed("push: negative checkpoint %d", *w.Checkpoint)
	}
	if w.Results == nil {
		return nil, nil, malformed("push: missing results")
	}
	if len(w.Results) > len(sent) {
		return nil, nil, malformed("push: %d results for %d changes", len(w.Results), len(sent))
	}

	resp := &PushResponse{
		Results:    make([]Result, len(w.Results)),
		Checkpoint: *w.Checkpoint,
		Truncated:  w.Truncated,
		Error:      w.Error,
	}

	var bad []ResultError
	for i, raw := range w.Results {
		res, err := decodeResult(raw, sent[i])
		if err != nil {
			bad = append(bad, ResultError{Index: i, ID: sent[i].ID, Err: err})
			continue
		}
		resp.Results[i] = res
	}

	// A short answer without the truncated flag leaves the tail unacknowledged.
	if !w.Truncated {
		for i := len(w.Results); i < len(sent); i++ {
			bad = append(bad, ResultError{Index: i, ID: sent[i].ID, Err: malformed("missing result")})
		}
	}
	return resp, bad, nil
}

func decodeResult(raw json.RawMessage, sent Change) (Result, error) {
	var w wireResult
	if err := json.Unmarshal(raw, &w); err != nil {
		return Result{}, malformed("%v", err)
	}
	if w.ID == nil || *w.ID == "" {
		return Result{}, malformed("missing id")
	}
	if *w.ID != sent.ID {
		return Result{}, malformed("id %q does not match change %q", *w.ID, sent.ID)
	}
	if w.Status == nil {
		return Result{}, malformed("missing status")
	}

	res := Result{ID: *w.ID, Status: *w.Status}
	switch res.Status {
	case StatusOK:
		if w.Checkpoint != nil {
			if *w.Checkpoint < 0 {
				return Result{}, malformed("negative checkpoint")
			}
			res.Checkpoint = *w.Checkpoint
		}
	case StatusConflict:
		if w.LatestVersion == nil {
			return Result{}, malformed("conflict without latestVersion")
		}
		if *w.LatestVersion < 1 {
			return Result{}, malformed("conflict with latestVersion %d", *w.LatestVersion)
		}
		res.LatestVersion = *w.LatestVersion
		res.LatestDoc = w.LatestDoc
	default:
		return Result{}, malformed("unknown status %q", res.Status)
	}
	return res, nil
}

// DecodePullResponse parses and validates a pull page. Every entry must lie
// after since and the page must not exceed limit. Any bad entry rejects the
// whole page, since skipping one would let the cursor pass it.
func DecodePullResponse(data []byte, since cursor.Checkpoint, limit int) (*PullResponse, error) {
	var w wirePullResponse
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, malformed("pull: %v", err)
	}
	if w.Items == nil {
		return nil, malformed("pull: missing items")
	}
	items := *w.Items
	if limit > 0 && len(items) > limit {
		return nil, malformed("pull: %d items exceed limit %d", len(items), limit)
	}

	out := &PullResponse{Items: make([]ChangeLogEntry, 0, len(items))}
	prev := since
	for i, e := range items {
		switch {
		case e.ID == nil || *e.ID == "":
			return nil, malformed("pull: item %d: missing id", i)
		case e.Type == nil || !e.Type.Valid():
			return nil, malformed("pull: item %d: bad type", i)
		case e.Checkpoint == nil:
			return nil, malformed("pull: item %d: missing checkpoint", i)
		case *e.Checkpoint <= since:
			return nil, malformed("pull: item %d: checkpoint %d not after %d", i, *e.Checkpoint, since)
		case *e.Checkpoint <= prev:
			// Applying out of order could let an older entry overwrite a newer one.
			return nil, malformed("pull: item %d: checkpoint %d not after previous %d", i, *e.Checkpoint, prev)
		case *e.Type == ChangeUpsert && e.Doc == nil:
			return nil, malformed("pull: item %d: upsert without doc", i)
		}
		prev = *e.Checkpoint
		out.Items = append(out.Items, ChangeLogEntry{
			ID:             *e.ID,
			Type:           *e.Type,
			Checkpoint:     *e.Checkpoint,
			Version:        e.Version,
			Doc:            e.Doc,
			OriginClientID: e.OriginClientID,
			At:             e.At,
		})
	}
	return out, nil
}

// DecodeCheckpointResponse parses a checkpoint answer or notification.
func DecodeCheckpointResponse(data []byte) (cursor.Checkpoint, error) {
	var w wireCheckpoint
	if err := json.Unmarshal(data, &w); err != nil {
		return 0, malformed("checkpoint: %v", err)
	}
	if w.Checkpoint == nil {
		return 0, malformed("checkpoint: missing checkpoint")
	}
	if *w.Checkpoint < 0 {
		return 0, malformed("checkpoint: negative value %d", *w.Checkpoint)
	}
	return *w.Checkpoint, nil
}
