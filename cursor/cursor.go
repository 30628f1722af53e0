// Package cursor holds the checkpoint cursor used by both sides of the sync
// protocol: a server-assigned, strictly increasing position in the change log.
package cursor

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Checkpoint is a position in the change log. Zero means "nothing seen".
type Checkpoint int64

// Zero is the starting cursor of a fresh client.
const Zero Checkpoint = 0

var (
	ErrNegative = errors.New("checkpoint must not be negative")
	ErrSyntax   = errors.New("checkpoint must be an integer")
)

// Parse reads a checkpoint from its decimal text form, as used in the
// `since` query parameter. Empty input parses as Zero.
func Parse(s string) (Checkpoint, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Zero, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return Zero, fmt.Errorf("%w: %q", ErrSyntax, s)
	}
	if n < 0 {
		return Zero, fmt.Errorf("%w: %d", ErrNegative, n)
	}
	return Checkpoint(n), nil
}

func (c Checkpoint) String() string {
	return strconv.FormatInt(int64(c), 10)
}

// IsZero reports whether nothing has been consumed yet.
func (c Checkpoint) IsZero() bool {
	return c == Zero
}

// Compare returns -1, 0 or 1.
func (c Checkpoint) Compare(other Checkpoint) int {
	switch {
	case c < other:
		return -1
	case c > other:
		return 1
	default:
		return 0
	}
}

// Advance returns the larger of c and to. A cursor never regresses.
func (c Checkpoint) Advance(to Checkpoint) Checkpoint {
	if to > c {
		return to
	}
	return c
}

// Max returns the highest checkpoint in cps, or c when none is higher.
func (c Checkpoint) Max(cps ...Checkpoint) Checkpoint {
	out := c
	for _, cp := range cps {
		out = out.Advance(cp)
	}
	return out
}

// ContiguousHigh walks accepted checkpoints upward from c+1 and returns the
// last one reachable without a gap. Entries the caller did not write itself
// may sit in a gap, so the cursor must stop there until a pull delivers them.
func (c Checkpoint) ContiguousHigh(accepted []Checkpoint) Checkpoint {
	if len(accepted) == 0 {
		return c
	}
	sorted := make([]Checkpoint, 0, len(accepted))
	for _, cp := range accepted {
		if cp > c {
			sorted = append(sorted, cp)
		}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	out := c
	for _, cp := range sorted {
		switch {
		case cp == out:
			// duplicate
		case cp == out+1:
			out = cp
		default:
			return out
		}
	}
	return out
}
