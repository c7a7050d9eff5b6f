package ledger

import (
	"context"
	"errors"
)

// ErrUnknownAgent indicates an append referencing an agent that was never
// registered. The existing chain is untouched.
var ErrUnknownAgent = errors.New("ledger: unknown agent")

// ErrUnavailable indicates the durable medium could not be written or read.
var ErrUnavailable = errors.New("ledger: storage unavailable")

// ReadOptions selects a range of an agent's chain.
type ReadOptions struct {
	// AfterSeq returns records with Seq greater than this value. Zero reads
	// from the start of the chain.
	AfterSeq int64
	// Limit caps the number of returned records. Zero means no cap.
	Limit int
	// MinTier filters out records below the given risk tier when non-empty.
	MinTier string
}

// Ledger is the append-only audit store. Append assigns Seq and ChainHash
// against the agent's current tail within one atomic operation; concurrent
// appends for the same agent are serialized, appends for different agents
// proceed independently. A successful Append is durable.
type Ledger interface {
	Append(ctx context.Context, rec *Record) error
	Read(ctx context.Context, agentID string, opts ReadOptions) ([]*Record, error)
	// Verify recomputes the full chain for an agent. Read-only.
	Verify(ctx context.Context, agentID string) (VerifyResult, error)
}

// tierRank mirrors the classifier's ordering for read-side filtering without
// importing the classify package.
var tierRank = map[string]int{
	"minimal":      0,
	"limited":      1,
	"high":         2,
	"unacceptable": 3,
}

// TierAtLeast reports whether tier is at or above min. Unknown tiers rank
// below minimal so filters never hide known-severity records by accident.
func TierAtLeast(tier, min string) bool {
	if min == "" {
		return true
	}
	r, ok := tierRank[tier]
	if !ok {
		r = -1
	}
	return r >= tierRank[min]
}
