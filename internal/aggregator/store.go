package aggregator

import (
	"context"
	"errors"
)

// ErrStorage marks failures of the underlying store. Ingestion that fails with it
// left nothing behind and may be retried by redelivering the block.
var ErrStorage = errors.New("storage unavailable")

// Tx is the view of one chain's tables inside a single transaction.
type Tx interface {
	Sample(ctx context.Context, id string) (Sample, bool, error)
	Samples(ctx context.Context, ids []string) (map[string]Sample, error)
	InsertSample(ctx context.Context, sample Sample) error
	Membership(ctx context.Context, kind WindowKind) ([]string, error)
	SetMembership(ctx context.Context, kind WindowKind, ids []string) error
	State(ctx context.Context) (State, error)
	SetState(ctx context.Context, state State) error
}

// Store persists samples, window memberships and aggregator state per chain.
type Store interface {
	// Apply runs fn in one transaction. Nothing fn wrote is visible unless it returns nil.
	Apply(ctx context.Context, chainID string, fn func(ctx context.Context, tx Tx) error) error
	// State returns the last committed state, or EmptyState when none exists.
	State(ctx context.Context, chainID string) (State, error)
}

// SampleLister is implemented by stores that can enumerate samples for reporting.
type SampleLister interface {
	ListSamples(ctx context.Context, chainID string, from, to uint64) ([]Sample, error)
	RecentSamples(ctx context.Context, chainID string, limit int) ([]Sample, error)
}

// CursorStore tracks follower progress per chain.
type CursorStore interface {
	Cursor(ctx context.Context, chainID string) (height uint64, ok bool, err error)
	SetCursor(ctx context.Context, chainID string, height uint64) error
}
