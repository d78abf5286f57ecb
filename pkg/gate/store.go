package gate

import (
	"time"

	"github.com/shopspring/decimal"
)

// SpendEvent is a committed spend against a ledger. Events are
// append-only; stale events are pruned lazily once they fall outside
// the active window.
type SpendEvent struct {
	// Timestamp is when the spend was admitted.
	Timestamp time.Time

	// Amount is the committed amount.
	Amount decimal.Decimal
}

// Reservation is a pending, uncommitted claim on budget. It exists
// only inside a store between Reserve and Commit/Release, and its
// amount counts toward the ledger's current spend for its whole life.
type Reservation struct {
	// ID is the opaque handle returned by Reserve.
	ID string

	// Ledger is the stream the reservation counts against.
	Ledger Ledger

	// Timestamp is the admission time. Commit records the final event
	// at this timestamp, not at commit time.
	Timestamp time.Time

	// Amount is the reserved estimate.
	Amount decimal.Decimal
}

// Store is the contract for spend accounting backends.
//
// Implementations must be safe for concurrent use. Every operation
// takes the clock reading from the caller; a store never reads a
// clock itself, which keeps accounting deterministic under test.
//
// Window semantics: an event or reservation counts toward current
// spend iff its timestamp is >= now-window (inclusive), recomputed on
// every read. A zero window means all history counts (lifetime
// budget). Pruning of stale committed events is lazy, a side effect
// of access, never proactive.
type Store interface {
	// CheckAndReserve atomically computes the current in-window spend
	// (committed plus reserved) and, if current+amount would not
	// exceed the budget, records amount as a committed event at now.
	// Returns the total after the operation and whether it was
	// admitted. A rejection has no side effect and returns the
	// unchanged total.
	CheckAndReserve(ledger Ledger, now time.Time, amount decimal.Decimal, budget Budget) (decimal.Decimal, bool, error)

	// Reserve applies the same admission test but on success creates a
	// pending reservation instead of a committed event. Returns the
	// reservation id ("" when rejected) and the total after the
	// operation.
	Reserve(ledger Ledger, now time.Time, amount decimal.Decimal, budget Budget) (string, decimal.Decimal, error)

	// Commit removes the reservation and appends a committed event at
	// the reservation's original timestamp with the actual amount,
	// which may be larger or smaller than the estimate. Commit is not
	// idempotent: an unknown or already-consumed id returns an error
	// matching ErrReservationNotFound.
	Commit(id string, actual decimal.Decimal) error

	// Release removes the reservation with no committed event. Same
	// not-found semantics as Commit.
	Release(id string) error

	// GetSpend returns committed-in-window plus reserved-in-window
	// with no side effect.
	GetSpend(ledger Ledger, now time.Time, window time.Duration) (decimal.Decimal, error)

	// Clear drops all committed events and live reservations for one
	// ledger.
	Clear(ledger Ledger) error

	// ClearAll drops all state for every ledger.
	ClearAll() error
}
