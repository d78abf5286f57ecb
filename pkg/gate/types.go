package gate

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
)

// Mode defines what happens to the caller when a spend is blocked.
type Mode string

const (
	// ModeHard turns a blocked decision into an error at Enforce time.
	ModeHard Mode = "hard"

	// ModeSoft returns the blocked decision as data; Enforce is a no-op.
	ModeSoft Mode = "soft"
)

// StoreErrorMode defines behavior when the store backend fails.
type StoreErrorMode string

const (
	// FailClosed blocks the spend when the store fails (safe default).
	FailClosed StoreErrorMode = "fail_closed"

	// FailOpen allows the spend when the store fails. The spend is not
	// tracked for that call.
	FailOpen StoreErrorMode = "fail_open"
)

// Status is the outcome of a spend evaluation.
type Status string

const (
	// StatusAllow permits the spend; on Check/Reserve paths the amount
	// is already accounted for when this status is returned.
	StatusAllow Status = "allow"

	// StatusBlock rejects the spend with no side effect.
	StatusBlock Status = "block"
)

// BlockReason explains a decision that did not follow the normal
// allow path.
type BlockReason string

const (
	// ReasonBudgetExceeded means the spend would push the window total
	// above MaxSpend.
	ReasonBudgetExceeded BlockReason = "budget_exceeded"

	// ReasonStoreError means the accounting backend failed and the
	// budget's StoreErrorMode dictated the status.
	ReasonStoreError BlockReason = "store_error"
)

// GlobalPrincipal is the principal used when a ledger is not scoped
// to a specific user, team, or key.
const GlobalPrincipal = "global"

// DefaultWindow is the rolling window applied by NewBudget.
const DefaultWindow = time.Hour

// Error types for budget violations and caller misuse.
var (
	// ErrBudgetExceeded is the target of errors returned by Enforce and
	// the guard adapters when a spend is blocked.
	ErrBudgetExceeded = errors.New("budget exceeded")

	// ErrStoreFailure is returned by read paths when the storage
	// backend fails.
	ErrStoreFailure = errors.New("store backend failure")

	// ErrReservationNotFound is returned by Commit/Release for an
	// unknown or already-consumed reservation id.
	ErrReservationNotFound = errors.New("reservation not found")

	// ErrInvalidBudget is returned when budget validation fails.
	ErrInvalidBudget = errors.New("invalid budget")
)

// Ledger identifies a spend-tracked stream. Ledgers are compared by
// value and used as the store's sharding key; construct them and pass
// them around freely, never mutate shared ones.
//
// Examples:
//
//	gate.NewLedgerFor("openai", "gpt-4", "user:123")  // per-user API spend
//	gate.NewLedgerFor("anthropic", "claude", "team:eng")
//	gate.NewLedger("infra", "compute")                // global compute budget
type Ledger struct {
	Namespace string
	Resource  string
	Principal string
}

// NewLedger creates a ledger scoped to the global principal.
func NewLedger(namespace, resource string) Ledger {
	return Ledger{Namespace: namespace, Resource: resource, Principal: GlobalPrincipal}
}

// NewLedgerFor creates a ledger scoped to a specific principal.
// An empty principal falls back to GlobalPrincipal.
func NewLedgerFor(namespace, resource, principal string) Ledger {
	if principal == "" {
		principal = GlobalPrincipal
	}
	return Ledger{Namespace: namespace, Resource: resource, Principal: principal}
}

// String returns a human-readable form, ns:resource@principal.
func (l Ledger) String() string {
	return fmt.Sprintf("%s:%s@%s", l.Namespace, l.Resource, l.Principal)
}

// Key returns a storage-friendly key for this ledger.
func (l Ledger) Key() string {
	return fmt.Sprintf("bg:%s:%s:%s", l.Namespace, l.Resource, l.Principal)
}

// Budget is the spend policy evaluated against a ledger.
//
// A zero Window means the budget is evaluated over the ledger's whole
// lifetime. The zero values of Mode and OnStoreError behave as
// ModeHard and FailClosed, so a literal Budget{MaxSpend: x} gets the
// safety-preferring defaults.
type Budget struct {
	// MaxSpend is the maximum allowed spend within Window. Must be
	// non-negative. Exact decimal comparison, never floating point.
	MaxSpend decimal.Decimal

	// Window is the rolling window the budget applies over.
	// Zero means lifetime. Must not be negative.
	Window time.Duration

	// Mode controls whether Enforce turns a block into an error.
	Mode Mode

	// OnStoreError controls the decision when the store backend fails.
	OnStoreError StoreErrorMode

	// Unlimited marks the implicit budget used for unregistered
	// ledgers. Unlimited budgets always admit; spend is still
	// recorded, and Remaining on their decisions is meaningless.
	Unlimited bool
}

// NewBudget creates a budget with the default one-hour window, hard
// enforcement, and fail-closed store-error policy.
func NewBudget(maxSpend decimal.Decimal) (Budget, error) {
	b := Budget{
		MaxSpend:     maxSpend,
		Window:       DefaultWindow,
		Mode:         ModeHard,
		OnStoreError: FailClosed,
	}
	if err := b.Validate(); err != nil {
		return Budget{}, err
	}
	return b, nil
}

// UnlimitedBudget returns the implicit budget applied to ledgers with
// no registered budget.
func UnlimitedBudget() Budget {
	return Budget{
		Mode:         ModeHard,
		OnStoreError: FailClosed,
		Unlimited:    true,
	}
}

// Validate checks construction constraints: MaxSpend must be
// non-negative and Window must not be negative.
func (b Budget) Validate() error {
	if b.MaxSpend.IsNegative() {
		return fmt.Errorf("%w: max_spend must be >= 0, got %s", ErrInvalidBudget, b.MaxSpend)
	}
	if b.Window < 0 {
		return fmt.Errorf("%w: window must be > 0 or zero for lifetime, got %s", ErrInvalidBudget, b.Window)
	}
	switch b.Mode {
	case "", ModeHard, ModeSoft:
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidBudget, b.Mode)
	}
	switch b.OnStoreError {
	case "", FailClosed, FailOpen:
	default:
		return fmt.Errorf("%w: unknown on_store_error %q", ErrInvalidBudget, b.OnStoreError)
	}
	return nil
}

// remaining computes max(0, MaxSpend - spent). Zero for unlimited
// budgets, where the value has no meaning.
func (b Budget) remaining(spent decimal.Decimal) decimal.Decimal {
	if b.Unlimited {
		return decimal.Zero
	}
	r := b.MaxSpend.Sub(spent)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

// Decision is the immutable outcome of one spend evaluation.
// Decisions are plain values, safe to share across goroutines.
type Decision struct {
	// Status is the verdict.
	Status Status

	// Ledger and Budget are what the evaluation ran against.
	Ledger Ledger
	Budget Budget

	// Reason is set when the decision did not follow the normal allow
	// path (budget exceeded, or store error under either policy).
	Reason BlockReason

	// Message is a human-readable explanation for blocked or
	// store-error decisions.
	Message string

	// SpentInWindow is the accounting total at evaluation time. When
	// allowed, it includes the just-reserved amount.
	SpentInWindow decimal.Decimal

	// Requested is the amount asked for.
	Requested decimal.Decimal

	// Remaining is max(0, MaxSpend - SpentInWindow).
	Remaining decimal.Decimal
}

// Allowed reports whether the spend may proceed.
func (d Decision) Allowed() bool { return d.Status == StatusAllow }

// Blocked reports whether the spend was rejected.
func (d Decision) Blocked() bool { return d.Status == StatusBlock }

// LogValue implements slog.LogValuer so decisions can be logged
// structurally for audit trails.
func (d Decision) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("status", string(d.Status)),
		slog.String("ledger", d.Ledger.String()),
		slog.String("spent_in_window", d.SpentInWindow.String()),
		slog.String("requested", d.Requested.String()),
		slog.String("remaining", d.Remaining.String()),
	}
	if d.Reason != "" {
		attrs = append(attrs, slog.String("reason", string(d.Reason)))
	}
	if d.Message != "" {
		attrs = append(attrs, slog.String("message", d.Message))
	}
	return slog.GroupValue(attrs...)
}

// BudgetError is returned by Enforce and the guard adapters when a
// blocked decision must stop the call chain. It wraps
// ErrBudgetExceeded (or ErrStoreFailure for store-error blocks) and
// carries the triggering decision.
type BudgetError struct {
	Decision Decision
}

// Error implements the error interface.
func (e *BudgetError) Error() string {
	if e.Decision.Message != "" {
		return e.Decision.Message
	}
	return fmt.Sprintf("budget exceeded for %s: requested %s, remaining %s",
		e.Decision.Ledger, e.Decision.Requested, e.Decision.Remaining)
}

// Unwrap returns the sentinel matching the block reason.
func (e *BudgetError) Unwrap() error {
	if e.Decision.Reason == ReasonStoreError {
		return ErrStoreFailure
	}
	return ErrBudgetExceeded
}

// Result pairs a Decision with the value produced by a guarded call.
// The internal tag distinguishes "the call legitimately produced a
// zero or nil value" from "the call never ran because it was
// blocked".
type Result[T any] struct {
	// Decision is the evaluation that gated the call.
	Decision Decision

	value    T
	hasValue bool
}

// NewResult creates a result carrying a produced value.
func NewResult[T any](decision Decision, value T) Result[T] {
	return Result[T]{Decision: decision, value: value, hasValue: true}
}

// BlockedResult creates a result for a call that never ran.
func BlockedResult[T any](decision Decision) Result[T] {
	return Result[T]{Decision: decision}
}

// OK reports whether the decision allowed the call.
func (r Result[T]) OK() bool { return r.Decision.Allowed() }

// HasValue reports whether the guarded call ran and produced a value.
func (r Result[T]) HasValue() bool { return r.hasValue }

// Value returns the produced value and whether one is present.
func (r Result[T]) Value() (T, bool) { return r.value, r.hasValue }

// ValueOr returns the produced value, or def when the call was
// blocked.
func (r Result[T]) ValueOr(def T) T {
	if !r.hasValue {
		return def
	}
	return r.value
}

// MustValue returns the produced value and panics when the call was
// blocked. Use Value or ValueOr when the block path is expected.
func (r Result[T]) MustValue() T {
	if !r.hasValue {
		panic(fmt.Sprintf("budgetgate: no value: %s", r.Decision.Message))
	}
	return r.value
}
