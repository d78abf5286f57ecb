package gate

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
)

// Clock is an injectable time source. Tests substitute a controllable
// clock for deterministic window behavior.
type Clock func() time.Time

// DecisionListener receives every decision an engine produces, allow
// and block, in emission order for that engine. Listeners run after
// all engine and store locks are released; a panicking listener is
// recovered, counted, and never alters the decision.
type DecisionListener func(Decision)

// Config contains configuration for an Engine. The zero value is
// usable: it yields an engine backed by a fresh MemoryStore, the wall
// clock, and the default logger, with metrics disabled.
type Config struct {
	// Store is the accounting backend. Defaults to NewMemoryStore().
	Store Store

	// Clock supplies evaluation timestamps. Defaults to time.Now.
	Clock Clock

	// Logger is used for listener-failure reports. Defaults to
	// slog.Default().
	Logger *slog.Logger

	// Metrics enables Prometheus instrumentation when non-nil.
	Metrics *Metrics
}

// Engine gates spends against per-ledger budgets.
//
// The engine supports two admission shapes:
//
//  1. Fixed cost: the cost is known before execution. Check performs
//     an atomic check-and-reserve; an ALLOW decision means the spend
//     is already recorded.
//  2. Bounded dynamic cost: the cost is known only after execution
//     but bounded by an estimate. Reserve admits the estimate,
//     Commit records the actual, Release discards the claim.
//
// Every public operation performs exactly one store call; the store
// call is the atomic unit. Engines are safe for concurrent use from
// multiple goroutines sharing one instance.
type Engine struct {
	store   Store
	clock   Clock
	logger  *slog.Logger
	metrics *Metrics

	// mu guards the budget registry and listener list.
	mu        sync.RWMutex
	budgets   map[Ledger]Budget
	listeners []DecisionListener

	listenerErrors atomic.Uint64
}

// NewEngine creates an engine from the given configuration.
func NewEngine(cfg Config) *Engine {
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		store:   cfg.Store,
		clock:   cfg.Clock,
		logger:  cfg.Logger.With("component", "budgetgate.engine"),
		metrics: cfg.Metrics,
		budgets: make(map[Ledger]Budget),
	}
}

// Register associates a budget with a ledger, overwriting any prior
// association. The budget takes effect on the next evaluation.
func (e *Engine) Register(ledger Ledger, budget Budget) error {
	if err := budget.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	e.budgets[ledger] = budget
	e.mu.Unlock()
	return nil
}

// BudgetFor returns the registered budget for a ledger, or the
// implicit unlimited budget when none is registered.
func (e *Engine) BudgetFor(ledger Ledger) Budget {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if b, ok := e.budgets[ledger]; ok {
		return b
	}
	return UnlimitedBudget()
}

// OnDecision registers a listener invoked with every produced
// decision, for audit and metrics.
func (e *Engine) OnDecision(listener DecisionListener) {
	e.mu.Lock()
	e.listeners = append(e.listeners, listener)
	e.mu.Unlock()
}

// ListenerErrors returns the count of recovered listener panics.
func (e *Engine) ListenerErrors() uint64 {
	return e.listenerErrors.Load()
}

// Check atomically admits a fixed-cost spend against the ledger's
// registered budget. An ALLOW decision means the amount is already
// recorded; a BLOCK decision has no side effect.
func (e *Engine) Check(ledger Ledger, amount decimal.Decimal) Decision {
	return e.CheckWith(ledger, amount, e.BudgetFor(ledger))
}

// CheckWith is Check with an explicit budget, bypassing the registry.
func (e *Engine) CheckWith(ledger Ledger, amount decimal.Decimal, budget Budget) Decision {
	now := e.clock()
	start := time.Now()

	total, allowed, err := e.store.CheckAndReserve(ledger, now, amount, budget)
	e.metrics.observeDuration("check", time.Since(start))
	if err != nil {
		return e.storeErrorDecision(ledger, budget, amount, err)
	}
	if allowed {
		return e.decide(Decision{
			Status:        StatusAllow,
			Ledger:        ledger,
			Budget:        budget,
			SpentInWindow: total,
			Requested:     amount,
			Remaining:     budget.remaining(total),
		})
	}
	return e.decide(Decision{
		Status:        StatusBlock,
		Ledger:        ledger,
		Budget:        budget,
		Reason:        ReasonBudgetExceeded,
		Message:       fmt.Sprintf("budget exceeded for %s: %s + %s > %s", ledger, total, amount, budget.MaxSpend),
		SpentInWindow: total,
		Requested:     amount,
		Remaining:     budget.remaining(total),
	})
}

// Reserve admits an estimated spend without committing it. On ALLOW
// it returns a reservation id; the caller must later call exactly one
// of Commit or Release. On BLOCK the id is empty.
func (e *Engine) Reserve(ledger Ledger, estimate decimal.Decimal) (string, Decision) {
	return e.ReserveWith(ledger, estimate, e.BudgetFor(ledger))
}

// ReserveWith is Reserve with an explicit budget.
func (e *Engine) ReserveWith(ledger Ledger, estimate decimal.Decimal, budget Budget) (string, Decision) {
	now := e.clock()
	start := time.Now()

	id, total, err := e.store.Reserve(ledger, now, estimate, budget)
	e.metrics.observeDuration("reserve", time.Since(start))
	if err != nil {
		return "", e.storeErrorDecision(ledger, budget, estimate, err)
	}
	if id != "" {
		e.metrics.reservationOpened()
		return id, e.decide(Decision{
			Status:        StatusAllow,
			Ledger:        ledger,
			Budget:        budget,
			SpentInWindow: total,
			Requested:     estimate,
			Remaining:     budget.remaining(total),
		})
	}
	return "", e.decide(Decision{
		Status:        StatusBlock,
		Ledger:        ledger,
		Budget:        budget,
		Reason:        ReasonBudgetExceeded,
		Message:       fmt.Sprintf("budget exceeded for %s: %s + %s > %s", ledger, total, estimate, budget.MaxSpend),
		SpentInWindow: total,
		Requested:     estimate,
		Remaining:     budget.remaining(total),
	})
}

// Commit finalizes a reservation with the actual spend. Errors
// propagate: an unknown id is caller misuse, not a domain condition
// the engine hides.
func (e *Engine) Commit(id string, actual decimal.Decimal) error {
	if err := e.store.Commit(id, actual); err != nil {
		return err
	}
	e.metrics.reservationClosed()
	return nil
}

// Release discards a reservation with no recorded spend. Same error
// semantics as Commit.
func (e *Engine) Release(id string) error {
	if err := e.store.Release(id); err != nil {
		return err
	}
	e.metrics.reservationClosed()
	return nil
}

// Enforce returns a *BudgetError when the decision is blocked and its
// budget mode is hard. Soft-mode blocks and all allows return nil;
// the caller inspects the decision instead.
func (e *Engine) Enforce(decision Decision) error {
	if decision.Blocked() && decision.Budget.Mode != ModeSoft {
		return &BudgetError{Decision: decision}
	}
	return nil
}

// GetRemaining returns the remaining budget for a ledger. Read-only:
// no reservation, no side effect.
func (e *Engine) GetRemaining(ledger Ledger) (decimal.Decimal, error) {
	return e.GetRemainingWith(ledger, e.BudgetFor(ledger))
}

// GetRemainingWith is GetRemaining with an explicit budget.
func (e *Engine) GetRemainingWith(ledger Ledger, budget Budget) (decimal.Decimal, error) {
	spent, err := e.store.GetSpend(ledger, e.clock(), budget.Window)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrStoreFailure, err)
	}
	return budget.remaining(spent), nil
}

// Clear drops all spend history and live reservations for a ledger.
func (e *Engine) Clear(ledger Ledger) error {
	return e.store.Clear(ledger)
}

// ClearAll drops all spend history for every ledger.
func (e *Engine) ClearAll() error {
	return e.store.ClearAll()
}

// storeErrorDecision converts a store failure into a decision per the
// budget's StoreErrorMode. The raw error never escapes Check or
// Reserve. Under fail-open the spend is not tracked for this call.
func (e *Engine) storeErrorDecision(ledger Ledger, budget Budget, amount decimal.Decimal, err error) Decision {
	if budget.OnStoreError == FailOpen {
		return e.decide(Decision{
			Status:    StatusAllow,
			Ledger:    ledger,
			Budget:    budget,
			Reason:    ReasonStoreError,
			Message:   fmt.Sprintf("store error (fail-open): %v", err),
			Requested: amount,
		})
	}
	return e.decide(Decision{
		Status:    StatusBlock,
		Ledger:    ledger,
		Budget:    budget,
		Reason:    ReasonStoreError,
		Message:   fmt.Sprintf("store error (fail-closed): %v", err),
		Requested: amount,
	})
}

// decide records metrics and notifies listeners, then returns the
// decision unchanged.
func (e *Engine) decide(d Decision) Decision {
	e.metrics.recordDecision(d)

	e.mu.RLock()
	listeners := make([]DecisionListener, len(e.listeners))
	copy(listeners, e.listeners)
	e.mu.RUnlock()

	for _, listener := range listeners {
		e.emit(listener, d)
	}
	return d
}

// emit invokes one listener, recovering and counting panics.
func (e *Engine) emit(listener DecisionListener, d Decision) {
	defer func() {
		if r := recover(); r != nil {
			e.listenerErrors.Add(1)
			e.metrics.recordListenerError()
			e.logger.Error("decision listener panicked",
				"panic", r,
				"ledger", d.Ledger.String(),
			)
		}
	}()
	listener(d)
}
