package gate

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// GuardedFunc is a callable gated by a budget.
type GuardedFunc[T any] func(ctx context.Context) (T, error)

// ResultFunc is a guarded callable whose block path is returned as
// data instead of an error.
type ResultFunc[T any] func(ctx context.Context) (Result[T], error)

// Guard wraps a fixed-cost action with an atomic check-and-reserve.
// The cost must be known before execution. A blocked spend returns a
// *BudgetError and the action never runs; use GuardResult for a
// non-erroring variant.
func Guard[T any](engine *Engine, ledger Ledger, cost decimal.Decimal, fn GuardedFunc[T]) GuardedFunc[T] {
	return func(ctx context.Context) (T, error) {
		decision := engine.Check(ledger, cost)
		if decision.Blocked() {
			var zero T
			return zero, &BudgetError{Decision: decision}
		}
		return fn(ctx)
	}
}

// GuardBounded wraps a bounded dynamic-cost action: the estimate is
// reserved before execution and the actual cost, derived from the
// returned value, is committed after. This is still pre-execution
// gating; if the estimate does not fit, the action is blocked. When
// the action fails, the reservation is released and no spend is
// recorded.
func GuardBounded[T any](engine *Engine, ledger Ledger, estimate decimal.Decimal, actualCost func(T) decimal.Decimal, fn GuardedFunc[T]) GuardedFunc[T] {
	return func(ctx context.Context) (T, error) {
		var zero T

		id, decision := engine.Reserve(ledger, estimate)
		if decision.Blocked() {
			return zero, &BudgetError{Decision: decision}
		}

		value, err := fn(ctx)
		if err != nil {
			_ = engine.Release(id)
			return zero, err
		}

		if err := engine.Commit(id, actualCost(value)); err != nil {
			return zero, fmt.Errorf("commit reservation: %w", err)
		}
		return value, nil
	}
}

// GuardResult is Guard with the block path returned as a blocked
// Result instead of an error. Action errors still propagate.
func GuardResult[T any](engine *Engine, ledger Ledger, cost decimal.Decimal, fn GuardedFunc[T]) ResultFunc[T] {
	return func(ctx context.Context) (Result[T], error) {
		decision := engine.Check(ledger, cost)
		if decision.Blocked() {
			return BlockedResult[T](decision), nil
		}

		value, err := fn(ctx)
		if err != nil {
			return Result[T]{}, err
		}
		return NewResult(decision, value), nil
	}
}

// GuardBoundedResult is GuardBounded with the block path returned as
// a blocked Result instead of an error.
func GuardBoundedResult[T any](engine *Engine, ledger Ledger, estimate decimal.Decimal, actualCost func(T) decimal.Decimal, fn GuardedFunc[T]) ResultFunc[T] {
	return func(ctx context.Context) (Result[T], error) {
		id, decision := engine.Reserve(ledger, estimate)
		if decision.Blocked() {
			return BlockedResult[T](decision), nil
		}

		value, err := fn(ctx)
		if err != nil {
			_ = engine.Release(id)
			return Result[T]{}, err
		}

		if err := engine.Commit(id, actualCost(value)); err != nil {
			return Result[T]{}, fmt.Errorf("commit reservation: %w", err)
		}
		return NewResult(decision, value), nil
	}
}
