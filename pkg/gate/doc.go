// Package gate provides pre-execution spend gating for actions with
// monetary or unit costs.
//
// # Overview
//
// The gate package is an admission-control layer: callers ask "may I
// spend X under ledger L" and receive an atomic allow/block decision
// that, on allow, has already reserved the spend. It supports:
//
//   - Fixed-cost admission (atomic check-and-reserve)
//   - Bounded dynamic costs (reserve estimate, commit actual)
//   - Rolling time windows and lifetime budgets
//   - Hard/soft enforcement and fail-open/fail-closed store policy
//   - Decision listeners for audit and metrics
//
// # Architecture
//
// The package splits into three layers:
//
//   - Decision model: Ledger, Budget, Decision, Result — immutable
//     values with validation and derived views
//   - Store: the accounting contract plus the in-memory reference
//     implementation (see budgetgate/pkg/gate/storage for SQLite)
//   - Engine: orchestration, budget registry, error policy,
//     listeners, enforcement
//
// # Usage
//
//	engine := gate.NewEngine(gate.Config{})
//
//	ledger := gate.NewLedgerFor("openai", "gpt-4", "user:123")
//	budget, _ := gate.NewBudget(decimal.RequireFromString("50.00"))
//	engine.Register(ledger, budget)
//
//	decision := engine.Check(ledger, decimal.RequireFromString("0.25"))
//	if err := engine.Enforce(decision); err != nil {
//	    return err // *gate.BudgetError, wraps gate.ErrBudgetExceeded
//	}
//
// For costs unknown until after execution, reserve an upper bound and
// commit the actual:
//
//	id, decision := engine.Reserve(ledger, estimate)
//	if decision.Blocked() { ... }
//	resp := callModel()
//	engine.Commit(id, resp.Cost) // or engine.Release(id) on failure
//
// The Guard family wraps both shapes around plain callables.
//
// # Thread Safety
//
// All operations are safe for concurrent use. Concurrent admissions
// against one ledger are serialized by the store; whichever request
// acquires the lock first wins ties when the budget is nearly
// exhausted. All amounts are exact decimals, never floating point.
package gate
