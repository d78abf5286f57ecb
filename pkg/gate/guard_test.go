package gate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestGuard_AllowsAndBlocks(t *testing.T) {
	engine, _ := newTestEngine(t)
	ledger := NewLedger("openai", "gpt-4")
	engine.Register(ledger, testBudget(t, "10.00", 0))

	var calls int
	fn := Guard(engine, ledger, dec(t, "6.00"), func(ctx context.Context) (string, error) {
		calls++
		return "response", nil
	})

	got, err := fn(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "response" || calls != 1 {
		t.Errorf("expected one call producing %q, got %q after %d calls", "response", got, calls)
	}

	// 6 + 6 > 10: blocked before the action runs.
	_, err = fn(context.Background())
	if !errors.Is(err, ErrBudgetExceeded) {
		t.Fatalf("expected ErrBudgetExceeded, got %v", err)
	}
	if calls != 1 {
		t.Errorf("blocked call must not run the action, calls=%d", calls)
	}

	var budgetErr *BudgetError
	if !errors.As(err, &budgetErr) {
		t.Fatal("expected *BudgetError")
	}
	if budgetErr.Decision.Ledger != ledger {
		t.Error("error must carry the triggering decision")
	}
}

func TestGuard_ActionErrorPropagates(t *testing.T) {
	engine, _ := newTestEngine(t)
	ledger := NewLedger("openai", "gpt-4")
	engine.Register(ledger, testBudget(t, "10.00", 0))

	wantErr := errors.New("upstream timeout")
	fn := Guard(engine, ledger, dec(t, "1.00"), func(ctx context.Context) (int, error) {
		return 0, wantErr
	})

	if _, err := fn(context.Background()); !errors.Is(err, wantErr) {
		t.Errorf("expected action error, got %v", err)
	}
}

func TestGuardBounded_CommitsActual(t *testing.T) {
	engine, _ := newTestEngine(t)
	ledger := NewLedger("openai", "gpt-4")
	engine.Register(ledger, testBudget(t, "10.00", 0))

	type usage struct{ cost decimal.Decimal }
	fn := GuardBounded(engine, ledger, dec(t, "5.00"),
		func(u usage) decimal.Decimal { return u.cost },
		func(ctx context.Context) (usage, error) {
			return usage{cost: decimal.RequireFromString("3.00")}, nil
		},
	)

	if _, err := fn(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	remaining, err := engine.GetRemaining(ledger)
	if err != nil {
		t.Fatalf("get remaining failed: %v", err)
	}
	if !remaining.Equal(dec(t, "7.00")) {
		t.Errorf("expected remaining 7.00 after committing actual, got %s", remaining)
	}
}

func TestGuardBounded_ReleasesOnError(t *testing.T) {
	engine, _ := newTestEngine(t)
	ledger := NewLedger("openai", "gpt-4")
	engine.Register(ledger, testBudget(t, "10.00", 0))

	wantErr := errors.New("provider unavailable")
	fn := GuardBounded(engine, ledger, dec(t, "10.00"),
		func(int) decimal.Decimal { return decimal.Zero },
		func(ctx context.Context) (int, error) {
			return 0, wantErr
		},
	)

	if _, err := fn(context.Background()); !errors.Is(err, wantErr) {
		t.Fatalf("expected action error, got %v", err)
	}

	// The failed call's estimate must not linger as spend.
	remaining, err := engine.GetRemaining(ledger)
	if err != nil {
		t.Fatalf("get remaining failed: %v", err)
	}
	if !remaining.Equal(dec(t, "10.00")) {
		t.Errorf("expected full budget back after release, got %s", remaining)
	}
}

func TestGuardBounded_BlocksOversizedEstimate(t *testing.T) {
	engine, _ := newTestEngine(t)
	ledger := NewLedger("openai", "gpt-4")
	engine.Register(ledger, testBudget(t, "10.00", 0))

	var calls int
	fn := GuardBounded(engine, ledger, dec(t, "11.00"),
		func(int) decimal.Decimal { return decimal.Zero },
		func(ctx context.Context) (int, error) {
			calls++
			return 1, nil
		},
	)

	if _, err := fn(context.Background()); !errors.Is(err, ErrBudgetExceeded) {
		t.Fatalf("expected ErrBudgetExceeded, got %v", err)
	}
	if calls != 0 {
		t.Error("oversized estimate must block before execution")
	}
}

func TestGuardResult_BlockIsDataNotError(t *testing.T) {
	engine, _ := newTestEngine(t)
	ledger := NewLedger("openai", "gpt-4")
	engine.Register(ledger, testBudget(t, "5.00", 0))

	fn := GuardResult(engine, ledger, dec(t, "5.00"), func(ctx context.Context) (string, error) {
		return "ok", nil
	})

	res, err := fn(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v := res.MustValue(); v != "ok" {
		t.Errorf("expected ok, got %q", v)
	}

	res, err = fn(context.Background())
	if err != nil {
		t.Fatalf("blocked result must not be an error, got %v", err)
	}
	if res.OK() || res.HasValue() {
		t.Fatal("expected blocked result")
	}
	if res.Decision.Reason != ReasonBudgetExceeded {
		t.Errorf("expected budget_exceeded, got %s", res.Decision.Reason)
	}
}

func TestGuardBoundedResult_ReleasesOnError(t *testing.T) {
	engine, _ := newTestEngine(t)
	ledger := NewLedger("openai", "gpt-4")
	engine.Register(ledger, testBudget(t, "10.00", time.Hour))

	wantErr := errors.New("boom")
	fn := GuardBoundedResult(engine, ledger, dec(t, "4.00"),
		func(int) decimal.Decimal { return decimal.Zero },
		func(ctx context.Context) (int, error) {
			return 0, wantErr
		},
	)

	if _, err := fn(context.Background()); !errors.Is(err, wantErr) {
		t.Fatalf("expected action error, got %v", err)
	}

	remaining, err := engine.GetRemaining(ledger)
	if err != nil {
		t.Fatalf("get remaining failed: %v", err)
	}
	if !remaining.Equal(dec(t, "10.00")) {
		t.Errorf("expected full budget back after release, got %s", remaining)
	}
}
