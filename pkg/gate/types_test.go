package gate

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestLedger_StringAndKey(t *testing.T) {
	ledger := NewLedgerFor("openai", "gpt-4", "user:1")
	if got := ledger.String(); got != "openai:gpt-4@user:1" {
		t.Errorf("unexpected String: %q", got)
	}
	if got := ledger.Key(); got != "bg:openai:gpt-4:user:1" {
		t.Errorf("unexpected Key: %q", got)
	}

	global := NewLedger("infra", "compute")
	if global.Principal != GlobalPrincipal {
		t.Errorf("expected global principal, got %q", global.Principal)
	}
	if NewLedgerFor("infra", "compute", "") != global {
		t.Error("empty principal must fall back to the global principal")
	}
}

func TestLedger_ComparableByValue(t *testing.T) {
	a := NewLedgerFor("openai", "gpt-4", "user:1")
	b := NewLedgerFor("openai", "gpt-4", "user:1")
	c := NewLedgerFor("openai", "gpt-4", "user:2")

	if a != b {
		t.Error("identical ledgers must compare equal")
	}
	if a == c {
		t.Error("different principals must compare unequal")
	}

	m := map[Ledger]int{a: 1}
	if m[b] != 1 {
		t.Error("equal ledgers must hash to the same map key")
	}
}

func TestNewBudget_Defaults(t *testing.T) {
	b, err := NewBudget(decimal.RequireFromString("10.00"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.Window != DefaultWindow {
		t.Errorf("expected default window %s, got %s", DefaultWindow, b.Window)
	}
	if b.Mode != ModeHard {
		t.Errorf("expected hard mode, got %q", b.Mode)
	}
	if b.OnStoreError != FailClosed {
		t.Errorf("expected fail_closed, got %q", b.OnStoreError)
	}

	if _, err := NewBudget(decimal.RequireFromString("-1")); !errors.Is(err, ErrInvalidBudget) {
		t.Errorf("expected ErrInvalidBudget, got %v", err)
	}
}

func TestBudget_Validate(t *testing.T) {
	tests := []struct {
		name    string
		budget  Budget
		wantErr bool
	}{
		{"zero max_spend", Budget{}, false},
		{"zero window is lifetime", Budget{MaxSpend: decimal.RequireFromString("1")}, false},
		{"negative max_spend", Budget{MaxSpend: decimal.RequireFromString("-0.01")}, true},
		{"negative window", Budget{Window: -time.Second}, true},
		{"unknown mode", Budget{Mode: "loose"}, true},
		{"unknown store error mode", Budget{OnStoreError: "explode"}, true},
		{"soft fail_open", Budget{Mode: ModeSoft, OnStoreError: FailOpen}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.budget.Validate()
			if tt.wantErr && !errors.Is(err, ErrInvalidBudget) {
				t.Errorf("expected ErrInvalidBudget, got %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestBudgetError_Unwrap(t *testing.T) {
	exceeded := &BudgetError{Decision: Decision{
		Status: StatusBlock,
		Reason: ReasonBudgetExceeded,
	}}
	if !errors.Is(exceeded, ErrBudgetExceeded) {
		t.Error("budget_exceeded blocks must unwrap to ErrBudgetExceeded")
	}

	storeErr := &BudgetError{Decision: Decision{
		Status: StatusBlock,
		Reason: ReasonStoreError,
	}}
	if !errors.Is(storeErr, ErrStoreFailure) {
		t.Error("store_error blocks must unwrap to ErrStoreFailure")
	}
	if errors.Is(storeErr, ErrBudgetExceeded) {
		t.Error("store_error blocks must not match ErrBudgetExceeded")
	}
}

func TestBudgetError_MessageCarriesThrough(t *testing.T) {
	err := &BudgetError{Decision: Decision{
		Status:  StatusBlock,
		Message: "budget exceeded for openai:gpt-4@user:1: 6 + 5 > 10",
	}}
	if err.Error() != err.Decision.Message {
		t.Errorf("expected decision message, got %q", err.Error())
	}
}

func TestResult_ValueTagging(t *testing.T) {
	allowed := Decision{Status: StatusAllow}
	blocked := Decision{Status: StatusBlock, Reason: ReasonBudgetExceeded}

	// A legitimate zero value must be distinguishable from "never ran".
	produced := NewResult(allowed, 0)
	if !produced.OK() || !produced.HasValue() {
		t.Fatal("expected OK result with a value")
	}
	if v, ok := produced.Value(); !ok || v != 0 {
		t.Errorf("expected (0, true), got (%d, %v)", v, ok)
	}

	skipped := BlockedResult[int](blocked)
	if skipped.OK() || skipped.HasValue() {
		t.Fatal("blocked result must report no value")
	}
	if v, ok := skipped.Value(); ok || v != 0 {
		t.Errorf("expected (0, false), got (%d, %v)", v, ok)
	}
	if got := skipped.ValueOr(42); got != 42 {
		t.Errorf("expected fallback 42, got %d", got)
	}

	defer func() {
		if recover() == nil {
			t.Error("MustValue on a blocked result must panic")
		}
	}()
	skipped.MustValue()
}
