package config

import (
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"budgetgate/pkg/gate"
)

// Registrar receives budgets loaded from a file. *gate.Engine
// satisfies it.
type Registrar interface {
	Register(ledger gate.Ledger, budget gate.Budget) error
}

// File is a parsed budget configuration file.
type File struct {
	// Budgets is the list of ledger budget entries.
	Budgets []BudgetEntry `yaml:"budgets"`
}

// BudgetEntry is one ledger-to-budget binding in a configuration
// file.
//
// Example:
//
//	budgets:
//	  - namespace: openai
//	    resource: gpt-4
//	    principal: user:1
//	    max_spend: "10.00"
//	    window: 1h
//	    mode: hard
//	    on_store_error: fail_closed
type BudgetEntry struct {
	// Namespace and Resource identify the ledger. Both required.
	Namespace string `yaml:"namespace"`
	Resource  string `yaml:"resource"`

	// Principal scopes the ledger. Empty means the global principal.
	Principal string `yaml:"principal"`

	// MaxSpend is the budget cap as a decimal string (quoted in YAML
	// to avoid float coercion).
	MaxSpend string `yaml:"max_spend"`

	// Window is a Go duration string ("1h", "30m"). Empty means a
	// lifetime budget.
	Window string `yaml:"window"`

	// Mode is "hard" or "soft". Empty defaults to hard.
	Mode string `yaml:"mode"`

	// OnStoreError is "fail_closed" or "fail_open". Empty defaults to
	// fail_closed.
	OnStoreError string `yaml:"on_store_error"`
}

// Ledger returns the ledger identity for this entry.
func (e BudgetEntry) Ledger() gate.Ledger {
	return gate.NewLedgerFor(e.Namespace, e.Resource, e.Principal)
}

// Budget parses and validates the budget for this entry.
func (e BudgetEntry) Budget() (gate.Budget, error) {
	maxSpend, err := decimal.NewFromString(e.MaxSpend)
	if err != nil {
		return gate.Budget{}, fmt.Errorf("invalid max_spend %q: %w", e.MaxSpend, err)
	}

	var window time.Duration
	if e.Window != "" {
		window, err = time.ParseDuration(e.Window)
		if err != nil {
			return gate.Budget{}, fmt.Errorf("invalid window %q: %w", e.Window, err)
		}
		if window <= 0 {
			return gate.Budget{}, fmt.Errorf("window must be > 0, got %q", e.Window)
		}
	}

	budget := gate.Budget{
		MaxSpend:     maxSpend,
		Window:       window,
		Mode:         gate.Mode(e.Mode),
		OnStoreError: gate.StoreErrorMode(e.OnStoreError),
	}
	if budget.Mode == "" {
		budget.Mode = gate.ModeHard
	}
	if budget.OnStoreError == "" {
		budget.OnStoreError = gate.FailClosed
	}
	if err := budget.Validate(); err != nil {
		return gate.Budget{}, err
	}
	return budget, nil
}

// Load reads and validates a budget configuration file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read budget file %q: %w", path, err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to load budget file %q: %w", path, err)
	}
	return f, nil
}

// Parse parses and validates budget configuration bytes.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks every entry and rejects duplicate ledgers.
func (f *File) Validate() error {
	seen := make(map[gate.Ledger]int)
	for i, entry := range f.Budgets {
		if entry.Namespace == "" {
			return fmt.Errorf("budgets[%d]: namespace is required", i)
		}
		if entry.Resource == "" {
			return fmt.Errorf("budgets[%d]: resource is required", i)
		}
		if _, err := entry.Budget(); err != nil {
			return fmt.Errorf("budgets[%d] (%s): %w", i, entry.Ledger(), err)
		}

		ledger := entry.Ledger()
		if prev, dup := seen[ledger]; dup {
			return fmt.Errorf("budgets[%d]: duplicate ledger %s (first defined at budgets[%d])", i, ledger, prev)
		}
		seen[ledger] = i
	}
	return nil
}

// Apply registers every entry with the registrar. Registration order
// follows file order.
func (f *File) Apply(r Registrar) error {
	for i, entry := range f.Budgets {
		budget, err := entry.Budget()
		if err != nil {
			return fmt.Errorf("budgets[%d] (%s): %w", i, entry.Ledger(), err)
		}
		if err := r.Register(entry.Ledger(), budget); err != nil {
			return fmt.Errorf("budgets[%d] (%s): %w", i, entry.Ledger(), err)
		}
	}
	return nil
}
