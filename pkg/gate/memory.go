package gate

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MemoryStore is the in-memory reference Store. All state is lost
// when the process exits; reservations that are never committed or
// released leak and inflate apparent spend until restart.
//
// Lock ordering (must always acquire in this order):
//
//	1. mu (process-wide: reservation index and lock table)
//	2. the per-ledger lock from locks
//
// Every operation that touches both acquires mu first and releases in
// reverse order. The two-lock shape is kept for forward compatibility
// with a finer-grained scheme; because mu is held for the full
// duration of the ledger lock, the store currently serializes like a
// single global lock.
type MemoryStore struct {
	mu           sync.Mutex
	ledgers      map[Ledger][]SpendEvent
	reservations map[string]Reservation
	locks        map[Ledger]*sync.Mutex
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		ledgers:      make(map[Ledger][]SpendEvent),
		reservations: make(map[string]Reservation),
		locks:        make(map[Ledger]*sync.Mutex),
	}
}

// lockFor returns the per-ledger lock, creating it on first use.
// Caller must hold mu.
func (s *MemoryStore) lockFor(ledger Ledger) *sync.Mutex {
	lock, ok := s.locks[ledger]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[ledger] = lock
	}
	return lock
}

// pruneLocked returns the events still inside the window. A zero
// window keeps everything. The cutoff is inclusive: an event at
// exactly now-window still counts.
func pruneLocked(events []SpendEvent, now time.Time, window time.Duration) []SpendEvent {
	if window == 0 {
		return events
	}
	cutoff := now.Add(-window)
	kept := events[:0:0]
	for _, e := range events {
		if !e.Timestamp.Before(cutoff) {
			kept = append(kept, e)
		}
	}
	return kept
}

// reservedLocked sums active reservations for a ledger within the
// window. Caller must hold mu.
func (s *MemoryStore) reservedLocked(ledger Ledger, now time.Time, window time.Duration) decimal.Decimal {
	total := decimal.Zero
	var cutoff time.Time
	if window != 0 {
		cutoff = now.Add(-window)
	}
	for _, res := range s.reservations {
		if res.Ledger != ledger {
			continue
		}
		if window == 0 || !res.Timestamp.Before(cutoff) {
			total = total.Add(res.Amount)
		}
	}
	return total
}

// currentLocked prunes the ledger's history in place and returns the
// committed-plus-reserved total. Caller must hold mu and the ledger
// lock.
func (s *MemoryStore) currentLocked(ledger Ledger, now time.Time, window time.Duration) decimal.Decimal {
	pruned := pruneLocked(s.ledgers[ledger], now, window)
	s.ledgers[ledger] = pruned

	committed := decimal.Zero
	for _, e := range pruned {
		committed = committed.Add(e.Amount)
	}
	return committed.Add(s.reservedLocked(ledger, now, window))
}

// CheckAndReserve implements Store.
func (s *MemoryStore) CheckAndReserve(ledger Ledger, now time.Time, amount decimal.Decimal, budget Budget) (decimal.Decimal, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock := s.lockFor(ledger)
	lock.Lock()
	defer lock.Unlock()

	current := s.currentLocked(ledger, now, budget.Window)
	if !budget.Unlimited && current.Add(amount).Cmp(budget.MaxSpend) > 0 {
		return current, false, nil
	}

	s.ledgers[ledger] = append(s.ledgers[ledger], SpendEvent{Timestamp: now, Amount: amount})
	return current.Add(amount), true, nil
}

// Reserve implements Store.
func (s *MemoryStore) Reserve(ledger Ledger, now time.Time, amount decimal.Decimal, budget Budget) (string, decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock := s.lockFor(ledger)
	lock.Lock()
	defer lock.Unlock()

	current := s.currentLocked(ledger, now, budget.Window)
	if !budget.Unlimited && current.Add(amount).Cmp(budget.MaxSpend) > 0 {
		return "", current, nil
	}

	id := uuid.NewString()
	s.reservations[id] = Reservation{
		ID:        id,
		Ledger:    ledger,
		Timestamp: now,
		Amount:    amount,
	}
	return id, current.Add(amount), nil
}

// Commit implements Store. The committed event keeps the
// reservation's original timestamp so the spend is accounted at
// admission time.
func (s *MemoryStore) Commit(id string, actual decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, ok := s.reservations[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrReservationNotFound, id)
	}
	delete(s.reservations, id)

	lock := s.lockFor(res.Ledger)
	lock.Lock()
	defer lock.Unlock()

	s.ledgers[res.Ledger] = append(s.ledgers[res.Ledger], SpendEvent{
		Timestamp: res.Timestamp,
		Amount:    actual,
	})
	return nil
}

// Release implements Store.
func (s *MemoryStore) Release(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.reservations[id]; !ok {
		return fmt.Errorf("%w: %s", ErrReservationNotFound, id)
	}
	delete(s.reservations, id)
	return nil
}

// GetSpend implements Store. Strictly read-only: it does not write
// back the pruned history.
func (s *MemoryStore) GetSpend(ledger Ledger, now time.Time, window time.Duration) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock := s.lockFor(ledger)
	lock.Lock()
	defer lock.Unlock()

	committed := decimal.Zero
	for _, e := range pruneLocked(s.ledgers[ledger], now, window) {
		committed = committed.Add(e.Amount)
	}
	return committed.Add(s.reservedLocked(ledger, now, window)), nil
}

// Clear implements Store.
func (s *MemoryStore) Clear(ledger Ledger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock := s.lockFor(ledger)
	lock.Lock()
	defer lock.Unlock()

	delete(s.ledgers, ledger)
	for id, res := range s.reservations {
		if res.Ledger == ledger {
			delete(s.reservations, id)
		}
	}
	return nil
}

// ClearAll implements Store.
func (s *MemoryStore) ClearAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ledgers = make(map[Ledger][]SpendEvent)
	s.reservations = make(map[string]Reservation)
	s.locks = make(map[Ledger]*sync.Mutex)
	return nil
}
