package ledger

import (
	"context"
	"sync"
	"time"
)

// Entry is one posting against a driver balance. Credit entries increase the
// balance, debit entries decrease it.
type Entry struct {
	DriverID string    `json:"driver_id"`
	Amount   float64   `json:"amount"`
	Credit   bool      `json:"credit"`
	Reason   string    `json:"reason"`
	At       time.Time `json:"at"`
}

// Ledger is the dispatch core's view of the payment bookkeeping service.
// The real ledger lives outside this process; the core only gates on the
// balance and records service fees, discount reversals and cancellation
// fees.
type Ledger interface {
	// BalanceAbove reports whether the driver's balance is strictly above
	// min. Drivers at or below the threshold never receive offers.
	BalanceAbove(ctx context.Context, driverID string, min float64) (bool, error)
	Balance(ctx context.Context, driverID string) (float64, error)
	Record(ctx context.Context, e Entry) error
}

// Memory is the in-process ledger used by tests and single-node deployments.
type Memory struct {
	mu       sync.RWMutex
	balances map[string]float64
	entries  []Entry
}

func NewMemory() *Memory {
	return &Memory{balances: make(map[string]float64)}
}

// SetBalance seeds a driver balance.
func (m *Memory) SetBalance(driverID string, balance float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[driverID] = balance
}

func (m *Memory) BalanceAbove(ctx context.Context, driverID string, min float64) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balances[driverID] > min, nil
}

func (m *Memory) Balance(ctx context.Context, driverID string) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balances[driverID], nil
}

func (m *Memory) Record(ctx context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.At.IsZero() {
		e.At = time.Now()
	}
	if e.Credit {
		m.balances[e.DriverID] += e.Amount
	} else {
		m.balances[e.DriverID] -= e.Amount
	}
	m.entries = append(m.entries, e)
	return nil
}

// Entries returns a copy of all postings, for tests and debugging.
func (m *Memory) Entries() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Entry(nil), m.entries...)
}
