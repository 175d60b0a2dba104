package store

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/treasury-sentinel/internal/usdc"
)

// MemoryStore is an in-memory Store for tests and development.
type MemoryStore struct {
	mu          sync.RWMutex
	runs        map[string]*Run
	runOrder    []string
	runCounter  int64
	payments    map[string]*Payment
	payOrder    []string
	transitions []*Transition
	snapshots   map[string]*Snapshot
	consumed    map[string]*ConsumedTx
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:      make(map[string]*Run),
		payments:  make(map[string]*Payment),
		snapshots: make(map[string]*Snapshot),
		consumed:  make(map[string]*ConsumedTx),
	}
}

func (m *MemoryStore) CreateRun(ctx context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.runCounter++
	run.RunNumber = m.runCounter
	cp := *run
	m.runs[run.ID] = &cp
	m.runOrder = append(m.runOrder, run.ID)
	return nil
}

func (m *MemoryStore) UpdateRun(ctx context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.runs[run.ID]; !ok {
		return ErrNotFound
	}
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *MemoryStore) GetRun(ctx context.Context, id string) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	run, ok := m.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *run
	return &cp, nil
}

func (m *MemoryStore) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	out := make([]*Run, 0, limit)
	for i := len(m.runOrder) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *m.runs[m.runOrder[i]]
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) InsertPayment(ctx context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *p
	m.payments[p.ID] = &cp
	m.payOrder = append(m.payOrder, p.ID)
	return nil
}

func (m *MemoryStore) UpdatePayment(ctx context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.payments[p.ID]; !ok {
		return ErrNotFound
	}
	cp := *p
	m.payments[p.ID] = &cp
	return nil
}

func (m *MemoryStore) ListPaymentsByRun(ctx context.Context, runID string) ([]*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Payment
	for _, id := range m.payOrder {
		if p := m.payments[id]; p.RunID == runID {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) TotalSpend(ctx context.Context) (usdc.Micro, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var total usdc.Micro
	for _, p := range m.payments {
		if p.Status == PaymentConfirmed {
			total += p.Amount
		}
	}
	return total, nil
}

func (m *MemoryStore) InsertTransition(ctx context.Context, tr *Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *tr
	cp.GuardsPassed = append([]string(nil), tr.GuardsPassed...)
	cp.GuardsFailed = append([]string(nil), tr.GuardsFailed...)
	m.transitions = append(m.transitions, &cp)
	return nil
}

func (m *MemoryStore) ListTransitionsByRun(ctx context.Context, runID string) ([]*Transition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Transition
	for _, tr := range m.transitions {
		if tr.RunID == runID {
			cp := *tr
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListTransitions(ctx context.Context, limit int) ([]*Transition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	// Newest first, matching the postgres ordering.
	out := make([]*Transition, 0, limit)
	for i := len(m.transitions) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *m.transitions[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) InsertSnapshot(ctx context.Context, s *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *s
	cp.Balances = append([]TokenBalance(nil), s.Balances...)
	m.snapshots[s.ID] = &cp
	return nil
}

func (m *MemoryStore) GetSnapshot(ctx context.Context, id string) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.snapshots[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	cp.Balances = append([]TokenBalance(nil), s.Balances...)
	return &cp, nil
}

func (m *MemoryStore) ConsumeTx(ctx context.Context, txHash, invoiceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := strings.ToLower(txHash)
	if _, ok := m.consumed[key]; ok {
		return ErrTxAlreadyUsed
	}
	m.consumed[key] = &ConsumedTx{
		TxHash:     key,
		InvoiceID:  invoiceID,
		ConsumedAt: time.Now(),
	}
	return nil
}

func (m *MemoryStore) IsTxConsumed(ctx context.Context, txHash string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.consumed[strings.ToLower(txHash)]
	if !ok {
		return "", false, nil
	}
	return c.InvoiceID, true, nil
}

// Compile-time interface check
var _ Store = (*MemoryStore)(nil)
