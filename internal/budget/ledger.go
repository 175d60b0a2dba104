// Package budget is the single source of truth for paid-action spend.
//
// All arithmetic is integer micro-USDC. Spend only ever moves through a
// reservation: Reserve holds capacity, Commit turns the hold into spend,
// Release cancels it. The invariant spent + reserved <= limit holds at
// every observable point, and spent is monotonically non-decreasing
// between resets.
package budget

import (
	"errors"
	"sync"

	"github.com/mbd888/treasury-sentinel/internal/idgen"
	"github.com/mbd888/treasury-sentinel/internal/metrics"
	"github.com/mbd888/treasury-sentinel/internal/usdc"
)

var (
	ErrInsufficientBudget = errors.New("budget: insufficient budget")
	ErrUnknownReservation = errors.New("budget: unknown reservation")
	ErrInvalidAmount      = errors.New("budget: invalid amount")
)

type reservationState int

const (
	statePending reservationState = iota
	stateCommitted
	stateReleased
)

// Reservation is a handle to held budget capacity. Commit and Release
// are idempotent on the handle.
type Reservation struct {
	ID     string
	Amount usdc.Micro

	state reservationState
}

// Status is a point-in-time view of the ledger.
type Status struct {
	Limit     usdc.Micro `json:"limit_micro_usdc"`
	Spent     usdc.Micro `json:"spent_micro_usdc"`
	Reserved  usdc.Micro `json:"reserved_micro_usdc"`
	Remaining usdc.Micro `json:"remaining_micro_usdc"`
	Blocked   bool       `json:"blocked"`
}

// Observer receives ledger notifications. Implementations must not call
// back into the ledger.
type Observer interface {
	BudgetWarning(st Status)
	BudgetBlocked(st Status)
}

// warningFraction of the limit at which observers are warned once.
const warningFraction = 0.8

// Ledger enforces the hard spend cap.
type Ledger struct {
	mu           sync.Mutex
	limit        usdc.Micro
	minOperation usdc.Micro
	spent        usdc.Micro
	reservations map[string]*Reservation
	warned       bool
	observers    []Observer
}

// New creates a ledger with the given hard limit and minimum-operational
// threshold (below which Status reports blocked).
func New(limit, minOperational usdc.Micro) *Ledger {
	l := &Ledger{
		limit:        limit,
		minOperation: minOperational,
		reservations: make(map[string]*Reservation),
	}
	l.publish()
	return l
}

// AddObserver registers an observer for warning/blocked notifications.
func (l *Ledger) AddObserver(o Observer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observers = append(l.observers, o)
}

// Reserve atomically holds amount against the remaining budget. A
// rejected reserve does not modify state.
func (l *Ledger) Reserve(amount usdc.Micro) (*Reservation, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.spent+l.outstandingLocked()+amount > l.limit {
		return nil, ErrInsufficientBudget
	}

	r := &Reservation{
		ID:     idgen.WithPrefix("res"),
		Amount: amount,
		state:  statePending,
	}
	l.reservations[r.ID] = r
	l.publishLocked()
	return r, nil
}

// Commit turns a reservation into spend. Idempotent: committing an
// already-committed handle is a no-op.
func (l *Ledger) Commit(r *Reservation) error {
	if r == nil {
		return ErrUnknownReservation
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	held, ok := l.reservations[r.ID]
	if !ok {
		return ErrUnknownReservation
	}
	switch held.state {
	case stateCommitted:
		return nil
	case stateReleased:
		return ErrUnknownReservation
	}

	held.state = stateCommitted
	l.spent += held.Amount
	delete(l.reservations, held.ID)
	r.state = stateCommitted

	l.notifyLocked()
	l.publishLocked()
	return nil
}

// Release cancels a reservation. Idempotent; releasing a committed
// handle is rejected.
func (l *Ledger) Release(r *Reservation) error {
	if r == nil {
		return ErrUnknownReservation
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	held, ok := l.reservations[r.ID]
	if !ok {
		if r.state == stateReleased {
			return nil
		}
		return ErrUnknownReservation
	}
	if held.state == stateCommitted {
		return ErrUnknownReservation
	}

	held.state = stateReleased
	delete(l.reservations, held.ID)
	r.state = stateReleased
	l.publishLocked()
	return nil
}

// Status returns the current ledger view.
func (l *Ledger) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.statusLocked()
}

// RestoreSpent seeds the spent counter from persisted payment history.
// Called once at boot, before any reservation exists. Amounts above the
// limit are clamped to the limit.
func (l *Ledger) RestoreSpent(spent usdc.Micro) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if spent < 0 {
		spent = 0
	}
	if spent > l.limit {
		spent = l.limit
	}
	l.spent = spent
	l.warned = float64(l.spent) >= float64(l.limit)*warningFraction
	l.publishLocked()
}

// Reset is administrative: clears spend and all reservations.
func (l *Ledger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.spent = 0
	l.warned = false
	l.reservations = make(map[string]*Reservation)
	l.publishLocked()
}

func (l *Ledger) outstandingLocked() usdc.Micro {
	var total usdc.Micro
	for _, r := range l.reservations {
		total += r.Amount
	}
	return total
}

func (l *Ledger) statusLocked() Status {
	reserved := l.outstandingLocked()
	remaining := l.limit - l.spent
	return Status{
		Limit:     l.limit,
		Spent:     l.spent,
		Reserved:  reserved,
		Remaining: remaining,
		Blocked:   remaining < l.minOperation,
	}
}

// notifyLocked fires warning/blocked observers after a commit.
func (l *Ledger) notifyLocked() {
	st := l.statusLocked()

	if !l.warned && float64(l.spent) >= float64(l.limit)*warningFraction {
		l.warned = true
		for _, o := range l.observers {
			o.BudgetWarning(st)
		}
	}
	if st.Blocked {
		for _, o := range l.observers {
			o.BudgetBlocked(st)
		}
	}
}

func (l *Ledger) publish() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.publishLocked()
}

func (l *Ledger) publishLocked() {
	st := l.statusLocked()
	metrics.BudgetSpent.Set(float64(st.Spent))
	metrics.BudgetReserved.Set(float64(st.Reserved))
	metrics.BudgetRemaining.Set(float64(st.Remaining))
}
