package escalation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/treasury-sentinel/internal/budget"
	"github.com/mbd888/treasury-sentinel/internal/idgen"
	"github.com/mbd888/treasury-sentinel/internal/metrics"
	"github.com/mbd888/treasury-sentinel/internal/payment"
	"github.com/mbd888/treasury-sentinel/internal/riskmetrics"
	"github.com/mbd888/treasury-sentinel/internal/store"
	"github.com/mbd888/treasury-sentinel/internal/usdc"
)

// ErrNoTransition is returned when a trigger has no rule from the
// current level, including attempts to skip levels upward.
var ErrNoTransition = errors.New("escalation: no transition for trigger from current level")

// Budget is the slice of the ledger the machine needs. Reservations
// here are feasibility checks; the payment pipeline holds the
// authoritative reservation for actual invoice amounts.
type Budget interface {
	Reserve(amount usdc.Micro) (*budget.Reservation, error)
	Release(r *budget.Reservation) error
	Status() budget.Status
}

// TransitionStore persists transition attempts.
type TransitionStore interface {
	InsertTransition(ctx context.Context, tr *store.Transition) error
}

// Observer is notified after every successful level change.
type Observer interface {
	LevelChanged(from, to Level, trigger Trigger)
}

// PurchaseFunc executes the market-data purchase attached to a paid
// transition, returning the amount actually spent and the payment row id.
type PurchaseFunc func(ctx context.Context) (usdc.Micro, string, error)

// Event is one trigger presented to the machine.
type Event struct {
	RunID      string
	Trigger    Trigger
	Metrics    *riskmetrics.Metrics
	SnapshotID string
	Purchase   PurchaseFunc
}

// rule is one row of the transition table.
type rule struct {
	from    Level
	to      Level
	trigger Trigger
	guards  []string
	cost    usdc.Micro // escalation cost estimate, reserved as the budget guard
	paid    bool       // transition carries a market-data payment
}

var rules = buildRules()

func buildRules() []rule {
	rs := []rule{
		{from: L0Idle, to: L1Monitor, trigger: TriggerMetricTick, guards: []string{GuardSystemNotPaused}},
		{from: L1Monitor, to: L2Alert, trigger: TriggerRiskThreshold, guards: []string{GuardRiskThreshold}},
		{from: L2Alert, to: L3MarketData, trigger: TriggerNeedMarketData, guards: []string{GuardCooldownOK}, cost: 500_000, paid: true},
		{from: L3MarketData, to: L4Critical, trigger: TriggerCriticalMetric, guards: []string{GuardLCRCritical}, cost: 1_000_000, paid: true},
		{from: L4Critical, to: L5Emergency, trigger: TriggerEmergency, guards: []string{GuardDepthCrisis}, cost: 2_000_000, paid: true},
		{from: LevelBlocked, to: L1Monitor, trigger: TriggerBudgetRestored, guards: []string{GuardBudgetRestored}},
	}
	for l := L1Monitor; l <= L5Emergency; l++ {
		rs = append(rs, rule{from: l, to: l - 1, trigger: TriggerCooldownOK, guards: []string{GuardCooldownElapsed}})
	}
	for l := L2Alert; l <= L5Emergency; l++ {
		rs = append(rs, rule{from: l, to: LevelBlocked, trigger: TriggerBudgetExhausted})
	}
	return rs
}

// TriggerBudgetExhausted transitions carry an inline remaining-balance
// check instead of a named guard.

// Config assembles a machine.
type Config struct {
	Thresholds Thresholds
	LedgerCap  int // in-memory transition ring size, default 1000
}

// Machine owns the current level. All reads and writes are serialized
// by one mutex so guards see a consistent context.
type Machine struct {
	mu             sync.Mutex
	level          Level
	enteredAt      time.Time
	lastEscalation time.Time
	paused         bool

	thresholds Thresholds
	ledgerCap  int
	budget     Budget
	store      TransitionStore
	observers  []Observer
	recent     []*store.Transition
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures the machine.
type Option func(*Machine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// New creates a machine at L0.
func New(cfg Config, bud Budget, st TransitionStore, logger *slog.Logger, opts ...Option) *Machine {
	if cfg.LedgerCap <= 0 {
		cfg.LedgerCap = 1000
	}
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = DefaultThresholds()
	}
	m := &Machine{
		level:      L0Idle,
		thresholds: cfg.Thresholds,
		ledgerCap:  cfg.LedgerCap,
		budget:     bud,
		store:      st,
		logger:     logger,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.enteredAt = m.now()
	metrics.EscalationLevel.Set(float64(m.level))
	return m
}

// AddObserver registers a level-change observer.
func (m *Machine) AddObserver(o Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, o)
}

// Level returns the current level.
func (m *Machine) Level() Level {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}

// EnteredAt returns when the current level was entered.
func (m *Machine) EnteredAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enteredAt
}

// Pause stops all escalations until Resume.
func (m *Machine) Pause() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = true
}

// Resume re-enables transitions.
func (m *Machine) Resume() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = false
}

// Recent returns up to n most recent transition attempts, newest first.
func (m *Machine) Recent(n int) []*store.Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n <= 0 || n > len(m.recent) {
		n = len(m.recent)
	}
	out := make([]*store.Transition, 0, n)
	for i := len(m.recent) - 1; i >= len(m.recent)-n; i-- {
		out = append(out, m.recent[i])
	}
	return out
}

// Fire presents one trigger. The returned transition records the
// attempt whether or not it succeeded; ErrNoTransition means the
// trigger does not apply from the current level and nothing was
// recorded.
func (m *Machine) Fire(ctx context.Context, ev Event) (*store.Transition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fireLocked(ctx, ev)
}

// Evaluate presents several same-tick triggers and executes only the
// highest-priority feasible one. Attempts that fail guards are still
// recorded. Returns every transition record produced, in evaluation
// order.
func (m *Machine) Evaluate(ctx context.Context, evs []Event) []*store.Transition {
	m.mu.Lock()
	defer m.mu.Unlock()

	ordered := make([]Event, len(evs))
	copy(ordered, evs)
	sort.SliceStable(ordered, func(i, j int) bool {
		ti, oki := m.targetLocked(ordered[i].Trigger)
		tj, okj := m.targetLocked(ordered[j].Trigger)
		if oki != okj {
			return oki
		}
		return ti.priority() > tj.priority()
	})

	var out []*store.Transition
	for _, ev := range ordered {
		tr, err := m.fireLocked(ctx, ev)
		if errors.Is(err, ErrNoTransition) {
			continue
		}
		if tr != nil {
			out = append(out, tr)
			if tr.Successful {
				break
			}
		}
	}
	return out
}

// Restore sets the level without recording a transition. Used to
// resume the last persisted level at startup and to seed replays.
func (m *Machine) Restore(level Level) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.level = level
	m.enteredAt = m.now()
	metrics.EscalationLevel.Set(float64(level))
}

// Override forces the level to target, bypassing guards and cooldowns.
// The only trigger allowed to skip levels upward.
func (m *Machine) Override(ctx context.Context, runID string, target Level) *store.Transition {
	m.mu.Lock()
	defer m.mu.Unlock()

	tr := m.newRecord(runID, target, TriggerManualOverride, "")
	tr.Successful = true
	m.applyLocked(ctx, tr, target, TriggerManualOverride, false)
	return tr
}

func (m *Machine) targetLocked(trigger Trigger) (Level, bool) {
	for _, r := range rules {
		if r.trigger == trigger && r.from == m.level {
			return r.to, true
		}
	}
	return 0, false
}

func (m *Machine) fireLocked(ctx context.Context, ev Event) (*store.Transition, error) {
	var matched *rule
	for i := range rules {
		if rules[i].trigger == ev.Trigger && rules[i].from == m.level {
			matched = &rules[i]
			break
		}
	}
	if matched == nil {
		return nil, fmt.Errorf("%w: %s from %s", ErrNoTransition, ev.Trigger, m.level)
	}

	tr := m.newRecord(ev.RunID, matched.to, ev.Trigger, ev.SnapshotID)

	// Budget-exhausted sink: inline remaining-balance check.
	if matched.to == LevelBlocked {
		if m.budget.Status().Remaining >= m.thresholds.MinOperational {
			tr.GuardsFailed = append(tr.GuardsFailed, GuardBudgetOK)
			m.recordLocked(ctx, tr)
			return tr, nil
		}
		tr.Successful = true
		m.applyLocked(ctx, tr, LevelBlocked, ev.Trigger, false)
		return tr, nil
	}

	// Budget guard: reserve the escalation cost estimate. Failure
	// redirects to the blocked sink rather than aborting.
	var reservation *budget.Reservation
	if matched.cost > 0 {
		res, err := m.budget.Reserve(matched.cost)
		if err != nil {
			tr.GuardsFailed = append(tr.GuardsFailed, GuardBudgetOK)
			return m.redirectBlockedLocked(ctx, tr, ev.Trigger), nil
		}
		reservation = res
		tr.GuardsPassed = append(tr.GuardsPassed, GuardBudgetOK)
	}

	in := guardInput{
		paused:         m.paused,
		enteredAt:      m.enteredAt,
		lastEscalation: m.lastEscalation,
		now:            m.now(),
		metrics:        ev.Metrics,
		budget:         m.budget.Status(),
		thresholds:     m.thresholds,
	}
	for _, name := range matched.guards {
		if guardFuncs[name](in) {
			tr.GuardsPassed = append(tr.GuardsPassed, name)
			continue
		}
		tr.GuardsFailed = append(tr.GuardsFailed, name)
	}
	if len(tr.GuardsFailed) > 0 {
		m.releaseLocked(reservation)
		m.recordLocked(ctx, tr)
		return tr, nil
	}

	// Paid transitions hand spending to the payment pipeline, which
	// reserves the authoritative invoice amount. The estimate made the
	// feasibility decision; release it first.
	if matched.paid && ev.Purchase != nil {
		m.releaseLocked(reservation)
		reservation = nil

		amount, paymentID, err := ev.Purchase(ctx)
		if err != nil {
			if payment.KindOf(err) == payment.KindBudgetBlocked {
				return m.redirectBlockedLocked(ctx, tr, ev.Trigger), nil
			}
			tr.GuardsFailed = append(tr.GuardsFailed, "payment:"+string(payment.KindOf(err)))
			m.recordLocked(ctx, tr)
			return tr, nil
		}
		tr.Cost = amount
		tr.PaymentID = paymentID
	} else {
		m.releaseLocked(reservation)
	}

	tr.Successful = true
	m.applyLocked(ctx, tr, matched.to, ev.Trigger, matched.paid)
	return tr, nil
}

// redirectBlockedLocked records a successful transition into the sink
// after a budget refusal.
func (m *Machine) redirectBlockedLocked(ctx context.Context, tr *store.Transition, trigger Trigger) *store.Transition {
	tr.ToLevel = LevelBlocked.String()
	tr.Successful = true
	m.applyLocked(ctx, tr, LevelBlocked, trigger, false)
	return tr
}

// applyLocked commits a successful transition. Only paid escalations
// arm the spend cooldown; free hops must not delay the next purchase.
func (m *Machine) applyLocked(ctx context.Context, tr *store.Transition, to Level, trigger Trigger, paid bool) {
	from := m.level
	now := m.now()
	m.level = to
	m.enteredAt = now
	if paid {
		m.lastEscalation = now
	}

	m.recordLocked(ctx, tr)
	metrics.EscalationLevel.Set(float64(to))
	m.logger.Info("level changed",
		"from", from.String(),
		"to", to.String(),
		"trigger", string(trigger),
		"cost", tr.Cost.String(),
	)
	for _, o := range m.observers {
		o.LevelChanged(from, to, trigger)
	}
}

// recordLocked appends to the capped in-memory ring and persists the
// attempt. The store keeps the full history; the ring drops oldest.
func (m *Machine) recordLocked(ctx context.Context, tr *store.Transition) {
	m.recent = append(m.recent, tr)
	if len(m.recent) > m.ledgerCap {
		m.recent = m.recent[len(m.recent)-m.ledgerCap:]
	}

	result := "failed"
	if tr.Successful {
		result = "successful"
	}
	metrics.TransitionsTotal.WithLabelValues(tr.FromLevel, tr.ToLevel, result).Inc()

	if err := m.store.InsertTransition(ctx, tr); err != nil {
		m.logger.Error("persist transition failed", "transition_id", tr.ID, "err", err)
	}
}

func (m *Machine) releaseLocked(r *budget.Reservation) {
	if r == nil {
		return
	}
	if err := m.budget.Release(r); err != nil {
		m.logger.Warn("release reservation failed", "err", err)
	}
}

func (m *Machine) newRecord(runID string, to Level, trigger Trigger, snapshotID string) *store.Transition {
	return &store.Transition{
		ID:         idgen.WithPrefix("tr"),
		RunID:      runID,
		FromLevel:  m.level.String(),
		ToLevel:    to.String(),
		Trigger:    string(trigger),
		SnapshotID: snapshotID,
		Timestamp:  m.now(),
	}
}
