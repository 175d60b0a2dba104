// Package agent orchestrates one sentinel run: snapshot the treasuries,
// compute risk metrics, drive the escalation machine, purchase market
// data when the machine asks for it, and persist the outcome.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/treasury-sentinel/internal/budget"
	"github.com/mbd888/treasury-sentinel/internal/escalation"
	"github.com/mbd888/treasury-sentinel/internal/idgen"
	"github.com/mbd888/treasury-sentinel/internal/logging"
	"github.com/mbd888/treasury-sentinel/internal/marketdata"
	"github.com/mbd888/treasury-sentinel/internal/metrics"
	"github.com/mbd888/treasury-sentinel/internal/riskmetrics"
	"github.com/mbd888/treasury-sentinel/internal/store"
	"github.com/mbd888/treasury-sentinel/internal/usdc"
)

// Snapshotter reads balances across all configured chains.
type Snapshotter interface {
	SnapshotAll(ctx context.Context) ([]*store.Snapshot, error)
}

// MarketData is the slice of the gateway the agent purchases through.
type MarketData interface {
	GetLiquidityDepth(ctx context.Context, runID, asset string) (*marketdata.DepthData, *marketdata.Response, error)
	GetOrderBook(ctx context.Context, runID, asset string) (*riskmetrics.OrderBook, *marketdata.Response, error)
	GetTrades(ctx context.Context, runID, asset string) (*marketdata.TradesData, *marketdata.Response, error)
}

// BudgetStatus exposes the ledger's current balance.
type BudgetStatus interface {
	Status() budget.Status
}

// InputParams are the static assumptions feeding metric computation.
// Together with a snapshot they fully determine the metric set, which
// is what makes replays deterministic.
type InputParams struct {
	ProjectedOutflowsUSD float64
	ProjectedInflowsUSD  float64
	LCRThreshold         float64
	ParticipationRate    float64
	// DailyVolumesUSD maps token symbols to assumed daily volume.
	DailyVolumesUSD map[string]float64
	// PriceHistory maps the primary asset to its recent daily closes.
	PriceHistory map[string][]float64
	// StableSymbols count as HQLA. Defaults to the majors.
	StableSymbols []string
}

// Config assembles an agent.
type Config struct {
	Asset          string        // primary asset for market-data purchases
	RunTimeout     time.Duration // default 5m
	MinOperational usdc.Micro    // below this remaining balance the sink trigger fires, default 50_000
	Inputs         InputParams
}

// Agent runs the per-tick pipeline.
type Agent struct {
	treasury Snapshotter
	machine  *escalation.Machine
	market   MarketData
	budget   BudgetStatus
	store    store.Store
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures the agent.
type Option func(*Agent)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Agent) { a.now = now }
}

// New creates an agent.
func New(treasury Snapshotter, machine *escalation.Machine, market MarketData, bud BudgetStatus, st store.Store, cfg Config, logger *slog.Logger, opts ...Option) *Agent {
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 5 * time.Minute
	}
	if cfg.MinOperational <= 0 {
		cfg.MinOperational = 50_000
	}
	if len(cfg.Inputs.StableSymbols) == 0 {
		cfg.Inputs.StableSymbols = []string{"USDC", "USDT", "DAI"}
	}
	a := &Agent{
		treasury: treasury,
		machine:  machine,
		market:   market,
		budget:   bud,
		store:    st,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// RunOnce executes one scheduled tick end to end. The returned run row
// is terminal (COMPLETED or FAILED). The machine's level survives a
// failed run; only open reservations are rolled back, and those are
// released by their owners on every failure path.
func (a *Agent) RunOnce(ctx context.Context, scheduledAt time.Time) (*store.Run, error) {
	run := &store.Run{
		ID:          idgen.WithPrefix("run"),
		ScheduledAt: scheduledAt,
		StartedAt:   a.now(),
		Status:      store.RunRunning,
		LevelBefore: a.machine.Level().String(),
	}
	if err := a.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("agent: create run: %w", err)
	}

	ctx = logging.WithRunID(ctx, run.ID)
	ctx, cancel := context.WithTimeout(ctx, a.cfg.RunTimeout)
	defer cancel()

	if err := a.execute(ctx, run, false); err != nil {
		a.finish(run, store.RunFailed, err)
		return run, err
	}
	a.finish(run, store.RunCompleted, nil)
	return run, nil
}

// Replay reconstructs a recorded run from its persisted snapshot and
// metrics. With dryRun the payment pipeline is bypassed: transitions
// apply without spending. The replay gets its own run row linked back
// to the original.
func (a *Agent) Replay(ctx context.Context, runID string, dryRun bool) (*store.Run, []*store.Transition, error) {
	original, err := a.store.GetRun(ctx, runID)
	if err != nil {
		return nil, nil, fmt.Errorf("agent: load run %s: %w", runID, err)
	}
	if original.Metadata.Metrics == nil {
		return nil, nil, fmt.Errorf("agent: run %s has no recorded metrics", runID)
	}
	startLevel, ok := escalation.ParseLevel(original.LevelBefore)
	if !ok {
		return nil, nil, fmt.Errorf("agent: run %s has unknown level %q", runID, original.LevelBefore)
	}

	run := &store.Run{
		ID:          idgen.WithPrefix("run"),
		ScheduledAt: a.now(),
		StartedAt:   a.now(),
		Status:      store.RunRunning,
		LevelBefore: original.LevelBefore,
		SnapshotID:  original.SnapshotID,
		Metadata: store.RunMetadata{
			DryRun:   dryRun,
			ReplayOf: original.ID,
			Metrics:  original.Metadata.Metrics,
		},
	}
	if err := a.store.CreateRun(ctx, run); err != nil {
		return nil, nil, fmt.Errorf("agent: create replay run: %w", err)
	}

	a.machine.Restore(startLevel)
	events := a.deriveEvents(run, original.Metadata.Metrics, dryRun)
	trs := a.machine.Evaluate(ctx, events)

	run.LevelAfter = a.machine.Level().String()
	a.finish(run, store.RunCompleted, nil)
	return run, trs, nil
}

func (a *Agent) execute(ctx context.Context, run *store.Run, dryRun bool) error {
	snaps, err := a.treasury.SnapshotAll(ctx)
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	for _, snap := range snaps {
		if snap.ID == "" {
			snap.ID = idgen.WithPrefix("snap")
		}
		snap.RunID = run.ID
		if err := a.store.InsertSnapshot(ctx, snap); err != nil {
			return fmt.Errorf("persist snapshot: %w", err)
		}
	}
	if len(snaps) > 0 {
		run.SnapshotID = snaps[0].ID
	}

	m := riskmetrics.Compute(a.buildInputs(snaps))
	run.Metadata.Metrics = m

	spentBefore := a.budget.Status().Spent

	events := a.deriveEvents(run, m, dryRun)
	trs := a.machine.Evaluate(ctx, events)
	for _, tr := range trs {
		if tr.PaymentID != "" {
			run.Metadata.InvoiceCount++
		}
	}

	run.SpendDelta = a.budget.Status().Spent - spentBefore
	run.LevelAfter = a.machine.Level().String()

	a.logger.Info("run evaluated",
		"run_id", run.ID,
		"level_before", run.LevelBefore,
		"level_after", run.LevelAfter,
		"risk_score", m.RiskScore,
		"risk_level", string(m.RiskLevel),
		"spend_delta", run.SpendDelta.String(),
		"transitions", len(trs),
	)
	return nil
}

// buildInputs derives the metric inputs from snapshots plus static
// assumptions. Stable balances count as HQLA; everything else is a
// position to exit.
func (a *Agent) buildInputs(snaps []*store.Snapshot) riskmetrics.Inputs {
	p := a.cfg.Inputs

	stable := make(map[string]bool, len(p.StableSymbols))
	for _, s := range p.StableSymbols {
		stable[s] = true
	}

	var hqla float64
	var positions []riskmetrics.Position
	for _, snap := range snaps {
		for _, bal := range snap.Balances {
			if stable[bal.Symbol] {
				hqla += bal.USDValue
				continue
			}
			if bal.USDValue <= 0 {
				continue
			}
			positions = append(positions, riskmetrics.Position{
				Symbol:         bal.Symbol,
				SizeUSD:        bal.USDValue,
				DailyVolumeUSD: p.DailyVolumesUSD[bal.Symbol],
			})
		}
	}

	return riskmetrics.Inputs{
		HQLA:              hqla,
		ProjectedOutflows: p.ProjectedOutflowsUSD,
		ProjectedInflows:  p.ProjectedInflowsUSD,
		LCRThreshold:      p.LCRThreshold,
		Positions:         positions,
		ParticipationRate: p.ParticipationRate,
		Prices:            p.PriceHistory[a.cfg.Asset],
	}
}

// deriveEvents maps the metric set onto same-tick triggers. A pure
// function of (level, metrics, budget): the machine's guards make the
// final call, this only proposes.
func (a *Agent) deriveEvents(run *store.Run, m *riskmetrics.Metrics, dryRun bool) []escalation.Event {
	base := escalation.Event{RunID: run.ID, Metrics: m, SnapshotID: run.SnapshotID}
	level := a.machine.Level()

	ev := func(trigger escalation.Trigger, purchase escalation.PurchaseFunc) escalation.Event {
		e := base
		e.Trigger = trigger
		if !dryRun {
			e.Purchase = purchase
		}
		return e
	}

	riskSignal := m.VolRegime == riskmetrics.VolElevated ||
		m.VolRegime == riskmetrics.VolHigh ||
		m.VolRegime == riskmetrics.VolExtreme ||
		(!m.LCRInfinite && !m.LCRCompliant)

	var events []escalation.Event
	switch {
	case level == escalation.LevelBlocked:
		events = append(events, ev(escalation.TriggerBudgetRestored, nil))
	case level == escalation.L0Idle:
		events = append(events, ev(escalation.TriggerMetricTick, nil))
	case level == escalation.L1Monitor && riskSignal:
		events = append(events, ev(escalation.TriggerRiskThreshold, nil))
	case level == escalation.L2Alert && riskSignal:
		events = append(events, ev(escalation.TriggerNeedMarketData, a.purchaseDepth(run)))
	case level == escalation.L3MarketData && !m.LCRInfinite && m.LCRRatio < 1.0:
		events = append(events, ev(escalation.TriggerCriticalMetric, a.purchaseOrderBook(run)))
	case level == escalation.L4Critical && len(m.DepthBands) > 0:
		events = append(events, ev(escalation.TriggerEmergency, a.purchaseTrades(run)))
	}

	if level >= escalation.L1Monitor && m.RiskLevel == riskmetrics.RiskLow {
		events = append(events, ev(escalation.TriggerCooldownOK, nil))
	}
	if level >= escalation.L2Alert && a.budget.Status().Remaining < a.cfg.MinOperational {
		events = append(events, ev(escalation.TriggerBudgetExhausted, nil))
	}
	return events
}

// purchaseDepth buys liquidity_depth and folds the bands back into the
// recorded metrics so later runs can evaluate the depth-crisis guard.
func (a *Agent) purchaseDepth(run *store.Run) escalation.PurchaseFunc {
	return func(ctx context.Context) (usdc.Micro, string, error) {
		data, resp, err := a.market.GetLiquidityDepth(ctx, run.ID, a.cfg.Asset)
		if err != nil {
			return 0, "", err
		}
		if run.Metadata.Metrics != nil {
			run.Metadata.Metrics.DepthBands = data.Bands
		}
		return purchaseCost(resp), resp.PaymentID, nil
	}
}

func (a *Agent) purchaseOrderBook(run *store.Run) escalation.PurchaseFunc {
	return func(ctx context.Context) (usdc.Micro, string, error) {
		book, resp, err := a.market.GetOrderBook(ctx, run.ID, a.cfg.Asset)
		if err != nil {
			return 0, "", err
		}
		if run.Metadata.Metrics != nil && book != nil {
			run.Metadata.Metrics.DepthBands = riskmetrics.ComputeDepthBands(*book)
			run.Metadata.Metrics.ImpactCurve, run.Metadata.Metrics.MaxTradeable = riskmetrics.ComputeImpactCurve(*book)
		}
		return purchaseCost(resp), resp.PaymentID, nil
	}
}

func (a *Agent) purchaseTrades(run *store.Run) escalation.PurchaseFunc {
	return func(ctx context.Context) (usdc.Micro, string, error) {
		_, resp, err := a.market.GetTrades(ctx, run.ID, a.cfg.Asset)
		if err != nil {
			return 0, "", err
		}
		return purchaseCost(resp), resp.PaymentID, nil
	}
}

// purchaseCost reads the committed spend: zero for cache hits and
// replayed invoices. The receipt amount may exceed it when the gateway
// settlement overpays; the excess never enters the ledger.
func purchaseCost(resp *marketdata.Response) usdc.Micro {
	if resp == nil || !resp.Paid {
		return 0
	}
	return resp.Cost
}

// finish stamps the terminal state and persists the run row.
func (a *Agent) finish(run *store.Run, status string, cause error) {
	run.Status = status
	run.CompletedAt = a.now()
	if cause != nil {
		run.Error = cause.Error()
	}

	metrics.RunsTotal.WithLabelValues(statusLabel(status)).Inc()
	if !run.StartedAt.IsZero() {
		metrics.RunDuration.Observe(run.CompletedAt.Sub(run.StartedAt).Seconds())
	}

	// Persist with a fresh context: the run deadline may already have
	// expired, and losing the terminal row would strand the run as
	// RUNNING forever.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.store.UpdateRun(ctx, run); err != nil {
		a.logger.Error("persist run failed", "run_id", run.ID, "err", err)
	}
}

func statusLabel(status string) string {
	switch status {
	case store.RunCompleted:
		return "completed"
	case store.RunFailed:
		return "failed"
	case store.RunSkipped:
		return "skipped"
	default:
		return "other"
	}
}
