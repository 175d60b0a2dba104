package agent

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/treasury-sentinel/internal/budget"
	"github.com/mbd888/treasury-sentinel/internal/escalation"
	"github.com/mbd888/treasury-sentinel/internal/marketdata"
	"github.com/mbd888/treasury-sentinel/internal/payment"
	"github.com/mbd888/treasury-sentinel/internal/riskmetrics"
	"github.com/mbd888/treasury-sentinel/internal/store"
	"github.com/mbd888/treasury-sentinel/internal/usdc"
)

type stubSnapshotter struct {
	snaps []*store.Snapshot
	err   error
}

func (s *stubSnapshotter) SnapshotAll(ctx context.Context) ([]*store.Snapshot, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := make([]*store.Snapshot, len(s.snaps))
	for i, snap := range s.snaps {
		c := *snap
		out[i] = &c
	}
	return out, nil
}

// fakeMarket settles purchases directly against the ledger, standing in
// for gateway -> pipeline -> wallet.
type fakeMarket struct {
	led    *budget.Ledger
	calls  int
	excess usdc.Micro // settlement overpay observed on the receipt
}

func (f *fakeMarket) buy(amount usdc.Micro) (*marketdata.Response, error) {
	f.calls++
	res, err := f.led.Reserve(amount)
	if err != nil {
		return nil, &payment.PipelineError{Kind: payment.KindBudgetBlocked, Err: err}
	}
	if err := f.led.Commit(res); err != nil {
		return nil, err
	}
	return &marketdata.Response{
		Paid:      true,
		PaymentID: "pay_fake",
		Cost:      amount,
		Receipt:   &payment.Receipt{Amount: amount + f.excess},
	}, nil
}

func (f *fakeMarket) GetLiquidityDepth(ctx context.Context, runID, asset string) (*marketdata.DepthData, *marketdata.Response, error) {
	resp, err := f.buy(250_000)
	if err != nil {
		return nil, nil, err
	}
	return &marketdata.DepthData{
		Asset: asset,
		Bands: []riskmetrics.DepthBand{{Percent: 1.0, BidNotional: 40_000, AskNotional: 30_000}},
	}, resp, nil
}

func (f *fakeMarket) GetOrderBook(ctx context.Context, runID, asset string) (*riskmetrics.OrderBook, *marketdata.Response, error) {
	resp, err := f.buy(100_000)
	if err != nil {
		return nil, nil, err
	}
	return &riskmetrics.OrderBook{Mid: 100, Asks: []riskmetrics.BookLevel{{Price: 100, Quantity: 100}}}, resp, nil
}

func (f *fakeMarket) GetTrades(ctx context.Context, runID, asset string) (*marketdata.TradesData, *marketdata.Response, error) {
	resp, err := f.buy(50_000)
	if err != nil {
		return nil, nil, err
	}
	return &marketdata.TradesData{Asset: asset}, resp, nil
}

// volatilePrices produces an EXTREME regime.
func volatilePrices() []float64 {
	prices := make([]float64, 0, 20)
	p := 100.0
	for i := 0; i < 20; i++ {
		if i%2 == 0 {
			p *= 1.15
		} else {
			p *= 0.85
		}
		prices = append(prices, p)
	}
	return prices
}

func stressedSnapshots() []*store.Snapshot {
	return []*store.Snapshot{{
		ID:      "snap_1",
		ChainID: 8453,
		Wallet:  "0xabc",
		Balances: []store.TokenBalance{
			{Token: "0xusdc", Symbol: "USDC", Decimals: 6, RawBalance: "100000000000", USDValue: 100_000},
			{Token: "0xalt", Symbol: "ALT", Decimals: 18, RawBalance: "1", USDValue: 2_000_000},
		},
	}}
}

func stressedConfig() Config {
	return Config{
		Asset: "ALT",
		Inputs: InputParams{
			ProjectedOutflowsUSD: 500_000,
			DailyVolumesUSD:      map[string]float64{"ALT": 50_000},
			PriceHistory:         map[string][]float64{"ALT": volatilePrices()},
		},
	}
}

type fixture struct {
	agent   *Agent
	machine *escalation.Machine
	led     *budget.Ledger
	st      *store.MemoryStore
	market  *fakeMarket
	clock   time.Time
}

func newFixture(t *testing.T, snaps *stubSnapshotter, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		led:   budget.New(10_000_000, 50_000),
		st:    store.NewMemoryStore(),
		clock: time.Now(),
	}
	now := func() time.Time { return f.clock }
	f.machine = escalation.New(escalation.Config{}, f.led, f.st, slog.Default(), escalation.WithClock(now))
	f.market = &fakeMarket{led: f.led}
	f.agent = New(snaps, f.machine, f.market, f.led, f.st, cfg, slog.Default(), WithClock(now))
	return f
}

// Three stressed ticks walk the ladder L0 -> L1 -> L2 -> L3, the third
// one paying for depth data.
func TestRunOnce_EscalatesUnderStress(t *testing.T) {
	f := newFixture(t, &stubSnapshotter{snaps: stressedSnapshots()}, stressedConfig())

	run1, err := f.agent.RunOnce(context.Background(), f.clock)
	require.NoError(t, err)
	assert.Equal(t, store.RunCompleted, run1.Status)
	assert.Equal(t, "L0_IDLE", run1.LevelBefore)
	assert.Equal(t, "L1_MONITOR", run1.LevelAfter)
	assert.Equal(t, usdc.Micro(0), run1.SpendDelta)

	run2, err := f.agent.RunOnce(context.Background(), f.clock)
	require.NoError(t, err)
	assert.Equal(t, "L2_ALERT", run2.LevelAfter)

	run3, err := f.agent.RunOnce(context.Background(), f.clock)
	require.NoError(t, err)
	assert.Equal(t, "L3_MARKET_DATA", run3.LevelAfter)
	assert.Equal(t, usdc.Micro(250_000), run3.SpendDelta)
	assert.Equal(t, 1, run3.Metadata.InvoiceCount)
	assert.Equal(t, 1, f.market.calls)

	// Persisted level matches the machine immediately after commit.
	stored, err := f.st.GetRun(context.Background(), run3.ID)
	require.NoError(t, err)
	assert.Equal(t, f.machine.Level().String(), stored.LevelAfter)

	// The purchased depth bands were folded into the recorded metrics.
	require.NotNil(t, stored.Metadata.Metrics)
	assert.NotEmpty(t, stored.Metadata.Metrics.DepthBands)
}

// An overpaid settlement must not leak into the transition ledger: the
// recorded cost is the committed invoice amount, so the cost sum stays
// equal to the ledger's spend.
func TestRunOnce_OverpaidReceiptRecordsCommittedCost(t *testing.T) {
	f := newFixture(t, &stubSnapshotter{snaps: stressedSnapshots()}, stressedConfig())
	f.market.excess = 10_000

	for i := 0; i < 3; i++ {
		_, err := f.agent.RunOnce(context.Background(), f.clock)
		require.NoError(t, err)
	}

	trs, err := f.st.ListTransitions(context.Background(), 50)
	require.NoError(t, err)
	require.NotEmpty(t, trs)

	var total usdc.Micro
	for _, tr := range trs {
		total += tr.Cost
	}
	assert.Equal(t, usdc.Micro(250_000), total)
	assert.Equal(t, f.led.Status().Spent, total)
}

// A calm treasury never escalates past L1 and de-escalates home.
func TestRunOnce_CalmTreasuryStaysLow(t *testing.T) {
	calm := &stubSnapshotter{snaps: []*store.Snapshot{{
		ID:      "snap_1",
		ChainID: 8453,
		Balances: []store.TokenBalance{
			{Token: "0xusdc", Symbol: "USDC", Decimals: 6, USDValue: 5_000_000},
		},
	}}}
	f := newFixture(t, calm, Config{Asset: "ETH", Inputs: InputParams{ProjectedOutflowsUSD: 1000}})

	run, err := f.agent.RunOnce(context.Background(), f.clock)
	require.NoError(t, err)
	assert.Equal(t, "L1_MONITOR", run.LevelAfter)

	// Still calm next tick: no risk trigger fires, cooldown not served.
	run, err = f.agent.RunOnce(context.Background(), f.clock)
	require.NoError(t, err)
	assert.Equal(t, "L1_MONITOR", run.LevelAfter)

	// After the dwell time the cooldown de-escalation applies.
	f.clock = f.clock.Add(6 * time.Minute)
	run, err = f.agent.RunOnce(context.Background(), f.clock)
	require.NoError(t, err)
	assert.Equal(t, "L0_IDLE", run.LevelAfter)
	assert.Equal(t, usdc.Micro(0), f.led.Status().Spent)
}

// Snapshot failure marks the run FAILED; the level is durable.
func TestRunOnce_SnapshotFailure(t *testing.T) {
	f := newFixture(t, &stubSnapshotter{snaps: stressedSnapshots()}, stressedConfig())

	_, err := f.agent.RunOnce(context.Background(), f.clock)
	require.NoError(t, err)
	require.Equal(t, escalation.L1Monitor, f.machine.Level())

	failing := &stubSnapshotter{err: errors.New("rpc down")}
	f.agent.treasury = failing

	run, err := f.agent.RunOnce(context.Background(), f.clock)
	require.Error(t, err)
	assert.Equal(t, store.RunFailed, run.Status)
	assert.Contains(t, run.Error, "rpc down")
	assert.Equal(t, escalation.L1Monitor, f.machine.Level(), "level survives a failed run")

	stored, err := f.st.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunFailed, stored.Status)
}

// Dry-run replay of a recorded run yields the same transition sequence
// without spending.
func TestReplay_Deterministic(t *testing.T) {
	f := newFixture(t, &stubSnapshotter{snaps: stressedSnapshots()}, stressedConfig())

	// Walk to the paid L2 -> L3 transition.
	_, err := f.agent.RunOnce(context.Background(), f.clock)
	require.NoError(t, err)
	_, err = f.agent.RunOnce(context.Background(), f.clock)
	require.NoError(t, err)
	original, err := f.agent.RunOnce(context.Background(), f.clock)
	require.NoError(t, err)
	require.Equal(t, "L3_MARKET_DATA", original.LevelAfter)

	originalTrs, err := f.st.ListTransitionsByRun(context.Background(), original.ID)
	require.NoError(t, err)
	spentBefore := f.led.Status().Spent

	replay, replayTrs, err := f.agent.Replay(context.Background(), original.ID, true)
	require.NoError(t, err)

	assert.Equal(t, original.LevelBefore, replay.LevelBefore)
	assert.Equal(t, original.LevelAfter, replay.LevelAfter)
	assert.Equal(t, original.ID, replay.Metadata.ReplayOf)
	assert.True(t, replay.Metadata.DryRun)

	require.Len(t, replayTrs, len(originalTrs))
	for i := range originalTrs {
		assert.Equal(t, originalTrs[i].FromLevel, replayTrs[i].FromLevel)
		assert.Equal(t, originalTrs[i].ToLevel, replayTrs[i].ToLevel)
		assert.Equal(t, originalTrs[i].Trigger, replayTrs[i].Trigger)
		assert.Equal(t, originalTrs[i].Successful, replayTrs[i].Successful)
	}

	assert.Equal(t, spentBefore, f.led.Status().Spent, "dry run must not spend")
	assert.Equal(t, 1, f.market.calls, "dry run must not call the gateway")
}

func TestReplay_RequiresRecordedMetrics(t *testing.T) {
	f := newFixture(t, &stubSnapshotter{snaps: stressedSnapshots()}, stressedConfig())

	run := &store.Run{ID: "run_bare", Status: store.RunCompleted, LevelBefore: "L0_IDLE"}
	require.NoError(t, f.st.CreateRun(context.Background(), run))

	_, _, err := f.agent.Replay(context.Background(), "run_bare", true)
	assert.ErrorContains(t, err, "no recorded metrics")
}
