package riskmetrics

import (
	"math"
	"testing"
)

func TestLCR(t *testing.T) {
	// Inflows capped at 75% of outflows: 100 / (100 - 75) = 4.
	got := LCR(100, 100, 200)
	if math.Abs(got-4) > 1e-9 {
		t.Fatalf("LCR with capped inflows = %v, want 4", got)
	}

	// No cap: 100 / (100 - 50) = 2.
	got = LCR(100, 100, 50)
	if math.Abs(got-2) > 1e-9 {
		t.Fatalf("LCR = %v, want 2", got)
	}

	if !math.IsInf(LCR(100, 0, 0), 1) {
		t.Fatal("zero net outflows should be infinite coverage")
	}
}

func TestExitHalfLifeHours(t *testing.T) {
	// $1M position, $500k daily volume, 10% participation:
	// (1M/2) / (500k*0.1) * 24 = 240 hours.
	got := ExitHalfLifeHours(1_000_000, 500_000, 0.1)
	if math.Abs(got-240) > 1e-9 {
		t.Fatalf("half-life = %v, want 240", got)
	}

	if !math.IsInf(ExitHalfLifeHours(1_000_000, 0, 0.1), 1) {
		t.Fatal("zero volume should be an infinite half-life")
	}
}

func TestAnnualizedVolatility(t *testing.T) {
	// Constant prices have zero volatility.
	if v := AnnualizedVolatility([]float64{100, 100, 100, 100}); v != 0 {
		t.Fatalf("flat series vol = %v, want 0", v)
	}

	// Alternating +10%/-10% has known sample stddev of log returns.
	prices := []float64{100, 110, 99, 108.9, 98.01}
	v := AnnualizedVolatility(prices)
	if v <= 0 {
		t.Fatalf("vol = %v, want > 0", v)
	}

	// Too few samples.
	if v := AnnualizedVolatility([]float64{100, 110}); v != 0 {
		t.Fatalf("two samples vol = %v, want 0", v)
	}
}

// Boundary values classify into the lower regime.
func TestClassifyVolatility_BoundaryDownward(t *testing.T) {
	cases := []struct {
		vol  float64
		want VolRegime
	}{
		{0.10, VolLow},
		{0.15, VolLow},
		{0.1500001, VolNormal},
		{0.30, VolNormal},
		{0.45, VolElevated},
		{0.50, VolElevated},
		{0.80, VolHigh},
		{0.81, VolExtreme},
	}
	for _, tc := range cases {
		if got := ClassifyVolatility(tc.vol); got != tc.want {
			t.Errorf("ClassifyVolatility(%v) = %s, want %s", tc.vol, got, tc.want)
		}
	}
}

func TestComputeDepthBands(t *testing.T) {
	book := OrderBook{
		Mid: 100,
		Bids: []BookLevel{
			{Price: 99.95, Quantity: 10}, // within 0.1%
			{Price: 99.00, Quantity: 20}, // within 1%
			{Price: 94.00, Quantity: 30}, // outside 5%
		},
		Asks: []BookLevel{
			{Price: 100.05, Quantity: 10},
			{Price: 101.00, Quantity: 20},
			{Price: 106.00, Quantity: 30},
		},
	}

	bands := ComputeDepthBands(book)
	if len(bands) != len(DepthBandPercents) {
		t.Fatalf("got %d bands", len(bands))
	}

	// 0.1% band: only the tightest level on each side.
	if got := bands[0].BidNotional; math.Abs(got-999.5) > 1e-6 {
		t.Errorf("0.1%% bid notional = %v, want 999.5", got)
	}
	if got := bands[0].AskNotional; math.Abs(got-1000.5) > 1e-6 {
		t.Errorf("0.1%% ask notional = %v, want 1000.5", got)
	}

	// 5% band: the 94 bid and 106 ask stay outside.
	want := 999.5 + 99.0*20
	if got := bands[5].BidNotional; math.Abs(got-want) > 1e-6 {
		t.Errorf("5%% bid notional = %v, want %v", got, want)
	}
}

func TestComputeImpactCurve(t *testing.T) {
	book := OrderBook{
		Mid: 100,
		Asks: []BookLevel{
			{Price: 100, Quantity: 100},  // $10k
			{Price: 101, Quantity: 1000}, // $101k
		},
	}

	points, maxTradeable := ComputeImpactCurve(book)
	if len(points) != len(ImpactTargetsUSD) {
		t.Fatalf("got %d points", len(points))
	}
	if math.Abs(maxTradeable-111_000) > 1e-6 {
		t.Fatalf("maxTradeable = %v, want 111000", maxTradeable)
	}

	// $10k fills entirely at the top level: no slippage.
	if !points[0].Filled || math.Abs(points[0].SlippagePct) > 1e-9 {
		t.Errorf("10k point = %+v, want filled at mid", points[0])
	}

	// $100k walks into the second level: positive slippage.
	if !points[2].Filled || points[2].SlippagePct <= 0 {
		t.Errorf("100k point = %+v, want filled with slippage", points[2])
	}

	// $500k and $1M exceed the book.
	if points[3].Filled || points[4].Filled {
		t.Error("targets beyond book capacity must report unfilled")
	}
}

func TestCompute_RiskScoreComposition(t *testing.T) {
	// Healthy treasury: infinite LCR, fast exits, low vol.
	m := Compute(Inputs{
		HQLA:              1_000_000,
		ProjectedOutflows: 0,
		Positions:         []Position{{Symbol: "ETH", SizeUSD: 10_000, DailyVolumeUSD: 1_000_000}},
		Prices:            []float64{100, 100.1, 100.05, 100.2, 100.1},
	})
	if m.RiskLevel != RiskLow {
		t.Fatalf("healthy treasury risk = %s (%d), want LOW", m.RiskLevel, m.RiskScore)
	}
	if !m.LCRCompliant || !m.LCRInfinite {
		t.Fatalf("expected infinite compliant LCR, got %+v", m)
	}

	// Stressed treasury: LCR below 0.8, illiquid positions, extreme vol.
	prices := make([]float64, 0, 30)
	p := 100.0
	for i := 0; i < 30; i++ {
		if i%2 == 0 {
			p *= 1.2
		} else {
			p *= 0.8
		}
		prices = append(prices, p)
	}
	m = Compute(Inputs{
		HQLA:              100_000,
		ProjectedOutflows: 1_000_000,
		ProjectedInflows:  0,
		Positions:         []Position{{Symbol: "ALT", SizeUSD: 5_000_000, DailyVolumeUSD: 10_000}},
		Prices:            prices,
	})
	if m.RiskLevel != RiskCritical {
		t.Fatalf("stressed treasury risk = %s (%d), want CRITICAL", m.RiskLevel, m.RiskScore)
	}
	if m.LCRCompliant {
		t.Fatal("LCR 0.1 must not be compliant")
	}
}
