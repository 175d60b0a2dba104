// Package riskmetrics computes liquidity-risk metrics from treasury
// snapshots and optional market data: LCR, exit half-life, volatility
// regime, depth bands, impact curve, and a composite risk score.
//
// Every computation is a pure function of its inputs. Budget-affecting
// quantities never pass through here; prices and ratios are IEEE-754
// doubles with the usual tolerances.
package riskmetrics

import (
	"math"
)

// VolRegime buckets annualized volatility.
type VolRegime string

const (
	VolLow      VolRegime = "LOW"
	VolNormal   VolRegime = "NORMAL"
	VolElevated VolRegime = "ELEVATED"
	VolHigh     VolRegime = "HIGH"
	VolExtreme  VolRegime = "EXTREME"
)

// RiskLevel buckets the composite score.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// DefaultParticipationRate bounds what share of daily volume an exit
// may consume.
const DefaultParticipationRate = 0.1

// CryptoAnnualization converts per-sample volatility of a daily series
// to annual terms; crypto trades every day of the year.
var CryptoAnnualization = math.Sqrt(365)

// DepthBandPercents are the distances from mid at which depth is
// aggregated, in percent.
var DepthBandPercents = []float64{0.1, 0.25, 0.5, 1, 2, 5}

// ImpactTargetsUSD are the notionals at which slippage is evaluated.
var ImpactTargetsUSD = []float64{10_000, 50_000, 100_000, 500_000, 1_000_000}

// BookLevel is one price level of an order book side.
type BookLevel struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// OrderBook is a two-sided book. Bids are expected sorted descending by
// price, asks ascending.
type OrderBook struct {
	Mid  float64     `json:"mid"`
	Bids []BookLevel `json:"bids"`
	Asks []BookLevel `json:"asks"`
}

// Position is one treasury holding with its liquidation context.
type Position struct {
	Symbol         string  `json:"symbol"`
	SizeUSD        float64 `json:"size_usd"`
	DailyVolumeUSD float64 `json:"daily_volume_usd"`
}

// DepthBand is aggregate notional liquidity within a percent of mid.
type DepthBand struct {
	Percent     float64 `json:"percent"`
	BidNotional float64 `json:"bid_notional"`
	AskNotional float64 `json:"ask_notional"`
}

// ImpactPoint is expected slippage for one trade notional.
type ImpactPoint struct {
	NotionalUSD    float64 `json:"notional_usd"`
	ExecutionPrice float64 `json:"execution_price"`
	SlippagePct    float64 `json:"slippage_pct"`
	Filled         bool    `json:"filled"`
}

// ExitEstimate is the liquidation horizon for one position.
type ExitEstimate struct {
	Symbol        string  `json:"symbol"`
	HalfLifeHours float64 `json:"half_life_hours"`
	FullExitHours float64 `json:"full_exit_hours"`
}

// Metrics is the full per-run metric set. It round-trips through JSON
// exactly (infinities are flagged, not serialized).
type Metrics struct {
	LCRRatio     float64        `json:"lcr_ratio"`
	LCRInfinite  bool           `json:"lcr_infinite,omitempty"`
	LCRCompliant bool           `json:"lcr_compliant"`
	Exits        []ExitEstimate `json:"exits,omitempty"`
	Volatility   float64        `json:"volatility"`
	VolRegime    VolRegime      `json:"vol_regime"`
	DepthBands   []DepthBand    `json:"depth_bands,omitempty"`
	ImpactCurve  []ImpactPoint  `json:"impact_curve,omitempty"`
	MaxTradeable float64        `json:"max_tradeable_usd,omitempty"`
	RiskScore    int            `json:"risk_score"`
	RiskLevel    RiskLevel      `json:"risk_level"`
}

// LCR computes the liquidity coverage ratio. Inflows are capped at 75%
// of outflows per the standard formulation. Returns +Inf when net
// outflows are zero.
func LCR(hqla, projectedOutflows, projectedInflows float64) float64 {
	capped := math.Min(projectedInflows, 0.75*projectedOutflows)
	net := math.Max(projectedOutflows-capped, 0)
	if net == 0 {
		return math.Inf(1)
	}
	return hqla / net
}

// ExitHalfLifeHours estimates the hours to liquidate half a position at
// the given participation rate of daily volume. Infinite when the
// market trades no volume.
func ExitHalfLifeHours(positionUSD, dailyVolumeUSD, participationRate float64) float64 {
	if participationRate <= 0 {
		participationRate = DefaultParticipationRate
	}
	if dailyVolumeUSD <= 0 {
		return math.Inf(1)
	}
	return (positionUSD / 2) / (dailyVolumeUSD * participationRate) * 24
}

// AnnualizedVolatility computes the annualized standard deviation of
// log returns of a daily price series. Returns 0 when fewer than three
// samples are available.
func AnnualizedVolatility(prices []float64) float64 {
	if len(prices) < 3 {
		return 0
	}

	returns := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] <= 0 || prices[i] <= 0 {
			continue
		}
		returns = append(returns, math.Log(prices[i]/prices[i-1]))
	}
	if len(returns) < 2 {
		return 0
	}

	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	var variance float64
	for _, r := range returns {
		d := r - mean
		variance += d * d
	}
	variance /= float64(len(returns) - 1)

	return math.Sqrt(variance) * CryptoAnnualization
}

// ClassifyVolatility buckets annualized volatility. Boundaries classify
// downward: exactly 0.30 is NORMAL.
func ClassifyVolatility(vol float64) VolRegime {
	switch {
	case vol <= 0.15:
		return VolLow
	case vol <= 0.30:
		return VolNormal
	case vol <= 0.50:
		return VolElevated
	case vol <= 0.80:
		return VolHigh
	default:
		return VolExtreme
	}
}

// DepthBands aggregates bid and ask notional within each percent of mid.
func ComputeDepthBands(book OrderBook) []DepthBand {
	if book.Mid <= 0 {
		return nil
	}

	bands := make([]DepthBand, 0, len(DepthBandPercents))
	for _, p := range DepthBandPercents {
		lo := book.Mid * (1 - p/100)
		hi := book.Mid * (1 + p/100)

		var bid, ask float64
		for _, lvl := range book.Bids {
			if lvl.Price >= lo {
				bid += lvl.Price * lvl.Quantity
			}
		}
		for _, lvl := range book.Asks {
			if lvl.Price <= hi {
				ask += lvl.Price * lvl.Quantity
			}
		}
		bands = append(bands, DepthBand{Percent: p, BidNotional: bid, AskNotional: ask})
	}
	return bands
}

// ComputeImpactCurve walks the ask side filling each target notional.
// Execution price is total cost over total quantity; slippage is
// relative to mid. The returned maxTradeable is the total notional the
// book can absorb.
func ComputeImpactCurve(book OrderBook) ([]ImpactPoint, float64) {
	if book.Mid <= 0 || len(book.Asks) == 0 {
		return nil, 0
	}

	var maxTradeable float64
	for _, lvl := range book.Asks {
		maxTradeable += lvl.Price * lvl.Quantity
	}

	points := make([]ImpactPoint, 0, len(ImpactTargetsUSD))
	for _, target := range ImpactTargetsUSD {
		var cost, qty, remaining float64
		remaining = target
		for _, lvl := range book.Asks {
			levelNotional := lvl.Price * lvl.Quantity
			if levelNotional >= remaining {
				take := remaining / lvl.Price
				cost += remaining
				qty += take
				remaining = 0
				break
			}
			cost += levelNotional
			qty += lvl.Quantity
			remaining -= levelNotional
		}

		point := ImpactPoint{NotionalUSD: target, Filled: remaining == 0}
		if qty > 0 {
			point.ExecutionPrice = cost / qty
			point.SlippagePct = (point.ExecutionPrice - book.Mid) / book.Mid
		}
		points = append(points, point)
	}
	return points, maxTradeable
}

// Inputs bundles everything Compute needs. Book and Prices are optional
// (absent until market data has been purchased).
type Inputs struct {
	HQLA              float64    `json:"hqla"`
	ProjectedOutflows float64    `json:"projected_outflows"`
	ProjectedInflows  float64    `json:"projected_inflows"`
	LCRThreshold      float64    `json:"lcr_threshold"` // default 1.0
	Positions         []Position `json:"positions,omitempty"`
	ParticipationRate float64    `json:"participation_rate,omitempty"`
	Prices            []float64  `json:"prices,omitempty"`
	Book              *OrderBook `json:"book,omitempty"`
}

// Compute derives the full metric set from one input bundle.
func Compute(in Inputs) *Metrics {
	threshold := in.LCRThreshold
	if threshold == 0 {
		threshold = 1.0
	}

	m := &Metrics{}

	ratio := LCR(in.HQLA, in.ProjectedOutflows, in.ProjectedInflows)
	if math.IsInf(ratio, 1) {
		m.LCRInfinite = true
		m.LCRCompliant = true
	} else {
		m.LCRRatio = ratio
		m.LCRCompliant = ratio >= threshold
	}

	for _, p := range in.Positions {
		half := ExitHalfLifeHours(p.SizeUSD, p.DailyVolumeUSD, in.ParticipationRate)
		est := ExitEstimate{Symbol: p.Symbol}
		if math.IsInf(half, 1) {
			est.HalfLifeHours = -1 // flagged infinite
			est.FullExitHours = -1
		} else {
			est.HalfLifeHours = half
			est.FullExitHours = half * 2
		}
		m.Exits = append(m.Exits, est)
	}

	m.Volatility = AnnualizedVolatility(in.Prices)
	m.VolRegime = ClassifyVolatility(m.Volatility)

	if in.Book != nil {
		m.DepthBands = ComputeDepthBands(*in.Book)
		m.ImpactCurve, m.MaxTradeable = ComputeImpactCurve(*in.Book)
	}

	m.RiskScore = scoreRisk(m)
	m.RiskLevel = classifyRisk(m.RiskScore)
	return m
}

// scoreRisk composes 0-100: 40 points from LCR, 30 from exit half-life,
// 30 from volatility regime.
func scoreRisk(m *Metrics) int {
	score := 0

	switch {
	case m.LCRInfinite || m.LCRRatio >= 1.5:
		// fully covered
	case m.LCRRatio >= 1.2:
		score += 10
	case m.LCRRatio >= 1.0:
		score += 20
	case m.LCRRatio >= 0.8:
		score += 30
	default:
		score += 40
	}

	if avg, ok := averageHalfLife(m.Exits); ok {
		switch {
		case avg <= 24:
		case avg <= 72:
			score += 10
		case avg <= 168:
			score += 20
		default:
			score += 30
		}
	}

	switch m.VolRegime {
	case VolLow:
	case VolNormal:
		score += 7
	case VolElevated:
		score += 15
	case VolHigh:
		score += 22
	case VolExtreme:
		score += 30
	}

	return score
}

// averageHalfLife averages finite half-lives; an infinite exit pins the
// average to +Inf (reported as >168h bucket).
func averageHalfLife(exits []ExitEstimate) (float64, bool) {
	if len(exits) == 0 {
		return 0, false
	}
	var sum float64
	for _, e := range exits {
		if e.HalfLifeHours < 0 {
			return math.Inf(1), true
		}
		sum += e.HalfLifeHours
	}
	return sum / float64(len(exits)), true
}

func classifyRisk(score int) RiskLevel {
	switch {
	case score <= 25:
		return RiskLow
	case score <= 50:
		return RiskMedium
	case score <= 75:
		return RiskHigh
	default:
		return RiskCritical
	}
}
