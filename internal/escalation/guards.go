package escalation

import (
	"time"

	"github.com/mbd888/treasury-sentinel/internal/budget"
	"github.com/mbd888/treasury-sentinel/internal/riskmetrics"
	"github.com/mbd888/treasury-sentinel/internal/usdc"
)

// Guard names as recorded on transition rows.
const (
	GuardSystemNotPaused = "system_not_paused"
	GuardRiskThreshold   = "risk_threshold"
	GuardCooldownOK      = "cooldown_ok"
	GuardCooldownElapsed = "cooldown_elapsed"
	GuardBudgetOK        = "budget_ok"
	GuardLCRCritical     = "lcr_critical"
	GuardDepthCrisis     = "depth_crisis"
	GuardBudgetRestored  = "budget_restored"
)

// Thresholds parameterize the guard predicates.
type Thresholds struct {
	// VolEscalate is the lowest regime that justifies L1 -> L2.
	VolEscalate riskmetrics.VolRegime
	// LCRWarning marks LCR levels that justify L1 -> L2.
	LCRWarning float64
	// LCRCritical marks LCR levels that justify L3 -> L4.
	LCRCritical float64
	// DepthCrisisPercent selects the depth band inspected by the
	// emergency guard; DepthCrisisNotional is the floor under which the
	// market counts as in crisis.
	DepthCrisisPercent  float64
	DepthCrisisNotional float64
	// Cooldown is the per-level minimum dwell time.
	Cooldown time.Duration
	// MinOperational drives the budget-exhausted sink; BudgetRestore is
	// the remaining balance that re-opens operation from the sink.
	MinOperational usdc.Micro
	BudgetRestore  usdc.Micro
}

// DefaultThresholds returns the stock guard parameters.
func DefaultThresholds() Thresholds {
	return Thresholds{
		VolEscalate:         riskmetrics.VolElevated,
		LCRWarning:          1.2,
		LCRCritical:         1.0,
		DepthCrisisPercent:  1.0,
		DepthCrisisNotional: 100_000,
		Cooldown:            5 * time.Minute,
		MinOperational:      50_000,
		BudgetRestore:       2_000_000,
	}
}

// guardInput is the read-only world a guard predicate sees.
type guardInput struct {
	paused         bool
	enteredAt      time.Time
	lastEscalation time.Time
	now            time.Time
	metrics        *riskmetrics.Metrics
	budget         budget.Status
	thresholds     Thresholds
}

type guardFunc func(in guardInput) bool

var guardFuncs = map[string]guardFunc{
	GuardSystemNotPaused: func(in guardInput) bool { return !in.paused },

	GuardRiskThreshold: func(in guardInput) bool {
		if in.metrics == nil {
			return false
		}
		if regimeAtLeast(in.metrics.VolRegime, in.thresholds.VolEscalate) {
			return true
		}
		return !in.metrics.LCRInfinite && in.metrics.LCRRatio < in.thresholds.LCRWarning
	},

	// Escalation spends wait out the cooldown since the last paid
	// escalation.
	GuardCooldownOK: func(in guardInput) bool {
		if in.lastEscalation.IsZero() {
			return true
		}
		return in.now.Sub(in.lastEscalation) >= in.thresholds.Cooldown
	},

	// De-escalation waits out the dwell time in the current level.
	GuardCooldownElapsed: func(in guardInput) bool {
		return in.now.Sub(in.enteredAt) >= in.thresholds.Cooldown
	},

	GuardLCRCritical: func(in guardInput) bool {
		if in.metrics == nil || in.metrics.LCRInfinite {
			return false
		}
		return in.metrics.LCRRatio < in.thresholds.LCRCritical
	},

	// Without purchased depth data there is no evidence of a crisis.
	GuardDepthCrisis: func(in guardInput) bool {
		if in.metrics == nil {
			return false
		}
		for _, band := range in.metrics.DepthBands {
			if band.Percent == in.thresholds.DepthCrisisPercent {
				return band.BidNotional+band.AskNotional < in.thresholds.DepthCrisisNotional
			}
		}
		return false
	},

	GuardBudgetRestored: func(in guardInput) bool {
		return in.budget.Remaining >= in.thresholds.BudgetRestore
	},
}

var regimeOrder = map[riskmetrics.VolRegime]int{
	riskmetrics.VolLow:      0,
	riskmetrics.VolNormal:   1,
	riskmetrics.VolElevated: 2,
	riskmetrics.VolHigh:     3,
	riskmetrics.VolExtreme:  4,
}

func regimeAtLeast(got, want riskmetrics.VolRegime) bool {
	return regimeOrder[got] >= regimeOrder[want]
}
