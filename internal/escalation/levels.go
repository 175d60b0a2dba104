// Package escalation owns the sentinel's risk level and mediates every
// transition through guarded, budget-aware rules.
package escalation

// Level is the sentinel's escalation state. BUDGET_BLOCKED sits outside
// the ordered ladder as a sink reachable from L2 and above.
type Level int

const (
	LevelBlocked Level = -1
	L0Idle       Level = 0
	L1Monitor    Level = 1
	L2Alert      Level = 2
	L3MarketData Level = 3
	L4Critical   Level = 4
	L5Emergency  Level = 5
)

var levelNames = map[Level]string{
	LevelBlocked: "BUDGET_BLOCKED",
	L0Idle:       "L0_IDLE",
	L1Monitor:    "L1_MONITOR",
	L2Alert:      "L2_ALERT",
	L3MarketData: "L3_MARKET_DATA",
	L4Critical:   "L4_CRITICAL",
	L5Emergency:  "L5_EMERGENCY",
}

func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "UNKNOWN"
}

// ParseLevel maps a stored name back to its level.
func ParseLevel(name string) (Level, bool) {
	for l, n := range levelNames {
		if n == name {
			return l, true
		}
	}
	return 0, false
}

// priority orders concurrent triggers: the blocked sink wins over any
// escalation, higher levels over lower.
func (l Level) priority() int {
	if l == LevelBlocked {
		return 100
	}
	return int(l)
}

// Trigger names the event that requests a transition.
type Trigger string

const (
	TriggerMetricTick      Trigger = "metric-tick"
	TriggerRiskThreshold   Trigger = "risk-threshold"
	TriggerNeedMarketData  Trigger = "need-market-data"
	TriggerCriticalMetric  Trigger = "critical-metric"
	TriggerEmergency       Trigger = "emergency"
	TriggerCooldownOK      Trigger = "cooldown-ok"
	TriggerBudgetExhausted Trigger = "budget-exhausted"
	TriggerBudgetRestored  Trigger = "budget-restored"
	TriggerManualOverride  Trigger = "MANUAL_OVERRIDE"
)
