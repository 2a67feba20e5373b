// Package autoheal implements the per-service state machine that assesses
// health, decides on monitor/restart/quarantine/global-break actions, and
// latches a global circuit breaker into STOP.TXT, per §4.F.
package autoheal

import "time"

// ServiceState is one service's current auto-heal state.
type ServiceState string

const (
	StateHealthy     ServiceState = "healthy"
	StateDegraded    ServiceState = "degraded"
	StateFailed      ServiceState = "failed"
	StateQuarantined ServiceState = "quarantined"
	StateRecovering  ServiceState = "recovering"
)

// HealAction is the action a decision carries.
type HealAction string

const (
	ActionRestart     HealAction = "restart"
	ActionQuarantine  HealAction = "quarantine"
	ActionGlobalBreak HealAction = "global_break"
	ActionMonitor     HealAction = "monitor"
	ActionNoAction    HealAction = "no_action"
)

// ServiceHealth is one service's tracked state across assessment cycles.
type ServiceHealth struct {
	Name                string
	State               ServiceState
	Age                 *float64
	Threshold           float64
	ConsecutiveFailures int
	LastRestart         float64
	QuarantineUntil     *float64
	RestartCount        int
}

// HealDecision is one action decided for one service (or "system" for a
// global break) in a single cycle.
type HealDecision struct {
	Service    string                 `json:"service"`
	Action     HealAction             `json:"action"`
	Reason     string                 `json:"reason"`
	Confidence float64                `json:"confidence"`
	Timestamp  float64                `json:"ts"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	Success    *bool                  `json:"success,omitempty"`
}

// GlobalBreaker is the latched, process-wide circuit breaker.
type GlobalBreaker struct {
	Active           bool    `json:"active"`
	Reason           string  `json:"reason"`
	TriggeredAt      float64 `json:"triggered_at"`
	DailyPnLLoss     float64 `json:"daily_pnl_loss"`
	BalanceShortfall float64 `json:"balance_shortfall"`
	WsFailureCount   int     `json:"ws_failure_count"`
}

// GlobalBreakerThresholds controls when a breaker condition fires.
type GlobalBreakerThresholds struct {
	DailyPnLLoss     float64 // default -1000
	BalanceShortfall float64 // default -500
	WsFailureCount   int     // default 10
}

// DefaultGlobalBreakerThresholds mirrors §4.F's documented defaults.
func DefaultGlobalBreakerThresholds() GlobalBreakerThresholds {
	return GlobalBreakerThresholds{
		DailyPnLLoss:     -1000.0,
		BalanceShortfall: -500.0,
		WsFailureCount:   10,
	}
}

// ServiceSpec declares one service's freshness threshold in seconds.
type ServiceSpec struct {
	Name      string
	Threshold float64
}

// DefaultServiceSpecs mirrors §4.F's example thresholds.
func DefaultServiceSpecs() []ServiceSpec {
	return []ServiceSpec{
		{Name: "feeder", Threshold: 30},
		{Name: "ares", Threshold: 75},
		{Name: "trader", Threshold: 300},
		{Name: "positions", Threshold: 60},
	}
}

const (
	maxRestartAttempts    = 3
	quarantineDurationSec = 300.0
)

func epochNow() float64 { return float64(time.Now().UnixNano()) / 1e9 }
