package autoheal

import (
	"fmt"
	"sync"

	"github.com/cryptoquant-io/coretrader/infrastructure/logging"
	"github.com/cryptoquant-io/coretrader/internal/filebus"
	"github.com/cryptoquant-io/coretrader/internal/health"
	"github.com/cryptoquant-io/coretrader/internal/ssot"
)

// RestartFunc performs the actual service restart (subprocess spawn, systemd
// unit restart, whatever the deployment uses) and reports whether it
// succeeded. FSM decides when to call it; it never spawns anything itself.
type RestartFunc func(service string) error

// FSM tracks per-service state across cycles and decides/executes heal
// actions.
type FSM struct {
	Paths      *ssot.Paths
	Bus        *filebus.Bus
	Logger     *logging.Logger
	Specs      []ServiceSpec
	Thresholds GlobalBreakerThresholds
	Restart    RestartFunc

	mu       sync.Mutex
	services map[string]*ServiceHealth
	breaker  GlobalBreaker
}

// New builds an FSM. If restart is nil, every RESTART decision is recorded
// as a failed restart (success=false), which counts toward quarantine.
func New(paths *ssot.Paths, bus *filebus.Bus, logger *logging.Logger, specs []ServiceSpec, restart RestartFunc) *FSM {
	return &FSM{
		Paths:      paths,
		Bus:        bus,
		Logger:     logger,
		Specs:      specs,
		Thresholds: DefaultGlobalBreakerThresholds(),
		Restart:    restart,
		services:   make(map[string]*ServiceHealth),
	}
}

// AssessHealth reads the aggregated health snapshot and computes this
// cycle's ServiceState for every declared service, preserving restart/
// quarantine bookkeeping carried over from the previous cycle.
func (f *FSM) AssessHealth(agg health.AggregatedHealth) map[string]ServiceHealth {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make(map[string]ServiceHealth, len(f.Specs))
	for _, spec := range f.Specs {
		prev := f.services[spec.Name]
		if prev == nil {
			prev = &ServiceHealth{Name: spec.Name, State: StateHealthy, Threshold: spec.Threshold}
		}

		var age *float64
		if entry, ok := agg.Components[spec.Name]; ok && !entry.Missing {
			a := entry.AgeSec
			age = &a
		}

		state := f.determineState(spec.Name, age, spec.Threshold, prev)

		sh := &ServiceHealth{
			Name:                spec.Name,
			State:               state,
			Age:                 age,
			Threshold:           spec.Threshold,
			ConsecutiveFailures: prev.ConsecutiveFailures,
			LastRestart:         prev.LastRestart,
			QuarantineUntil:     prev.QuarantineUntil,
			RestartCount:        prev.RestartCount,
		}

		if state == StateHealthy {
			sh.ConsecutiveFailures = 0
		}

		f.services[spec.Name] = sh
		out[spec.Name] = *sh
	}
	return out
}

func (f *FSM) determineState(name string, age *float64, threshold float64, prev *ServiceHealth) ServiceState {
	if prev.State == StateQuarantined && prev.QuarantineUntil != nil && epochNow() < *prev.QuarantineUntil {
		return StateQuarantined
	}
	if prev.State == StateRecovering {
		return StateRecovering
	}

	if age == nil {
		return StateFailed
	}
	switch health.DeriveComponentStatus(*age, threshold) {
	case health.ComponentHealthy:
		return StateHealthy
	case health.ComponentDegraded:
		return StateDegraded
	default:
		return StateFailed
	}
}

// CheckGlobalBreakers evaluates the fixed breaker conditions against the
// supplied PnL/balance/websocket metrics and latches the breaker if any
// condition fires. Once active, the breaker stays active until an operator
// clears it externally (deletes STOP.TXT); this call never un-latches it.
func (f *FSM) CheckGlobalBreakers(dailyPnLLoss, balanceShortfall float64, wsFailureCount int) (bool, string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.breaker.Active {
		return true, f.breaker.Reason
	}

	var reason string
	switch {
	case dailyPnLLoss < f.Thresholds.DailyPnLLoss:
		reason = fmt.Sprintf("daily_pnl_loss %.2f below threshold %.2f", dailyPnLLoss, f.Thresholds.DailyPnLLoss)
	case balanceShortfall < f.Thresholds.BalanceShortfall:
		reason = fmt.Sprintf("balance_shortfall %.2f below threshold %.2f", balanceShortfall, f.Thresholds.BalanceShortfall)
	case wsFailureCount >= f.Thresholds.WsFailureCount:
		reason = fmt.Sprintf("ws_failure_count %d >= threshold %d", wsFailureCount, f.Thresholds.WsFailureCount)
	default:
		return false, ""
	}

	f.breaker = GlobalBreaker{
		Active:           true,
		Reason:           reason,
		TriggeredAt:      epochNow(),
		DailyPnLLoss:     dailyPnLLoss,
		BalanceShortfall: balanceShortfall,
		WsFailureCount:   wsFailureCount,
	}
	return true, reason
}

// GlobalBreaker returns a copy of the current breaker state.
func (f *FSM) GlobalBreaker() GlobalBreaker {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.breaker
}

// TriggerGlobalBreak writes STOP.TXT and returns the resulting decision,
// short-circuiting the per-service decision pass for this cycle.
func (f *FSM) TriggerGlobalBreak(reason string) (HealDecision, error) {
	b := f.GlobalBreaker()
	payload := map[string]interface{}{
		"triggered_at": b.TriggeredAt,
		"reason":       reason,
	}
	if err := f.Bus.WriteAtomicJSON(f.Paths.StopPath(), payload); err != nil {
		return HealDecision{}, fmt.Errorf("autoheal: write STOP.TXT: %w", err)
	}

	return HealDecision{
		Service:    "system",
		Action:     ActionGlobalBreak,
		Reason:     reason,
		Confidence: 1.0,
		Timestamp:  epochNow(),
		Metadata:   map[string]interface{}{"breaker": b},
	}, nil
}

// MakeHealDecisions runs the per-service decision table of §4.F step 3. The
// caller is expected to have already checked CheckGlobalBreakers and, if it
// fired, called TriggerGlobalBreak instead of this.
func (f *FSM) MakeHealDecisions(assessed map[string]ServiceHealth) []HealDecision {
	decisions := make([]HealDecision, 0, len(assessed))

	for _, sh := range assessed {
		switch sh.State {
		case StateHealthy:
			continue

		case StateDegraded:
			decisions = append(decisions, HealDecision{
				Service:    sh.Name,
				Action:     ActionMonitor,
				Reason:     fmt.Sprintf("%s degraded (age past threshold)", sh.Name),
				Confidence: 0.7,
				Timestamp:  epochNow(),
			})

		case StateFailed:
			if sh.ConsecutiveFailures < maxRestartAttempts {
				decisions = append(decisions, HealDecision{
					Service:    sh.Name,
					Action:     ActionRestart,
					Reason:     fmt.Sprintf("%s failed, consecutive_failures=%d", sh.Name, sh.ConsecutiveFailures),
					Confidence: 0.8,
					Timestamp:  epochNow(),
				})
			} else {
				decisions = append(decisions, HealDecision{
					Service:    sh.Name,
					Action:     ActionQuarantine,
					Reason:     fmt.Sprintf("%s exceeded %d restart attempts", sh.Name, maxRestartAttempts),
					Confidence: 0.9,
					Timestamp:  epochNow(),
				})
			}

		case StateQuarantined:
			decisions = append(decisions, HealDecision{
				Service:    sh.Name,
				Action:     ActionMonitor,
				Reason:     fmt.Sprintf("%s quarantined until %.0f", sh.Name, quarantineUntilOrZero(sh)),
				Confidence: 0.7,
				Timestamp:  epochNow(),
			})

		case StateRecovering:
			decisions = append(decisions, HealDecision{
				Service:    sh.Name,
				Action:     ActionNoAction,
				Reason:     fmt.Sprintf("%s recovering", sh.Name),
				Confidence: 0.6,
				Timestamp:  epochNow(),
			})
		}
	}

	return decisions
}

func quarantineUntilOrZero(sh ServiceHealth) float64 {
	if sh.QuarantineUntil == nil {
		return 0
	}
	return *sh.QuarantineUntil
}

// ExecuteHealActions acts on each decision: RESTART invokes f.Restart and
// updates the service's consecutive-failure/recovering bookkeeping;
// QUARANTINE sets quarantine_until; MONITOR and NO_ACTION are no-ops beyond
// the audit trail. Every decision (with its outcome) is appended to
// heal_decisions.jsonl.
func (f *FSM) ExecuteHealActions(decisions []HealDecision) error {
	for i := range decisions {
		d := &decisions[i]

		switch d.Action {
		case ActionRestart:
			success := f.restart(d.Service)
			d.Success = &success
			f.applyRestartOutcome(d.Service, success)

		case ActionQuarantine:
			f.applyQuarantine(d.Service)

		case ActionGlobalBreak, ActionMonitor, ActionNoAction:
			// audit-only
		}

		if err := f.Bus.AppendNDJSON(f.Paths.HealDecisionsPath(), d); err != nil {
			return fmt.Errorf("autoheal: audit decision for %s: %w", d.Service, err)
		}
		if f.Logger != nil {
			f.Logger.WithFields(map[string]interface{}{
				"service": d.Service,
				"action":  d.Action,
				"reason":  d.Reason,
			}).Info("autoheal: decision executed")
		}
	}
	return nil
}

func (f *FSM) restart(service string) bool {
	if f.Restart == nil {
		return false
	}
	return f.Restart(service) == nil
}

func (f *FSM) applyRestartOutcome(service string, success bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	sh, ok := f.services[service]
	if !ok {
		return
	}
	sh.LastRestart = epochNow()
	sh.RestartCount++
	if success {
		sh.ConsecutiveFailures = 0
		sh.State = StateRecovering
	} else {
		sh.ConsecutiveFailures++
	}
}

func (f *FSM) applyQuarantine(service string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	sh, ok := f.services[service]
	if !ok {
		return
	}
	until := epochNow() + quarantineDurationSec
	sh.State = StateQuarantined
	sh.QuarantineUntil = &until
}
