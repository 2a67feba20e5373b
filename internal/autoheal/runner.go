package autoheal

import (
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/cryptoquant-io/coretrader/internal/health"
)

// MetricsSource supplies the external PnL/balance/websocket figures the
// global breaker checks; trader and feeder processes own these numbers.
type MetricsSource func() (dailyPnLLoss, balanceShortfall float64, wsFailureCount int)

// Runner drives one FSM on a fixed schedule using robfig/cron, matching the
// 30 s assessment cadence of §4.F.
type Runner struct {
	fsm     *FSM
	cron    *cron.Cron
	metrics MetricsSource
	readAgg func() (health.AggregatedHealth, error)
}

// NewRunner wires an FSM to a periodic cycle. readAgg loads the current
// aggregated health snapshot (typically health.Aggregator.Read or an
// equivalent reader over filebus).
func NewRunner(fsm *FSM, metrics MetricsSource, readAgg func() (health.AggregatedHealth, error)) *Runner {
	return &Runner{
		fsm:     fsm,
		cron:    cron.New(cron.WithSeconds()),
		metrics: metrics,
		readAgg: readAgg,
	}
}

// Start schedules the cycle every 30 seconds and begins running it in the
// background. Call Stop to end it.
func (r *Runner) Start() error {
	_, err := r.cron.AddFunc("*/30 * * * * *", r.runCycleSafely)
	if err != nil {
		return fmt.Errorf("autoheal: schedule cycle: %w", err)
	}
	r.cron.Start()
	return nil
}

// Stop ends the cron scheduler and waits for the running cycle to finish.
func (r *Runner) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
}

func (r *Runner) runCycleSafely() {
	if err := r.RunOnce(); err != nil && r.fsm.Logger != nil {
		r.fsm.Logger.WithFields(map[string]interface{}{"error": err.Error()}).Error("autoheal: cycle failed")
	}
}

// RunOnce executes one full assess/decide/execute/audit cycle.
func (r *Runner) RunOnce() error {
	agg, err := r.readAgg()
	if err != nil {
		return fmt.Errorf("read aggregated health: %w", err)
	}

	assessed := r.fsm.AssessHealth(agg)

	var pnl, shortfall float64
	var wsFailures int
	if r.metrics != nil {
		pnl, shortfall, wsFailures = r.metrics()
	}

	if fired, reason := r.fsm.CheckGlobalBreakers(pnl, shortfall, wsFailures); fired {
		decision, err := r.fsm.TriggerGlobalBreak(reason)
		if err != nil {
			return err
		}
		return r.fsm.ExecuteHealActions([]HealDecision{decision})
	}

	decisions := r.fsm.MakeHealDecisions(assessed)
	if len(decisions) == 0 {
		return nil
	}
	return r.fsm.ExecuteHealActions(decisions)
}
