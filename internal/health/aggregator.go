package health

import (
	"os"
	"time"

	"github.com/cryptoquant-io/coretrader/infrastructure/logging"
	"github.com/cryptoquant-io/coretrader/internal/filebus"
	"github.com/cryptoquant-io/coretrader/internal/ssot"
)

const writerVersion = "1.0"

// Aggregator periodically reads each declared component's heartbeat file
// and writes a single aggregated health.json.
type Aggregator struct {
	Paths  *ssot.Paths
	Bus    *filebus.Bus
	Logger *logging.Logger

	Components []string
	Interval   time.Duration

	lastLogTime time.Time
	logInterval time.Duration
}

// NewAggregator builds an Aggregator over the declared component registry
// with the default 3s cycle.
func NewAggregator(paths *ssot.Paths, bus *filebus.Bus, logger *logging.Logger) *Aggregator {
	return &Aggregator{
		Paths:       paths,
		Bus:         bus,
		Logger:      logger,
		Components:  DeclaredComponents,
		Interval:    3 * time.Second,
		logInterval: 30 * time.Second,
	}
}

// RunOnce executes a single aggregation cycle: read every component,
// compute global status, and write the aggregated record atomically.
func (a *Aggregator) RunOnce() (AggregatedHealth, error) {
	now := time.Now()
	aggregated := AggregatedHealth{
		Ts:            float64(now.UnixNano()) / 1e9,
		GlobalStatus:  Green,
		Components:    make(map[string]ComponentEntry, len(a.Components)),
		WriterVersion: writerVersion,
	}

	for _, component := range a.Components {
		entry := a.readComponent(component, now)
		aggregated.Components[component] = entry
		aggregated.GlobalStatus = worstOf(aggregated.GlobalStatus, statusFor(entry))
	}

	if err := a.Bus.WriteAtomicJSON(a.Paths.HealthPath(), aggregated); err != nil {
		return aggregated, err
	}

	if a.Logger != nil && time.Since(a.lastLogTime) >= a.logInterval {
		a.Logger.WithFields(map[string]interface{}{
			"global_status": aggregated.GlobalStatus,
			"components":    len(aggregated.Components),
		}).Info("health: aggregation cycle")
		a.lastLogTime = now
	}

	return aggregated, nil
}

// Run executes RunOnce every Interval until stop is closed.
func (a *Aggregator) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(a.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if _, err := a.RunOnce(); err != nil && a.Logger != nil {
				a.Logger.WithError(err).Error("health: aggregation cycle failed")
			}
		}
	}
}

func (a *Aggregator) readComponent(component string, now time.Time) ComponentEntry {
	path := a.Paths.ComponentHealthPath(component)

	info, statErr := os.Stat(path)
	if statErr != nil {
		return ComponentEntry{Status: "MISSING", AgeSec: mathInf(), Missing: true}
	}

	var rec HeartbeatRecord
	if err := a.Bus.ReadJSONTolerant(path, &rec); err != nil {
		return ComponentEntry{
			Status: "ERROR",
			AgeSec: mathInf(),
			Error:  err.Error(),
		}
	}

	lastTs := tsToSeconds(rec.TsMs, info.ModTime())
	ageSec := now.Sub(info.ModTime()).Seconds()

	status := rec.Status
	if status == "" {
		status = "UNKNOWN"
	}

	return ComponentEntry{
		Status: status,
		LastTs: lastTs,
		AgeSec: ageSec,
		Data:   rec.Payload,
	}
}

func tsToSeconds(tsMs int64, fallback time.Time) float64 {
	if tsMs <= 0 {
		return float64(fallback.UnixNano()) / 1e9
	}
	// Heartbeat readers accept numeric milliseconds (>1e12) or seconds.
	if tsMs > 1_000_000_000_000 {
		return float64(tsMs) / 1000.0
	}
	return float64(tsMs)
}

func statusFor(e ComponentEntry) Status {
	switch e.Status {
	case "RED", "ERROR":
		return Red
	case "YELLOW", "MISSING", "UNKNOWN":
		return Yellow
	case "GREEN":
		return Green
	default:
		return Yellow
	}
}

func worstOf(current, candidate Status) Status {
	rank := map[Status]int{Green: 0, Yellow: 1, Red: 2}
	if rank[candidate] > rank[current] {
		return candidate
	}
	return current
}

func mathInf() float64 {
	return 1e18
}
