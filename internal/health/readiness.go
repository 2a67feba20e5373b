package health

import (
	"os"
	"time"

	"github.com/cryptoquant-io/coretrader/internal/ssot"
)

// Readiness evaluates the gates in §4.C against the last-written aggregated
// health file.
type Readiness struct {
	Paths *ssot.Paths
	Bus   interface {
		ReadJSONTolerant(path string, v interface{}) error
	}

	FeederThresholdSec float64
	AresThresholdSec   float64
}

// NewReadiness builds a Readiness gate checker with the default thresholds.
func NewReadiness(paths *ssot.Paths, bus interface {
	ReadJSONTolerant(path string, v interface{}) error
}) *Readiness {
	return &Readiness{
		Paths:              paths,
		Bus:                bus,
		FeederThresholdSec: 30,
		AresThresholdSec:   75,
	}
}

func (r *Readiness) componentReady(name string, threshold float64) bool {
	var agg AggregatedHealth
	if err := r.Bus.ReadJSONTolerant(r.Paths.HealthPath(), &agg); err != nil {
		return false
	}
	entry, ok := agg.Components[name]
	if !ok {
		return false
	}
	return entry.Status == Green && entry.AgeSec <= threshold
}

// FeederReady is true iff the feeder heartbeat is GREEN and no older than
// FeederThresholdSec.
func (r *Readiness) FeederReady() bool {
	return r.componentReady("feeder", r.FeederThresholdSec)
}

// AresReady mirrors FeederReady with the ares-specific threshold.
func (r *Readiness) AresReady() bool {
	return r.componentReady("ares", r.AresThresholdSec)
}

// ServicesGreenOptions configures CheckServicesGreen.
type ServicesGreenOptions struct {
	RequireBoth    bool
	MaxAgeSec      float64
	CheckSnapshots bool
}

// CheckServicesGreen gates admission and the UI on overall system
// readiness: feeder/ares freshness and, optionally, snapshot file presence
// and age.
func (r *Readiness) CheckServicesGreen(opts ServicesGreenOptions) bool {
	maxAge := opts.MaxAgeSec
	if maxAge <= 0 {
		maxAge = 30
	}

	feederOK := r.componentReady("feeder", maxAge)
	aresOK := r.componentReady("ares", maxAge)

	ok := feederOK || aresOK
	if opts.RequireBoth {
		ok = feederOK && aresOK
	}
	if !ok {
		return false
	}

	if opts.CheckSnapshots {
		if !snapshotFresh(r.Paths.DatabusSnapshotPath(), 120) {
			return false
		}
		if !snapshotFresh(r.Paths.AccountSnapshotPath(), 120) {
			return false
		}
	}

	return true
}

func snapshotFresh(path string, maxAgeSec float64) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return time.Since(info.ModTime()).Seconds() <= maxAgeSec
}
