// Package health implements the heartbeat writer, periodic aggregator, and
// readiness gates described in §4.C.
package health

// Status is the tri-state health a component or the aggregate can be in.
type Status string

const (
	Green  Status = "GREEN"
	Yellow Status = "YELLOW"
	Red    Status = "RED"
)

// HeartbeatRecord is emitted by every service at its own interval.
type HeartbeatRecord struct {
	Service  string                 `json:"service"`
	Status   Status                 `json:"status"`
	TsMs     int64                  `json:"ts_epoch_ms"`
	Producer string                 `json:"producer"`
	Version  string                 `json:"version"`
	Checksum string                 `json:"checksum,omitempty"`
	Payload  map[string]interface{} `json:"payload,omitempty"`
}

// ComponentStatus is derived per-cycle, never persisted independently of
// the aggregated record.
type ComponentStatus string

const (
	ComponentHealthy  ComponentStatus = "HEALTHY"
	ComponentDegraded ComponentStatus = "DEGRADED"
	ComponentFailed   ComponentStatus = "FAILED"
)

// ComponentEntry is one component's contribution to AggregatedHealth.
type ComponentEntry struct {
	Status  Status                 `json:"status"`
	LastTs  float64                `json:"last_ts"`
	AgeSec  float64                `json:"age_sec"`
	Data    map[string]interface{} `json:"data,omitempty"`
	Error   string                 `json:"error,omitempty"`
	Missing bool                   `json:"-"`
}

// AggregatedHealth is written atomically every aggregation cycle.
type AggregatedHealth struct {
	Ts            float64                    `json:"ts"`
	GlobalStatus  Status                     `json:"global_status"`
	Components    map[string]ComponentEntry  `json:"components"`
	WriterVersion string                     `json:"writer_version"`
}

// DeclaredComponents is the fixed registry scanned by the aggregator.
var DeclaredComponents = []string{"feeder", "trader", "uds", "ares", "autoheal"}

// DeriveComponentStatus computes HEALTHY/DEGRADED/FAILED from an age and its
// freshness threshold per §4.C: HEALTHY ≤ threshold, DEGRADED ≤ 2×threshold,
// else FAILED.
func DeriveComponentStatus(ageSec, thresholdSec float64) ComponentStatus {
	switch {
	case ageSec <= thresholdSec:
		return ComponentHealthy
	case ageSec <= 2*thresholdSec:
		return ComponentDegraded
	default:
		return ComponentFailed
	}
}
