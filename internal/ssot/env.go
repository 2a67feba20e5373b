package ssot

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"sort"
	"strings"
	"time"
)

// materialKeys is the closed, compile-time list of environment keys whose
// values affect trading behavior. Anything not in this list (timestamps,
// PIDs, session tokens) is volatile and never enters MaterialEnv.
var materialKeys = []string{
	"CQ_ROOT",
	"DRY_RUN",
	"SIMULATION_MODE",
	"MAX_POSITION_USDT",
	"MAX_TOTAL_EXPOSURE_USDT",
	"MAX_DAILY_LOSS_PCT",
	"FEEDER_TTL",
	"TRADER_TTL",
	"ARES_TTL",
	"EXCHANGE_API_KEY",
	"EXCHANGE_API_SECRET",
}

// MaterialEnv returns the subset of the current process environment that is
// considered material, sorted by key.
func MaterialEnv() map[string]string {
	out := make(map[string]string, len(materialKeys))
	for _, k := range materialKeys {
		if v, ok := os.LookupEnv(k); ok {
			out[k] = v
		}
	}
	return out
}

// EnvHash returns a short deterministic hash over sorted MaterialEnv
// entries.
func EnvHash(env map[string]string) string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(env[k])
		sb.WriteByte('\n')
	}

	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])[:16]
}

// SsotEnvRecord is the persisted material-env snapshot compared against the
// live environment to detect drift.
type SsotEnvRecord struct {
	MaterialEnv map[string]string `json:"material_env"`
	EnvHash     string            `json:"env_hash"`
	Timestamp   float64           `json:"timestamp"`
}

// DriftSeverity classifies a detected drift.
type DriftSeverity string

const (
	DriftSoft DriftSeverity = "soft"
	DriftHard DriftSeverity = "hard"
)

// Drift describes a structured difference between the live MaterialEnv and
// the persisted SsotEnvRecord.
type Drift struct {
	Added    []string      `json:"added"`
	Removed  []string      `json:"removed"`
	Changed  []string      `json:"changed"`
	Severity DriftSeverity `json:"severity"`
}

// DetectDrift compares the live MaterialEnv against a persisted record.
// Returns nil if there is no drift. A missing or malformed record is always
// reported as hard drift by the caller (see Resolver.DetectDrift).
func DetectDrift(live map[string]string, persisted SsotEnvRecord) *Drift {
	d := &Drift{}

	for k, v := range live {
		pv, ok := persisted.MaterialEnv[k]
		if !ok {
			d.Added = append(d.Added, k)
			continue
		}
		if pv != v {
			d.Changed = append(d.Changed, k)
		}
	}
	for k := range persisted.MaterialEnv {
		if _, ok := live[k]; !ok {
			d.Removed = append(d.Removed, k)
		}
	}

	if len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0 {
		return nil
	}

	sort.Strings(d.Added)
	sort.Strings(d.Removed)
	sort.Strings(d.Changed)

	if len(d.Removed) > 0 || len(d.Changed) > 0 {
		d.Severity = DriftHard
	} else {
		d.Severity = DriftSoft
	}
	return d
}

// Resolver wraps Paths with the env-hash and drift-reconciliation
// operations of §4.A, reading and writing through an injected atomic
// file bus so this package never touches the filesystem directly for
// anything beyond path resolution.
type Resolver struct {
	Paths *Paths
	Bus   FileBus
}

// FileBus is the subset of the atomic file bus that the resolver needs.
// Defined here (rather than importing internal/filebus) to keep A a leaf
// dependency per the documented dependency order; internal/filebus
// satisfies this interface.
type FileBus interface {
	WriteAtomicJSON(path string, v interface{}) error
	ReadJSONTolerant(path string, v interface{}) error
}

// NewResolver builds a Resolver over already-resolved Paths and a file bus.
func NewResolver(paths *Paths, bus FileBus) *Resolver {
	return &Resolver{Paths: paths, Bus: bus}
}

// EnvHash returns the hash of the live material environment.
func (r *Resolver) EnvHash() string {
	return EnvHash(MaterialEnv())
}

// DetectDrift reads the persisted SsotEnvRecord and compares it against the
// live environment. A missing or malformed record is reported as hard
// drift with Severity set and no Added/Removed/Changed detail.
func (r *Resolver) DetectDrift() (*Drift, error) {
	var persisted SsotEnvRecord
	err := r.Bus.ReadJSONTolerant(r.Paths.SsotEnvPath(), &persisted)
	if err != nil {
		if os.IsNotExist(err) {
			return &Drift{Severity: DriftHard}, nil
		}
		var syntaxErr *json.SyntaxError
		if isMalformed(err, &syntaxErr) {
			return &Drift{Severity: DriftHard}, nil
		}
		return nil, err
	}
	return DetectDrift(MaterialEnv(), persisted), nil
}

func isMalformed(err error, target **json.SyntaxError) bool {
	type unwrapper interface{ Unwrap() error }
	for e := err; e != nil; {
		if se, ok := e.(*json.SyntaxError); ok {
			*target = se
			return true
		}
		u, ok := e.(unwrapper)
		if !ok {
			return false
		}
		e = u.Unwrap()
	}
	return false
}

// ReconcileToRuntime writes the current MaterialEnv as the new SSOT record.
func (r *Resolver) ReconcileToRuntime() error {
	env := MaterialEnv()
	record := SsotEnvRecord{
		MaterialEnv: env,
		EnvHash:     EnvHash(env),
		Timestamp:   float64(time.Now().UnixNano()) / 1e9,
	}
	return r.Bus.WriteAtomicJSON(r.Paths.SsotEnvPath(), record)
}

// ReconcileToSsot signals downstream services to reload from the persisted
// SSOT without mutating this process's own environment: it touches a
// reload-signal file that a directory watcher on shared_data/ssot can
// observe.
func (r *Resolver) ReconcileToSsot() error {
	signal := map[string]interface{}{
		"requested_at": float64(time.Now().UnixNano()) / 1e9,
	}
	return r.Bus.WriteAtomicJSON(r.Paths.ReloadSignalPath(), signal)
}
