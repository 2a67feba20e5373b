// Package ssot resolves the single canonical repository root for a process
// and every shared filesystem path derived from it.
package ssot

import (
	"fmt"
	"os"
	"path/filepath"
)

// sentinelFiles are checked, in order, at each directory level while walking
// upward from the executable's location. The first directory containing one
// of these is treated as the repo root.
var sentinelFiles = []string{"go.mod", ".cqroot"}

// Paths exposes every canonical path derived from a single RepoRoot. All
// getters are pure; RepoRoot is resolved once and frozen for the process
// lifetime.
type Paths struct {
	Root string
}

// Resolve determines RepoRoot from CQ_ROOT if set, otherwise by walking
// upward from the executable's directory until a sentinel is found. Failure
// to resolve is fatal to the caller; there is no fallback root.
func Resolve() (*Paths, error) {
	if envRoot := os.Getenv("CQ_ROOT"); envRoot != "" {
		if !filepath.IsAbs(envRoot) {
			return nil, fmt.Errorf("ssot: CQ_ROOT must be an absolute path, got %q", envRoot)
		}
		info, err := os.Stat(envRoot)
		if err != nil {
			return nil, fmt.Errorf("ssot: CQ_ROOT %q: %w", envRoot, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("ssot: CQ_ROOT %q is not a directory", envRoot)
		}
		root, err := filepath.Abs(envRoot)
		if err != nil {
			return nil, fmt.Errorf("ssot: CQ_ROOT %q: %w", envRoot, err)
		}
		return &Paths{Root: root}, nil
	}

	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("ssot: resolve executable path: %w", err)
	}
	exe, err = filepath.EvalSymlinks(exe)
	if err != nil {
		return nil, fmt.Errorf("ssot: resolve executable symlinks: %w", err)
	}

	dir := filepath.Dir(exe)
	for {
		if hasSentinel(dir) {
			return &Paths{Root: dir}, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, fmt.Errorf("ssot: no sentinel directory found walking up from %q", filepath.Dir(exe))
		}
		dir = parent
	}
}

func hasSentinel(dir string) bool {
	for _, name := range sentinelFiles {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			return true
		}
	}
	return false
}

// SharedDataDir is <root>/shared_data.
func (p *Paths) SharedDataDir() string { return filepath.Join(p.Root, "shared_data") }

// HealthDir is <root>/shared_data/health.
func (p *Paths) HealthDir() string { return filepath.Join(p.SharedDataDir(), "health") }

// HealthPath is the aggregated health file, <root>/shared_data/health.json.
func (p *Paths) HealthPath() string { return filepath.Join(p.SharedDataDir(), "health.json") }

// ComponentHealthPath is the per-service heartbeat file.
func (p *Paths) ComponentHealthPath(service string) string {
	return filepath.Join(p.HealthDir(), service+".json")
}

// DatabusSnapshotPath is the externally produced market snapshot.
func (p *Paths) DatabusSnapshotPath() string {
	return filepath.Join(p.SharedDataDir(), "databus_snapshot.json")
}

// AccountSnapshotPath is the externally produced account snapshot.
func (p *Paths) AccountSnapshotPath() string {
	return filepath.Join(p.SharedDataDir(), "account_snapshot.json")
}

// SsotDir is <root>/shared_data/ssot.
func (p *Paths) SsotDir() string { return filepath.Join(p.SharedDataDir(), "ssot") }

// SsotEnvPath is the persisted material-env record.
func (p *Paths) SsotEnvPath() string { return filepath.Join(p.SsotDir(), "env.json") }

// ReloadSignalPath is touched by Resolver.ReconcileToSsot to ask running services
// to reload without mutating their environment directly.
func (p *Paths) ReloadSignalPath() string { return filepath.Join(p.SsotDir(), "reload_signal.json") }

// LogsDir is <root>/logs.
func (p *Paths) LogsDir() string { return filepath.Join(p.Root, "logs") }

// OrderEvidencePath is the append-only admission evidence journal.
func (p *Paths) OrderEvidencePath() string {
	return filepath.Join(p.LogsDir(), "orders", "order_evidence.jsonl")
}

// OrdersSkippedPath is the alternative drop-only evidence sink.
func (p *Paths) OrdersSkippedPath() string {
	return filepath.Join(p.LogsDir(), "orders", "orders_skipped.jsonl")
}

// HealDecisionsPath is the append-only auto-heal audit trail.
func (p *Paths) HealDecisionsPath() string {
	return filepath.Join(p.LogsDir(), "auto_heal", "heal_decisions.jsonl")
}

// MemoryDir is <root>/shared_data/memory.
func (p *Paths) MemoryDir() string { return filepath.Join(p.SharedDataDir(), "memory") }

// EventsPath is the append-only event chain file.
func (p *Paths) EventsPath() string { return filepath.Join(p.MemoryDir(), "events.jsonl") }

// SnapshotsDir holds point-in-time snapshot files.
func (p *Paths) SnapshotsDir() string { return filepath.Join(p.MemoryDir(), "snapshots") }

// SnapshotPath is a single named snapshot file.
func (p *Paths) SnapshotPath(id string) string {
	return filepath.Join(p.SnapshotsDir(), id+".json")
}

// DeltasPath is the snapshot-store delta journal.
func (p *Paths) DeltasPath() string { return filepath.Join(p.MemoryDir(), "deltas.jsonl") }

// HashChainPath is the Merkle-rooted block chain file.
func (p *Paths) HashChainPath() string { return filepath.Join(p.MemoryDir(), "hash_chain.json") }

// RuntimeDir is <root>/.runtime, holding singleton PID files.
func (p *Paths) RuntimeDir() string { return filepath.Join(p.Root, ".runtime") }

// PidPath is the singleton PID file for a named service.
func (p *Paths) PidPath(service string) string {
	return filepath.Join(p.RuntimeDir(), service+".pid")
}

// StopPath is the global-break sentinel, STOP.TXT at repo root.
func (p *Paths) StopPath() string { return filepath.Join(p.Root, "STOP.TXT") }

// EnsureDirs creates every directory this process is expected to write
// under, idempotently.
func (p *Paths) EnsureDirs() error {
	dirs := []string{
		p.HealthDir(),
		p.SsotDir(),
		filepath.Join(p.LogsDir(), "orders"),
		filepath.Join(p.LogsDir(), "auto_heal"),
		p.SnapshotsDir(),
		p.RuntimeDir(),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("ssot: ensure dir %q: %w", d, err)
		}
	}
	return nil
}
