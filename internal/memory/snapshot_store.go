package memory

import (
	"fmt"
	"math"
	"time"

	"github.com/cryptoquant-io/coretrader/internal/filebus"
	"github.com/cryptoquant-io/coretrader/internal/ssot"
)

// Snapshot is a point-in-time payload persisted under snapshots/<id>.json.
type Snapshot struct {
	Ts            float64                `json:"ts"`
	SchemaVersion int                    `json:"schema_version"`
	SnapshotType  string                 `json:"snapshot_type"`
	SnapshotID    string                 `json:"snapshot_id"`
	Data          map[string]interface{} `json:"data"`
}

// Delta is one lifecycle event for a snapshot, appended to deltas.jsonl.
type Delta struct {
	Ts           float64 `json:"ts"`
	Action       string  `json:"action"`
	SnapshotID   string  `json:"snapshot_id"`
	SnapshotType string  `json:"snapshot_type"`
}

// SnapshotStore persists and retrieves point-in-time snapshots.
type SnapshotStore struct {
	Paths *ssot.Paths
	Bus   *filebus.Bus
}

// NewSnapshotStore builds a SnapshotStore rooted at paths.
func NewSnapshotStore(paths *ssot.Paths, bus *filebus.Bus) *SnapshotStore {
	return &SnapshotStore{Paths: paths, Bus: bus}
}

// CreateSnapshot writes data atomically under a deterministic
// "<type>_<floor(ts)>" id and records a create_snapshot delta.
func (s *SnapshotStore) CreateSnapshot(data map[string]interface{}, snapshotType string) (Snapshot, error) {
	now := float64(time.Now().UnixNano()) / 1e9
	id := fmt.Sprintf("%s_%d", snapshotType, int64(math.Floor(now)))

	snap := Snapshot{
		Ts:            now,
		SchemaVersion: schemaVersion,
		SnapshotType:  snapshotType,
		SnapshotID:    id,
		Data:          data,
	}

	if err := s.Bus.WriteAtomicJSON(s.Paths.SnapshotPath(id), snap); err != nil {
		return Snapshot{}, fmt.Errorf("memory: write snapshot: %w", err)
	}

	delta := Delta{Ts: now, Action: "create_snapshot", SnapshotID: id, SnapshotType: snapshotType}
	if err := s.Bus.AppendNDJSON(s.Paths.DeltasPath(), delta); err != nil {
		return Snapshot{}, fmt.Errorf("memory: append delta: %w", err)
	}

	return snap, nil
}

// GetSnapshot reads one snapshot by id.
func (s *SnapshotStore) GetSnapshot(id string) (Snapshot, error) {
	var snap Snapshot
	if err := s.Bus.ReadJSONTolerant(s.Paths.SnapshotPath(id), &snap); err != nil {
		return Snapshot{}, fmt.Errorf("memory: read snapshot %s: %w", id, err)
	}
	return snap, nil
}

// GetLatestSnapshot scans deltas.jsonl for the most recent create_snapshot
// of the given type ("" matches any type) and loads it.
func (s *SnapshotStore) GetLatestSnapshot(snapshotType string) (Snapshot, error) {
	deltas, err := s.GetDeltas(0)
	if err != nil {
		return Snapshot{}, err
	}

	var latest *Delta
	for i := range deltas {
		d := &deltas[i]
		if d.Action != "create_snapshot" {
			continue
		}
		if snapshotType != "" && d.SnapshotType != snapshotType {
			continue
		}
		if latest == nil || d.Ts > latest.Ts {
			latest = d
		}
	}
	if latest == nil {
		return Snapshot{}, fmt.Errorf("memory: no snapshot found for type %q", snapshotType)
	}
	return s.GetSnapshot(latest.SnapshotID)
}

// GetDeltas scans deltas.jsonl, returning entries with ts >= since (0 for
// all entries).
func (s *SnapshotStore) GetDeltas(since float64) ([]Delta, error) {
	lines, err := readNDJSONLines(s.Paths.DeltasPath())
	if err != nil {
		return nil, err
	}

	var out []Delta
	for _, line := range lines {
		var d Delta
		if err := unmarshalLine(line, &d); err != nil {
			continue
		}
		if d.Ts >= since {
			out = append(out, d)
		}
	}
	return out, nil
}
