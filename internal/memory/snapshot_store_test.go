package memory

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryptoquant-io/coretrader/internal/filebus"
	"github.com/cryptoquant-io/coretrader/internal/ssot"
)

func newTestSnapshotStore(t *testing.T) *SnapshotStore {
	t.Helper()
	paths := &ssot.Paths{Root: t.TempDir()}
	bus := filebus.New(nil)
	return NewSnapshotStore(paths, bus)
}

func TestCreateSnapshotIDFormat(t *testing.T) {
	s := newTestSnapshotStore(t)

	snap, err := s.CreateSnapshot(map[string]interface{}{"balance": 100.0}, "account")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(snap.SnapshotID, "account_"))
	assert.Equal(t, "account", snap.SnapshotType)
}

func TestGetSnapshotRoundTrip(t *testing.T) {
	s := newTestSnapshotStore(t)

	created, err := s.CreateSnapshot(map[string]interface{}{"balance": 100.0}, "account")
	require.NoError(t, err)

	got, err := s.GetSnapshot(created.SnapshotID)
	require.NoError(t, err)
	assert.Equal(t, created.SnapshotID, got.SnapshotID)
	assert.Equal(t, 100.0, got.Data["balance"])
}

func TestGetSnapshotMissingReturnsError(t *testing.T) {
	s := newTestSnapshotStore(t)

	_, err := s.GetSnapshot("nonexistent_123")
	assert.Error(t, err)
}

func TestGetLatestSnapshotReturnsMostRecentOfType(t *testing.T) {
	s := newTestSnapshotStore(t)

	_, err := s.CreateSnapshot(map[string]interface{}{"n": 1.0}, "account")
	require.NoError(t, err)
	_, err = s.CreateSnapshot(map[string]interface{}{"n": 1.0}, "databus")
	require.NoError(t, err)
	second, err := s.CreateSnapshot(map[string]interface{}{"n": 2.0}, "account")
	require.NoError(t, err)

	latest, err := s.GetLatestSnapshot("account")
	require.NoError(t, err)
	assert.Equal(t, second.SnapshotID, latest.SnapshotID)
	assert.Equal(t, 2.0, latest.Data["n"])
}

func TestGetLatestSnapshotNoTypeFilterMatchesAny(t *testing.T) {
	s := newTestSnapshotStore(t)

	_, err := s.CreateSnapshot(map[string]interface{}{}, "account")
	require.NoError(t, err)

	latest, err := s.GetLatestSnapshot("")
	require.NoError(t, err)
	assert.Equal(t, "account", latest.SnapshotType)
}

func TestGetLatestSnapshotErrorsWhenNoneExist(t *testing.T) {
	s := newTestSnapshotStore(t)

	_, err := s.GetLatestSnapshot("account")
	assert.Error(t, err)
}

func TestGetDeltasFiltersBySince(t *testing.T) {
	s := newTestSnapshotStore(t)

	first, err := s.CreateSnapshot(map[string]interface{}{}, "account")
	require.NoError(t, err)

	deltas, err := s.GetDeltas(0)
	require.NoError(t, err)
	require.Len(t, deltas, 1)
	assert.Equal(t, first.SnapshotID, deltas[0].SnapshotID)

	_, err = s.CreateSnapshot(map[string]interface{}{}, "account")
	require.NoError(t, err)

	all, err := s.GetDeltas(0)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	future, err := s.GetDeltas(deltas[0].Ts + 1_000_000)
	require.NoError(t, err)
	assert.Empty(t, future)
}

func TestGetDeltasOnMissingFileReturnsEmpty(t *testing.T) {
	s := newTestSnapshotStore(t)

	deltas, err := s.GetDeltas(0)
	require.NoError(t, err)
	assert.Empty(t, deltas)
}
