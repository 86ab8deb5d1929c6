package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amoahfrank/firewatch/store"
	"github.com/amoahfrank/firewatch/telemetry"
	"github.com/amoahfrank/firewatch/testutil"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_RecordReadingIsIdempotent(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	solar := 6.2
	rssi := -71
	r := testutil.NormalReading("n1", testutil.BaseTime)
	r.SolarVoltage = &solar
	r.SignalStrength = &rssi

	require.NoError(t, s.RecordReading(ctx, r))
	require.NoError(t, s.RecordReading(ctx, r))

	got, err := s.Readings(ctx, "n1", store.ReadingQuery{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	if diff := cmp.Diff(r, got[0]); diff != "" {
		t.Errorf("stored reading mismatch (-want +got):\n%s", diff)
	}
}

func TestStore_ReadingsRangeAndOrder(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	// sub-second offsets check that text ordering is chronological
	offsets := []time.Duration{0, 500 * time.Millisecond, time.Second, 2 * time.Minute, time.Hour}
	for _, off := range offsets {
		require.NoError(t, s.RecordReading(ctx, testutil.NormalReading("n1", testutil.BaseTime.Add(off))))
	}
	require.NoError(t, s.RecordReading(ctx, testutil.NormalReading("n2", testutil.BaseTime)))

	all, err := s.Readings(ctx, "n1", store.ReadingQuery{})
	require.NoError(t, err)
	require.Len(t, all, len(offsets))
	for i := 1; i < len(all); i++ {
		assert.True(t, all[i-1].Timestamp.After(all[i].Timestamp), "newest first")
	}

	window, err := s.Readings(ctx, "n1", store.ReadingQuery{
		From: testutil.BaseTime.Add(400 * time.Millisecond),
		To:   testutil.BaseTime.Add(3 * time.Minute),
	})
	require.NoError(t, err)
	assert.Len(t, window, 3)

	limited, err := s.Readings(ctx, "n1", store.ReadingQuery{Limit: 2})
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.True(t, limited[0].Timestamp.Equal(testutil.BaseTime.Add(time.Hour)))

	none, err := s.Readings(ctx, "missing", store.ReadingQuery{})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestStore_UpsertNodeStatusSequenceGuard(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	reading := testutil.HotReading("n1", testutil.BaseTime)
	newer := telemetry.NodeState{
		NodeID:      "n1",
		Config:      telemetry.DefaultNodeConfig(),
		LastReading: &reading,
		LastSeen:    testutil.BaseTime,
		Status:      telemetry.StatusAlert,
		RiskLevel:   3,
		Seq:         5,
	}
	older := newer
	older.Status = telemetry.StatusNormal
	older.RiskLevel = 0
	older.Seq = 4

	require.NoError(t, s.UpsertNodeStatus(ctx, "n1", newer))
	require.NoError(t, s.UpsertNodeStatus(ctx, "n1", older))

	nodes, err := s.LoadNodes(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	got := nodes[0]
	if diff := cmp.Diff(newer, got); diff != "" {
		t.Errorf("older sequence overwrote the node (-want +got):\n%s", diff)
	}

	// same sequence with a new config is a config write and is applied
	cfg := newer.Config
	cfg.AlertEnabled = false
	sameSeq := newer
	sameSeq.Config = cfg
	require.NoError(t, s.UpsertNodeStatus(ctx, "n1", sameSeq))
	nodes, err = s.LoadNodes(ctx)
	require.NoError(t, err)
	assert.False(t, nodes[0].Config.AlertEnabled)
}

func TestStore_LoadNodesWithoutReading(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertNodeStatus(ctx, "b", telemetry.NodeState{NodeID: "b", Config: telemetry.DefaultNodeConfig(), Status: telemetry.StatusUnknown}))
	require.NoError(t, s.UpsertNodeStatus(ctx, "a", telemetry.NodeState{NodeID: "a", Config: telemetry.DefaultNodeConfig(), Status: telemetry.StatusUnknown}))

	nodes, err := s.LoadNodes(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, "a", nodes[0].NodeID)
	assert.Nil(t, nodes[0].LastReading)
	assert.True(t, nodes[0].LastSeen.IsZero())
}

func TestStore_PersistsAcrossOpen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "firewatch.db")

	s, err := Open(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, path, s.Path())
	require.NoError(t, s.UpsertNodeStatus(ctx, "n1", telemetry.NodeState{NodeID: "n1", Config: telemetry.DefaultNodeConfig(), Status: telemetry.StatusWarning, Seq: 2}))
	require.NoError(t, s.Close())

	s, err = Open(ctx, path)
	require.NoError(t, err)
	defer s.Close()
	nodes, err := s.LoadNodes(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, telemetry.StatusWarning, nodes[0].Status)
}
