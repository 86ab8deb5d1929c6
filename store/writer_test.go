package store

import (
	"context"
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amoahfrank/firewatch/errors"
	"github.com/amoahfrank/firewatch/health"
	"github.com/amoahfrank/firewatch/metric"
	"github.com/amoahfrank/firewatch/telemetry"
	"github.com/amoahfrank/firewatch/testutil"
)

func startWriter(t *testing.T, p Persister, cfg WriterConfig, opts ...WriterOption) *Writer {
	t.Helper()
	w := NewWriter(p, cfg, opts...)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(func() { _ = w.Stop(time.Second) })
	return w
}

func TestWriter_PersistsInOrderPerNode(t *testing.T) {
	p := testutil.NewRecordingPersister()
	w := startWriter(t, p, DefaultWriterConfig())

	for i := 0; i < 20; i++ {
		require.NoError(t, w.RecordReading(testutil.NormalReading("n1", testutil.BaseTime.Add(time.Duration(i)*time.Minute))))
	}
	require.NoError(t, w.Stop(time.Second))

	readings := p.Readings()
	require.Len(t, readings, 20)
	for i := 1; i < len(readings); i++ {
		assert.True(t, readings[i].Timestamp.After(readings[i-1].Timestamp))
	}
}

func TestWriter_StatusUpserts(t *testing.T) {
	p := testutil.NewRecordingPersister()
	w := startWriter(t, p, DefaultWriterConfig())

	require.NoError(t, w.UpsertNodeStatus("n1", telemetry.NodeState{NodeID: "n1", Seq: 1, Status: telemetry.StatusNormal}))
	require.NoError(t, w.UpsertNodeStatus("n1", telemetry.NodeState{NodeID: "n1", Seq: 2, Status: telemetry.StatusAlert}))
	require.NoError(t, w.Stop(time.Second))

	state, ok := p.State("n1")
	require.True(t, ok)
	assert.Equal(t, telemetry.StatusAlert, state.Status)
	assert.Equal(t, 2, p.Upserts())
}

func TestWriter_FailureIsReportedNotReturned(t *testing.T) {
	p := testutil.NewRecordingPersister()
	p.FailWith(testutil.ErrInjected)
	m := metric.NewMetrics()
	monitor := health.NewMonitor()
	w := startWriter(t, p, DefaultWriterConfig(), WithMetrics(m), WithHealthMonitor(monitor))

	require.NoError(t, w.RecordReading(testutil.NormalReading("n1", testutil.BaseTime)))
	assert.Eventually(t, func() bool {
		return prom.ToFloat64(m.PersistenceFailures.WithLabelValues(OpRecordReading)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		s, ok := monitor.Get(healthName)
		return ok && s.IsDegraded()
	}, time.Second, 5*time.Millisecond)

	p.FailWith(nil)
	require.NoError(t, w.RecordReading(testutil.NormalReading("n1", testutil.BaseTime.Add(time.Minute))))
	assert.Eventually(t, func() bool {
		s, _ := monitor.Get(healthName)
		return s.IsHealthy()
	}, time.Second, 5*time.Millisecond)
}

func TestWriter_QueueFullDoesNotBlock(t *testing.T) {
	p := testutil.NewRecordingPersister()
	p.Block()
	defer p.Unblock()

	m := metric.NewMetrics()
	w := startWriter(t, p, WriterConfig{Workers: 1, QueueSize: 2, Timeout: time.Second}, WithMetrics(m))

	var full error
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10 && full == nil; i++ {
			full = w.RecordReading(testutil.NormalReading("n1", testutil.BaseTime.Add(time.Duration(i)*time.Second)))
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("submit blocked")
	}
	require.Error(t, full)
	assert.ErrorIs(t, full, errors.ErrQueueFull)
	assert.True(t, errors.IsTransient(full))
	assert.GreaterOrEqual(t, prom.ToFloat64(m.PersistenceFailures.WithLabelValues(OpRecordReading)), float64(1))
}

func TestMulti_JoinsErrors(t *testing.T) {
	ok := testutil.NewRecordingPersister()
	bad := testutil.NewRecordingPersister()
	bad.FailWith(testutil.ErrInjected)
	multi := Multi{bad, ok}

	ctx := context.Background()
	err := multi.RecordReading(ctx, testutil.NormalReading("n1", testutil.BaseTime))
	assert.ErrorIs(t, err, testutil.ErrInjected)
	assert.Len(t, ok.Readings(), 1)

	err = multi.UpsertNodeStatus(ctx, "n1", telemetry.NodeState{NodeID: "n1", Seq: 1})
	assert.ErrorIs(t, err, testutil.ErrInjected)
	_, stored := ok.State("n1")
	assert.True(t, stored)

	assert.NoError(t, Multi{ok}.RecordReading(ctx, testutil.NormalReading("n2", testutil.BaseTime)))
}
