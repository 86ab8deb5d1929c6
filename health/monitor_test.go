package health

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregate(t *testing.T) {
	tests := []struct {
		name     string
		subs     []Status
		expected string
	}{
		{"empty", nil, StateHealthy},
		{"all healthy", []Status{NewHealthy("a", ""), NewHealthy("b", "")}, StateHealthy},
		{"one degraded", []Status{NewHealthy("a", ""), NewDegraded("b", "")}, StateDegraded},
		{"unhealthy wins", []Status{NewDegraded("a", ""), NewUnhealthy("b", "")}, StateUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Aggregate("system", tt.subs)
			assert.Equal(t, tt.expected, got.Status)
			assert.Equal(t, tt.expected == StateHealthy, got.Healthy)
			assert.Len(t, got.SubStatuses, len(tt.subs))
		})
	}
}

func TestFromError_Sanitizes(t *testing.T) {
	assert.True(t, FromError("store", nil).IsHealthy())

	st := FromError("transport", errors.New("dial tcp://10.0.0.5:1883 failed password=hunter2"))
	assert.True(t, st.IsUnhealthy())
	assert.NotContains(t, st.Message, "10.0.0.5")
	assert.NotContains(t, st.Message, "hunter2")
	assert.Contains(t, st.Message, "[URL]")
	assert.Contains(t, st.Message, "[REDACTED]")
}

func TestMonitor_UpdateAndAggregate(t *testing.T) {
	m := NewMonitor()
	m.UpdateHealthy("transport", "connected")
	m.UpdateDegraded("store", "sqlite slow")

	st, ok := m.Get("store")
	require.True(t, ok)
	assert.True(t, st.IsDegraded())
	assert.Equal(t, "store", st.Component)

	agg := m.AggregateHealth("firewatch")
	assert.True(t, agg.IsDegraded())
	require.Len(t, agg.SubStatuses, 2)
	assert.Equal(t, "store", agg.SubStatuses[0].Component)
	assert.Equal(t, "transport", agg.SubStatuses[1].Component)

	m.Remove("store")
	assert.True(t, m.AggregateHealth("firewatch").IsHealthy())
}

func TestMonitor_Check(t *testing.T) {
	m := NewMonitor()
	connected := false
	m.Register("transport", func(context.Context) Status {
		if connected {
			return NewHealthy("transport", "connected")
		}
		return NewUnhealthy("transport", "disconnected")
	})

	assert.True(t, m.Check(context.Background(), "firewatch").IsUnhealthy())

	connected = true
	assert.True(t, m.Check(context.Background(), "firewatch").IsHealthy())
}

func TestMonitor_ConcurrentAccess(t *testing.T) {
	m := NewMonitor()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			m.UpdateHealthy("a", "ok")
		}()
		go func() {
			defer wg.Done()
			_ = m.AggregateHealth("sys")
		}()
	}
	wg.Wait()

	_, ok := m.Get("a")
	assert.True(t, ok)
}
