package natsclient

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amoahfrank/firewatch/errors"
	"github.com/amoahfrank/firewatch/health"
)

func TestNewClient(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	assert.Equal(t, "nats://localhost:4222", client.URL())
	assert.Equal(t, StatusDisconnected, client.Status())
	assert.False(t, client.IsHealthy())
}

func TestNewClient_InvalidOptions(t *testing.T) {
	_, err := NewClient("")
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)

	_, err = NewClient("nats://localhost:4222", WithCircuitBreakerThreshold(0))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	_, err = NewClient("nats://localhost:4222", WithMaxBackoff(time.Millisecond))
	assert.Error(t, err)
}

func TestCircuitBreaker_OpensAfterFailures(t *testing.T) {
	client, err := NewClient("nats://invalid:4222")
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		client.recordFailure()
	}
	assert.NotEqual(t, StatusCircuitOpen, client.Status())

	client.recordFailure()
	assert.Equal(t, StatusCircuitOpen, client.Status())
	assert.Equal(t, int32(5), client.Failures())

	_, err = client.JetStream()
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.ErrorIs(t, client.Connect(context.Background()), ErrCircuitOpen)
}

func TestCircuitBreaker_Reset(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		client.recordFailure()
	}
	require.Equal(t, StatusCircuitOpen, client.Status())

	client.resetCircuit()
	assert.Equal(t, int32(0), client.Failures())
	assert.Equal(t, StatusDisconnected, client.Status())
	assert.Equal(t, time.Second, client.Backoff())
}

func TestCircuitBreaker_ExponentialBackoff(t *testing.T) {
	client, err := NewClient("nats://localhost:4222", WithMaxBackoff(8*time.Second))
	require.NoError(t, err)
	assert.Equal(t, time.Second, client.Backoff())

	round := func() {
		for i := 0; i < 5; i++ {
			client.recordFailure()
		}
	}
	round()
	assert.Equal(t, 2*time.Second, client.Backoff())
	round()
	assert.Equal(t, 4*time.Second, client.Backoff())
	for i := 0; i < 10; i++ {
		round()
	}
	assert.Equal(t, 8*time.Second, client.Backoff())
}

func TestCircuitBreaker_HalfOpens(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)
	client.backoff.Store(int64(20 * time.Millisecond))

	for i := 0; i < 5; i++ {
		client.recordFailure()
	}
	require.Equal(t, StatusCircuitOpen, client.Status())

	assert.Eventually(t, func() bool {
		return client.Status() == StatusDisconnected
	}, time.Second, 5*time.Millisecond)
}

func TestStatus_String(t *testing.T) {
	tests := []struct {
		status ConnectionStatus
		want   string
	}{
		{StatusDisconnected, "disconnected"},
		{StatusConnecting, "connecting"},
		{StatusConnected, "connected"},
		{StatusReconnecting, "reconnecting"},
		{StatusCircuitOpen, "circuit_open"},
		{ConnectionStatus(42), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.status.String())
	}
}

func TestHealthCheck(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)
	ctx := context.Background()

	assert.Equal(t, health.StateUnhealthy, client.HealthCheck(ctx).Status)

	client.setStatus(StatusReconnecting)
	assert.Equal(t, health.StateDegraded, client.HealthCheck(ctx).Status)

	client.setStatus(StatusConnected)
	assert.Equal(t, health.StateHealthy, client.HealthCheck(ctx).Status)
}

func TestNotConnected(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)
	ctx := context.Background()

	_, err = client.JetStream()
	assert.ErrorIs(t, err, errors.ErrNotConnected)
	assert.True(t, errors.IsTransient(err))

	assert.ErrorIs(t, client.PublishToStream(ctx, "x", nil), errors.ErrNotConnected)
	_, err = client.RTT()
	assert.ErrorIs(t, err, errors.ErrNotConnected)

	require.NoError(t, client.Close(ctx))
	require.NoError(t, client.Close(ctx))
	assert.True(t, errors.IsFatal(client.Connect(ctx)))
}

func TestConnect_Unreachable(t *testing.T) {
	client, err := NewClient("nats://127.0.0.1:1", WithTimeout(200*time.Millisecond))
	require.NoError(t, err)

	err = client.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.Equal(t, int32(1), client.Failures())
	assert.Equal(t, StatusDisconnected, client.Status())
}

func TestConcurrentFailures(t *testing.T) {
	client, err := NewClient("nats://localhost:4222", WithCircuitBreakerThreshold(1000))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				client.recordFailure()
				_ = client.Status()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(500), client.Failures())
}

func TestIsKVErrors(t *testing.T) {
	assert.True(t, IsKVNotFoundError(ErrKVKeyNotFound))
	assert.ErrorIs(t, ErrKVKeyNotFound, errors.ErrKeyNotFound)
	assert.False(t, IsKVNotFoundError(nil))
	assert.True(t, IsKVConflictError(ErrKVRevisionMismatch))
	assert.True(t, IsKVConflictError(ErrKVKeyExists))
	assert.False(t, IsKVConflictError(ErrKVKeyNotFound))
}
