//go:build integration

package natsclient

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// startJetStreamContainer runs a NATS server with JetStream enabled and returns its URL
func startJetStreamContainer(ctx context.Context, t *testing.T) (testcontainers.Container, string) {
	req := testcontainers.ContainerRequest{
		Image:        "nats:2.10",
		ExposedPorts: []string{"4222/tcp"},
		WaitingFor:   wait.ForListeningPort("4222/tcp"),
		Cmd:          []string{"-js"},
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "4222")
	require.NoError(t, err)

	// give JetStream a moment after the port opens
	time.Sleep(200 * time.Millisecond)
	return container, fmt.Sprintf("nats://%s:%s", host, port.Port())
}

func connectedClient(ctx context.Context, t *testing.T) *Client {
	container, url := startJetStreamContainer(ctx, t)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	client, err := NewClient(url)
	require.NoError(t, err)
	require.NoError(t, client.Connect(ctx))
	t.Cleanup(func() { _ = client.Close(ctx) })
	return client
}

func TestIntegration_ConnectAndStream(t *testing.T) {
	ctx := context.Background()
	client := connectedClient(ctx, t)

	assert.True(t, client.IsHealthy())
	rtt, err := client.RTT()
	require.NoError(t, err)
	assert.Greater(t, rtt, time.Duration(0))

	stream, err := client.EnsureStream(ctx, jetstream.StreamConfig{
		Name:     "READINGS",
		Subjects: []string{"readings.>"},
	})
	require.NoError(t, err)

	require.NoError(t, client.PublishToStream(ctx, "readings.n1", []byte(`{"nodeId":"n1"}`)))

	info, err := stream.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), info.State.Msgs)

	// idempotent
	_, err = client.EnsureStream(ctx, jetstream.StreamConfig{Name: "READINGS", Subjects: []string{"readings.>"}})
	require.NoError(t, err)
}

func TestIntegration_KVStore(t *testing.T) {
	ctx := context.Background()
	client := connectedClient(ctx, t)

	bucket, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: "nodes", History: 3})
	require.NoError(t, err)
	again, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: "nodes"})
	require.NoError(t, err)
	assert.Equal(t, bucket.Bucket(), again.Bucket())

	kv := client.NewKVStore(bucket)

	_, err = kv.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrKVKeyNotFound)

	rev, err := kv.Create(ctx, "n1", []byte("a"))
	require.NoError(t, err)
	_, err = kv.Create(ctx, "n1", []byte("b"))
	assert.ErrorIs(t, err, ErrKVKeyExists)

	_, err = kv.Update(ctx, "n1", []byte("c"), rev+10)
	assert.ErrorIs(t, err, ErrKVRevisionMismatch)

	t.Run("update with retry", func(t *testing.T) {
		calls := 0
		err := kv.UpdateWithRetry(ctx, "n1", func(current []byte) ([]byte, error) {
			calls++
			if calls == 1 {
				_, _ = kv.Put(ctx, "n1", []byte("concurrent"))
			}
			return append(current, '!'), nil
		})
		require.NoError(t, err)
		assert.Greater(t, calls, 1)

		entry, err := kv.Get(ctx, "n1")
		require.NoError(t, err)
		assert.Equal(t, "concurrent!", string(entry.Value))
	})

	t.Run("skip leaves value", func(t *testing.T) {
		err := kv.UpdateWithRetry(ctx, "n1", func([]byte) ([]byte, error) { return nil, ErrKVSkip })
		require.NoError(t, err)
		entry, err := kv.Get(ctx, "n1")
		require.NoError(t, err)
		assert.Equal(t, "concurrent!", string(entry.Value))
	})

	t.Run("json", func(t *testing.T) {
		type doc struct{ N int }
		for i := 0; i < 3; i++ {
			require.NoError(t, UpdateJSON(ctx, kv, "counter", func(cur *doc) (doc, error) {
				if cur == nil {
					return doc{N: 1}, nil
				}
				return doc{N: cur.N + 1}, nil
			}))
		}
		entry, err := kv.Get(ctx, "counter")
		require.NoError(t, err)
		assert.JSONEq(t, `{"N":3}`, string(entry.Value))
	})

	keys, err := kv.Keys(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"n1", "counter"}, keys)

	require.NoError(t, kv.Delete(ctx, "counter"))
	_, err = kv.Get(ctx, "counter")
	assert.ErrorIs(t, err, ErrKVKeyNotFound)
}
