//go:build integration

package natskv

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

	"github.com/amoahfrank/firewatch/natsclient"
	"github.com/amoahfrank/firewatch/telemetry"
	"github.com/amoahfrank/firewatch/testutil"
)

func openStore(ctx context.Context, t *testing.T) (*Store, *natsclient.Client) {
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "nats:2.10",
			ExposedPorts: []string{"4222/tcp"},
			WaitingFor:   wait.ForListeningPort("4222/tcp"),
			Cmd:          []string{"-js"},
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "4222")
	require.NoError(t, err)
	time.Sleep(200 * time.Millisecond)

	client, err := natsclient.NewClient(fmt.Sprintf("nats://%s:%s", host, port.Port()))
	require.NoError(t, err)
	require.NoError(t, client.Connect(ctx))
	t.Cleanup(func() { _ = client.Close(ctx) })

	s, err := Open(ctx, client, DefaultConfig(), nil)
	require.NoError(t, err)
	return s, client
}

func TestIntegration_NodeStatus(t *testing.T) {
	ctx := context.Background()
	s, _ := openStore(ctx, t)

	newer := telemetry.NodeState{NodeID: "ridge.north", Config: telemetry.DefaultNodeConfig(), Status: telemetry.StatusAlert, RiskLevel: 3, Seq: 7}
	older := newer
	older.Status = telemetry.StatusNormal
	older.Seq = 6

	require.NoError(t, s.UpsertNodeStatus(ctx, newer.NodeID, newer))
	require.NoError(t, s.UpsertNodeStatus(ctx, older.NodeID, older))
	require.NoError(t, s.UpsertNodeStatus(ctx, "a", telemetry.NodeState{NodeID: "a", Seq: 1, Status: telemetry.StatusNormal}))

	nodes, err := s.LoadNodes(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, "a", nodes[0].NodeID)
	assert.Equal(t, telemetry.StatusAlert, nodes[1].Status)
	assert.Equal(t, uint64(7), nodes[1].Seq)
}

func TestIntegration_ReadingsDeduplicated(t *testing.T) {
	ctx := context.Background()
	s, client := openStore(ctx, t)

	r := testutil.NormalReading("n1", testutil.BaseTime)
	require.NoError(t, s.RecordReading(ctx, r))
	require.NoError(t, s.RecordReading(ctx, r))
	require.NoError(t, s.RecordReading(ctx, testutil.NormalReading("n1", testutil.BaseTime.Add(time.Minute))))

	js, err := client.JetStream()
	require.NoError(t, err)
	stream, err := js.Stream(ctx, DefaultConfig().Stream)
	require.NoError(t, err)
	info, err := stream.Info(ctx, jetstream.WithSubjectFilter(s.ReadingSubject("n1")))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), info.State.Msgs)
}

func TestIntegration_ConfigWatcher(t *testing.T) {
	ctx := context.Background()
	_, client := openStore(ctx, t)

	applier := &recordingApplier{}
	w, err := OpenConfigWatcher(ctx, client, "", applier, nil)
	require.NoError(t, err)

	// present before Start
	cfg := telemetry.DefaultNodeConfig()
	cfg.AlertEnabled = false
	require.NoError(t, w.Put(ctx, "n1", cfg))

	require.NoError(t, w.Start(ctx))
	t.Cleanup(func() { _ = w.Stop(time.Second) })

	cfg.SampleInterval = 60
	require.NoError(t, w.Put(ctx, "ridge.north", cfg))

	require.Eventually(t, func() bool { return w.Applied() == 2 }, 5*time.Second, 50*time.Millisecond)
	applier.mu.Lock()
	defer applier.mu.Unlock()
	assert.Contains(t, applier.calls, "n1")
	assert.Contains(t, applier.calls, "ridge.north")
}
