package natskv

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amoahfrank/firewatch/errors"
	"github.com/amoahfrank/firewatch/telemetry"
)

type fakeEntry struct {
	key string
	val []byte
	op  jetstream.KeyValueOp
}

func (e fakeEntry) Bucket() string                  { return DefaultConfigBucket }
func (e fakeEntry) Key() string                     { return e.key }
func (e fakeEntry) Value() []byte                   { return e.val }
func (e fakeEntry) Revision() uint64                { return 1 }
func (e fakeEntry) Created() time.Time              { return time.Time{} }
func (e fakeEntry) Delta() uint64                   { return 0 }
func (e fakeEntry) Operation() jetstream.KeyValueOp { return e.op }

type recordingApplier struct {
	mu    sync.Mutex
	calls map[string][]byte
}

func (a *recordingApplier) WriteConfig(_ context.Context, nodeID string, raw []byte) (telemetry.NodeState, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := telemetry.DecodeNodeConfig(raw); err != nil {
		return telemetry.NodeState{}, err
	}
	if a.calls == nil {
		a.calls = make(map[string][]byte)
	}
	a.calls[nodeID] = raw
	return telemetry.NodeState{NodeID: nodeID}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNodeKey_RoundTrip(t *testing.T) {
	for _, id := range []string{"n1", "ridge.north:7", "A-b_c"} {
		got, err := ParseNodeKey(NodeKey(id))
		require.NoError(t, err)
		assert.Equal(t, id, got)
	}

	_, err := ParseNodeKey("not base64!")
	assert.True(t, errors.IsInvalid(err))
}

func TestConfigWatcher_Handle(t *testing.T) {
	applier := &recordingApplier{}
	w := &ConfigWatcher{applier: applier, logger: testLogger()}
	ctx := context.Background()

	w.handle(ctx, fakeEntry{key: NodeKey("n1"), val: []byte(`{"alertEnabled": false}`), op: jetstream.KeyValuePut})
	w.handle(ctx, fakeEntry{key: NodeKey("n2"), val: []byte(`{"sampleInterval": 1}`), op: jetstream.KeyValuePut})
	w.handle(ctx, fakeEntry{key: NodeKey("n3"), op: jetstream.KeyValueDelete})
	w.handle(ctx, fakeEntry{key: "%%%", val: []byte(`{}`), op: jetstream.KeyValuePut})

	assert.Equal(t, int64(1), w.Applied())
	assert.Equal(t, int64(2), w.rejected.Load())
	assert.Contains(t, applier.calls, "n1")
	assert.NotContains(t, applier.calls, "n3")
}

func TestConfigWatcher_StopBeforeStart(t *testing.T) {
	w := &ConfigWatcher{logger: testLogger()}
	assert.NoError(t, w.Stop(time.Second))
}
