package natskv

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/amoahfrank/firewatch/errors"
	"github.com/amoahfrank/firewatch/natsclient"
	"github.com/amoahfrank/firewatch/telemetry"
)

// DefaultConfigBucket holds node configurations written by other services
const DefaultConfigBucket = "FIREWATCH_NODE_CONFIG"

// ConfigApplier validates and applies a raw node config; *ingest.Pipeline implements it
type ConfigApplier interface {
	WriteConfig(ctx context.Context, nodeID string, raw []byte) (telemetry.NodeState, error)
}

// ConfigWatcher applies node configs put into a KV bucket, so a config can be
// changed from anywhere on the bus. Entries present at Start are applied too.
// Invalid entries are logged and skipped; the bucket is not corrected.
type ConfigWatcher struct {
	kv      *natsclient.KVStore
	applier ConfigApplier
	logger  *slog.Logger

	watcher  jetstream.KeyWatcher
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  atomic.Bool
	stopped  atomic.Bool
	applied  atomic.Int64
	rejected atomic.Int64
}

// OpenConfigWatcher creates or opens bucket. client must be connected.
func OpenConfigWatcher(ctx context.Context, client *natsclient.Client, bucket string, applier ConfigApplier,
	logger *slog.Logger,
) (*ConfigWatcher, error) {
	if bucket == "" {
		bucket = DefaultConfigBucket
	}
	if logger == nil {
		logger = slog.Default()
	}

	kv, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "Requested sensor node configurations",
		History:     5,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return nil, errors.Wrap(err, "ConfigWatcher", "Open", "open config bucket")
	}

	return &ConfigWatcher{
		kv:      client.NewKVStore(kv),
		applier: applier,
		logger:  logger.With("component", "config-watch", "bucket", bucket),
	}, nil
}

// NodeKey is the bucket key of a node
func NodeKey(nodeID string) string {
	return token(nodeID)
}

// ParseNodeKey reverses NodeKey
func ParseNodeKey(key string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(key)
	if err != nil {
		return "", errors.WrapInvalid(err, "natskv", "ParseNodeKey", "decode key "+key)
	}
	nodeID := string(raw)
	if err := telemetry.ValidateNodeID(nodeID); err != nil {
		return "", err
	}
	return nodeID, nil
}

// Put writes cfg for nodeID into the bucket
func (w *ConfigWatcher) Put(ctx context.Context, nodeID string, cfg telemetry.NodeConfig) error {
	if err := telemetry.ValidateNodeID(nodeID); err != nil {
		return err
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return errors.WrapInvalid(err, "ConfigWatcher", "Put", "encode config")
	}
	if _, err := w.kv.Put(ctx, NodeKey(nodeID), data); err != nil {
		return errors.WrapTransient(err, "ConfigWatcher", "Put", "put config for "+nodeID)
	}
	return nil
}

// Start begins watching until Stop or ctx ends
func (w *ConfigWatcher) Start(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return errors.ErrAlreadyStarted
	}

	watchCtx, cancel := context.WithCancel(ctx)
	watcher, err := w.kv.Watch(watchCtx, jetstream.AllKeys)
	if err != nil {
		cancel()
		return errors.WrapTransient(err, "ConfigWatcher", "Start", "watch config bucket")
	}
	w.watcher = watcher
	w.cancel = cancel

	w.wg.Add(1)
	go w.run(watchCtx)
	return nil
}

func (w *ConfigWatcher) run(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-w.watcher.Updates():
			if !ok {
				return
			}
			if entry == nil {
				// end of the initial values
				w.logger.Info("Config bucket synced", "applied", w.applied.Load(), "rejected", w.rejected.Load())
				continue
			}
			w.handle(ctx, entry)
		}
	}
}

func (w *ConfigWatcher) handle(ctx context.Context, entry jetstream.KeyValueEntry) {
	if entry.Operation() != jetstream.KeyValuePut {
		return
	}

	nodeID, err := ParseNodeKey(entry.Key())
	if err != nil {
		w.rejected.Add(1)
		w.logger.Warn("Ignoring config with invalid key", "key", entry.Key(), "error", err)
		return
	}
	if _, err := w.applier.WriteConfig(ctx, nodeID, entry.Value()); err != nil {
		w.rejected.Add(1)
		w.logger.Warn("Rejected config from bucket", "node_id", nodeID, "revision", entry.Revision(), "error", err)
		return
	}
	w.applied.Add(1)
	w.logger.Info("Applied config from bucket", "node_id", nodeID, "revision", entry.Revision())
}

// Applied returns how many entries were applied
func (w *ConfigWatcher) Applied() int64 {
	return w.applied.Load()
}

// Stop ends the watch and waits up to timeout for the loop to exit
func (w *ConfigWatcher) Stop(timeout time.Duration) error {
	if !w.stopped.CompareAndSwap(false, true) || !w.started.Load() {
		return nil
	}
	_ = w.watcher.Stop()
	w.cancel()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		w.logger.Warn("Config watcher stop timed out", "timeout", timeout)
		return errors.WrapTransient(errors.ErrShuttingDown, "ConfigWatcher", "Stop", "wait for watch loop")
	}
}
