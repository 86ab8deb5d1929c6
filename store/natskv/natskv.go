// Package natskv persists node status in a JetStream KV bucket and readings in a
// JetStream stream, so any service on the bus can read the fleet state.
package natskv

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"sort"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/amoahfrank/firewatch/errors"
	"github.com/amoahfrank/firewatch/natsclient"
	"github.com/amoahfrank/firewatch/store"
	"github.com/amoahfrank/firewatch/telemetry"
)

// Config names the bucket and stream
type Config struct {
	Bucket        string        `json:"bucket" yaml:"bucket"`
	Stream        string        `json:"stream" yaml:"stream"`
	SubjectPrefix string        `json:"subject_prefix" yaml:"subject_prefix"`
	MaxAge        time.Duration `json:"max_age" yaml:"max_age"`
	// DuplicateWindow is how long the stream remembers reading ids for dedupe
	DuplicateWindow time.Duration `json:"duplicate_window" yaml:"duplicate_window"`
}

// DefaultConfig returns defaults
func DefaultConfig() Config {
	return Config{
		Bucket:          "FIREWATCH_NODES",
		Stream:          "FIREWATCH_READINGS",
		SubjectPrefix:   "firewatch",
		MaxAge:          7 * 24 * time.Hour,
		DuplicateWindow: 10 * time.Minute,
	}
}

// Validate checks the config
func (c Config) Validate() error {
	if c.Bucket == "" {
		return errors.Invalidf(errors.ErrInvalidConfig, "natskv", "Validate", "bucket is required")
	}
	if c.Stream == "" {
		return errors.Invalidf(errors.ErrInvalidConfig, "natskv", "Validate", "stream is required")
	}
	if c.SubjectPrefix == "" {
		return errors.Invalidf(errors.ErrInvalidConfig, "natskv", "Validate", "subject prefix is required")
	}
	if c.MaxAge < 0 || c.DuplicateWindow < 0 {
		return errors.Invalidf(errors.ErrInvalidConfig, "natskv", "Validate", "durations must not be negative")
	}
	return nil
}

// Store implements store.Persister and store.NodeLoader on JetStream
type Store struct {
	client *natsclient.Client
	kv     *natsclient.KVStore
	cfg    Config
	logger *slog.Logger
}

var (
	_ store.Persister  = (*Store)(nil)
	_ store.NodeLoader = (*Store)(nil)
)

// Open ensures the stream and bucket exist. client must be connected.
func Open(ctx context.Context, client *natsclient.Client, cfg Config, logger *slog.Logger) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	_, err := client.EnsureStream(ctx, jetstream.StreamConfig{
		Name:       cfg.Stream,
		Subjects:   []string{cfg.SubjectPrefix + ".readings.>"},
		Storage:    jetstream.FileStorage,
		MaxAge:     cfg.MaxAge,
		Duplicates: cfg.DuplicateWindow,
	})
	if err != nil {
		return nil, errors.Wrap(err, "natskv", "Open", "ensure readings stream")
	}

	bucket, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.Bucket,
		Description: "Latest state of every sensor node",
		History:     1,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return nil, errors.Wrap(err, "natskv", "Open", "open node bucket")
	}

	return &Store{
		client: client,
		kv:     client.NewKVStore(bucket),
		cfg:    cfg,
		logger: logger.With("component", "natskv", "bucket", cfg.Bucket),
	}, nil
}

// token maps a node id onto a string valid as both a KV key and a subject token
func token(nodeID string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(nodeID))
}

// ReadingSubject is the stream subject a node's readings are published on
func (s *Store) ReadingSubject(nodeID string) string {
	return s.cfg.SubjectPrefix + ".readings." + token(nodeID)
}

// readingID identifies a reading for stream deduplication
func readingID(r telemetry.Reading) string {
	return r.NodeID + "@" + r.Timestamp.UTC().Format(time.RFC3339Nano)
}

// RecordReading appends r to the readings stream. Redelivered readings are
// deduplicated by the stream within its duplicate window.
func (s *Store) RecordReading(ctx context.Context, r telemetry.Reading) error {
	data, err := json.Marshal(r)
	if err != nil {
		return errors.WrapInvalid(err, "natskv", "RecordReading", "encode reading")
	}
	return s.client.PublishToStream(ctx, s.ReadingSubject(r.NodeID), data, jetstream.WithMsgID(readingID(r)))
}

// UpsertNodeStatus stores state under the node's key with a CAS update
func (s *Store) UpsertNodeStatus(ctx context.Context, nodeID string, state telemetry.NodeState) error {
	err := natsclient.UpdateJSON(ctx, s.kv, token(nodeID), func(current *telemetry.NodeState) (telemetry.NodeState, error) {
		return merge(current, state)
	})
	if err != nil {
		return errors.WrapTransient(err, "natskv", "UpsertNodeStatus", "update node "+nodeID)
	}
	return nil
}

// merge keeps the stored state when it carries a newer Seq than next
func merge(current *telemetry.NodeState, next telemetry.NodeState) (telemetry.NodeState, error) {
	if current != nil && next.Seq < current.Seq {
		return telemetry.NodeState{}, natsclient.ErrKVSkip
	}
	return next, nil
}

// LoadNodes reads every node in the bucket, ordered by id
func (s *Store) LoadNodes(ctx context.Context) ([]telemetry.NodeState, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		return nil, errors.WrapTransient(err, "natskv", "LoadNodes", "list keys")
	}

	nodes := make([]telemetry.NodeState, 0, len(keys))
	for _, key := range keys {
		entry, err := s.kv.Get(ctx, key)
		if err != nil {
			if natsclient.IsKVNotFoundError(err) {
				continue
			}
			return nil, errors.WrapTransient(err, "natskv", "LoadNodes", "get "+key)
		}
		var state telemetry.NodeState
		if err := json.Unmarshal(entry.Value, &state); err != nil {
			s.logger.Warn("Skipping undecodable node state", "key", key, "error", err)
			continue
		}
		nodes = append(nodes, state)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].NodeID < nodes[j].NodeID })
	return nodes, nil
}
