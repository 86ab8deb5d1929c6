package store

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/amoahfrank/firewatch/errors"
	"github.com/amoahfrank/firewatch/health"
	"github.com/amoahfrank/firewatch/metric"
	"github.com/amoahfrank/firewatch/pkg/worker"
	"github.com/amoahfrank/firewatch/telemetry"
)

// Operation labels used in logs and metrics
const (
	OpRecordReading    = "record_reading"
	OpUpsertNodeStatus = "upsert_node_status"
)

// healthName is the component name reported to the health monitor
const healthName = "persistence"

// WriterConfig sizes the asynchronous writer
type WriterConfig struct {
	Workers   int           `json:"workers" yaml:"workers"`
	QueueSize int           `json:"queue_size" yaml:"queue_size"`
	Timeout   time.Duration `json:"timeout" yaml:"timeout"` // per call
}

// DefaultWriterConfig returns defaults
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		Workers:   4,
		QueueSize: 1024,
		Timeout:   5 * time.Second,
	}
}

type op struct {
	kind    string
	reading telemetry.Reading
	nodeID  string
	state   telemetry.NodeState
}

// Writer runs Persister calls on a worker pool. Calls for the same node are
// executed in submission order; calls never block the submitter.
type Writer struct {
	persister Persister
	cfg       WriterConfig
	pool      *worker.Pool[op]
	logger    *slog.Logger
	metrics   *metric.Metrics
	monitor   *health.Monitor

	failing atomic.Bool
}

// WriterOption configures a Writer
type WriterOption func(*Writer)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) WriterOption {
	return func(w *Writer) {
		w.logger = logger
	}
}

// WithMetrics records persistence failures
func WithMetrics(m *metric.Metrics) WriterOption {
	return func(w *Writer) {
		w.metrics = m
	}
}

// WithHealthMonitor reports storage health to monitor
func WithHealthMonitor(monitor *health.Monitor) WriterOption {
	return func(w *Writer) {
		w.monitor = monitor
	}
}

// NewWriter creates a writer in front of p
func NewWriter(p Persister, cfg WriterConfig, opts ...WriterOption) *Writer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultWriterConfig().Timeout
	}
	w := &Writer{
		persister: p,
		cfg:       cfg,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	w.logger = w.logger.With("component", "store-writer")
	w.pool = worker.NewPool(cfg.Workers, cfg.QueueSize, w.process)
	return w
}

// Start launches the workers. ctx bounds the workers' lifetime; use Stop to drain.
func (w *Writer) Start(ctx context.Context) error {
	if err := w.pool.Start(ctx); err != nil {
		return errors.Wrap(err, "Writer", "Start", "start worker pool")
	}
	if w.monitor != nil {
		w.monitor.UpdateHealthy(healthName, "accepting writes")
	}
	return nil
}

// RecordReading queues a reading for persistence
func (w *Writer) RecordReading(reading telemetry.Reading) error {
	return w.submit(op{kind: OpRecordReading, nodeID: reading.NodeID, reading: reading})
}

// UpsertNodeStatus queues a node state for persistence
func (w *Writer) UpsertNodeStatus(nodeID string, state telemetry.NodeState) error {
	return w.submit(op{kind: OpUpsertNodeStatus, nodeID: nodeID, state: state})
}

func (w *Writer) submit(o op) error {
	if err := w.pool.SubmitKeyed(o.nodeID, o); err != nil {
		w.recordFailure(o, err)
		return errors.WrapTransient(err, "Writer", "submit", o.kind)
	}
	return nil
}

func (w *Writer) process(ctx context.Context, o op) error {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()

	var err error
	switch o.kind {
	case OpRecordReading:
		err = w.persister.RecordReading(ctx, o.reading)
	case OpUpsertNodeStatus:
		err = w.persister.UpsertNodeStatus(ctx, o.nodeID, o.state)
	}
	if err != nil {
		w.recordFailure(o, err)
		return err
	}
	if w.failing.CompareAndSwap(true, false) && w.monitor != nil {
		w.monitor.UpdateHealthy(healthName, "writes succeeding")
	}
	return nil
}

func (w *Writer) recordFailure(o op, err error) {
	w.logger.Warn("Persistence failed", "operation", o.kind, "node_id", o.nodeID, "error", err)
	if w.metrics != nil {
		w.metrics.RecordPersistenceFailure(o.kind)
	}
	if w.failing.CompareAndSwap(false, true) && w.monitor != nil {
		w.monitor.Update(healthName, health.DegradedFromError(healthName, err))
	}
}

// Stop drains queued writes, waiting up to timeout
func (w *Writer) Stop(timeout time.Duration) error {
	if err := w.pool.Stop(timeout); err != nil {
		return errors.Wrap(err, "Writer", "Stop", "drain queue")
	}
	return nil
}

// Stats returns worker pool statistics
func (w *Writer) Stats() worker.PoolStats {
	return w.pool.Stats()
}
