// Package kafka forwards fire-risk alerts to a Kafka topic for downstream
// incident tooling. Alerts are keyed by node id so one node's alerts stay
// ordered within a partition.
package kafka

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/amoahfrank/firewatch/errors"
	"github.com/amoahfrank/firewatch/metric"
	"github.com/amoahfrank/firewatch/pkg/buffer"
	"github.com/amoahfrank/firewatch/pkg/retry"
	"github.com/amoahfrank/firewatch/telemetry"
)

// publishedKind labels Kafka alerts in the published-messages metric
const publishedKind = "kafka_alert"

// Config holds the Kafka sink settings
type Config struct {
	Brokers      []string      `json:"brokers" yaml:"brokers"`
	Topic        string        `json:"topic" yaml:"topic"`
	BufferSize   int           `json:"buffer_size" yaml:"buffer_size"`
	BatchSize    int           `json:"batch_size" yaml:"batch_size"`
	BatchTimeout time.Duration `json:"batch_timeout" yaml:"batch_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
	Retry        retry.Config  `json:"retry" yaml:"retry"`
}

// DefaultConfig returns defaults for a local broker
func DefaultConfig() Config {
	return Config{
		Brokers:      []string{"localhost:9092"},
		Topic:        "firewatch.alerts",
		BufferSize:   1024,
		BatchSize:    100,
		BatchTimeout: 50 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		Retry:        retry.Quick(),
	}
}

// Validate checks the configuration for errors
func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.Invalidf(errors.ErrInvalidConfig, "kafka", "Validate", "at least one broker is required")
	}
	if c.Topic == "" {
		return errors.Invalidf(errors.ErrInvalidConfig, "kafka", "Validate", "topic is required")
	}
	if c.BufferSize < 1 || c.BatchSize < 1 {
		return errors.Invalidf(errors.ErrInvalidConfig, "kafka", "Validate",
			"buffer_size and batch_size must be positive")
	}
	return nil
}

// messageWriter is the part of *kafkago.Writer the sink uses
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Sink buffers alerts and writes them to Kafka from a single goroutine.
// SendAlert never blocks; when the buffer is full the oldest alert is dropped.
type Sink struct {
	cfg     Config
	writer  messageWriter
	pending *buffer.Buffer[kafkago.Message]
	wake    chan struct{}
	logger  *slog.Logger
	metrics *metric.Metrics

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// Option configures a Sink
type Option func(*Sink)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sink) {
		s.logger = logger
	}
}

// WithMetrics counts delivered alerts
func WithMetrics(m *metric.Metrics) Option {
	return func(s *Sink) {
		s.metrics = m
	}
}

// New creates a sink writing to cfg.Topic
func New(cfg Config, opts ...Option) (*Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	w := &kafkago.Writer{
		Addr:                   kafkago.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafkago.Hash{},
		RequiredAcks:           kafkago.RequireOne,
		BatchSize:              cfg.BatchSize,
		BatchTimeout:           cfg.BatchTimeout,
		WriteTimeout:           cfg.WriteTimeout,
		AllowAutoTopicCreation: true,
	}
	return newSink(cfg, w, opts...)
}

func newSink(cfg Config, w messageWriter, opts ...Option) (*Sink, error) {
	s := &Sink{
		cfg:    cfg,
		writer: w,
		wake:   make(chan struct{}, 1),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "kafka-sink", "topic", cfg.Topic)

	pending, err := buffer.New(cfg.BufferSize,
		buffer.WithOverflowPolicy[kafkago.Message](buffer.DropOldest),
		buffer.WithDropCallback[kafkago.Message](func(m kafkago.Message) {
			s.logger.Warn("Alert dropped, Kafka buffer full", "node_id", string(m.Key))
		}))
	if err != nil {
		return nil, errors.WrapInvalid(err, "kafka", "New", "create buffer")
	}
	s.pending = pending
	return s, nil
}

// Start launches the delivery loop
func (s *Sink) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.ErrShuttingDown
	}
	if s.started {
		return errors.ErrAlreadyStarted
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.started = true
	go s.run(ctx)
	return nil
}

// SendAlert queues alert for delivery
func (s *Sink) SendAlert(alert telemetry.Alert) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return errors.WrapFatal(errors.ErrShuttingDown, "kafka", "SendAlert", "queue alert")
	}

	value, err := json.Marshal(alert)
	if err != nil {
		return errors.WrapInvalid(err, "kafka", "SendAlert", "encode alert")
	}
	s.pending.Write(kafkago.Message{
		Key:   []byte(alert.NodeID),
		Value: value,
		Time:  alert.Timestamp,
		Headers: []kafkago.Header{
			{Key: "type", Value: []byte(alert.Type)},
		},
	})
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// Pending returns the number of queued alerts
func (s *Sink) Pending() int {
	return s.pending.Len()
}

// Dropped returns how many alerts were discarded because the buffer was full
func (s *Sink) Dropped() int64 {
	return s.pending.Dropped()
}

func (s *Sink) run(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
			s.flush(ctx)
		}
	}
}

// flush writes buffered alerts in batches until the buffer is empty or ctx ends
func (s *Sink) flush(ctx context.Context) {
	for ctx.Err() == nil {
		batch := s.nextBatch()
		if len(batch) == 0 {
			return
		}
		err := retry.Do(ctx, s.cfg.Retry, func() error {
			return s.writer.WriteMessages(ctx, batch...)
		})
		if err != nil {
			if ctx.Err() != nil {
				// shutting down; keep the batch for the final flush
				for i := len(batch) - 1; i >= 0; i-- {
					s.pending.Requeue(batch[i])
				}
				return
			}
			s.logger.Error("Failed to deliver alerts", "count", len(batch), "error", err)
			continue
		}
		if s.metrics != nil {
			s.metrics.MessagesPublished.WithLabelValues(publishedKind).Add(float64(len(batch)))
		}
	}
}

func (s *Sink) nextBatch() []kafkago.Message {
	batch := make([]kafkago.Message, 0, min(s.pending.Len(), s.cfg.BatchSize))
	for len(batch) < s.cfg.BatchSize {
		m, ok := s.pending.Read()
		if !ok {
			break
		}
		batch = append(batch, m)
	}
	return batch
}

// Close stops the loop, writes what is still buffered within ctx, and closes
// the Kafka writer.
func (s *Sink) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	started := s.started
	s.mu.Unlock()

	if started {
		s.cancel()
		<-s.done
	}
	s.flush(ctx)
	if n := s.pending.Len(); n > 0 {
		s.logger.Warn("Alerts not delivered before shutdown", "count", n)
	}
	if err := s.writer.Close(); err != nil {
		return errors.Wrap(err, "kafka", "Close", "close writer")
	}
	return nil
}
