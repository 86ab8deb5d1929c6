// Package ingest turns inbound telemetry into registry updates and drives the
// side effects of every status change: persistence, observer fan-out, event and
// alert publication. The side effects are independent; none of them blocks
// another or the ingestion of later messages.
package ingest

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"time"

	"github.com/amoahfrank/firewatch/errors"
	"github.com/amoahfrank/firewatch/metric"
	"github.com/amoahfrank/firewatch/pkg/worker"
	"github.com/amoahfrank/firewatch/registry"
	"github.com/amoahfrank/firewatch/telemetry"
)

// Rejection reasons used in metrics
const (
	ReasonInvalid = "invalid"
	ReasonStale   = "stale"
	ReasonTopic   = "topic"
)

// Published message kinds used in metrics
const (
	KindEvent     = "event"
	KindAlert     = "alert"
	KindDashboard = "dashboard"
	KindConfig    = "config"
)

// Persister queues persistence without blocking; *store.Writer implements it
type Persister interface {
	RecordReading(reading telemetry.Reading) error
	UpsertNodeStatus(nodeID string, state telemetry.NodeState) error
}

// Dispatcher delivers status changes to live observers; *fanout.Hub implements it
type Dispatcher interface {
	Dispatch(change telemetry.StatusChange) int
}

// Publisher sends messages on the field transport; *subscription.Manager implements it
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, qos byte) error
	PublishRetained(ctx context.Context, topic string, payload []byte, qos byte) error
}

// AlertSink receives alerts in addition to the transport alert topics. SendAlert
// must not block.
type AlertSink interface {
	SendAlert(alert telemetry.Alert) error
}

// Config tunes the pipeline
type Config struct {
	QoS            byte `json:"qos" yaml:"qos"`
	PublishWorkers int  `json:"publish_workers" yaml:"publish_workers"`
	PublishQueue   int  `json:"publish_queue" yaml:"publish_queue"`
	// MaxClockSkew is how far ahead of receive time a reading may be stamped.
	// Zero disables the check.
	MaxClockSkew time.Duration `json:"max_clock_skew" yaml:"max_clock_skew"`
}

// DefaultConfig returns defaults
func DefaultConfig() Config {
	return Config{
		QoS:            1,
		PublishWorkers: 2,
		PublishQueue:   1024,
		MaxClockSkew:   telemetry.DefaultMaxClockSkew,
	}
}

type outbound struct {
	kind     string
	nodeID   string
	topic    string
	payload  []byte
	retained bool
}

// Pipeline is the ingestion path. Create with New, then Start before use.
type Pipeline struct {
	registry  *registry.Registry
	topics    telemetry.Topics
	cfg       Config
	persister Persister
	hub       Dispatcher
	publisher Publisher
	sinks     []AlertSink
	metrics   *metric.Metrics
	logger    *slog.Logger
	now       func() time.Time

	publishes *worker.Pool[outbound]
}

// Option configures a Pipeline
type Option func(*Pipeline)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// WithMetrics records ingestion metrics
func WithMetrics(m *metric.Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// WithPersister enables persistence of readings and status
func WithPersister(persister Persister) Option {
	return func(p *Pipeline) {
		p.persister = persister
	}
}

// WithDispatcher enables observer fan-out
func WithDispatcher(hub Dispatcher) Option {
	return func(p *Pipeline) {
		p.hub = hub
	}
}

// WithPublisher enables event, alert and config publication on the transport
func WithPublisher(publisher Publisher) Option {
	return func(p *Pipeline) {
		p.publisher = publisher
	}
}

// WithAlertSink adds a secondary alert channel
func WithAlertSink(sink AlertSink) Option {
	return func(p *Pipeline) {
		p.sinks = append(p.sinks, sink)
	}
}

// WithClock replaces time.Now for receive timestamps
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		p.now = now
	}
}

// New creates a pipeline feeding reg
func New(reg *registry.Registry, topics telemetry.Topics, cfg Config, opts ...Option) *Pipeline {
	p := &Pipeline{
		registry: reg,
		topics:   topics,
		cfg:      cfg,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	p.logger = p.logger.With("component", "ingest")

	p.publishes = worker.NewPool(max(cfg.PublishWorkers, 1), max(cfg.PublishQueue, 1), p.publish,
		worker.WithErrorHandler[outbound](func(o outbound, err error) {
			p.logger.Warn("Publish failed", "kind", o.kind, "topic", o.topic, "node_id", o.nodeID, "error", err)
		}))
	return p
}

// Start launches the publish workers
func (p *Pipeline) Start(ctx context.Context) error {
	if err := p.publishes.Start(ctx); err != nil {
		return errors.Wrap(err, "Pipeline", "Start", "start publish workers")
	}
	return nil
}

// Stop drains queued publications, waiting up to timeout
func (p *Pipeline) Stop(timeout time.Duration) error {
	if err := p.publishes.Stop(timeout); err != nil {
		return errors.Wrap(err, "Pipeline", "Stop", "drain publications")
	}
	return nil
}

// Registry returns the registry the pipeline feeds
func (p *Pipeline) Registry() *registry.Registry {
	return p.registry
}

// OnTelemetry decodes raw as a reading of nodeID and applies it. Invalid and
// stale readings are counted, logged and returned as Invalid errors; they never
// reach the registry's state.
func (p *Pipeline) OnTelemetry(ctx context.Context, nodeID string, raw []byte) error {
	start := time.Now()
	defer func() {
		if p.metrics != nil {
			p.metrics.RecordProcessingDuration("telemetry", time.Since(start))
		}
	}()
	if p.metrics != nil {
		p.metrics.ReadingsReceived.Inc()
	}

	reading, err := telemetry.DecodeReading(nodeID, raw, p.now(), p.cfg.MaxClockSkew)
	if err != nil {
		p.reject(ctx, nodeID, ReasonInvalid, err)
		return err
	}

	state, change, err := p.registry.Apply(nodeID, reading)
	if err != nil {
		reason := ReasonInvalid
		if stderrors.Is(err, errors.ErrStaleReading) {
			reason = ReasonStale
		}
		p.reject(ctx, nodeID, reason, err)
		return err
	}
	if p.metrics != nil {
		p.metrics.ReadingsAccepted.Inc()
	}

	if p.persister != nil {
		// failures are logged and counted by the persister
		_ = p.persister.RecordReading(reading)
	}

	if change != nil {
		p.HandleChange(ctx, *change)
		return nil
	}

	// unchanged status: keep the stored lastSeen current and still republish
	// the normalized reading
	if p.persister != nil {
		_ = p.persister.UpsertNodeStatus(nodeID, state)
	}
	p.publishEvent(telemetry.Event{
		NodeID:    nodeID,
		Status:    state.Status,
		RiskLevel: state.RiskLevel,
		Reading:   &reading,
		Timestamp: state.LastSeen,
		Seq:       state.Seq,
	})
	return nil
}

func (p *Pipeline) reject(ctx context.Context, nodeID, reason string, err error) {
	if p.metrics != nil {
		p.metrics.RecordRejected(reason)
	}
	p.logger.WarnContext(ctx, "Reading rejected", "node_id", nodeID, "reason", reason, "error", err)
}

// HandleChange runs the side effects of change. It is used for both reading
// and sweep changes and never blocks on I/O.
func (p *Pipeline) HandleChange(ctx context.Context, change telemetry.StatusChange) {
	if p.metrics != nil {
		p.metrics.RecordStatusChange(string(change.Status), change.Source)
	}
	p.logger.DebugContext(ctx, "Status changed",
		"node_id", change.NodeID,
		"from", change.PreviousStatus,
		"to", change.Status,
		"risk", change.RiskLevel,
		"seq", change.Seq,
		"source", change.Source)

	if p.persister != nil {
		_ = p.persister.UpsertNodeStatus(change.NodeID, change.State)
	}
	if p.hub != nil {
		p.hub.Dispatch(change)
	}
	p.publishEvent(change.Event())

	if change.Status == telemetry.StatusAlert {
		p.raiseAlert(change.Alert())
	}
}

func (p *Pipeline) publishEvent(event telemetry.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("Failed to encode event", "node_id", event.NodeID, "error", err)
		return
	}
	p.enqueue(outbound{kind: KindEvent, nodeID: event.NodeID, topic: p.topics.Event(event.NodeID), payload: payload})
}

func (p *Pipeline) raiseAlert(alert telemetry.Alert) {
	p.logger.Warn("Fire risk alert", "node_id", alert.NodeID, "risk", alert.RiskLevel, "seq", alert.Seq)

	payload, err := json.Marshal(alert)
	if err != nil {
		p.logger.Error("Failed to encode alert", "node_id", alert.NodeID, "error", err)
		return
	}
	p.enqueue(outbound{kind: KindAlert, nodeID: alert.NodeID, topic: p.topics.Alert(alert.NodeID), payload: payload})
	p.enqueue(outbound{kind: KindDashboard, nodeID: alert.NodeID, topic: p.topics.Dashboard(), payload: payload})

	for _, sink := range p.sinks {
		if err := sink.SendAlert(alert); err != nil {
			p.logger.Warn("Alert sink failed", "node_id", alert.NodeID, "error", err)
		}
	}
}

// enqueue hands o to the publish workers. Messages of one node keep their order.
func (p *Pipeline) enqueue(o outbound) {
	if p.publisher == nil {
		return
	}
	if err := p.publishes.SubmitKeyed(o.nodeID, o); err != nil {
		p.logger.Warn("Publish dropped", "kind", o.kind, "topic", o.topic, "node_id", o.nodeID, "error", err)
	}
}

func (p *Pipeline) publish(ctx context.Context, o outbound) error {
	var err error
	if o.retained {
		err = p.publisher.PublishRetained(ctx, o.topic, o.payload, p.cfg.QoS)
	} else {
		err = p.publisher.Publish(ctx, o.topic, o.payload, p.cfg.QoS)
	}
	if err != nil {
		return err
	}
	if p.metrics != nil {
		p.metrics.RecordPublished(o.kind)
	}
	return nil
}
