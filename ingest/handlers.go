package ingest

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/amoahfrank/firewatch/errors"
	"github.com/amoahfrank/firewatch/subscription"
)

// Subscriber registers topic handlers; *subscription.Manager implements it
type Subscriber interface {
	Subscribe(ctx context.Context, pattern string, handler subscription.Handler) (*subscription.Subscription, error)
}

// Bind subscribes the pipeline to node telemetry and node status reports
func (p *Pipeline) Bind(ctx context.Context, sub Subscriber) ([]*subscription.Subscription, error) {
	telemetrySub, err := sub.Subscribe(ctx, p.topics.TelemetryPattern(), p.HandleTelemetry)
	if err != nil {
		return nil, errors.Wrap(err, "Pipeline", "Bind", "subscribe telemetry")
	}
	statusSub, err := sub.Subscribe(ctx, p.topics.NodeStatusPattern(), p.HandleNodeStatus)
	if err != nil {
		return nil, errors.Wrap(err, "Pipeline", "Bind", "subscribe node status")
	}
	return []*subscription.Subscription{telemetrySub, statusSub}, nil
}

// HandleTelemetry is the subscription handler for node data topics. Rejected
// readings are already logged and counted, so only unexpected failures are
// returned to the manager.
func (p *Pipeline) HandleTelemetry(ctx context.Context, msg subscription.Message) error {
	nodeID, kind, ok := p.topics.ParseNodeTopic(msg.Topic)
	if !ok || kind != "data" {
		if p.metrics != nil {
			p.metrics.RecordRejected(ReasonTopic)
		}
		p.logger.WarnContext(ctx, "Telemetry on unexpected topic", "topic", msg.Topic)
		return nil
	}
	if err := p.OnTelemetry(ctx, nodeID, msg.Payload); err != nil && !errors.IsInvalid(err) {
		return fmt.Errorf("telemetry from %s: %w", nodeID, err)
	}
	return nil
}

// nodeReport is the self-reported status a node publishes, e.g. on wake-up
type nodeReport struct {
	Status  string   `json:"status"`
	Battery *float64 `json:"battery,omitempty"`
	Uptime  *int64   `json:"uptime,omitempty"`
}

// HandleNodeStatus logs and counts node self-reports. They are informational:
// liveness is derived from readings only.
func (p *Pipeline) HandleNodeStatus(ctx context.Context, msg subscription.Message) error {
	nodeID, _, ok := p.topics.ParseNodeTopic(msg.Topic)
	if !ok {
		return nil
	}

	var report nodeReport
	if err := json.Unmarshal(msg.Payload, &report); err != nil || report.Status == "" {
		report.Status = "unparsed"
	}
	if p.metrics != nil {
		p.metrics.NodeReports.WithLabelValues(report.Status).Inc()
	}

	attrs := []any{"node_id", nodeID, "status", report.Status}
	if report.Battery != nil {
		attrs = append(attrs, "battery", *report.Battery)
	}
	p.logger.InfoContext(ctx, "Node status report", attrs...)
	return nil
}
