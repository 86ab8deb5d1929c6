package ingest

import (
	"context"
	"encoding/json"

	"github.com/amoahfrank/firewatch/errors"
	"github.com/amoahfrank/firewatch/store"
	"github.com/amoahfrank/firewatch/telemetry"
)

// WriteConfig decodes raw as a NodeConfig and applies it with ApplyConfig
func (p *Pipeline) WriteConfig(ctx context.Context, nodeID string, raw []byte) (telemetry.NodeState, error) {
	cfg, err := telemetry.DecodeNodeConfig(raw)
	if err != nil {
		return telemetry.NodeState{}, err
	}
	return p.ApplyConfig(ctx, nodeID, cfg)
}

// ApplyConfig replaces the node's configuration. An invalid config is rejected
// with the reason and leaves the node untouched. The accepted config is
// persisted and pushed to the node as a retained message; the current status
// is not recomputed.
func (p *Pipeline) ApplyConfig(ctx context.Context, nodeID string, cfg telemetry.NodeConfig) (telemetry.NodeState, error) {
	state, err := p.registry.UpsertConfig(nodeID, cfg)
	if err != nil {
		p.logger.WarnContext(ctx, "Config rejected", "node_id", nodeID, "error", err)
		return telemetry.NodeState{}, err
	}
	p.logger.InfoContext(ctx, "Config updated", "node_id", nodeID, "alert_enabled", cfg.AlertEnabled,
		"sample_interval", cfg.SampleInterval, "transmit_interval", cfg.TransmitInterval)

	if p.persister != nil {
		_ = p.persister.UpsertNodeStatus(nodeID, state)
	}

	payload, err := json.Marshal(cfg)
	if err != nil {
		return state, errors.WrapInvalid(err, "Pipeline", "ApplyConfig", "encode config")
	}
	p.enqueue(outbound{kind: KindConfig, nodeID: nodeID, topic: p.topics.Config(nodeID), payload: payload, retained: true})
	return state, nil
}

// Restore seeds the registry from loader and returns how many nodes were added.
// Nodes the registry already knows are left alone.
func (p *Pipeline) Restore(ctx context.Context, loader store.NodeLoader) (int, error) {
	states, err := loader.LoadNodes(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "Pipeline", "Restore", "load nodes")
	}
	restored := 0
	for _, state := range states {
		if p.registry.Restore(state) {
			restored++
		} else {
			p.logger.WarnContext(ctx, "Skipped persisted node", "node_id", state.NodeID, "status", state.Status)
		}
	}
	p.logger.InfoContext(ctx, "Restored node states", "count", restored, "loaded", len(states))
	return restored, nil
}
