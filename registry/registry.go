// Package registry holds the current state of every node. Mutations of one node
// are serialized; different nodes proceed in parallel.
package registry

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/amoahfrank/firewatch/classifier"
	"github.com/amoahfrank/firewatch/errors"
	"github.com/amoahfrank/firewatch/telemetry"
)

// Registry owns NodeState for every node it has seen
type Registry struct {
	classifier *classifier.Classifier
	defaults   telemetry.NodeConfig
	now        func() time.Time
	logger     *slog.Logger
	// clockAhead is how far past the local clock an accepted timestamp may
	// be before readings are ordered by receive time
	clockAhead time.Duration

	mu    sync.RWMutex
	nodes map[string]*entry
}

type entry struct {
	mu    sync.Mutex
	state telemetry.NodeState
}

// Option configures a Registry
type Option func(*Registry)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithClockTolerance sets how far ahead of the local clock a node's last
// accepted timestamp may be before ordering falls back to receive time
func WithClockTolerance(d time.Duration) Option {
	return func(r *Registry) {
		r.clockAhead = d
	}
}

// WithDefaultConfig sets the config given to nodes first seen through a reading
func WithDefaultConfig(cfg telemetry.NodeConfig) Option {
	return func(r *Registry) {
		r.defaults = cfg
	}
}

// New creates an empty registry classifying with c
func New(c *classifier.Classifier, opts ...Option) *Registry {
	r := &Registry{
		classifier: c,
		defaults:   telemetry.DefaultNodeConfig(),
		now:        time.Now,
		clockAhead: telemetry.DefaultMaxClockSkew,
		nodes:      make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.logger = r.logger.With("component", "registry")
	return r
}

func (r *Registry) entry(nodeID string) *entry {
	r.mu.RLock()
	e, ok := r.nodes[nodeID]
	r.mu.RUnlock()
	if ok {
		return e
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok = r.nodes[nodeID]; ok {
		return e
	}
	e = &entry{state: telemetry.NodeState{
		NodeID: nodeID,
		Config: r.defaults,
		Status: telemetry.StatusUnknown,
	}}
	r.nodes[nodeID] = e
	return e
}

// ApplyReading records reading as the node's latest, advances lastSeen and
// reclassifies. It returns a StatusChange only when status or risk level moved.
// A reading not newer than the last accepted one fails with ErrStaleReading and
// leaves the state untouched.
func (r *Registry) ApplyReading(nodeID string, reading telemetry.Reading) (*telemetry.StatusChange, error) {
	_, change, err := r.Apply(nodeID, reading)
	return change, err
}

// Apply is ApplyReading that also returns the node state as of this reading,
// copied before the node lock is released.
//
// Readings are ordered by device timestamp. When the last accepted timestamp is
// further ahead of the local clock than the clock tolerance, a reading stamped
// after the previous receive time is accepted on receive order instead, so one
// bad device clock cannot pin the node.
func (r *Registry) Apply(nodeID string, reading telemetry.Reading) (telemetry.NodeState, *telemetry.StatusChange, error) {
	if err := telemetry.ValidateNodeID(nodeID); err != nil {
		return telemetry.NodeState{}, nil, err
	}
	if reading.NodeID == "" {
		reading.NodeID = nodeID
	} else if reading.NodeID != nodeID {
		return telemetry.NodeState{}, nil, errors.Invalidf(errors.ErrInvalidReading, "Registry", "ApplyReading",
			"reading for %q applied to %q", reading.NodeID, nodeID)
	}

	e := r.entry(nodeID)
	e.mu.Lock()
	defer e.mu.Unlock()

	st := &e.state
	now := r.now()
	if last := st.LastReading; last != nil && !reading.Timestamp.After(last.Timestamp) {
		if last.Timestamp.Sub(now) <= r.clockAhead || !reading.Timestamp.After(st.LastSeen) {
			return telemetry.NodeState{}, nil, errors.Invalidf(errors.ErrStaleReading, "Registry", "ApplyReading",
				"reading at %s not after %s", reading.Timestamp.Format(time.RFC3339Nano),
				last.Timestamp.Format(time.RFC3339Nano))
		}
		r.logger.Warn("Node clock ran ahead, ordering by receive time",
			"node_id", nodeID, "last_timestamp", last.Timestamp, "timestamp", reading.Timestamp)
	}

	result := r.classifier.Classify(classifier.Input{
		Config:         st.Config,
		PreviousStatus: st.Status,
		PreviousRisk:   st.RiskLevel,
		Reading:        &reading,
		LastSeen:       now,
		Now:            now,
	})

	st.LastReading = &reading
	st.LastSeen = now

	change := r.transition(st, result, &reading, now, telemetry.SourceReading)
	return *st, change, nil
}

// transition applies result to st and returns the change, or nil if nothing moved.
// The caller holds the entry lock.
func (r *Registry) transition(
	st *telemetry.NodeState, result classifier.Result, reading *telemetry.Reading, now time.Time, source string,
) *telemetry.StatusChange {
	if result.Status == st.Status && result.RiskLevel == st.RiskLevel {
		return nil
	}

	change := &telemetry.StatusChange{
		NodeID:         st.NodeID,
		PreviousStatus: st.Status,
		PreviousRisk:   st.RiskLevel,
		Status:         result.Status,
		RiskLevel:      result.RiskLevel,
		Reading:        reading,
		Timestamp:      now,
		Source:         source,
	}

	st.Status = result.Status
	st.RiskLevel = result.RiskLevel
	st.Seq++

	change.Seq = st.Seq
	change.State = *st
	return change
}

// UpsertConfig validates cfg and replaces the node's config wholesale. The
// current status is not recomputed; the new config applies from the next reading.
func (r *Registry) UpsertConfig(nodeID string, cfg telemetry.NodeConfig) (telemetry.NodeState, error) {
	if err := telemetry.ValidateNodeID(nodeID); err != nil {
		return telemetry.NodeState{}, errors.Invalidf(errors.ErrInvalidConfig, "Registry", "UpsertConfig",
			"%v", err)
	}
	if err := cfg.Validate(); err != nil {
		return telemetry.NodeState{}, err
	}

	e := r.entry(nodeID)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.state.Config = cfg
	return e.state, nil
}

// SweepStale reclassifies, without a reading, every node whose lastSeen is past
// the warning threshold at now. Changes are ordered by node id.
func (r *Registry) SweepStale(now time.Time) []telemetry.StatusChange {
	var changes []telemetry.StatusChange
	for _, e := range r.entries() {
		e.mu.Lock()
		st := &e.state
		if r.classifier.IsStale(st.LastSeen, now) {
			result := r.classifier.Classify(classifier.Input{
				Config:         st.Config,
				PreviousStatus: st.Status,
				PreviousRisk:   st.RiskLevel,
				LastSeen:       st.LastSeen,
				Now:            now,
			})
			if change := r.transition(st, result, nil, now, telemetry.SourceSweep); change != nil {
				changes = append(changes, *change)
			}
		}
		e.mu.Unlock()
	}

	if len(changes) > 0 {
		r.logger.Debug("Sweep reclassified stale nodes", "changes", len(changes))
	}
	return changes
}

// Get returns a snapshot of the node's state
func (r *Registry) Get(nodeID string) (telemetry.NodeState, bool) {
	r.mu.RLock()
	e, ok := r.nodes[nodeID]
	r.mu.RUnlock()
	if !ok {
		return telemetry.NodeState{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, true
}

// List returns snapshots of every node, ordered by node id
func (r *Registry) List() []telemetry.NodeState {
	entries := r.entries()
	out := make([]telemetry.NodeState, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.state)
		e.mu.Unlock()
	}
	return out
}

// Restore seeds a node from persisted state. Nodes already known are left alone.
func (r *Registry) Restore(state telemetry.NodeState) bool {
	if telemetry.ValidateNodeID(state.NodeID) != nil || !state.Status.Valid() {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.nodes[state.NodeID]; exists {
		return false
	}
	r.nodes[state.NodeID] = &entry{state: state}
	return true
}

// Len returns the number of known nodes
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

func (r *Registry) entries() []*entry {
	r.mu.RLock()
	ids := make([]string, 0, len(r.nodes))
	for id := range r.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*entry, len(ids))
	for i, id := range ids {
		out[i] = r.nodes[id]
	}
	r.mu.RUnlock()
	return out
}
