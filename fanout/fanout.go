// Package fanout distributes status changes to attached observers. Delivery is
// at most once per observer per change: a full observer buffer drops the change
// and late joiners are expected to read a registry snapshot instead.
package fanout

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/amoahfrank/firewatch/errors"
	"github.com/amoahfrank/firewatch/metric"
	"github.com/amoahfrank/firewatch/telemetry"
)

// AllNodes subscribes an observer to every node
const AllNodes = "*"

// DefaultBufferSize is the per-observer channel capacity
const DefaultBufferSize = 64

// Observer is the receiving side of one attachment
type Observer struct {
	ID string
	// C is closed on Detach
	C <-chan telemetry.StatusChange
}

type observer struct {
	id      string
	ch      chan telemetry.StatusChange
	nodes   map[string]struct{}
	lastSeq map[string]uint64
}

func (o *observer) wants(nodeID string) bool {
	if _, ok := o.nodes[AllNodes]; ok {
		return true
	}
	_, ok := o.nodes[nodeID]
	return ok
}

// Hub is the observer table
type Hub struct {
	bufferSize int
	logger     *slog.Logger
	metrics    *metric.Metrics

	mu        sync.Mutex
	observers map[string]*observer
}

// Option configures a Hub
type Option func(*Hub)

// WithBufferSize sets the per-observer channel capacity
func WithBufferSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.bufferSize = n
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(h *Hub) {
		h.logger = logger
	}
}

// WithMetrics records deliveries, drops and observer count
func WithMetrics(m *metric.Metrics) Option {
	return func(h *Hub) {
		h.metrics = m
	}
}

// NewHub creates an empty hub
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		bufferSize: DefaultBufferSize,
		logger:     slog.Default(),
		observers:  make(map[string]*observer),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	h.logger = h.logger.With("component", "fanout")
	return h
}

// Attach registers an observer with no node subscriptions
func (h *Hub) Attach(observerID string) (*Observer, error) {
	if observerID == "" {
		return nil, errors.Invalidf(errors.ErrInvalidConfig, "Hub", "Attach", "observer id is required")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.observers[observerID]; exists {
		return nil, errors.Invalidf(errors.ErrInvalidConfig, "Hub", "Attach", "observer %q already attached", observerID)
	}
	o := &observer{
		id:      observerID,
		ch:      make(chan telemetry.StatusChange, h.bufferSize),
		nodes:   make(map[string]struct{}),
		lastSeq: make(map[string]uint64),
	}
	h.observers[observerID] = o
	h.recordObservers()
	return &Observer{ID: observerID, C: o.ch}, nil
}

// Detach removes the observer and closes its channel. Unknown ids are ignored.
func (h *Hub) Detach(observerID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	o, ok := h.observers[observerID]
	if !ok {
		return
	}
	delete(h.observers, observerID)
	close(o.ch)
	h.recordObservers()
}

// SubscribeToNode adds nodeID (or AllNodes) to the observer's interest set
func (h *Hub) SubscribeToNode(observerID, nodeID string) error {
	if nodeID != AllNodes {
		if err := telemetry.ValidateNodeID(nodeID); err != nil {
			return err
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	o, ok := h.observers[observerID]
	if !ok {
		return errors.Wrap(errors.ErrUnknownObserver, "Hub", "SubscribeToNode", "lookup observer "+observerID)
	}
	o.nodes[nodeID] = struct{}{}
	return nil
}

// UnsubscribeFromNode removes nodeID from the observer's interest set.
// Removing AllNodes leaves explicit node subscriptions in place.
func (h *Hub) UnsubscribeFromNode(observerID, nodeID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	o, ok := h.observers[observerID]
	if !ok {
		return errors.Wrap(errors.ErrUnknownObserver, "Hub", "UnsubscribeFromNode", "lookup observer "+observerID)
	}
	delete(o.nodes, nodeID)
	return nil
}

// Subscriptions returns the observer's node ids in sorted order
func (h *Hub) Subscriptions(observerID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	o, ok := h.observers[observerID]
	if !ok {
		return nil
	}
	nodes := make([]string, 0, len(o.nodes))
	for n := range o.nodes {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)
	return nodes
}

// Observers returns the number of attached observers
func (h *Hub) Observers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.observers)
}

// Dispatch offers change to every interested observer without blocking and
// returns the number of observers it was delivered to. A change whose sequence
// number is not newer than the last one delivered to an observer for the same
// node is skipped for that observer.
func (h *Hub) Dispatch(change telemetry.StatusChange) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	delivered := 0
	for _, o := range h.observers {
		if !o.wants(change.NodeID) {
			continue
		}
		if last, seen := o.lastSeq[change.NodeID]; seen && change.Seq <= last {
			continue
		}
		select {
		case o.ch <- change:
			o.lastSeq[change.NodeID] = change.Seq
			delivered++
			if h.metrics != nil {
				h.metrics.DispatchDeliveries.Inc()
			}
		default:
			if h.metrics != nil {
				h.metrics.DispatchDrops.Inc()
			}
			h.logger.Warn("Observer buffer full, dropping change",
				"observer_id", o.id, "node_id", change.NodeID, "seq", change.Seq)
		}
	}
	return delivered
}

// Close detaches every observer
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, o := range h.observers {
		close(o.ch)
		delete(h.observers, id)
	}
	h.recordObservers()
}

func (h *Hub) recordObservers() {
	if h.metrics != nil {
		h.metrics.ObserversActive.Set(float64(len(h.observers)))
	}
}
