package testutil

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/amoahfrank/firewatch/telemetry"
)

// ErrInjected is the default failure returned by recording fakes
var ErrInjected = errors.New("injected failure")

// RecordingPersister records persistence calls in memory. It applies the same
// sequence guard as the real stores so tests can assert on the final state.
type RecordingPersister struct {
	mu       sync.Mutex
	readings []telemetry.Reading
	states   map[string]telemetry.NodeState
	upserts  int
	fail     error
	gate     chan struct{}
}

// NewRecordingPersister returns an empty persister
func NewRecordingPersister() *RecordingPersister {
	return &RecordingPersister{states: make(map[string]telemetry.NodeState)}
}

// FailWith makes every following call return err; nil restores success
func (p *RecordingPersister) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail = err
}

// Block makes calls wait until Unblock or their context ends
func (p *RecordingPersister) Block() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gate == nil {
		p.gate = make(chan struct{})
	}
}

// Unblock releases blocked calls
func (p *RecordingPersister) Unblock() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gate != nil {
		close(p.gate)
		p.gate = nil
	}
}

func (p *RecordingPersister) wait(ctx context.Context) error {
	p.mu.Lock()
	gate := p.gate
	p.mu.Unlock()
	if gate == nil {
		return nil
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RecordReading records r
func (p *RecordingPersister) RecordReading(ctx context.Context, r telemetry.Reading) error {
	if err := p.wait(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return p.fail
	}
	p.readings = append(p.readings, r)
	return nil
}

// UpsertNodeStatus stores state unless a newer Seq is already held
func (p *RecordingPersister) UpsertNodeStatus(ctx context.Context, nodeID string, state telemetry.NodeState) error {
	if err := p.wait(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return p.fail
	}
	p.upserts++
	if cur, ok := p.states[nodeID]; ok && state.Seq < cur.Seq {
		return nil
	}
	p.states[nodeID] = state
	return nil
}

// LoadNodes returns stored states ordered by node id
func (p *RecordingPersister) LoadNodes(context.Context) ([]telemetry.NodeState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]telemetry.NodeState, 0, len(p.states))
	for _, s := range p.states {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out, nil
}

// Readings returns every recorded reading in call order
func (p *RecordingPersister) Readings() []telemetry.Reading {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]telemetry.Reading(nil), p.readings...)
}

// State returns the stored state of nodeID
func (p *RecordingPersister) State(nodeID string) (telemetry.NodeState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.states[nodeID]
	return s, ok
}

// Upserts returns the number of accepted UpsertNodeStatus calls
func (p *RecordingPersister) Upserts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.upserts
}
