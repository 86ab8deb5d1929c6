// Package store defines the persistence interfaces for readings and node status
// and an asynchronous Writer that keeps persistence off the ingestion path.
package store

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/amoahfrank/firewatch/telemetry"
)

// Persister is the pluggable backend for readings and node status.
//
// Both operations are idempotent side effects:
//   - RecordReading may see the same reading more than once (redelivery after a
//     reconnect) and should tolerate it.
//   - UpsertNodeStatus must ignore a state whose Seq is not newer than the one
//     already stored, so a late write never overwrites a newer status.
//
// Implementations must be safe for concurrent use. The Writer calls them from
// worker goroutines, never from the ingestion path.
type Persister interface {
	RecordReading(ctx context.Context, reading telemetry.Reading) error
	UpsertNodeStatus(ctx context.Context, nodeID string, state telemetry.NodeState) error
}

// NodeLoader returns the last persisted state of every node, used to restore
// the registry at startup.
type NodeLoader interface {
	LoadNodes(ctx context.Context) ([]telemetry.NodeState, error)
}

// ReadingQuery selects stored readings of one node. Zero From/To leave the range open.
type ReadingQuery struct {
	From  time.Time
	To    time.Time
	Limit int
}

// ReadingSource serves stored readings, newest first
type ReadingSource interface {
	Readings(ctx context.Context, nodeID string, q ReadingQuery) ([]telemetry.Reading, error)
}

// Multi fans every call out to each Persister. All backends are attempted;
// their errors are joined.
type Multi []Persister

var _ Persister = Multi(nil)

// RecordReading implements Persister
func (m Multi) RecordReading(ctx context.Context, reading telemetry.Reading) error {
	var errs []error
	for _, p := range m {
		if err := p.RecordReading(ctx, reading); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

// UpsertNodeStatus implements Persister
func (m Multi) UpsertNodeStatus(ctx context.Context, nodeID string, state telemetry.NodeState) error {
	var errs []error
	for _, p := range m {
		if err := p.UpsertNodeStatus(ctx, nodeID, state); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}
