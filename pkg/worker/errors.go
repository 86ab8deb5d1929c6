package worker

import (
	"fmt"

	"github.com/amoahfrank/firewatch/errors"
)

// Sentinel errors for worker pool operations
var (
	ErrPoolNotStarted     = fmt.Errorf("worker pool not started: %w", errors.ErrNotStarted)
	ErrPoolStopped        = fmt.Errorf("worker pool stopped: %w", errors.ErrShuttingDown)
	ErrPoolAlreadyStarted = fmt.Errorf("worker pool: %w", errors.ErrAlreadyStarted)
	ErrQueueFull          = fmt.Errorf("worker pool: %w", errors.ErrQueueFull)
	ErrNilProcessor       = fmt.Errorf("processor function cannot be nil")
	ErrStopTimeout        = fmt.Errorf("timeout waiting for workers to stop")
)
