package scheduler

import "context"

// Job represents a unit of work that can be executed by the worker pool.
type Job interface {
	// Execute runs the job. ctx carries the per-job timeout.
	Execute(ctx context.Context) error

	// ConnectionID returns the bank connection the job acts on.
	ConnectionID() string

	// Description returns a human-readable description of the job.
	Description() string
}
