package syncjob

import "context"

// Repository defines the interface for sync job data access.
type Repository interface {
	// EnqueueOrGetLive creates a pending job unless the connection already
	// has a live one, in which case that job is returned with created=false.
	EnqueueOrGetLive(ctx context.Context, params EnqueueParams) (job *Job, created bool, err error)

	GetByID(ctx context.Context, id string) (*Job, error)
}
