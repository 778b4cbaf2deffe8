package scheduler

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"finlink/internal/domain/connection"
	"finlink/internal/domain/syncjob"
)

// SyncEnqueuer requests syncs through the deduplicating enqueue path.
type SyncEnqueuer interface {
	ListSyncableConnections(ctx context.Context) ([]*connection.Connection, error)
	EnqueueSystemSync(ctx context.Context, connectionID string, trigger syncjob.Trigger) (*syncjob.Job, bool, error)
}

// ConnectionSyncJob enqueues an incremental sync for one connection. It
// does not sync anything itself; the external worker picks the job up.
type ConnectionSyncJob struct {
	connectionID string
	userID       int64
	enqueuer     SyncEnqueuer
	logger       *zap.Logger
}

func NewConnectionSyncJob(conn *connection.Connection, enqueuer SyncEnqueuer, logger *zap.Logger) *ConnectionSyncJob {
	return &ConnectionSyncJob{
		connectionID: conn.ID,
		userID:       conn.UserID,
		enqueuer:     enqueuer,
		logger:       logger,
	}
}

func (j *ConnectionSyncJob) Execute(ctx context.Context) error {
	job, created, err := j.enqueuer.EnqueueSystemSync(ctx, j.connectionID, syncjob.TriggerScheduler)
	if err != nil {
		return fmt.Errorf("failed to enqueue sync: %w", err)
	}

	j.logger.Debug("scheduled sync requested",
		zap.String("connection_id", j.connectionID),
		zap.Int64("user_id", j.userID),
		zap.String("job_id", job.ID),
		zap.Bool("created", created),
	)
	return nil
}

func (j *ConnectionSyncJob) ConnectionID() string {
	return j.connectionID
}

func (j *ConnectionSyncJob) Description() string {
	return fmt.Sprintf("Scheduled sync for connection %s", j.connectionID)
}

// SyncJobProvider returns a job provider that yields one ConnectionSyncJob
// per active connection.
func SyncJobProvider(enqueuer SyncEnqueuer, logger *zap.Logger) func(context.Context) ([]Job, error) {
	return func(ctx context.Context) ([]Job, error) {
		conns, err := enqueuer.ListSyncableConnections(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list active connections: %w", err)
		}

		jobs := make([]Job, 0, len(conns))
		for _, conn := range conns {
			jobs = append(jobs, NewConnectionSyncJob(conn, enqueuer, logger))
		}
		return jobs, nil
	}
}
