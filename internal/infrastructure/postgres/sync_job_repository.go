package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"finlink/internal/domain/syncjob"
)

// enqueueAttempts bounds the insert/select loop when the live job
// terminates between the two statements.
const enqueueAttempts = 3

const syncJobColumns = `
	id, connection_id, job_type, status, attempts, max_attempts, scheduled_at,
	started_at, finished_at, payload, result, error, created_at, updated_at`

// SyncJobRepository implements syncjob.Repository for PostgreSQL.
type SyncJobRepository struct {
	db *DB
}

func NewSyncJobRepository(db *DB) *SyncJobRepository {
	return &SyncJobRepository{db: db}
}

var _ syncjob.Repository = (*SyncJobRepository)(nil)

func scanSyncJob(row rowScanner) (*syncjob.Job, error) {
	var j syncjob.Job
	var jobType, status string
	var startedAt, finishedAt sql.NullTime
	var payload, result []byte
	var jobErr sql.NullString

	err := row.Scan(
		&j.ID, &j.ConnectionID, &jobType, &status, &j.Attempts, &j.MaxAttempts, &j.ScheduledAt,
		&startedAt, &finishedAt, &payload, &result, &jobErr, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	j.JobType = syncjob.Mode(jobType)
	j.Status = syncjob.Status(status)
	j.Error = jobErr.String
	if startedAt.Valid {
		t := startedAt.Time
		j.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		j.FinishedAt = &t
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &j.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode job payload: %w", err)
		}
	}
	if len(result) > 0 {
		j.Result = json.RawMessage(result)
	}
	return &j, nil
}

// EnqueueOrGetLive relies on the partial unique index over live jobs: the
// insert is skipped when a pending or running job exists, and that job is
// returned instead.
func (r *SyncJobRepository) EnqueueOrGetLive(ctx context.Context, params syncjob.EnqueueParams) (*syncjob.Job, bool, error) {
	if err := params.Validate(); err != nil {
		return nil, false, err
	}

	payload, err := json.Marshal(params.Payload)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode job payload: %w", err)
	}

	insert := `
		INSERT INTO sync_jobs (connection_id, job_type, status, attempts, max_attempts, scheduled_at, payload)
		VALUES ($1, $2, 'pending', 0, $3, $4, $5)
		ON CONFLICT (connection_id) WHERE status IN ('pending', 'running') DO NOTHING
		RETURNING` + syncJobColumns

	selectLive := `SELECT` + syncJobColumns + `
		FROM sync_jobs
		WHERE connection_id = $1 AND status IN ('pending', 'running')
		LIMIT 1`

	for attempt := 0; attempt < enqueueAttempts; attempt++ {
		job, err := scanSyncJob(r.db.QueryRowContext(ctx, insert,
			params.ConnectionID, string(params.JobType), params.MaxAttempts, params.ScheduledAt, payload,
		))
		if err == nil {
			return job, true, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, false, fmt.Errorf("failed to insert sync job: %w", err)
		}

		job, err = scanSyncJob(r.db.QueryRowContext(ctx, selectLive, params.ConnectionID))
		if err == nil {
			return job, false, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, false, fmt.Errorf("failed to load live sync job: %w", err)
		}
	}

	return nil, false, syncjob.ErrEnqueueRetries
}

func (r *SyncJobRepository) GetByID(ctx context.Context, id string) (*syncjob.Job, error) {
	if !isUUID(id) {
		return nil, syncjob.ErrJobNotFound
	}

	job, err := scanSyncJob(r.db.QueryRowContext(ctx, `SELECT`+syncJobColumns+` FROM sync_jobs WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, syncjob.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync job: %w", err)
	}
	return job, nil
}
