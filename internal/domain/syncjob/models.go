package syncjob

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusRunning  Status = "running"
	StatusFinished Status = "finished"
	StatusFailed   Status = "failed"
)

// IsLive reports whether the job still occupies its connection's queue slot.
func (s Status) IsLive() bool {
	return s == StatusPending || s == StatusRunning
}

func (s Status) IsTerminal() bool {
	return s == StatusFinished || s == StatusFailed
}

// Mode is the kind of synchronization requested.
type Mode string

const (
	ModeFull        Mode = "full_sync"
	ModeIncremental Mode = "incremental_sync"
)

// Trigger records who asked for a job.
type Trigger string

const (
	TriggerUser      Trigger = "user"
	TriggerScheduler Trigger = "scheduler"
	TriggerAdmin     Trigger = "admin"
)

const DefaultMaxAttempts = 3

var (
	ErrJobNotFound    = errors.New("sync job not found")
	ErrInvalidMode    = errors.New("invalid sync mode")
	ErrEnqueueRetries = errors.New("could not settle live sync job")
)

// ParseMode validates a client supplied mode. An empty value selects an
// incremental sync.
func ParseMode(raw string) (Mode, error) {
	switch Mode(raw) {
	case "":
		return ModeIncremental, nil
	case ModeFull, ModeIncremental:
		return Mode(raw), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, raw)
	}
}

// Payload is stored as jsonb on the job for the external worker.
type Payload struct {
	RequestedBy int64   `json:"requested_by"`
	Mode        Mode    `json:"mode"`
	Trigger     Trigger `json:"trigger"`
}

type Job struct {
	ID           string          `json:"jobId"`
	ConnectionID string          `json:"connectionId"`
	JobType      Mode            `json:"jobType"`
	Status       Status          `json:"status"`
	Attempts     int             `json:"attempts"`
	MaxAttempts  int             `json:"maxAttempts"`
	ScheduledAt  time.Time       `json:"scheduledAt"`
	StartedAt    *time.Time      `json:"startedAt,omitempty"`
	FinishedAt   *time.Time      `json:"finishedAt,omitempty"`
	Payload      Payload         `json:"payload"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// Exhausted reports whether the worker has used up every attempt.
func (j *Job) Exhausted() bool {
	return j.Attempts >= j.MaxAttempts
}

type EnqueueParams struct {
	ConnectionID string
	JobType      Mode
	MaxAttempts  int
	ScheduledAt  time.Time
	Payload      Payload
}

func (p EnqueueParams) Validate() error {
	if p.ConnectionID == "" {
		return errors.New("connection ID is required")
	}
	if p.JobType != ModeFull && p.JobType != ModeIncremental {
		return fmt.Errorf("%w: %q", ErrInvalidMode, p.JobType)
	}
	if p.MaxAttempts < 1 {
		return errors.New("max attempts must be at least 1")
	}
	return nil
}

// StatusEvent is published on the sync_job_status channel whenever a job
// reaches a terminal status.
type StatusEvent struct {
	JobID        string     `json:"job_id"`
	ConnectionID string     `json:"connection_id"`
	Status       Status     `json:"status"`
	Attempts     int        `json:"attempts"`
	MaxAttempts  int        `json:"max_attempts"`
	Error        string     `json:"error,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// Exhausted reports whether a failed job will not be retried.
func (e StatusEvent) Exhausted() bool {
	return e.Status == StatusFailed && e.Attempts >= e.MaxAttempts
}

// ParseStatusEvent decodes a notification payload.
func ParseStatusEvent(raw string) (StatusEvent, error) {
	var event StatusEvent
	if err := json.Unmarshal([]byte(raw), &event); err != nil {
		return StatusEvent{}, fmt.Errorf("failed to decode sync job event: %w", err)
	}
	if event.JobID == "" || event.ConnectionID == "" {
		return StatusEvent{}, errors.New("sync job event missing identifiers")
	}
	if !event.Status.IsTerminal() {
		return StatusEvent{}, fmt.Errorf("sync job event has non-terminal status %q", event.Status)
	}
	return event, nil
}
