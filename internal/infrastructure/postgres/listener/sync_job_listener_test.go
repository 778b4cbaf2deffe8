package listener

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"finlink/internal/domain/syncjob"
)

type MockRecorder struct {
	events []syncjob.StatusEvent
	Error  error
}

func (m *MockRecorder) RecordSyncOutcome(ctx context.Context, event syncjob.StatusEvent) error {
	m.events = append(m.events, event)
	return m.Error
}

func TestHandle(t *testing.T) {
	recorder := &MockRecorder{}
	l := NewSyncJobListener("", recorder, zap.NewNop())

	l.handle(`{"job_id":"j1","connection_id":"c1","status":"failed","attempts":3,"max_attempts":3,"error":"timeout","finished_at":"2026-05-01T10:00:00.123456+00:00"}`)

	require.Len(t, recorder.events, 1)
	event := recorder.events[0]
	assert.Equal(t, "j1", event.JobID)
	assert.True(t, event.Exhausted())
	require.NotNil(t, event.FinishedAt)
	assert.Equal(t, 2026, event.FinishedAt.Year())
}

func TestHandle_IgnoresBadPayloads(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	recorder := &MockRecorder{}
	l := NewSyncJobListener("", recorder, zap.New(core))

	l.handle(`not json`)
	l.handle(`{"job_id":"j1","connection_id":"c1","status":"running"}`)
	l.handle(`{"status":"finished"}`)

	assert.Empty(t, recorder.events)
	assert.Equal(t, 3, logs.FilterMessage("ignoring sync job notification").Len())
}

func TestHandle_RecorderError(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	recorder := &MockRecorder{Error: errors.New("db down")}
	l := NewSyncJobListener("", recorder, zap.New(core))

	l.handle(`{"job_id":"j1","connection_id":"c1","status":"finished"}`)

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "j1", logs.All()[0].ContextMap()["job_id"])
}
