package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Recorder writes audit events after the audited mutation has committed.
// A failed write is logged and never surfaced to the caller.
type Recorder struct {
	repo   Repository
	logger *zap.Logger
	now    func() time.Time
}

func NewRecorder(repo Repository, logger *zap.Logger) *Recorder {
	return &Recorder{repo: repo, logger: logger, now: time.Now}
}

// Record appends one event. connectionID may be empty.
func (r *Recorder) Record(ctx context.Context, userID int64, eventType EventType, connectionID string, payload map[string]any) {
	event := &Event{
		ID:           uuid.NewString(),
		UserID:       userID,
		EventType:    eventType,
		ConnectionID: connectionID,
		Payload:      Redact(payload),
		CreatedAt:    r.now().UTC(),
	}

	// The request context may already be cancelled once the response is
	// decided; the event still has to land.
	ctx = context.WithoutCancel(ctx)

	if err := r.repo.Insert(ctx, event); err != nil {
		r.logger.Error("failed to record audit event",
			zap.String("event_type", string(eventType)),
			zap.Int64("user_id", userID),
			zap.String("connection_id", connectionID),
			zap.Error(err),
		)
	}
}
