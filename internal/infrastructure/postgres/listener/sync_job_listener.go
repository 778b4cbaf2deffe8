package listener

import (
	"context"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"finlink/internal/domain/syncjob"
)

const (
	channelName       = "sync_job_status"
	reconnectInterval = 5 * time.Second
	pingInterval      = 90 * time.Second
	handleTimeout     = 30 * time.Second
)

// OutcomeRecorder reacts to a sync job reaching a terminal status.
type OutcomeRecorder interface {
	RecordSyncOutcome(ctx context.Context, event syncjob.StatusEvent) error
}

// SyncJobListener listens for PostgreSQL notifications emitted when the
// external worker finishes or fails a sync job.
type SyncJobListener struct {
	connStr    string
	recorder   OutcomeRecorder
	logger     *zap.Logger
	shutdownCh chan struct{}
	done       chan struct{}
}

func NewSyncJobListener(connStr string, recorder OutcomeRecorder, logger *zap.Logger) *SyncJobListener {
	return &SyncJobListener{
		connStr:    connStr,
		recorder:   recorder,
		logger:     logger.With(zap.String("channel", channelName)),
		shutdownCh: make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start begins listening for notifications in a background goroutine
func (l *SyncJobListener) Start(ctx context.Context) {
	go l.listen(ctx)
	l.logger.Info("sync job listener started")
}

// Stop gracefully shuts down the listener
func (l *SyncJobListener) Stop() {
	close(l.shutdownCh)
	<-l.done
	l.logger.Info("sync job listener stopped")
}

func (l *SyncJobListener) listen(ctx context.Context) {
	defer close(l.done)

	for {
		select {
		case <-l.shutdownCh:
			return
		case <-ctx.Done():
			return
		default:
			l.connectAndListen(ctx)
		}

		select {
		case <-l.shutdownCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(reconnectInterval):
			l.logger.Info("reconnecting to PostgreSQL for notifications")
		}
	}
}

func (l *SyncJobListener) connectAndListen(ctx context.Context) {
	listener := pq.NewListener(l.connStr, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnected:
			l.logger.Info("connected to notification channel")
		case pq.ListenerEventDisconnected:
			l.logger.Warn("disconnected from notification channel", zap.Error(err))
		case pq.ListenerEventReconnected:
			l.logger.Info("reconnected to notification channel")
		case pq.ListenerEventConnectionAttemptFailed:
			l.logger.Warn("connection attempt failed", zap.Error(err))
		}
	})
	defer listener.Close()

	if err := listener.Listen(channelName); err != nil {
		l.logger.Error("failed to listen on channel", zap.Error(err))
		return
	}

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-l.shutdownCh:
			return
		case <-ctx.Done():
			return
		case n := <-listener.Notify:
			if n == nil {
				// Connection lost; pq re-establishes it and nothing was delivered.
				continue
			}
			l.handle(n.Extra)
		case <-ping.C:
			go func() {
				if err := listener.Ping(); err != nil {
					l.logger.Warn("listener ping failed", zap.Error(err))
				}
			}()
		}
	}
}

// handle processes one payload synchronously so outcomes for the same
// connection are applied in notification order.
func (l *SyncJobListener) handle(payload string) {
	event, err := syncjob.ParseStatusEvent(payload)
	if err != nil {
		l.logger.Warn("ignoring sync job notification", zap.Error(err))
		return
	}

	// Runs detached from the listener context so shutdown does not cut a
	// half-applied outcome.
	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()

	log := l.logger.With(
		zap.String("job_id", event.JobID),
		zap.String("connection_id", event.ConnectionID),
		zap.String("status", string(event.Status)),
	)
	if err := l.recorder.RecordSyncOutcome(ctx, event); err != nil {
		log.Error("failed to record sync outcome", zap.Error(err))
		return
	}
	log.Debug("recorded sync outcome")
}
