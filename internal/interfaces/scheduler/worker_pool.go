package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var (
	jobTracer          = otel.Tracer("finlink/scheduler")
	jobMeter           = otel.Meter("finlink/scheduler")
	jobDuration, _     = jobMeter.Float64Histogram("scheduler.job.duration", metric.WithDescription("Job execution duration in seconds"), metric.WithUnit("s"))
	jobTotal, _        = jobMeter.Int64Counter("scheduler.job.total", metric.WithDescription("Total jobs executed by status"))
	jobQueueDropped, _ = jobMeter.Int64Counter("scheduler.job.queue_dropped", metric.WithDescription("Jobs dropped due to full queue"))
)

const jobTimeout = 30 * time.Second

// WorkerPool runs submitted jobs on a fixed number of goroutines.
type WorkerPool struct {
	workerCount int
	jobDelay    time.Duration
	jobs        chan Job
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
	logger      *zap.Logger
}

// NewWorkerPool creates a pool. jobDelay is slept by each worker between
// jobs; queueSize bounds the number of waiting jobs.
func NewWorkerPool(workerCount int, jobDelay time.Duration, queueSize int, logger *zap.Logger) *WorkerPool {
	ctx, cancel := context.WithCancel(context.Background())

	if workerCount < 1 {
		workerCount = 1
	}

	return &WorkerPool{
		workerCount: workerCount,
		jobDelay:    jobDelay,
		jobs:        make(chan Job, queueSize),
		ctx:         ctx,
		cancel:      cancel,
		logger:      logger,
	}
}

// Start launches the worker goroutines.
func (wp *WorkerPool) Start() {
	wp.logger.Info("starting worker pool", zap.Int("workers", wp.workerCount))

	for i := 1; i <= wp.workerCount; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
}

func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()

	for {
		select {
		case <-wp.ctx.Done():
			return

		case job, ok := <-wp.jobs:
			if !ok {
				return
			}

			wp.processJob(id, job)

			if wp.jobDelay > 0 {
				select {
				case <-time.After(wp.jobDelay):
				case <-wp.ctx.Done():
					return
				}
			}
		}
	}
}

// processJob executes a single job with logging and telemetry.
func (wp *WorkerPool) processJob(workerID int, job Job) {
	log := wp.logger.With(
		zap.Int("worker_id", workerID),
		zap.String("connection_id", job.ConnectionID()),
		zap.String("job", job.Description()),
	)

	ctx, cancel := context.WithTimeout(wp.ctx, jobTimeout)
	defer cancel()

	ctx, span := jobTracer.Start(ctx, "job.execute",
		trace.WithAttributes(
			attribute.Int("worker.id", workerID),
			attribute.String("job.description", job.Description()),
			attribute.String("job.connection_id", job.ConnectionID()),
		),
	)
	defer span.End()

	start := time.Now()

	if err := job.Execute(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		jobTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", "error")))
		jobDuration.Record(ctx, time.Since(start).Seconds())
		log.Warn("job failed", zap.Error(err))
		return
	}

	jobTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", "success")))
	jobDuration.Record(ctx, time.Since(start).Seconds())
	log.Debug("job completed", zap.Duration("duration", time.Since(start)))
}

// Submit queues a job without blocking. A full queue drops the job and
// returns an error.
func (wp *WorkerPool) Submit(job Job) error {
	select {
	case <-wp.ctx.Done():
		return wp.ctx.Err()
	case wp.jobs <- job:
		return nil
	default:
		jobQueueDropped.Add(context.Background(), 1)
		return fmt.Errorf("job queue full, dropping job for connection %s", job.ConnectionID())
	}
}

// SubmitBatch queues jobs and returns how many were accepted.
func (wp *WorkerPool) SubmitBatch(jobs []Job) int {
	submitted := 0
	for _, job := range jobs {
		if err := wp.Submit(job); err != nil {
			wp.logger.Warn("failed to submit job", zap.String("connection_id", job.ConnectionID()), zap.Error(err))
			continue
		}
		submitted++
	}
	wp.logger.Info("submitted jobs to worker pool", zap.Int("submitted", submitted), zap.Int("total", len(jobs)))
	return submitted
}

// ShutdownWithTimeout stops accepting jobs and waits for queued ones to
// drain. When the timeout passes first, running jobs are cancelled.
func (wp *WorkerPool) ShutdownWithTimeout(timeout time.Duration) {
	close(wp.jobs)

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		wp.logger.Info("worker pool drained")
	case <-time.After(timeout):
		wp.logger.Warn("worker pool shutdown timed out, cancelling jobs")
	}
	wp.cancel()
}
