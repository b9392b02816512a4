package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-exam-eval/internal/middleware"
	"github.com/noah-isme/gema-exam-eval/internal/observability"
)

const continuationQueueGroup = "gema-evaluation-workers"

// Continuation asks a worker to resume a job at StartIndex. CorrelationID links every
// invocation of a job back to the request that started it.
type Continuation struct {
	JobID         string    `json:"job_id"`
	StartIndex    int       `json:"start_index"`
	BatchSize     int       `json:"batch_size"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// ContinuationQueue is the yield boundary of a long running job.
type ContinuationQueue interface {
	Enqueue(ctx context.Context, continuation Continuation) error
}

// BatchProcessor runs evaluation batches.
type BatchProcessor interface {
	ProcessBatch(ctx context.Context, req ProcessBatchRequest) (ProcessBatchResult, error)
}

// NATSContinuationQueue publishes continuations on a NATS subject consumed by a worker group.
type NATSContinuationQueue struct {
	conn    *nats.Conn
	subject string
	logger  zerolog.Logger
}

// NewNATSContinuationQueue constructs the queue. channelBase namespaces the subject.
func NewNATSContinuationQueue(conn *nats.Conn, channelBase string, logger zerolog.Logger) *NATSContinuationQueue {
	subject := "evaluations.continue"
	if channelBase != "" {
		subject = strings.ReplaceAll(channelBase, ":", ".") + "." + subject
	}
	return &NATSContinuationQueue{
		conn:    conn,
		subject: subject,
		logger:  logger.With().Str("component", "evaluation_continuation_queue").Logger(),
	}
}

func (q *NATSContinuationQueue) Enqueue(ctx context.Context, continuation Continuation) error {
	if continuation.EnqueuedAt.IsZero() {
		continuation.EnqueuedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(continuation)
	if err != nil {
		return err
	}
	if err := q.conn.Publish(q.subject, payload); err != nil {
		return fmt.Errorf("publish continuation: %w", err)
	}
	observability.ContinuationsEnqueued().Inc()
	return nil
}

// Consume processes continuations until ctx is done. Each message runs the remaining work of a
// job in process-all mode.
func (q *NATSContinuationQueue) Consume(ctx context.Context, processor BatchProcessor) error {
	sub, err := q.conn.QueueSubscribe(q.subject, continuationQueueGroup, func(msg *nats.Msg) {
		HandleContinuation(ctx, processor, msg.Data, q.logger)
	})
	if err != nil {
		return fmt.Errorf("subscribe continuations: %w", err)
	}

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		q.logger.Warn().Err(err).Msg("failed to drain continuation subscription")
	}
	return nil
}

// HandleContinuation decodes one continuation message and resumes the job.
func HandleContinuation(ctx context.Context, processor BatchProcessor, payload []byte, logger zerolog.Logger) {
	var continuation Continuation
	if err := json.Unmarshal(payload, &continuation); err != nil {
		logger.Warn().Err(err).Msg("invalid continuation payload")
		return
	}
	if continuation.JobID == "" {
		logger.Warn().Msg("continuation without job id")
		return
	}

	ctx = middleware.WithCorrelationID(ctx, continuation.CorrelationID)
	result, err := processor.ProcessBatch(ctx, ProcessBatchRequest{
		JobID:      continuation.JobID,
		StartIndex: continuation.StartIndex,
		BatchSize:  continuation.BatchSize,
		ProcessAll: true,
	})
	jobLogger := middleware.CorrelatedLogger(ctx, logger).With().Str("job_id", continuation.JobID).Int("start_index", continuation.StartIndex).Logger()
	switch {
	case errors.Is(err, ErrEvaluationJobBusy):
		jobLogger.Info().Msg("job already being processed, dropping continuation")
	case err != nil:
		jobLogger.Error().Err(err).Msg("continuation failed")
	default:
		jobLogger.Info().Bool("finished", result.Finished).Str("status", string(result.Status)).Msg("continuation processed")
	}
}

// ErrContinuationQueueFull is returned when the local continuation buffer cannot take more work.
var ErrContinuationQueueFull = errors.New("continuation queue full")

// LocalContinuationQueue buffers continuations in process for a single worker. It is used when no
// broker is configured. Enqueue never blocks so a handler may enqueue its own continuation.
type LocalContinuationQueue struct {
	pending chan Continuation
	logger  zerolog.Logger
}

// NewLocalContinuationQueue constructs a queue holding up to capacity continuations.
func NewLocalContinuationQueue(capacity int, logger zerolog.Logger) *LocalContinuationQueue {
	if capacity <= 0 {
		capacity = 64
	}
	return &LocalContinuationQueue{
		pending: make(chan Continuation, capacity),
		logger:  logger.With().Str("component", "evaluation_local_continuation_queue").Logger(),
	}
}

func (q *LocalContinuationQueue) Enqueue(ctx context.Context, continuation Continuation) error {
	if continuation.EnqueuedAt.IsZero() {
		continuation.EnqueuedAt = time.Now().UTC()
	}
	select {
	case q.pending <- continuation:
		observability.ContinuationsEnqueued().Inc()
		return nil
	default:
		return ErrContinuationQueueFull
	}
}

// Consume processes buffered continuations one at a time until ctx is done.
func (q *LocalContinuationQueue) Consume(ctx context.Context, processor BatchProcessor) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case continuation := <-q.pending:
			payload, err := json.Marshal(continuation)
			if err != nil {
				q.logger.Warn().Err(err).Msg("failed to encode continuation")
				continue
			}
			HandleContinuation(ctx, processor, payload, q.logger)
		}
	}
}
