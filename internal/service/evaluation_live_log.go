package service

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-exam-eval/internal/dto"
	"github.com/noah-isme/gema-exam-eval/internal/models"
	"github.com/noah-isme/gema-exam-eval/internal/repository"
)

const liveLogBufferSize = 32

// Live log event names.
const (
	LiveEventBatchStart    = "batch_start"
	LiveEventBatchComplete = "batch_complete"
	LiveEventTestStart     = "test_start"
	LiveEventTestComplete  = "test_complete"
	LiveEventTestError     = "test_error"
	LiveEventTestSkipped   = "test_skipped"
	LiveEventJobCancelled  = "job_cancelled"
	LiveEventJobFailed     = "job_failed"
	LiveEventJobCompleted  = "job_completed"
	LiveEventContinuation  = "continuation_enqueued"
)

// LiveLogger records progress events. Recording never fails the caller.
type LiveLogger interface {
	Record(ctx context.Context, jobID, event, message string, data map[string]interface{})
}

// EvaluationLiveLogService persists live log entries and streams them to subscribers.
type EvaluationLiveLogService interface {
	LiveLogger
	List(ctx context.Context, jobID string, limit int) ([]dto.EvaluationLogResponse, error)
	Subscribe(jobID string) (<-chan dto.EvaluationLogResponse, func())
	Start(ctx context.Context)
}

type evaluationLiveLogService struct {
	repo        repository.EvaluationLiveLogRepository
	nats        *nats.Conn
	natsSubject string
	logger      zerolog.Logger
	broker      *liveLogBroker
	nodeID      string
}

type liveLogEvent struct {
	Source string                    `json:"source"`
	Entry  dto.EvaluationLogResponse `json:"entry"`
	SentAt time.Time                 `json:"sent_at"`
}

type liveLogBroker struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan dto.EvaluationLogResponse]struct{}
}

// NewEvaluationLiveLogService constructs the live log service. With a NATS connection, entries
// recorded on one node reach subscribers on every node.
func NewEvaluationLiveLogService(repo repository.EvaluationLiveLogRepository, natsConn *nats.Conn, channelBase string, logger zerolog.Logger) EvaluationLiveLogService {
	subject := ""
	if channelBase != "" {
		subject = strings.ReplaceAll(channelBase, ":", ".") + ".evaluations.logs"
	}

	return &evaluationLiveLogService{
		repo:        repo,
		nats:        natsConn,
		natsSubject: subject,
		logger:      logger.With().Str("component", "evaluation_live_log_service").Logger(),
		broker: &liveLogBroker{
			subscribers: make(map[string]map[chan dto.EvaluationLogResponse]struct{}),
		},
		nodeID: uuid.NewString(),
	}
}

func (s *evaluationLiveLogService) Start(ctx context.Context) {
	if s.nats == nil || s.natsSubject == "" {
		return
	}

	sub, err := s.nats.Subscribe(s.natsSubject, func(msg *nats.Msg) {
		s.handleEvent(msg.Data)
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to subscribe to live log subject")
		return
	}

	go func() {
		<-ctx.Done()
		if err := sub.Drain(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to drain live log subscription")
		}
	}()
}

func (s *evaluationLiveLogService) Record(ctx context.Context, jobID, event, message string, data map[string]interface{}) {
	entry := models.EvaluationLiveLog{
		JobID:   jobID,
		Event:   event,
		Message: message,
		Data:    data,
	}
	if err := s.repo.Create(ctx, &entry); err != nil {
		s.logger.Warn().Err(err).Str("job_id", jobID).Str("event", event).Msg("failed to persist live log entry")
		entry.CreatedAt = time.Now().UTC()
	}

	response := dto.NewEvaluationLogResponse(entry)
	s.broker.broadcast(jobID, response)
	if err := s.publish(response); err != nil {
		s.logger.Warn().Err(err).Str("job_id", jobID).Msg("failed to publish live log entry")
	}
}

func (s *evaluationLiveLogService) List(ctx context.Context, jobID string, limit int) ([]dto.EvaluationLogResponse, error) {
	entries, err := s.repo.ListRecent(ctx, jobID, limit)
	if err != nil {
		return nil, err
	}
	return dto.NewEvaluationLogResponseSlice(entries), nil
}

func (s *evaluationLiveLogService) Subscribe(jobID string) (<-chan dto.EvaluationLogResponse, func()) {
	channel := make(chan dto.EvaluationLogResponse, liveLogBufferSize)
	s.broker.subscribe(jobID, channel)

	var once sync.Once
	cleanup := func() {
		once.Do(func() { s.broker.unsubscribe(jobID, channel) })
	}
	return channel, cleanup
}

func (s *evaluationLiveLogService) publish(entry dto.EvaluationLogResponse) error {
	if s.nats == nil || s.natsSubject == "" {
		return nil
	}

	payload, err := json.Marshal(liveLogEvent{Source: s.nodeID, Entry: entry, SentAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	return s.nats.Publish(s.natsSubject, payload)
}

func (s *evaluationLiveLogService) handleEvent(payload []byte) {
	var event liveLogEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		s.logger.Warn().Err(err).Msg("invalid live log event payload")
		return
	}
	if event.Source == s.nodeID {
		return
	}
	s.broker.broadcast(event.Entry.JobID, event.Entry)
}

func (b *liveLogBroker) subscribe(jobID string, ch chan dto.EvaluationLogResponse) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subscribers[jobID]; !exists {
		b.subscribers[jobID] = make(map[chan dto.EvaluationLogResponse]struct{})
	}
	b.subscribers[jobID][ch] = struct{}{}
}

func (b *liveLogBroker) unsubscribe(jobID string, ch chan dto.EvaluationLogResponse) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if subscribers, ok := b.subscribers[jobID]; ok {
		delete(subscribers, ch)
		close(ch)
		if len(subscribers) == 0 {
			delete(b.subscribers, jobID)
		}
	}
}

func (b *liveLogBroker) broadcast(jobID string, entry dto.EvaluationLogResponse) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers[jobID] {
		select {
		case ch <- entry:
		default:
		}
	}
}
