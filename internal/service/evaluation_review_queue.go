package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/noah-isme/gema-exam-eval/internal/dto"
)

const defaultReviewQueueKey = "evaluation:review_queue"

// ReviewItem is a generated question flagged for human review.
type ReviewItem = dto.ReviewItemResponse

// ReviewQueue accepts flagged questions. Enqueue is fire-and-forget for the executor.
type ReviewQueue interface {
	Enqueue(ctx context.Context, item ReviewItem) error
}

// ReviewQueueReader lets reviewers inspect and claim queued questions.
type ReviewQueueReader interface {
	Peek(ctx context.Context, limit int) ([]ReviewItem, error)
	Claim(ctx context.Context) (*ReviewItem, error)
}

// RedisReviewQueue keeps flagged questions in a sorted set ordered by priority.
type RedisReviewQueue struct {
	client *redis.Client
	key    string
	now    func() time.Time
}

// NewRedisReviewQueue constructs a Redis backed review queue.
func NewRedisReviewQueue(client *redis.Client, channelBase string) *RedisReviewQueue {
	key := defaultReviewQueueKey
	if channelBase != "" {
		key = channelBase + ":" + defaultReviewQueueKey
	}
	return &RedisReviewQueue{client: client, key: key, now: time.Now}
}

// ReviewPriority ranks lower scoring questions first.
func ReviewPriority(overall float64) float64 {
	return 100 - overall
}

func (q *RedisReviewQueue) Enqueue(ctx context.Context, item ReviewItem) error {
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = q.now().UTC()
	}
	payload, err := json.Marshal(item)
	if err != nil {
		return err
	}
	return q.client.ZAdd(ctx, q.key, redis.Z{Score: item.Priority, Member: string(payload)}).Err()
}

func (q *RedisReviewQueue) Peek(ctx context.Context, limit int) ([]ReviewItem, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	members, err := q.client.ZRevRange(ctx, q.key, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}

	items := make([]ReviewItem, 0, len(members))
	for _, member := range members {
		var item ReviewItem
		if err := json.Unmarshal([]byte(member), &item); err != nil {
			return nil, fmt.Errorf("decode review item: %w", err)
		}
		items = append(items, item)
	}
	return items, nil
}

// Claim removes and returns the highest priority item, or nil when the queue is empty.
func (q *RedisReviewQueue) Claim(ctx context.Context) (*ReviewItem, error) {
	popped, err := q.client.ZPopMax(ctx, q.key, 1).Result()
	if err != nil {
		return nil, err
	}
	if len(popped) == 0 {
		return nil, nil
	}

	member, ok := popped[0].Member.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected review item type %T", popped[0].Member)
	}
	var item ReviewItem
	if err := json.Unmarshal([]byte(member), &item); err != nil {
		return nil, fmt.Errorf("decode review item: %w", err)
	}
	return &item, nil
}
