package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// JobLease grants one invocation at a time exclusive processing of a job.
type JobLease interface {
	Acquire(ctx context.Context, jobID string) (release func(), err error)
}

var releaseLeaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type redisJobLease struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisJobLease returns a lease backed by SET NX PX. A nil client yields a lease that always
// succeeds.
func NewRedisJobLease(client *redis.Client, ttl time.Duration) JobLease {
	if client == nil {
		return noopJobLease{}
	}
	if ttl <= 0 {
		ttl = 6 * time.Minute
	}
	return &redisJobLease{client: client, ttl: ttl, prefix: "evaluation:lease:"}
}

func (l *redisJobLease) Acquire(ctx context.Context, jobID string) (func(), error) {
	key := l.prefix + jobID
	token := uuid.NewString()

	acquired, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, ErrEvaluationJobBusy
	}

	return func() {
		// the caller context may already be done when the lease is released
		_ = releaseLeaseScript.Run(context.Background(), l.client, []string{key}, token).Err()
	}, nil
}

type noopJobLease struct{}

func (noopJobLease) Acquire(context.Context, string) (func(), error) {
	return func() {}, nil
}
