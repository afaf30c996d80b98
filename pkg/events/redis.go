package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/zjoart/agrimarket-wallet/pkg/config"
	"github.com/zjoart/agrimarket-wallet/pkg/logger"
)

const (
	ReconcileQueue = "wallet_reconcile_jobs"
	FailedQueue    = "failed_wallet_reconcile_jobs"

	lockPrefix = "wallet_reconcile_lock:"
)

// ErrLockHeld is returned by AcquireLock when another holder owns the key.
var ErrLockHeld = errors.New("lock is held by another worker")

type RedisClient struct {
	Client *redis.Client
}

// ReconcileJob asks the worker to reconcile one wallet's ledger against the
// chain.
type ReconcileJob struct {
	WalletID  string    `json:"wallet_id"`
	Address   string    `json:"address"`
	Reason    string    `json:"reason"`
	Block     uint64    `json:"block,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func NewRedisClient(cfg config.Config) *RedisClient {
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Error("Failed to parse Redis url", logger.Fields{"error": err.Error()})
		opt = &redis.Options{
			Addr:     cfg.RedisURL,
			Password: cfg.RedisPassword,
			DB:       0,
		}
	}

	rdb := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := rdb.Ping(ctx).Result(); err != nil {
		logger.Error("Failed to connect to Redis", logger.Fields{"error": err.Error(), "addr": opt.Addr})
	} else {
		logger.Info("Connected to Redis", logger.Fields{"addr": opt.Addr})
	}

	return &RedisClient{Client: rdb}
}

func (r *RedisClient) EnqueueReconcile(ctx context.Context, job ReconcileJob) error {
	if job.Timestamp.IsZero() {
		job.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal reconcile job: %w", err)
	}

	if err := r.Client.RPush(ctx, ReconcileQueue, data).Err(); err != nil {
		return fmt.Errorf("failed to push reconcile job to redis: %w", err)
	}

	return nil
}

// NextReconcile blocks up to timeout for the next job. It returns
// redis.Nil when the queue stayed empty.
func (r *RedisClient) NextReconcile(ctx context.Context, timeout time.Duration) ([]byte, error) {
	result, err := r.Client.BLPop(ctx, timeout, ReconcileQueue).Result()
	if err != nil {
		return nil, err
	}
	return []byte(result[1]), nil
}

func (r *RedisClient) PushToDLQ(ctx context.Context, data []byte) error {
	if err := r.Client.RPush(ctx, FailedQueue, data).Err(); err != nil {
		return fmt.Errorf("failed to push job to DLQ: %w", err)
	}
	return nil
}

// AcquireLock takes a short-lived lock on key. The returned release func
// only deletes the key while it still holds the token it set.
func (r *RedisClient) AcquireLock(ctx context.Context, key, token string, ttl time.Duration) (func(), error) {
	ok, err := r.Client.SetNX(ctx, lockPrefix+key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !ok {
		return nil, ErrLockHeld
	}

	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, r.Client, []string{lockPrefix + key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			logger.Warn("Failed to release lock", logger.Fields{"key": key, "error": err.Error()})
		}
	}
	return release, nil
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)
