package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/zjoart/agrimarket-wallet/pkg/events"
	"github.com/zjoart/agrimarket-wallet/pkg/logger"
)

const maxJobAttempts = 3

// JobQueue is the reconcile job queue the worker consumes.
type JobQueue interface {
	NextReconcile(ctx context.Context, timeout time.Duration) ([]byte, error)
	PushToDLQ(ctx context.Context, data []byte) error
}

type Reconciler interface {
	ReconcileWallet(ctx context.Context, walletID uuid.UUID) (int, error)
}

type ReconcileWorker struct {
	Reconciler Reconciler
	Queue      JobQueue
	RetryDelay time.Duration
	PollWait   time.Duration
}

func NewReconcileWorker(reconciler Reconciler, queue JobQueue) *ReconcileWorker {
	return &ReconcileWorker{
		Reconciler: reconciler,
		Queue:      queue,
		RetryDelay: time.Second,
		PollWait:   5 * time.Second,
	}
}

func (w *ReconcileWorker) Start(ctx context.Context) {
	logger.Info("Starting reconcile worker...")
	go w.processJobs(ctx)
}

func (w *ReconcileWorker) processJobs(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			logger.Info("Reconcile worker stopped")
			return
		}

		data, err := w.Queue.NextReconcile(ctx, w.PollWait)
		if err != nil {
			if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
				logger.Warn("ReconcileWorker: Failed to read queue", logger.Fields{"error": err.Error()})
				sleep(ctx, w.RetryDelay)
			}
			continue
		}

		w.Process(ctx, data)
	}
}

// Process handles one raw job, retrying failed reconciliations with a
// linear backoff before parking the job on the dead-letter queue.
func (w *ReconcileWorker) Process(ctx context.Context, data []byte) {
	var job events.ReconcileJob
	if err := json.Unmarshal(data, &job); err != nil {
		logger.Error("ReconcileWorker: Failed to unmarshal job", logger.Fields{"error": err.Error(), "data": string(data)})
		w.moveToDLQ(ctx, data)
		return
	}

	walletID, err := uuid.Parse(job.WalletID)
	if err != nil {
		logger.Error("ReconcileWorker: Invalid wallet id", logger.Fields{logger.WalletIdKey: job.WalletID})
		w.moveToDLQ(ctx, data)
		return
	}

	for i := 0; i < maxJobAttempts; i++ {
		changed, err := w.Reconciler.ReconcileWallet(ctx, walletID)
		if err == nil {
			logger.Info("ReconcileWorker: Wallet reconciled", logger.Fields{
				logger.WalletIdKey: job.WalletID,
				"reason":           job.Reason,
				"block":            job.Block,
				"changed":          changed,
			})
			return
		}

		logger.Warn("ReconcileWorker: Failed to reconcile, retrying", logger.Fields{
			logger.WalletIdKey: job.WalletID,
			"attempt":          i + 1,
			"error":            err.Error(),
		})
		if !sleep(ctx, time.Duration(i+1)*w.RetryDelay) {
			return
		}
	}

	logger.Error("ReconcileWorker: Max retries exhausted, moving to DLQ", logger.Fields{logger.WalletIdKey: job.WalletID})
	w.moveToDLQ(ctx, data)
}

func (w *ReconcileWorker) moveToDLQ(ctx context.Context, data []byte) {
	if err := w.Queue.PushToDLQ(context.WithoutCancel(ctx), data); err != nil {
		logger.Error("ReconcileWorker: Failed to push to DLQ", logger.Fields{"error": err.Error()})
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
