package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"chartcredits/internal/billing"
	"chartcredits/internal/model"
	"chartcredits/internal/repository"
)

const balanceCacheGroup = "balance_cache"

// BalanceRefresher reloads a user's balance from the ledger into the cache.
type BalanceRefresher interface {
	RefreshBalance(ctx context.Context, userID int64) (int64, error)
}

// BalanceCacheWorker listens on the "credits.granted" topic and refreshes the
// cached balance of every user who was just credited.
type BalanceCacheWorker struct {
	sub      repository.Subscriber
	balances BalanceRefresher
	log      *zap.Logger
}

func NewBalanceCacheWorker(sub repository.Subscriber, balances BalanceRefresher, log *zap.Logger) *BalanceCacheWorker {
	if log == nil {
		log = zap.NewNop()
	}
	return &BalanceCacheWorker{
		sub:      sub,
		balances: balances,
		log:      log,
	}
}

// Run subscribes and blocks until ctx is cancelled.
func (w *BalanceCacheWorker) Run(ctx context.Context) error {
	if err := w.sub.Subscribe(ctx, model.TopicCreditsGranted, balanceCacheGroup, w.handle); err != nil {
		return fmt.Errorf("worker: subscription ended: %w", err)
	}
	return nil
}

func (w *BalanceCacheWorker) handle(ctx context.Context, data []byte) error {
	var event model.CreditsGrantedEvent
	if err := json.Unmarshal(data, &event); err != nil {
		// Redelivering a message that cannot be decoded would never succeed.
		w.log.Error("worker: failed to unmarshal grant event, dropping", zap.Error(err))
		return nil
	}

	balance, err := w.balances.RefreshBalance(ctx, event.UserID)
	if err != nil {
		if errors.Is(err, billing.ErrUserNotFound) {
			w.log.Warn("worker: credited user no longer exists",
				zap.String("event_id", event.EventID),
				zap.Int64("user_id", event.UserID),
			)
			return nil
		}
		return fmt.Errorf("refresh balance for user %d: %w", event.UserID, err)
	}

	w.log.Info("worker: balance cache refreshed",
		zap.String("event_id", event.EventID),
		zap.Int64("user_id", event.UserID),
		zap.Int64("balance", balance),
	)
	return nil
}

// Start implements the infrastructure.Server interface.
func (w *BalanceCacheWorker) Start(ctx context.Context) error {
	return w.Run(ctx)
}

// Stop implements the infrastructure.Server interface (no-op, shutdown is via ctx).
func (w *BalanceCacheWorker) Stop(ctx context.Context) error {
	return nil
}
