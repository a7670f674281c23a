package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"chartcredits/internal/billing"
	"chartcredits/internal/model"
)

const balanceCacheTTL = 10 * time.Minute

type LedgerRepo struct {
	redisClient *redis.Client
	dbPool      *pgxpool.Pool
	log         *zap.Logger
}

func NewLedgerRepo(rdb *redis.Client, db *pgxpool.Pool, log *zap.Logger) *LedgerRepo {
	if log == nil {
		log = zap.NewNop()
	}
	return &LedgerRepo{
		redisClient: rdb,
		dbPool:      db,
		log:         log,
	}
}

// ApplyGrant inserts the purchase row and increments the user's balance in
// one transaction. The purchase is keyed by the processor event id: if that
// id is already recorded nothing changes and the stored row is returned.
func (r *LedgerRepo) ApplyGrant(ctx context.Context, p model.PurchaseRecord) (model.ApplyResult, error) {
	var result model.ApplyResult

	err := WithTx(ctx, r.dbPool, func(ctx context.Context, tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO purchases (id, event_id, user_id, credit_amount, amount_minor_units, status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (event_id) DO NOTHING`,
			p.ID, p.EventID, p.UserID, p.CreditAmount, p.AmountMinorUnits, p.Status, p.CreatedAt,
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23503" {
				return billing.ErrUserNotFound
			}
			return storageErr("insert purchase", err)
		}

		if tag.RowsAffected() == 0 {
			existing, err := scanPurchase(tx.QueryRow(ctx, `
				SELECT id, event_id, user_id, credit_amount, amount_minor_units, status, created_at
				FROM purchases WHERE event_id = $1`, p.EventID))
			if err != nil {
				return storageErr("load recorded purchase", err)
			}
			result = model.ApplyResult{Applied: false, Existing: &existing}
			return nil
		}

		// Atomic increment; the balance is never read back into the application.
		tag, err = tx.Exec(ctx, `UPDATE users SET credits = credits + $2 WHERE id = $1`, p.UserID, p.CreditAmount)
		if err != nil {
			return storageErr("increment balance", err)
		}
		if tag.RowsAffected() == 0 {
			return billing.ErrUserNotFound
		}

		result = model.ApplyResult{Applied: true}
		return nil
	})
	if err != nil {
		if errors.Is(err, billing.ErrTransientStorage) || errors.Is(err, billing.ErrUserNotFound) {
			return model.ApplyResult{}, err
		}
		return model.ApplyResult{}, storageErr("apply grant", err)
	}
	return result, nil
}

// GetBalance serves the balance from Redis, falling back to Postgres and
// warming the cache on a miss.
func (r *LedgerRepo) GetBalance(ctx context.Context, userID int64) (int64, error) {
	balance, err := r.redisClient.Get(ctx, balanceKey(userID)).Int64()
	if err == nil {
		return balance, nil
	}
	if !errors.Is(err, redis.Nil) {
		r.log.Warn("balance cache read failed, going to postgres", zap.Int64("user_id", userID), zap.Error(err))
	}
	return r.RefreshBalance(ctx, userID)
}

// RefreshBalance reads the authoritative balance from Postgres and stores it in Redis.
func (r *LedgerRepo) RefreshBalance(ctx context.Context, userID int64) (int64, error) {
	var balance int64
	err := r.dbPool.QueryRow(ctx, `SELECT credits FROM users WHERE id = $1`, userID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, billing.ErrUserNotFound
		}
		return 0, storageErr("read balance", err)
	}

	if err := r.redisClient.Set(ctx, balanceKey(userID), balance, balanceCacheTTL).Err(); err != nil {
		r.log.Warn("failed to save balance to redis", zap.Int64("user_id", userID), zap.Error(err))
	}
	return balance, nil
}

func balanceKey(userID int64) string {
	return "balance:" + strconv.FormatInt(userID, 10)
}

func scanPurchase(row pgx.Row) (model.PurchaseRecord, error) {
	var p model.PurchaseRecord
	if err := row.Scan(
		&p.ID,
		&p.EventID,
		&p.UserID,
		&p.CreditAmount,
		&p.AmountMinorUnits,
		&p.Status,
		&p.CreatedAt,
	); err != nil {
		return model.PurchaseRecord{}, fmt.Errorf("scan purchase: %w", err)
	}
	p.CreatedAt = p.CreatedAt.UTC()
	return p, nil
}
