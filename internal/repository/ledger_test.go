package repository

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chartcredits/internal/billing"
	"chartcredits/internal/model"
)

func newMiniRedisClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

// newTestPool connects to the test database, migrates it and truncates the
// tables the ledger touches.
func newTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := testDSN(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	require.NoError(t, RunMigrations(ctx, dsn, "up"))

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = pool.Exec(ctx, `TRUNCATE purchases, users RESTART IDENTITY CASCADE`)
	require.NoError(t, err)
	return pool
}

func insertUser(t *testing.T, pool *pgxpool.Pool, id int64, email string) {
	t.Helper()
	_, err := pool.Exec(context.Background(), `INSERT INTO users (id, email, credits) VALUES ($1, $2, 0)`, id, email)
	require.NoError(t, err)
}

func purchaseFor(eventID string, userID, credits int64) model.PurchaseRecord {
	return model.PurchaseRecord{
		ID:               uuid.New(),
		EventID:          eventID,
		UserID:           userID,
		CreditAmount:     credits,
		AmountMinorUnits: 2000,
		CreatedAt:        time.Unix(1690000000, 0).UTC(),
		Status:           "succeeded",
	}
}

func TestApplyGrant_AppliesOncePerEvent(t *testing.T) {
	pool := newTestPool(t)
	_, rdb := newMiniRedisClient(t)
	insertUser(t, pool, 42, "a@x.com")

	repo := NewLedgerRepo(rdb, pool, nil)
	ctx := context.Background()

	first := purchaseFor("evt_1", 42, 100)
	res, err := repo.ApplyGrant(ctx, first)
	require.NoError(t, err)
	assert.True(t, res.Applied)

	// Redelivery gets a fresh purchase id, the event id is what dedupes.
	res, err = repo.ApplyGrant(ctx, purchaseFor("evt_1", 42, 100))
	require.NoError(t, err)
	assert.False(t, res.Applied)
	require.NotNil(t, res.Existing)
	assert.Equal(t, first.ID, res.Existing.ID)
	assert.Equal(t, int64(100), res.Existing.CreditAmount)
	assert.True(t, first.CreatedAt.Equal(res.Existing.CreatedAt))

	balance, err := repo.RefreshBalance(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)

	var purchases int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM purchases WHERE event_id = 'evt_1'`).Scan(&purchases))
	assert.Equal(t, 1, purchases)
}

func TestApplyGrant_UnknownUserLeavesNoPurchase(t *testing.T) {
	pool := newTestPool(t)
	_, rdb := newMiniRedisClient(t)

	repo := NewLedgerRepo(rdb, pool, nil)
	_, err := repo.ApplyGrant(context.Background(), purchaseFor("evt_ghost", 7, 20))
	assert.ErrorIs(t, err, billing.ErrUserNotFound)

	var purchases int
	require.NoError(t, pool.QueryRow(context.Background(), `SELECT COUNT(*) FROM purchases`).Scan(&purchases))
	assert.Zero(t, purchases)
}

func TestApplyGrant_DeadlineIsTransient(t *testing.T) {
	pool := newTestPool(t)
	_, rdb := newMiniRedisClient(t)
	insertUser(t, pool, 42, "a@x.com")

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	_, err := NewLedgerRepo(rdb, pool, nil).ApplyGrant(ctx, purchaseFor("evt_late", 42, 20))
	assert.ErrorIs(t, err, billing.ErrTransientStorage)
}

func TestResolveUserID(t *testing.T) {
	pool := newTestPool(t)
	insertUser(t, pool, 42, "A@X.com")
	users := NewUserRepo(pool)
	ctx := context.Background()

	id, err := users.ResolveUserID(ctx, "a@x.com")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	_, err = users.ResolveUserID(ctx, "nobody@x.com")
	assert.ErrorIs(t, err, billing.ErrUserNotFound)

	_, err = users.ResolveUserID(ctx, "   ")
	assert.ErrorIs(t, err, billing.ErrUserNotFound)
}

func TestGetBalance_ServesFromCache(t *testing.T) {
	mr, rdb := newMiniRedisClient(t)
	require.NoError(t, mr.Set("balance:42", "350"))

	// No pool: a cache hit must not touch postgres.
	repo := NewLedgerRepo(rdb, nil, nil)
	balance, err := repo.GetBalance(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, int64(350), balance)
}

func TestGetBalance_WarmsCacheOnMiss(t *testing.T) {
	pool := newTestPool(t)
	mr, rdb := newMiniRedisClient(t)
	insertUser(t, pool, 42, "a@x.com")

	repo := NewLedgerRepo(rdb, pool, nil)
	_, err := repo.ApplyGrant(context.Background(), purchaseFor("evt_warm", 42, 250))
	require.NoError(t, err)

	balance, err := repo.GetBalance(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, int64(250), balance)

	cached, err := mr.Get("balance:42")
	require.NoError(t, err)
	assert.Equal(t, "250", cached)
	assert.True(t, mr.TTL("balance:42") > 0)
}
