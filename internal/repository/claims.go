package repository

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"chartcredits/internal/model"
)

//go:embed claim.lua
var claimLuaScript string

//go:embed release.lua
var releaseLuaScript string

var (
	claimScript   = redis.NewScript(claimLuaScript)
	releaseScript = redis.NewScript(releaseLuaScript)
)

// doneTTL outlives the processor's redelivery window (three days for Stripe).
const doneTTL = 7 * 24 * time.Hour

// EventClaims keeps a per-event lock and a "done" marker in Redis so
// redeliveries skip the ledger. Postgres stays the source of truth: losing
// these keys only costs an extra ledger round trip.
type EventClaims struct {
	redisClient *redis.Client
	lockTTL     time.Duration
}

func NewEventClaims(rdb *redis.Client, lockTTL time.Duration) *EventClaims {
	return &EventClaims{redisClient: rdb, lockTTL: lockTTL}
}

func doneKey(eventID string) string { return fmt.Sprintf("webhook:done:%s", eventID) }
func lockKey(eventID string) string { return fmt.Sprintf("webhook:lock:%s", eventID) }

// Claim tries to take the lock for eventID.
func (c *EventClaims) Claim(ctx context.Context, eventID string) (model.Claim, error) {
	claim := model.Claim{EventID: eventID, Token: uuid.NewString()}

	keys := []string{doneKey(eventID), lockKey(eventID)}
	status, err := claimScript.Run(ctx, c.redisClient, keys, claim.Token, c.lockTTL.Milliseconds()).Int64()
	if err != nil {
		return model.Claim{}, fmt.Errorf("error executing claim script: %w", err)
	}

	switch status {
	case 1:
		claim.State = model.ClaimAcquired
	case 0:
		claim.State = model.ClaimAlreadyDone
	case -1:
		claim.State = model.ClaimBusy
	default:
		return model.Claim{}, fmt.Errorf("unknown status from claim script: %d", status)
	}
	return claim, nil
}

// MarkDone records that the event's grant is durable and drops the lock.
func (c *EventClaims) MarkDone(ctx context.Context, claim model.Claim) error {
	if err := c.redisClient.Set(ctx, doneKey(claim.EventID), time.Now().UTC().Unix(), doneTTL).Err(); err != nil {
		return fmt.Errorf("failed to set done marker: %w", err)
	}
	return c.Release(ctx, claim)
}

// Release drops the lock if claim still owns it.
func (c *EventClaims) Release(ctx context.Context, claim model.Claim) error {
	if claim.Token == "" {
		return nil
	}
	err := releaseScript.Run(ctx, c.redisClient, []string{lockKey(claim.EventID)}, claim.Token).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("error executing release script: %w", err)
	}
	return nil
}
