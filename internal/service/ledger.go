package service

import (
	"context"

	"chartcredits/internal/model"
)

// UserResolver maps a billing email to an internal user id.
type UserResolver interface {
	ResolveUserID(ctx context.Context, email string) (int64, error)
}

// CreditLedger applies a purchase and its balance increment as one unit.
type CreditLedger interface {
	ApplyGrant(ctx context.Context, purchase model.PurchaseRecord) (model.ApplyResult, error)
}

// BalanceReader serves user balances to the read API and the cache worker.
type BalanceReader interface {
	GetBalance(ctx context.Context, userID int64) (int64, error)
	RefreshBalance(ctx context.Context, userID int64) (int64, error)
}

// EventClaimer guards an event id while it is being applied.
type EventClaimer interface {
	Claim(ctx context.Context, eventID string) (model.Claim, error)
	MarkDone(ctx context.Context, claim model.Claim) error
	Release(ctx context.Context, claim model.Claim) error
}

// Publisher announces committed grants to other services.
type Publisher interface {
	Publish(ctx context.Context, topic string, data []byte) error
}

// WebhookService is what the HTTP transport depends on.
type WebhookService interface {
	Handle(ctx context.Context, event model.PaymentEvent) (Outcome, error)
}
