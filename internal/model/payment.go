package model

import (
	"time"

	"github.com/google/uuid"
)

// EventKind is the classified type of a payment processor event.
type EventKind string

const (
	KindPaymentFailed   EventKind = "payment_failed"
	KindChargeSucceeded EventKind = "charge_succeeded"
	KindOther           EventKind = "other"
)

// PaymentEvent is built only from signature-verified bytes and is never persisted.
type PaymentEvent struct {
	ID               string
	Kind             EventKind
	RawType          string
	AmountMinorUnits int64
	BillingEmail     *string
	OccurredAt       time.Time
	StatusLabel      string
	FailureReason    string
}

// Email returns the billing email or "" when the processor sent none.
func (e PaymentEvent) Email() string {
	if e.BillingEmail == nil {
		return ""
	}
	return *e.BillingEmail
}

type CreditGrant struct {
	AmountMinorUnits int64
	Credits          int64
}

// PurchaseRecord is the append-only audit row written with every grant.
type PurchaseRecord struct {
	ID               uuid.UUID `json:"id"`
	EventID          string    `json:"event_id"`
	UserID           int64     `json:"user_id"`
	CreditAmount     int64     `json:"credit_amount"`
	AmountMinorUnits int64     `json:"amount_minor_units"`
	CreatedAt        time.Time `json:"created_at"`
	Status           string    `json:"status"`
}

// ApplyResult reports what the ledger did with a purchase. When Applied is
// false the event id was already recorded and Existing holds that row.
type ApplyResult struct {
	Applied  bool
	Existing *PurchaseRecord
}

// instantLayout matches the millisecond ISO-8601 form used for purchase timestamps.
const instantLayout = "2006-01-02T15:04:05.000Z07:00"

// FormatInstant renders t in UTC as e.g. 2023-07-22T04:26:40.000Z.
func FormatInstant(t time.Time) string {
	return t.UTC().Format(instantLayout)
}
