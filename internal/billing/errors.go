package billing

import "errors"

// Webhook failure taxonomy. The HTTP endpoint maps each of these to a status
// code; anything that matches none of them is an unexpected internal error.
var (
	ErrInvalidSignature   = errors.New("invalid webhook signature")
	ErrMalformedPayload   = errors.New("malformed webhook payload")
	ErrUnhandledEventType = errors.New("unhandled event type")
	ErrUserNotFound       = errors.New("no user matches billing email")
	ErrAlreadyProcessed   = errors.New("event already processed (idempotency)")
	ErrEventInFlight      = errors.New("event is being processed by another request")
	ErrTransientStorage   = errors.New("transient storage failure")

	// ErrCommitUncertain marks a failed COMMIT: the server may or may not
	// have applied the transaction.
	ErrCommitUncertain = errors.New("ledger commit outcome unknown")
)
