package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chartcredits/internal/billing"
	"chartcredits/internal/model"
)

const defaultStorageTimeout = 5 * time.Second

// Outcome describes what Handle did with an event.
type Outcome struct {
	EventID    string
	Kind       model.EventKind
	UserID     int64
	Credits    int64
	PurchaseID string
	Duplicate  bool
}

type Dependencies struct {
	Users          UserResolver
	Ledger         CreditLedger
	Claims         EventClaimer // optional
	Bus            Publisher    // optional
	Logger         *zap.Logger
	StorageTimeout time.Duration
}

// Processor turns verified payment events into credit grants.
type Processor struct {
	users   UserResolver
	ledger  CreditLedger
	claims  EventClaimer
	bus     Publisher
	log     *zap.Logger
	timeout time.Duration
	newID   func() uuid.UUID
}

func NewProcessor(deps Dependencies) *Processor {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	timeout := deps.StorageTimeout
	if timeout <= 0 {
		timeout = defaultStorageTimeout
	}
	return &Processor{
		users:   deps.Users,
		ledger:  deps.Ledger,
		claims:  deps.Claims,
		bus:     deps.Bus,
		log:     log,
		timeout: timeout,
		newID:   uuid.New,
	}
}

// Handle dispatches on the event kind. Errors are from the billing taxonomy
// (ErrUnhandledEventType, ErrUserNotFound, ErrAlreadyProcessed,
// ErrEventInFlight, ErrTransientStorage) or are unexpected.
func (p *Processor) Handle(ctx context.Context, event model.PaymentEvent) (Outcome, error) {
	out := Outcome{EventID: event.ID, Kind: event.Kind}
	log := p.log.With(zap.String("event_id", event.ID), zap.String("event_type", event.RawType))

	switch event.Kind {
	case model.KindPaymentFailed:
		log.Warn("payment failed",
			zap.String("reason", event.FailureReason),
			zap.Int64("amount_minor_units", event.AmountMinorUnits),
		)
		return out, nil
	case model.KindChargeSucceeded:
		return p.handleCharge(ctx, event, out, log)
	default:
		return out, billing.ErrUnhandledEventType
	}
}

func (p *Processor) handleCharge(ctx context.Context, event model.PaymentEvent, out Outcome, log *zap.Logger) (Outcome, error) {
	grant := billing.GrantFor(event.AmountMinorUnits)
	out.Credits = grant.Credits
	if grant.Credits == 0 {
		log.Warn("charge amount is not in the price table, recording a zero-credit purchase",
			zap.Int64("amount_minor_units", event.AmountMinorUnits),
		)
	}

	resolveCtx, cancel := context.WithTimeout(ctx, p.timeout)
	userID, err := p.users.ResolveUserID(resolveCtx, event.Email())
	cancel()
	if err != nil {
		return out, classify(err)
	}
	out.UserID = userID

	// Nothing is written yet, so a caller that went away can still abort cleanly.
	if err := ctx.Err(); err != nil {
		return out, fmt.Errorf("request cancelled before ledger write: %w", err)
	}

	claim, err := p.claim(ctx, event.ID, log)
	if err != nil {
		return out, err
	}
	switch claim.State {
	case model.ClaimAlreadyDone:
		out.Duplicate = true
		return out, billing.ErrAlreadyProcessed
	case model.ClaimBusy:
		return out, billing.ErrEventInFlight
	}

	purchase := model.PurchaseRecord{
		ID:               p.newID(),
		EventID:          event.ID,
		UserID:           userID,
		CreditAmount:     grant.Credits,
		AmountMinorUnits: grant.AmountMinorUnits,
		CreatedAt:        event.OccurredAt,
		Status:           event.StatusLabel,
	}

	// From here on the write must finish even if the client disconnects.
	writeCtx, cancelWrite := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancelWrite()

	res, err := p.ledger.ApplyGrant(writeCtx, purchase)

	// Bookkeeping after the write gets its own budget; writeCtx may be spent.
	afterCtx, cancelAfter := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancelAfter()

	if err != nil {
		p.release(afterCtx, claim, log)
		if errors.Is(err, billing.ErrCommitUncertain) {
			log.Error("ledger discrepancy: grant commit outcome unknown, a retry will reconcile on event id",
				zap.Int64("user_id", userID),
				zap.Int64("credits", grant.Credits),
				zap.String("purchase_id", purchase.ID.String()),
				zap.Error(err),
			)
		}
		return out, classify(err)
	}

	p.markDone(afterCtx, claim, log)

	if !res.Applied {
		out.Duplicate = true
		p.reconcile(purchase, res.Existing, log)
		return out, billing.ErrAlreadyProcessed
	}

	out.PurchaseID = purchase.ID.String()
	log.Info("credits granted",
		zap.Int64("user_id", userID),
		zap.Int64("credits", grant.Credits),
		zap.String("purchase_id", out.PurchaseID),
		zap.String("created_at", model.FormatInstant(purchase.CreatedAt)),
	)
	p.publish(afterCtx, purchase, log)
	return out, nil
}

func (p *Processor) claim(ctx context.Context, eventID string, log *zap.Logger) (model.Claim, error) {
	if p.claims == nil {
		return model.Claim{EventID: eventID, State: model.ClaimAcquired}, nil
	}

	claimCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	claim, err := p.claims.Claim(claimCtx, eventID)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return model.Claim{}, fmt.Errorf("request cancelled before ledger write: %w", ctxErr)
		}
		// The ledger's unique event id still prevents a double grant.
		log.Warn("event claim unavailable, relying on ledger uniqueness", zap.Error(err))
		return model.Claim{EventID: eventID, State: model.ClaimAcquired}, nil
	}
	return claim, nil
}

func (p *Processor) markDone(ctx context.Context, claim model.Claim, log *zap.Logger) {
	if p.claims == nil {
		return
	}
	if err := p.claims.MarkDone(ctx, claim); err != nil {
		log.Warn("failed to mark event done", zap.Error(err))
	}
}

func (p *Processor) release(ctx context.Context, claim model.Claim, log *zap.Logger) {
	if p.claims == nil {
		return
	}
	if err := p.claims.Release(ctx, claim); err != nil {
		log.Warn("failed to release event claim", zap.Error(err))
	}
}

// reconcile compares a redelivered event with the purchase already on record.
func (p *Processor) reconcile(attempted model.PurchaseRecord, existing *model.PurchaseRecord, log *zap.Logger) {
	if existing == nil {
		log.Info("event already applied, skipping")
		return
	}
	if existing.UserID != attempted.UserID || existing.CreditAmount != attempted.CreditAmount {
		log.Error("ledger discrepancy: redelivered event does not match recorded purchase",
			zap.String("purchase_id", existing.ID.String()),
			zap.Int64("recorded_user_id", existing.UserID),
			zap.Int64("recorded_credits", existing.CreditAmount),
			zap.Int64("user_id", attempted.UserID),
			zap.Int64("credits", attempted.CreditAmount),
		)
		return
	}
	log.Info("event already applied, skipping", zap.String("purchase_id", existing.ID.String()))
}

func (p *Processor) publish(ctx context.Context, purchase model.PurchaseRecord, log *zap.Logger) {
	if p.bus == nil {
		return
	}
	data, err := json.Marshal(model.CreditsGrantedEvent{
		EventID:    purchase.EventID,
		PurchaseID: purchase.ID.String(),
		UserID:     purchase.UserID,
		Credits:    purchase.CreditAmount,
		OccurredAt: purchase.CreatedAt,
	})
	if err != nil {
		log.Error("failed to encode grant event", zap.Error(err))
		return
	}
	if err := p.bus.Publish(ctx, model.TopicCreditsGranted, data); err != nil {
		log.Warn("failed to publish grant event", zap.String("topic", model.TopicCreditsGranted), zap.Error(err))
	}
}

// classify tags a bare deadline as transient so the endpoint asks for a retry.
func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, billing.ErrTransientStorage) {
		return fmt.Errorf("%w: %w", billing.ErrTransientStorage, err)
	}
	return err
}
