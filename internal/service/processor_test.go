package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"chartcredits/internal/billing"
	"chartcredits/internal/model"
)

type fakeUsers struct {
	byEmail map[string]int64
	err     error
}

func (f *fakeUsers) ResolveUserID(_ context.Context, email string) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	id, ok := f.byEmail[strings.ToLower(email)]
	if !ok {
		return 0, billing.ErrUserNotFound
	}
	return id, nil
}

// fakeLedger mimics the unique event id constraint of the purchases table.
type fakeLedger struct {
	mu        sync.Mutex
	purchases map[string]model.PurchaseRecord
	balances  map[int64]int64
	err       error
	calls     int
	onApply   func()
	ctxErr    error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		purchases: make(map[string]model.PurchaseRecord),
		balances:  make(map[int64]int64),
	}
}

func (f *fakeLedger) ApplyGrant(ctx context.Context, p model.PurchaseRecord) (model.ApplyResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.onApply != nil {
		f.onApply()
	}
	f.ctxErr = ctx.Err()
	if f.err != nil {
		return model.ApplyResult{}, f.err
	}
	if existing, ok := f.purchases[p.EventID]; ok {
		return model.ApplyResult{Applied: false, Existing: &existing}, nil
	}
	f.purchases[p.EventID] = p
	f.balances[p.UserID] += p.CreditAmount
	return model.ApplyResult{Applied: true}, nil
}

type fakeClaims struct {
	state    model.ClaimState
	err      error
	done     []string
	released []string
}

func (f *fakeClaims) Claim(_ context.Context, eventID string) (model.Claim, error) {
	if f.err != nil {
		return model.Claim{}, f.err
	}
	return model.Claim{EventID: eventID, Token: "tok", State: f.state}, nil
}

func (f *fakeClaims) MarkDone(_ context.Context, c model.Claim) error {
	f.done = append(f.done, c.EventID)
	return nil
}

func (f *fakeClaims) Release(_ context.Context, c model.Claim) error {
	f.released = append(f.released, c.EventID)
	return nil
}

type publishedMsg struct {
	topic string
	data  []byte
}

type fakeBus struct {
	msgs []publishedMsg
	err  error
}

func (f *fakeBus) Publish(_ context.Context, topic string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, publishedMsg{topic: topic, data: data})
	return nil
}

type testEnv struct {
	users  *fakeUsers
	ledger *fakeLedger
	claims *fakeClaims
	bus    *fakeBus
	logs   *observer.ObservedLogs
	proc   *Processor
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	env := &testEnv{
		users:  &fakeUsers{byEmail: map[string]int64{"buyer@example.com": 42}},
		ledger: newFakeLedger(),
		claims: &fakeClaims{state: model.ClaimAcquired},
		bus:    &fakeBus{},
		logs:   logs,
	}
	env.proc = NewProcessor(Dependencies{
		Users:          env.users,
		Ledger:         env.ledger,
		Claims:         env.claims,
		Bus:            env.bus,
		Logger:         zap.New(core),
		StorageTimeout: time.Second,
	})
	return env
}

func chargeEvent(id string, amount int64) model.PaymentEvent {
	email := "buyer@example.com"
	return model.PaymentEvent{
		ID:               id,
		Kind:             model.KindChargeSucceeded,
		RawType:          "charge.succeeded",
		AmountMinorUnits: amount,
		BillingEmail:     &email,
		OccurredAt:       time.Unix(1690000000, 0).UTC(),
		StatusLabel:      "succeeded",
	}
}

func TestHandle_ChargeGrantsCredits(t *testing.T) {
	env := newTestEnv(t)

	out, err := env.proc.Handle(context.Background(), chargeEvent("evt_1", 2000))
	require.NoError(t, err)

	assert.Equal(t, int64(42), out.UserID)
	assert.Equal(t, int64(100), out.Credits)
	assert.False(t, out.Duplicate)
	assert.Equal(t, int64(100), env.ledger.balances[42])

	rec := env.ledger.purchases["evt_1"]
	assert.Equal(t, int64(100), rec.CreditAmount)
	assert.Equal(t, int64(2000), rec.AmountMinorUnits)
	assert.Equal(t, "succeeded", rec.Status)
	assert.Equal(t, "2023-07-22T04:26:40.000Z", model.FormatInstant(rec.CreatedAt))
	assert.NotEqual(t, uuid.Nil, rec.ID)
	assert.Equal(t, rec.ID.String(), out.PurchaseID)

	assert.Equal(t, []string{"evt_1"}, env.claims.done)
	assert.Empty(t, env.claims.released)

	require.Len(t, env.bus.msgs, 1)
	assert.Equal(t, model.TopicCreditsGranted, env.bus.msgs[0].topic)
	var granted model.CreditsGrantedEvent
	require.NoError(t, json.Unmarshal(env.bus.msgs[0].data, &granted))
	assert.Equal(t, "evt_1", granted.EventID)
	assert.Equal(t, int64(42), granted.UserID)
	assert.Equal(t, int64(100), granted.Credits)

	assert.Equal(t, 1, env.logs.FilterMessage("credits granted").Len())
}

func TestHandle_DuplicateDeliveryAppliesOnce(t *testing.T) {
	env := newTestEnv(t)
	event := chargeEvent("evt_dup", 3500)

	_, err := env.proc.Handle(context.Background(), event)
	require.NoError(t, err)

	out, err := env.proc.Handle(context.Background(), event)
	require.ErrorIs(t, err, billing.ErrAlreadyProcessed)
	assert.True(t, out.Duplicate)

	assert.Equal(t, int64(250), env.ledger.balances[42])
	assert.Len(t, env.ledger.purchases, 1)
	assert.Len(t, env.bus.msgs, 1)
	assert.Equal(t, 0, env.logs.FilterMessageSnippet("ledger discrepancy").Len())
}

func TestHandle_ClaimAlreadyDoneSkipsLedger(t *testing.T) {
	env := newTestEnv(t)
	env.claims.state = model.ClaimAlreadyDone

	out, err := env.proc.Handle(context.Background(), chargeEvent("evt_done", 2000))
	require.ErrorIs(t, err, billing.ErrAlreadyProcessed)
	assert.True(t, out.Duplicate)
	assert.Equal(t, 0, env.ledger.calls)
}

func TestHandle_ClaimBusyIsInFlight(t *testing.T) {
	env := newTestEnv(t)
	env.claims.state = model.ClaimBusy

	_, err := env.proc.Handle(context.Background(), chargeEvent("evt_busy", 2000))
	require.ErrorIs(t, err, billing.ErrEventInFlight)
	assert.Equal(t, 0, env.ledger.calls)
}

func TestHandle_ClaimStoreDownFallsBackToLedger(t *testing.T) {
	env := newTestEnv(t)
	env.claims.err = errors.New("redis: connection refused")

	_, err := env.proc.Handle(context.Background(), chargeEvent("evt_noredis", 500))
	require.NoError(t, err)
	assert.Equal(t, int64(20), env.ledger.balances[42])
	assert.Equal(t, 1, env.logs.FilterMessageSnippet("claim unavailable").Len())
}

func TestHandle_UnknownUserMutatesNothing(t *testing.T) {
	env := newTestEnv(t)
	stranger := "nobody@example.com"
	event := chargeEvent("evt_stranger", 2000)
	event.BillingEmail = &stranger

	_, err := env.proc.Handle(context.Background(), event)
	require.ErrorIs(t, err, billing.ErrUserNotFound)
	assert.Equal(t, 0, env.ledger.calls)
	assert.Empty(t, env.bus.msgs)
}

func TestHandle_MissingEmailIsUserNotFound(t *testing.T) {
	env := newTestEnv(t)
	event := chargeEvent("evt_noemail", 2000)
	event.BillingEmail = nil

	_, err := env.proc.Handle(context.Background(), event)
	require.ErrorIs(t, err, billing.ErrUserNotFound)
	assert.Equal(t, 0, env.ledger.calls)
}

func TestHandle_UnmappedAmountRecordsZeroCredits(t *testing.T) {
	env := newTestEnv(t)

	out, err := env.proc.Handle(context.Background(), chargeEvent("evt_odd", 1234))
	require.NoError(t, err)
	assert.Equal(t, int64(0), out.Credits)

	rec, ok := env.ledger.purchases["evt_odd"]
	require.True(t, ok)
	assert.Equal(t, int64(0), rec.CreditAmount)
	assert.Equal(t, int64(1234), rec.AmountMinorUnits)
	assert.Equal(t, int64(0), env.ledger.balances[42])
	assert.Equal(t, 1, env.logs.FilterLevelExact(zapcore.WarnLevel).FilterMessageSnippet("price table").Len())
}

func TestHandle_PaymentFailedNeverMutates(t *testing.T) {
	env := newTestEnv(t)
	event := model.PaymentEvent{
		ID:            "evt_fail",
		Kind:          model.KindPaymentFailed,
		RawType:       "payment_intent.payment_failed",
		FailureReason: "card_declined",
	}

	_, err := env.proc.Handle(context.Background(), event)
	require.NoError(t, err)
	assert.Equal(t, 0, env.ledger.calls)

	entries := env.logs.FilterMessage("payment failed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "card_declined", entries[0].ContextMap()["reason"])
}

func TestHandle_OtherKindIsUnhandled(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.proc.Handle(context.Background(), model.PaymentEvent{ID: "evt_x", Kind: model.KindOther, RawType: "customer.created"})
	require.ErrorIs(t, err, billing.ErrUnhandledEventType)
	assert.Equal(t, 0, env.ledger.calls)
}

func TestHandle_DeadlineIsTransient(t *testing.T) {
	env := newTestEnv(t)
	env.ledger.err = context.DeadlineExceeded

	_, err := env.proc.Handle(context.Background(), chargeEvent("evt_slow", 2000))
	require.ErrorIs(t, err, billing.ErrTransientStorage)
	assert.Equal(t, []string{"evt_slow"}, env.claims.released)
	assert.Empty(t, env.claims.done)
}

func TestHandle_CancelledBeforeWriteAborts(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := env.proc.Handle(ctx, chargeEvent("evt_gone", 2000))
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, env.ledger.calls)
}

func TestHandle_WriteIgnoresCallerCancellation(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// The client disconnects while the write is in progress.
	env.ledger.onApply = cancel

	_, err := env.proc.Handle(ctx, chargeEvent("evt_detached", 2000))
	require.NoError(t, err)
	assert.NoError(t, env.ledger.ctxErr)
	assert.Equal(t, int64(100), env.ledger.balances[42])
	assert.Equal(t, []string{"evt_detached"}, env.claims.done)
}

func TestHandle_CommitUncertainLogsDiscrepancy(t *testing.T) {
	env := newTestEnv(t)
	env.ledger.err = errors.Join(billing.ErrCommitUncertain, errors.New("conn reset"))

	_, err := env.proc.Handle(context.Background(), chargeEvent("evt_uncertain", 2000))
	require.ErrorIs(t, err, billing.ErrCommitUncertain)

	entries := env.logs.FilterLevelExact(zapcore.ErrorLevel).FilterMessageSnippet("ledger discrepancy").All()
	require.Len(t, entries, 1)
	assert.Equal(t, int64(42), entries[0].ContextMap()["user_id"])
	assert.Equal(t, "evt_uncertain", entries[0].ContextMap()["event_id"])
}

func TestHandle_RedeliveryWithDifferentAmountLogsDiscrepancy(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.proc.Handle(context.Background(), chargeEvent("evt_changed", 2000))
	require.NoError(t, err)

	_, err = env.proc.Handle(context.Background(), chargeEvent("evt_changed", 8000))
	require.ErrorIs(t, err, billing.ErrAlreadyProcessed)
	assert.Equal(t, int64(100), env.ledger.balances[42])
	assert.Equal(t, 1, env.logs.FilterMessageSnippet("does not match recorded purchase").Len())
}

func TestHandle_PublishFailureDoesNotFailEvent(t *testing.T) {
	env := newTestEnv(t)
	env.bus.err = errors.New("nats: connection closed")

	_, err := env.proc.Handle(context.Background(), chargeEvent("evt_nobus", 8000))
	require.NoError(t, err)
	assert.Equal(t, int64(750), env.ledger.balances[42])
	assert.Equal(t, 1, env.logs.FilterMessageSnippet("failed to publish").Len())
}

func TestHandle_OptionalDependenciesMayBeNil(t *testing.T) {
	ledger := newFakeLedger()
	proc := NewProcessor(Dependencies{
		Users:  &fakeUsers{byEmail: map[string]int64{"buyer@example.com": 7}},
		Ledger: ledger,
	})

	_, err := proc.Handle(context.Background(), chargeEvent("evt_bare", 500))
	require.NoError(t, err)
	assert.Equal(t, int64(20), ledger.balances[7])
}

func TestClassify(t *testing.T) {
	assert.ErrorIs(t, classify(context.DeadlineExceeded), billing.ErrTransientStorage)

	alreadyTransient := fmt.Errorf("%w: %w", billing.ErrTransientStorage, context.DeadlineExceeded)
	assert.Same(t, alreadyTransient, classify(alreadyTransient))

	for _, err := range []error{billing.ErrUserNotFound, errors.New("boom")} {
		assert.Same(t, err, classify(err))
	}
}
