package billing

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"chartcredits/internal/model"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

const SignatureHeader = "Stripe-Signature"

// Verifier authenticates raw webhook bodies against the endpoint's signing
// secret and turns them into PaymentEvents.
type Verifier struct {
	secret    string
	tolerance time.Duration
}

func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	return &Verifier{secret: secret, tolerance: tolerance}
}

// paymentObject is the subset of data.object read from charges and payment intents.
type paymentObject struct {
	Amount         int64 `json:"amount"`
	BillingDetails *struct {
		Email *string `json:"email"`
	} `json:"billing_details"`
	Created          int64  `json:"created"`
	Status           string `json:"status"`
	LastPaymentError *struct {
		Message string `json:"message"`
	} `json:"last_payment_error"`
}

// Verify checks signatureHeader over the exact payload bytes before anything
// is parsed. Signature failures wrap ErrInvalidSignature; a signed body that
// does not have the expected shape wraps ErrMalformedPayload.
func (v *Verifier) Verify(payload []byte, signatureHeader string) (model.PaymentEvent, error) {
	if strings.TrimSpace(signatureHeader) == "" {
		return model.PaymentEvent{}, fmt.Errorf("%w: missing %s header", ErrInvalidSignature, SignatureHeader)
	}
	if err := webhook.ValidatePayloadWithTolerance(payload, signatureHeader, v.secret, v.tolerance); err != nil {
		return model.PaymentEvent{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	var evt stripe.Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		return model.PaymentEvent{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if evt.ID == "" || evt.Type == "" {
		return model.PaymentEvent{}, fmt.Errorf("%w: event id and type are required", ErrMalformedPayload)
	}

	event := model.PaymentEvent{
		ID:      evt.ID,
		RawType: string(evt.Type),
		Kind:    Classify(string(evt.Type)),
	}
	if event.Kind == model.KindOther {
		return event, nil
	}

	if evt.Data == nil || len(evt.Data.Raw) == 0 {
		return model.PaymentEvent{}, fmt.Errorf("%w: %s event %s has no data.object", ErrMalformedPayload, evt.Type, evt.ID)
	}
	var obj paymentObject
	if err := json.Unmarshal(evt.Data.Raw, &obj); err != nil {
		return model.PaymentEvent{}, fmt.Errorf("%w: data.object: %v", ErrMalformedPayload, err)
	}

	event.AmountMinorUnits = obj.Amount
	event.StatusLabel = obj.Status
	if obj.Created > 0 {
		event.OccurredAt = time.Unix(obj.Created, 0).UTC()
	}
	if obj.BillingDetails != nil && obj.BillingDetails.Email != nil {
		email := strings.TrimSpace(*obj.BillingDetails.Email)
		if email != "" {
			event.BillingEmail = &email
		}
	}
	if obj.LastPaymentError != nil {
		event.FailureReason = obj.LastPaymentError.Message
	}

	if event.Kind == model.KindChargeSucceeded {
		if obj.Created <= 0 {
			return model.PaymentEvent{}, fmt.Errorf("%w: charge %s has no created timestamp", ErrMalformedPayload, evt.ID)
		}
		if obj.Amount < 0 {
			return model.PaymentEvent{}, fmt.Errorf("%w: charge %s has negative amount", ErrMalformedPayload, evt.ID)
		}
	}
	return event, nil
}
