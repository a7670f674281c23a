package billing

import (
	"chartcredits/internal/model"

	"github.com/stripe/stripe-go/v82"
)

var eventKinds = map[stripe.EventType]model.EventKind{
	stripe.EventTypeChargeSucceeded:            model.KindChargeSucceeded,
	stripe.EventTypePaymentIntentPaymentFailed: model.KindPaymentFailed,
}

// Classify maps a processor event type tag to the kind the processor handles.
func Classify(eventType string) model.EventKind {
	if kind, ok := eventKinds[stripe.EventType(eventType)]; ok {
		return kind
	}
	return model.KindOther
}
