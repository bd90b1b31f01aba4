package payments

import (
	"strings"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

// VerifyStripeEvent authenticates a raw webhook body against the shared
// signing secret and returns the typed event. It fails closed: a missing
// secret is a configuration fault (ErrSecretMissing), a missing or
// non-verifying signature header is ErrInvalidSignature. No side effects
// happen before this check.
func VerifyStripeEvent(payload []byte, sigHeader, secret string) (stripe.Event, error) {
	if strings.TrimSpace(secret) == "" {
		return stripe.Event{}, ErrSecretMissing
	}
	if strings.TrimSpace(sigHeader) == "" {
		return stripe.Event{}, ErrInvalidSignature
	}

	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return stripe.Event{}, ErrInvalidSignature
	}
	return event, nil
}
