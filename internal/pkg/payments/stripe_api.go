package payments

import (
	"context"
	"strings"

	"github.com/LukasBehrendt/StudioMap/internal/pkg/env"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
)

// StripeAPI is the read-only outbound surface toward the payment provider.
// Webhook payloads omit payment-intent and discount detail, so handlers
// re-fetch the session with expansions. Calls are made outside of any open
// database transaction: a multi-hundred-millisecond provider round-trip must
// not hold row locks.
type StripeAPI interface {
	ExpandCheckoutSession(ctx context.Context, id string) (*stripe.CheckoutSession, error)
	RetrieveCoupon(ctx context.Context, id string) (*stripe.Coupon, error)
	RetrieveCustomer(ctx context.Context, id string) (*stripe.Customer, error)
}

type stripeAPIClient struct {
	api *client.API
}

// NewStripeAPIFromEnv builds the provider client from STRIPE_SECRET_KEY.
func NewStripeAPIFromEnv() StripeAPI {
	api := &client.API{}
	api.Init(strings.TrimSpace(env.GetEnv("STRIPE_SECRET_KEY", "")), nil)
	return &stripeAPIClient{api: api}
}

func (c *stripeAPIClient) ExpandCheckoutSession(ctx context.Context, id string) (*stripe.CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	params.AddExpand("payment_intent")
	params.AddExpand("payment_intent.latest_charge")
	params.AddExpand("total_details.breakdown")
	return c.api.CheckoutSessions.Get(id, params)
}

func (c *stripeAPIClient) RetrieveCoupon(ctx context.Context, id string) (*stripe.Coupon, error) {
	params := &stripe.CouponParams{}
	params.Context = ctx
	return c.api.Coupons.Get(id, params)
}

func (c *stripeAPIClient) RetrieveCustomer(ctx context.Context, id string) (*stripe.Customer, error) {
	params := &stripe.CustomerParams{}
	params.Context = ctx
	return c.api.Customers.Get(id, params)
}
