package paylink

import (
	"context"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
)

// StripeBuilder creates a Stripe Checkout session per purchase and hands
// back its hosted payment page URL. Used instead of StaticBuilder when a
// Stripe API key is configured.
type StripeBuilder struct {
	api        *client.API
	currency   string
	successURL string
}

// NewStripeBuilder creates a builder using the given secret API key.
// Buyers land on successURL after paying.
func NewStripeBuilder(apiKey, currency, successURL string) *StripeBuilder {
	api := &client.API{}
	api.Init(apiKey, nil)
	return &StripeBuilder{api: api, currency: strings.ToLower(currency), successURL: successURL}
}

// PaymentURL creates a single-item Checkout session for the amount and
// returns the hosted page URL.
func (b *StripeBuilder) PaymentURL(ctx context.Context, amountFiatMinor int64) (string, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(b.successURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(b.currency),
					UnitAmount: stripe.Int64(amountFiatMinor),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String("Bitcoin purchase"),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
	}
	params.Context = ctx

	sess, err := b.api.CheckoutSessions.New(params)
	if err != nil {
		return "", fmt.Errorf("paylink: create checkout session: %w", err)
	}
	return sess.URL, nil
}
