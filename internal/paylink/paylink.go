// Package paylink produces the URLs a buyer follows to pay and to come
// back and validate the payment. Purely presentational: nothing here
// affects settlement correctness, and a paylink failure only degrades
// the payment prompt to text.
package paylink

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
)

// Builder produces a payment URL for a fiat minor-unit amount.
type Builder interface {
	PaymentURL(ctx context.Context, amountFiatMinor int64) (string, error)
}

// StaticBuilder builds payment links against a fixed payment profile
// (e.g. a revolut.me page) by appending currency and amount.
type StaticBuilder struct {
	baseURL  string
	currency string
}

// NewStaticBuilder creates a builder for the given profile URL and
// ISO 4217 currency code.
func NewStaticBuilder(baseURL, currency string) *StaticBuilder {
	return &StaticBuilder{baseURL: baseURL, currency: currency}
}

// PaymentURL returns baseURL?currency=<code>&amount=<minor units>.
func (b *StaticBuilder) PaymentURL(_ context.Context, amountFiatMinor int64) (string, error) {
	u, err := url.Parse(b.baseURL)
	if err != nil {
		return "", fmt.Errorf("paylink: parse base URL: %w", err)
	}
	q := u.Query()
	q.Set("currency", b.currency)
	q.Set("amount", strconv.FormatInt(amountFiatMinor, 10))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ValidateURL builds the link a buyer follows after paying, carrying the
// amount and destination address back to the validation flow.
func ValidateURL(publicBaseURL string, amountFiatMinor int64, address string) string {
	u, err := url.Parse(publicBaseURL)
	if err != nil {
		return publicBaseURL
	}
	q := u.Query()
	q.Set("amount", strconv.FormatInt(amountFiatMinor, 10))
	q.Set("address", address)
	u.RawQuery = q.Encode()
	return u.String()
}
