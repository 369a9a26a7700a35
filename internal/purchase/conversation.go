// Package purchase drives the per-user purchase conversation: collect a
// destination address and a satoshi amount, price the purchase at the
// live rate, and hand the user payment instructions.
//
// The chat transport is an external collaborator behind the Replier
// interface; the only delivery guarantee assumed is that one user's
// messages arrive in send order.
package purchase

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/ezp2p/ezp2p/internal/metrics"
	"github.com/ezp2p/ezp2p/internal/paylink"
	"github.com/ezp2p/ezp2p/internal/pricing"
	"github.com/ezp2p/ezp2p/internal/syncutil"
	"github.com/ezp2p/ezp2p/internal/validate"
)

// Instructions is everything the transport needs to render a payment
// prompt: the text, the link to pay, and the link to come back and
// validate.
type Instructions struct {
	Text        string `json:"text"`
	PayURL      string `json:"payUrl"`
	ValidateURL string `json:"validateUrl"`
	Sats        int64  `json:"sats"`
	FiatMinor   int64  `json:"fiatMinor"`
}

// Replier renders conversation output back to one user. Implemented by
// the chat transport.
type Replier interface {
	SendText(ctx context.Context, userID, text string) error
	SendPayment(ctx context.Context, userID string, inst Instructions) error
}

// Config carries the conversation's tunable behavior.
type Config struct {
	BeginTrigger  string // exact text that starts a purchase
	MinAddressLen int
	Currency      string
	PublicBaseURL string // base for validate links
}

// Conversation is the per-user purchase state machine.
type Conversation struct {
	sessions  Store
	oracle    pricing.Oracle
	links     paylink.Builder
	validator *validate.Service
	cfg       Config
	logger    *slog.Logger
	locks     syncutil.ShardedMutex
}

// New creates a conversation manager.
func New(sessions Store, oracle pricing.Oracle, links paylink.Builder, validator *validate.Service, cfg Config, logger *slog.Logger) *Conversation {
	return &Conversation{
		sessions:  sessions,
		oracle:    oracle,
		links:     links,
		validator: validator,
		cfg:       cfg,
		logger:    logger,
	}
}

// OnEntry starts a fresh purchase for the user, discarding any prior
// address or amount.
func (c *Conversation) OnEntry(ctx context.Context, userID string, r Replier) error {
	unlock := c.locks.Lock(userID)
	defer unlock()

	c.sessions.Put(ctx, userID, &Session{State: StateNew})
	return r.SendText(ctx, userID,
		fmt.Sprintf("Welcome!\n\nSend %q to start purchasing Bitcoin.", c.cfg.BeginTrigger))
}

// OnEntryPayload handles an entry action carrying a deep-link payload.
// A payload longer than five characters is a payment identifier coming
// back from the payment page; anything shorter is treated as a plain
// entry.
func (c *Conversation) OnEntryPayload(ctx context.Context, userID, payload string, r Replier) error {
	if len(payload) <= 5 {
		return c.OnEntry(ctx, userID, r)
	}

	// Copy the session out under the lock; validation is a slow network
	// round-trip and must not hold up other conversation traffic. The
	// ledger serializes duplicate identifiers on its own.
	unlock := c.locks.Lock(userID)
	sess, ok := c.sessions.Get(ctx, userID)
	var address string
	var fiatMinor int64
	if ok {
		address = sess.Address
		fiatMinor = sess.FiatMinor
	}
	unlock()

	if !ok || address == "" || fiatMinor == 0 {
		return r.SendText(ctx, userID,
			"Could not link your transaction. Please start a new purchase.")
	}

	if err := r.SendText(ctx, userID, fmt.Sprintf(
		"Validating payment...\n\nAmount (%s): %s\nAddress: %s\nPayment ID: %s",
		c.cfg.Currency, formatFiat(fiatMinor), address, payload,
	)); err != nil {
		return err
	}

	result, err := c.validator.Validate(ctx, address, fiatMinor, payload)
	if err != nil {
		c.logger.Error("deep-link validation failed", "user_id", userID, "error", err)
		return r.SendText(ctx, userID, "Could not validate proof. Please try again shortly.")
	}

	if result.Success {
		return r.SendText(ctx, userID, "Validated payment!\n\n"+result.Message)
	}
	return r.SendText(ctx, userID, "Duplicate payment!\n\n"+result.Message)
}

// OnText routes one free-text message through the state machine. The
// per-user lock guards session reads and writes only; the amount step's
// rate fetch and link building run outside it.
func (c *Conversation) OnText(ctx context.Context, userID, text string, r Replier) error {
	text = strings.TrimSpace(text)

	unlock := c.locks.Lock(userID)
	sess, ok := c.sessions.Get(ctx, userID)
	if !ok {
		unlock()
		return r.SendText(ctx, userID, "Please start a new purchase to begin.")
	}

	switch sess.State {
	case StateNew:
		defer unlock()
		return c.handleBegin(ctx, userID, sess, text, r)
	case StateAddress:
		defer unlock()
		return c.handleAddress(ctx, userID, sess, text, r)
	case StateAmount:
		address := sess.Address
		unlock()
		return c.handleAmount(ctx, userID, address, text, r)
	default:
		unlock()
		return r.SendText(ctx, userID, "Please start a new purchase to begin.")
	}
}

// handleBegin only reacts to the exact begin trigger; other text while
// idle is ignored.
func (c *Conversation) handleBegin(ctx context.Context, userID string, sess *Session, text string, r Replier) error {
	if text != c.cfg.BeginTrigger {
		return nil
	}

	sess.State = StateAddress
	c.sessions.Put(ctx, userID, sess)
	return r.SendText(ctx, userID, "Step 1 of 2\n\nPlease enter your Arkade address:")
}

func (c *Conversation) handleAddress(ctx context.Context, userID string, sess *Session, text string, r Replier) error {
	if len(text) < c.cfg.MinAddressLen {
		return r.SendText(ctx, userID,
			"That doesn't look like a valid address.\n\nPlease enter a valid Arkade address:")
	}

	sess.State = StateAmount
	sess.Address = text
	c.sessions.Put(ctx, userID, sess)

	c.logger.Info("address collected", "user_id", userID)
	return r.SendText(ctx, userID,
		"Address saved!\n\nStep 2 of 2\n\nEnter the amount of sats you wish to purchase:\n\n(Example: 10,000)")
}

// handleAmount runs without the per-user lock held: the rate fetch and
// the payment link are network calls. It re-locks only to store the
// priced amount, skipping the write if the session moved on meanwhile.
func (c *Conversation) handleAmount(ctx context.Context, userID, address, text string, r Replier) error {
	sats, ok := parseSats(text)
	if !ok {
		return r.SendText(ctx, userID,
			"Invalid number format.\n\nPlease enter a valid amount of sats (e.g., 10,000):")
	}

	rate, err := c.oracle.CurrentRate(ctx, c.cfg.Currency)
	if err != nil {
		c.logger.Warn("rate fetch failed during purchase", "user_id", userID, "error", err)
		return r.SendText(ctx, userID,
			"Could not fetch the current exchange rate. Please try again in a moment.")
	}

	if minimum := pricing.MinimumSats(rate); sats < minimum {
		return r.SendText(ctx, userID, fmt.Sprintf(
			"Value too low.\n\nYou can't buy less than 1 %s minor unit (%d sats).",
			c.cfg.Currency, minimum))
	}
	fiatMinor := pricing.SatsToFiatMinor(sats, rate)

	unlock := c.locks.Lock(userID)
	if sess, ok := c.sessions.Get(ctx, userID); ok && sess.State == StateAmount && sess.Address == address {
		sess.FiatMinor = fiatMinor
		c.sessions.Put(ctx, userID, sess)
	}
	unlock()

	payURL, err := c.links.PaymentURL(ctx, fiatMinor)
	validateURL := paylink.ValidateURL(c.cfg.PublicBaseURL, fiatMinor, address)
	inst := Instructions{
		Text: fmt.Sprintf(
			"Purchase details confirmed!\n\nAmount (sats): %d\nAmount (%s): %s\n\nAddress: %s\n\nFollow the link below to pay.",
			sats, c.cfg.Currency, formatFiat(fiatMinor), address),
		PayURL:      payURL,
		ValidateURL: validateURL,
		Sats:        sats,
		FiatMinor:   fiatMinor,
	}
	if err != nil {
		// Degraded prompt: the purchase is still valid, the user just has
		// to be given the amount without a link.
		c.logger.Error("payment link failed", "user_id", userID, "error", err)
		inst.PayURL = ""
	}

	metrics.PurchaseRequestsTotal.Inc()
	c.logger.Info("purchase request rendered",
		"user_id", userID,
		"sats", sats,
		"fiat_minor", fiatMinor,
	)
	return r.SendPayment(ctx, userID, inst)
}

// parseSats reads a user-entered satoshi amount, tolerating thousands
// separators ("10,000"). Returns false for anything non-numeric or not
// positive.
func parseSats(text string) (int64, bool) {
	cleaned := strings.ReplaceAll(text, ",", "")
	f, err := strconv.ParseFloat(cleaned, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f <= 0 {
		return 0, false
	}
	return int64(math.Round(f)), true
}

func formatFiat(minor int64) string {
	return strconv.FormatFloat(float64(minor)/100, 'f', -1, 64)
}
