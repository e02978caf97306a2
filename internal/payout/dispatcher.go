// Package payout implements the Payout Dispatcher (spec §4.6): it resolves a
// winning roller's lightning-address, obtains a payout invoice, pays it
// through the Lightning node with bounded retry, and publishes a NIP-57
// zap-receipt documenting the payment. Retry is grounded on the teacher's
// cenkalti/backoff usage in internal/relay, and restart recovery mirrors
// services/otc-gateway/funding/processor.go's "verify before re-acting"
// idempotence pattern.
package payout

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"nostrdice/internal/lightning"
	"nostrdice/internal/nostrevt"
	"nostrdice/internal/relay"
	"nostrdice/internal/store"
	"nostrdice/observability/metrics"
)

// BetStore is the subset of the Bet Store the dispatcher mutates.
type BetStore interface {
	GetBet(ctx context.Context, paymentHash [32]byte) (*store.Bet, error)
	UpdateState(ctx context.Context, paymentHash [32]byte, next store.BetState, mutate func(*store.Bet)) (*store.Bet, error)
	RecordPayoutInvoice(ctx context.Context, paymentHash [32]byte, invoice string) (*store.Bet, error)
	ListBetsInState(ctx context.Context, state store.BetState) ([]*store.Bet, error)
}

// ProfileResolver turns a roller's pubkey into a lightning-address
// ("user@host"), spec §4.6 step 2's "reading the player's profile metadata
// from the event bus".
type ProfileResolver interface {
	ResolveLightningAddress(ctx context.Context, rollerPubkey [32]byte) (string, error)
}

// InvoiceResolver turns a lightning-address + amount into a payable BOLT-11
// invoice by following the well-known lnurlp convention (spec §6).
type InvoiceResolver interface {
	ResolveInvoice(ctx context.Context, address string, amountMsat uint64) (string, error)
}

// PaymentSender is the subset of the Lightning node the dispatcher uses to
// pay out and to verify a previous attempt before retrying (§4.6 step 6).
type PaymentSender interface {
	SendPaymentSync(ctx context.Context, invoice string, timeout time.Duration) (*lightning.PaymentResult, error)
	LookupPaymentByHash(ctx context.Context, paymentHash [32]byte) (*lightning.PaymentResult, bool, error)
	DecodeInvoice(ctx context.Context, invoice string) (amountMsat uint64, paymentHash [32]byte, err error)
}

// ReceiptPublisher publishes the NIP-57 zap-receipt event after a successful
// payout (spec §6).
type ReceiptPublisher interface {
	Publish(ctx context.Context, event nostrevt.Event, policy relay.PublishPolicy) error
}

// Signer signs an event id with the server's own Nostr identity, used to
// sign the zap-receipt event the dispatcher publishes.
type Signer func(eventID string) (sig string, err error)

// Config bounds the dispatcher's retry and timeout behavior (spec §4.6
// step 5: "the dispatcher may retry step 3 up to a bounded number of
// times on transient errors").
type Config struct {
	PayTimeout     time.Duration
	MaxPayAttempts uint64
	ServerPubkey   string
}

// Dispatcher implements spec §4.6.
type Dispatcher struct {
	bets     BetStore
	profiles ProfileResolver
	invoices InvoiceResolver
	node     PaymentSender
	receipts ReceiptPublisher
	sign     Signer
	cfg      Config
	logger   *slog.Logger
}

// New constructs a Dispatcher.
func New(bets BetStore, profiles ProfileResolver, invoices InvoiceResolver, node PaymentSender, receipts ReceiptPublisher, sign Signer, cfg Config, logger *slog.Logger) *Dispatcher {
	if cfg.PayTimeout <= 0 {
		cfg.PayTimeout = 30 * time.Second
	}
	if cfg.MaxPayAttempts == 0 {
		cfg.MaxPayAttempts = 5
	}
	return &Dispatcher{
		bets:     bets,
		profiles: profiles,
		invoices: invoices,
		node:     node,
		receipts: receipts,
		sign:     sign,
		cfg:      cfg,
		logger:   logger,
	}
}

// transientPayoutError wraps a retryable failure from step 3 (spec §4.6
// step 5); anything else, including every failure from step 2, is permanent.
type transientPayoutError struct{ err error }

func (e *transientPayoutError) Error() string { return e.err.Error() }
func (e *transientPayoutError) Unwrap() error { return e.err }

// Dispatch drives one RolledWon bet through to a terminal Paid or
// PayoutFailed state (spec §4.6). A bet already in PayoutFailed is left
// alone; only the operator-triggered RetryFailed re-enters that one.
func (d *Dispatcher) Dispatch(ctx context.Context, paymentHash [32]byte) error {
	bet, err := d.bets.GetBet(ctx, paymentHash)
	if err != nil {
		return fmt.Errorf("payout: get bet: %w", err)
	}

	switch bet.State {
	case store.StatePaid, store.StatePayoutFailed:
		// Terminal for automatic dispatch; invariant 4 of spec §3.
		return nil
	case store.StateRolledWon:
		bet, err = d.bets.UpdateState(ctx, paymentHash, store.StatePaying, nil)
		if err != nil {
			return fmt.Errorf("payout: transition to Paying: %w", err)
		}
	case store.StatePaying:
		// Resumed after a restart (§4.6 step 6); fall through to
		// idempotent completion/retry below.
	default:
		return fmt.Errorf("payout: bet in unexpected state %s for dispatch", bet.State)
	}

	return d.runPayment(ctx, paymentHash, bet)
}

// RetryFailed re-enqueues a bet an operator has inspected after an
// automatic dispatch gave up in PayoutFailed (spec §4.6 step 4's
// "operator intervention required"). It clears any stale payout invoice so
// the address and invoice are re-resolved from scratch.
func (d *Dispatcher) RetryFailed(ctx context.Context, paymentHash [32]byte) error {
	bet, err := d.bets.GetBet(ctx, paymentHash)
	if err != nil {
		return fmt.Errorf("payout: get bet: %w", err)
	}
	if bet.State != store.StatePayoutFailed {
		return fmt.Errorf("payout: bet is in state %s, not PayoutFailed", bet.State)
	}
	bet, err = d.bets.UpdateState(ctx, paymentHash, store.StatePaying, func(b *store.Bet) {
		b.PayoutInvoice = ""
	})
	if err != nil {
		return fmt.Errorf("payout: transition PayoutFailed to Paying: %w", err)
	}
	return d.runPayment(ctx, paymentHash, bet)
}

func (d *Dispatcher) runPayment(ctx context.Context, paymentHash [32]byte, bet *store.Bet) error {
	started := time.Now()
	if bet.PayoutInvoice != "" {
		if settled, result, err := d.alreadySettled(ctx, bet.PayoutInvoice); err == nil && settled {
			return d.finishPaid(ctx, paymentHash, result.Preimage, started)
		}
	} else {
		address, err := d.profiles.ResolveLightningAddress(ctx, bet.RollerPubkey)
		if err != nil {
			return d.failPermanently(ctx, paymentHash, "resolve_address", err)
		}
		invoice, err := d.invoices.ResolveInvoice(ctx, address, bet.PayoutMsat)
		if err != nil {
			return d.failPermanently(ctx, paymentHash, "resolve_invoice", err)
		}
		bet, err = d.bets.RecordPayoutInvoice(ctx, paymentHash, invoice)
		if err != nil {
			return fmt.Errorf("payout: record payout invoice: %w", err)
		}
	}

	result, err := d.payWithRetry(ctx, bet.PayoutInvoice)
	if err != nil {
		return d.failPermanently(ctx, paymentHash, "send_payment", err)
	}
	return d.finishPaid(ctx, paymentHash, result.Preimage, started)
}

// alreadySettled checks, via preimage lookup, whether a payout invoice from a
// prior attempt already succeeded, so a restart never pays the same invoice
// twice (spec §4.6 step 6).
func (d *Dispatcher) alreadySettled(ctx context.Context, invoice string) (bool, *lightning.PaymentResult, error) {
	_, payoutHash, err := d.node.DecodeInvoice(ctx, invoice)
	if err != nil {
		return false, nil, fmt.Errorf("decode payout invoice: %w", err)
	}
	result, found, err := d.node.LookupPaymentByHash(ctx, payoutHash)
	if err != nil {
		return false, nil, err
	}
	if !found || result == nil || !result.Settled {
		return false, nil, nil
	}
	return true, result, nil
}

func (d *Dispatcher) payWithRetry(ctx context.Context, invoice string) (*lightning.PaymentResult, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = 10 * time.Second
	bounded := backoff.WithMaxRetries(policy, d.cfg.MaxPayAttempts-1)
	bctx := backoff.WithContext(bounded, ctx)

	var result *lightning.PaymentResult
	op := func() error {
		r, err := d.node.SendPaymentSync(ctx, invoice, d.cfg.PayTimeout)
		if err != nil {
			return &transientPayoutError{err}
		}
		if !r.Settled {
			if isTransientReason(r.Reason) {
				return &transientPayoutError{fmt.Errorf("payout: %s", r.Reason)}
			}
			return backoff.Permanent(fmt.Errorf("payout: %s", r.Reason))
		}
		result = r
		return nil
	}
	if err := backoff.Retry(op, bctx); err != nil {
		var transient *transientPayoutError
		if errors.As(err, &transient) {
			return nil, transient.err
		}
		return nil, err
	}
	return result, nil
}

// isTransientReason reports whether a payment-node failure reason is one
// that may succeed on retry (spec §4.6 step 5: "route failure, temporary
// channel exhaustion"), as opposed to a permanent rejection.
func isTransientReason(reason string) bool {
	switch reason {
	case "no_route", "temporary_channel_failure", "temporary_failure", "insufficient_balance":
		return true
	default:
		return false
	}
}

func (d *Dispatcher) finishPaid(ctx context.Context, paymentHash [32]byte, preimage [32]byte, started time.Time) error {
	bet, err := d.bets.UpdateState(ctx, paymentHash, store.StatePaid, func(b *store.Bet) {
		b.PayoutPreimage = preimage
	})
	if err != nil {
		return fmt.Errorf("payout: transition to Paid: %w", err)
	}
	metrics.Registry().ObservePayoutLatency(time.Since(started).Seconds())
	d.publishReceipt(ctx, bet)
	return nil
}

func (d *Dispatcher) failPermanently(ctx context.Context, paymentHash [32]byte, reason string, cause error) error {
	if _, err := d.bets.UpdateState(ctx, paymentHash, store.StatePayoutFailed, nil); err != nil {
		if d.logger != nil {
			d.logger.Error("payout: failed to record PayoutFailed", slog.Any("error", err))
		}
	}
	metrics.Registry().RecordPayoutFailure(reason)
	if d.logger != nil {
		d.logger.Warn("payout: dispatch failed, operator intervention required",
			slog.String("payment_hash", hex.EncodeToString(paymentHash[:])),
			slog.String("reason", reason),
			slog.Any("error", cause))
	}
	return fmt.Errorf("payout: %s: %w", reason, cause)
}

// RecoverPaying re-enqueues every bet stuck in Paying at process start (spec
// §4.6 step 6), returning their payment hashes for the caller to feed back
// through Dispatch.
func (d *Dispatcher) RecoverPaying(ctx context.Context) ([][32]byte, error) {
	bets, err := d.bets.ListBetsInState(ctx, store.StatePaying)
	if err != nil {
		return nil, fmt.Errorf("payout: list bets in Paying: %w", err)
	}
	out := make([][32]byte, 0, len(bets))
	for _, b := range bets {
		out = append(out, b.PaymentHash)
	}
	return out, nil
}

func (d *Dispatcher) publishReceipt(ctx context.Context, bet *store.Bet) {
	if d.receipts == nil || d.sign == nil {
		return
	}
	event := nostrevt.Event{
		Pubkey:    d.cfg.ServerPubkey,
		CreatedAt: time.Now().Unix(),
		Kind:      nostrevt.KindZapReceipt,
		Tags: []nostrevt.Tag{
			{"p", hex.EncodeToString(bet.RollerPubkey[:])},
			{"bolt11", bet.PayoutInvoice},
			{"preimage", hex.EncodeToString(bet.PayoutPreimage[:])},
			{"description", string(bet.ZapRequestJSON)},
		},
		Content: "",
	}
	id, err := event.ComputeID()
	if err != nil {
		if d.logger != nil {
			d.logger.Error("payout: compute receipt event id", slog.Any("error", err))
		}
		return
	}
	event.ID = id
	sig, err := d.sign(id)
	if err != nil {
		if d.logger != nil {
			d.logger.Error("payout: sign receipt event", slog.Any("error", err))
		}
		return
	}
	event.Sig = sig
	if err := d.receipts.Publish(ctx, event, relay.DefaultPublishPolicy); err != nil && d.logger != nil {
		d.logger.Warn("payout: publish zap receipt failed", slog.Any("error", err))
	}
}
