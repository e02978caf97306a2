// Package rollengine implements the Roll & Settlement Engine (spec §4.5): it
// reacts to payment-settled notifications, looks up the bet and its round's
// nonce, computes the normative roll, and decides win or loss. The
// settle-notification handling loop is grounded on the teacher's
// services/otc-gateway/recon.Reconciler style of a single dispatch method
// driven by an external subscription, with every mutation funneled through
// the Bet Store's CAS-style UpdateState.
package rollengine

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"nostrdice/internal/lightning"
	"nostrdice/internal/registry"
	"nostrdice/internal/store"
	"nostrdice/observability/metrics"
)

// BetStore is the subset of the Bet Store this engine mutates.
type BetStore interface {
	GetBet(ctx context.Context, paymentHash [32]byte) (*store.Bet, error)
	UpdateState(ctx context.Context, paymentHash [32]byte, next store.BetState, mutate func(*store.Bet)) (*store.Bet, error)
}

// RoundStore resolves a round's nonce by its commit event id.
type RoundStore interface {
	GetRound(roundID string) (*store.NonceRound, error)
}

// MultiplierLookup is the subset of the Multiplier Registry this engine
// reads.
type MultiplierLookup interface {
	Lookup(noteID string) (registry.Multiplier, bool)
}

// PayoutEnqueuer hands a RolledWon bet off to the Payout Dispatcher (§4.6).
// It is synchronous from this engine's point of view: by the time it
// returns, the bet is either being dispatched (e.g. queued on a channel the
// dispatcher's worker drains) or the enqueue itself failed, in which case
// the bet remains durably RolledWon. The dispatcher's startup recovery
// rescans only Paying bets, so it does not re-enqueue such a bet.
type PayoutEnqueuer interface {
	Enqueue(ctx context.Context, paymentHash [32]byte) error
}

// Engine implements spec §4.5.
type Engine struct {
	bets    BetStore
	rounds  RoundStore
	reg     MultiplierLookup
	payouts PayoutEnqueuer
	dedupe  *dedupeCache
	logger  *slog.Logger
}

// New constructs an Engine.
func New(bets BetStore, rounds RoundStore, reg MultiplierLookup, payouts PayoutEnqueuer, logger *slog.Logger) *Engine {
	return &Engine{
		bets:    bets,
		rounds:  rounds,
		reg:     reg,
		payouts: payouts,
		dedupe:  newDedupeCache(4096),
		logger:  logger,
	}
}

// HandleSettle processes one payment-settled notification per spec §4.5.
// It is idempotent: a replayed notification for an already-terminal or
// already-rolled bet is a no-op (spec §8's idempotence law).
func (e *Engine) HandleSettle(ctx context.Context, note lightning.SettleNotification) error {
	if e.dedupe.seen(note.PaymentHash) {
		// Fast in-process de-duplication ahead of the durable check below;
		// purely a latency optimization, never the source of truth for
		// idempotence (that's the Bet Store's CAS transition).
		return nil
	}

	bet, err := e.bets.GetBet(ctx, note.PaymentHash)
	if errors.Is(err, store.ErrBetNotFound) {
		if e.logger != nil {
			e.logger.Warn("rollengine: settle notification for unknown payment hash", slog.String("payment_hash", hex.EncodeToString(note.PaymentHash[:])))
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("rollengine: get bet: %w", err)
	}

	if bet.State != store.StateAwaitingPayment {
		// Duplicate settle notification for a bet already past this point
		// (spec §4.5 "duplicate settle notifications must be idempotent").
		e.dedupe.mark(note.PaymentHash)
		if e.logger != nil {
			e.logger.Info("rollengine: dropping duplicate settle notification", slog.String("payment_hash", hex.EncodeToString(note.PaymentHash[:])), slog.String("state", string(bet.State)))
		}
		return nil
	}

	bet, err = e.bets.UpdateState(ctx, note.PaymentHash, store.StatePaidUnrolled, func(b *store.Bet) {
		b.PaymentPreimage = note.Preimage
	})
	if err != nil {
		return fmt.Errorf("rollengine: transition to PaidUnrolled: %w", err)
	}

	round, err := e.rounds.GetRound(bet.NonceCommitEvent)
	if errors.Is(err, store.ErrRoundNotFound) {
		// Protocol-integrity fault per spec §4.5/§7: the round that created
		// this bet's invoice must always have a persisted nonce (§4.1
		// guarantees PutNonce happens before any bet can reference the
		// round). This "should not occur"; record it and refuse to pay.
		if _, uErr := e.bets.UpdateState(ctx, note.PaymentHash, store.StateUnresolvedNonceExpired, nil); uErr != nil && e.logger != nil {
			e.logger.Error("rollengine: failed to record UnresolvedNonceExpired", slog.Any("error", uErr))
		}
		metrics.Registry().RecordBetSettled("unresolved")
		e.dedupe.mark(note.PaymentHash)
		return fmt.Errorf("rollengine: nonce unavailable for round %s (protocol integrity fault): %w", bet.NonceCommitEvent, err)
	}
	if err != nil {
		return fmt.Errorf("rollengine: get round: %w", err)
	}

	multiplier, ok := e.reg.Lookup(bet.MultiplierNoteID)
	if !ok {
		return fmt.Errorf("rollengine: unknown multiplier %q referenced by settled bet (programmer error)", bet.MultiplierNoteID)
	}

	roll := ComputeRoll(round.NonceBytes, bet.RollerPubkey, bet.Memo, bet.Index)
	won := roll < multiplier.Threshold

	if !won {
		if _, err := e.bets.UpdateState(ctx, note.PaymentHash, store.StateRolledLost, func(b *store.Bet) {
			b.Roll = roll
			b.RollComputed = true
		}); err != nil {
			return fmt.Errorf("rollengine: transition to RolledLost: %w", err)
		}
		metrics.Registry().RecordBetSettled("lost")
		e.dedupe.mark(note.PaymentHash)
		return nil
	}

	payoutMsat := registry.PayoutMsat(bet.AmountMsat, multiplier)
	if _, err := e.bets.UpdateState(ctx, note.PaymentHash, store.StateRolledWon, func(b *store.Bet) {
		b.Roll = roll
		b.RollComputed = true
		b.PayoutMsat = payoutMsat
	}); err != nil {
		return fmt.Errorf("rollengine: transition to RolledWon: %w", err)
	}
	metrics.Registry().RecordBetSettled("won")
	e.dedupe.mark(note.PaymentHash)

	if e.payouts != nil {
		if err := e.payouts.Enqueue(ctx, note.PaymentHash); err != nil {
			// The bet stays durably RolledWon. The dispatcher's startup
			// recovery rescans only Paying bets, so this bet is not
			// re-enqueued automatically.
			if e.logger != nil {
				e.logger.Error("rollengine: enqueue payout failed, bet remains RolledWon", slog.Any("error", err))
			}
		}
	}
	return nil
}

// ComputeRoll implements the normative roll formula of spec §4.5:
//
//	material = nonce_bytes ∥ roller_pubkey ∥ memo_bytes ∥ LE_u32(index)
//	digest = SHA-256(material)
//	roll = u16_from_big_endian(digest[0..2])
//
// This layout is normative: external verifiers (the Fraud-Proof Surface and
// any independent auditor) rely on it exactly as written.
func ComputeRoll(nonce [32]byte, rollerPubkey [32]byte, memo string, index uint32) uint16 {
	h := sha256.New()
	h.Write(nonce[:])
	h.Write(rollerPubkey[:])
	h.Write([]byte(memo))
	var idxBuf [4]byte
	binary.LittleEndian.PutUint32(idxBuf[:], index)
	h.Write(idxBuf[:])
	digest := h.Sum(nil)
	return binary.BigEndian.Uint16(digest[:2])
}
