// Package zapingest implements the Zap Ingestor (spec §4.4): it watches
// inbound zap requests, rejects unknown multipliers or bad signatures,
// assigns a dense per-round bet index, requests a hold invoice, and persists
// the bet. The per-pubkey rate limiter is grounded on the teacher's
// gateway/middleware.RateLimiter (one token-bucket limiter per identity,
// built lazily and guarded by a mutex).
package zapingest

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"nostrdice/internal/lightning"
	"nostrdice/internal/nostrevt"
	"nostrdice/internal/registry"
	"nostrdice/internal/store"
	"nostrdice/observability/logging"
	"nostrdice/observability/metrics"
)

// ActiveRound is the slice of the active round the ingestor needs to stamp a
// new bet and build its invoice-description commitment.
type ActiveRound struct {
	CommitEventID string
	CommitmentHex string
}

// RoundLookup resolves the currently-active round. It is satisfied by an
// adapter over *store.NonceRoundStore, injected as an interface to keep this
// package free of a direct nonceround import cycle.
type RoundLookup interface {
	ActiveRound() (ActiveRound, error)
}

// BetPersister is the subset of the Bet Store used here. PeekNextIndex and
// NextIndexAndPut are called separately because the invoice description
// (§4.4 step 4) must be built, and the hold invoice requested, before the
// bet can be durably inserted — but the index has to be known first. If
// NextIndexAndPut reports ErrIndexConflict, the caller re-peeks, rebuilds
// the description, and requests a fresh invoice (§5: next_index and put_bet
// are serialized, not free-standing).
type BetPersister interface {
	PeekNextIndex(ctx context.Context, rollerPubkey [32]byte, nonceCommitEvent string) (uint32, error)
	NextIndexAndPut(ctx context.Context, bet *store.Bet, expectedIndex uint32) error
}

// InvoiceIssuer is the subset of the Lightning node used here.
type InvoiceIssuer interface {
	AddHoldInvoice(ctx context.Context, req lightning.HoldInvoiceRequest) (*lightning.HoldInvoice, error)
}

// VerifyFunc checks a BIP-340 signature; injected so this package stays free
// of elliptic-curve code (wraps internal/schnorrsig.Verify in production).
type VerifyFunc func(pubkeyHex, msgHex, sigHex string) (bool, error)

// RateLimitConfig bounds per-roller zap ingestion (spec §5 treats the
// ingestor as one of four cooperating tasks; an unbounded flood of zap
// requests from a single pubkey is not itself a spec'd fault but is an
// obvious denial-of-service surface this ingestor must not leave open).
type RateLimitConfig struct {
	PerSecond float64
	Burst     int
}

// maxIndexAssignmentRetries bounds the re-peek/rebuild/retry loop so a
// pathologically hot (roller, round) pair cannot spin the ingestor forever.
const maxIndexAssignmentRetries = 8

// Ingestor implements the §4.4 pipeline.
type Ingestor struct {
	registry  *registry.Registry
	rounds    RoundLookup
	bets      BetPersister
	node      InvoiceIssuer
	verify    VerifyFunc
	rateCfg   RateLimitConfig
	logger    *slog.Logger
	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
}

// New constructs an Ingestor. logger may be nil, in which case rejection and
// acceptance events are not logged.
func New(reg *registry.Registry, rounds RoundLookup, bets BetPersister, node InvoiceIssuer, verify VerifyFunc, rateCfg RateLimitConfig, logger *slog.Logger) *Ingestor {
	return &Ingestor{
		registry: reg,
		rounds:   rounds,
		bets:     bets,
		node:     node,
		verify:   verify,
		rateCfg:  rateCfg,
		logger:   logger,
		limiters: make(map[string]*rate.Limiter),
	}
}

// logReject emits a masked-memo warning for a rejected zap request. memo is
// only known once nostrevt.ParseZapRequest has succeeded; callers pass "" for
// earlier rejections (e.g. malformed events, rate limiting).
func (ing *Ingestor) logReject(reason RejectionReason, pubkey, memo, detail string) {
	if ing.logger == nil {
		return
	}
	ing.logger.Warn("zap request rejected",
		slog.String("reason", string(reason)),
		slog.String("pubkey", pubkey),
		logging.MaskField("memo", memo),
		slog.String("detail", detail),
	)
}

// RejectionReason enumerates the independently-testable rejection causes
// spec §4.4 step 1-2 distinguishes.
type RejectionReason string

const (
	RejectUnknownMultiplier RejectionReason = "unknown_multiplier"
	RejectBadSignature      RejectionReason = "bad_signature"
	RejectMalformedEvent    RejectionReason = "malformed_event"
	RejectRateLimited       RejectionReason = "rate_limited"
)

// RejectionError is returned for any spec §4.4 step 1-2 rejection; no bet is
// created and no invoice is requested in this case.
type RejectionError struct {
	Reason RejectionReason
	Detail string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("zapingest: rejected (%s): %s", e.Reason, e.Detail)
}

// Ingest processes a raw kind-9734 event per spec §4.4 and returns the
// invoice to hand back to the zap provider.
func (ing *Ingestor) Ingest(ctx context.Context, raw nostrevt.Event) (invoice string, err error) {
	if !ing.allow(raw.Pubkey) {
		ing.logReject(RejectRateLimited, raw.Pubkey, "", raw.Pubkey)
		return "", &RejectionError{Reason: RejectRateLimited, Detail: raw.Pubkey}
	}

	zr, err := nostrevt.ParseZapRequest(raw)
	if err != nil {
		ing.logReject(RejectMalformedEvent, raw.Pubkey, "", err.Error())
		return "", &RejectionError{Reason: RejectMalformedEvent, Detail: err.Error()}
	}

	multiplier, ok := ing.registry.Lookup(zr.TippedNote)
	if !ok {
		ing.logReject(RejectUnknownMultiplier, raw.Pubkey, zr.Memo, zr.TippedNote)
		return "", &RejectionError{Reason: RejectUnknownMultiplier, Detail: zr.TippedNote}
	}

	if err := raw.Verify(ing.verify); err != nil {
		ing.logReject(RejectBadSignature, raw.Pubkey, zr.Memo, err.Error())
		return "", &RejectionError{Reason: RejectBadSignature, Detail: err.Error()}
	}

	rollerPubkey, err := nostrevt.DecodeHexID(raw.Pubkey)
	if err != nil {
		ing.logReject(RejectMalformedEvent, raw.Pubkey, zr.Memo, "pubkey: "+err.Error())
		return "", &RejectionError{Reason: RejectMalformedEvent, Detail: "pubkey: " + err.Error()}
	}

	zapJSON, err := json.Marshal(raw)
	if err != nil {
		return "", fmt.Errorf("zapingest: marshal zap request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < maxIndexAssignmentRetries; attempt++ {
		active, err := ing.rounds.ActiveRound()
		if err != nil {
			return "", fmt.Errorf("zapingest: resolve active round: %w", err)
		}

		expectedIndex, err := ing.bets.PeekNextIndex(ctx, rollerPubkey, active.CommitEventID)
		if err != nil {
			return "", fmt.Errorf("zapingest: peek next index: %w", err)
		}

		description, err := describeInvoice(active, multiplier.NoteID, rollerPubkey, zr.Memo, expectedIndex)
		if err != nil {
			return "", fmt.Errorf("zapingest: build description: %w", err)
		}

		hold, err := ing.node.AddHoldInvoice(ctx, lightning.HoldInvoiceRequest{
			AmountMsat:  zr.AmountMsat,
			Description: description,
		})
		if err != nil {
			return "", fmt.Errorf("zapingest: request hold invoice: %w", err)
		}

		bet := &store.Bet{
			PaymentHash:      hold.PaymentHash,
			RollerPubkey:     rollerPubkey,
			Invoice:          hold.Invoice,
			ZapRequestJSON:   zapJSON,
			MultiplierNoteID: multiplier.NoteID,
			NonceCommitEvent: active.CommitEventID,
			Memo:             zr.Memo,
			AmountMsat:       zr.AmountMsat,
			State:            store.StateAwaitingPayment,
			CreatedAt:        time.Now().UTC(),
			UpdatedAt:        time.Now().UTC(),
		}

		err = ing.bets.NextIndexAndPut(ctx, bet, expectedIndex)
		if err == nil {
			metrics.Registry().RecordBetCreated(multiplier.NoteID)
			if ing.logger != nil {
				ing.logger.Info("bet accepted",
					slog.String("payment_hash", hex.EncodeToString(hold.PaymentHash[:])),
					slog.String("multiplier_note_id", multiplier.NoteID),
					logging.MaskField("memo", zr.Memo),
				)
			}
			return hold.Invoice, nil
		}
		if errors.Is(err, store.ErrIndexConflict) {
			// Another bet for this (roller, round) pair raced ahead; the
			// invoice we just requested commits to a now-stale index and is
			// abandoned (the roller simply never pays it). Re-peek, rebuild,
			// and retry with a fresh invoice (§5).
			lastErr = err
			continue
		}
		return "", fmt.Errorf("zapingest: persist bet: %w", err)
	}
	return "", fmt.Errorf("zapingest: exhausted index-assignment retries: %w", lastErr)
}

// describeInvoice implements the deterministic serialization fixed in
// SPEC_FULL.md §3 for spec §4.4 step 4:
//
//	sha256( "nostrdice/v1" || commitment_bytes || commit_event_id ||
//	    multiplier_note_id || roller_pubkey || sha256(memo) || LE_u32(index) )
//
// hex-encoded, so an external verifier holding only the Fraud-Proof tuple
// can reconstruct the exact BOLT-11 description.
func describeInvoice(active ActiveRound, multiplierNoteID string, rollerPubkey [32]byte, memo string, index uint32) (string, error) {
	commitmentBytes, err := hex.DecodeString(active.CommitmentHex)
	if err != nil {
		return "", fmt.Errorf("decode commitment hex: %w", err)
	}
	memoDigest := sha256.Sum256([]byte(memo))

	h := sha256.New()
	h.Write([]byte("nostrdice/v1"))
	h.Write(commitmentBytes)
	h.Write([]byte(active.CommitEventID))
	h.Write([]byte(multiplierNoteID))
	h.Write(rollerPubkey[:])
	h.Write(memoDigest[:])
	var idxBuf [4]byte
	binary.LittleEndian.PutUint32(idxBuf[:], index)
	h.Write(idxBuf[:])
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (ing *Ingestor) allow(pubkey string) bool {
	if ing.rateCfg.PerSecond <= 0 {
		return true
	}
	ing.limiterMu.Lock()
	limiter, ok := ing.limiters[pubkey]
	if !ok {
		burst := ing.rateCfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(ing.rateCfg.PerSecond), burst)
		ing.limiters[pubkey] = limiter
	}
	ing.limiterMu.Unlock()
	return limiter.Allow()
}
