// Package fraudproof implements the Fraud-Proof Surface (spec §4.7): a
// read-only HTTP API exposing the full commit-reveal tuple for every bet so
// any roller or third party can independently recompute a roll, plus a
// single JWT-protected operator endpoint to retry a stuck payout. The router
// layout is grounded on the teacher's services/otc-gateway/server/server.go
// (chi + chimw middleware stack, route groups, writeJSON helper).
package fraudproof

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"nostrdice/internal/nostrevt"
	"nostrdice/internal/store"
	"nostrdice/observability/logging"
)

// BetReader is the subset of the Bet Store this surface reads.
type BetReader interface {
	GetBet(ctx context.Context, paymentHash [32]byte) (*store.Bet, error)
	ListAllBets(ctx context.Context) ([]*store.Bet, error)
}

// RoundReader resolves a round's revealed nonce for proof assembly.
type RoundReader interface {
	GetRound(roundID string) (*store.NonceRound, error)
}

// PayoutRetrier is the operator action invoked by the retry-payout endpoint.
type PayoutRetrier interface {
	RetryFailed(ctx context.Context, paymentHash [32]byte) error
}

// Config configures the server.
type Config struct {
	Bets       BetReader
	Rounds     RoundReader
	Payouts    PayoutRetrier
	JWTSecret  []byte
	JWTIssuer  string
	Logger     *slog.Logger
}

// Server implements spec §4.7.
type Server struct {
	bets    BetReader
	rounds  RoundReader
	payouts PayoutRetrier
	auth    *bearerAuthenticator
	router  http.Handler
	logger  *slog.Logger
}

// New constructs a configured HTTP router.
func New(cfg Config) *Server {
	s := &Server{
		bets:    cfg.Bets,
		rounds:  cfg.Rounds,
		payouts: cfg.Payouts,
		auth:    newBearerAuthenticator(cfg.JWTSecret, cfg.JWTIssuer),
		logger:  cfg.Logger,
	}
	s.router = s.buildRouter()
	return s
}

// logAccess emits a masked-memo access log line for a fraud-proof lookup;
// memo is the only field this surface exposes that must not appear in
// cleartext in process logs (it is still returned, unmasked, in the response
// body itself, which is the surface's whole point).
func (s *Server) logAccess(route, paymentHash, memo string) {
	if s.logger == nil {
		return
	}
	s.logger.Info("fraudproof: proof accessed",
		slog.String("route", route),
		slog.String("payment_hash", paymentHash),
		logging.MaskField("memo", memo),
	)
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	r.Get("/bets/{payment_hash}/proof", s.GetProof)
	r.Get("/bets", s.ListBets)
	r.Get("/export/bets.parquet", s.ExportParquet)

	r.Route("/admin", func(admin chi.Router) {
		admin.Use(s.auth.Middleware)
		admin.Post("/bets/{payment_hash}/retry-payout", s.RetryPayout)
	})

	return r
}

// proofResponse is the public fraud-proof tuple for one bet: everything an
// external verifier needs to recompute the roll and confirm the outcome
// (spec §4.7, §8's "Concrete scenario" verification steps).
type proofResponse struct {
	PaymentHash      string `json:"payment_hash"`
	RollerPubkey     string `json:"roller_pubkey"`
	RollerNpub       string `json:"roller_npub,omitempty"`
	NonceCommitEvent string `json:"nonce_commit_event"`
	Nonce            string `json:"nonce,omitempty"`
	Memo             string `json:"memo"`
	Index            uint32 `json:"index"`
	MultiplierNoteID string `json:"multiplier_note_id"`
	AmountMsat       uint64 `json:"amount_msat"`
	State            string `json:"state"`
	Roll             uint16 `json:"roll,omitempty"`
	RollComputed     bool   `json:"roll_computed"`
	PayoutMsat       uint64 `json:"payout_msat,omitempty"`
	PaidInvoice      string `json:"paid_invoice,omitempty"`
	PaymentPreimage  string `json:"payment_preimage,omitempty"`
	PayoutInvoice    string `json:"payout_invoice,omitempty"`
	PayoutPreimage   string `json:"payout_preimage,omitempty"`
}

// GetProof returns the fraud-proof tuple for a single bet, including the
// round's revealed nonce when available so the roll is independently
// recomputable (spec §4.7).
func (s *Server) GetProof(w http.ResponseWriter, r *http.Request) {
	hash, err := decodePaymentHash(chi.URLParam(r, "payment_hash"))
	if err != nil {
		http.Error(w, "invalid payment_hash", http.StatusBadRequest)
		return
	}
	bet, err := s.bets.GetBet(r.Context(), hash)
	if errors.Is(err, store.ErrBetNotFound) {
		http.Error(w, "bet not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "failed to load bet", http.StatusInternalServerError)
		return
	}
	resp := s.proofFor(bet)
	s.logAccess("GetProof", resp.PaymentHash, bet.Memo)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) proofFor(bet *store.Bet) proofResponse {
	resp := proofResponse{
		PaymentHash:      hex.EncodeToString(bet.PaymentHash[:]),
		RollerPubkey:     hex.EncodeToString(bet.RollerPubkey[:]),
		NonceCommitEvent: bet.NonceCommitEvent,
		Memo:             bet.Memo,
		Index:            bet.Index,
		MultiplierNoteID: bet.MultiplierNoteID,
		AmountMsat:       bet.AmountMsat,
		State:            string(bet.State),
		Roll:             bet.Roll,
		RollComputed:     bet.RollComputed,
		PayoutMsat:       bet.PayoutMsat,
		PaidInvoice:      bet.Invoice,
		PayoutInvoice:    bet.PayoutInvoice,
	}
	var zeroHash [32]byte
	if bet.PaymentPreimage != zeroHash {
		resp.PaymentPreimage = hex.EncodeToString(bet.PaymentPreimage[:])
	}
	if bet.PayoutPreimage != zeroHash {
		resp.PayoutPreimage = hex.EncodeToString(bet.PayoutPreimage[:])
	}
	if npub, err := npubFor(resp.RollerPubkey); err == nil {
		resp.RollerNpub = npub
	}
	if s.rounds != nil {
		if round, err := s.rounds.GetRound(bet.NonceCommitEvent); err == nil && round.Status == store.RoundRevealed {
			resp.Nonce = hex.EncodeToString(round.NonceBytes[:])
		}
	}
	return resp
}

// ListBets returns the fraud-proof tuple for every bet. It is the JSON
// sibling of ExportParquet, useful for smaller audits and scripting (spec
// §4.7's "public, queryable").
func (s *Server) ListBets(w http.ResponseWriter, r *http.Request) {
	bets, err := s.bets.ListAllBets(r.Context())
	if err != nil {
		http.Error(w, "failed to list bets", http.StatusInternalServerError)
		return
	}
	out := make([]proofResponse, 0, len(bets))
	for _, bet := range bets {
		out = append(out, s.proofFor(bet))
	}
	s.logAccess("ListBets", "", "")
	writeJSON(w, http.StatusOK, out)
}

// RetryPayout re-enqueues a bet stuck in PayoutFailed (spec §4.6 step 4).
// It requires a valid bearer token per the admin route's middleware.
func (s *Server) RetryPayout(w http.ResponseWriter, r *http.Request) {
	hash, err := decodePaymentHash(chi.URLParam(r, "payment_hash"))
	if err != nil {
		http.Error(w, "invalid payment_hash", http.StatusBadRequest)
		return
	}
	if err := s.payouts.RetryFailed(r.Context(), hash); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "retrying"})
}

func decodePaymentHash(s string) ([32]byte, error) {
	var out [32]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, err
	}
	if len(b) != 32 {
		return out, errInvalidHashLength
	}
	copy(out[:], b)
	return out, nil
}

var errInvalidHashLength = &hashLengthError{}

type hashLengthError struct{}

func (*hashLengthError) Error() string { return "payment hash must be 32 bytes" }

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// npubFor renders a roller pubkey as a bech32 npub for human-facing output,
// using the nostrevt NIP-19 codec.
func npubFor(pubkeyHex string) (string, error) {
	raw, err := hex.DecodeString(pubkeyHex)
	if err != nil {
		return "", err
	}
	var pk [32]byte
	copy(pk[:], raw)
	return nostrevt.EncodeNpub(pk)
}
