package fraudproof

import (
	"context"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"nostrdice/internal/store"
)

type fakeBets struct {
	byHash map[[32]byte]*store.Bet
}

func (f *fakeBets) GetBet(ctx context.Context, paymentHash [32]byte) (*store.Bet, error) {
	bet, ok := f.byHash[paymentHash]
	if !ok {
		return nil, store.ErrBetNotFound
	}
	return bet, nil
}

func (f *fakeBets) ListAllBets(ctx context.Context) ([]*store.Bet, error) {
	out := make([]*store.Bet, 0, len(f.byHash))
	for _, b := range f.byHash {
		out = append(out, b)
	}
	return out, nil
}

type fakeRounds struct {
	byID map[string]*store.NonceRound
}

func (f *fakeRounds) GetRound(roundID string) (*store.NonceRound, error) {
	round, ok := f.byID[roundID]
	if !ok {
		return nil, store.ErrRoundNotFound
	}
	return round, nil
}

type fakeRetrier struct {
	calledWith [32]byte
	err        error
}

func (f *fakeRetrier) RetryFailed(ctx context.Context, paymentHash [32]byte) error {
	f.calledWith = paymentHash
	return f.err
}

func testBet(n byte) *store.Bet {
	var hash, pubkey [32]byte
	hash[0], pubkey[0] = n, n+100
	return &store.Bet{
		PaymentHash:      hash,
		RollerPubkey:     pubkey,
		MultiplierNoteID: "note1",
		NonceCommitEvent: "round-1",
		AmountMsat:       10000,
		State:            store.StateRolledWon,
		Roll:             100,
		RollComputed:     true,
	}
}

func signedToken(t *testing.T, secret []byte, issuer string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub": "operator",
		"iss": issuer,
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	require.NoError(t, err)
	return signed
}

func TestGetProofReturnsRevealedNonce(t *testing.T) {
	bet := testBet(1)
	round := &store.NonceRound{
		RoundID:       "round-1",
		CommitEventID: "round-1",
		NonceBytes:    [32]byte{9, 9, 9},
		Status:        store.RoundRevealed,
	}
	srv := New(Config{
		Bets:   &fakeBets{byHash: map[[32]byte]*store.Bet{bet.PaymentHash: bet}},
		Rounds: &fakeRounds{byID: map[string]*store.NonceRound{"round-1": round}},
	})

	req := httptest.NewRequest(http.MethodGet, "/bets/"+hex.EncodeToString(bet.PaymentHash[:])+"/proof", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), hex.EncodeToString(round.NonceBytes[:]))
	require.Contains(t, rec.Body.String(), "roller_npub")
}

func TestGetProofOmitsNonceBeforeReveal(t *testing.T) {
	bet := testBet(2)
	round := &store.NonceRound{RoundID: "round-1", CommitEventID: "round-1", Status: store.RoundActive}
	srv := New(Config{
		Bets:   &fakeBets{byHash: map[[32]byte]*store.Bet{bet.PaymentHash: bet}},
		Rounds: &fakeRounds{byID: map[string]*store.NonceRound{"round-1": round}},
	})

	req := httptest.NewRequest(http.MethodGet, "/bets/"+hex.EncodeToString(bet.PaymentHash[:])+"/proof", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotContains(t, rec.Body.String(), `"nonce":`)
}

func TestGetProofUnknownBetReturns404(t *testing.T) {
	srv := New(Config{Bets: &fakeBets{byHash: map[[32]byte]*store.Bet{}}, Rounds: &fakeRounds{byID: map[string]*store.NonceRound{}}})
	req := httptest.NewRequest(http.MethodGet, "/bets/"+hex.EncodeToString(make([]byte, 32))+"/proof", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListBetsReturnsEveryBet(t *testing.T) {
	bet := testBet(3)
	srv := New(Config{
		Bets:   &fakeBets{byHash: map[[32]byte]*store.Bet{bet.PaymentHash: bet}},
		Rounds: &fakeRounds{byID: map[string]*store.NonceRound{}},
	})
	req := httptest.NewRequest(http.MethodGet, "/bets", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), hex.EncodeToString(bet.PaymentHash[:]))
}

func TestRetryPayoutRejectsMissingBearerToken(t *testing.T) {
	retrier := &fakeRetrier{}
	srv := New(Config{
		Bets:      &fakeBets{byHash: map[[32]byte]*store.Bet{}},
		Rounds:    &fakeRounds{byID: map[string]*store.NonceRound{}},
		Payouts:   retrier,
		JWTSecret: []byte("topsecret"),
	})

	hash := hex.EncodeToString(make([]byte, 32))
	req := httptest.NewRequest(http.MethodPost, "/admin/bets/"+hash+"/retry-payout", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRetryPayoutAcceptsValidBearerToken(t *testing.T) {
	secret := []byte("topsecret")
	retrier := &fakeRetrier{}
	srv := New(Config{
		Bets:      &fakeBets{byHash: map[[32]byte]*store.Bet{}},
		Rounds:    &fakeRounds{byID: map[string]*store.NonceRound{}},
		Payouts:   retrier,
		JWTSecret: secret,
		JWTIssuer: "nostrdiced",
	})

	var hash [32]byte
	hash[0] = 7
	req := httptest.NewRequest(http.MethodPost, "/admin/bets/"+hex.EncodeToString(hash[:])+"/retry-payout", nil)
	req.Header.Set("Authorization", "Bearer "+signedToken(t, secret, "nostrdiced"))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, hash, retrier.calledWith)
}

func TestRetryPayoutSurfacesDispatcherError(t *testing.T) {
	secret := []byte("topsecret")
	retrier := &fakeRetrier{err: errConflict}
	srv := New(Config{
		Bets:      &fakeBets{byHash: map[[32]byte]*store.Bet{}},
		Rounds:    &fakeRounds{byID: map[string]*store.NonceRound{}},
		Payouts:   retrier,
		JWTSecret: secret,
	})

	hash := hex.EncodeToString(make([]byte, 32))
	req := httptest.NewRequest(http.MethodPost, "/admin/bets/"+hash+"/retry-payout", nil)
	req.Header.Set("Authorization", "Bearer "+signedToken(t, secret, ""))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusConflict, rec.Code)
}

var errConflict = conflictError{}

type conflictError struct{}

func (conflictError) Error() string { return "bet is not in PayoutFailed" }
