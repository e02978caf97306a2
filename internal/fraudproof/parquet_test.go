package fraudproof

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"nostrdice/internal/store"
)

func TestExportParquetStreamsNonEmptyFile(t *testing.T) {
	bet := testBet(9)
	srv := New(Config{
		Bets:   &fakeBets{byHash: map[[32]byte]*store.Bet{bet.PaymentHash: bet}},
		Rounds: &fakeRounds{byID: map[string]*store.NonceRound{}},
	})

	req := httptest.NewRequest(http.MethodGet, "/export/bets.parquet", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/octet-stream", rec.Header().Get("Content-Type"))
	require.NotEmpty(t, rec.Body.Bytes())
	require.Equal(t, parquetMagic, string(rec.Body.Bytes()[:4]))
}

func TestExportParquetWithNoBetsStillProducesValidFile(t *testing.T) {
	srv := New(Config{
		Bets:   &fakeBets{byHash: map[[32]byte]*store.Bet{}},
		Rounds: &fakeRounds{byID: map[string]*store.NonceRound{}},
	})
	req := httptest.NewRequest(http.MethodGet, "/export/bets.parquet", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, parquetMagic, string(rec.Body.Bytes()[:4]))
}
