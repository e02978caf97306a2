package rollengine

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"nostrdice/internal/lightning"
	"nostrdice/internal/registry"
	"nostrdice/internal/store"
)

func openTestBetStore(t *testing.T) *store.BetStore {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	betStore, err := store.NewBetStore(db)
	require.NoError(t, err)
	return betStore
}

type fakeRoundStore struct {
	rounds map[string]*store.NonceRound
}

func (f *fakeRoundStore) GetRound(roundID string) (*store.NonceRound, error) {
	r, ok := f.rounds[roundID]
	if !ok {
		return nil, store.ErrRoundNotFound
	}
	return r, nil
}

type fakePayouts struct {
	enqueued [][32]byte
}

func (f *fakePayouts) Enqueue(ctx context.Context, paymentHash [32]byte) error {
	f.enqueued = append(f.enqueued, paymentHash)
	return nil
}

func mustRegistry(t *testing.T, factorLiteral, noteID string) *registry.Registry {
	t.Helper()
	path := t.TempDir() + "/multipliers.txt"
	require.NoError(t, os.WriteFile(path, []byte(factorLiteral+":"+noteID+"\n"), 0o600))
	reg, err := registry.Load(path)
	require.NoError(t, err)
	return reg
}

func TestHandleSettleHappyWin(t *testing.T) {
	bets := openTestBetStore(t)
	reg := mustRegistry(t, "x1_05", "note_x")
	payouts := &fakePayouts{}

	var nonce [32]byte // all-zero nonce per spec §8 scenario 1
	round := &store.NonceRound{RoundID: "round-1", NonceBytes: nonce, CommitEventID: "round-1"}
	rounds := &fakeRoundStore{rounds: map[string]*store.NonceRound{"round-1": round}}

	var roller [32]byte
	for i := range roller {
		roller[i] = 0x02
	}
	var paymentHash [32]byte
	paymentHash[0] = 1

	bet := &store.Bet{
		PaymentHash:      paymentHash,
		RollerPubkey:     roller,
		Invoice:          "lnbc1",
		MultiplierNoteID: "note_x",
		NonceCommitEvent: "round-1",
		Memo:             "foo",
		AmountMsat:       50000,
		State:            store.StateAwaitingPayment,
		CreatedAt:        time.Now().UTC(),
		UpdatedAt:        time.Now().UTC(),
	}
	require.NoError(t, bets.NextIndexAndPut(context.Background(), bet, 0))

	engine := New(bets, rounds, reg, payouts, nil)
	err := engine.HandleSettle(context.Background(), lightning.SettleNotification{PaymentHash: paymentHash, AmountMsat: 50000})
	require.NoError(t, err)

	got, err := bets.GetBet(context.Background(), paymentHash)
	require.NoError(t, err)

	expectedRoll := ComputeRoll(nonce, roller, "foo", 0)
	require.Equal(t, expectedRoll, got.Roll)
	if expectedRoll < 62531 {
		require.Equal(t, store.StateRolledWon, got.State)
		require.Equal(t, uint64(52500), got.PayoutMsat)
		require.Len(t, payouts.enqueued, 1)
	} else {
		require.Equal(t, store.StateRolledLost, got.State)
		require.Len(t, payouts.enqueued, 0)
	}
}

func TestHandleSettleDeterministicLoss(t *testing.T) {
	bets := openTestBetStore(t)
	reg := mustRegistry(t, "x1000_00", "note_x") // x1000, threshold 64
	payouts := &fakePayouts{}

	var nonce [32]byte
	round := &store.NonceRound{RoundID: "round-1", NonceBytes: nonce, CommitEventID: "round-1"}
	rounds := &fakeRoundStore{rounds: map[string]*store.NonceRound{"round-1": round}}

	var roller [32]byte
	for i := range roller {
		roller[i] = 0x02
	}
	var paymentHash [32]byte
	paymentHash[0] = 9

	bet := &store.Bet{
		PaymentHash:      paymentHash,
		RollerPubkey:     roller,
		MultiplierNoteID: "note_x",
		NonceCommitEvent: "round-1",
		Memo:             "foo",
		AmountMsat:       50000,
		State:            store.StateAwaitingPayment,
		CreatedAt:        time.Now().UTC(),
		UpdatedAt:        time.Now().UTC(),
	}
	require.NoError(t, bets.NextIndexAndPut(context.Background(), bet, 0))

	engine := New(bets, rounds, reg, payouts, nil)
	require.NoError(t, engine.HandleSettle(context.Background(), lightning.SettleNotification{PaymentHash: paymentHash}))

	got, err := bets.GetBet(context.Background(), paymentHash)
	require.NoError(t, err)
	require.Equal(t, store.StateRolledLost, got.State)
	require.Len(t, payouts.enqueued, 0)
}

func TestHandleSettleIsIdempotent(t *testing.T) {
	bets := openTestBetStore(t)
	reg := mustRegistry(t, "x1_01", "note_x") // threshold 65535: always wins
	payouts := &fakePayouts{}

	var nonce [32]byte
	round := &store.NonceRound{RoundID: "round-1", NonceBytes: nonce, CommitEventID: "round-1"}
	rounds := &fakeRoundStore{rounds: map[string]*store.NonceRound{"round-1": round}}

	var paymentHash [32]byte
	paymentHash[0] = 7
	bet := &store.Bet{
		PaymentHash:      paymentHash,
		MultiplierNoteID: "note_x",
		NonceCommitEvent: "round-1",
		AmountMsat:       1000,
		State:            store.StateAwaitingPayment,
		CreatedAt:        time.Now().UTC(),
		UpdatedAt:        time.Now().UTC(),
	}
	require.NoError(t, bets.NextIndexAndPut(context.Background(), bet, 0))

	engine := New(bets, rounds, reg, payouts, nil)
	note := lightning.SettleNotification{PaymentHash: paymentHash}
	require.NoError(t, engine.HandleSettle(context.Background(), note))
	require.NoError(t, engine.HandleSettle(context.Background(), note))
	require.Len(t, payouts.enqueued, 1, "replaying a settle notification must not enqueue a second payout")
}

func TestHandleSettleUnknownPaymentHashIsDropped(t *testing.T) {
	bets := openTestBetStore(t)
	reg := mustRegistry(t, "x1_05", "note_x")
	rounds := &fakeRoundStore{rounds: map[string]*store.NonceRound{}}
	engine := New(bets, rounds, reg, &fakePayouts{}, nil)

	var paymentHash [32]byte
	paymentHash[0] = 42
	require.NoError(t, engine.HandleSettle(context.Background(), lightning.SettleNotification{PaymentHash: paymentHash}))
}
