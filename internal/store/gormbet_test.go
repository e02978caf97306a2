package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *BetStore {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	bets, err := NewBetStore(db)
	require.NoError(t, err)
	return bets
}

func freshBet(hash [32]byte) *Bet {
	return &Bet{
		PaymentHash:      hash,
		MultiplierNoteID: "note_x2",
		NonceCommitEvent: "round-1",
		AmountMsat:       10000,
		State:            StateAwaitingPayment,
		CreatedAt:        time.Now().UTC(),
		UpdatedAt:        time.Now().UTC(),
	}
}

func TestPeekNextIndexCountsOnlySameRound(t *testing.T) {
	bets := openTestDB(t)
	ctx := context.Background()

	var h1, h2 [32]byte
	h1[0], h2[0] = 1, 2

	idx, err := bets.PeekNextIndex(ctx, h1, "round-1")
	require.NoError(t, err)
	require.Equal(t, uint32(0), idx)

	b1 := freshBet(h1)
	require.NoError(t, bets.NextIndexAndPut(ctx, b1, 0))
	require.Equal(t, uint32(0), b1.Index)

	idx, err = bets.PeekNextIndex(ctx, h2, "round-1")
	require.NoError(t, err)
	require.Equal(t, uint32(1), idx)

	idx, err = bets.PeekNextIndex(ctx, h2, "round-2")
	require.NoError(t, err)
	require.Equal(t, uint32(0), idx, "a different round starts its own index sequence")
}

func TestNextIndexAndPutDetectsConflict(t *testing.T) {
	bets := openTestDB(t)
	ctx := context.Background()

	var h1, h2 [32]byte
	h1[0], h2[0] = 1, 2

	require.NoError(t, bets.NextIndexAndPut(ctx, freshBet(h1), 0))

	// h2 peeked index 0 before h1 was inserted, but h1 raced ahead.
	b2 := freshBet(h2)
	err := bets.NextIndexAndPut(ctx, b2, 0)
	require.ErrorIs(t, err, ErrIndexConflict)

	// Re-peek and retry with the correct expected index succeeds.
	idx, err := bets.PeekNextIndex(ctx, h2, "round-1")
	require.NoError(t, err)
	require.Equal(t, uint32(1), idx)
	require.NoError(t, bets.NextIndexAndPut(ctx, b2, idx))
	require.Equal(t, uint32(1), b2.Index)
}

func TestNextIndexAndPutRejectsDuplicatePaymentHash(t *testing.T) {
	bets := openTestDB(t)
	ctx := context.Background()
	var h [32]byte
	h[0] = 9

	require.NoError(t, bets.NextIndexAndPut(ctx, freshBet(h), 0))
	idx, err := bets.PeekNextIndex(ctx, h, "round-1")
	require.NoError(t, err)
	err = bets.NextIndexAndPut(ctx, freshBet(h), idx)
	require.Error(t, err)
}

func TestUpdateStateValidTransitions(t *testing.T) {
	bets := openTestDB(t)
	ctx := context.Background()
	var h [32]byte
	h[0] = 1
	require.NoError(t, bets.NextIndexAndPut(ctx, freshBet(h), 0))

	bet, err := bets.UpdateState(ctx, h, StatePaidUnrolled, nil)
	require.NoError(t, err)
	require.Equal(t, StatePaidUnrolled, bet.State)

	bet, err = bets.UpdateState(ctx, h, StateRolledWon, func(b *Bet) {
		b.Roll = 77
		b.RollComputed = true
		b.PayoutMsat = 20000
	})
	require.NoError(t, err)
	require.Equal(t, StateRolledWon, bet.State)
	require.Equal(t, uint16(77), bet.Roll)
	require.Equal(t, uint64(20000), bet.PayoutMsat)

	bet, err = bets.UpdateState(ctx, h, StatePaying, nil)
	require.NoError(t, err)
	require.Equal(t, StatePaying, bet.State)

	bet, err = bets.UpdateState(ctx, h, StatePayoutFailed, nil)
	require.NoError(t, err)
	require.Equal(t, StatePayoutFailed, bet.State)

	// Operator retry: PayoutFailed -> Paying re-enters the automatic
	// dispatch path exactly as a fresh RolledWon dispatch would.
	bet, err = bets.UpdateState(ctx, h, StatePaying, nil)
	require.NoError(t, err)
	require.Equal(t, StatePaying, bet.State)
}

func TestUpdateStateRejectsInvalidTransition(t *testing.T) {
	bets := openTestDB(t)
	ctx := context.Background()
	var h [32]byte
	h[0] = 1
	require.NoError(t, bets.NextIndexAndPut(ctx, freshBet(h), 0))

	_, err := bets.UpdateState(ctx, h, StateRolledWon, nil)
	require.Error(t, err)
	var transitionErr *TransitionError
	require.ErrorAs(t, err, &transitionErr)
	require.Equal(t, StateAwaitingPayment, transitionErr.From)
	require.Equal(t, StateRolledWon, transitionErr.To)

	bet, err := bets.GetBet(ctx, h)
	require.NoError(t, err)
	require.Equal(t, StateAwaitingPayment, bet.State, "a rejected transition must not mutate the row")
}

func TestUpdateStateToSameStateIsNoop(t *testing.T) {
	bets := openTestDB(t)
	ctx := context.Background()
	var h [32]byte
	h[0] = 1
	require.NoError(t, bets.NextIndexAndPut(ctx, freshBet(h), 0))

	bet, err := bets.UpdateState(ctx, h, StateAwaitingPayment, func(b *Bet) {
		b.Memo = "should not apply"
	})
	require.NoError(t, err)
	require.Equal(t, StateAwaitingPayment, bet.State)
	require.Empty(t, bet.Memo, "a same-state replay must not run the mutate callback")
}

func TestUpdateStateUnknownBetReturnsNotFound(t *testing.T) {
	bets := openTestDB(t)
	var h [32]byte
	h[0] = 0xff
	_, err := bets.UpdateState(context.Background(), h, StatePaidUnrolled, nil)
	require.ErrorIs(t, err, ErrBetNotFound)
}

func TestListBetsInState(t *testing.T) {
	bets := openTestDB(t)
	ctx := context.Background()
	var h1, h2, h3 [32]byte
	h1[0], h2[0], h3[0] = 1, 2, 3

	require.NoError(t, bets.NextIndexAndPut(ctx, freshBet(h1), 0))
	require.NoError(t, bets.NextIndexAndPut(ctx, freshBet(h2), 1))
	require.NoError(t, bets.NextIndexAndPut(ctx, freshBet(h3), 2))

	_, err := bets.UpdateState(ctx, h2, StatePaidUnrolled, nil)
	require.NoError(t, err)

	awaiting, err := bets.ListBetsInState(ctx, StateAwaitingPayment)
	require.NoError(t, err)
	require.Len(t, awaiting, 2)

	paid, err := bets.ListBetsInState(ctx, StatePaidUnrolled)
	require.NoError(t, err)
	require.Len(t, paid, 1)
	require.Equal(t, h2, paid[0].PaymentHash)
}

func TestListAllBetsReturnsEveryBet(t *testing.T) {
	bets := openTestDB(t)
	ctx := context.Background()
	var h1, h2 [32]byte
	h1[0], h2[0] = 1, 2
	require.NoError(t, bets.NextIndexAndPut(ctx, freshBet(h1), 0))
	require.NoError(t, bets.NextIndexAndPut(ctx, freshBet(h2), 1))

	all, err := bets.ListAllBets(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestRecordPayoutInvoiceRequiresPayingState(t *testing.T) {
	bets := openTestDB(t)
	ctx := context.Background()
	var h [32]byte
	h[0] = 1
	require.NoError(t, bets.NextIndexAndPut(ctx, freshBet(h), 0))

	_, err := bets.RecordPayoutInvoice(ctx, h, "lnbc-early")
	require.Error(t, err, "recording an invoice before Paying must fail")

	_, err = bets.UpdateState(ctx, h, StatePaidUnrolled, nil)
	require.NoError(t, err)
	_, err = bets.UpdateState(ctx, h, StateRolledWon, nil)
	require.NoError(t, err)
	_, err = bets.UpdateState(ctx, h, StatePaying, nil)
	require.NoError(t, err)

	bet, err := bets.RecordPayoutInvoice(ctx, h, "lnbc-payout")
	require.NoError(t, err)
	require.Equal(t, "lnbc-payout", bet.PayoutInvoice)
	require.Equal(t, StatePaying, bet.State, "recording the invoice is not itself a transition")
}
