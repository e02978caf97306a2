package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateTransitionAllowsTheFullHappyPath(t *testing.T) {
	path := []BetState{
		StateAwaitingPayment,
		StatePaidUnrolled,
		StateRolledWon,
		StatePaying,
		StatePaid,
	}
	for i := 1; i < len(path); i++ {
		require.NoError(t, ValidateTransition(path[i-1], path[i]))
	}
}

func TestValidateTransitionAllowsLossAndExpiry(t *testing.T) {
	require.NoError(t, ValidateTransition(StatePaidUnrolled, StateRolledLost))
	require.NoError(t, ValidateTransition(StatePaidUnrolled, StateUnresolvedNonceExpired))
}

func TestValidateTransitionAllowsOperatorRetryFromPayoutFailed(t *testing.T) {
	require.NoError(t, ValidateTransition(StatePayoutFailed, StatePaying))
}

func TestValidateTransitionIsIdempotentForSameState(t *testing.T) {
	for _, s := range []BetState{
		StateAwaitingPayment, StatePaidUnrolled, StateRolledWon, StateRolledLost,
		StatePaying, StatePaid, StatePayoutFailed, StateUnresolvedNonceExpired,
	} {
		require.NoError(t, ValidateTransition(s, s))
	}
}

func TestValidateTransitionRejectsSkippingStates(t *testing.T) {
	err := ValidateTransition(StateAwaitingPayment, StateRolledWon)
	require.Error(t, err)
	var transitionErr *TransitionError
	require.ErrorAs(t, err, &transitionErr)
	require.Equal(t, StateAwaitingPayment, transitionErr.From)
	require.Equal(t, StateRolledWon, transitionErr.To)
}

func TestValidateTransitionRejectsOutOfTerminalStates(t *testing.T) {
	for _, terminal := range []BetState{StateRolledLost, StatePaid, StateUnresolvedNonceExpired} {
		err := ValidateTransition(terminal, StatePaidUnrolled)
		require.Error(t, err, "%s must have no successors", terminal)
	}
}

func TestValidateTransitionRejectsMovingBackward(t *testing.T) {
	require.Error(t, ValidateTransition(StatePaidUnrolled, StateAwaitingPayment))
	require.Error(t, ValidateTransition(StateRolledWon, StatePaidUnrolled))
}
