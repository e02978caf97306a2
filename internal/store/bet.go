// Package store implements the durable Bet Store (spec §4.1): a bbolt-backed
// nonce-round table and a gorm/sqlite-backed bet table.
package store

import (
	"time"
)

// BetState is a node in the monotonic bet lifecycle DAG (spec §3, §4.5, §4.6).
type BetState string

const (
	StateAwaitingPayment       BetState = "AwaitingPayment"
	StatePaidUnrolled          BetState = "PaidUnrolled"
	StateRolledWon             BetState = "RolledWon"
	StateRolledLost            BetState = "RolledLost"
	StatePaying                BetState = "Paying"
	StatePaid                  BetState = "Paid"
	StatePayoutFailed           BetState = "PayoutFailed"
	StateUnresolvedNonceExpired BetState = "UnresolvedNonceExpired"
)

// allowedTransitions enumerates every permitted successor state, mirroring
// the teacher's services/otc-gateway/server/workflow.go allowlist table.
var allowedTransitions = map[BetState][]BetState{
	StateAwaitingPayment: {StatePaidUnrolled},
	StatePaidUnrolled:    {StateRolledWon, StateRolledLost, StateUnresolvedNonceExpired},
	StateRolledWon:       {StatePaying},
	StatePaying:          {StatePaid, StatePayoutFailed},
	// PayoutFailed is terminal for automatic dispatch, but an operator may
	// explicitly re-enqueue it through the Fraud-Proof Surface's admin
	// endpoint (spec §4.6 step 4, "operator intervention required"), which
	// re-enters Paying exactly as a fresh RolledWon dispatch would.
	StatePayoutFailed: {StatePaying},
}

// ValidateTransition reports whether next is a permitted successor of current.
// A transition to the same state is always allowed (idempotent replay, §4.5).
func ValidateTransition(current, next BetState) error {
	if current == next {
		return nil
	}
	allowed, ok := allowedTransitions[current]
	if !ok {
		return &TransitionError{From: current, To: next}
	}
	for _, candidate := range allowed {
		if candidate == next {
			return nil
		}
	}
	return &TransitionError{From: current, To: next}
}

// TransitionError reports an attempted state transition outside the DAG.
type TransitionError struct {
	From, To BetState
}

func (e *TransitionError) Error() string {
	return "store: transition from " + string(e.From) + " to " + string(e.To) + " is not permitted"
}

// Bet is the durable record described in spec §3.
type Bet struct {
	PaymentHash      [32]byte
	RollerPubkey     [32]byte
	Invoice          string
	ZapRequestJSON   []byte
	MultiplierNoteID string
	NonceCommitEvent string
	Index            uint32
	State            BetState
	Memo             string
	AmountMsat       uint64
	PayoutMsat       uint64
	PayoutInvoice    string
	PayoutPreimage   [32]byte
	PaymentPreimage  [32]byte
	Roll             uint16
	RollComputed     bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}
