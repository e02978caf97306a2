package store

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrBetExists is returned by NextIndexAndPut when the payment hash is already persisted.
var ErrBetExists = errors.New("store: bet with this payment hash already exists")

// ErrBetNotFound is returned when a bet lookup misses.
var ErrBetNotFound = errors.New("store: bet not found")

// ErrIndexConflict is returned by NextIndexAndPut when another bet for the
// same (roller, round) was inserted between the caller's PeekNextIndex and
// this call, invalidating any index-dependent material (such as an invoice
// description) built from the peeked value. The caller must re-peek, rebuild,
// and retry.
var ErrIndexConflict = errors.New("store: next index changed since it was peeked")

// betRow is the gorm-mapped row for the bets table.
type betRow struct {
	PaymentHash      string `gorm:"primaryKey;size:64"`
	RollerPubkey     string `gorm:"size:64;index:idx_roller_round"`
	Invoice          string
	ZapRequestJSON   []byte
	MultiplierNoteID string `gorm:"index"`
	NonceCommitEvent string `gorm:"index:idx_roller_round"`
	BetIndex         uint32
	State            string `gorm:"index"`
	Memo             string
	AmountMsat       uint64
	PayoutMsat       uint64
	PayoutInvoice    string
	PayoutPreimage   string
	PaymentPreimage  string
	Roll             uint16
	RollComputed     bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (betRow) TableName() string { return "bets" }

// BetStore persists Bet records with the atomicity guarantees required by
// spec §4.1 and §5: next-index assignment is serialized with insertion inside
// a single transaction, and state transitions are CAS-style against the
// allowed-predecessor table, following the row-locking pattern in the
// teacher's services/otc-gateway/funding/processor.go.
type BetStore struct {
	db *gorm.DB
}

// NewBetStore opens (and migrates) a gorm-backed bet store.
func NewBetStore(db *gorm.DB) (*BetStore, error) {
	if db == nil {
		return nil, fmt.Errorf("store: nil *gorm.DB")
	}
	if err := db.AutoMigrate(&betRow{}); err != nil {
		return nil, fmt.Errorf("store: migrate bets: %w", err)
	}
	return &BetStore{db: db}, nil
}

// PeekNextIndex returns the index a bet for (rollerPubkey, nonceCommitEvent)
// would currently receive, without reserving it. Callers that need the index
// before they can finish building the bet (e.g. to embed it in an invoice
// description per spec §4.4 step 4) peek it here, then pass it back to
// NextIndexAndPut, which reverifies it under lock at insert time.
func (s *BetStore) PeekNextIndex(ctx context.Context, rollerPubkey [32]byte, nonceCommitEvent string) (uint32, error) {
	rollerHex := hex.EncodeToString(rollerPubkey[:])
	var count int64
	if err := s.db.WithContext(ctx).Model(&betRow{}).
		Where("roller_pubkey = ? AND nonce_commit_event = ?", rollerHex, nonceCommitEvent).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("store: peek next index: %w", err)
	}
	return uint32(count), nil
}

// NextIndexAndPut assigns the next dense index for (rollerPubkey, nonceCommitEvent)
// and inserts the bet in a single transaction, satisfying the §4.1/§5 ordering
// guarantee that next_index and put_bet are serialized. expectedIndex must
// equal the value a prior PeekNextIndex returned; if another bet raced ahead
// of it, ErrIndexConflict is returned and bet.Index is left untouched.
func (s *BetStore) NextIndexAndPut(ctx context.Context, bet *Bet, expectedIndex uint32) error {
	rollerHex := hex.EncodeToString(bet.RollerPubkey[:])
	paymentHashHex := hex.EncodeToString(bet.PaymentHash[:])
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Model(&betRow{}).
			Where("roller_pubkey = ? AND nonce_commit_event = ?", rollerHex, bet.NonceCommitEvent).
			Count(&count).Error; err != nil {
			return fmt.Errorf("store: count existing bets: %w", err)
		}
		if uint32(count) != expectedIndex {
			return ErrIndexConflict
		}
		bet.Index = uint32(count)

		row := betRowFromBet(bet)
		row.PaymentHash = paymentHashHex
		if err := tx.Create(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrBetExists
			}
			return fmt.Errorf("store: insert bet: %w", err)
		}
		return nil
	})
}

// GetBet returns the bet for a payment hash, or ErrBetNotFound.
func (s *BetStore) GetBet(ctx context.Context, paymentHash [32]byte) (*Bet, error) {
	var row betRow
	err := s.db.WithContext(ctx).First(&row, "payment_hash = ?", hex.EncodeToString(paymentHash[:])).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrBetNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get bet: %w", err)
	}
	bet, err := betFromRow(&row)
	if err != nil {
		return nil, err
	}
	return bet, nil
}

// UpdateState performs a CAS-style transition: it locks the row, validates the
// transition against the allowed predecessor table, and writes the new state
// plus any accompanying roll/payout fields supplied in mutate. If the bet is
// already in the target state the call is a no-op (idempotent replay, §8).
func (s *BetStore) UpdateState(ctx context.Context, paymentHash [32]byte, next BetState, mutate func(*Bet)) (*Bet, error) {
	paymentHashHex := hex.EncodeToString(paymentHash[:])
	var result *Bet
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row betRow
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&row, "payment_hash = ?", paymentHashHex).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrBetNotFound
			}
			return err
		}
		bet, err := betFromRow(&row)
		if err != nil {
			return err
		}
		current := bet.State
		if err := ValidateTransition(current, next); err != nil {
			return err
		}
		if current == next {
			result = bet
			return nil
		}
		bet.State = next
		if mutate != nil {
			mutate(bet)
		}
		bet.UpdatedAt = time.Now().UTC()
		updated := betRowFromBet(bet)
		updated.PaymentHash = paymentHashHex
		if err := tx.Save(&updated).Error; err != nil {
			return fmt.Errorf("store: save bet: %w", err)
		}
		result = bet
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ListBetsForRound returns every bet tied to a nonce-commit event, optionally
// filtered to a single state, for bulk transitions when a round expires (§4.1).
func (s *BetStore) ListBetsForRound(ctx context.Context, commitEventID string, state *BetState) ([]*Bet, error) {
	q := s.db.WithContext(ctx).Where("nonce_commit_event = ?", commitEventID)
	if state != nil {
		q = q.Where("state = ?", string(*state))
	}
	var rows []betRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: list bets for round: %w", err)
	}
	out := make([]*Bet, 0, len(rows))
	for i := range rows {
		bet, err := betFromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, bet)
	}
	return out, nil
}

// ListBetsInState returns every bet currently in the given state, across all
// rounds. Used by the Payout Dispatcher at startup to re-enqueue bets stuck
// in Paying (§4.6 step 6).
func (s *BetStore) ListBetsInState(ctx context.Context, state BetState) ([]*Bet, error) {
	var rows []betRow
	if err := s.db.WithContext(ctx).Where("state = ?", string(state)).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: list bets in state: %w", err)
	}
	out := make([]*Bet, 0, len(rows))
	for i := range rows {
		bet, err := betFromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, bet)
	}
	return out, nil
}

// ListAllBets returns every persisted bet, ordered by creation time. Used by
// the Fraud-Proof Surface's bulk parquet export (§4.7).
func (s *BetStore) ListAllBets(ctx context.Context) ([]*Bet, error) {
	var rows []betRow
	if err := s.db.WithContext(ctx).Order("created_at asc").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: list all bets: %w", err)
	}
	out := make([]*Bet, 0, len(rows))
	for i := range rows {
		bet, err := betFromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, bet)
	}
	return out, nil
}

// RecordPayoutInvoice persists the payout invoice resolved in §4.6 step 2
// for a bet already in the Paying state. This is not itself a state
// transition (the bet stays in Paying), so it bypasses the CAS-style
// ValidateTransition check UpdateState performs and instead requires the
// current state to already be Paying.
func (s *BetStore) RecordPayoutInvoice(ctx context.Context, paymentHash [32]byte, invoice string) (*Bet, error) {
	paymentHashHex := hex.EncodeToString(paymentHash[:])
	var result *Bet
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row betRow
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&row, "payment_hash = ?", paymentHashHex).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrBetNotFound
			}
			return err
		}
		if BetState(row.State) != StatePaying {
			return &TransitionError{From: BetState(row.State), To: StatePaying}
		}
		row.PayoutInvoice = invoice
		row.UpdatedAt = time.Now().UTC()
		if err := tx.Save(&row).Error; err != nil {
			return fmt.Errorf("store: save payout invoice: %w", err)
		}
		bet, err := betFromRow(&row)
		if err != nil {
			return err
		}
		result = bet
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func betRowFromBet(b *Bet) betRow {
	return betRow{
		RollerPubkey:     hex.EncodeToString(b.RollerPubkey[:]),
		Invoice:          b.Invoice,
		ZapRequestJSON:   b.ZapRequestJSON,
		MultiplierNoteID: b.MultiplierNoteID,
		NonceCommitEvent: b.NonceCommitEvent,
		BetIndex:         b.Index,
		State:            string(b.State),
		Memo:             b.Memo,
		AmountMsat:       b.AmountMsat,
		PayoutMsat:       b.PayoutMsat,
		PayoutInvoice:    b.PayoutInvoice,
		PayoutPreimage:   hex.EncodeToString(b.PayoutPreimage[:]),
		PaymentPreimage:  hex.EncodeToString(b.PaymentPreimage[:]),
		Roll:             b.Roll,
		RollComputed:     b.RollComputed,
		CreatedAt:        b.CreatedAt,
		UpdatedAt:        b.UpdatedAt,
	}
}

func betFromRow(r *betRow) (*Bet, error) {
	paymentHash, err := decode32(r.PaymentHash)
	if err != nil {
		return nil, fmt.Errorf("store: decode payment_hash: %w", err)
	}
	roller, err := decode32(r.RollerPubkey)
	if err != nil {
		return nil, fmt.Errorf("store: decode roller_pubkey: %w", err)
	}
	payoutPreimage, err := decode32(r.PayoutPreimage)
	if err != nil {
		return nil, fmt.Errorf("store: decode payout_preimage: %w", err)
	}
	paymentPreimage, err := decode32(r.PaymentPreimage)
	if err != nil {
		return nil, fmt.Errorf("store: decode payment_preimage: %w", err)
	}
	return &Bet{
		PaymentHash:      paymentHash,
		RollerPubkey:     roller,
		Invoice:          r.Invoice,
		ZapRequestJSON:   r.ZapRequestJSON,
		MultiplierNoteID: r.MultiplierNoteID,
		NonceCommitEvent: r.NonceCommitEvent,
		Index:            r.BetIndex,
		State:            BetState(r.State),
		Memo:             r.Memo,
		AmountMsat:       r.AmountMsat,
		PayoutMsat:       r.PayoutMsat,
		PayoutInvoice:    r.PayoutInvoice,
		PayoutPreimage:   payoutPreimage,
		PaymentPreimage:  paymentPreimage,
		Roll:             r.Roll,
		RollComputed:     r.RollComputed,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}, nil
}

func decode32(s string) ([32]byte, error) {
	var out [32]byte
	if s == "" {
		return out, nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, err
	}
	if len(b) != 32 {
		return out, fmt.Errorf("expected 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}
