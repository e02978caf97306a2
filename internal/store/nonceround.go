package store

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// RoundStatus is the per-round state in the §4.3 machine.
type RoundStatus string

const (
	RoundCreated   RoundStatus = "Created"
	RoundAnnounced RoundStatus = "Announced"
	RoundActive    RoundStatus = "Active"
	RoundExpired   RoundStatus = "Expired"
	RoundRevealed  RoundStatus = "Revealed"
)

// NonceRound is the tuple described in spec §3.
type NonceRound struct {
	RoundID       string
	NonceBytes    [32]byte
	CommitmentHex string
	CommitEventID string
	CreatedAt     time.Time
	Status        RoundStatus
}

var (
	bucketRounds  = []byte("nonce_rounds")
	bucketPointer = []byte("pointers")

	keyActivePointer        = []byte("active_commit_event_id")
	keyLatestExpiredPointer = []byte("latest_expired_commit_event_id")

	// ErrRoundNotFound indicates a round lookup missed.
	ErrRoundNotFound = errors.New("store: nonce round not found")
	// ErrNoActiveRound indicates no row is currently marked active.
	ErrNoActiveRound = errors.New("store: no active nonce round")
)

// roundRecord is the JSON-encoded value stored per round bucket key.
type roundRecord struct {
	RoundID       string    `json:"roundId"`
	NonceHex      string    `json:"nonceHex"`
	CommitmentHex string    `json:"commitmentHex"`
	CommitEventID string    `json:"commitEventId"`
	CreatedAt     time.Time `json:"createdAt"`
	Status        string    `json:"status"`
}

// NonceRoundStore is the single-writer-safe round table, backed by bbolt the
// same way the teacher's services/identity-gateway/store.go persists its
// verification state: one bucket of JSON-encoded records plus a small
// pointer bucket for the exactly-one-row active/expired markers (§4.1).
type NonceRoundStore struct {
	db *bolt.DB
}

// NewNonceRoundStore opens (and migrates) the bbolt-backed round store.
func NewNonceRoundStore(path string) (*NonceRoundStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open bbolt: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketRounds, bucketPointer} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: init bbolt buckets: %w", err)
	}
	return &NonceRoundStore{db: db}, nil
}

// Close releases the underlying bbolt handle.
func (s *NonceRoundStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// PutNonce persists a round's nonce material at creation time, before any
// commitment is announced, so a crash between generation and announcement
// never leaves a commitment without its preimage (§4.1). Rounds are keyed by
// CommitEventID rather than RoundID: that is the identifier every downstream
// reader (bets via NonceCommitEvent, the Roll & Settlement Engine, the
// Fraud-Proof Surface) actually holds, since RoundID never leaves this
// package.
func (s *NonceRoundStore) PutNonce(round NonceRound) error {
	if round.CommitEventID == "" {
		return fmt.Errorf("store: round %s has no commit event id", round.RoundID)
	}
	rec := roundRecord{
		RoundID:       round.RoundID,
		NonceHex:      hex.EncodeToString(round.NonceBytes[:]),
		CommitmentHex: round.CommitmentHex,
		CommitEventID: round.CommitEventID,
		CreatedAt:     round.CreatedAt,
		Status:        string(round.Status),
	}
	buf, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: marshal round: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRounds).Put([]byte(round.CommitEventID), buf)
	})
}

// SetStatus updates a round's status in place. commitEventID is the round's
// commit event id, the key every caller outside this package holds.
func (s *NonceRoundStore) SetStatus(commitEventID string, status RoundStatus) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRounds)
		raw := b.Get([]byte(commitEventID))
		if raw == nil {
			return ErrRoundNotFound
		}
		var rec roundRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("store: unmarshal round: %w", err)
		}
		rec.Status = string(status)
		buf, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(commitEventID), buf)
	})
}

// GetRound looks up a round by its commit event id — the value persisted on
// every Bet as NonceCommitEvent (§3) and the identifier the Roll &
// Settlement Engine and Fraud-Proof Surface hold.
func (s *NonceRoundStore) GetRound(commitEventID string) (*NonceRound, error) {
	var out *NonceRound
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketRounds).Get([]byte(commitEventID))
		if raw == nil {
			return ErrRoundNotFound
		}
		round, err := decodeRound(raw)
		if err != nil {
			return err
		}
		out = round
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SetActiveNonce atomically repoints the active-round pointer (§4.3, §5) to
// the round whose commit event id is given. The single write to
// keyActivePointer is the only observable transition, so readers never see
// two active rounds.
func (s *NonceRoundStore) SetActiveNonce(commitEventID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPointer).Put(keyActivePointer, []byte(commitEventID))
	})
}

// SetLatestExpiredNonce atomically repoints the latest-expired-round pointer.
func (s *NonceRoundStore) SetLatestExpiredNonce(commitEventID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPointer).Put(keyLatestExpiredPointer, []byte(commitEventID))
	})
}

// ActiveRound returns the round currently marked active.
func (s *NonceRoundStore) ActiveRound() (*NonceRound, error) {
	var commitEventID string
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketPointer).Get(keyActivePointer)
		if raw == nil {
			return ErrNoActiveRound
		}
		commitEventID = string(raw)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetRound(commitEventID)
}

// ActiveRoundID returns just the commit event id of the currently active
// round, the form the Zap Ingestor needs to stamp onto a new bet.
func (s *NonceRoundStore) ActiveRoundID() (string, error) {
	round, err := s.ActiveRound()
	if err != nil {
		return "", err
	}
	return round.CommitEventID, nil
}

// ExpireActiveAndActivate transitions the current active round to Expired and
// the successor to Active in one bbolt transaction, so the active pointer
// swap is indivisible (§4.3: "a single atomic update of the active-nonce
// pointer"). expiringCommitEventID is the commit event id of the round being
// expired; next.CommitEventID becomes the new active pointer.
func (s *NonceRoundStore) ExpireActiveAndActivate(expiringCommitEventID string, next NonceRound) error {
	nextRec := roundRecord{
		RoundID:       next.RoundID,
		NonceHex:      hex.EncodeToString(next.NonceBytes[:]),
		CommitmentHex: next.CommitmentHex,
		CommitEventID: next.CommitEventID,
		CreatedAt:     next.CreatedAt,
		Status:        string(RoundActive),
	}
	nextBuf, err := json.Marshal(nextRec)
	if err != nil {
		return fmt.Errorf("store: marshal round: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		rounds := tx.Bucket(bucketRounds)
		raw := rounds.Get([]byte(expiringCommitEventID))
		if raw == nil {
			return ErrRoundNotFound
		}
		var rec roundRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		rec.Status = string(RoundExpired)
		expiredBuf, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := rounds.Put([]byte(expiringCommitEventID), expiredBuf); err != nil {
			return err
		}
		if err := rounds.Put([]byte(next.CommitEventID), nextBuf); err != nil {
			return err
		}
		return tx.Bucket(bucketPointer).Put(keyActivePointer, []byte(next.CommitEventID))
	})
}

func decodeRound(raw []byte) (*NonceRound, error) {
	var rec roundRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("store: unmarshal round: %w", err)
	}
	var nonce [32]byte
	if rec.NonceHex != "" {
		decoded, err := hex.DecodeString(rec.NonceHex)
		if err != nil {
			return nil, fmt.Errorf("store: decode nonce hex: %w", err)
		}
		if len(decoded) != 32 {
			return nil, fmt.Errorf("store: nonce hex must decode to 32 bytes, got %d", len(decoded))
		}
		copy(nonce[:], decoded)
	}
	return &NonceRound{
		RoundID:       rec.RoundID,
		NonceBytes:    nonce,
		CommitmentHex: rec.CommitmentHex,
		CommitEventID: rec.CommitEventID,
		CreatedAt:     rec.CreatedAt,
		Status:        RoundStatus(rec.Status),
	}, nil
}
