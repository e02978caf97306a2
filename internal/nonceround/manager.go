// Package nonceround implements the Nonce Round Manager (spec §4.3): it
// generates nonces, announces their commitments on the event bus, expires
// rounds on a timer, and later reveals the nonce preimage. The timer loop is
// grounded on the teacher's otc-gateway/recon.Scheduler: a single goroutine
// that recomputes its own next deadline after every tick rather than relying
// on a ticker.
package nonceround

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"nostrdice/internal/nostrevt"
	"nostrdice/internal/relay"
	"nostrdice/internal/store"
	"nostrdice/observability/metrics"
)

// Publisher is the subset of the relay client the manager needs; it exists
// so tests can substitute a fake without a real websocket connection.
type Publisher interface {
	Publish(ctx context.Context, event nostrevt.Event, policy relay.PublishPolicy) error
}

// Signer produces a signature over an event id; in production this wraps the
// server's own Nostr identity key. Kept as an injected function so this
// package never touches key material directly.
type Signer func(eventID string) (sig string, err error)

// Config configures round timing (spec §6 flags).
type Config struct {
	ExpireAfter time.Duration
	RevealAfter time.Duration // must be >= ExpireAfter, per spec §4.3
	Pubkey      string
}

// Manager drives the round lifecycle.
type Manager struct {
	store     *store.NonceRoundStore
	publisher Publisher
	sign      Signer
	cfg       Config
	logger    *slog.Logger
}

// New constructs a Manager. cfg.RevealAfter must be >= cfg.ExpireAfter; the
// timing invariant in spec §4.3 depends on it.
func New(roundStore *store.NonceRoundStore, publisher Publisher, sign Signer, cfg Config, logger *slog.Logger) (*Manager, error) {
	if cfg.RevealAfter < cfg.ExpireAfter {
		return nil, fmt.Errorf("nonceround: reveal-after (%s) must be >= expire-after (%s)", cfg.RevealAfter, cfg.ExpireAfter)
	}
	return &Manager{store: roundStore, publisher: publisher, sign: sign, cfg: cfg, logger: logger}, nil
}

// Bootstrap ensures an active round exists at startup (spec §4.3: "On
// startup: if no active round exists, create one immediately").
func (m *Manager) Bootstrap(ctx context.Context) (*store.NonceRound, error) {
	round, err := m.store.ActiveRound()
	if err == nil {
		return round, nil
	}
	if err != store.ErrNoActiveRound {
		return nil, fmt.Errorf("nonceround: bootstrap: %w", err)
	}
	return m.startFirstRound(ctx)
}

func (m *Manager) startFirstRound(ctx context.Context) (*store.NonceRound, error) {
	round, err := m.newRound()
	if err != nil {
		return nil, err
	}
	announcement, err := m.buildAnnouncement(round)
	if err != nil {
		return nil, fmt.Errorf("nonceround: build announcement: %w", err)
	}
	round.CommitEventID = announcement.ID
	round.Status = store.RoundActive
	if err := m.store.PutNonce(*round); err != nil {
		return nil, fmt.Errorf("nonceround: persist first round: %w", err)
	}
	if err := m.store.SetActiveNonce(round.CommitEventID); err != nil {
		return nil, fmt.Errorf("nonceround: activate first round: %w", err)
	}
	m.publishAnnouncement(ctx, announcement)
	metrics.Registry().RecordRoundStarted()
	return round, nil
}

// Run drives the expire/reveal timer loop until ctx is cancelled. Each tick
// recomputes its own deadline, mirroring the teacher's recon.Scheduler loop.
func (m *Manager) Run(ctx context.Context, active *store.NonceRound) {
	pendingReveal := map[string]time.Time{}
	expireAt := active.CreatedAt.Add(m.cfg.ExpireAfter)

	for {
		deadline := expireAt
		for _, at := range pendingReveal {
			if at.Before(deadline) {
				deadline = at
			}
		}
		timer := time.NewTimer(time.Until(deadline))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case now := <-timer.C:
			if !now.Before(expireAt) {
				next, err := m.expireAndActivate(ctx, active.CommitEventID)
				if err != nil {
					if m.logger != nil {
						m.logger.Error("nonceround: expire and activate failed", slog.Any("error", err))
					}
					continue
				}
				pendingReveal[active.CommitEventID] = now.Add(m.cfg.RevealAfter)
				active = next
				expireAt = active.CreatedAt.Add(m.cfg.ExpireAfter)
			}
			for id, at := range pendingReveal {
				if !now.Before(at) {
					if err := m.reveal(ctx, id); err != nil {
						if m.logger != nil {
							m.logger.Error("nonceround: reveal failed", slog.String("round_id", id), slog.Any("error", err))
						}
						continue
					}
					delete(pendingReveal, id)
				}
			}
		}
	}
}

func (m *Manager) expireAndActivate(ctx context.Context, expiringCommitEventID string) (*store.NonceRound, error) {
	next, err := m.newRound()
	if err != nil {
		return nil, err
	}
	announcement, err := m.buildAnnouncement(next)
	if err != nil {
		return nil, fmt.Errorf("nonceround: build announcement: %w", err)
	}
	next.CommitEventID = announcement.ID
	next.Status = store.RoundActive
	// Durable before observable (spec §4.1): the pointer swap commits before
	// any event is published.
	if err := m.store.ExpireActiveAndActivate(expiringCommitEventID, *next); err != nil {
		return nil, fmt.Errorf("nonceround: expire+activate: %w", err)
	}
	metrics.Registry().RecordRoundExpired()
	metrics.Registry().RecordRoundStarted()
	m.publishAnnouncement(ctx, announcement)
	return next, nil
}

func (m *Manager) reveal(ctx context.Context, roundID string) error {
	round, err := m.store.GetRound(roundID)
	if err != nil {
		return fmt.Errorf("nonceround: load round for reveal: %w", err)
	}
	event := nostrevt.Event{
		Pubkey:    m.cfg.Pubkey,
		CreatedAt: time.Now().Unix(),
		Kind:      nostrevt.KindTextNote,
		Tags: []nostrevt.Tag{
			{"nostrdice", "reveal"},
			{"e", round.CommitEventID},
			{"nonce", hex.EncodeToString(round.NonceBytes[:])},
		},
		Content: "nonce reveal",
	}
	if err := m.signAndSetID(&event); err != nil {
		return err
	}
	if err := m.publisher.Publish(ctx, event, relay.DefaultPublishPolicy); err != nil {
		return fmt.Errorf("nonceround: publish reveal: %w", err)
	}
	if err := m.store.SetLatestExpiredNonce(roundID); err != nil {
		return fmt.Errorf("nonceround: set latest-expired pointer: %w", err)
	}
	if err := m.store.SetStatus(roundID, store.RoundRevealed); err != nil {
		return fmt.Errorf("nonceround: mark revealed: %w", err)
	}
	metrics.Registry().RecordRoundRevealed()
	return nil
}

// buildAnnouncement constructs and signs the round-commitment note (spec
// §6's "round announcement — a text note containing a hex commitment"). Its
// id is computed here, before the round is ever persisted, so the persisted
// CommitEventID always matches the id of the event that is (eventually)
// published — signing is pure local computation and never fails on
// relay connectivity.
func (m *Manager) buildAnnouncement(round *store.NonceRound) (nostrevt.Event, error) {
	event := nostrevt.Event{
		Pubkey:    m.cfg.Pubkey,
		CreatedAt: round.CreatedAt.Unix(),
		Kind:      nostrevt.KindTextNote,
		Tags: []nostrevt.Tag{
			{"nostrdice", "commit"},
			{"commitment", round.CommitmentHex},
		},
		Content: "round commitment",
	}
	if err := m.signAndSetID(&event); err != nil {
		return nostrevt.Event{}, err
	}
	return event, nil
}

func (m *Manager) publishAnnouncement(ctx context.Context, event nostrevt.Event) {
	if err := m.publisher.Publish(ctx, event, relay.DefaultPublishPolicy); err != nil {
		if m.logger != nil {
			m.logger.Warn("nonceround: announce publish failed, round stays durable", slog.Any("error", err))
		}
	}
}

func (m *Manager) signAndSetID(event *nostrevt.Event) error {
	id, err := event.ComputeID()
	if err != nil {
		return err
	}
	event.ID = id
	sig, err := m.sign(id)
	if err != nil {
		return fmt.Errorf("nonceround: sign event: %w", err)
	}
	event.Sig = sig
	return nil
}

func (m *Manager) newRound() (*store.NonceRound, error) {
	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("nonceround: generate nonce: %w", err)
	}
	commitment := sha256.Sum256(nonce[:])
	roundID := uuid.NewString()
	return &store.NonceRound{
		RoundID:       roundID,
		NonceBytes:    nonce,
		CommitmentHex: hex.EncodeToString(commitment[:]),
		CreatedAt:     time.Now().UTC(),
		Status:        store.RoundCreated,
	}, nil
}
