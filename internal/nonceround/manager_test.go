package nonceround

import (
	"context"
	"encoding/hex"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"nostrdice/internal/nostrevt"
	"nostrdice/internal/relay"
	"nostrdice/internal/store"
)

type fakePublisher struct {
	published []nostrevt.Event
}

func (f *fakePublisher) Publish(ctx context.Context, event nostrevt.Event, policy relay.PublishPolicy) error {
	f.published = append(f.published, event)
	return nil
}

func fakeSign(id string) (string, error) {
	return "sig-" + id, nil
}

func newTestManager(t *testing.T, cfg Config) (*Manager, *store.NonceRoundStore, *fakePublisher) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "rounds.db")
	roundStore, err := store.NewNonceRoundStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = roundStore.Close() })

	pub := &fakePublisher{}
	mgr, err := New(roundStore, pub, fakeSign, cfg, nil)
	require.NoError(t, err)
	return mgr, roundStore, pub
}

func TestBootstrapCreatesActiveRoundWhenNoneExists(t *testing.T) {
	mgr, roundStore, pub := newTestManager(t, Config{ExpireAfter: time.Minute, RevealAfter: time.Minute, Pubkey: "abc"})

	round, err := mgr.Bootstrap(context.Background())
	require.NoError(t, err)
	require.Equal(t, store.RoundActive, round.Status)
	require.NotEmpty(t, round.CommitEventID)

	active, err := roundStore.ActiveRound()
	require.NoError(t, err)
	require.Equal(t, round.RoundID, active.RoundID)
	require.Equal(t, round.CommitEventID, active.CommitEventID)

	require.Len(t, pub.published, 1)
	require.Equal(t, round.CommitEventID, pub.published[0].ID)
}

func TestBootstrapReturnsExistingActiveRound(t *testing.T) {
	mgr, _, pub := newTestManager(t, Config{ExpireAfter: time.Minute, RevealAfter: time.Minute})

	first, err := mgr.Bootstrap(context.Background())
	require.NoError(t, err)
	require.Len(t, pub.published, 1)

	second, err := mgr.Bootstrap(context.Background())
	require.NoError(t, err)
	require.Equal(t, first.RoundID, second.RoundID)
	// No second announcement since an active round already existed.
	require.Len(t, pub.published, 1)
}

func TestExpireAndActivateSwapsPointerAtomically(t *testing.T) {
	mgr, roundStore, pub := newTestManager(t, Config{ExpireAfter: time.Minute, RevealAfter: time.Minute})
	first, err := mgr.Bootstrap(context.Background())
	require.NoError(t, err)

	second, err := mgr.expireAndActivate(context.Background(), first.CommitEventID)
	require.NoError(t, err)
	require.NotEqual(t, first.RoundID, second.RoundID)

	expired, err := roundStore.GetRound(first.CommitEventID)
	require.NoError(t, err)
	require.Equal(t, store.RoundExpired, expired.Status)

	active, err := roundStore.ActiveRound()
	require.NoError(t, err)
	require.Equal(t, second.RoundID, active.RoundID)

	require.Len(t, pub.published, 2)
}

func TestRevealPublishesPreimageAndMarksRoundRevealed(t *testing.T) {
	mgr, roundStore, pub := newTestManager(t, Config{ExpireAfter: time.Minute, RevealAfter: time.Minute})
	first, err := mgr.Bootstrap(context.Background())
	require.NoError(t, err)

	require.NoError(t, mgr.reveal(context.Background(), first.CommitEventID))

	revealed, err := roundStore.GetRound(first.CommitEventID)
	require.NoError(t, err)
	require.Equal(t, store.RoundRevealed, revealed.Status)

	require.Len(t, pub.published, 2)
	revealEvent := pub.published[1]
	require.Equal(t, "reveal", revealEvent.Tags[0][1])
	require.Equal(t, hex.EncodeToString(first.NonceBytes[:]), revealEvent.FirstTagValue("nonce"))
}
