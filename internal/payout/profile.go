package payout

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"nostrdice/internal/nostrevt"
)

// ProfileSubscriber is the subset of the relay client the profile resolver
// needs: a one-shot filtered subscription for a roller's kind-0 metadata
// event.
type ProfileSubscriber interface {
	Subscribe(ctx context.Context, subID string, filter map[string]interface{}) (<-chan nostrevt.Event, error)
	Unsubscribe(ctx context.Context, subID string) error
}

// RelayProfileResolver resolves a roller's lightning-address by reading
// their kind-0 profile metadata off the relay and extracting the NIP-05/
// lud16 "lud16" field (spec §4.6 step 2).
type RelayProfileResolver struct {
	relay   ProfileSubscriber
	timeout time.Duration
	subSeq  func() string
}

// NewRelayProfileResolver constructs a resolver over an already-connected
// relay client.
func NewRelayProfileResolver(relay ProfileSubscriber, timeout time.Duration, subSeq func() string) *RelayProfileResolver {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RelayProfileResolver{relay: relay, timeout: timeout, subSeq: subSeq}
}

type kind0Content struct {
	Lud16 string `json:"lud16"`
}

// ResolveLightningAddress subscribes for the roller's latest kind-0 event,
// waits up to its configured timeout for the relay to deliver one, and
// extracts the "lud16" field from its content.
func (r *RelayProfileResolver) ResolveLightningAddress(ctx context.Context, rollerPubkey [32]byte) (string, error) {
	pubkeyHex := hex.EncodeToString(rollerPubkey[:])
	subID := "profile-" + r.subSeq()

	filter := map[string]interface{}{
		"kinds":   []int{nostrevt.KindTextNote - 1}, // kind 0
		"authors": []string{pubkeyHex},
		"limit":   1,
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	events, err := r.relay.Subscribe(ctx, subID, filter)
	if err != nil {
		return "", fmt.Errorf("payout: subscribe for profile of %s: %w", pubkeyHex, err)
	}
	defer r.relay.Unsubscribe(context.Background(), subID)

	var latest *nostrevt.Event
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return extractLud16(latest, pubkeyHex)
			}
			e := event
			if latest == nil || e.CreatedAt > latest.CreatedAt {
				latest = &e
			}
		case <-ctx.Done():
			return extractLud16(latest, pubkeyHex)
		}
	}
}

func extractLud16(latest *nostrevt.Event, pubkeyHex string) (string, error) {
	if latest == nil {
		return "", fmt.Errorf("payout: no profile metadata found for %s", pubkeyHex)
	}
	var content kind0Content
	if err := json.Unmarshal([]byte(latest.Content), &content); err != nil {
		return "", fmt.Errorf("payout: malformed profile metadata for %s: %w", pubkeyHex, err)
	}
	if content.Lud16 == "" {
		return "", fmt.Errorf("payout: profile for %s has no lud16 lightning address", pubkeyHex)
	}
	return content.Lud16, nil
}
