// Package nostrevt implements the NIP-01 event envelope and id computation
// used by both the relay client and the zap ingestor, plus the NIP-19
// bech32 codec used by the Fraud-Proof Surface to render human-readable
// identifiers.
package nostrevt

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Kind enumerates the event kinds this service emits or consumes.
const (
	KindTextNote   = 1
	KindZapRequest = 9734
	KindZapReceipt = 9735
)

// Tag is a single NIP-01 tag array, e.g. ["e", "<event id>"].
type Tag []string

// Event is the NIP-01 signed event envelope.
type Event struct {
	ID        string `json:"id"`
	Pubkey    string `json:"pubkey"`
	CreatedAt int64  `json:"created_at"`
	Kind      int    `json:"kind"`
	Tags      []Tag  `json:"tags"`
	Content   string `json:"content"`
	Sig       string `json:"sig"`
}

// ComputeID returns the lowercase-hex SHA-256 of the event's canonical
// serialization, per NIP-01. It does not mutate e.ID.
func (e *Event) ComputeID() (string, error) {
	tags := e.Tags
	if tags == nil {
		tags = []Tag{}
	}
	arr := []interface{}{0, e.Pubkey, e.CreatedAt, e.Kind, tags, e.Content}
	buf, err := json.Marshal(arr)
	if err != nil {
		return "", fmt.Errorf("nostrevt: serialize event: %w", err)
	}
	digest := sha256.Sum256(buf)
	return hex.EncodeToString(digest[:]), nil
}

// Verify checks that e.ID matches the computed id and that e.Sig is a valid
// BIP-340 Schnorr signature over e.ID by e.Pubkey. Signature verification
// itself is delegated to internal/schnorrsig so this package stays free of
// elliptic-curve arithmetic.
func (e *Event) Verify(verify func(pubkeyHex, msgHex, sigHex string) (bool, error)) error {
	computed, err := e.ComputeID()
	if err != nil {
		return err
	}
	if computed != e.ID {
		return fmt.Errorf("nostrevt: id mismatch: computed %s, event carries %s", computed, e.ID)
	}
	ok, err := verify(e.Pubkey, e.ID, e.Sig)
	if err != nil {
		return fmt.Errorf("nostrevt: verify signature: %w", err)
	}
	if !ok {
		return fmt.Errorf("nostrevt: invalid signature")
	}
	return nil
}

// FirstTagValue returns the first value (index 1) of the first tag whose
// name (index 0) matches key, or "" if absent.
func (e *Event) FirstTagValue(key string) string {
	for _, t := range e.Tags {
		if len(t) >= 2 && t[0] == key {
			return t[1]
		}
	}
	return ""
}

// ZapRequest captures the fields the Zap Ingestor needs out of a kind-9734
// event (spec §4.4): the tipped note, the tipper's pubkey, the amount, and
// an optional memo.
type ZapRequest struct {
	Event      Event
	TippedNote string
	AmountMsat uint64
	Memo       string
}

// ParseZapRequest extracts the fields the ingestor cares about from a raw
// kind-9734 event. It does not verify the signature; callers must call
// Event.Verify separately so the rejection reasons in spec §4.4 stay
// independently testable.
func ParseZapRequest(e Event) (*ZapRequest, error) {
	if e.Kind != KindZapRequest {
		return nil, fmt.Errorf("nostrevt: expected kind %d, got %d", KindZapRequest, e.Kind)
	}
	note := e.FirstTagValue("e")
	if note == "" {
		return nil, fmt.Errorf("nostrevt: zap request missing 'e' tag")
	}
	var amountMsat uint64
	if raw := e.FirstTagValue("amount"); raw != "" {
		if _, err := fmt.Sscanf(raw, "%d", &amountMsat); err != nil {
			return nil, fmt.Errorf("nostrevt: invalid amount tag %q: %w", raw, err)
		}
	}
	return &ZapRequest{
		Event:      e,
		TippedNote: note,
		AmountMsat: amountMsat,
		Memo:       e.Content,
	}, nil
}
