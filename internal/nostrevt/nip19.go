package nostrevt

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcutil/bech32"
)

// EncodeNpub renders a 32-byte pubkey as a NIP-19 "npub1..." identifier, the
// same bech32 convention the teacher's crypto.Address.String uses for its own
// account addresses.
func EncodeNpub(pubkey [32]byte) (string, error) {
	return encodeBech32("npub", pubkey[:])
}

// EncodeNote renders a 32-byte event id as a NIP-19 "note1..." identifier.
func EncodeNote(eventID [32]byte) (string, error) {
	return encodeBech32("note", eventID[:])
}

func encodeBech32(hrp string, raw []byte) (string, error) {
	conv, err := bech32.ConvertBits(raw, 8, 5, true)
	if err != nil {
		return "", fmt.Errorf("nostrevt: convert bits: %w", err)
	}
	encoded, err := bech32.Encode(hrp, conv)
	if err != nil {
		return "", fmt.Errorf("nostrevt: bech32 encode: %w", err)
	}
	return encoded, nil
}

// DecodeHexID is a small convenience used by the zap ingestor to turn a hex
// event/payment-hash id into its 32-byte form.
func DecodeHexID(s string) ([32]byte, error) {
	var out [32]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, fmt.Errorf("nostrevt: decode hex: %w", err)
	}
	if len(b) != 32 {
		return out, fmt.Errorf("nostrevt: expected 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}
