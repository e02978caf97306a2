package schnorrsig

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

var (
	auxTag   = sha256.Sum256([]byte("BIP0340/aux"))
	nonceTag = sha256.Sum256([]byte("BIP0340/nonce"))
)

// PrivateKey is a BIP-340 x-only signing key: the 32-byte scalar plus its
// even-y public key, derived once at construction so every Sign call reuses
// the same precomputed point.
type PrivateKey struct {
	scalar    secp256k1.ModNScalar
	pubkeyHex string
}

// NewPrivateKey derives the public key from a 32-byte secret scalar,
// negating it if required so the public key always has even y per BIP-340.
func NewPrivateKey(secretHex string) (*PrivateKey, error) {
	secretBytes, err := decodeFixed(secretHex, 32)
	if err != nil {
		return nil, fmt.Errorf("schnorrsig: private key: %w", err)
	}
	var d secp256k1.ModNScalar
	if overflow := d.SetByteSlice(secretBytes); overflow || d.IsZero() {
		return nil, fmt.Errorf("schnorrsig: private key out of range")
	}

	var P secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(&d, &P)
	P.ToAffine()
	if P.Y.IsOdd() {
		d.Negate()
	}
	P.Y.Normalize()
	if P.Y.IsOdd() {
		P.Y.Negate(1)
		P.Y.Normalize()
	}

	return &PrivateKey{scalar: d, pubkeyHex: hex.EncodeToString(P.X.Bytes()[:])}, nil
}

// PubkeyHex returns the 32-byte x-only public key in lowercase hex, the form
// every Nostr event's pubkey field uses.
func (k *PrivateKey) PubkeyHex() string { return k.pubkeyHex }

// Sign produces a BIP-340 Schnorr signature over msgHex (a 32-byte hex
// digest, typically a Nostr event id), using BIP-340's tagged-hash nonce
// derivation with fresh auxiliary randomness per signature.
func (k *PrivateKey) Sign(msgHex string) (string, error) {
	msg, err := decodeFixed(msgHex, 32)
	if err != nil {
		return "", fmt.Errorf("schnorrsig: message: %w", err)
	}

	var aux [32]byte
	if _, err := rand.Read(aux[:]); err != nil {
		return "", fmt.Errorf("schnorrsig: aux randomness: %w", err)
	}

	dBytes := k.scalar.Bytes()
	t := xorBytes(taggedHash(auxTag, aux[:]), dBytes[:])

	pubkeyBytes, err := hex.DecodeString(k.pubkeyHex)
	if err != nil {
		return "", fmt.Errorf("schnorrsig: decode own pubkey: %w", err)
	}

	kHash := taggedHash(nonceTag, append(append([]byte{}, t...), append(pubkeyBytes, msg...)...))
	var kScalar secp256k1.ModNScalar
	if overflow := kScalar.SetByteSlice(kHash); overflow || kScalar.IsZero() {
		return "", fmt.Errorf("schnorrsig: derived nonce invalid")
	}

	var R secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(&kScalar, &R)
	R.ToAffine()
	if R.Y.IsOdd() {
		kScalar.Negate()
	}
	rBytes := R.X.Bytes()

	e := challengeScalar(rBytes[:], pubkeyBytes, msg)
	e.Mul(&k.scalar)
	sScalar := new(secp256k1.ModNScalar).Set(&kScalar)
	sScalar.Add(e)
	sBytes := sScalar.Bytes()

	sig := make([]byte, 0, 64)
	sig = append(sig, rBytes[:]...)
	sig = append(sig, sBytes[:]...)
	return hex.EncodeToString(sig), nil
}

func taggedHash(tag [32]byte, msg []byte) []byte {
	h := sha256.New()
	h.Write(tag[:])
	h.Write(tag[:])
	h.Write(msg)
	return h.Sum(nil)
}

func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}
