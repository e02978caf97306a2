// Package schnorrsig verifies the BIP-340 Schnorr signatures Nostr events
// carry, built directly on the secp256k1 field/scalar/point primitives from
// github.com/decred/dcrd/dcrec/secp256k1/v4 — the same curve library the
// teacher already links in for its consensus signature recovery
// (consensus/bft/bft.go), promoted here from a transitive to a direct
// dependency.
package schnorrsig

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

var challengeTag = sha256.Sum256([]byte("BIP0340/challenge"))

// Verify reports whether sigHex is a valid BIP-340 Schnorr signature over
// msgHex (typically a Nostr event id) by the x-only public key pubkeyHex.
// All three arguments are lowercase hex: 64 chars for the pubkey and the
// message, 128 for the signature.
func Verify(pubkeyHex, msgHex, sigHex string) (bool, error) {
	pubkeyBytes, err := decodeFixed(pubkeyHex, 32)
	if err != nil {
		return false, fmt.Errorf("schnorrsig: pubkey: %w", err)
	}
	msgBytes, err := decodeFixed(msgHex, 32)
	if err != nil {
		return false, fmt.Errorf("schnorrsig: message: %w", err)
	}
	sigBytes, err := decodeFixed(sigHex, 64)
	if err != nil {
		return false, fmt.Errorf("schnorrsig: signature: %w", err)
	}

	P, err := liftX(pubkeyBytes)
	if err != nil {
		return false, nil // an unliftable pubkey is an invalid signature, not an error
	}

	var rBytes secp256k1.FieldVal
	if overflow := rBytes.SetByteSlice(sigBytes[:32]); overflow {
		return false, nil
	}
	var s secp256k1.ModNScalar
	if overflow := s.SetByteSlice(sigBytes[32:64]); overflow {
		return false, nil
	}

	e := challengeScalar(sigBytes[:32], pubkeyBytes, msgBytes)

	// R = s*G - e*P
	var sG, eP, r secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(&s, &sG)
	secp256k1.ScalarMultNonConst(e, P, &eP)
	eP.Y.Negate(1)
	eP.Y.Normalize()
	secp256k1.AddNonConst(&sG, &eP, &r)

	if (r.X.IsZero() && r.Y.IsZero()) || r.Z.IsZero() {
		return false, nil
	}
	r.ToAffine()
	if r.Y.IsOdd() {
		return false, nil
	}
	if !r.X.Equals(&rBytes) {
		return false, nil
	}
	return true, nil
}

// liftX implements BIP-340 lift_x: interpret 32 bytes as an x-coordinate on
// the curve and return the point with even y, or an error if x is not on the
// curve.
func liftX(xBytes []byte) (*secp256k1.JacobianPoint, error) {
	var x secp256k1.FieldVal
	if overflow := x.SetByteSlice(xBytes); overflow {
		return nil, errors.New("schnorrsig: x coordinate overflows field")
	}
	var y secp256k1.FieldVal
	if !secp256k1.DecompressY(&x, false, &y) {
		return nil, errors.New("schnorrsig: x is not on the curve")
	}
	y.Normalize()
	if y.IsOdd() {
		y.Negate(1)
		y.Normalize()
	}
	p := new(secp256k1.JacobianPoint)
	p.X.Set(&x)
	p.Y.Set(&y)
	p.Z.SetInt(1)
	return p, nil
}

// challengeScalar computes e = int(sha256(tag||tag||r||pubkey||msg)) mod n
// per BIP-340's tagged hash construction.
func challengeScalar(r, pubkey, msg []byte) *secp256k1.ModNScalar {
	h := sha256.New()
	h.Write(challengeTag[:])
	h.Write(challengeTag[:])
	h.Write(r)
	h.Write(pubkey)
	h.Write(msg)
	digest := h.Sum(nil)
	e := new(secp256k1.ModNScalar)
	e.SetByteSlice(digest)
	return e
}

func decodeFixed(s string, n int) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(b) != n {
		return nil, fmt.Errorf("expected %d bytes, got %d", n, len(b))
	}
	return b, nil
}
