package network

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// Key is a WireGuard Curve25519 key
type Key [curve25519.ScalarSize]byte

// ParseKey decodes a base64 WireGuard key
func ParseKey(s string) (Key, error) {
	var k Key
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return k, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(raw) != len(k) {
		return k, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidKey, len(raw), len(k))
	}
	copy(k[:], raw)
	return k, nil
}

// String returns the base64 form used in WireGuard configs
func (k Key) String() string {
	return base64.StdEncoding.EncodeToString(k[:])
}

// Hex returns the hex form used by the UAPI protocol
func (k Key) Hex() string {
	return hex.EncodeToString(k[:])
}

// GeneratePrivateKey returns a new clamped Curve25519 private key
func GeneratePrivateKey() (Key, error) {
	var k Key
	if _, err := rand.Read(k[:]); err != nil {
		return k, err
	}
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
	return k, nil
}

// PublicKey derives the public key for a private key
func (k Key) PublicKey() Key {
	var pub Key
	priv := [curve25519.ScalarSize]byte(k)
	curve25519.ScalarBaseMult((*[curve25519.PointSize]byte)(&pub), &priv)
	return pub
}

// PublicKeyFromPrivate derives the base64 public key from a base64 private key
func PublicKeyFromPrivate(private string) (string, error) {
	k, err := ParseKey(private)
	if err != nil {
		return "", err
	}
	return k.PublicKey().String(), nil
}
