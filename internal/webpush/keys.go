// Package webpush implements the receiving side of Web Push message
// encryption (RFC 8291, aes128gcm) and VAPID authorization (RFC 8292).
package webpush

import (
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// AuthSecretSize is the length of a subscription's auth secret.
const AuthSecretSize = 16

// PublicKeySize is the length of an uncompressed P-256 point.
const PublicKeySize = 65

// Keys is the key material a user agent creates for one subscription.
type Keys struct {
	Private *ecdh.PrivateKey
	Auth    []byte
}

// P256dh returns the uncompressed public key.
func (k Keys) P256dh() []byte { return k.Private.PublicKey().Bytes() }

// GenerateKeys creates a P-256 key pair and a random auth secret.
func GenerateKeys() (Keys, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return Keys{}, fmt.Errorf("generate p256 key: %w", err)
	}
	auth := make([]byte, AuthSecretSize)
	if _, err := rand.Read(auth); err != nil {
		return Keys{}, fmt.Errorf("generate auth secret: %w", err)
	}
	return Keys{Private: priv, Auth: auth}, nil
}

// ParsePrivateKey restores a stored subscription key.
func ParsePrivateKey(b []byte) (*ecdh.PrivateKey, error) {
	return ecdh.P256().NewPrivateKey(b)
}

// ParsePublicKey checks that b is an uncompressed point on P-256.
func ParsePublicKey(b []byte) (*ecdh.PublicKey, error) {
	if len(b) != PublicKeySize || b[0] != 0x04 {
		return nil, errors.New("webpush: public key must be a 65-byte uncompressed P-256 point")
	}
	return ecdh.P256().NewPublicKey(b)
}

// Encode returns the URL-safe unpadded base64 form used on the wire.
func Encode(b []byte) string { return base64.RawURLEncoding.EncodeToString(b) }

// Decode accepts URL-safe or standard base64, padded or not.
func Decode(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	s = strings.NewReplacer("-", "+", "_", "/").Replace(s)
	s = strings.TrimRight(s, "=")
	b, err := base64.RawStdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("webpush: decode key: %w", err)
	}
	return b, nil
}
