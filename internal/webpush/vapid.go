package webpush

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrUnauthorized means the Authorization header is missing or its token is invalid.
	ErrUnauthorized = errors.New("webpush: invalid vapid authorization")
	// ErrKeyMismatch means the sender's key is not the subscription's application server key.
	ErrKeyMismatch = errors.New("webpush: vapid key does not match subscription")
)

// Authorization is a parsed `vapid t=<jwt>, k=<key>` header.
type Authorization struct {
	Token string
	Key   []byte
}

func ParseAuthorization(h string) (Authorization, error) {
	scheme, params, ok := strings.Cut(strings.TrimSpace(h), " ")
	if !ok || !strings.EqualFold(scheme, "vapid") {
		return Authorization{}, ErrUnauthorized
	}
	var a Authorization
	for _, p := range strings.Split(params, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(p), "=")
		if !ok {
			continue
		}
		switch strings.ToLower(k) {
		case "t":
			a.Token = v
		case "k":
			key, err := Decode(v)
			if err != nil {
				return Authorization{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
			}
			a.Key = key
		}
	}
	if a.Token == "" || len(a.Key) == 0 {
		return Authorization{}, ErrUnauthorized
	}
	return a, nil
}

// Audience returns the origin of endpoint, the value a VAPID token must carry in aud.
func Audience(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("webpush: endpoint %q is not absolute", endpoint)
	}
	return u.Scheme + "://" + u.Host, nil
}

// Verify checks a delivery's Authorization header against the subscription's
// application server key and endpoint. It returns the token's subject.
func Verify(header string, serverKey []byte, endpoint string, now time.Time) (string, error) {
	a, err := ParseAuthorization(header)
	if err != nil {
		return "", err
	}
	if !bytes.Equal(a.Key, serverKey) {
		return "", ErrKeyMismatch
	}
	pub, err := ecdsaPublicKey(a.Key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	aud, err := Audience(endpoint)
	if err != nil {
		return "", err
	}

	tok, err := jwt.Parse(a.Token,
		func(*jwt.Token) (any, error) { return pub, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}),
		jwt.WithAudience(aud),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	sub, _ := tok.Claims.GetSubject()
	return sub, nil
}

func ecdsaPublicKey(b []byte) (*ecdsa.PublicKey, error) {
	if _, err := ParsePublicKey(b); err != nil {
		return nil, err
	}
	return &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(b[1:33]),
		Y:     new(big.Int).SetBytes(b[33:65]),
	}, nil
}
