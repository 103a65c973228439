// Package token signs the handles page adapters use to address a running
// page session.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

var (
	ErrInvalid = errors.New("invalid token")
	ErrExpired = errors.New("token expired")
)

// Claims identify one page session.
type Claims struct {
	SessionID string
	Domain    string
	VisitorID string
	IssuedAt  time.Time
}

type payload struct {
	SID string `json:"s"`
	D   string `json:"d"`
	V   string `json:"v,omitempty"`
	TS  int64  `json:"t"`
}

// Generate creates a signed token for a page session.
func Generate(sessionID, domain, visitorID string, secret []byte) (string, error) {
	return generateAt(sessionID, domain, visitorID, time.Now(), secret)
}

func generateAt(sessionID, domain, visitorID string, now time.Time, secret []byte) (string, error) {
	if sessionID == "" {
		return "", errors.New("session id is required")
	}
	data, err := json.Marshal(payload{SID: sessionID, D: domain, V: visitorID, TS: now.Unix()})
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(data)
	sig := mac.Sum(nil)

	enc := base64.RawURLEncoding
	return enc.EncodeToString(data) + "." + enc.EncodeToString(sig), nil
}

// Verify checks the token integrity and expiry and returns its claims. A
// non-positive ttl disables the expiry check.
func Verify(token string, secret []byte, ttl time.Duration) (Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		return Claims{}, ErrInvalid
	}
	enc := base64.RawURLEncoding
	data, err := enc.DecodeString(parts[0])
	if err != nil {
		return Claims{}, ErrInvalid
	}
	sig, err := enc.DecodeString(parts[1])
	if err != nil {
		return Claims{}, ErrInvalid
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(data)
	if !hmac.Equal(mac.Sum(nil), sig) {
		return Claims{}, ErrInvalid
	}

	var pl payload
	if err := json.Unmarshal(data, &pl); err != nil || pl.SID == "" {
		return Claims{}, ErrInvalid
	}
	issued := time.Unix(pl.TS, 0)
	if ttl > 0 && time.Since(issued) > ttl {
		return Claims{}, ErrExpired
	}
	return Claims{SessionID: pl.SID, Domain: pl.D, VisitorID: pl.V, IssuedAt: issued}, nil
}
