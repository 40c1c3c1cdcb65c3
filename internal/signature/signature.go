// Package signature verifies webhook payloads against the processor's
// signature scheme: HMAC-SHA256 over "<timestamp>.<raw body>" carried in a
// header of the form "t=<unix>,v1=<hex>". Verification always runs against the
// untouched wire bytes; re-serialized JSON would not match.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Header is the request header carrying the processor signature.
const Header = "Entitled-Signature"

// DefaultTolerance bounds how stale a signed timestamp may be.
const DefaultTolerance = 5 * time.Minute

var (
	ErrMissingHeader = errors.New("missing_signature_header")
	ErrInvalid       = errors.New("signature_mismatch")
	ErrExpired       = errors.New("signature_timestamp_expired")
)

type Verifier struct {
	tolerance time.Duration
	now       func() time.Time
}

func NewVerifier(tolerance time.Duration) *Verifier {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Verifier{tolerance: tolerance, now: time.Now}
}

// WithNow overrides the clock, for tests.
func (v *Verifier) WithNow(now func() time.Time) *Verifier {
	v.now = now
	return v
}

// Verify checks the header against the raw payload bytes under secret.
func (v *Verifier) Verify(payload []byte, header, secret string) error {
	header = strings.TrimSpace(header)
	if header == "" {
		return ErrMissingHeader
	}

	timestamp, signatures, err := parseHeader(header)
	if err != nil {
		return ErrInvalid
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrInvalid
	}
	age := v.now().UTC().Sub(time.Unix(ts, 0))
	if age > v.tolerance || age < -v.tolerance {
		return ErrExpired
	}

	expected := Sign(secret, timestamp, payload)
	for _, candidate := range signatures {
		if hmac.Equal([]byte(candidate), []byte(expected)) {
			return nil
		}
	}
	return ErrInvalid
}

// Sign computes the hex HMAC-SHA256 of "<timestamp>.<payload>" under secret.
// Shared with the outbound notifier, which signs its deliveries the same way.
func Sign(secret, timestamp string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(fmt.Sprintf("%s.%s", timestamp, payload)))
	return hex.EncodeToString(mac.Sum(nil))
}

func parseHeader(header string) (string, []string, error) {
	var timestamp string
	signatures := []string{}
	for _, part := range strings.Split(header, ",") {
		piece := strings.TrimSpace(part)
		if piece == "" {
			continue
		}
		keyValue := strings.SplitN(piece, "=", 2)
		if len(keyValue) != 2 {
			continue
		}
		key := strings.TrimSpace(keyValue[0])
		value := strings.TrimSpace(keyValue[1])
		if key == "t" {
			timestamp = value
		}
		if key == "v1" {
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return "", nil, errors.New("malformed_signature_header")
	}
	return timestamp, signatures, nil
}
