// Package auth: bridge token + HMAC signature verification.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	sigVersion = "v1"
	sigContext = "ws-bridge|"
)

// DefaultTolerance for signature timestamps.
const DefaultTolerance = 2 * time.Minute

var (
	ErrUnauthorized  = errors.New("unauthorized")
	ErrNotConfigured = errors.New("bridge auth not configured")
)

// ConstantTimeEqual compares two tokens (constant-time).
func ConstantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func mac(token string, tsMs int64) []byte {
	h := hmac.New(sha256.New, []byte(token))
	h.Write([]byte(sigContext + strconv.FormatInt(tsMs, 10)))
	return h.Sum(nil)
}

// Sign -> "v1,<tsMs>,<hex hmac>".
func Sign(token string, ts time.Time) string {
	ms := ts.UnixMilli()
	return sigVersion + "," + strconv.FormatInt(ms, 10) + "," + hex.EncodeToString(mac(token, ms))
}

// ValidSignature checks version, |now-ts| <= tolerance, then HMAC (constant-time).
func ValidSignature(sig, token string, now time.Time, tolerance time.Duration) bool {
	parts := strings.Split(sig, ",")
	if len(parts) != 3 || parts[0] != sigVersion {
		return false
	}
	ms, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return false
	}
	skew := now.UnixMilli() - ms
	if skew < 0 {
		skew = -skew
	}
	if skew > tolerance.Milliseconds() {
		return false
	}
	got, err := hex.DecodeString(parts[2])
	if err != nil {
		return false
	}
	return hmac.Equal(got, mac(token, ms))
}

// Verifier: primary + optional next token (rotation). Strict = signature required.
type Verifier struct {
	Primary   string
	Next      string
	Tolerance time.Duration
	Strict    bool
	Now       func() time.Time // nil = time.Now
}

// Configured: at least one credential set.
func (v *Verifier) Configured() bool {
	return v != nil && (v.Primary != "" || v.Next != "")
}

func (v *Verifier) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

func (v *Verifier) tolerance() time.Duration {
	if v.Tolerance > 0 {
		return v.Tolerance
	}
	return DefaultTolerance
}

// Verify token (+ sig). A present sig must verify against the token it came
// with; lenient mode accepts a bare matching token.
func (v *Verifier) Verify(token, sig string) error {
	if !v.Configured() {
		return ErrNotConfigured
	}
	if token == "" {
		return ErrUnauthorized
	}
	if sig == "" {
		if v.Strict {
			return ErrUnauthorized
		}
		if v.matches(token) {
			return nil
		}
		return ErrUnauthorized
	}
	now := v.now()
	for _, cred := range []string{v.Primary, v.Next} {
		if cred != "" && ConstantTimeEqual(token, cred) && ValidSignature(sig, cred, now, v.tolerance()) {
			return nil
		}
	}
	return ErrUnauthorized
}

func (v *Verifier) matches(token string) bool {
	return (v.Primary != "" && ConstantTimeEqual(token, v.Primary)) ||
		(v.Next != "" && ConstantTimeEqual(token, v.Next))
}

// TokenFromRequest: Bearer, X-Bridge-Token, then ?token=.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		if t := strings.TrimSpace(h[len("Bearer "):]); t != "" {
			return t
		}
	}
	if t := r.Header.Get("X-Bridge-Token"); t != "" {
		return t
	}
	return r.URL.Query().Get("token")
}

// SignatureFromRequest: X-Bridge-Sig, then ?sig=.
func SignatureFromRequest(r *http.Request) string {
	if s := r.Header.Get("X-Bridge-Sig"); s != "" {
		return s
	}
	return r.URL.Query().Get("sig")
}

// VerifyRequest pulls credentials from r and verifies them.
func (v *Verifier) VerifyRequest(r *http.Request) error {
	return v.Verify(TokenFromRequest(r), SignatureFromRequest(r))
}

// HTTPStatus maps a Verify error: 501 not configured, 401 otherwise.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotConfigured):
		return http.StatusNotImplemented
	default:
		return http.StatusUnauthorized
	}
}
