// Package code derives and validates short-lived numeric redemption codes.
//
// A code is an HMAC-SHA1 over the current time bucket, keyed by the coupon's
// secret, dynamically truncated to a fixed number of decimal digits. Codes
// are never stored; they are recomputed on demand, so revoking a coupon is
// just a status flip.
package code

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/go-faster/errors"
)

// SecretSize is the length in bytes of a coupon secret, matching the
// HMAC-SHA1 block recommendation for 20-byte digests.
const SecretSize = 20

var (
	// ErrBadSecret is returned when a stored secret fails to decode. It
	// signals data corruption or misconfiguration, never a user mistake.
	ErrBadSecret = errors.New("malformed coupon secret")
	// ErrEmptySecret is returned when a secret is missing entirely.
	ErrEmptySecret = errors.New("empty coupon secret")
)

// Config holds the engine parameters. Window and digit count are deployment
// configuration rather than compiled-in constants so tests can inject small
// windows and callers can tune the legibility/security trade-off.
type Config struct {
	// Window is the width of one time bucket.
	Window time.Duration
	// Digits is the length of generated codes.
	Digits int
	// Tolerance is the number of adjacent buckets accepted on each side
	// during validation, absorbing clock drift between display and entry.
	Tolerance int
}

// DefaultConfig returns the production parameters: 120-second buckets,
// 8-digit codes, one bucket of drift either way.
func DefaultConfig() Config {
	return Config{
		Window:    120 * time.Second,
		Digits:    8,
		Tolerance: 1,
	}
}

// Result is the outcome of validating a presented code.
type Result struct {
	// Valid reports whether the code matched any bucket in the window.
	Valid bool
	// Offset is the bucket offset (relative to now) that matched.
	// Only meaningful when Valid is true.
	Offset int
}

// Engine derives and validates time-bucketed codes. It is stateless and safe
// for concurrent use.
type Engine struct {
	cfg Config
	mod uint32
}

// NewEngine creates an Engine from the given config. Out-of-range fields
// fall back to their defaults.
func NewEngine(cfg Config) *Engine {
	def := DefaultConfig()
	// Bucket math divides by whole seconds, so sub-second windows are as
	// invalid as non-positive ones.
	if cfg.Window < time.Second {
		cfg.Window = def.Window
	}
	if cfg.Digits <= 0 || cfg.Digits > 9 {
		cfg.Digits = def.Digits
	}
	if cfg.Tolerance < 0 {
		cfg.Tolerance = def.Tolerance
	}

	mod := uint32(1)
	for range cfg.Digits {
		mod *= 10
	}

	return &Engine{cfg: cfg, mod: mod}
}

// Config returns the engine's effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// CurrentBucket returns the time bucket containing now.
func (e *Engine) CurrentBucket(now time.Time) int64 {
	return now.Unix() / int64(e.cfg.Window/time.Second)
}

// Derive computes the code for the given secret and bucket. It is a pure
// function: the same inputs always produce the same code.
//
// The bucket occupies the low 4 bytes of an 8-byte big-endian message; the
// high 4 bytes stay zero, reserving room for a full 64-bit time range.
func (e *Engine) Derive(secret []byte, bucket int64) (string, error) {
	if len(secret) == 0 {
		return "", ErrEmptySecret
	}

	var msg [8]byte
	binary.BigEndian.PutUint32(msg[4:], uint32(bucket))

	mac := hmac.New(sha1.New, secret)
	mac.Write(msg[:])
	sum := mac.Sum(nil)

	// Dynamic truncation per RFC 4226: the low nibble of the last digest
	// byte picks a 4-byte window, whose sign bit is cleared.
	offset := sum[len(sum)-1] & 0x0f
	value := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7fffffff

	return fmt.Sprintf("%0*d", e.cfg.Digits, value%e.mod), nil
}

// Validate checks a presented code against the buckets within the tolerance
// window around now. Offsets are tried in order from -tolerance to
// +tolerance and the first match wins. Comparison is constant-time.
func (e *Engine) Validate(presented string, secret []byte, now time.Time) (Result, error) {
	if len(presented) != e.cfg.Digits {
		return Result{}, nil
	}

	current := e.CurrentBucket(now)
	for off := -e.cfg.Tolerance; off <= e.cfg.Tolerance; off++ {
		candidate, err := e.Derive(secret, current+int64(off))
		if err != nil {
			return Result{}, err
		}
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(presented)) == 1 {
			return Result{Valid: true, Offset: off}, nil
		}
	}

	return Result{}, nil
}

// NewSecret generates a fresh random secret.
func NewSecret() ([]byte, error) {
	secret := make([]byte, SecretSize)
	if _, err := rand.Read(secret); err != nil {
		return nil, errors.Wrap(err, "read random secret")
	}
	return secret, nil
}

// EncodeSecret renders a secret for storage.
func EncodeSecret(secret []byte) string {
	return hex.EncodeToString(secret)
}

// DecodeSecret parses a stored secret. A decode failure means the stored
// record is corrupt and is reported as ErrBadSecret, never as an invalid
// code.
func DecodeSecret(s string) ([]byte, error) {
	if s == "" {
		return nil, ErrEmptySecret
	}
	secret, err := hex.DecodeString(s)
	if err != nil {
		return nil, errors.Wrap(ErrBadSecret, err.Error())
	}
	return secret, nil
}
