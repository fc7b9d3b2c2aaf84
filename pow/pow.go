package pow

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"time"
)

const (
	// MinDifficulty and MaxDifficulty bound the leading-zero-bit
	// target a client may be asked to meet.
	MinDifficulty = 12
	MaxDifficulty = 18

	// ChallengeWindow is how far a challenge timestamp may deviate
	// from server time, in either direction, and still verify.
	ChallengeWindow = 60 * time.Second

	// ReplayTTL is how long replay keys stay marked. It exceeds the
	// challenge window by a grace period so a proof cannot outlive
	// its replay mark.
	ReplayTTL = ChallengeWindow + 10*time.Second
)

var (
	// ErrMisconfigured is returned when the server secret is absent.
	// Issuance and verification fail closed without it.
	ErrMisconfigured = errors.New("pow secret is not configured")

	// ErrInvalidBenchmark is returned for a non-finite or
	// non-positive client benchmark.
	ErrInvalidBenchmark = errors.New("invalid benchmark")

	ErrInvalidDifficulty = errors.New("difficulty out of bounds")
	ErrStaleChallenge    = errors.New("challenge outside freshness window")
	ErrSaltMismatch      = errors.New("salt does not match challenge timestamp")
	ErrProofInvalid      = errors.New("proof hash does not meet difficulty target")
)

// Salt derives the challenge salt for a timestamp. It is deterministic
// in (ts, secret), which lets verification recompute it instead of
// looking anything up.
func Salt(ts int64, secret string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d|%s", ts, secret)))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// HasLeadingZeroBits reports whether the top `bits` bits of hash are
// all zero. Whole zero bytes are consumed first; a trailing partial
// byte is checked by shifting its high bits into place. The algorithm
// must match the client's check bit for bit so difficulty means the
// same thing on both sides.
func HasLeadingZeroBits(hash []byte, bits int) bool {
	remaining := bits
	for _, b := range hash {
		if remaining <= 0 {
			return true
		}
		if remaining >= 8 {
			if b != 0 {
				return false
			}
			remaining -= 8
		} else {
			return b>>(8-remaining) == 0
		}
	}
	return true
}

// ProofHash computes the hash a proof is judged by.
func ProofHash(nonce, ciphertext string, ts int64, salt string, difficulty int) [sha256.Size]byte {
	return sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%s|%d", nonce, ciphertext, ts, salt, difficulty)))
}

// ReplayKey derives the idempotency key for a proof. Difficulty is
// deliberately excluded: the same (nonce, ciphertext, ts, salt) tuple
// must not be accepted twice at any difficulty.
func ReplayKey(nonce, ciphertext string, ts int64, salt string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%s", nonce, ciphertext, ts, salt)))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
