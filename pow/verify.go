package pow

import (
	"time"
)

// Proof is a solved challenge as submitted by a client.
type Proof struct {
	Ciphertext string `json:"ciphertext"`
	Nonce      string `json:"nonce"`
	Ts         int64  `json:"ts"`
	Salt       string `json:"salt"`
	Difficulty int    `json:"difficulty"`
}

// Verifier checks submitted proofs against the shared server secret.
type Verifier struct {
	secret string
}

// NewVerifier creates a verifier backed by the shared server secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: secret}
}

// Verify runs the verification gates in order, each one hard:
//
//  1. difficulty within [MinDifficulty, MaxDifficulty]
//  2. timestamp within ChallengeWindow of now, bounding how long a
//     precomputed solution can be stockpiled
//  3. salt matches the recomputation from (ts, secret), rejecting
//     forged or stale challenges
//  4. proof hash meets the leading-zero-bit target
//
// On success it returns the replay key for the caller to adjudicate
// against the replay store. Verification itself is stateless.
func (v *Verifier) Verify(p *Proof, now time.Time) (string, error) {
	if v.secret == "" {
		return "", ErrMisconfigured
	}

	if p.Difficulty < MinDifficulty || p.Difficulty > MaxDifficulty {
		return "", ErrInvalidDifficulty
	}

	drift := now.Unix() - p.Ts
	if drift < 0 {
		drift = -drift
	}
	if drift > int64(ChallengeWindow/time.Second) {
		return "", ErrStaleChallenge
	}

	if p.Salt != Salt(p.Ts, v.secret) {
		return "", ErrSaltMismatch
	}

	hash := ProofHash(p.Nonce, p.Ciphertext, p.Ts, p.Salt, p.Difficulty)
	if !HasLeadingZeroBits(hash[:], p.Difficulty) {
		return "", ErrProofInvalid
	}

	return ReplayKey(p.Nonce, p.Ciphertext, p.Ts, p.Salt), nil
}
