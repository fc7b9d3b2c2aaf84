package pow

import (
	"math"
	"time"
)

// Challenge is handed to a client before it may submit. It is never
// persisted; the salt is regenerated from Ts and the server secret
// during verification.
type Challenge struct {
	Ts         int64  `json:"ts"`
	Salt       string `json:"salt"`
	Difficulty int    `json:"difficulty"`
}

// Issuer picks difficulties and emits challenges. The server holds
// authority over difficulty; the client benchmark is advisory input
// only.
type Issuer struct {
	secret string
	now    func() time.Time
}

// NewIssuer creates an issuer backed by the shared server secret.
func NewIssuer(secret string) *Issuer {
	return &Issuer{secret: secret, now: time.Now}
}

// DifficultyFor maps a client-measured milliseconds-per-hash figure to
// a difficulty. Faster hardware gets a higher bit target, so solve
// time stays within a rough wall-clock budget regardless of client
// speed. The result is stepped down by one and floored at
// MinDifficulty.
func DifficultyFor(benchMs float64) int {
	var difficulty int
	switch {
	case benchMs < 0.08:
		difficulty = 18
	case benchMs < 0.12:
		difficulty = 17
	case benchMs < 0.20:
		difficulty = 16
	case benchMs < 0.35:
		difficulty = 15
	case benchMs < 0.60:
		difficulty = 14
	default:
		difficulty = 13
	}

	difficulty--
	if difficulty < MinDifficulty {
		difficulty = MinDifficulty
	}
	return difficulty
}

// Challenge issues a fresh challenge for a client reporting benchMs
// milliseconds per hash. Fails closed with ErrMisconfigured when no
// secret is set, and rejects non-finite or non-positive benchmarks.
func (i *Issuer) Challenge(benchMs float64) (*Challenge, error) {
	if i.secret == "" {
		return nil, ErrMisconfigured
	}
	if math.IsNaN(benchMs) || math.IsInf(benchMs, 0) || benchMs <= 0 {
		return nil, ErrInvalidBenchmark
	}

	ts := i.now().Unix()
	return &Challenge{
		Ts:         ts,
		Salt:       Salt(ts, i.secret),
		Difficulty: DifficultyFor(benchMs),
	}, nil
}
