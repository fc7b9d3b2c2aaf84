package testutil

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/grayguava/formseal/kv"
	"github.com/grayguava/formseal/pow"
	"github.com/grayguava/formseal/server"
)

// Secrets used across test configurations.
const (
	TestPowSecret        = "test-pow-secret"
	TestWriteSecret      = "test-write-secret"
	TestAutomationSecret = "test-automation-secret"
)

// ConfigOption mutates a test server configuration.
type ConfigOption func(*server.Config)

// WithBrowserKey enables browser-mode admin auth with the given
// public key.
func WithBrowserKey(pub ed25519.PublicKey) ConfigOption {
	return func(cfg *server.Config) {
		cfg.AdminBrowserPubKey = pub
	}
}

// WithoutAutomationSecret disables automation-mode admin auth.
func WithoutAutomationSecret() ConfigOption {
	return func(cfg *server.Config) {
		cfg.AdminAutomationSecret = ""
	}
}

// NewTestConfig builds a server configuration over fresh in-memory
// stores with all secrets set.
func NewTestConfig(options ...ConfigOption) *server.Config {
	cfg := &server.Config{
		PowSecret:             TestPowSecret,
		WriteSecret:           TestWriteSecret,
		AdminAutomationSecret: TestAutomationSecret,
		Ratelimit:             kv.NewMemoryStore(),
		Submits:               kv.NewMemoryStore(),
		ExportTokens:          kv.NewMemoryStore(),
		Log:                   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, option := range options {
		option(cfg)
	}
	return cfg
}

// GenerateAdminKeyPair generates an Ed25519 key pair for browser-mode
// auth tests.
func GenerateAdminKeyPair(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return pub, priv
}

// SolveTestProof brute-forces a valid proof for the given challenge.
// Keep test challenges at minimum difficulty or this gets slow.
func SolveTestProof(t *testing.T, challenge *pow.Challenge, ciphertext string) *pow.Proof {
	t.Helper()
	for i := 0; ; i++ {
		nonce := fmt.Sprintf("test-nonce-%d", i)
		hash := pow.ProofHash(nonce, ciphertext, challenge.Ts, challenge.Salt, challenge.Difficulty)
		if pow.HasLeadingZeroBits(hash[:], challenge.Difficulty) {
			return &pow.Proof{
				Ciphertext: ciphertext,
				Nonce:      nonce,
				Ts:         challenge.Ts,
				Salt:       challenge.Salt,
				Difficulty: challenge.Difficulty,
			}
		}
	}
}
