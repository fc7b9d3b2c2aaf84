package server

import (
	"crypto/ed25519"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/grayguava/formseal/kv"
)

// Defaults for the knobs that are policy rather than protocol.
const (
	// DefaultMaxExportEntries caps a single export as an
	// operator-side safety valve.
	DefaultMaxExportEntries = 50_000

	// DefaultExportPageSize is the listing page size used while
	// streaming an export.
	DefaultExportPageSize = 500

	// DefaultSubmitsNamespace names the submission store in export
	// metadata.
	DefaultSubmitsNamespace = "FS_SUBMITS"

	// DefaultRequestTimeout bounds a single non-streaming request.
	DefaultRequestTimeout = 30 * time.Second
)

// Config is the immutable configuration a Handler is constructed
// with. Secrets come from the environment exactly once at startup;
// there is no mutable global state.
type Config struct {
	// PowSecret derives challenge salts. Issuance and verification
	// fail closed without it.
	PowSecret string

	// WriteSecret authenticates the internal submission channel
	// (the X-Internal-Auth header on POST /api/write).
	WriteSecret string

	// AdminAutomationSecret is the bearer secret for
	// automation-mode admin access. Empty means automation access
	// is disabled, not open.
	AdminAutomationSecret string

	// AdminBrowserPubKey verifies browser-mode signed export
	// requests. Nil disables browser-mode access.
	AdminBrowserPubKey ed25519.PublicKey

	// WriteURL overrides where verified submissions are forwarded.
	// Empty derives the write endpoint from the incoming request,
	// which keeps single-binary deployments zero-config.
	WriteURL string

	// Ratelimit holds replay marks and admin nonces.
	Ratelimit kv.Store
	// Submits holds stored ciphertexts.
	Submits kv.Store
	// ExportTokens holds minted export token records.
	ExportTokens kv.Store

	// SubmitsNamespace is reported in the export meta header so a
	// consumer can tell which store a dump came from.
	SubmitsNamespace string

	// MaxExportEntries caps a single export; 0 uses the default.
	MaxExportEntries int

	// PublicRateLimit and PublicRateBurst bound per-IP request
	// rates on the public challenge/verify endpoints. Zero values
	// disable the limiter.
	PublicRateLimit rate.Limit
	PublicRateBurst int

	// RequestTimeout bounds every request except the export stream,
	// which runs until the connection's write timeout. A deadline on
	// the stream would cancel healthy store reads mid-export after
	// the token is already burned.
	RequestTimeout time.Duration

	// Log is the structured logger. Nil uses slog.Default.
	Log *slog.Logger
}

func (c *Config) withDefaults() *Config {
	out := *c
	if out.SubmitsNamespace == "" {
		out.SubmitsNamespace = DefaultSubmitsNamespace
	}
	if out.MaxExportEntries == 0 {
		out.MaxExportEntries = DefaultMaxExportEntries
	}
	if out.RequestTimeout == 0 {
		out.RequestTimeout = DefaultRequestTimeout
	}
	if out.Log == nil {
		out.Log = slog.Default()
	}
	return &out
}
