package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/grayguava/formseal/pow"
)

const (
	// maxRequestBytes caps the raw body on the public submission
	// endpoints before any parsing happens.
	maxRequestBytes = 10_000

	// maxCiphertextBytes caps the sealed payload itself.
	maxCiphertextBytes = 4096

	// submissionTTL is how long stored ciphertexts are retained.
	submissionTTL = 30 * 24 * time.Hour
)

var (
	challengesIssued   = metrics.NewCounter("formseal_challenges_issued_total")
	proofsAccepted     = metrics.NewCounter("formseal_proofs_accepted_total")
	submissionsStored  = metrics.NewCounter("formseal_submissions_stored_total")
	exportsStreamed    = metrics.NewCounter("formseal_exports_streamed_total")
	exportTokensMinted = metrics.NewCounter("formseal_export_tokens_minted_total")
)

func countProofRejected(reason string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`formseal_proofs_rejected_total{reason=%q}`, reason)).Inc()
}

// Handler wires the submission and disclosure endpoints together. It
// implements httpserver.RouteRegistrar.
type Handler struct {
	cfg      *Config
	issuer   *pow.Issuer
	verifier *pow.Verifier
	replay   *ReplayGuard
	auth     *AdminAuth
	tokens   *ExportTokenManager
	streamer *ExportStreamer
	forward  *Forwarder
	limiter  *ipLimiter
	log      *slog.Logger
	now      func() time.Time
}

// New creates a handler from an immutable configuration snapshot.
func New(cfg *Config) *Handler {
	cfg = cfg.withDefaults()

	h := &Handler{
		cfg:      cfg,
		issuer:   pow.NewIssuer(cfg.PowSecret),
		verifier: pow.NewVerifier(cfg.PowSecret),
		auth:     NewAdminAuth(cfg.AdminAutomationSecret, cfg.AdminBrowserPubKey, cfg.Ratelimit),
		forward:  NewForwarder(cfg.WriteSecret),
		log:      cfg.Log,
		now:      time.Now,
	}
	if cfg.Ratelimit != nil {
		h.replay = NewReplayGuard(cfg.Ratelimit)
	}
	if cfg.ExportTokens != nil {
		h.tokens = NewExportTokenManager(cfg.ExportTokens)
	}
	if cfg.Submits != nil {
		h.streamer = NewExportStreamer(cfg.Submits, cfg.SubmitsNamespace, cfg.MaxExportEntries, cfg.Log)
	}
	if cfg.PublicRateLimit > 0 && cfg.PublicRateBurst > 0 {
		h.limiter = newIPLimiter(cfg.PublicRateLimit, cfg.PublicRateBurst)
	}
	return h
}

// RegisterRoutes registers all API routes with the provided router.
// The request timeout applies per-route rather than router-wide: the
// export stream is exempt, since a mid-stream deadline would cancel
// healthy store reads after the token is already burned. The stream is
// bounded by the server's write timeout instead.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(h.cfg.RequestTimeout))

			public := r
			if h.limiter != nil {
				public = r.With(h.limiter.Middleware)
			}
			public.Post("/challenge", h.handleChallenge)
			public.Post("/verify", h.handleVerify)

			r.Post("/write", h.handleWrite)
			r.Post("/export-request", h.handleExportRequest)
			r.Get("/status", h.handleStatus)
		})

		r.Get("/export/{token}", h.handleExport)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleChallenge issues a fresh challenge calibrated to the client's
// self-reported hash benchmark.
func (h *Handler) handleChallenge(w http.ResponseWriter, r *http.Request) {
	// Configuration is checked before the body is touched; a broken
	// deployment reports 500 no matter what the client sent.
	if h.cfg.PowSecret == "" {
		http.Error(w, "Misconfigured", http.StatusInternalServerError)
		return
	}

	var req struct {
		BenchMs float64 `json:"bench_ms"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes)).Decode(&req); err != nil {
		http.Error(w, "Bad JSON", http.StatusBadRequest)
		return
	}

	challenge, err := h.issuer.Challenge(req.BenchMs)
	if err != nil {
		http.Error(w, "Invalid benchmark", http.StatusBadRequest)
		return
	}

	challengesIssued.Inc()
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, challenge)
}

// handleVerify runs the full public submission gauntlet. The gates run
// in a fixed order and every failure is terminal; only a proof that
// clears all of them reaches the write path.
func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	if h.cfg.PowSecret == "" || h.cfg.WriteSecret == "" || h.replay == nil {
		http.Error(w, "Misconfigured", http.StatusInternalServerError)
		return
	}

	if !hasJSONContentType(r) {
		http.Error(w, "Unsupported Media Type", http.StatusUnsupportedMediaType)
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes+1))
	if err != nil {
		http.Error(w, "Bad JSON", http.StatusBadRequest)
		return
	}
	if len(raw) > maxRequestBytes {
		http.Error(w, "Payload too large", http.StatusRequestEntityTooLarge)
		return
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		http.Error(w, "Bad JSON", http.StatusBadRequest)
		return
	}

	allowed := map[string]bool{
		"ciphertext": true, "nonce": true, "ts": true, "salt": true, "difficulty": true,
	}
	for key := range fields {
		if !allowed[key] {
			http.Error(w, "Invalid payload", http.StatusBadRequest)
			return
		}
	}

	var difficulty float64
	if err := json.Unmarshal(fields["difficulty"], &difficulty); err != nil ||
		difficulty != math.Trunc(difficulty) ||
		difficulty < pow.MinDifficulty || difficulty > pow.MaxDifficulty {
		http.Error(w, "Invalid difficulty", http.StatusBadRequest)
		return
	}

	proof := pow.Proof{Difficulty: int(difficulty)}
	if json.Unmarshal(fields["ciphertext"], &proof.Ciphertext) != nil ||
		json.Unmarshal(fields["nonce"], &proof.Nonce) != nil ||
		json.Unmarshal(fields["ts"], &proof.Ts) != nil ||
		json.Unmarshal(fields["salt"], &proof.Salt) != nil ||
		proof.Ciphertext == "" || proof.Nonce == "" || proof.Salt == "" {
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}

	if len(proof.Ciphertext) > maxCiphertextBytes {
		http.Error(w, "Ciphertext too large", http.StatusRequestEntityTooLarge)
		return
	}

	replayKey, err := h.verifier.Verify(&proof, h.now())
	if err != nil {
		countProofRejected(rejectionReason(err))
		http.Error(w, "PoW failed", http.StatusForbidden)
		return
	}

	fresh, err := h.replay.CheckAndMark(r.Context(), replayKey)
	if err != nil {
		h.log.Error("replay mark failed", "err", err)
		http.Error(w, "Storage failed", http.StatusBadGateway)
		return
	}
	if !fresh {
		countProofRejected("replay")
		http.Error(w, "PoW replay", http.StatusForbidden)
		return
	}

	if err := h.forward.Forward(r.Context(), h.writeURL(r), proof.Ciphertext); err != nil {
		h.log.Error("submission forward failed", "err", err)
		http.Error(w, "Storage failed", http.StatusBadGateway)
		return
	}

	proofsAccepted.Inc()
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, pow.ErrInvalidDifficulty):
		return "difficulty"
	case errors.Is(err, pow.ErrStaleChallenge):
		return "stale"
	case errors.Is(err, pow.ErrSaltMismatch):
		return "salt"
	default:
		return "proof"
	}
}

// writeURL resolves where verified submissions are forwarded: the
// configured override, or this same deployment's write endpoint
// derived from the incoming request.
func (h *Handler) writeURL(r *http.Request) string {
	if h.cfg.WriteURL != "" {
		return h.cfg.WriteURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/api/write", scheme, r.Host)
}

// handleWrite is the internal-only blind write endpoint. It stores the
// ciphertext under a random key without inspecting it.
func (h *Handler) handleWrite(w http.ResponseWriter, r *http.Request) {
	// Auth runs first and fails closed: an unset write secret means
	// the channel is disabled, never open.
	auth := r.Header.Get("X-Internal-Auth")
	if h.cfg.WriteSecret == "" ||
		subtle.ConstantTimeCompare([]byte(auth), []byte(h.cfg.WriteSecret)) != 1 {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	if h.cfg.Submits == nil {
		http.Error(w, "Misconfigured", http.StatusInternalServerError)
		return
	}

	if !hasJSONContentType(r) {
		http.Error(w, "Unsupported Media Type", http.StatusUnsupportedMediaType)
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes+1))
	if err != nil || len(raw) > maxRequestBytes {
		http.Error(w, "Payload too large", http.StatusRequestEntityTooLarge)
		return
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		http.Error(w, "Bad JSON", http.StatusBadRequest)
		return
	}
	if len(fields) != 1 {
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}
	var ciphertext string
	if json.Unmarshal(fields["ciphertext"], &ciphertext) != nil || ciphertext == "" {
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}
	if len(ciphertext) > maxCiphertextBytes {
		http.Error(w, "Ciphertext too large", http.StatusRequestEntityTooLarge)
		return
	}

	key := uuid.NewString()
	if err := h.cfg.Submits.Put(r.Context(), key, ciphertext, submissionTTL); err != nil {
		h.log.Error("submission store failed", "err", err)
		http.Error(w, "Storage failed", http.StatusBadGateway)
		return
	}

	submissionsStored.Inc()
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleExportRequest authenticates an admin and mints a one-time
// download token.
func (h *Handler) handleExportRequest(w http.ResponseWriter, r *http.Request) {
	if h.tokens == nil {
		http.Error(w, "Misconfigured", http.StatusInternalServerError)
		return
	}

	id, err := h.auth.Authenticate(r.Context(), r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusForbidden)
		return
	}

	token, expiresIn, err := h.tokens.Mint(r.Context(), id)
	if err != nil {
		h.log.Error("export token mint failed", "err", err)
		http.Error(w, "Storage failed", http.StatusBadGateway)
		return
	}

	exportTokensMinted.Inc()
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, map[string]any{
		"download_url": fmt.Sprintf("%s://%s/api/export/%s", scheme, r.Host, token),
		"expires_in":   expiresIn,
	})
}

// handleExport redeems a download token and streams the export. The
// token is burned before the first byte is written; an aborted stream
// cannot be resumed with the same token.
func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	if h.tokens == nil || h.streamer == nil {
		http.Error(w, "Misconfigured", http.StatusInternalServerError)
		return
	}

	id, err := h.auth.Authenticate(r.Context(), r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusForbidden)
		return
	}

	token := chi.URLParam(r, "token")
	switch err := h.tokens.Redeem(r.Context(), token, id); {
	case err == nil:
	case errors.Is(err, ErrTokenNotFound):
		http.Error(w, "Not found", http.StatusNotFound)
		return
	case errors.Is(err, ErrTokenCorrupt):
		http.Error(w, "Invalid token", http.StatusBadRequest)
		return
	case errors.Is(err, ErrTokenExpired):
		http.Error(w, "Expired", http.StatusNotFound)
		return
	case errors.Is(err, ErrTokenMismatch):
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	default:
		h.log.Error("export token redeem failed", "err", err)
		http.Error(w, "Storage failed", http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", exportFilename(h.now())))
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")

	if err := h.streamer.Stream(r.Context(), newFlushWriter(w)); err != nil {
		// Headers are already out. The consumer detects the abort by
		// the missing summary footer.
		h.log.Error("export stream aborted", "err", err)
		return
	}
	exportsStreamed.Inc()
}

// handleStatus reports which secrets and store bindings are configured.
// Booleans only, never values.
func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, map[string]bool{
		"pow_secret":              h.cfg.PowSecret != "",
		"write_secret":            h.cfg.WriteSecret != "",
		"admin_automation_secret": h.cfg.AdminAutomationSecret != "",
		"admin_browser_pubkey":    len(h.cfg.AdminBrowserPubKey) > 0,
		"ratelimit_binding":       h.cfg.Ratelimit != nil,
		"submits_binding":         h.cfg.Submits != nil,
		"export_tokens_binding":   h.cfg.ExportTokens != nil,
	})
}

func hasJSONContentType(r *http.Request) bool {
	return strings.HasPrefix(r.Header.Get("Content-Type"), "application/json")
}

// flushWriter flushes after every write so long exports reach the
// client incrementally.
type flushWriter struct {
	w io.Writer
	f http.Flusher
}

func newFlushWriter(w http.ResponseWriter) io.Writer {
	f, ok := w.(http.Flusher)
	if !ok {
		return w
	}
	return &flushWriter{w: w, f: f}
}

func (fw *flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	fw.f.Flush()
	return n, err
}
