package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/grayguava/formseal/kv"
	"github.com/grayguava/formseal/pow"
)

const (
	testPowSecret   = "pow-test-secret"
	testWriteSecret = "write-test-secret"
)

type testEnv struct {
	handler *Handler
	submits *kv.MemoryStore
	tokens  *kv.MemoryStore
	srv     *httptest.Server
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()

	env := &testEnv{
		submits: kv.NewMemoryStore(),
		tokens:  kv.NewMemoryStore(),
	}
	cfg := &Config{
		PowSecret:             testPowSecret,
		WriteSecret:           testWriteSecret,
		AdminAutomationSecret: testAutomationSecret,
		Ratelimit:             kv.NewMemoryStore(),
		Submits:               env.submits,
		ExportTokens:          env.tokens,
		Log:                   discardLogger(),
	}
	if mutate != nil {
		mutate(cfg)
	}

	env.handler = New(cfg)
	mux := chi.NewRouter()
	env.handler.RegisterRoutes(mux)
	env.srv = httptest.NewServer(mux)
	t.Cleanup(env.srv.Close)
	return env
}

func (env *testEnv) postJSON(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	encoded, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(env.srv.URL+path, "application/json", bytes.NewReader(encoded))
	require.NoError(t, err)
	return resp
}

func (env *testEnv) requestChallenge(t *testing.T) *pow.Challenge {
	t.Helper()
	resp := env.postJSON(t, "/api/challenge", map[string]float64{"bench_ms": 5})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var c pow.Challenge
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&c))
	return &c
}

func solveChallenge(t *testing.T, c *pow.Challenge, ciphertext string) *pow.Proof {
	t.Helper()
	for i := 0; ; i++ {
		nonce := fmt.Sprintf("nonce-%d", i)
		hash := pow.ProofHash(nonce, ciphertext, c.Ts, c.Salt, c.Difficulty)
		if pow.HasLeadingZeroBits(hash[:], c.Difficulty) {
			return &pow.Proof{
				Ciphertext: ciphertext,
				Nonce:      nonce,
				Ts:         c.Ts,
				Salt:       c.Salt,
				Difficulty: c.Difficulty,
			}
		}
	}
}

func TestChallengeEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)

	c := env.requestChallenge(t)
	require.Equal(t, pow.MinDifficulty, c.Difficulty)
	require.NotEmpty(t, c.Salt)
	require.InDelta(t, time.Now().Unix(), c.Ts, 5)
}

func TestChallengeEndpointMisconfigured(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) { cfg.PowSecret = "" })

	resp := env.postJSON(t, "/api/challenge", map[string]float64{"bench_ms": 5})
	defer resp.Body.Close()
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	// Misconfiguration wins over a malformed body; the secret check
	// runs before the JSON is even parsed.
	resp2, err := http.Post(env.srv.URL+"/api/challenge", "application/json", strings.NewReader("{nope"))
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusInternalServerError, resp2.StatusCode)
}

func TestChallengeEndpointBadBenchmark(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.postJSON(t, "/api/challenge", map[string]float64{"bench_ms": -1})
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSubmitFlow(t *testing.T) {
	env := newTestEnv(t, nil)

	proof := solveChallenge(t, env.requestChallenge(t), "sealed-payload")
	resp := env.postJSON(t, "/api/verify", proof)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var ok map[string]bool
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ok))
	require.True(t, ok["ok"])
	require.Equal(t, 1, env.submits.Len())
}

func TestSubmitReplayRejected(t *testing.T) {
	env := newTestEnv(t, nil)

	proof := solveChallenge(t, env.requestChallenge(t), "sealed-payload")
	resp := env.postJSON(t, "/api/verify", proof)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.postJSON(t, "/api/verify", proof)
	defer resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	require.Contains(t, string(body), "PoW replay")
	require.Equal(t, 1, env.submits.Len())
}

func TestVerifyGates(t *testing.T) {
	env := newTestEnv(t, nil)
	proof := solveChallenge(t, env.requestChallenge(t), "sealed-payload")

	t.Run("wrong content type", func(t *testing.T) {
		resp, err := http.Post(env.srv.URL+"/api/verify", "text/plain", strings.NewReader("{}"))
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
	})

	t.Run("oversized body", func(t *testing.T) {
		big := strings.Repeat("x", maxRequestBytes+1)
		resp, err := http.Post(env.srv.URL+"/api/verify", "application/json", strings.NewReader(big))
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	})

	t.Run("bad json", func(t *testing.T) {
		resp, err := http.Post(env.srv.URL+"/api/verify", "application/json", strings.NewReader("{nope"))
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("unexpected key", func(t *testing.T) {
		resp := env.postJSON(t, "/api/verify", map[string]any{
			"ciphertext": proof.Ciphertext, "nonce": proof.Nonce, "ts": proof.Ts,
			"salt": proof.Salt, "difficulty": proof.Difficulty, "extra": 1,
		})
		defer resp.Body.Close()
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("difficulty out of range", func(t *testing.T) {
		for _, d := range []any{0, 11, 19, 256, -1, 12.5, "12"} {
			bad := map[string]any{
				"ciphertext": proof.Ciphertext, "nonce": proof.Nonce, "ts": proof.Ts,
				"salt": proof.Salt, "difficulty": d,
			}
			resp := env.postJSON(t, "/api/verify", bad)
			resp.Body.Close()
			require.Equal(t, http.StatusBadRequest, resp.StatusCode, "difficulty %v", d)
		}
	})

	t.Run("oversized ciphertext", func(t *testing.T) {
		bad := *proof
		bad.Ciphertext = strings.Repeat("x", maxCiphertextBytes+1)
		resp := env.postJSON(t, "/api/verify", &bad)
		defer resp.Body.Close()
		require.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	})

	t.Run("unsolved proof", func(t *testing.T) {
		bad := *proof
		bad.Nonce = "definitely-wrong"
		resp := env.postJSON(t, "/api/verify", &bad)
		defer resp.Body.Close()
		require.Equal(t, http.StatusForbidden, resp.StatusCode)
		body, _ := io.ReadAll(resp.Body)
		require.Contains(t, string(body), "PoW failed")
	})

	require.Equal(t, 0, env.submits.Len())
}

func TestVerifyMisconfigured(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) { cfg.WriteSecret = "" })

	resp := env.postJSON(t, "/api/verify", map[string]string{})
	defer resp.Body.Close()
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestWriteRequiresInternalAuth(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.postJSON(t, "/api/write", map[string]string{"ciphertext": "ct"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Equal(t, 0, env.submits.Len())
}

func TestWriteFailsClosedWithoutSecret(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) { cfg.WriteSecret = "" })

	// No X-Internal-Auth header and no configured secret must not
	// compare equal.
	resp := env.postJSON(t, "/api/write", map[string]string{"ciphertext": "ct"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestWriteRejectsExtraKeys(t *testing.T) {
	env := newTestEnv(t, nil)

	body, _ := json.Marshal(map[string]string{"ciphertext": "ct", "plaintext": "oops"})
	req, err := http.NewRequest(http.MethodPost, env.srv.URL+"/api/write", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Internal-Auth", testWriteSecret)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func requestExport(t *testing.T, env *testEnv) string {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, env.srv.URL+"/api/export-request", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testAutomationSecret)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		DownloadURL string `json:"download_url"`
		ExpiresIn   int    `json:"expires_in"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Equal(t, 60, out.ExpiresIn)
	return out.DownloadURL
}

func downloadExport(t *testing.T, url string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testAutomationSecret)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestExportFlow(t *testing.T) {
	env := newTestEnv(t, nil)

	for i := 0; i < 3; i++ {
		proof := solveChallenge(t, env.requestChallenge(t), fmt.Sprintf("sealed-%d", i))
		resp := env.postJSON(t, "/api/verify", proof)
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	url := requestExport(t, env)
	resp := downloadExport(t, url)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))
	require.Contains(t, resp.Header.Get("Content-Disposition"), ".jsonl")
	require.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
	require.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	parsed := parseExportStream(t, raw)
	require.Len(t, parsed.records, 3)
	require.Equal(t, 3, parsed.summary.TotalEntries)
	require.False(t, parsed.summary.Truncated)

	// Token burned by the download; a second attempt finds nothing.
	resp = downloadExport(t, url)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// slowStore delays reads and honors context cancellation, standing in
// for a remote backend with per-call latency.
type slowStore struct {
	kv.Store
	delay time.Duration
}

func (s *slowStore) Get(ctx context.Context, key string) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(s.delay):
	}
	return s.Store.Get(ctx, key)
}

func (s *slowStore) List(ctx context.Context, cursor string, limit int) ([]string, string, error) {
	select {
	case <-ctx.Done():
		return nil, "", ctx.Err()
	case <-time.After(s.delay):
	}
	return s.Store.List(ctx, cursor, limit)
}

func (s *slowStore) PutIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-time.After(s.delay):
	}
	return s.Store.PutIfAbsent(ctx, key, value, ttl)
}

func TestExportOutlivesRequestTimeout(t *testing.T) {
	// The export stream is exempt from the per-request deadline: with
	// enough records on a latent backend the stream runs well past the
	// timeout and must still complete without spurious read errors,
	// because the token is burned before the first byte goes out.
	submits := kv.NewMemoryStore()
	env := newTestEnv(t, func(cfg *Config) {
		cfg.RequestTimeout = 100 * time.Millisecond
		cfg.Submits = &slowStore{Store: submits, delay: 30 * time.Millisecond}
	})

	ctx := context.Background()
	const total = 10
	for i := 0; i < total; i++ {
		require.NoError(t, submits.Put(ctx, fmt.Sprintf("sub-%02d", i), "ct", 0))
	}

	url := requestExport(t, env)
	resp := downloadExport(t, url)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	parsed := parseExportStream(t, raw)
	require.Len(t, parsed.records, total)
	require.Equal(t, total, parsed.summary.TotalEntries)
	require.False(t, parsed.summary.Truncated)
	require.Empty(t, parsed.summary.Errors)
}

func TestNonStreamingRoutesKeepDeadline(t *testing.T) {
	// The timeout still guards the rest of the API: a verify against
	// a stalled replay store is cut off instead of hanging forever.
	env := newTestEnv(t, func(cfg *Config) {
		cfg.RequestTimeout = 50 * time.Millisecond
		cfg.Ratelimit = &slowStore{Store: kv.NewMemoryStore(), delay: time.Second}
	})

	proof := solveChallenge(t, env.requestChallenge(t), "sealed-payload")
	resp := env.postJSON(t, "/api/verify", proof)
	defer resp.Body.Close()
	require.NotEqual(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 0, env.submits.Len())
}

func TestExportRequestUnauthorized(t *testing.T) {
	env := newTestEnv(t, nil)

	req, err := http.NewRequest(http.MethodPost, env.srv.URL+"/api/export-request", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer wrong")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestExportTokenExpiresBeforeDownload(t *testing.T) {
	env := newTestEnv(t, nil)

	url := requestExport(t, env)
	env.handler.tokens.now = func() time.Time { return time.Now().Add(61 * time.Second) }

	resp := downloadExport(t, url)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	require.Contains(t, string(body), "Expired")
}

func TestExportUnknownToken(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := downloadExport(t, env.srv.URL+"/api/export/deadbeef")
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStatusEndpoint(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) { cfg.AdminAutomationSecret = "" })

	resp, err := http.Get(env.srv.URL + "/api/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "no-store", resp.Header.Get("Cache-Control"))

	var status map[string]bool
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	require.True(t, status["pow_secret"])
	require.True(t, status["write_secret"])
	require.False(t, status["admin_automation_secret"])
	require.False(t, status["admin_browser_pubkey"])
	require.True(t, status["ratelimit_binding"])
	require.True(t, status["submits_binding"])
	require.True(t, status["export_tokens_binding"])
}

func TestPublicRateLimit(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.PublicRateLimit = 1
		cfg.PublicRateBurst = 2
	})

	var last int
	for i := 0; i < 5; i++ {
		resp := env.postJSON(t, "/api/challenge", map[string]float64{"bench_ms": 5})
		resp.Body.Close()
		last = resp.StatusCode
	}
	require.Equal(t, http.StatusTooManyRequests, last)

	// Unlimited endpoints stay reachable.
	resp, err := http.Get(env.srv.URL + "/api/status")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
