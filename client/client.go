package client

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/grayguava/formseal/pow"
)

// ErrSolveTimeout means the proof-of-work budget ran out before a
// valid nonce was found. Callers should request a fresh challenge and
// retry; the stale one would be rejected anyway.
var ErrSolveTimeout = errors.New("proof-of-work solve timed out")

// Client submits sealed payloads through the challenge/verify flow.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a client against the service base URL, e.g.
// "https://forms.example.org".
func New(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// BenchmarkHashSpeed measures this machine's hash throughput and
// returns milliseconds per hash, the calibration figure the challenge
// endpoint expects.
func BenchmarkHashSpeed(iterations int) float64 {
	if iterations <= 0 {
		iterations = 2000
	}
	payload := []byte("benchmark-payload-0000000000")

	start := time.Now()
	for i := 0; i < iterations; i++ {
		payload[len(payload)-1] = byte(i)
		sha256.Sum256(payload)
	}
	elapsed := time.Since(start)

	return float64(elapsed.Microseconds()) / 1000.0 / float64(iterations)
}

// RequestChallenge asks the server for a challenge calibrated to
// benchMs milliseconds per hash.
func (c *Client) RequestChallenge(ctx context.Context, benchMs float64) (*pow.Challenge, error) {
	body, err := json.Marshal(map[string]float64{"bench_ms": benchMs})
	if err != nil {
		return nil, err
	}

	resp, err := c.postJSON(ctx, "/api/challenge", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, httpError("challenge request", resp)
	}

	var challenge pow.Challenge
	if err := json.NewDecoder(resp.Body).Decode(&challenge); err != nil {
		return nil, fmt.Errorf("decoding challenge: %w", err)
	}
	return &challenge, nil
}

// SolveProof brute-forces a nonce satisfying the challenge. The time
// budget scales with difficulty so slow machines on honest challenges
// still finish, while a hostile oversized difficulty cannot pin the
// caller forever.
func SolveProof(ctx context.Context, ciphertext string, challenge *pow.Challenge) (*pow.Proof, error) {
	budget := 3*time.Second + time.Duration(challenge.Difficulty)*700*time.Millisecond
	deadline := time.Now().Add(budget)

	for {
		nonce := uuid.NewString()
		hash := pow.ProofHash(nonce, ciphertext, challenge.Ts, challenge.Salt, challenge.Difficulty)
		if pow.HasLeadingZeroBits(hash[:], challenge.Difficulty) {
			return &pow.Proof{
				Ciphertext: ciphertext,
				Nonce:      nonce,
				Ts:         challenge.Ts,
				Salt:       challenge.Salt,
				Difficulty: challenge.Difficulty,
			}, nil
		}

		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, ErrSolveTimeout
		}
	}
}

// SubmitProof posts a solved proof for verification and storage.
func (c *Client) SubmitProof(ctx context.Context, proof *pow.Proof) error {
	body, err := json.Marshal(proof)
	if err != nil {
		return err
	}

	resp, err := c.postJSON(ctx, "/api/verify", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return httpError("submission", resp)
	}
	return nil
}

// Submit runs the whole flow: seal the payload to the recipient key,
// benchmark, fetch a challenge, solve it, and submit.
func (c *Client) Submit(ctx context.Context, recipient *[32]byte, payload []byte) error {
	ciphertext, err := SealToRecipientB64(recipient, payload)
	if err != nil {
		return fmt.Errorf("sealing payload: %w", err)
	}

	challenge, err := c.RequestChallenge(ctx, BenchmarkHashSpeed(0))
	if err != nil {
		return err
	}

	proof, err := SolveProof(ctx, ciphertext, challenge)
	if err != nil {
		return err
	}

	return c.SubmitProof(ctx, proof)
}

func (c *Client) postJSON(ctx context.Context, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.httpClient.Do(req)
}

func httpError(action string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
	return fmt.Errorf("%s failed: %d %s", action, resp.StatusCode, bytes.TrimSpace(body))
}
