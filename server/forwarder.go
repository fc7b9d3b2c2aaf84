package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Forwarder hands a verified ciphertext to the storage writer over the
// internal-only authenticated channel. The public verify endpoint
// never touches the submission store directly; all writes funnel
// through POST /api/write so the write path has exactly one gate.
type Forwarder struct {
	secret     string
	httpClient *http.Client
}

// NewForwarder creates a forwarder authenticating with the shared
// write secret.
func NewForwarder(secret string) *Forwarder {
	return &Forwarder{
		secret:     secret,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Forward posts the ciphertext to the write endpoint. Any non-2xx
// response or transport failure is a storage failure; the caller
// reports 502 upstream.
func (f *Forwarder) Forward(ctx context.Context, writeURL, ciphertext string) error {
	body, err := json.Marshal(map[string]string{"ciphertext": ciphertext})
	if err != nil {
		return fmt.Errorf("encoding write payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, writeURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building write request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Internal-Auth", f.secret)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("forwarding submission: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("write backend returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}
