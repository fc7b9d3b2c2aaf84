package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrExportAborted means the export stream ended without a summary
// footer. The data received so far is incomplete and a fresh export
// token must be requested.
var ErrExportAborted = errors.New("export stream ended without summary")

// ExportMeta is the stream header.
type ExportMeta struct {
	Type          string `json:"type"`
	ExportTimeUTC string `json:"export_time_utc"`
	KVNamespace   string `json:"kv_namespace"`
}

// ExportEntry is one exported submission.
type ExportEntry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// ExportSummary is the stream footer.
type ExportSummary struct {
	Type         string `json:"type"`
	TotalEntries int    `json:"total_entries"`
	Truncated    bool   `json:"truncated"`
	Errors       []struct {
		Code   string `json:"code"`
		Reason string `json:"reason"`
	} `json:"errors"`
}

// Export is a fully parsed export stream.
type Export struct {
	Meta    ExportMeta
	Entries []ExportEntry
	Summary ExportSummary
}

// AdminClient fetches bulk exports in automation mode, authenticating
// with the static bearer secret. Browser-mode signing is a frontend
// concern and not implemented here.
type AdminClient struct {
	baseURL    string
	secret     string
	httpClient *http.Client
}

// NewAdmin creates an automation-mode admin client.
func NewAdmin(baseURL, automationSecret string) *AdminClient {
	return &AdminClient{
		baseURL:    baseURL,
		secret:     automationSecret,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
}

// RequestExport mints a one-time download token and returns its URL.
// The URL expires in about a minute and dies on first use; redeem it
// promptly.
func (a *AdminClient) RequestExport(ctx context.Context) (string, error) {
	resp, err := a.do(ctx, http.MethodPost, a.baseURL+"/api/export-request")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", httpError("export request", resp)
	}

	var out struct {
		DownloadURL string `json:"download_url"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding export response: %w", err)
	}
	return out.DownloadURL, nil
}

// StreamExport redeems the download URL and copies the raw stream to w.
func (a *AdminClient) StreamExport(ctx context.Context, downloadURL string, w io.Writer) error {
	resp, err := a.do(ctx, http.MethodGet, downloadURL)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return httpError("export download", resp)
	}

	_, err = io.Copy(w, resp.Body)
	return err
}

// DownloadExport requests, redeems, and parses a full export. A stream
// that ends without a summary footer was aborted server-side and
// yields ErrExportAborted.
func (a *AdminClient) DownloadExport(ctx context.Context) (*Export, error) {
	downloadURL, err := a.RequestExport(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := a.do(ctx, http.MethodGet, downloadURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, httpError("export download", resp)
	}

	return ParseExport(resp.Body)
}

// ParseExport decodes a framed export stream: meta header, record
// lines, summary footer.
func ParseExport(r io.Reader) (*Export, error) {
	export := &Export{}
	sawSummary := false

	dec := json.NewDecoder(r)
	for {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("decoding export stream: %w", err)
		}

		var probe struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(raw, &probe); err != nil {
			return nil, fmt.Errorf("decoding export stream: %w", err)
		}

		switch probe.Type {
		case "meta":
			if err := json.Unmarshal(raw, &export.Meta); err != nil {
				return nil, fmt.Errorf("decoding export meta: %w", err)
			}
		case "summary":
			if err := json.Unmarshal(raw, &export.Summary); err != nil {
				return nil, fmt.Errorf("decoding export summary: %w", err)
			}
			sawSummary = true
		default:
			var entry ExportEntry
			if err := json.Unmarshal(raw, &entry); err != nil {
				return nil, fmt.Errorf("decoding export entry: %w", err)
			}
			export.Entries = append(export.Entries, entry)
		}
	}

	if !sawSummary {
		return nil, ErrExportAborted
	}
	return export, nil
}

func (a *AdminClient) do(ctx context.Context, method, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+a.secret)
	return a.httpClient.Do(req)
}
