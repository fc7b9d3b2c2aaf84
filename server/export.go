package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/grayguava/formseal/kv"
)

// ExportRecord is one streamed submission.
type ExportRecord struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// StreamError is a non-fatal per-item failure accumulated during an
// export and reported in the summary footer.
type StreamError struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

type exportMeta struct {
	Type          string `json:"type"`
	ExportTimeUTC string `json:"export_time_utc"`
	KVNamespace   string `json:"kv_namespace"`
}

// ExportSummary is the stream footer. Its presence is what lets a
// consumer distinguish a completed export from an aborted one.
type ExportSummary struct {
	Type         string        `json:"type"`
	TotalEntries int           `json:"total_entries"`
	Truncated    bool          `json:"truncated"`
	Errors       []StreamError `json:"errors"`
}

// ExportStreamer walks the submission store page by page and writes
// the export stream: a pretty-printed meta header, one compact JSON
// line per record, and a summary footer. Per-item read failures are
// recorded and skipped; only a listing failure or a dead output stream
// aborts the export.
type ExportStreamer struct {
	submits    kv.Store
	namespace  string
	pageSize   int
	maxEntries int
	log        *slog.Logger
	now        func() time.Time
}

// NewExportStreamer creates a streamer over the submission store.
func NewExportStreamer(submits kv.Store, namespace string, maxEntries int, log *slog.Logger) *ExportStreamer {
	return &ExportStreamer{
		submits:    submits,
		namespace:  namespace,
		pageSize:   DefaultExportPageSize,
		maxEntries: maxEntries,
		log:        log,
		now:        time.Now,
	}
}

// Stream writes the full export to w. A returned error means the
// stream was aborted and the footer was not written; the consumer sees
// a stream with no summary and must treat the export as incomplete.
func (s *ExportStreamer) Stream(ctx context.Context, w io.Writer) error {
	meta, err := json.MarshalIndent(&exportMeta{
		Type:          "meta",
		ExportTimeUTC: formatUTCTimestamp(s.now()),
		KVNamespace:   s.namespace,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding export meta: %w", err)
	}
	if _, err := w.Write(append(meta, "\n\n\n"...)); err != nil {
		return fmt.Errorf("writing export meta: %w", err)
	}

	exported := 0
	truncated := false
	streamErrors := []StreamError{}
	recordError := func(code, reason string) {
		truncated = true
		streamErrors = append(streamErrors, StreamError{Code: code, Reason: reason})
	}

	cursor := ""
pages:
	for {
		keys, next, err := s.submits.List(ctx, cursor, s.pageSize)
		if err != nil {
			// The listing itself failing is fatal for progress but
			// still reported in the footer so the partial export
			// remains auditable.
			s.log.Error("export listing failed", "err", err)
			recordError("KV_LIST_FAILED", "kv list failed")
			break
		}

		for _, key := range keys {
			if exported >= s.maxEntries {
				recordError("EXPORT_LIMIT", "maximum export size reached")
				break pages
			}

			value, err := s.submits.Get(ctx, key)
			if errors.Is(err, kv.ErrNotFound) {
				// Entry expired between listing and read. Count it
				// and move on; one bad record never kills an export.
				recordError("KV_GET_NULL", "kv get returned no value")
				continue
			}
			if err != nil {
				s.log.Warn("export record read failed", "key", key, "err", err)
				recordError("KV_GET_FAILED", "kv get failed")
				continue
			}

			line, err := json.Marshal(&ExportRecord{Key: key, Value: value})
			if err != nil {
				recordError("ENCODE_FAILED", "record encoding failed")
				continue
			}
			if _, err := w.Write(append(line, '\n')); err != nil {
				return fmt.Errorf("writing export record: %w", err)
			}
			exported++
		}

		if next == "" {
			break
		}
		cursor = next
	}

	summary, err := json.MarshalIndent(&ExportSummary{
		Type:         "summary",
		TotalEntries: exported,
		Truncated:    truncated,
		Errors:       streamErrors,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding export summary: %w", err)
	}
	if _, err := w.Write(append(append([]byte("\n\n"), summary...), '\n')); err != nil {
		return fmt.Errorf("writing export summary: %w", err)
	}
	return nil
}

// formatUTCTimestamp renders the export time in the meta header, e.g.
// "2026-01-02 15:04:05.000 UTC".
func formatUTCTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05.000") + " UTC"
}

// exportFilename builds the attachment filename: random prefix plus a
// DDMMYYYY-HH.MM.SS UTC timestamp.
func exportFilename(t time.Time) string {
	buf := make([]byte, 6)
	_, _ = rand.Read(buf)
	return fmt.Sprintf("%s_%s.jsonl", hex.EncodeToString(buf), t.UTC().Format("02012006-15.04.05"))
}
