// Package metrics serves Prometheus-compatible metrics on a dedicated
// listener, kept separate from the API listener so scrapes never
// compete with submissions.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	vmmetrics "github.com/VictoriaMetrics/metrics"
)

// MetricsServer exposes the process metric set over HTTP.
type MetricsServer struct {
	srv *http.Server
}

// New creates a metrics server for the given package on addr. An empty
// addr yields a server that is never started; callers guard
// ListenAndServe on their side.
func New(pkgName, addr string) (*MetricsServer, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "# %s\n", pkgName)
		vmmetrics.WritePrometheus(w, true)
	})

	return &MetricsServer{
		srv: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}, nil
}

// ListenAndServe blocks serving metrics until Shutdown or failure.
func (m *MetricsServer) ListenAndServe() error {
	return m.srv.ListenAndServe()
}

// Shutdown gracefully stops the metrics listener.
func (m *MetricsServer) Shutdown(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}
