// Package metrics wires up a Prometheus registry and an optional debug
// HTTP listener for the ctbt CLI, following cmd/sunlight/sunlight.go's
// main(): a registry seeded with the standard Go/process collectors,
// wrapped with a project-specific metric name prefix, served on /metrics
// alongside a /health endpoint.
//
// Component-specific counters (fetch/verify/commit outcomes, shard writer
// state) live next to the components that emit them, in
// internal/syncctl/metrics.go; this package only owns the registry they
// register into and the HTTP surface that exposes it.
package metrics

import (
	"context"
	"log/slog"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry wraps a Prometheus registry that every component's collectors
// register into, prefixed with "ctbt_".
type Registry struct {
	raw   *prometheus.Registry
	named prometheus.Registerer
}

// NewRegistry returns a Registry seeded with the standard Go runtime and
// process collectors.
func NewRegistry() *Registry {
	raw := prometheus.NewRegistry()
	raw.MustRegister(collectors.NewGoCollector())
	raw.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return &Registry{
		raw:   raw,
		named: prometheus.WrapRegistererWithPrefix("ctbt_", raw),
	}
}

// MustRegister registers cs, panicking on a duplicate or invalid
// collector, matching the teacher's own MustRegister-everywhere style for
// collectors assembled once at startup.
func (r *Registry) MustRegister(cs ...prometheus.Collector) {
	r.named.MustRegister(cs...)
}

// Mux returns an http.ServeMux serving /health and /metrics, ready to be
// handed to http.Serve on a debug listener.
func (r *Registry) Mux(logger *slog.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/metrics", promhttp.HandlerFor(r.raw, promhttp.HandlerOpts{
		ErrorLog: slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}))
	return mux
}

// ServeDebug starts a debug HTTP server on addr in the background,
// following the teacher's own localhost-random-port debug listener
// pattern in cmd/sunlight/sunlight.go's main(). If addr is empty, it does
// nothing: the debug server is optional, unlike sunlight's, since ctbt is
// a batch CLI rather than a long-lived log server that always wants a
// side channel for operational visibility.
func ServeDebug(ctx context.Context, addr string, mux *http.ServeMux, logger *slog.Logger) {
	if addr == "" {
		return
	}
	go func() {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			logger.ErrorContext(ctx, "failed to start debug server", "err", err)
			return
		}
		logger.InfoContext(ctx, "debug server listening", "addr", ln.Addr())
		srv := &http.Server{Handler: mux}
		go func() {
			<-ctx.Done()
			srv.Close()
		}()
		if err := srv.Serve(ln); err != nil && ctx.Err() == nil {
			logger.ErrorContext(ctx, "debug server exited", "err", err)
		}
	}()
}
