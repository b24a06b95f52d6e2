// Package archive provides pluggable remote-storage backends for a mirror's
// sealed shards and manifests, and a local rebuildable index over them.
// Its shape follows internal/ctlog's Backend abstraction: one small
// Backend interface, implemented by a local filesystem backend and an
// optional S3 backend, plus a separate STHStore interface implemented by the
// optional DynamoDB backend, for operators replicating off one host.
package archive

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
)

// Backend is a strongly consistent object store for shard data files and
// manifests; the trusted STH record goes through STHStore instead. Upload
// must fully persist data
// before returning, and is safe to call concurrently; it is expected to
// retry transient errors internally and only return an error once it gives
// up. Fetch returns the most recently uploaded value for key.
type Backend interface {
	Upload(ctx context.Context, key string, data []byte) error
	Fetch(ctx context.Context, key string) ([]byte, error)
}

// MetricsProvider is implemented by backends that expose Prometheus
// collectors, mirroring internal/ctlog's backends. Not every Backend needs
// to track metrics, so this is a separate, optional interface rather than
// part of Backend itself.
type MetricsProvider interface {
	Metrics() []prometheus.Collector
}

// CollectMetrics returns b's collectors if it implements MetricsProvider,
// or nil otherwise. b is typically a Backend or an STHStore.
func CollectMetrics(b any) []prometheus.Collector {
	if mp, ok := b.(MetricsProvider); ok {
		return mp.Metrics()
	}
	return nil
}

func debugf(ctx context.Context, log *slog.Logger, msg string, args ...any) {
	if log == nil {
		return
	}
	log.DebugContext(ctx, msg, args...)
}
