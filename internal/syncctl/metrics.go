package syncctl

import "github.com/prometheus/client_golang/prometheus"

// metrics holds the Sync Controller's Prometheus collectors, following the
// teacher's internal/ctlog/metrics.go shape: one struct of collectors, built
// once per Controller and exposed via Metrics() for registration by the CLI.
type metrics struct {
	Transitions *prometheus.CounterVec
	RunOutcomes *prometheus.CounterVec
	EntriesFetched prometheus.Counter
	Retries        prometheus.Counter
	ShardsSealed   prometheus.Counter
}

func initMetrics() metrics {
	return metrics{
		Transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "syncctl_state_transitions_total",
				Help: "Sync Controller state transitions, by destination state.",
			},
			[]string{"state"},
		),
		RunOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "syncctl_run_outcomes_total",
				Help: "Completed sync runs, by terminal state and error category.",
			},
			[]string{"state", "error"},
		),
		EntriesFetched: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "syncctl_entries_fetched_total",
				Help: "Log entries successfully fetched and appended to the archive.",
			},
		),
		Retries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "syncctl_fetch_retries_total",
				Help: "Transient fetch retries issued by the log client.",
			},
		),
		ShardsSealed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "syncctl_shards_sealed_total",
				Help: "Shards sealed with a manifest written.",
			},
		),
	}
}

// Metrics returns every collector the Controller maintains, for
// registration with a prometheus.Registerer by the caller.
func (c *Controller) Metrics() []prometheus.Collector {
	return []prometheus.Collector{
		c.m.Transitions,
		c.m.RunOutcomes,
		c.m.EntriesFetched,
		c.m.Retries,
		c.m.ShardsSealed,
	}
}
