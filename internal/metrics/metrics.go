// Package metrics declares the prometheus collectors of the revision core.
// They register with the default registry on import.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CommitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "revindex_commits_total",
		Help: "Total number of commits written",
	})

	CommittedObjects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "revindex_committed_objects_total",
		Help: "Objects written by commits, by change kind",
	}, []string{"kind"})

	MergesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "revindex_merges_total",
		Help: "Merges by outcome: fast_forward, squash, noop or conflict",
	}, []string{"outcome"})

	CompareDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "revindex_compare_duration_seconds",
		Help:    "Duration of branch compares",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	PurgedRevisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "revindex_purged_revisions_total",
		Help: "Revisions physically removed by purge, by mode",
	}, []string{"mode"})

	LockTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "revindex_branch_lock_timeouts_total",
		Help: "Branch lock acquisitions that gave up waiting",
	})
)
