package metrics

import (
	grpcprometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "rdb"

var (
	Registry = prometheus.NewRegistry()

	GRPCMetrics = grpcprometheus.NewServerMetrics(
		func(c *prometheus.CounterOpts) {
			c.Namespace = namespace
		},
	)

	AppliedIndex = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "applied_index",
		Help:      "Highest log index applied by the replica.",
	}, []string{"db"})

	CommitIndex = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "commit_index",
		Help:      "Highest log index known to be committed by the replica.",
	}, []string{"db"})

	IsLeader = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "is_leader",
		Help:      "Whether the replica is the leader of its group.",
	}, []string{"db"})

	ApplyResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "apply_results_total",
		Help:      "Applied entries by result.",
	}, []string{"db", "result"})

	CommitLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "tx_commit_seconds",
		Help:      "Latency of transaction commits from append to applied.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
	}, []string{"db"})

	CacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "path_cache_lookups_total",
		Help:      "Path resolution cache lookups by outcome.",
	}, []string{"db", "outcome"})

	Compactions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "compactions_total",
		Help:      "Checkpoint and log compaction runs by trigger.",
	}, []string{"db", "trigger"})
)

func init() {
	Registry.MustRegister(
		GRPCMetrics,
		AppliedIndex,
		CommitIndex,
		IsLeader,
		ApplyResults,
		CommitLatency,
		CacheLookups,
		Compactions,
	)
	GRPCMetrics.EnableHandlingTimeHistogram(
		func(h *prometheus.HistogramOpts) {
			h.Namespace = namespace
		},
	)
}

// Forget drops every series of db.
func Forget(db string) {
	labels := prometheus.Labels{"db": db}
	AppliedIndex.DeletePartialMatch(labels)
	CommitIndex.DeletePartialMatch(labels)
	IsLeader.DeletePartialMatch(labels)
	ApplyResults.DeletePartialMatch(labels)
	CommitLatency.DeletePartialMatch(labels)
	CacheLookups.DeletePartialMatch(labels)
	Compactions.DeletePartialMatch(labels)
}
