package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PasteCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cipherbin_paste_created_total",
		Help: "no. of pastes created",
	})
	PasteRead = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cipherbin_paste_read_total",
		Help: "no. of pastes read",
	})
	PasteBurned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cipherbin_paste_burned_total",
		Help: "no. of burn-after-reading pastes deleted on read",
	})
	PasteDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cipherbin_paste_deleted_total",
		Help: "no. of pastes deleted with a deletion token",
	})
	CommentCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cipherbin_comment_created_total",
		Help: "no. of comments created",
	})
	IDConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cipherbin_id_conflicts_total",
		Help: "no. of generated ids that collided with an existing record",
	})
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cipherbin_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)
	LimiterRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cipherbin_limiter_rejections_total",
			Help: "no. of requests rejected by a limiter",
		},
		[]string{"reason"},
	)
	PurgeSweeps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cipherbin_purge_sweeps_total",
		Help: "no. of purge sweeps that passed the purge limiter",
	})
	PastesPurged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cipherbin_pastes_purged_total",
		Help: "no. of expired pastes removed by purge sweeps",
	})
	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cipherbin_store_errors_total",
			Help: "no. of backend failures surfaced to clients",
		},
		[]string{"backend", "op"},
	)
	ReadMissRatio = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cipherbin_read_miss_ratio",
		Help: "share of paste lookups over the last 5min that found nothing",
	})
)
