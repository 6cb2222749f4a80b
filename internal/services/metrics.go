package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	uploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tempshare_uploads_total",
			Help: "Uploads by result.",
		},
		[]string{"result"},
	)

	downloadAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tempshare_download_attempts_total",
			Help: "Download attempts by outcome.",
		},
		[]string{"outcome"},
	)

	sweepRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tempshare_sweep_records_total",
			Help: "Records handled by the sweeps.",
		},
		[]string{"sweep", "result"},
	)

	sweepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tempshare_sweep_duration_seconds",
			Help:    "Sweep run time in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"sweep"},
	)
)
