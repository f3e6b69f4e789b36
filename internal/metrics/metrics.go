// Package metrics holds the Prometheus collectors of the service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Delivery outcomes.
const (
	OutcomeStored    = "stored"
	OutcomeDuplicate = "duplicate"
	OutcomeIgnored   = "ignored"
	OutcomeMalformed = "malformed"
	OutcomeRequeued  = "requeued"
	OutcomeRejected  = "rejected"
)

var (
	Deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rhizocam_deliveries_total",
		Help: "Queue deliveries processed by the ingestor, by outcome.",
	}, []string{"outcome"})

	IngestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rhizocam_ingest_duration_seconds",
		Help:    "Time to process one delivery.",
		Buckets: prometheus.DefBuckets,
	})

	BlobBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rhizocam_blob_bytes_total",
		Help: "Bytes written to the blob area.",
	})

	PollErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rhizocam_poll_errors_total",
		Help: "Failed polls of the message source.",
	})

	FileVersions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rhizocam_file_versions_total",
		Help: "New file versions recorded in the files collection.",
	})
)
