// Package metrics declares the Prometheus collectors for uploads and captioning.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Upload outcomes, one per response shape of POST /upload
const (
	OutcomeCaptioned     = "captioned"
	OutcomeCaptionFailed = "caption_failed"
	OutcomeReadError     = "read_error"
	OutcomeNoFile        = "no_file"
	OutcomeMissingBucket = "missing_bucket"
	OutcomeStorageFailed = "storage_failed"
)

// Caption attempt results
const (
	AttemptSuccess       = "success"
	AttemptHTTPError     = "http_error"
	AttemptTransport     = "transport_error"
	AttemptInvalidShape  = "invalid_shape"
	AttemptEmptyResponse = "empty_response"
)

var (
	UploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "caption_uploads_total",
			Help: "Upload requests by terminal outcome",
		},
		[]string{"outcome"},
	)

	UploadBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "caption_upload_bytes",
			Help:    "Size of files submitted to the object store",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
		},
	)

	StoragePutSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "caption_storage_put_seconds",
			Help:    "Latency of object store puts",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"result"},
	)

	CaptionAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "caption_model_attempts_total",
			Help: "Caption model attempts by model and result",
		},
		[]string{"model", "result"},
	)
)
