package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Worker metrics
var (
	// VideosProcessed counts the total number of transcode jobs by outcome.
	VideosProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vod",
			Name:      "videos_processed_total",
			Help:      "Total number of transcode jobs finished",
		},
		[]string{"status"},
	)

	// ProcessingDuration tracks end-to-end job time.
	ProcessingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "vod",
			Name:      "video_processing_duration_seconds",
			Help:      "Time taken to process a transcode job",
			Buckets:   []float64{10, 30, 60, 120, 300, 600, 1200, 2400},
		},
	)

	// TranscodeDuration tracks the time taken for FFmpeg transcoding.
	TranscodeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "vod",
			Name:      "video_transcode_duration_seconds",
			Help:      "Time taken for FFmpeg transcoding",
			Buckets:   []float64{10, 30, 60, 120, 300, 600, 1200},
		},
	)

	// RenditionsEncoded counts renditions produced per ladder tier.
	RenditionsEncoded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vod",
			Name:      "renditions_encoded_total",
			Help:      "Total number of renditions encoded by tier",
		},
		[]string{"rendition"},
	)

	// ActiveJobs tracks the number of currently processing jobs.
	ActiveJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "vod",
			Name:      "active_jobs",
			Help:      "Number of currently processing jobs",
		},
	)

	// QueueDepth tracks jobs waiting for the worker.
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "vod",
			Name:      "queue_depth",
			Help:      "Number of transcode jobs waiting in the queue",
		},
	)

	// MirrorDuration tracks the time taken to copy a package to object storage.
	MirrorDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "vod",
			Name:      "mirror_upload_duration_seconds",
			Help:      "Time taken to mirror HLS files to S3",
			Buckets:   []float64{1, 5, 10, 30, 60, 120},
		},
	)

	// ThumbnailFailures counts non-fatal thumbnail extraction failures.
	ThumbnailFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vod",
			Name:      "thumbnail_failures_total",
			Help:      "Total number of failed thumbnail extractions",
		},
	)
)

// API metrics
var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vod",
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks HTTP request duration.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vod",
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// AuthFailures counts authentication failures by type.
	AuthFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vod",
			Subsystem: "api",
			Name:      "auth_failures_total",
			Help:      "Total number of authentication failures",
		},
		[]string{"reason"},
	)

	// UploadsInitiated counts chunked upload sessions opened.
	UploadsInitiated = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vod",
			Subsystem: "api",
			Name:      "uploads_initiated_total",
			Help:      "Total number of upload sessions initiated",
		},
	)

	// UploadsCompleted counts ingested uploads by mode (direct or chunked).
	UploadsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vod",
			Subsystem: "api",
			Name:      "uploads_completed_total",
			Help:      "Total number of uploads ingested",
		},
		[]string{"mode"},
	)

	// ChunkBytes counts bytes accepted into upload sessions.
	ChunkBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vod",
			Subsystem: "api",
			Name:      "chunk_bytes_total",
			Help:      "Total number of chunk bytes stored",
		},
	)

	// IntegrityFailures counts hash mismatches by scope.
	IntegrityFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vod",
			Subsystem: "api",
			Name:      "integrity_failures_total",
			Help:      "Total number of hash mismatches",
		},
		[]string{"scope"},
	)

	// DedupHits counts uploads resolved to an existing video.
	DedupHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vod",
			Subsystem: "api",
			Name:      "dedup_hits_total",
			Help:      "Total number of uploads resolved to an existing video",
		},
	)

	// ManifestViews counts master playlist fetches.
	ManifestViews = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vod",
			Subsystem: "api",
			Name:      "manifest_views_total",
			Help:      "Total number of master playlist fetches",
		},
		[]string{"access"},
	)
)

// Background job metrics
var (
	// RollupRuns counts rollup executions by outcome.
	RollupRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vod",
			Subsystem: "rollup",
			Name:      "runs_total",
			Help:      "Total number of view rollup runs",
		},
		[]string{"outcome"},
	)

	// RollupRows tracks daily rows written by the last rollup.
	RollupRows = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "vod",
			Subsystem: "rollup",
			Name:      "rows_upserted",
			Help:      "Daily summary rows written by the last rollup",
		},
	)

	// SessionsSwept counts abandoned upload sessions removed.
	SessionsSwept = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vod",
			Subsystem: "uploads",
			Name:      "sessions_swept_total",
			Help:      "Total number of abandoned upload sessions removed",
		},
	)
)

// RecordSuccess records a successful transcode job.
func RecordSuccess() {
	VideosProcessed.WithLabelValues("processed").Inc()
}

// RecordFailure records a failed transcode job.
func RecordFailure() {
	VideosProcessed.WithLabelValues("failed").Inc()
}
