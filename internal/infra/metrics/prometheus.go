package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FramesProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "udf_pipeline_frames_processed_total",
		Help: "Total number of frames leaving the UDF chain, by verdict",
	}, []string{"verdict"})

	UdfProcessDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "udf_pipeline_udf_process_duration_seconds",
		Help:    "Duration of individual UDF process() calls",
		Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"udf"})

	FramesIngestedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "udf_pipeline_frames_ingested_total",
		Help: "Total number of frames accepted into the input queue",
	})

	FramesPublishedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "udf_pipeline_frames_published_total",
		Help: "Total number of frame envelopes published to the bus",
	})

	OutputQueueBlockedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "udf_pipeline_output_queue_blocked_total",
		Help: "Times a worker hit a full output queue and fell back to a blocking push",
	})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "udf_pipeline_queue_depth",
		Help: "Current depth of the frame queues",
	}, []string{"queue"})

	ActiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "udf_pipeline_active_workers",
		Help: "Number of workers currently processing a frame",
	})
)
