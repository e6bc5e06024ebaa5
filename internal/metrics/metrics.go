// Package metrics holds the Prometheus collectors shared by the downloader,
// the process supervisor and the inference engine. Collectors register on the
// default registry at init; callers that expose metrics use promhttp or
// prometheus.DefaultGatherer themselves.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	DownloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "localmind",
			Subsystem: "artifact",
			Name:      "downloads_total",
			Help:      "Download attempts by outcome (ok, or the failure kind)",
		},
		[]string{"outcome"},
	)

	DownloadBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "localmind",
			Subsystem: "artifact",
			Name:      "download_bytes_total",
			Help:      "Bytes written to partial artifact files",
		},
	)

	DownloadResumesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "localmind",
			Subsystem: "artifact",
			Name:      "resumes_total",
			Help:      "Transfers that continued an existing partial file",
		},
	)

	ValidationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "localmind",
			Subsystem: "artifact",
			Name:      "validations_total",
			Help:      "Artifact validations by source (cache or hash) and result",
		},
		[]string{"source", "result"},
	)

	SupervisorStartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "localmind",
			Subsystem: "supervisor",
			Name:      "starts_total",
			Help:      "Runtime process start attempts by result",
		},
		[]string{"result"},
	)

	SupervisorHealthFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "localmind",
			Subsystem: "supervisor",
			Name:      "health_failures_total",
			Help:      "Periodic health checks that marked the runtime not ready",
		},
	)

	GenerationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "localmind",
			Subsystem: "engine",
			Name:      "generations_total",
			Help:      "Generations by outcome (ok, aborted, error, busy)",
		},
		[]string{"outcome"},
	)

	GenerationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "localmind",
			Subsystem: "engine",
			Name:      "generation_duration_seconds",
			Help:      "Wall time of generations",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"mode"},
	)

	GrammarCompilesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "localmind",
			Subsystem: "engine",
			Name:      "grammar_compiles_total",
			Help:      "JSON Schema to grammar compilations (cache misses)",
		},
	)
)

func init() {
	prometheus.MustRegister(
		DownloadsTotal,
		DownloadBytesTotal,
		DownloadResumesTotal,
		ValidationsTotal,
		SupervisorStartsTotal,
		SupervisorHealthFailuresTotal,
		GenerationsTotal,
		GenerationDuration,
		GrammarCompilesTotal,
	)
}

// Outcome returns "ok" for a nil error and the classifier's label otherwise.
func Outcome(err error, classify func(error) string) string {
	if err == nil {
		return "ok"
	}
	if classify == nil {
		return "error"
	}
	if s := classify(err); s != "" {
		return s
	}
	return "error"
}
