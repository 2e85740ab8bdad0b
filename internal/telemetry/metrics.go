package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Model service calls
	ModelCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "faithfulness_model_call_duration_seconds",
		Help:    "Latency of Predict calls to the inference service",
		Buckets: prometheus.DefBuckets,
	}, []string{"status"})

	ModelInputsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "faithfulness_model_inputs_total",
		Help: "Total number of sequences sent to the inference service, per attempt",
	}, []string{"status"})

	// Evaluation outcomes
	ItemsEvaluated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "faithfulness_items_evaluated_total",
		Help: "Total number of items evaluated",
	}, []string{"metric", "status"})

	MetricValue = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "faithfulness_metric_value",
		Help:    "Distribution of aggregated per-item metric values",
		Buckets: prometheus.LinearBuckets(-1, 0.1, 21),
	}, []string{"metric"})

	ResultsSaved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "faithfulness_results_saved_total",
		Help: "Total number of result rows written, by sink",
	}, []string{"sink", "status"})
)

// Handler exposes the default registry for scraping.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Status maps an error to a metric label.
func Status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
