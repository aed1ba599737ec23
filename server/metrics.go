package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/krau/leafscan/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry        *prometheus.Registry
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	predictions     *prometheus.CounterVec
	predictDuration prometheus.Histogram
}

func newMetrics(status func() service.LoaderStatus) *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "leafscan_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"path", "method", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "leafscan_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"path"}),
		predictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "leafscan_predictions_total",
			Help: "Predictions by outcome",
		}, []string{"outcome"}),
		predictDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "leafscan_prediction_duration_seconds",
			Help:    "Time spent decoding, preprocessing and classifying one image",
			Buckets: prometheus.DefBuckets,
		}),
	}

	modelReady := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "leafscan_model_ready",
		Help: "1 when the model is loaded",
	}, func() float64 {
		if status().State == service.StateReady {
			return 1
		}
		return 0
	})
	loadAttempts := prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "leafscan_model_load_attempts_total",
		Help: "Model load attempts since start",
	}, func() float64 {
		return float64(status().Attempts)
	})

	m.registry.MustRegister(
		m.requests,
		m.requestDuration,
		m.predictions,
		m.predictDuration,
		modelReady,
		loadAttempts,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metrics) observeRequest(path, method string, status int, d time.Duration) {
	m.requests.WithLabelValues(path, method, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(path).Observe(d.Seconds())
}

func (m *metrics) observePrediction(err error, d time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
		if stage, ok := service.StageOf(err); ok {
			outcome = string(stage)
		}
	}
	m.predictions.WithLabelValues(outcome).Inc()
	m.predictDuration.Observe(d.Seconds())
}
