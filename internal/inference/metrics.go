package inference

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Metrics holds process-wide prediction counters. Timing numbers are
// advisory and never drive control decisions.
type Metrics struct {
	requestsTotal     atomic.Int64
	requestsFailed    atomic.Int64
	clientErrors      atomic.Int64
	timeouts          atomic.Int64
	inflight          atomic.Int64
	predictions       atomic.Int64
	latencyNanos      atomic.Int64
	preprocessNanos   atomic.Int64
	inferenceNanos    atomic.Int64
	inferenceNanosMax atomic.Int64
}

type MetricsSnapshot struct {
	RequestsTotal       int64
	RequestsFailed      int64
	ClientErrors        int64
	Timeouts            int64
	InFlight            int64
	Predictions         int64
	AvgLatencyMillis    float64
	AvgPreprocessMillis float64
	AvgInferenceMillis  float64
	MaxInferenceMillis  float64
}

func (m *Metrics) RecordRequestStart() {
	m.requestsTotal.Add(1)
	m.inflight.Add(1)
}

func (m *Metrics) RecordRequestDone(latency time.Duration, err error) {
	m.inflight.Add(-1)
	m.latencyNanos.Add(nonNegative(latency))
	switch {
	case err == nil:
	case IsClientError(err):
		m.requestsFailed.Add(1)
		m.clientErrors.Add(1)
	default:
		m.requestsFailed.Add(1)
	}
}

func (m *Metrics) RecordTimeout() {
	m.timeouts.Add(1)
}

func (m *Metrics) RecordPrediction(preprocess, inference time.Duration) {
	m.predictions.Add(1)
	m.preprocessNanos.Add(nonNegative(preprocess))
	inferNanos := nonNegative(inference)
	m.inferenceNanos.Add(inferNanos)
	updateAtomicMax(&m.inferenceNanosMax, inferNanos)
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	requests := m.requestsTotal.Load()
	predictions := m.predictions.Load()

	s := MetricsSnapshot{
		RequestsTotal:      requests,
		RequestsFailed:     m.requestsFailed.Load(),
		ClientErrors:       m.clientErrors.Load(),
		Timeouts:           m.timeouts.Load(),
		InFlight:           m.inflight.Load(),
		Predictions:        predictions,
		MaxInferenceMillis: millis(m.inferenceNanosMax.Load()),
	}
	if requests > 0 {
		s.AvgLatencyMillis = millis(m.latencyNanos.Load()) / float64(requests)
	}
	if predictions > 0 {
		s.AvgPreprocessMillis = millis(m.preprocessNanos.Load()) / float64(predictions)
		s.AvgInferenceMillis = millis(m.inferenceNanos.Load()) / float64(predictions)
	}
	return s
}

func (s MetricsSnapshot) PrometheusText() string {
	return fmt.Sprintf(
		"breed_requests_total %d\n"+
			"breed_requests_failed_total %d\n"+
			"breed_requests_client_errors_total %d\n"+
			"breed_requests_timeouts_total %d\n"+
			"breed_inflight %d\n"+
			"breed_predictions_total %d\n"+
			"breed_request_latency_ms_avg %.6f\n"+
			"breed_preprocess_latency_ms_avg %.6f\n"+
			"breed_inference_latency_ms_avg %.6f\n"+
			"breed_inference_latency_ms_max %.6f\n",
		s.RequestsTotal,
		s.RequestsFailed,
		s.ClientErrors,
		s.Timeouts,
		s.InFlight,
		s.Predictions,
		s.AvgLatencyMillis,
		s.AvgPreprocessMillis,
		s.AvgInferenceMillis,
		s.MaxInferenceMillis,
	)
}

func nonNegative(d time.Duration) int64 {
	if d < 0 {
		return 0
	}
	return d.Nanoseconds()
}

func millis(nanos int64) float64 {
	return float64(nanos) / float64(time.Millisecond)
}

func updateAtomicMax(target *atomic.Int64, value int64) {
	for {
		current := target.Load()
		if value <= current {
			return
		}
		if target.CompareAndSwap(current, value) {
			return
		}
	}
}
