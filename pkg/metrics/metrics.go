// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-keyguard.
//
// go-keyguard is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package metrics provides Prometheus instrumentation for keyguard
// operations. It exposes operation counters, latency histograms, and error
// counters so the embedding application can monitor the security core
// without the core owning any transport surface.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Namespace is the Prometheus namespace for all keyguard metrics
	Namespace = "keyguard"

	// Label names
	LabelOperation = "operation"
	LabelStatus    = "status"
	LabelErrorType = "error_type"

	// Status values
	StatusSuccess = "success"
	StatusError   = "error"

	// Operation names
	OpEncrypt       = "encrypt"
	OpDecrypt       = "decrypt"
	OpImport        = "import"
	OpSignChallenge = "sign_challenge"
	OpSignResume    = "sign_resume"
	OpSessionCreate = "session_create"
	OpSessionGet    = "session_get"
	OpCertValidate  = "cert_validate"
	OpBiometric     = "biometric_prompt"
)

var (
	// OperationsTotal tracks the total number of keyguard operations by
	// type and status. Use RecordOperation to increment this counter.
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "operations_total",
			Help:      "Total number of keyguard operations by type and status",
		},
		[]string{LabelOperation, LabelStatus},
	)

	// OperationDuration tracks the duration of keyguard operations in
	// seconds. Buckets cover keystore I/O through user-interactive prompts.
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of keyguard operations in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{LabelOperation},
	)

	// ErrorsTotal tracks the total number of errors by operation and error
	// type. Error types should be specific (e.g., "rate_limited",
	// "key_mismatch", "decryption_failed").
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "errors_total",
			Help:      "Total number of errors by operation and error type",
		},
		[]string{LabelOperation, LabelErrorType},
	)

	// RateLimitedTotal tracks authentication attempts rejected by the
	// sliding-window rate limiter.
	RateLimitedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "rate_limited_total",
			Help:      "Total number of authentication attempts rejected by rate limiting",
		},
	)

	// ActiveSessions tracks the number of live authentication sessions.
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "active_sessions",
			Help:      "Number of unexpired authentication sessions",
		},
	)
)

// RecordOperation increments the operation counter with the given status.
func RecordOperation(operation, status string) {
	OperationsTotal.WithLabelValues(operation, status).Inc()
}

// RecordError increments both the operation error counter and the error
// type counter.
func RecordError(operation, errorType string) {
	OperationsTotal.WithLabelValues(operation, StatusError).Inc()
	ErrorsTotal.WithLabelValues(operation, errorType).Inc()
}

// Timer returns a function that records the elapsed time for an operation
// when called. Use with defer:
//
//	defer metrics.Timer(metrics.OpSignChallenge)()
func Timer(operation string) func() {
	start := time.Now()
	return func() {
		OperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	}
}
