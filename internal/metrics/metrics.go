// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ScanDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attendance_scan_decisions_total",
		Help: "Scan submissions by outcome status and rejection reason.",
	}, []string{"status", "reason"})

	ScanDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "attendance_scan_duration_seconds",
		Help:    "Time spent deciding a scan submission.",
		Buckets: prometheus.DefBuckets,
	})

	TokensIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "attendance_tokens_issued_total",
		Help: "Scan tokens issued.",
	})

	SelfieUploadFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "attendance_selfie_upload_failures_total",
		Help: "Selfie uploads that failed or timed out.",
	})

	FraudAlerts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attendance_fraud_alerts_total",
		Help: "Fraud alerts stored, by type and severity.",
	}, []string{"type", "severity"})

	FraudRuleErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attendance_fraud_rule_errors_total",
		Help: "Fraud rule evaluations that failed or panicked.",
	}, []string{"rule"})

	RiskRecomputes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attendance_risk_recomputes_total",
		Help: "Risk score recomputations by resulting status, or error.",
	}, []string{"result"})

	WorkerMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attendance_worker_messages_total",
		Help: "Queue messages handled by the worker, by event type and outcome.",
	}, []string{"type", "outcome"})
)
