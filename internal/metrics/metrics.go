// Package metrics defines the Prometheus collectors shared across the
// orchestrator. Everything registers on the default registry and is exposed
// by the /metrics endpoint in cmd/api.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTPRequests counts API requests by method, route pattern and status.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rcc_http_requests_total",
		Help: "Total HTTP requests handled by the API server.",
	}, []string{"method", "route", "status"})

	// HTTPDuration observes request latency per route pattern.
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rcc_http_request_duration_seconds",
		Help:    "HTTP request latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	// Retirements counts retirement executions by outcome
	// (success or fallback).
	Retirements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rcc_retirements_total",
		Help: "Retirement executions by outcome.",
	}, []string{"outcome"})

	// Contributions counts pool contribution records, including duplicates
	// deduplicated by external event id.
	Contributions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rcc_contributions_total",
		Help: "Pool contributions recorded, by source and duplicate flag.",
	}, []string{"source", "duplicate"})

	// BatchRuns counts monthly batch executions by final status and mode.
	BatchRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rcc_batch_runs_total",
		Help: "Monthly batch executions by status and mode.",
	}, []string{"status", "mode"})

	// SyncInvoices counts gateway invoices seen during subscription sync.
	SyncInvoices = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rcc_sync_invoices_total",
		Help: "Invoices processed by subscription sync, by result.",
	}, []string{"result"})

	// RateLimited counts requests rejected by the per-key rate limiter.
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rcc_rate_limited_total",
		Help: "Requests rejected by the sliding-window rate limiter.",
	})
)
