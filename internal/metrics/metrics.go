// Package metrics holds the Prometheus collectors exported by the ETL.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RPCRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "solana_etl_rpc_requests_total",
		Help: "Total JSON-RPC attempts by method and status",
	}, []string{"method", "status"})

	RPCDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "solana_etl_rpc_request_duration_seconds",
		Help:    "Duration of single JSON-RPC attempts",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"method"})

	RPCRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "solana_etl_rpc_retries_total",
		Help: "Total JSON-RPC retries scheduled after a retryable failure",
	}, []string{"method"})

	SlotsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "solana_etl_slots_processed_total",
		Help: "Slots handled by outcome (indexed, empty, skipped, unavailable, parse_error, already_processed)",
	}, []string{"mode", "outcome"})

	EventsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "solana_etl_events_written_total",
		Help: "Canonical events flushed to the warehouse",
	}, []string{"mode"})

	BatchFlushDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "solana_etl_batch_flush_duration_seconds",
		Help:    "Time taken to write one event batch",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	}, []string{"mode"})

	Cursor = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "solana_etl_cursor_slot",
		Help: "Last confirmed slot persisted by this process",
	})

	ChainTip = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "solana_etl_chain_tip_slot",
		Help: "Latest slot reported by the RPC node",
	})

	Chunks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "solana_etl_backfill_chunks_total",
		Help: "Backfill chunks by final state",
	}, []string{"state"})

	ActiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "solana_etl_backfill_active_workers",
		Help: "Backfill chunks currently holding a worker permit",
	})

	Cycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "solana_etl_incremental_cycles_total",
		Help: "Incremental cycles by status",
	}, []string{"status"})
)
