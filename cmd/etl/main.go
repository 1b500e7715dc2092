package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"solanaETL/internal/chain"
	"solanaETL/internal/config"
	"solanaETL/internal/indexer"
	"solanaETL/internal/metrics"
)

func main() {
	root := &cobra.Command{
		Use:          "etl",
		Short:        "Solana block ETL into a warehouse",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")
	addCommonFlags(root.PersistentFlags())

	backfillCmd := &cobra.Command{
		Use:   "backfill",
		Short: "Load a bounded slot range with parallel workers",
		RunE:  runBackfill,
	}
	backfillCmd.Flags().Uint64("start-slot", 0, "first slot (inclusive)")
	backfillCmd.Flags().Uint64("end-slot", 0, "last slot (exclusive)")
	backfillCmd.Flags().Int("workers", 4, "concurrent chunks")
	_ = backfillCmd.MarkFlagRequired("start-slot")
	_ = backfillCmd.MarkFlagRequired("end-slot")
	root.AddCommand(backfillCmd)

	incrementalCmd := &cobra.Command{
		Use:   "incremental",
		Short: "Follow the chain tip from the stored cursor",
		RunE:  runIncremental,
	}
	incrementalCmd.Flags().String("interval", "30s", "pause between cycles (duration or seconds)")
	root.AddCommand(incrementalCmd)

	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check RPC, warehouse and cursor lag",
		RunE:  runHealth,
	})

	root.AddCommand(&cobra.Command{
		Use:   "analytics",
		Short: "Recompute reporting tables from the events table",
		RunE:  runAnalytics,
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func addCommonFlags(fs *pflag.FlagSet) {
	fs.String("log-level", "info", "log level (debug, info, warn, error)")
	fs.String("rpc-url", "", "Solana JSON-RPC URL")
	fs.Duration("rpc-timeout", 30*time.Second, "per-request timeout")
	fs.Int("rpc-max-retries", 5, "retries after the first attempt")
	fs.Int("rpc-rate-limit", 50, "requests per second")
	fs.Duration("rpc-retry-backoff", time.Second, "base retry delay")
	fs.String("rpc-commitment", "confirmed", "commitment (processed, confirmed, finalized)")
	fs.String("warehouse-type", config.WarehousePostgres, "sink backend (postgres, bigquery, memory)")
	fs.String("warehouse-dsn", "", "Postgres DSN")
	fs.Int32("warehouse-max-conns", 4, "Postgres pool size per sink")
	fs.String("bigquery-project", "", "BigQuery project id")
	fs.String("bigquery-dataset", "solana_etl", "BigQuery dataset")
	fs.String("bigquery-credentials", "", "service account JSON path")
	fs.String("bigquery-location", "US", "BigQuery dataset location")
	fs.Int("batch-size", 1000, "events per warehouse write")
	fs.Uint64("checkpoint-interval", 100, "slots between cursor checkpoints")
	fs.Uint64("chunk-size", 1000, "slots per backfill chunk")
	fs.Uint64("max-slot-lag", 1000, "bootstrap depth and health lag threshold")
	fs.String("metrics-addr", "", "serve /metrics and /healthz on this address")
}

// loadConfig reads configuration for cmd and builds the logger.
func loadConfig(cmd *cobra.Command) (config.Config, *zap.Logger, error) {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return config.Config{}, nil, err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}

func newChainClient(ctx context.Context, cfg config.RPCConfig, logger *zap.Logger) (*chain.Client, error) {
	client, err := chain.NewClient(ctx, chain.Config{
		URL:          cfg.URL,
		Timeout:      cfg.Timeout,
		MaxRetries:   cfg.MaxRetries,
		RateLimit:    cfg.RateLimit,
		RetryBackoff: cfg.RetryBackoff,
		Commitment:   cfg.Commitment,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("connect rpc: %w", err)
	}
	return client, nil
}

func indexerConfig(cfg config.ETLConfig) indexer.Config {
	return indexer.Config{
		BatchSize:          cfg.BatchSize,
		CheckpointInterval: cfg.CheckpointInterval,
		ChunkSize:          cfg.ChunkSize,
		Workers:            cfg.Workers,
		MaxSlotLag:         cfg.MaxSlotLag,
		Encoding:           chain.EncodingJSONParsed,
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// serveMetrics starts the metrics endpoint in the background when addr is set.
func serveMetrics(ctx context.Context, addr string, logger *zap.Logger) {
	if addr == "" {
		return
	}
	go func() {
		if err := metrics.Serve(ctx, addr, logger); err != nil {
			logger.Error("metrics server stopped", zap.Error(err))
		}
	}()
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}

func redactDSN(dsn string) string {
	if dsn == "" {
		return dsn
	}
	return "***"
}
