package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"solanaETL/internal/indexer"
	"solanaETL/internal/parser"
	"solanaETL/internal/storage"
)

func runBackfill(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		return err
	}

	start, _ := cmd.Flags().GetUint64("start-slot")
	end, _ := cmd.Flags().GetUint64("end-slot")
	if end < start {
		return fmt.Errorf("end-slot (%d) is before start-slot (%d)", end, start)
	}

	ctx, stop := signalContext()
	defer stop()

	serveMetrics(ctx, cfg.MetricsAddr, logger)

	chainClient, err := newChainClient(ctx, cfg.RPC, logger)
	if err != nil {
		return err
	}
	defer chainClient.Close()

	backfill := indexer.NewBackfill(
		indexerConfig(cfg.ETL),
		chainClient,
		parser.New(logger),
		storage.NewFactory(cfg.Warehouse, logger),
		logger,
	)

	logger.Info("backfill config",
		zap.String("rpc", cfg.RPC.URL),
		zap.String("warehouse", cfg.Warehouse.Type),
		zap.String("dsn", redactDSN(cfg.Warehouse.DSN)),
		zap.Uint64("start_slot", start),
		zap.Uint64("end_slot", end),
		zap.Uint64("chunk_size", cfg.ETL.ChunkSize),
		zap.Int("workers", cfg.ETL.Workers),
		zap.Int("batch_size", cfg.ETL.BatchSize),
	)

	report, err := backfill.Run(ctx, start, end)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("backfill interrupted: %w", err)
		}
		return err
	}
	if report.Failed > 0 {
		// processed slots are skipped on the next run, so rerunning the same
		// range only redoes what failed
		logger.Warn("backfill finished with failed chunks",
			zap.Int("failed", report.Failed),
			zap.Int("done", report.Done),
		)
	}
	return nil
}
