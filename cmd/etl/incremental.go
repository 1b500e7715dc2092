package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"solanaETL/internal/indexer"
	"solanaETL/internal/parser"
	"solanaETL/internal/storage"
)

func runIncremental(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	serveMetrics(ctx, cfg.MetricsAddr, logger)

	chainClient, err := newChainClient(ctx, cfg.RPC, logger)
	if err != nil {
		return err
	}
	defer chainClient.Close()

	sink, err := storage.New(cfg.Warehouse, logger)
	if err != nil {
		return err
	}
	defer sink.Close()

	if err := sink.Connect(ctx); err != nil {
		return err
	}

	runner := indexer.NewIncremental(indexerConfig(cfg.ETL), chainClient, parser.New(logger), sink, logger)

	logger.Info("incremental config",
		zap.String("rpc", cfg.RPC.URL),
		zap.String("warehouse", cfg.Warehouse.Type),
		zap.String("dsn", redactDSN(cfg.Warehouse.DSN)),
		zap.Duration("interval", cfg.ETL.Interval),
		zap.Uint64("max_slot_lag", cfg.ETL.MaxSlotLag),
		zap.Int("batch_size", cfg.ETL.BatchSize),
	)

	return runner.Run(ctx, cfg.ETL.Interval)
}
