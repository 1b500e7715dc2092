package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"solanaETL/internal/health"
	"solanaETL/internal/storage"
)

func runHealth(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if err := cfg.ValidateRPC(); err != nil {
		return err
	}
	if err := cfg.ValidateWarehouse(); err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

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

	report, err := health.NewChecker(chainClient, sink, cfg.ETL.MaxSlotLag, logger).Check(ctx)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	logger.Info("health check passed",
		zap.Uint64("tip", report.Tip),
		zap.Bool("has_cursor", report.HasCursor),
		zap.Uint64("cursor", report.Cursor),
		zap.Uint64("lag", report.Lag),
	)
	return nil
}
