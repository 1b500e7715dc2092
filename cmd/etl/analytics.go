package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"solanaETL/internal/analytics"
)

func runAnalytics(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if err := cfg.ValidateWarehouse(); err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	runner, closeFn, err := analytics.Open(ctx, cfg.Warehouse, logger)
	if err != nil {
		return err
	}
	defer closeFn()

	logger.Info("analytics start",
		zap.String("dsn", redactDSN(cfg.Warehouse.DSN)),
		zap.Int("summaries", len(analytics.Summaries())),
	)

	if err := runner.Run(ctx); err != nil {
		return err
	}
	logger.Info("analytics done")
	return nil
}
