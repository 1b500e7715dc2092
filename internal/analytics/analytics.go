// Package analytics refreshes reporting tables derived from fact_transactions.
// Only the Postgres warehouse is supported.
package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"solanaETL/internal/config"
	"solanaETL/internal/etlerr"
	"solanaETL/internal/storage"
	"solanaETL/internal/storage/postgres"
)

// Runner recomputes every summary table.
type Runner struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func NewRunner(pool *pgxpool.Pool, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{pool: pool, logger: logger}
}

// Open connects to the warehouse described by cfg and returns a Runner over
// it. The caller must call the returned close func.
func Open(ctx context.Context, cfg config.WarehouseConfig, logger *zap.Logger) (*Runner, func(), error) {
	if cfg.Type != config.WarehousePostgres {
		return nil, nil, etlerr.Config("analytics requires the %s warehouse, got %q", config.WarehousePostgres, cfg.Type)
	}

	sink, err := postgres.NewSink(postgres.Config{
		DSN:       cfg.DSN,
		MaxConns:  cfg.MaxConns,
		CursorKey: storage.CursorKey,
	}, logger)
	if err != nil {
		return nil, nil, err
	}

	// Pool also ensures the fact table, so the summaries always have a source.
	pool, err := sink.Pool(ctx)
	if err != nil {
		sink.Close()
		return nil, nil, err
	}
	return NewRunner(pool, logger), sink.Close, nil
}

// Run creates missing summary tables and refreshes each one in its own
// transaction. It stops at the first failing summary.
func (r *Runner) Run(ctx context.Context) error {
	if r.pool == nil {
		return fmt.Errorf("pool is nil")
	}

	for _, s := range summaries {
		if _, err := r.pool.Exec(ctx, s.create); err != nil {
			return etlerr.Database("create "+s.Table, err)
		}
	}

	for _, s := range summaries {
		start := time.Now()
		if err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
			return refresh(ctx, tx, s)
		}); err != nil {
			return etlerr.Database("refresh "+s.Name, err)
		}
		r.logger.Info("summary refreshed",
			zap.String("summary", s.Name),
			zap.String("table", s.Table),
			zap.Duration("elapsed", time.Since(start)),
		)
	}
	return nil
}

func refresh(ctx context.Context, tx pgx.Tx, s Summary) error {
	batch := &pgx.Batch{}
	for _, stmt := range s.refresh {
		batch.Queue(stmt)
	}

	br := tx.SendBatch(ctx, batch)
	for range s.refresh {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return err
		}
	}
	return br.Close()
}
