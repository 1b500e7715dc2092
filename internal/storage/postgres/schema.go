package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"solanaETL/internal/etlerr"
)

// schemaLockID serializes schema setup across sinks and processes.
const schemaLockID int64 = 0x736f6c5f65746c

var factColumns = map[string]string{
	"event_id":          "text",
	"slot":              "bigint",
	"block_time":        "timestamp with time zone",
	"tx_signature":      "text",
	"program_id":        "text",
	"instruction_index": "integer",
	"event_type":        "text",
	"raw_payload":       "jsonb",
	"created_at":        "timestamp with time zone",
	"updated_at":        "timestamp with time zone",
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS etl_metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS fact_transactions (
		event_id TEXT PRIMARY KEY,
		slot BIGINT NOT NULL,
		block_time TIMESTAMPTZ NOT NULL,
		tx_signature TEXT NOT NULL,
		program_id TEXT,
		instruction_index INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		raw_payload JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_fact_transactions_slot ON fact_transactions (slot)`,
	`CREATE INDEX IF NOT EXISTS idx_fact_transactions_block_time ON fact_transactions (block_time)`,
	`CREATE INDEX IF NOT EXISTS idx_fact_transactions_program_id ON fact_transactions (program_id)`,
}

// schemaCompatible reports whether existing columns (name -> data_type)
// cover every expected column with the expected type.
func schemaCompatible(existing map[string]string) bool {
	for name, typ := range factColumns {
		if existing[name] != typ {
			return false
		}
	}
	return true
}

// ensureSchema creates the tables. An incompatible fact_transactions is
// dropped and recreated, and the cursor is cleared with it so the data and
// the cursor stay consistent.
func ensureSchema(ctx context.Context, pool *pgxpool.Pool, cursorKey string, logger *zap.Logger) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return etlerr.Database("begin schema", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, schemaLockID); err != nil {
		return etlerr.Database("schema lock", err)
	}

	existing, err := loadColumns(ctx, tx)
	if err != nil {
		return err
	}

	if len(existing) > 0 && !schemaCompatible(existing) {
		logger.Warn("fact_transactions schema mismatch, recreating table and clearing cursor")
		if _, err := tx.Exec(ctx, `DROP TABLE fact_transactions`); err != nil {
			return etlerr.Database("drop fact_transactions", err)
		}
		if _, err := tx.Exec(ctx, schemaStatements[0]); err != nil {
			return etlerr.Database("create etl_metadata", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM etl_metadata WHERE key = $1`, cursorKey); err != nil {
			return etlerr.Database("clear cursor", err)
		}
	}

	for _, stmt := range schemaStatements {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return etlerr.Database("create schema", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return etlerr.Database("commit schema", err)
	}
	return nil
}

func loadColumns(ctx context.Context, tx pgx.Tx) (map[string]string, error) {
	rows, err := tx.Query(ctx, `
		SELECT column_name, data_type
		FROM information_schema.columns
		WHERE table_schema = current_schema() AND table_name = 'fact_transactions'
	`)
	if err != nil {
		return nil, etlerr.Database("inspect schema", err)
	}
	defer rows.Close()

	cols := make(map[string]string)
	for rows.Next() {
		var name, typ string
		if err := rows.Scan(&name, &typ); err != nil {
			return nil, etlerr.Database("inspect schema", err)
		}
		cols[name] = typ
	}
	if err := rows.Err(); err != nil {
		return nil, etlerr.Database("inspect schema", err)
	}
	return cols, nil
}
