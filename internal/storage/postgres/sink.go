package postgres

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"solanaETL/internal/etlerr"
	"solanaETL/internal/model"
)

// Config holds Postgres sink settings.
type Config struct {
	DSN       string
	MaxConns  int32
	CursorKey string

	// ConnectTimeout bounds the initial ping retries. Zero means 30s.
	ConnectTimeout time.Duration
}

// Sink writes events to fact_transactions and keeps the cursor in
// etl_metadata. The pool is created on first use and shared by all callers
// of the same Sink.
type Sink struct {
	cfg    Config
	logger *zap.Logger

	pool atomic.Pointer[pgxpool.Pool]
	mu   sync.Mutex
}

// NewSink validates cfg. No connection is made until Connect or first use.
func NewSink(cfg Config, logger *zap.Logger) (*Sink, error) {
	if cfg.DSN == "" {
		return nil, etlerr.Config("postgres dsn is required")
	}
	if cfg.CursorKey == "" {
		cfg.CursorKey = "last_confirmed_slot"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{cfg: cfg, logger: logger}, nil
}

// Connect opens the pool and ensures the schema. Safe to call repeatedly.
func (s *Sink) Connect(ctx context.Context) error {
	_, err := s.Pool(ctx)
	return err
}

// Pool returns the connection pool, creating it on first call.
func (s *Sink) Pool(ctx context.Context) (*pgxpool.Pool, error) {
	if pool := s.pool.Load(); pool != nil {
		return pool, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if pool := s.pool.Load(); pool != nil {
		return pool, nil
	}

	poolCfg, err := pgxpool.ParseConfig(s.cfg.DSN)
	if err != nil {
		return nil, etlerr.Config("parse postgres dsn: %v", err)
	}
	if s.cfg.MaxConns > 0 {
		poolCfg.MaxConns = s.cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, etlerr.Database("open pool", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = s.cfg.ConnectTimeout

	operation := func() error {
		if err := pool.Ping(ctx); err != nil {
			s.logger.Warn("postgres ping failed, will retry", zap.Error(err))
			return err
		}
		return nil
	}
	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		pool.Close()
		return nil, etlerr.Database("ping", err)
	}

	if err := ensureSchema(ctx, pool, s.cfg.CursorKey, s.logger); err != nil {
		pool.Close()
		return nil, err
	}

	s.pool.Store(pool)
	s.logger.Info("postgres connected", zap.Int32("max_conns", poolCfg.MaxConns))
	return pool, nil
}

// Close releases the pool.
func (s *Sink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pool := s.pool.Swap(nil); pool != nil {
		pool.Close()
	}
}

const insertEventSQL = `
	INSERT INTO fact_transactions (
		event_id, slot, block_time, tx_signature, program_id,
		instruction_index, event_type, raw_payload, created_at, updated_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, now(), now())
	ON CONFLICT (event_id)
	DO UPDATE SET
		raw_payload = EXCLUDED.raw_payload,
		block_time = EXCLUDED.block_time,
		updated_at = now()
`

// InsertEvents upserts the batch in one transaction.
func (s *Sink) InsertEvents(ctx context.Context, events []model.CanonicalEvent) error {
	if len(events) == 0 {
		return nil
	}
	if err := model.ValidateEvents(events); err != nil {
		return err
	}
	pool, err := s.Pool(ctx)
	if err != nil {
		return err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return etlerr.Database("begin insert", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, ev := range events {
		batch.Queue(insertEventSQL,
			ev.EventID,
			int64(ev.Slot),
			ev.BlockTime,
			ev.TxSignature,
			ev.ProgramID,
			ev.InstructionIndex,
			string(ev.EventType),
			string(ev.RawPayload),
		)
	}

	br := tx.SendBatch(ctx, batch)
	for range events {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return etlerr.Database("insert events", err)
		}
	}
	if err := br.Close(); err != nil {
		return etlerr.Database("insert events", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return etlerr.Database("commit insert", err)
	}
	return nil
}

// LastSlot returns the persisted cursor.
func (s *Sink) LastSlot(ctx context.Context) (uint64, bool, error) {
	pool, err := s.Pool(ctx)
	if err != nil {
		return 0, false, err
	}

	var value string
	row := pool.QueryRow(ctx, `SELECT value FROM etl_metadata WHERE key = $1`, s.cfg.CursorKey)
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, etlerr.Database("load cursor", err)
	}

	slot, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, false, etlerr.Database("parse cursor", err)
	}
	return slot, true, nil
}

// UpdateLastSlot upserts the cursor.
func (s *Sink) UpdateLastSlot(ctx context.Context, slot uint64) error {
	pool, err := s.Pool(ctx)
	if err != nil {
		return err
	}

	_, err = pool.Exec(ctx, `
		INSERT INTO etl_metadata (key, value, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value, updated_at = now()
	`, s.cfg.CursorKey, strconv.FormatUint(slot, 10))
	return etlerr.Database("save cursor", err)
}

// IsSlotProcessed reports whether any event exists for slot.
func (s *Sink) IsSlotProcessed(ctx context.Context, slot uint64) (bool, error) {
	pool, err := s.Pool(ctx)
	if err != nil {
		return false, err
	}

	var exists bool
	row := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM fact_transactions WHERE slot = $1)`, int64(slot))
	if err := row.Scan(&exists); err != nil {
		return false, etlerr.Database("check slot", err)
	}
	return exists, nil
}

// HealthCheck runs a trivial query.
func (s *Sink) HealthCheck(ctx context.Context) error {
	pool, err := s.Pool(ctx)
	if err != nil {
		return err
	}
	var one int
	if err := pool.QueryRow(ctx, `SELECT 1`).Scan(&one); err != nil {
		return etlerr.Database("health check", err)
	}
	return nil
}
