package storage

import (
	"context"

	"go.uber.org/zap"

	"solanaETL/internal/config"
	"solanaETL/internal/etlerr"
	"solanaETL/internal/model"
	"solanaETL/internal/storage/bigquery"
	"solanaETL/internal/storage/memory"
	"solanaETL/internal/storage/postgres"
)

// CursorKey is the metadata key holding the last confirmed slot.
const CursorKey = "last_confirmed_slot"

// Sink persists canonical events and the progress cursor. InsertEvents must
// be idempotent on event_id; LastSlot reports ok=false when no cursor exists.
type Sink interface {
	Connect(ctx context.Context) error
	InsertEvents(ctx context.Context, events []model.CanonicalEvent) error
	LastSlot(ctx context.Context) (uint64, bool, error)
	UpdateLastSlot(ctx context.Context, slot uint64) error
	IsSlotProcessed(ctx context.Context, slot uint64) (bool, error)
	HealthCheck(ctx context.Context) error
	Close()
}

// Factory builds a fresh, unconnected sink.
type Factory func() (Sink, error)

// New returns the sink selected by cfg.Type. Unknown types fail closed.
func New(cfg config.WarehouseConfig, logger *zap.Logger) (Sink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	switch cfg.Type {
	case config.WarehousePostgres:
		return postgres.NewSink(postgres.Config{
			DSN:       cfg.DSN,
			MaxConns:  cfg.MaxConns,
			CursorKey: CursorKey,
		}, logger)
	case config.WarehouseBigQuery:
		return bigquery.NewSink(bigquery.Config{
			Project:         cfg.BigQuery.Project,
			Dataset:         cfg.BigQuery.Dataset,
			CredentialsFile: cfg.BigQuery.CredentialsFile,
			Location:        cfg.BigQuery.Location,
			CursorKey:       CursorKey,
		}, logger)
	case config.WarehouseMemory:
		return memory.NewSink(), nil
	default:
		return nil, etlerr.Config("unknown warehouse type %q", cfg.Type)
	}
}

// NewFactory binds cfg so orchestrators can open one sink per worker.
// Memory sinks from the same factory share one store, so workers see each
// other's events and the cursor as they would in a real warehouse.
func NewFactory(cfg config.WarehouseConfig, logger *zap.Logger) Factory {
	if cfg.Type == config.WarehouseMemory {
		st := memory.NewStore()
		return func() (Sink, error) {
			return memory.Shared(st), nil
		}
	}
	return func() (Sink, error) {
		return New(cfg, logger)
	}
}
