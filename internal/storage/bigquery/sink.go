// Package bigquery implements the warehouse sink on Google BigQuery.
package bigquery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"

	"cloud.google.com/go/bigquery"
	"go.uber.org/zap"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"solanaETL/internal/etlerr"
	"solanaETL/internal/model"
)

const (
	factTable     = "fact_transactions"
	metadataTable = "etl_metadata"
)

// Config holds BigQuery sink settings.
type Config struct {
	Project         string
	Dataset         string
	CredentialsFile string
	Location        string
	CursorKey       string
}

// Sink writes events with MERGE statements so re-delivery is idempotent.
type Sink struct {
	cfg    Config
	logger *zap.Logger

	client atomic.Pointer[bigquery.Client]
	mu     sync.Mutex
}

// NewSink validates cfg. The client is created on Connect or first use.
func NewSink(cfg Config, logger *zap.Logger) (*Sink, error) {
	if cfg.Project == "" {
		return nil, etlerr.Config("bigquery project is required")
	}
	if cfg.Dataset == "" {
		return nil, etlerr.Config("bigquery dataset is required")
	}
	if cfg.CursorKey == "" {
		cfg.CursorKey = "last_confirmed_slot"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{cfg: cfg, logger: logger}, nil
}

// Connect creates the client, dataset and tables.
func (s *Sink) Connect(ctx context.Context) error {
	_, err := s.getClient(ctx)
	return err
}

func (s *Sink) getClient(ctx context.Context) (*bigquery.Client, error) {
	if client := s.client.Load(); client != nil {
		return client, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if client := s.client.Load(); client != nil {
		return client, nil
	}

	var opts []option.ClientOption
	if s.cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(s.cfg.CredentialsFile))
	}
	client, err := bigquery.NewClient(ctx, s.cfg.Project, opts...)
	if err != nil {
		return nil, etlerr.Database("bigquery client", err)
	}
	if s.cfg.Location != "" {
		client.Location = s.cfg.Location
	}

	if err := s.ensureSchema(ctx, client); err != nil {
		client.Close()
		return nil, err
	}

	s.client.Store(client)
	s.logger.Info("bigquery connected", zap.String("project", s.cfg.Project), zap.String("dataset", s.cfg.Dataset))
	return client, nil
}

// Close releases the client.
func (s *Sink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if client := s.client.Swap(nil); client != nil {
		if err := client.Close(); err != nil {
			s.logger.Warn("bigquery close", zap.Error(err))
		}
	}
}

func (s *Sink) ensureSchema(ctx context.Context, client *bigquery.Client) error {
	ds := client.Dataset(s.cfg.Dataset)
	if _, err := ds.Metadata(ctx); err != nil {
		if !isNotFound(err) {
			return etlerr.Database("dataset metadata", err)
		}
		if err := ds.Create(ctx, &bigquery.DatasetMetadata{Location: s.cfg.Location}); err != nil && !isAlreadyExists(err) {
			return etlerr.Database("create dataset", err)
		}
	}

	if err := createIfMissing(ctx, ds.Table(metadataTable), metadataTableMetadata()); err != nil {
		return err
	}

	fact := ds.Table(factTable)
	md, err := fact.Metadata(ctx)
	switch {
	case err == nil:
		if schemaCompatible(md.Schema) {
			return nil
		}
		s.logger.Warn("fact_transactions schema mismatch, recreating table and clearing cursor")
		if err := fact.Delete(ctx); err != nil {
			return etlerr.Database("delete fact table", err)
		}
		if err := s.clearCursor(ctx, client); err != nil {
			return err
		}
	case !isNotFound(err):
		return etlerr.Database("fact table metadata", err)
	}

	if err := fact.Create(ctx, factTableMetadata()); err != nil && !isAlreadyExists(err) {
		return etlerr.Database("create fact table", err)
	}
	return nil
}

func createIfMissing(ctx context.Context, table *bigquery.Table, md *bigquery.TableMetadata) error {
	if _, err := table.Metadata(ctx); err == nil {
		return nil
	} else if !isNotFound(err) {
		return etlerr.Database("table metadata", err)
	}
	if err := table.Create(ctx, md); err != nil && !isAlreadyExists(err) {
		return etlerr.Database("create table", err)
	}
	return nil
}

// InsertEvents merges the batch in a single DML statement.
func (s *Sink) InsertEvents(ctx context.Context, events []model.CanonicalEvent) error {
	if len(events) == 0 {
		return nil
	}
	if err := model.ValidateEvents(events); err != nil {
		return err
	}
	client, err := s.getClient(ctx)
	if err != nil {
		return err
	}

	q := client.Query(fmt.Sprintf(`
		MERGE %s T
		USING (SELECT * FROM UNNEST(@rows)) S
		ON T.event_id = S.event_id
		WHEN MATCHED THEN UPDATE SET
			raw_payload = SAFE.PARSE_JSON(S.raw_payload),
			block_time = S.block_time,
			updated_at = CURRENT_TIMESTAMP()
		WHEN NOT MATCHED THEN INSERT (
			event_id, slot, block_time, tx_signature, program_id,
			instruction_index, event_type, raw_payload, created_at, updated_at
		) VALUES (
			S.event_id, S.slot, S.block_time, S.tx_signature, NULLIF(S.program_id, ''),
			S.instruction_index, S.event_type, SAFE.PARSE_JSON(S.raw_payload),
			CURRENT_TIMESTAMP(), CURRENT_TIMESTAMP()
		)`, s.tableRef(factTable)))
	q.Parameters = []bigquery.QueryParameter{{Name: "rows", Value: toRows(events)}}

	return etlerr.Database("merge events", runDML(ctx, q))
}

// LastSlot returns the persisted cursor.
func (s *Sink) LastSlot(ctx context.Context) (uint64, bool, error) {
	client, err := s.getClient(ctx)
	if err != nil {
		return 0, false, err
	}

	q := client.Query(fmt.Sprintf(`SELECT value FROM %s WHERE key = @key LIMIT 1`, s.tableRef(metadataTable)))
	q.Parameters = []bigquery.QueryParameter{{Name: "key", Value: s.cfg.CursorKey}}

	it, err := q.Read(ctx)
	if err != nil {
		return 0, false, etlerr.Database("load cursor", err)
	}

	var row struct {
		Value string `bigquery:"value"`
	}
	if err := it.Next(&row); err != nil {
		if errors.Is(err, iterator.Done) {
			return 0, false, nil
		}
		return 0, false, etlerr.Database("load cursor", err)
	}

	slot, err := strconv.ParseUint(row.Value, 10, 64)
	if err != nil {
		return 0, false, etlerr.Database("parse cursor", err)
	}
	return slot, true, nil
}

// UpdateLastSlot upserts the cursor.
func (s *Sink) UpdateLastSlot(ctx context.Context, slot uint64) error {
	client, err := s.getClient(ctx)
	if err != nil {
		return err
	}

	q := client.Query(fmt.Sprintf(`
		MERGE %s T
		USING (SELECT @key AS key, @value AS value) S
		ON T.key = S.key
		WHEN MATCHED THEN UPDATE SET value = S.value, updated_at = CURRENT_TIMESTAMP()
		WHEN NOT MATCHED THEN INSERT (key, value, updated_at) VALUES (S.key, S.value, CURRENT_TIMESTAMP())`,
		s.tableRef(metadataTable)))
	q.Parameters = []bigquery.QueryParameter{
		{Name: "key", Value: s.cfg.CursorKey},
		{Name: "value", Value: strconv.FormatUint(slot, 10)},
	}

	return etlerr.Database("save cursor", runDML(ctx, q))
}

// IsSlotProcessed reports whether any event exists for slot.
func (s *Sink) IsSlotProcessed(ctx context.Context, slot uint64) (bool, error) {
	client, err := s.getClient(ctx)
	if err != nil {
		return false, err
	}

	q := client.Query(fmt.Sprintf(`SELECT COUNT(1) AS n FROM %s WHERE slot = @slot`, s.tableRef(factTable)))
	q.Parameters = []bigquery.QueryParameter{{Name: "slot", Value: int64(slot)}}

	it, err := q.Read(ctx)
	if err != nil {
		return false, etlerr.Database("check slot", err)
	}
	var row struct {
		N int64 `bigquery:"n"`
	}
	if err := it.Next(&row); err != nil {
		return false, etlerr.Database("check slot", err)
	}
	return row.N > 0, nil
}

// HealthCheck reads the dataset metadata.
func (s *Sink) HealthCheck(ctx context.Context) error {
	client, err := s.getClient(ctx)
	if err != nil {
		return err
	}
	if _, err := client.Dataset(s.cfg.Dataset).Metadata(ctx); err != nil {
		return etlerr.Database("health check", err)
	}
	return nil
}

func (s *Sink) clearCursor(ctx context.Context, client *bigquery.Client) error {
	q := client.Query(fmt.Sprintf(`DELETE FROM %s WHERE key = @key`, s.tableRef(metadataTable)))
	q.Parameters = []bigquery.QueryParameter{{Name: "key", Value: s.cfg.CursorKey}}
	return etlerr.Database("clear cursor", runDML(ctx, q))
}

func (s *Sink) tableRef(table string) string {
	return fmt.Sprintf("`%s.%s.%s`", s.cfg.Project, s.cfg.Dataset, table)
}

func runDML(ctx context.Context, q *bigquery.Query) error {
	job, err := q.Run(ctx)
	if err != nil {
		return err
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return err
	}
	return status.Err()
}

func isNotFound(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound
}

func isAlreadyExists(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusConflict
}
