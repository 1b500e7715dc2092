package bigquery

import (
	"time"

	"cloud.google.com/go/bigquery"

	"solanaETL/internal/model"
)

// eventRow is the struct form of a CanonicalEvent bound to @rows. An empty
// ProgramID becomes NULL in the MERGE.
type eventRow struct {
	EventID          string    `bigquery:"event_id"`
	Slot             int64     `bigquery:"slot"`
	BlockTime        time.Time `bigquery:"block_time"`
	TxSignature      string    `bigquery:"tx_signature"`
	ProgramID        string    `bigquery:"program_id"`
	InstructionIndex int64     `bigquery:"instruction_index"`
	EventType        string    `bigquery:"event_type"`
	RawPayload       string    `bigquery:"raw_payload"`
}

// toRows converts events, keeping only the last occurrence of each event id
// so the MERGE source has unique keys.
func toRows(events []model.CanonicalEvent) []eventRow {
	pos := make(map[string]int, len(events))
	rows := make([]eventRow, 0, len(events))
	for _, ev := range events {
		row := eventRow{
			EventID:          ev.EventID,
			Slot:             int64(ev.Slot),
			BlockTime:        ev.BlockTime,
			TxSignature:      ev.TxSignature,
			ProgramID:        ev.ProgramIDOrEmpty(),
			InstructionIndex: int64(ev.InstructionIndex),
			EventType:        string(ev.EventType),
			RawPayload:       string(ev.RawPayload),
		}
		if i, ok := pos[ev.EventID]; ok {
			rows[i] = row
			continue
		}
		pos[ev.EventID] = len(rows)
		rows = append(rows, row)
	}
	return rows
}

func factSchema() bigquery.Schema {
	return bigquery.Schema{
		{Name: "event_id", Type: bigquery.StringFieldType, Required: true},
		{Name: "slot", Type: bigquery.IntegerFieldType, Required: true},
		{Name: "block_time", Type: bigquery.TimestampFieldType, Required: true},
		{Name: "tx_signature", Type: bigquery.StringFieldType, Required: true},
		{Name: "program_id", Type: bigquery.StringFieldType},
		{Name: "instruction_index", Type: bigquery.IntegerFieldType, Required: true},
		{Name: "event_type", Type: bigquery.StringFieldType, Required: true},
		{Name: "raw_payload", Type: bigquery.JSONFieldType},
		{Name: "created_at", Type: bigquery.TimestampFieldType},
		{Name: "updated_at", Type: bigquery.TimestampFieldType},
	}
}

func factTableMetadata() *bigquery.TableMetadata {
	return &bigquery.TableMetadata{
		Schema: factSchema(),
		TimePartitioning: &bigquery.TimePartitioning{
			Type:  bigquery.DayPartitioningType,
			Field: "block_time",
		},
		Clustering: &bigquery.Clustering{Fields: []string{"slot", "event_type"}},
	}
}

func metadataTableMetadata() *bigquery.TableMetadata {
	return &bigquery.TableMetadata{
		Schema: bigquery.Schema{
			{Name: "key", Type: bigquery.StringFieldType, Required: true},
			{Name: "value", Type: bigquery.StringFieldType, Required: true},
			{Name: "updated_at", Type: bigquery.TimestampFieldType},
		},
	}
}

// schemaCompatible reports whether existing has every expected field with
// the expected type.
func schemaCompatible(existing bigquery.Schema) bool {
	types := make(map[string]bigquery.FieldType, len(existing))
	for _, f := range existing {
		types[f.Name] = f.Type
	}
	for _, f := range factSchema() {
		if types[f.Name] != f.Type {
			return false
		}
	}
	return true
}
