package indexer

import (
	"context"
	"encoding/json"

	"solanaETL/internal/chain"
	"solanaETL/internal/etlerr"
	"solanaETL/internal/model"
)

// BlockSource is the part of the chain client the orchestrators use.
type BlockSource interface {
	GetSlot(ctx context.Context) (uint64, error)
	GetBlock(ctx context.Context, slot uint64, encoding chain.Encoding) (json.RawMessage, bool, error)
}

// BlockParser turns a raw block into events.
type BlockParser interface {
	ParseBlock(raw json.RawMessage, slot uint64) ([]model.CanonicalEvent, error)
}

// Config holds orchestration settings shared by both modes.
type Config struct {
	BatchSize          int
	CheckpointInterval uint64
	ChunkSize          uint64
	Workers            int
	MaxSlotLag         uint64
	Encoding           chain.Encoding
}

func (c Config) validate(parallel bool) error {
	if c.BatchSize <= 0 {
		return etlerr.Config("batch size must be greater than zero")
	}
	if c.CheckpointInterval == 0 {
		return etlerr.Config("checkpoint interval must be greater than zero")
	}
	if parallel {
		if c.ChunkSize == 0 {
			return etlerr.Config("chunk size must be greater than zero")
		}
		if c.Workers <= 0 {
			return etlerr.Config("workers must be greater than zero")
		}
	}
	return nil
}

// ChunkState tracks a backfill chunk through its lifecycle.
type ChunkState int

const (
	ChunkPending ChunkState = iota
	ChunkFetching
	ChunkParsing
	ChunkBatched
	ChunkCheckpointed
	ChunkDone
	ChunkFailed
)

func (s ChunkState) String() string {
	switch s {
	case ChunkPending:
		return "pending"
	case ChunkFetching:
		return "fetching"
	case ChunkParsing:
		return "parsing"
	case ChunkBatched:
		return "batched"
	case ChunkCheckpointed:
		return "checkpointed"
	case ChunkDone:
		return "done"
	case ChunkFailed:
		return "failed"
	default:
		return "unknown"
	}
}
