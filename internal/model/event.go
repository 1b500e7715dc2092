package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"solanaETL/internal/etlerr"
)

// EventType classifies a CanonicalEvent.
type EventType string

const (
	EventTransaction        EventType = "transaction"
	EventProgramInstruction EventType = "program_instruction"
	EventTokenInstruction   EventType = "token_instruction"
	EventTokenTransfer      EventType = "token_transfer"
)

// TxLevelIndex is the instruction index carried by transaction-level events.
const TxLevelIndex int32 = -1

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	switch t {
	case EventTransaction, EventProgramInstruction, EventTokenInstruction, EventTokenTransfer:
		return true
	default:
		return false
	}
}

// CanonicalEvent is the normalized unit written to the warehouse.
type CanonicalEvent struct {
	EventID          string          `json:"event_id"`
	Slot             uint64          `json:"slot"`
	BlockTime        time.Time       `json:"block_time"`
	TxSignature      string          `json:"tx_signature"`
	ProgramID        *string         `json:"program_id"`
	InstructionIndex int32           `json:"instruction_index"`
	EventType        EventType       `json:"event_type"`
	RawPayload       json.RawMessage `json:"raw_payload"`
}

// NewEvent builds an event and derives its id. The payload is copied.
func NewEvent(
	slot uint64,
	blockTime time.Time,
	signature string,
	programID *string,
	index int32,
	typ EventType,
	payload json.RawMessage,
) CanonicalEvent {
	raw := make(json.RawMessage, len(payload))
	copy(raw, payload)

	var pid *string
	if programID != nil {
		id := *programID
		pid = &id
	}

	return CanonicalEvent{
		EventID:          EventID(slot, signature, index, typ),
		Slot:             slot,
		BlockTime:        blockTime.UTC(),
		TxSignature:      signature,
		ProgramID:        pid,
		InstructionIndex: index,
		EventType:        typ,
		RawPayload:       raw,
	}
}

// EventID returns the lowercase hex SHA-256 of "slot:signature:index:type".
func EventID(slot uint64, signature string, index int32, typ EventType) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d:%s:%d:%s", slot, signature, index, typ)))
	return hex.EncodeToString(sum[:])
}

// ProgramIDOrEmpty returns the program id or "" when absent.
func (e CanonicalEvent) ProgramIDOrEmpty() string {
	if e.ProgramID == nil {
		return ""
	}
	return *e.ProgramID
}

// Validate rejects events a sink must not store: unknown type, missing
// signature, an id that does not match the other fields, or a payload that
// is not JSON.
func (e CanonicalEvent) Validate() error {
	if !e.EventType.Valid() {
		return etlerr.Parse("event %s: unknown event type %q", e.EventID, e.EventType)
	}
	if e.TxSignature == "" {
		return etlerr.Parse("event %s: missing tx signature", e.EventID)
	}
	if want := EventID(e.Slot, e.TxSignature, e.InstructionIndex, e.EventType); e.EventID != want {
		return etlerr.Parse("event %q: id does not match slot %d signature %s index %d type %s",
			e.EventID, e.Slot, e.TxSignature, e.InstructionIndex, e.EventType)
	}
	if !json.Valid(e.RawPayload) {
		return etlerr.Parse("event %s: raw payload is not valid JSON", e.EventID)
	}
	return nil
}

// ValidateEvents checks every event in a batch and returns the first failure.
func ValidateEvents(events []CanonicalEvent) error {
	for _, ev := range events {
		if err := ev.Validate(); err != nil {
			return err
		}
	}
	return nil
}
