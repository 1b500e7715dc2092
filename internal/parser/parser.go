// Package parser turns raw getBlock responses into canonical events.
package parser

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"

	"solanaETL/internal/etlerr"
	"solanaETL/internal/model"
)

var (
	TokenProgramID     = solana.TokenProgramID.String()
	Token2022ProgramID = solana.MustPublicKeyFromBase58("TokenzQdBNbLqP5VEhdkAS6EPFLC1PHnBqCXEpPxuEb").String()
)

// IsTokenProgram reports whether id is the SPL Token or Token-2022 program.
func IsTokenProgram(id string) bool {
	return id == TokenProgramID || id == Token2022ProgramID
}

type block struct {
	BlockTime    *int64            `json:"blockTime"`
	Transactions []json.RawMessage `json:"transactions"`
}

type txEnvelope struct {
	Transaction json.RawMessage `json:"transaction"`
	Meta        json.RawMessage `json:"meta"`
}

type txBody struct {
	Signatures []string   `json:"signatures"`
	Message    *txMessage `json:"message"`
}

type txMessage struct {
	AccountKeys  []json.RawMessage `json:"accountKeys"`
	Instructions []json.RawMessage `json:"instructions"`
}

type instruction struct {
	ProgramID      *string `json:"programId"`
	ProgramIDIndex *int    `json:"programIdIndex"`
}

type txMeta struct {
	PostTokenBalances []json.RawMessage `json:"postTokenBalances"`
}

type tokenBalance struct {
	Mint      string `json:"mint"`
	ProgramID string `json:"programId"`
}

// Parser converts blocks to events. It performs no I/O besides logging.
type Parser struct {
	logger *zap.Logger
}

// New builds a Parser.
func New(logger *zap.Logger) *Parser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Parser{logger: logger}
}

// ParseBlock returns the events of one block in transaction order. Within a
// transaction the order is: transaction event, instruction events, transfer
// events. A malformed transaction is logged and contributes nothing.
func (p *Parser) ParseBlock(raw json.RawMessage, slot uint64) ([]model.CanonicalEvent, error) {
	var b block
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, etlerr.Parse("slot %d: decode block: %v", slot, err)
	}
	if b.BlockTime == nil {
		return nil, etlerr.Parse("slot %d: missing blockTime", slot)
	}
	if b.Transactions == nil {
		return nil, etlerr.Parse("slot %d: missing transactions array", slot)
	}

	blockTime := time.Unix(*b.BlockTime, 0).UTC()
	events := make([]model.CanonicalEvent, 0, len(b.Transactions)*4)
	for idx, tx := range b.Transactions {
		txEvents, err := p.parseTransaction(tx, slot, blockTime)
		if err != nil {
			p.logger.Warn("skip transaction",
				zap.Uint64("slot", slot),
				zap.Int("tx_index", idx),
				zap.Error(err),
			)
			continue
		}
		events = append(events, txEvents...)
	}

	return events, nil
}

func (p *Parser) parseTransaction(raw json.RawMessage, slot uint64, blockTime time.Time) ([]model.CanonicalEvent, error) {
	var env txEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode transaction: %w", err)
	}
	if isNull(env.Meta) {
		return nil, fmt.Errorf("missing transaction meta")
	}
	if isNull(env.Transaction) {
		return nil, fmt.Errorf("missing transaction data")
	}

	var body txBody
	if err := json.Unmarshal(env.Transaction, &body); err != nil {
		return nil, fmt.Errorf("decode transaction data: %w", err)
	}
	if len(body.Signatures) == 0 || body.Signatures[0] == "" {
		return nil, fmt.Errorf("missing transaction signature")
	}
	if body.Message == nil || body.Message.Instructions == nil {
		return nil, fmt.Errorf("missing instructions")
	}
	signature := body.Signatures[0]

	events := make([]model.CanonicalEvent, 0, 1+len(body.Message.Instructions))
	events = append(events, model.NewEvent(slot, blockTime, signature, nil, model.TxLevelIndex, model.EventTransaction, raw))

	keys := accountKeys(body.Message.AccountKeys)
	for idx, instRaw := range body.Message.Instructions {
		var inst instruction
		if err := json.Unmarshal(instRaw, &inst); err != nil {
			p.logger.Warn("skip instruction",
				zap.Uint64("slot", slot),
				zap.String("signature", signature),
				zap.Int("instruction_index", idx),
				zap.Error(err),
			)
			continue
		}

		programID := inst.ProgramID
		if programID == nil && inst.ProgramIDIndex != nil {
			if i := *inst.ProgramIDIndex; i >= 0 && i < len(keys) && keys[i] != "" {
				programID = &keys[i]
			}
		}

		eventType := model.EventProgramInstruction
		if programID != nil && IsTokenProgram(*programID) {
			eventType = model.EventTokenInstruction
		}
		events = append(events, model.NewEvent(slot, blockTime, signature, programID, int32(idx), eventType, instRaw))
	}

	events = append(events, p.tokenTransfers(env.Meta, slot, blockTime, signature)...)
	return events, nil
}

// tokenTransfers emits one event per post token balance that names a mint.
func (p *Parser) tokenTransfers(rawMeta json.RawMessage, slot uint64, blockTime time.Time, signature string) []model.CanonicalEvent {
	var meta txMeta
	if err := json.Unmarshal(rawMeta, &meta); err != nil {
		p.logger.Warn("skip token balances",
			zap.Uint64("slot", slot),
			zap.String("signature", signature),
			zap.Error(err),
		)
		return nil
	}

	var events []model.CanonicalEvent
	for idx, balRaw := range meta.PostTokenBalances {
		var bal tokenBalance
		if err := json.Unmarshal(balRaw, &bal); err != nil || bal.Mint == "" {
			continue
		}
		programID := bal.ProgramID
		if programID == "" {
			programID = TokenProgramID
		}
		events = append(events, model.NewEvent(slot, blockTime, signature, &programID, int32(idx), model.EventTokenTransfer, balRaw))
	}
	return events
}

// accountKeys resolves message account keys for both the "json" (plain
// strings) and "jsonParsed" ({"pubkey": ...}) encodings.
func accountKeys(raw []json.RawMessage) []string {
	keys := make([]string, len(raw))
	for i, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			keys[i] = s
			continue
		}
		var obj struct {
			Pubkey string `json:"pubkey"`
		}
		if err := json.Unmarshal(item, &obj); err == nil {
			keys[i] = obj.Pubkey
		}
	}
	return keys
}

// FlattenInstructions is the normalization hook between parsing and
// batching. Inner instructions are not expanded yet, so it keeps events and
// their order as they are.
func FlattenInstructions(events []model.CanonicalEvent) []model.CanonicalEvent {
	out := make([]model.CanonicalEvent, 0, len(events))
	out = append(out, events...)
	return out
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
