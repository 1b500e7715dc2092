package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Encoding selects the getBlock/getTransaction payload format.
type Encoding string

const (
	EncodingJSONParsed Encoding = "jsonParsed"
	EncodingJSON       Encoding = "json"
	EncodingBase64     Encoding = "base64"
)

// Solana JSON-RPC server error codes.
const (
	codeBlockNotAvailable      = -32004
	codeSlotSkipped            = -32007
	codeLongTermStorageSkipped = -32009
	codeBlockStatusNotYet      = -32014
)

// Config holds chain client settings.
type Config struct {
	URL          string
	Timeout      time.Duration
	MaxRetries   int
	RateLimit    int
	RetryBackoff time.Duration
	Commitment   string
}

// Client is a rate-limited, retrying Solana JSON-RPC client. It is safe for
// concurrent use; all callers share one token bucket.
type Client struct {
	rpcClient *rpc.Client
	limiter   *rate.Limiter
	cfg       Config
	logger    *zap.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient creates a new chain client from cfg.
func NewClient(ctx context.Context, cfg Config, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	if cfg.RateLimit <= 0 {
		return nil, fmt.Errorf("rate limit must be greater than zero")
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	if cfg.Commitment == "" {
		cfg.Commitment = "confirmed"
	}

	rpcClient, err := rpc.DialOptions(ctx, cfg.URL, rpc.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}))
	if err != nil {
		return nil, err
	}

	return &Client{
		rpcClient: rpcClient,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimit),
		cfg:       cfg,
		logger:    logger,
		sleep:     sleepContext,
	}, nil
}

// Close closes the underlying RPC client.
func (c *Client) Close() {
	if c.rpcClient != nil {
		c.rpcClient.Close()
	}
}

// GetSlot returns the latest slot at the configured commitment.
func (c *Client) GetSlot(ctx context.Context) (uint64, error) {
	var slot uint64
	if err := c.call(ctx, "getSlot", &slot, c.commitment()); err != nil {
		return 0, err
	}
	return slot, nil
}

// GetBlockHeight returns the current block height.
func (c *Client) GetBlockHeight(ctx context.Context) (uint64, error) {
	var height uint64
	if err := c.call(ctx, "getBlockHeight", &height, c.commitment()); err != nil {
		return 0, err
	}
	return height, nil
}

// GetBlock fetches the block at slot. The bool is false when the slot has no
// block, which is not an error.
func (c *Client) GetBlock(ctx context.Context, slot uint64, encoding Encoding) (json.RawMessage, bool, error) {
	if encoding == "" {
		encoding = EncodingJSONParsed
	}

	var raw json.RawMessage
	err := c.call(ctx, "getBlock", &raw, slot, map[string]any{
		"encoding":                       encoding,
		"transactionDetails":             "full",
		"rewards":                        false,
		"maxSupportedTransactionVersion": 0,
		"commitment":                     c.blockCommitment(),
	})
	if err != nil {
		if isNoBlock(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if isNull(raw) {
		return nil, false, nil
	}
	return raw, true, nil
}

// GetTransaction fetches a transaction by signature. The bool is false when
// the node does not know the signature.
func (c *Client) GetTransaction(ctx context.Context, signature solana.Signature, encoding Encoding) (json.RawMessage, bool, error) {
	if encoding == "" {
		encoding = EncodingJSONParsed
	}

	var raw json.RawMessage
	err := c.call(ctx, "getTransaction", &raw, signature.String(), map[string]any{
		"encoding":                       encoding,
		"maxSupportedTransactionVersion": 0,
		"commitment":                     c.blockCommitment(),
	})
	if err != nil {
		if errors.Is(err, rpc.ErrNoResult) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if isNull(raw) {
		return nil, false, nil
	}
	return raw, true, nil
}

// SignaturesOptions narrows getSignaturesForAddress.
type SignaturesOptions struct {
	Limit  int
	Before *solana.Signature
	Until  *solana.Signature
}

// GetSignaturesForAddress lists signatures touching address, newest first.
func (c *Client) GetSignaturesForAddress(ctx context.Context, address solana.PublicKey, opts SignaturesOptions) ([]json.RawMessage, error) {
	params := map[string]any{"commitment": c.blockCommitment()}
	if opts.Limit > 0 {
		params["limit"] = opts.Limit
	}
	if opts.Before != nil {
		params["before"] = opts.Before.String()
	}
	if opts.Until != nil {
		params["until"] = opts.Until.String()
	}

	var raw json.RawMessage
	if err := c.call(ctx, "getSignaturesForAddress", &raw, address.String(), params); err != nil {
		return nil, err
	}
	return asArray(raw), nil
}

// GetProgramAccounts lists accounts owned by programID. Filters are passed
// through as given. An empty encoding means jsonParsed.
func (c *Client) GetProgramAccounts(ctx context.Context, programID solana.PublicKey, encoding Encoding, filters []json.RawMessage) ([]json.RawMessage, error) {
	if encoding == "" {
		encoding = EncodingJSONParsed
	}
	params := map[string]any{
		"encoding":   encoding,
		"commitment": c.cfg.Commitment,
	}
	if len(filters) > 0 {
		params["filters"] = filters
	}

	var raw json.RawMessage
	if err := c.call(ctx, "getProgramAccounts", &raw, programID.String(), params); err != nil {
		return nil, err
	}
	return asArray(raw), nil
}

func (c *Client) commitment() map[string]any {
	return map[string]any{"commitment": c.cfg.Commitment}
}

// getBlock and friends reject "processed".
func (c *Client) blockCommitment() string {
	if c.cfg.Commitment == "processed" {
		return "confirmed"
	}
	return c.cfg.Commitment
}

// IsSlotUnavailable reports whether err is the node saying a block is not
// (yet) available for a specific slot.
func IsSlotUnavailable(err error) bool {
	var callErr *CallError
	if !errors.As(err, &callErr) {
		return false
	}
	return callErr.Code == codeBlockNotAvailable || callErr.Code == codeBlockStatusNotYet
}

func isNoBlock(err error) bool {
	if errors.Is(err, rpc.ErrNoResult) {
		return true
	}
	var callErr *CallError
	if !errors.As(err, &callErr) {
		return false
	}
	return callErr.Code == codeSlotSkipped || callErr.Code == codeLongTermStorageSkipped
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func asArray(raw json.RawMessage) []json.RawMessage {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil || items == nil {
		return []json.RawMessage{}
	}
	return items
}
