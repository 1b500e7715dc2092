package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"solanaETL/internal/etlerr"
)

type rpcRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

// reply is what a fake node answers: an HTTP status, and either a result or
// a JSON-RPC error.
type reply struct {
	status  int
	result  string
	errCode int
	errMsg  string
	delay   time.Duration
}

func newFakeNode(t *testing.T, handle func(n int, req rpcRequest) reply) (*httptest.Server, *[]rpcRequest) {
	t.Helper()

	var (
		mu    sync.Mutex
		seen  []rpcRequest
		calls int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var req rpcRequest
		if err := json.Unmarshal(body, &req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		mu.Lock()
		seen = append(seen, req)
		n := calls
		calls++
		mu.Unlock()

		rep := handle(n, req)
		if rep.delay > 0 {
			time.Sleep(rep.delay)
		}
		if rep.status != 0 && rep.status != http.StatusOK {
			w.WriteHeader(rep.status)
			_, _ = w.Write([]byte("unavailable"))
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if rep.errCode != 0 {
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"error":{"code":%d,"message":%q}}`, req.ID, rep.errCode, rep.errMsg)
			return
		}
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"result":%s}`, req.ID, rep.result)
	}))
	t.Cleanup(srv.Close)

	return srv, &seen
}

func newTestClient(t *testing.T, url string, mutate func(*Config)) (*Client, *[]time.Duration) {
	t.Helper()

	cfg := Config{
		URL:          url,
		Timeout:      2 * time.Second,
		MaxRetries:   3,
		RateLimit:    1000,
		RetryBackoff: 10 * time.Millisecond,
		Commitment:   "confirmed",
	}
	if mutate != nil {
		mutate(&cfg)
	}

	client, err := NewClient(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(client.Close)

	var delays []time.Duration
	client.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	return client, &delays
}

func paramObject(t *testing.T, raw json.RawMessage) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func TestGetSlot(t *testing.T) {
	srv, seen := newFakeNode(t, func(int, rpcRequest) reply {
		return reply{result: "250000123"}
	})
	client, _ := newTestClient(t, srv.URL, nil)

	slot, err := client.GetSlot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(250000123), slot)

	require.Len(t, *seen, 1)
	req := (*seen)[0]
	assert.Equal(t, "getSlot", req.Method)
	assert.Equal(t, "confirmed", paramObject(t, req.Params[0])["commitment"])
}

func TestGetBlockHeight(t *testing.T) {
	srv, _ := newFakeNode(t, func(int, rpcRequest) reply {
		return reply{result: "230000000"}
	})
	client, _ := newTestClient(t, srv.URL, nil)

	height, err := client.GetBlockHeight(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(230000000), height)
}

func TestGetBlockParams(t *testing.T) {
	srv, seen := newFakeNode(t, func(int, rpcRequest) reply {
		return reply{result: `{"blockTime":1700000000,"transactions":[]}`}
	})
	client, _ := newTestClient(t, srv.URL, func(c *Config) { c.Commitment = "processed" })

	raw, ok, err := client.GetBlock(context.Background(), 42, "")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"blockTime":1700000000,"transactions":[]}`, string(raw))

	req := (*seen)[0]
	assert.Equal(t, "getBlock", req.Method)
	assert.Equal(t, "42", string(req.Params[0]))
	opts := paramObject(t, req.Params[1])
	assert.Equal(t, "jsonParsed", opts["encoding"])
	assert.Equal(t, "full", opts["transactionDetails"])
	assert.Equal(t, false, opts["rewards"])
	assert.Equal(t, float64(0), opts["maxSupportedTransactionVersion"])
	assert.Equal(t, "confirmed", opts["commitment"], "getBlock does not accept processed")
}

func TestGetBlockMissing(t *testing.T) {
	cases := []struct {
		name string
		rep  reply
	}{
		{"null result", reply{result: "null"}},
		{"slot skipped", reply{errCode: -32007, errMsg: "Slot 42 was skipped"}},
		{"long term storage", reply{errCode: -32009, errMsg: "Slot 42 was skipped, or missing in long-term storage"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv, seen := newFakeNode(t, func(int, rpcRequest) reply { return tc.rep })
			client, _ := newTestClient(t, srv.URL, nil)

			raw, ok, err := client.GetBlock(context.Background(), 42, EncodingJSONParsed)
			require.NoError(t, err)
			assert.False(t, ok)
			assert.Nil(t, raw)
			assert.Len(t, *seen, 1, "no-block answers are not retried")
		})
	}
}

func TestRetryThenSuccess(t *testing.T) {
	srv, seen := newFakeNode(t, func(n int, _ rpcRequest) reply {
		switch n {
		case 0:
			return reply{status: http.StatusTooManyRequests}
		case 1:
			return reply{errCode: 503, errMsg: "busy"}
		default:
			return reply{result: "7"}
		}
	})
	client, delays := newTestClient(t, srv.URL, nil)

	slot, err := client.GetSlot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(7), slot)
	assert.Len(t, *seen, 3)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, *delays)
}

func TestRetryExhausted(t *testing.T) {
	srv, seen := newFakeNode(t, func(int, rpcRequest) reply {
		return reply{status: http.StatusBadGateway}
	})
	client, delays := newTestClient(t, srv.URL, func(c *Config) { c.MaxRetries = 2 })

	_, err := client.GetSlot(context.Background())
	require.Error(t, err)

	var callErr *CallError
	require.True(t, errors.As(err, &callErr))
	assert.True(t, callErr.Exhausted)
	assert.Equal(t, 3, callErr.Attempts)
	assert.Equal(t, http.StatusBadGateway, callErr.Code)
	assert.Equal(t, "getSlot", callErr.Method)
	assert.True(t, errors.Is(err, etlerr.ErrRPC))
	assert.Len(t, *seen, 3)
	assert.Len(t, *delays, 2)
}

func TestFatalNotRetried(t *testing.T) {
	srv, seen := newFakeNode(t, func(int, rpcRequest) reply {
		return reply{errCode: -32602, errMsg: "Invalid params"}
	})
	client, delays := newTestClient(t, srv.URL, nil)

	_, _, err := client.GetBlock(context.Background(), 1, EncodingJSONParsed)
	require.Error(t, err)

	var callErr *CallError
	require.True(t, errors.As(err, &callErr))
	assert.False(t, callErr.Exhausted)
	assert.Equal(t, 1, callErr.Attempts)
	assert.Equal(t, -32602, callErr.Code)
	assert.False(t, IsSlotUnavailable(err))
	assert.Len(t, *seen, 1)
	assert.Empty(t, *delays)
}

func TestSlotUnavailable(t *testing.T) {
	for _, code := range []int{-32004, -32014} {
		srv, _ := newFakeNode(t, func(int, rpcRequest) reply {
			return reply{errCode: code, errMsg: "Block not available for slot 9"}
		})
		client, _ := newTestClient(t, srv.URL, nil)

		_, ok, err := client.GetBlock(context.Background(), 9, EncodingJSONParsed)
		require.Error(t, err)
		assert.False(t, ok)
		assert.True(t, IsSlotUnavailable(err), "code %d", code)
	}
	assert.False(t, IsSlotUnavailable(errors.New("plain")))
}

func TestTimeoutIsRetried(t *testing.T) {
	srv, seen := newFakeNode(t, func(n int, _ rpcRequest) reply {
		if n == 0 {
			return reply{result: "1", delay: 300 * time.Millisecond}
		}
		return reply{result: "2"}
	})
	client, delays := newTestClient(t, srv.URL, func(c *Config) { c.Timeout = 50 * time.Millisecond })

	slot, err := client.GetSlot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), slot)
	assert.Len(t, *seen, 2)
	assert.Len(t, *delays, 1)
}

func TestCancelledContextStopsRetries(t *testing.T) {
	srv, _ := newFakeNode(t, func(int, rpcRequest) reply {
		return reply{status: http.StatusServiceUnavailable}
	})
	client, _ := newTestClient(t, srv.URL, nil)

	ctx, cancel := context.WithCancel(context.Background())
	client.sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}

	_, err := client.GetSlot(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestRateLimiterPacesAttempts(t *testing.T) {
	var hits atomic.Int32
	srv, _ := newFakeNode(t, func(int, rpcRequest) reply {
		hits.Add(1)
		return reply{result: "1"}
	})
	client, _ := newTestClient(t, srv.URL, func(c *Config) { c.RateLimit = 5 })

	start := time.Now()
	for i := 0; i < 7; i++ {
		_, err := client.GetSlot(context.Background())
		require.NoError(t, err)
	}
	elapsed := time.Since(start)

	// burst of 5, then two more tokens at 200ms each
	assert.GreaterOrEqual(t, elapsed, 350*time.Millisecond)
	assert.Equal(t, int32(7), hits.Load())
}

func TestGetTransaction(t *testing.T) {
	srv, seen := newFakeNode(t, func(n int, _ rpcRequest) reply {
		if n == 0 {
			return reply{result: `{"slot":5,"meta":{}}`}
		}
		return reply{result: "null"}
	})
	client, _ := newTestClient(t, srv.URL, nil)

	var sig solana.Signature
	sig[0] = 1

	raw, ok, err := client.GetTransaction(context.Background(), sig, "")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"slot":5,"meta":{}}`, string(raw))

	var first string
	require.NoError(t, json.Unmarshal((*seen)[0].Params[0], &first))
	assert.Equal(t, sig.String(), first)

	_, ok, err = client.GetTransaction(context.Background(), sig, EncodingJSON)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetSignaturesForAddress(t *testing.T) {
	srv, seen := newFakeNode(t, func(int, rpcRequest) reply {
		return reply{result: `[{"signature":"a","slot":1},{"signature":"b","slot":2}]`}
	})
	client, _ := newTestClient(t, srv.URL, nil)

	var before solana.Signature
	before[1] = 2

	items, err := client.GetSignaturesForAddress(context.Background(), solana.TokenProgramID, SignaturesOptions{
		Limit:  2,
		Before: &before,
	})
	require.NoError(t, err)
	assert.Len(t, items, 2)

	req := (*seen)[0]
	var addr string
	require.NoError(t, json.Unmarshal(req.Params[0], &addr))
	assert.Equal(t, solana.TokenProgramID.String(), addr)
	opts := paramObject(t, req.Params[1])
	assert.Equal(t, float64(2), opts["limit"])
	assert.Equal(t, before.String(), opts["before"])
	assert.NotContains(t, opts, "until")
}

func TestGetProgramAccountsNonArray(t *testing.T) {
	srv, seen := newFakeNode(t, func(int, rpcRequest) reply {
		return reply{result: `{"context":{"slot":1},"value":[]}`}
	})
	client, _ := newTestClient(t, srv.URL, nil)

	items, err := client.GetProgramAccounts(context.Background(), solana.TokenProgramID, "", nil)
	require.NoError(t, err)
	assert.NotNil(t, items)
	assert.Empty(t, items)

	opts := paramObject(t, (*seen)[0].Params[1])
	assert.Equal(t, "jsonParsed", opts["encoding"], "empty encoding defaults to jsonParsed")
	assert.NotContains(t, opts, "filters")
}

func TestGetProgramAccountsFilters(t *testing.T) {
	srv, seen := newFakeNode(t, func(int, rpcRequest) reply {
		return reply{result: `[{"pubkey":"x","account":{}}]`}
	})
	client, _ := newTestClient(t, srv.URL, nil)

	filters := []json.RawMessage{json.RawMessage(`{"dataSize":165}`)}
	items, err := client.GetProgramAccounts(context.Background(), solana.TokenProgramID, EncodingJSONParsed, filters)
	require.NoError(t, err)
	assert.Len(t, items, 1)

	opts := paramObject(t, (*seen)[0].Params[1])
	assert.Equal(t, "jsonParsed", opts["encoding"])
	assert.Equal(t, []any{map[string]any{"dataSize": float64(165)}}, opts["filters"])
}

type codedError struct{ code int }

func (e codedError) Error() string  { return fmt.Sprintf("code %d", e.code) }
func (e codedError) ErrorCode() int { return e.code }

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want outcome
		code int
	}{
		{"nil", nil, outcomeOK, 0},
		{"http 429", rpc.HTTPError{StatusCode: 429}, outcomeRetryable, 429},
		{"http 500", rpc.HTTPError{StatusCode: 500}, outcomeRetryable, 500},
		{"http 599", rpc.HTTPError{StatusCode: 599}, outcomeRetryable, 599},
		{"http 404", rpc.HTTPError{StatusCode: 404}, outcomeFatal, 404},
		{"rpc 429", codedError{429}, outcomeRetryable, 429},
		{"rpc 503", codedError{503}, outcomeRetryable, 503},
		{"rpc invalid params", codedError{-32602}, outcomeFatal, -32602},
		{"wrapped timeout", fmt.Errorf("post: %w", timeoutError{}), outcomeRetryable, 0},
		{"other", errors.New("boom"), outcomeFatal, 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, code := classify(tc.err)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, tc.code, code)
		})
	}
}

func TestBackoffDelay(t *testing.T) {
	assert.Equal(t, time.Second, backoffDelay(time.Second, 0))
	assert.Equal(t, 8*time.Second, backoffDelay(time.Second, 3))
	assert.Equal(t, backoffDelay(time.Millisecond, maxBackoffShift), backoffDelay(time.Millisecond, 40))
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(context.Background(), Config{RateLimit: 1}, nil)
	require.Error(t, err)

	_, err = NewClient(context.Background(), Config{URL: "http://localhost:1"}, nil)
	require.Error(t, err)
}
