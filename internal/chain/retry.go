package chain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"

	"solanaETL/internal/etlerr"
	"solanaETL/internal/metrics"
)

type outcome int

const (
	outcomeOK outcome = iota
	outcomeRetryable
	outcomeFatal
)

// maxBackoffShift caps the exponent so the delay never overflows.
const maxBackoffShift = 16

// CallError is returned when a JSON-RPC call fails for good. Code is the HTTP
// status or JSON-RPC error code, zero for transport failures.
type CallError struct {
	Method    string
	Code      int
	Attempts  int
	Exhausted bool
	Err       error
}

func (e *CallError) Error() string {
	if e.Exhausted {
		return fmt.Sprintf("%s: retries exhausted after %d attempts: %v", e.Method, e.Attempts, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Method, e.Err)
}

func (e *CallError) Unwrap() []error {
	return []error{etlerr.ErrRPC, e.Err}
}

// call performs one JSON-RPC request. Each attempt takes a limiter token;
// retryable failures back off base*2^attempt up to MaxRetries retries.
func (c *Client) call(ctx context.Context, method string, result any, params ...any) error {
	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%s: rate limiter: %w", method, err)
		}

		start := time.Now()
		err := c.rpcClient.CallContext(ctx, result, method, params...)
		metrics.RPCDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
		if err != nil && ctx.Err() != nil {
			return ctx.Err()
		}

		out, code := classify(err)
		switch out {
		case outcomeOK:
			metrics.RPCRequests.WithLabelValues(method, "ok").Inc()
			return nil
		case outcomeFatal:
			metrics.RPCRequests.WithLabelValues(method, "error").Inc()
			return &CallError{Method: method, Code: code, Attempts: attempt + 1, Err: err}
		}

		metrics.RPCRequests.WithLabelValues(method, "retryable").Inc()
		if attempt >= c.cfg.MaxRetries {
			return &CallError{Method: method, Code: code, Attempts: attempt + 1, Exhausted: true, Err: err}
		}

		delay := backoffDelay(c.cfg.RetryBackoff, attempt)
		c.logger.Warn("rpc call failed, retrying",
			zap.String("method", method),
			zap.Int("attempt", attempt+1),
			zap.Int("code", code),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		metrics.RPCRetries.WithLabelValues(method).Inc()

		if err := c.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func backoffDelay(base time.Duration, attempt int) time.Duration {
	if attempt > maxBackoffShift {
		attempt = maxBackoffShift
	}
	return base << uint(attempt)
}

// classify maps a call error to an outcome plus the status or error code.
func classify(err error) (outcome, int) {
	if err == nil {
		return outcomeOK, 0
	}

	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		if retryableCode(httpErr.StatusCode) {
			return outcomeRetryable, httpErr.StatusCode
		}
		return outcomeFatal, httpErr.StatusCode
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		code := rpcErr.ErrorCode()
		if retryableCode(code) {
			return outcomeRetryable, code
		}
		return outcomeFatal, code
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return outcomeRetryable, 0
	}

	return outcomeFatal, 0
}

func retryableCode(code int) bool {
	return code == http.StatusTooManyRequests || (code >= 500 && code <= 599)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
