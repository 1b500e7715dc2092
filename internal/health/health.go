// Package health probes the chain node and the warehouse the ETL depends on.
package health

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"solanaETL/internal/metrics"
	"solanaETL/internal/storage"
)

// ErrLagging is returned when the cursor trails the tip by more than the
// configured maximum.
var ErrLagging = errors.New("cursor lagging behind chain tip")

// TipSource reports the current chain tip.
type TipSource interface {
	GetSlot(ctx context.Context) (uint64, error)
}

// Report is the outcome of one probe.
type Report struct {
	Tip       uint64
	Cursor    uint64
	HasCursor bool
	Lag       uint64
	MaxLag    uint64
}

// Lagging reports whether the cursor is further behind than MaxLag.
// A missing cursor never counts as lagging.
func (r Report) Lagging() bool {
	return r.HasCursor && r.MaxLag > 0 && r.Lag > r.MaxLag
}

// Checker runs health probes.
type Checker struct {
	source TipSource
	sink   storage.Sink
	maxLag uint64
	logger *zap.Logger
}

func NewChecker(source TipSource, sink storage.Sink, maxLag uint64, logger *zap.Logger) *Checker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checker{source: source, sink: sink, maxLag: maxLag, logger: logger}
}

// Check asks the node for its tip, connects to the warehouse, runs its
// health query and compares the cursor against the tip. The returned report
// is filled as far as the probe got.
func (c *Checker) Check(ctx context.Context) (Report, error) {
	report := Report{MaxLag: c.maxLag}
	if c.source == nil {
		return report, fmt.Errorf("tip source is nil")
	}
	if c.sink == nil {
		return report, fmt.Errorf("sink is nil")
	}

	tip, err := c.source.GetSlot(ctx)
	if err != nil {
		c.logger.Warn("rpc health failed", zap.Error(err))
		return report, fmt.Errorf("rpc health: %w", err)
	}
	report.Tip = tip
	metrics.ChainTip.Set(float64(tip))
	c.logger.Info("rpc health ok", zap.Uint64("tip", tip))

	if err := c.sink.Connect(ctx); err != nil {
		c.logger.Warn("warehouse connect failed", zap.Error(err))
		return report, fmt.Errorf("warehouse connect: %w", err)
	}
	if err := c.sink.HealthCheck(ctx); err != nil {
		c.logger.Warn("warehouse health failed", zap.Error(err))
		return report, fmt.Errorf("warehouse health: %w", err)
	}
	c.logger.Info("warehouse health ok")

	cursor, ok, err := c.sink.LastSlot(ctx)
	if err != nil {
		return report, fmt.Errorf("read cursor: %w", err)
	}
	if !ok {
		c.logger.Info("no cursor yet", zap.Uint64("tip", tip))
		return report, nil
	}
	report.Cursor = cursor
	report.HasCursor = true
	if tip > cursor {
		report.Lag = tip - cursor
	}

	fields := []zap.Field{
		zap.Uint64("tip", tip),
		zap.Uint64("cursor", cursor),
		zap.Uint64("lag", report.Lag),
		zap.Uint64("max_lag", c.maxLag),
	}
	if report.Lagging() {
		c.logger.Warn("slot lag above threshold", fields...)
		return report, fmt.Errorf("%w: lag %d > %d", ErrLagging, report.Lag, c.maxLag)
	}
	c.logger.Info("slot lag ok", fields...)
	return report, nil
}
