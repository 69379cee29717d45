package ratelimit

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/johnayoung/go-ohlcv-ingest/internal/config"
	"golang.org/x/time/rate"
)

// ThrottleStats counts the pacing decisions taken by a Throttle.
type ThrottleStats struct {
	Requests       int64 `json:"requests"`
	LongCooldowns  int64 `json:"long_cooldowns"`
	ShortCooldowns int64 `json:"short_cooldowns"`
}

// Throttle paces requests against a shared RateBudget. Before each request it applies a
// long cooldown when consumed weight exceeds the high watermark, a short cooldown above
// the low watermark, and always the minimal inter-request delay.
type Throttle struct {
	budget        *RateBudget
	limiter       *rate.Limiter
	high          int
	low           int
	longCooldown  time.Duration
	shortCooldown time.Duration
	defaultWeight int
	logger        *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error

	requests       atomic.Int64
	longCooldowns  atomic.Int64
	shortCooldowns atomic.Int64
}

// NewThrottle creates a throttle over budget. The min-delay limiter is owned by the
// throttle, so every worker sharing it shares the same request spacing.
func NewThrottle(budget *RateBudget, cfg config.RateBudgetConfig, logger *slog.Logger) *Throttle {
	minDelay := config.MustDuration(cfg.MinDelay, 200*time.Millisecond)
	limit := rate.Inf
	if minDelay > 0 {
		limit = rate.Every(minDelay)
	}

	defaultWeight := cfg.DefaultWeight
	if defaultWeight <= 0 {
		defaultWeight = 1
	}

	return &Throttle{
		budget:        budget,
		limiter:       rate.NewLimiter(limit, 1),
		high:          cfg.HighWatermark,
		low:           cfg.LowWatermark,
		longCooldown:  config.MustDuration(cfg.LongCooldown, 10*time.Second),
		shortCooldown: config.MustDuration(cfg.ShortCooldown, 5*time.Second),
		defaultWeight: defaultWeight,
		logger:        logger.With("component", "throttle"),
		sleep:         sleepContext,
	}
}

// Wait blocks until the next request may be sent. Returns ctx.Err() if the context ends
// while waiting.
func (t *Throttle) Wait(ctx context.Context) error {
	t.requests.Add(1)

	consumed := t.budget.Consumed()
	switch {
	case consumed > t.high:
		t.longCooldowns.Add(1)
		t.logger.Warn("request weight above high watermark, cooling down",
			"consumed", consumed, "high_watermark", t.high, "cooldown", t.longCooldown)
		if err := t.sleep(ctx, t.longCooldown); err != nil {
			return err
		}
	case consumed > t.low:
		t.shortCooldowns.Add(1)
		t.logger.Info("request weight above low watermark, cooling down",
			"consumed", consumed, "low_watermark", t.low, "cooldown", t.shortCooldown)
		if err := t.sleep(ctx, t.shortCooldown); err != nil {
			return err
		}
	}

	return t.limiter.Wait(ctx)
}

// Record accounts one completed request. usedWeight is the provider-reported weight, or
// negative when the response carried none, in which case the default estimate is recorded.
func (t *Throttle) Record(usedWeight int) {
	if usedWeight >= 0 {
		t.budget.Observe(usedWeight)
		return
	}
	t.budget.Record(t.defaultWeight)
}

// Budget returns the shared budget.
func (t *Throttle) Budget() *RateBudget {
	return t.budget
}

// Stats returns a snapshot of the pacing counters.
func (t *Throttle) Stats() ThrottleStats {
	return ThrottleStats{
		Requests:       t.requests.Load(),
		LongCooldowns:  t.longCooldowns.Load(),
		ShortCooldowns: t.shortCooldowns.Load(),
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
