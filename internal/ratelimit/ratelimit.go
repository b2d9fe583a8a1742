// Package ratelimit implements the sliding-window limiter (C11): a Redis
// sorted set per key, trimmed and measured with four commands per request.
// The commands are sent one after another, not as a single pipeline.
package ratelimit

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"salesmesh/internal/bus"
	"salesmesh/internal/observability"
)

// window is the narrow Redis surface the limiter needs.
type window interface {
	ZRemRangeByScore(ctx context.Context, key string, min, max string) error
	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZCard(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

// Limiter enforces a sliding window of `limit` requests per `window` per
// key, failing open (allow) if Redis is unreachable.
type Limiter struct {
	rc      window
	bus     bus.Bus
	log     observability.Logger
	metrics observability.Metrics

	limit  int64
	window time.Duration
}

type Option func(*Limiter)

func WithLogger(l observability.Logger) Option   { return func(lm *Limiter) { lm.log = l } }
func WithMetrics(m observability.Metrics) Option { return func(lm *Limiter) { lm.metrics = m } }

func NewLimiter(rc window, b bus.Bus, limit int, win time.Duration, opts ...Option) *Limiter {
	l := &Limiter{
		rc:      rc,
		bus:     b,
		log:     observability.NoopLogger{},
		metrics: observability.NoopMetrics{},
		limit:   int64(limit),
		window:  win,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

func keyFor(key string) string { return "rate_limit:" + key }

// Allow runs the ZREMRANGEBYSCORE/ZADD/ZCARD/EXPIRE sequence for key and
// reports whether this request should proceed. On denial it publishes a
// REQUEST_DEGRADED event. On Redis error it fails open and logs.
func (l *Limiter) Allow(ctx context.Context, key string) (bool, error) {
	now := time.Now()
	rk := keyFor(key)
	cutoff := now.Add(-l.window)
	nowScore := float64(now.UnixMilli())

	if err := l.rc.ZRemRangeByScore(ctx, rk, "0", formatScore(cutoff)); err != nil {
		l.failOpen(key, err)
		return true, nil
	}
	member := now.Format(time.RFC3339Nano)
	if err := l.rc.ZAdd(ctx, rk, nowScore, member); err != nil {
		l.failOpen(key, err)
		return true, nil
	}
	count, err := l.rc.ZCard(ctx, rk)
	if err != nil {
		l.failOpen(key, err)
		return true, nil
	}
	_ = l.rc.Expire(ctx, rk, l.window)

	if count <= l.limit {
		l.metrics.IncCounter("rate_limit_allowed_total", map[string]string{"key": key})
		return true, nil
	}
	l.metrics.IncCounter("rate_limit_denied_total", map[string]string{"key": key})
	l.publishDegraded(ctx, key, count)
	return false, nil
}

func (l *Limiter) failOpen(key string, err error) {
	l.log.Error("ratelimit: redis error, failing open", map[string]any{"key": key, "err": err.Error()})
	l.metrics.IncCounter("rate_limit_fail_open_total", map[string]string{"key": key})
}

func (l *Limiter) publishDegraded(ctx context.Context, key string, count int64) {
	if l.bus == nil {
		return
	}
	payload, err := json.Marshal(map[string]interface{}{
		"key":           key,
		"limit":         l.limit,
		"window":        l.window.Seconds(),
		"current_count": count,
	})
	if err != nil {
		return
	}
	if _, err := l.bus.Publish(ctx, "REQUEST_DEGRADED", string(payload)); err != nil {
		l.log.Error("ratelimit: publish REQUEST_DEGRADED failed", map[string]any{"key": key, "err": err.Error()})
	}
}

func formatScore(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}
