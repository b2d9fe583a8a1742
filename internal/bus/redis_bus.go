package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"salesmesh/internal/observability"
	"salesmesh/internal/redisgw"
)

// RedisBus implements Bus over Redis Streams consumer groups, with
// request/response via BLPop on a2a:response:{message_id} and stream keys
// named stream:{topic} per the wire layout.
type RedisBus struct {
	rc      *redisgw.Client
	log     observability.Logger
	metrics observability.Metrics

	dedupeTTL       time.Duration
	claimMinIdle    time.Duration
	reclaimInterval time.Duration
	readBlock       time.Duration
	readCount       int64
	maxDeliveries   int64
}

type Option func(*RedisBus)

func WithLogger(l observability.Logger) Option   { return func(b *RedisBus) { b.log = l } }
func WithMetrics(m observability.Metrics) Option { return func(b *RedisBus) { b.metrics = m } }

// WithClaimMinIdle overrides MIN_IDLE_MS, the minimum idle time before a
// pending entry is eligible for reclaim by another consumer (default 60s).
func WithClaimMinIdle(d time.Duration) Option { return func(b *RedisBus) { b.claimMinIdle = d } }

// WithMaxDeliveries overrides the delivery-count cap after which a pending
// entry is dead-lettered to dlq:topic instead of reclaimed (default 5).
func WithMaxDeliveries(n int64) Option { return func(b *RedisBus) { b.maxDeliveries = n } }

func NewRedisBus(rc *redisgw.Client, opts ...Option) *RedisBus {
	b := &RedisBus{
		rc:              rc,
		log:             observability.NoopLogger{},
		metrics:         observability.NoopMetrics{},
		dedupeTTL:       10 * time.Minute,
		claimMinIdle:    60 * time.Second,
		reclaimInterval: 10 * time.Second,
		readBlock:       1 * time.Second,
		readCount:       10,
		maxDeliveries:   5,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

func streamKey(topic string) string { return "stream:" + topic }

func (b *RedisBus) Publish(ctx context.Context, topic string, payload string) (Message, error) {
	id := uuid.NewString()
	now := time.Now().UTC()
	_, err := b.rc.Add(ctx, streamKey(topic), map[string]interface{}{
		"id":         id,
		"payload":    payload,
		"created_at": now.Format(time.RFC3339Nano),
	})
	if err != nil {
		return Message{}, fmt.Errorf("bus: publish to %s: %w", topic, err)
	}
	b.metrics.IncCounter("bus_published_total", map[string]string{"topic": topic})
	return Message{Topic: topic, ID: id, Payload: payload, CreatedAt: now}, nil
}

// Subscribe runs a worker-pool + reader-loop + graceful-drain consumer: one
// goroutine fetches entries and feeds a bounded jobs channel, `workers`
// goroutines process and ack them, and a background goroutine periodically
// reclaims entries stuck in another consumer's pending list.
func (b *RedisBus) Subscribe(ctx context.Context, topic, group string, workers int, fn Handler) error {
	if workers <= 0 {
		workers = 1
	}
	stream := streamKey(topic)
	if err := b.rc.EnsureGroupMkStream(ctx, stream, group); err != nil {
		return fmt.Errorf("bus: ensure group %s/%s: %w", stream, group, err)
	}
	consumer := "consumer-" + uuid.NewString()

	type job struct {
		id       string
		streamID string
		payload  string
	}
	jobs := make(chan job, 64*workers)

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for j := range jobs {
				msg := Message{Topic: topic, ID: j.id, Payload: j.payload}
				if err := fn(ctx, msg); err != nil {
					b.log.Error("bus: handler failed", map[string]any{"topic": topic, "id": j.id, "err": err.Error()})
					continue
				}
				if err := b.rc.Ack(ctx, stream, group, j.streamID); err != nil {
					b.log.Error("bus: ack failed", map[string]any{"topic": topic, "id": j.id, "err": err.Error()})
				}
			}
		}()
	}

	reclaimDone := make(chan struct{})
	go func() {
		defer close(reclaimDone)
		ticker := time.NewTicker(b.reclaimInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				b.reclaimPending(ctx, stream, group, consumer, topic)
			case <-ctx.Done():
				return
			}
		}
	}()

	defer func() {
		close(jobs)
		wg.Wait()
		<-reclaimDone
	}()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		streams, err := b.rc.ReadGroup(ctx, group, consumer, stream, b.readCount, b.readBlock)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return ctx.Err()
			}
			b.log.Error("bus: read group failed", map[string]any{"stream": stream, "err": err.Error()})
			continue
		}
		for _, s := range streams {
			for _, entry := range s.Messages {
				payload, _ := entry.Values["payload"].(string)
				id, _ := entry.Values["id"].(string)
				if id == "" {
					id = entry.ID
				}
				select {
				case jobs <- job{id: id, streamID: entry.ID, payload: payload}:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
}

func dlqKey(topic string) string { return "dlq:" + topic }

// reclaimPending claims entries idle longer than claimMinIdle so they are
// retried by this consumer. Entries that have already been delivered
// maxDeliveries times are dead-lettered to dlq:topic and acked instead, so a
// poison message cannot loop through the pending list forever.
func (b *RedisBus) reclaimPending(ctx context.Context, stream, group, consumer, topic string) {
	pending, err := b.rc.Pending(ctx, stream, group, b.claimMinIdle, 64)
	if err != nil || len(pending) == 0 {
		return
	}
	var reclaimIDs, deadIDs []string
	for _, p := range pending {
		if p.RetryCount >= b.maxDeliveries {
			deadIDs = append(deadIDs, p.ID)
		} else {
			reclaimIDs = append(reclaimIDs, p.ID)
		}
	}
	if len(deadIDs) > 0 {
		msgs, err := b.rc.Claim(ctx, stream, group, consumer, b.claimMinIdle, deadIDs)
		if err != nil {
			b.log.Error("bus: claim for dead-letter failed", map[string]any{"stream": stream, "err": err.Error()})
		} else {
			for _, m := range msgs {
				payload, _ := m.Values["payload"].(string)
				if _, err := b.rc.Add(ctx, dlqKey(topic), map[string]interface{}{
					"id":               m.ID,
					"payload":          payload,
					"original_topic":   topic,
					"dead_lettered_at": time.Now().UTC().Format(time.RFC3339Nano),
				}); err != nil {
					b.log.Error("bus: dead-letter publish failed", map[string]any{"topic": topic, "id": m.ID, "err": err.Error()})
					continue
				}
				if err := b.rc.Ack(ctx, stream, group, m.ID); err != nil {
					b.log.Error("bus: ack after dead-letter failed", map[string]any{"stream": stream, "id": m.ID, "err": err.Error()})
				}
				b.metrics.IncCounter("bus_dead_lettered_total", map[string]string{"topic": topic})
			}
		}
	}
	if len(reclaimIDs) > 0 {
		if _, err := b.rc.Claim(ctx, stream, group, consumer, b.claimMinIdle, reclaimIDs); err != nil {
			b.log.Error("bus: claim failed", map[string]any{"stream": stream, "err": err.Error()})
		}
	}
}

func (b *RedisBus) Request(ctx context.Context, topic, payload string, timeout time.Duration) (string, error) {
	msg, err := b.Publish(ctx, topic, payload)
	if err != nil {
		return "", err
	}
	key := "a2a:response:" + msg.ID
	resp, err := b.rc.BLPop(ctx, timeout, key)
	if err != nil {
		return "", fmt.Errorf("bus: request %s: %w", msg.ID, err)
	}
	if resp == "" {
		return "", errors.New("bus: request timed out")
	}
	return resp, nil
}

func (b *RedisBus) Respond(ctx context.Context, messageID, payload string) error {
	return b.rc.RPush(ctx, "a2a:response:"+messageID, payload)
}

func (b *RedisBus) Close() error { return nil }
