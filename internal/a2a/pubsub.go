package a2a

import (
	"context"
	"sync"
)

// PubSub is the low-latency channel transport used for directed/broadcast
// delivery to live subscribers, distinct from the durable Stream-based
// internal/bus. It has a Redis implementation (preferred in production) and
// a process-local one (tests, no-Redis deployments).
type PubSub interface {
	Publish(ctx context.Context, channel, payload string) error
	// Subscribe returns a channel of payloads delivered to any of the given
	// channels, and a closer to stop listening.
	Subscribe(ctx context.Context, channels ...string) (<-chan string, func() error)
}

// redisPublisher is the subset of redisgw.Client the Redis PubSub needs.
type redisPublisher interface {
	Publish(ctx context.Context, channel string, payload string) error
	SubscribePayloads(ctx context.Context, channels ...string) (<-chan string, func() error)
}

// RedisPubSub adapts redisgw.Client to PubSub.
type RedisPubSub struct {
	rc redisPublisher
}

func NewRedisPubSub(rc redisPublisher) *RedisPubSub { return &RedisPubSub{rc: rc} }

func (p *RedisPubSub) Publish(ctx context.Context, channel, payload string) error {
	return p.rc.Publish(ctx, channel, payload)
}

func (p *RedisPubSub) Subscribe(ctx context.Context, channels ...string) (<-chan string, func() error) {
	return p.rc.SubscribePayloads(ctx, channels...)
}

// MemoryPubSub is a process-local PubSub: every Publish fans out
// synchronously (non-blocking, drop-on-full) to every current subscriber
// of the channel, mirroring bus.MemoryBus's fan-out semantics.
type MemoryPubSub struct {
	mu   sync.Mutex
	subs map[string][]chan string
}

func NewMemoryPubSub() *MemoryPubSub {
	return &MemoryPubSub{subs: make(map[string][]chan string)}
}

func (p *MemoryPubSub) Publish(_ context.Context, channel, payload string) error {
	p.mu.Lock()
	chans := append([]chan string(nil), p.subs[channel]...)
	p.mu.Unlock()
	for _, ch := range chans {
		select {
		case ch <- payload:
		default:
		}
	}
	return nil
}

func (p *MemoryPubSub) Subscribe(ctx context.Context, channels ...string) (<-chan string, func() error) {
	out := make(chan string, 64)
	p.mu.Lock()
	for _, c := range channels {
		p.subs[c] = append(p.subs[c], out)
	}
	p.mu.Unlock()

	closed := make(chan struct{})
	closer := func() error {
		select {
		case <-closed:
			return nil
		default:
		}
		close(closed)
		p.mu.Lock()
		for _, c := range channels {
			p.removeLocked(c, out)
		}
		p.mu.Unlock()
		return nil
	}
	go func() {
		select {
		case <-ctx.Done():
			_ = closer()
		case <-closed:
		}
	}()
	return out, closer
}

func (p *MemoryPubSub) removeLocked(channel string, ch chan string) {
	subs := p.subs[channel]
	for i, s := range subs {
		if s == ch {
			p.subs[channel] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}
