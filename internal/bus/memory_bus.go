package bus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryBus is a process-local Bus used in tests and when USE_REDIS_BUS is
// false. Subscribe fans out every published message to every subscriber of
// a topic — there is no consumer-group partitioning, since there is only
// one process to partition across.
type MemoryBus struct {
	mu          sync.Mutex
	subscribers map[string][]chan Message
	responses   map[string]chan string
	closed      bool
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subscribers: make(map[string][]chan Message),
		responses:   make(map[string]chan string),
	}
}

func (b *MemoryBus) Publish(ctx context.Context, topic string, payload string) (Message, error) {
	msg := Message{Topic: topic, ID: uuid.NewString(), Payload: payload, CreatedAt: time.Now().UTC()}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return Message{}, errors.New("bus: closed")
	}
	subs := append([]chan Message(nil), b.subscribers[topic]...)
	b.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- msg:
		case <-ctx.Done():
			return msg, ctx.Err()
		default:
			// Slow subscriber drops the message rather than blocking the publisher.
		}
	}
	return msg, nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, topic, group string, workers int, fn Handler) error {
	if workers <= 0 {
		workers = 1
	}
	ch := make(chan Message, 64*workers)
	b.mu.Lock()
	b.subscribers[topic] = append(b.subscribers[topic], ch)
	b.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for {
				select {
				case msg, ok := <-ch:
					if !ok {
						return
					}
					_ = fn(ctx, msg)
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	<-ctx.Done()
	b.mu.Lock()
	b.removeSubscriber(topic, ch)
	b.mu.Unlock()
	close(ch)
	wg.Wait()
	return ctx.Err()
}

func (b *MemoryBus) removeSubscriber(topic string, ch chan Message) {
	subs := b.subscribers[topic]
	for i, s := range subs {
		if s == ch {
			b.subscribers[topic] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

func (b *MemoryBus) Request(ctx context.Context, topic, payload string, timeout time.Duration) (string, error) {
	msg, err := b.Publish(ctx, topic, payload)
	if err != nil {
		return "", err
	}
	ch := make(chan string, 1)
	b.mu.Lock()
	b.responses[msg.ID] = ch
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.responses, msg.ID)
		b.mu.Unlock()
	}()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case resp := <-ch:
		return resp, nil
	case <-t.C:
		return "", errors.New("bus: request timed out")
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (b *MemoryBus) Respond(ctx context.Context, messageID, payload string) error {
	b.mu.Lock()
	ch, ok := b.responses[messageID]
	b.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case ch <- payload:
	default:
	}
	return nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
