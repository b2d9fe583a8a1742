package ratelimit

import (
	"context"
	"testing"
	"time"

	"salesmesh/internal/bus"
)

type fakeWindow struct {
	card      int64
	zaddErr   error
	remErr    error
	cardCalls int
}

func (f *fakeWindow) ZRemRangeByScore(context.Context, string, string, string) error { return f.remErr }
func (f *fakeWindow) ZAdd(context.Context, string, float64, string) error            { return f.zaddErr }
func (f *fakeWindow) ZCard(context.Context, string) (int64, error) {
	f.cardCalls++
	return f.card, nil
}
func (f *fakeWindow) Expire(context.Context, string, time.Duration) error { return nil }

func TestLimiter_AllowsUnderLimit(t *testing.T) {
	w := &fakeWindow{card: 3}
	l := NewLimiter(w, bus.NewMemoryBus(), 5, time.Minute)
	ok, err := l.Allow(context.Background(), "tenant-a")
	if err != nil || !ok {
		t.Fatalf("expected allow, got ok=%v err=%v", ok, err)
	}
}

func TestLimiter_DeniesOverLimitAndPublishes(t *testing.T) {
	w := &fakeWindow{card: 10}
	b := bus.NewMemoryBus()
	l := NewLimiter(w, b, 5, time.Minute)

	received := make(chan bus.Message, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Subscribe(ctx, "REQUEST_DEGRADED", "g", 1, func(_ context.Context, msg bus.Message) error {
		received <- msg
		return nil
	})
	time.Sleep(10 * time.Millisecond)

	ok, err := l.Allow(context.Background(), "tenant-a")
	if err != nil || ok {
		t.Fatalf("expected deny, got ok=%v err=%v", ok, err)
	}
	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatalf("expected REQUEST_DEGRADED to be published")
	}
}

func TestLimiter_FailsOpenOnRedisError(t *testing.T) {
	w := &fakeWindow{remErr: context.DeadlineExceeded}
	l := NewLimiter(w, bus.NewMemoryBus(), 5, time.Minute)
	ok, err := l.Allow(context.Background(), "tenant-a")
	if err != nil || !ok {
		t.Fatalf("expected fail-open allow, got ok=%v err=%v", ok, err)
	}
}
