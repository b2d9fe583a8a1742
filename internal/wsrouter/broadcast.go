package wsrouter

import (
	"context"
	"encoding/json"
	"sync"

	"salesmesh/internal/redisgw"
)

// Broadcaster fans a ServerFrame out to whichever process instance owns
// the live connection for a session — the mechanism that lets any
// process instance accept a send_chunk call regardless of which
// instance actually holds the socket (spec §4.3 connect/ownership
// handoff). There is no broadcast-to-every-session channel: every frame
// is published on one session's ws:broadcast:{session_id} channel.
type Broadcaster interface {
	Publish(ctx context.Context, sessionID string, frame ServerFrame) error
	// Subscribe delivers frames published for sessionID until ctx is
	// canceled or the returned closer is called.
	Subscribe(ctx context.Context, sessionID string) (<-chan ServerFrame, func(), error)
}

// --- Redis pub/sub backed broadcaster ---

type redisBroadcaster struct {
	rc *redisgw.Client
}

func NewRedisBroadcaster(rc *redisgw.Client) Broadcaster {
	return &redisBroadcaster{rc: rc}
}

func broadcastChannel(sessionID string) string { return "ws:broadcast:" + sessionID }

func (b *redisBroadcaster) Publish(ctx context.Context, sessionID string, frame ServerFrame) error {
	raw, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return b.rc.Publish(ctx, broadcastChannel(sessionID), string(raw))
}

func (b *redisBroadcaster) Subscribe(ctx context.Context, sessionID string) (<-chan ServerFrame, func(), error) {
	payloads, closer := b.rc.SubscribePayloads(ctx, broadcastChannel(sessionID))
	out := make(chan ServerFrame)
	go func() {
		defer close(out)
		for raw := range payloads {
			var f ServerFrame
			if err := json.Unmarshal([]byte(raw), &f); err != nil {
				continue
			}
			select {
			case out <- f:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, func() { _ = closer() }, nil
}

// --- in-process broadcaster (WEBSOCKET_MANAGER_TYPE=memory, tests) ---

type memoryBroadcaster struct {
	mu   sync.Mutex
	subs map[string][]chan ServerFrame
}

func NewMemoryBroadcaster() Broadcaster {
	return &memoryBroadcaster{subs: make(map[string][]chan ServerFrame)}
}

func (b *memoryBroadcaster) Publish(_ context.Context, sessionID string, frame ServerFrame) error {
	b.mu.Lock()
	subs := append([]chan ServerFrame(nil), b.subs[sessionID]...)
	b.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- frame:
		default:
		}
	}
	return nil
}

func (b *memoryBroadcaster) Subscribe(ctx context.Context, sessionID string) (<-chan ServerFrame, func(), error) {
	ch := make(chan ServerFrame, 32)
	b.mu.Lock()
	b.subs[sessionID] = append(b.subs[sessionID], ch)
	b.mu.Unlock()

	closed := false
	var mu sync.Mutex
	closer := func() error {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return nil
		}
		closed = true
		b.mu.Lock()
		b.removeSub(sessionID, ch)
		b.mu.Unlock()
		close(ch)
		return nil
	}
	go func() {
		<-ctx.Done()
		_ = closer()
	}()
	return ch, func() { _ = closer() }, nil
}

func (b *memoryBroadcaster) removeSub(sessionID string, ch chan ServerFrame) {
	subs := b.subs[sessionID]
	for i, s := range subs {
		if s == ch {
			b.subs[sessionID] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}
