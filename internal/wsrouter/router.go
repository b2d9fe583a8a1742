// Package wsrouter implements the WebSocket Session Router (C5): a
// horizontally scalable connection manager that keeps per-session
// metadata and unacknowledged message state in Redis, routes chunks via
// Pub/Sub so any process instance can deliver to a session no matter
// which instance holds the socket, retransmits with exponential backoff,
// and deduplicates turns. Grounded on the register/unregister-channel +
// Pub/Sub-fed distribute loop hub pattern, generalized from one
// broadcast channel to per-session channels plus Redis-backed recovery
// state.
package wsrouter

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"salesmesh/internal/bus"
	"salesmesh/internal/observability"
)

// SessionTurnTopic is the domain-event topic a user_message/transcript_chunk
// frame is published onto once it clears the turn guard. The agent runtime
// subscribes here via the event bus (spec's request-path data flow).
const SessionTurnTopic = "SESSION_TURN"

const (
	defaultSessionTTL      = 24 * time.Hour
	defaultTurnGuardTTL    = 5 * time.Minute
	maxRetries             = 5
	retransmitScanInterval = 2 * time.Second
	turnGuardSweepInterval = 60 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// SessionTurn is the payload published to SessionTurnTopic for each
// accepted (non-duplicate) user turn.
type SessionTurn struct {
	SessionID string                 `json:"session_id"`
	UserID    string                 `json:"user_id"`
	TurnID    string                 `json:"turn_id,omitempty"`
	Type      string                 `json:"type"`
	Text      string                 `json:"text,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// conn is one local WebSocket connection. A session has at most one
// local conn per process instance; other instances reach it only via
// the broadcaster.
type conn struct {
	sessionID string
	userID    string
	ws        *websocket.Conn
	send      chan ServerFrame
	seq       int64 // atomic, next outbound sequence

	closeOnce sync.Once
	done      chan struct{}
}

func (c *conn) nextSeq() int64 { return atomic.AddInt64(&c.seq, 1) }

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// Router owns every local WebSocket connection on this process instance
// and the distributed state (SessionStore) and fan-out (Broadcaster)
// that make the router horizontally scalable.
type Router struct {
	mu    sync.RWMutex
	conns map[string]*conn

	store       SessionStore
	broadcaster Broadcaster
	bus         bus.Bus

	sessionTTL   time.Duration
	turnGuardTTL time.Duration

	pingInterval    time.Duration
	pongWait        time.Duration
	writeWait       time.Duration
	maxMessageBytes int64

	log     observability.Logger
	metrics observability.Metrics
}

type Option func(*Router)

func WithLogger(l observability.Logger) Option   { return func(r *Router) { r.log = l } }
func WithMetrics(m observability.Metrics) Option { return func(r *Router) { r.metrics = m } }
func WithSessionTTL(ttl time.Duration) Option    { return func(r *Router) { r.sessionTTL = ttl } }
func WithTurnGuardTTL(ttl time.Duration) Option  { return func(r *Router) { r.turnGuardTTL = ttl } }
func WithSocketTuning(ping, pong, write time.Duration, maxBytes int64) Option {
	return func(r *Router) {
		r.pingInterval = ping
		r.pongWait = pong
		r.writeWait = write
		r.maxMessageBytes = maxBytes
	}
}

func NewRouter(store SessionStore, broadcaster Broadcaster, b bus.Bus, opts ...Option) *Router {
	r := &Router{
		conns:           make(map[string]*conn),
		store:           store,
		broadcaster:     broadcaster,
		bus:             b,
		sessionTTL:      defaultSessionTTL,
		turnGuardTTL:    defaultTurnGuardTTL,
		pingInterval:    20 * time.Second,
		pongWait:        60 * time.Second,
		writeWait:       10 * time.Second,
		maxMessageBytes: 1 << 20,
		log:             observability.NoopLogger{},
		metrics:         observability.NoopMetrics{},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// HandleConnect upgrades r to a WebSocket, registers the session, and
// blocks until the connection closes. Call from the /ws/{session_id}
// HTTP handler after authenticating the token query param.
func (rt *Router) HandleConnect(w http.ResponseWriter, req *http.Request, sessionID, userID string) error {
	wsConn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		return err
	}

	c := &conn{
		sessionID: sessionID,
		userID:    userID,
		ws:        wsConn,
		send:      make(chan ServerFrame, 64),
		done:      make(chan struct{}),
	}

	rt.mu.Lock()
	if old, ok := rt.conns[sessionID]; ok {
		old.close()
	}
	rt.conns[sessionID] = c
	rt.mu.Unlock()

	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()

	if err := rt.store.SaveSession(ctx, sessionID, userID, rt.sessionTTL); err != nil {
		rt.log.Error("wsrouter: save session failed", map[string]any{"session_id": sessionID, "err": err.Error()})
	}

	frames, closeSub, err := rt.broadcaster.Subscribe(ctx, sessionID)
	if err != nil {
		rt.unregister(sessionID, c)
		return err
	}
	defer closeSub()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); rt.distributePump(c, frames) }()
	go func() { defer wg.Done(); rt.writePump(c) }()
	go func() { defer wg.Done(); rt.readPump(ctx, c) }()

	rt.send(ctx, sessionID, ServerFrame{Type: FrameConnected, Payload: map[string]interface{}{"session_id": sessionID}})

	<-c.done
	cancel()
	wg.Wait()
	rt.unregister(sessionID, c)
	return nil
}

func (rt *Router) unregister(sessionID string, c *conn) {
	rt.mu.Lock()
	if rt.conns[sessionID] == c {
		delete(rt.conns, sessionID)
	}
	rt.mu.Unlock()
}

// readPump decodes client frames and dispatches them: ack frames clear
// unacked chunks; user turns pass the turn guard before being published
// as a domain event.
func (rt *Router) readPump(ctx context.Context, c *conn) {
	defer c.close()
	c.ws.SetReadLimit(rt.maxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(rt.pongWait))
	c.ws.SetPongHandler(func(string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(rt.pongWait))
		return nil
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var f ClientFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			rt.deliverLocal(c, ServerFrame{Type: FrameError, Error: "malformed frame"})
			continue
		}
		rt.handleClientFrame(ctx, c, f)
	}
}

func (rt *Router) handleClientFrame(ctx context.Context, c *conn, f ClientFrame) {
	switch f.Type {
	case FramePing:
		return
	case FrameClose:
		c.close()
	case FrameAck:
		if f.Sequence > 0 {
			if err := rt.store.AckUnacked(ctx, c.sessionID, f.Sequence); err != nil {
				rt.log.Error("wsrouter: ack failed", map[string]any{"session_id": c.sessionID, "err": err.Error()})
			}
		}
	case FrameUserMessage, FrameTranscriptChunk:
		rt.acceptTurn(ctx, c, f)
	default:
		rt.deliverLocal(c, ServerFrame{Type: FrameError, Error: "unknown frame type: " + f.Type})
	}
}

func (rt *Router) acceptTurn(ctx context.Context, c *conn, f ClientFrame) {
	if f.TurnID != "" {
		first, err := rt.store.GuardTurn(ctx, c.sessionID, f.TurnID)
		if err != nil {
			rt.log.Error("wsrouter: turn guard failed", map[string]any{"session_id": c.sessionID, "err": err.Error()})
		} else if !first {
			rt.metrics.IncCounter("wsrouter_turn_duplicate_total", map[string]string{})
			return
		}
	}
	if rt.bus == nil {
		return
	}
	turn := SessionTurn{SessionID: c.sessionID, UserID: c.userID, TurnID: f.TurnID, Type: f.Type, Text: f.Text, Payload: f.Payload}
	body, err := json.Marshal(turn)
	if err != nil {
		return
	}
	if _, err := rt.bus.Publish(ctx, SessionTurnTopic, string(body)); err != nil {
		rt.log.Error("wsrouter: publish turn failed", map[string]any{"session_id": c.sessionID, "err": err.Error()})
	}
}

// distributePump forwards broadcaster-delivered frames (possibly
// originating on another process instance) into this connection's send
// channel.
func (rt *Router) distributePump(c *conn, frames <-chan ServerFrame) {
	for {
		select {
		case f, ok := <-frames:
			if !ok {
				return
			}
			select {
			case c.send <- f:
			case <-c.done:
				return
			}
		case <-c.done:
			return
		}
	}
}

func (rt *Router) writePump(c *conn) {
	ticker := time.NewTicker(rt.pingInterval)
	defer ticker.Stop()
	defer c.close()

	for {
		select {
		case f, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(rt.writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			raw, err := json.Marshal(f)
			if err != nil {
				continue
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(rt.writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// deliverLocal writes directly to this process instance's connection,
// bypassing the broadcaster. Used for frames that never need to survive
// an ownership handoff (errors, the initial connected frame's sibling
// replies).
func (rt *Router) deliverLocal(c *conn, f ServerFrame) {
	select {
	case c.send <- f:
	case <-c.done:
	default:
	}
}

// Send delivers frame to sessionID's connection, wherever it lives, via
// the broadcaster. If frame carries a sequence it is first persisted to
// ws:unacked:{session_id} so the retransmit loop can recover it.
func (rt *Router) Send(ctx context.Context, sessionID string, frame ServerFrame) error {
	return rt.send(ctx, sessionID, frame)
}

// NextSequence allocates the next chunk sequence number for sessionID's
// locally held connection, or 0 if this instance does not hold it.
func (rt *Router) NextSequence(sessionID string) int64 {
	rt.mu.RLock()
	c, ok := rt.conns[sessionID]
	rt.mu.RUnlock()
	if !ok {
		return 0
	}
	return c.nextSeq()
}

func (rt *Router) send(ctx context.Context, sessionID string, frame ServerFrame) error {
	if requiresAck(frame) {
		if err := rt.store.PutUnacked(ctx, sessionID, frame.Sequence, UnackedChunk{Frame: frame, SentAt: time.Now().UTC()}, rt.sessionTTL); err != nil {
			return err
		}
	}
	return rt.broadcaster.Publish(ctx, sessionID, frame)
}

// localSessionIDs returns the sessions with a connection live on this
// process instance, the only ones this instance's retransmit/turn-guard
// sweeps are responsible for.
func (rt *Router) localSessionIDs() []string {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	ids := make([]string, 0, len(rt.conns))
	for id := range rt.conns {
		ids = append(ids, id)
	}
	return ids
}

// RunRetransmitLoop scans every locally owned session's unacked chunks
// roughly every 2s and retransmits any whose backoff window
// (2·2^retries seconds) has elapsed, dropping entries past maxRetries.
// Run this as a background goroutine for the lifetime of the process.
func (rt *Router) RunRetransmitLoop(ctx context.Context) {
	ticker := time.NewTicker(retransmitScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rt.scanUnacked(ctx)
		}
	}
}

func (rt *Router) scanUnacked(ctx context.Context) {
	for _, sessionID := range rt.localSessionIDs() {
		unacked, err := rt.store.ListUnacked(ctx, sessionID)
		if err != nil {
			rt.log.Error("wsrouter: list unacked failed", map[string]any{"session_id": sessionID, "err": err.Error()})
			continue
		}
		for seq, chunk := range unacked {
			backoff := time.Duration(2*(1<<uint(chunk.Retries))) * time.Second
			if time.Since(chunk.SentAt) <= backoff {
				continue
			}
			if chunk.Retries >= maxRetries {
				rt.log.Error("wsrouter: dropping unacked chunk after max retries", map[string]any{"session_id": sessionID, "sequence": seq})
				_ = rt.store.AckUnacked(ctx, sessionID, seq)
				rt.metrics.IncCounter("wsrouter_chunk_dropped_total", map[string]string{})
				continue
			}
			chunk.Retries++
			chunk.SentAt = time.Now().UTC()
			if err := rt.store.PutUnacked(ctx, sessionID, seq, chunk, rt.sessionTTL); err != nil {
				rt.log.Error("wsrouter: retransmit re-store failed", map[string]any{"session_id": sessionID, "err": err.Error()})
				continue
			}
			if err := rt.broadcaster.Publish(ctx, sessionID, chunk.Frame); err != nil {
				rt.log.Error("wsrouter: retransmit publish failed", map[string]any{"session_id": sessionID, "err": err.Error()})
				continue
			}
			rt.metrics.IncCounter("wsrouter_chunk_retransmitted_total", map[string]string{})
		}
	}
}

// RunTurnGuardSweepLoop periodically drops turn-guard entries older
// than turnGuardTTL for every locally owned session, roughly every 60s.
func (rt *Router) RunTurnGuardSweepLoop(ctx context.Context) {
	ticker := time.NewTicker(turnGuardSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, sessionID := range rt.localSessionIDs() {
				if err := rt.store.SweepTurnGuards(ctx, sessionID, rt.turnGuardTTL); err != nil {
					rt.log.Error("wsrouter: turn guard sweep failed", map[string]any{"session_id": sessionID, "err": err.Error()})
				}
			}
		}
	}
}

// NewTurnID is a convenience for callers (tests, CLI demos) that need a
// client-assigned turn id.
func NewTurnID() string { return uuid.NewString() }
