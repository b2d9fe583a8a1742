package wsrouter

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"salesmesh/internal/bus"
)

func newTestRouter() (*Router, SessionStore, Broadcaster, bus.Bus) {
	store := NewMemorySessionStore()
	broadcaster := NewMemoryBroadcaster()
	b := bus.NewMemoryBus()
	return NewRouter(store, broadcaster, b), store, broadcaster, b
}

func dial(t *testing.T, srv *httptest.Server, sessionID string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/" + sessionID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	return conn
}

func TestConnectReceivesConnectedFrame(t *testing.T) {
	router, _, _, _ := newTestRouter()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessionID := strings.TrimPrefix(r.URL.Path, "/ws/")
		_ = router.HandleConnect(w, r, sessionID, "user-1")
	}))
	defer srv.Close()

	conn := dial(t, srv, "sess-1")
	defer conn.Close()

	var frame ServerFrame
	require.NoError(t, conn.ReadJSON(&frame))
	require.Equal(t, FrameConnected, frame.Type)
}

func TestDuplicateTurnIsDroppedByGuard(t *testing.T) {
	router, _, _, b := newTestRouter()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = router.HandleConnect(w, r, "sess-2", "user-1")
	}))
	defer srv.Close()

	received := make(chan bus.Message, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = b.Subscribe(ctx, SessionTurnTopic, "test", 1, func(_ context.Context, msg bus.Message) error {
			received <- msg
			return nil
		})
	}()
	time.Sleep(20 * time.Millisecond)

	conn := dial(t, srv, "sess-2")
	defer conn.Close()

	var connected ServerFrame
	require.NoError(t, conn.ReadJSON(&connected))

	frame := ClientFrame{Type: FrameUserMessage, TurnID: "turn-1", Text: "how's my commission?"}
	require.NoError(t, conn.WriteJSON(frame))
	require.NoError(t, conn.WriteJSON(frame)) // duplicate, same turn_id

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("expected first turn to publish")
	}
	select {
	case <-received:
		t.Fatal("duplicate turn should not publish twice")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestAckClearsUnackedChunk(t *testing.T) {
	router, store, _, _ := newTestRouter()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = router.HandleConnect(w, r, "sess-3", "user-1")
	}))
	defer srv.Close()

	conn := dial(t, srv, "sess-3")
	defer conn.Close()

	var connected ServerFrame
	require.NoError(t, conn.ReadJSON(&connected))

	ctx := context.Background()
	require.NoError(t, router.Send(ctx, "sess-3", ServerFrame{Type: FrameNPCResponse, Sequence: 1, Text: "hi"}))

	var chunk ServerFrame
	require.NoError(t, conn.ReadJSON(&chunk))
	require.Equal(t, int64(1), chunk.Sequence)

	unacked, err := store.ListUnacked(ctx, "sess-3")
	require.NoError(t, err)
	require.Len(t, unacked, 1)

	require.NoError(t, conn.WriteJSON(ClientFrame{Type: FrameAck, Sequence: 1}))
	require.Eventually(t, func() bool {
		unacked, err := store.ListUnacked(ctx, "sess-3")
		return err == nil && len(unacked) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestScanUnackedRetransmitsThenDrops(t *testing.T) {
	router, store, broadcaster, _ := newTestRouter()
	ctx := context.Background()

	frames, _, err := broadcaster.Subscribe(ctx, "sess-4")
	require.NoError(t, err)

	// Simulate a connection registered on this instance without a real socket,
	// since scanUnacked only needs the session id to be locally known.
	router.mu.Lock()
	router.conns["sess-4"] = &conn{sessionID: "sess-4", done: make(chan struct{})}
	router.mu.Unlock()

	stale := UnackedChunk{Frame: ServerFrame{Type: FrameNPCResponse, Sequence: 7}, SentAt: time.Now().UTC().Add(-10 * time.Second)}
	require.NoError(t, store.PutUnacked(ctx, "sess-4", 7, stale, time.Hour))

	router.scanUnacked(ctx)

	select {
	case f := <-frames:
		require.Equal(t, int64(7), f.Sequence)
	case <-time.After(time.Second):
		t.Fatal("expected retransmit")
	}

	unacked, err := store.ListUnacked(ctx, "sess-4")
	require.NoError(t, err)
	require.Equal(t, 1, unacked[7].Retries)

	// Push retries past the cap; the next scan should drop it instead of resending.
	dropped := unacked[7]
	dropped.Retries = maxRetries
	dropped.SentAt = time.Now().UTC().Add(-time.Hour)
	require.NoError(t, store.PutUnacked(ctx, "sess-4", 7, dropped, time.Hour))

	router.scanUnacked(ctx)
	unacked, err = store.ListUnacked(ctx, "sess-4")
	require.NoError(t, err)
	require.Empty(t, unacked)
}

func TestTurnGuardSweepExpiresOldEntries(t *testing.T) {
	store := NewMemorySessionStore()
	ctx := context.Background()

	first, err := store.GuardTurn(ctx, "sess-5", "turn-a")
	require.NoError(t, err)
	require.True(t, first)

	again, err := store.GuardTurn(ctx, "sess-5", "turn-a")
	require.NoError(t, err)
	require.False(t, again)

	require.NoError(t, store.SweepTurnGuards(ctx, "sess-5", 0))

	reopened, err := store.GuardTurn(ctx, "sess-5", "turn-a")
	require.NoError(t, err)
	require.True(t, reopened)
}
