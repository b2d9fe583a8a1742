package wsrouter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"salesmesh/internal/redisgw"
)

// UnackedChunk is one sent-but-not-yet-acked server frame, keyed by
// (session_id, sequence) per spec §3. Retries is bumped by the
// retransmit loop and capped at maxRetries.
type UnackedChunk struct {
	Frame   ServerFrame `json:"frame"`
	SentAt  time.Time   `json:"sent_at"`
	Retries int         `json:"retries"`
}

// SessionStore persists the distributed state a Router needs to survive
// losing and regaining a connection on a different process: the session
// record itself, its unacked chunks, and its turn-dedup guard. Implementations
// mirror internal/a2a.Registry's Redis-hash/in-memory split.
type SessionStore interface {
	SaveSession(ctx context.Context, sessionID, userID string, ttl time.Duration) error
	DeleteSession(ctx context.Context, sessionID string) error

	PutUnacked(ctx context.Context, sessionID string, seq int64, chunk UnackedChunk, ttl time.Duration) error
	AckUnacked(ctx context.Context, sessionID string, seq int64) error
	ListUnacked(ctx context.Context, sessionID string) (map[int64]UnackedChunk, error)

	// GuardTurn records turnID as seen for sessionID and reports whether
	// this is the first time it has been seen (true ⇒ caller should
	// process it; false ⇒ duplicate, drop it).
	GuardTurn(ctx context.Context, sessionID, turnID string) (bool, error)
	// SweepTurnGuards deletes guard entries older than olderThan. Redis
	// hash fields have no per-field TTL, so this sweep is what bounds
	// ws:turn_guard:{session_id} growth instead.
	SweepTurnGuards(ctx context.Context, sessionID string, olderThan time.Duration) error
}

// --- Redis-backed implementation ---

type redisSessionStore struct {
	rc *redisgw.Client
}

func NewRedisSessionStore(rc *redisgw.Client) SessionStore {
	return &redisSessionStore{rc: rc}
}

func sessionKey(id string) string   { return "ws:session:" + id }
func unackedKey(id string) string   { return "ws:unacked:" + id }
func turnGuardKey(id string) string { return "ws:turn_guard:" + id }

func (s *redisSessionStore) SaveSession(ctx context.Context, sessionID, userID string, ttl time.Duration) error {
	key := sessionKey(sessionID)
	if err := s.rc.HSet(ctx, key, map[string]string{
		"user_id":      userID,
		"connected_at": time.Now().UTC().Format(time.RFC3339Nano),
	}); err != nil {
		return err
	}
	return s.rc.Expire(ctx, key, ttl)
}

func (s *redisSessionStore) DeleteSession(ctx context.Context, sessionID string) error {
	return s.rc.Del(ctx, sessionKey(sessionID), unackedKey(sessionID), turnGuardKey(sessionID))
}

func (s *redisSessionStore) PutUnacked(ctx context.Context, sessionID string, seq int64, chunk UnackedChunk, ttl time.Duration) error {
	raw, err := json.Marshal(chunk)
	if err != nil {
		return err
	}
	key := unackedKey(sessionID)
	if err := s.rc.HSet(ctx, key, map[string]string{fmt.Sprintf("%d", seq): string(raw)}); err != nil {
		return err
	}
	return s.rc.Expire(ctx, key, ttl)
}

func (s *redisSessionStore) AckUnacked(ctx context.Context, sessionID string, seq int64) error {
	return s.rc.HDel(ctx, unackedKey(sessionID), fmt.Sprintf("%d", seq))
}

func (s *redisSessionStore) ListUnacked(ctx context.Context, sessionID string) (map[int64]UnackedChunk, error) {
	fields, err := s.rc.HGetAll(ctx, unackedKey(sessionID))
	if err != nil {
		return nil, err
	}
	out := make(map[int64]UnackedChunk, len(fields))
	for k, v := range fields {
		var seq int64
		if _, err := fmt.Sscanf(k, "%d", &seq); err != nil {
			continue
		}
		var chunk UnackedChunk
		if err := json.Unmarshal([]byte(v), &chunk); err != nil {
			continue
		}
		out[seq] = chunk
	}
	return out, nil
}

func (s *redisSessionStore) GuardTurn(ctx context.Context, sessionID, turnID string) (bool, error) {
	key := turnGuardKey(sessionID)
	existing, err := s.rc.HGetAll(ctx, key)
	if err != nil {
		return false, err
	}
	if _, seen := existing[turnID]; seen {
		return false, nil
	}
	if err := s.rc.HSet(ctx, key, map[string]string{turnID: fmt.Sprintf("%d", time.Now().UTC().Unix())}); err != nil {
		return false, err
	}
	return true, nil
}

func (s *redisSessionStore) SweepTurnGuards(ctx context.Context, sessionID string, olderThan time.Duration) error {
	key := turnGuardKey(sessionID)
	fields, err := s.rc.HGetAll(ctx, key)
	if err != nil {
		return err
	}
	cutoff := time.Now().UTC().Add(-olderThan).Unix()
	var stale []string
	for turnID, ts := range fields {
		var sec int64
		if _, err := fmt.Sscanf(ts, "%d", &sec); err != nil || sec < cutoff {
			stale = append(stale, turnID)
		}
	}
	if len(stale) == 0 {
		return nil
	}
	return s.rc.HDel(ctx, key, stale...)
}

// --- in-memory implementation (WEBSOCKET_MANAGER_TYPE=memory, tests) ---

type memorySessionState struct {
	unacked    map[int64]UnackedChunk
	turnGuards map[string]time.Time
}

type memorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]*memorySessionState
}

func NewMemorySessionStore() SessionStore {
	return &memorySessionStore{sessions: make(map[string]*memorySessionState)}
}

func (s *memorySessionStore) state(sessionID string) *memorySessionState {
	st, ok := s.sessions[sessionID]
	if !ok {
		st = &memorySessionState{unacked: make(map[int64]UnackedChunk), turnGuards: make(map[string]time.Time)}
		s.sessions[sessionID] = st
	}
	return st
}

func (s *memorySessionStore) SaveSession(_ context.Context, sessionID, _ string, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state(sessionID)
	return nil
}

func (s *memorySessionStore) DeleteSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

func (s *memorySessionStore) PutUnacked(_ context.Context, sessionID string, seq int64, chunk UnackedChunk, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state(sessionID).unacked[seq] = chunk
	return nil
}

func (s *memorySessionStore) AckUnacked(_ context.Context, sessionID string, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.state(sessionID).unacked, seq)
	return nil
}

func (s *memorySessionStore) ListUnacked(_ context.Context, sessionID string) (map[int64]UnackedChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int64]UnackedChunk, len(s.state(sessionID).unacked))
	for k, v := range s.state(sessionID).unacked {
		out[k] = v
	}
	return out, nil
}

func (s *memorySessionStore) GuardTurn(_ context.Context, sessionID, turnID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(sessionID)
	if _, seen := st.turnGuards[turnID]; seen {
		return false, nil
	}
	st.turnGuards[turnID] = time.Now().UTC()
	return true, nil
}

func (s *memorySessionStore) SweepTurnGuards(_ context.Context, sessionID string, olderThan time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(sessionID)
	cutoff := time.Now().UTC().Add(-olderThan)
	for turnID, ts := range st.turnGuards {
		if ts.Before(cutoff) {
			delete(st.turnGuards, turnID)
		}
	}
	return nil
}
