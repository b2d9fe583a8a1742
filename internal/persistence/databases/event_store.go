package databases

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EventStore appends MemoryEvent rows; entries are never mutated once
// written, matching the append-only invariant in the data model.
type EventStore interface {
	Append(ctx context.Context, e MemoryEvent) (MemoryEvent, error)
	Get(ctx context.Context, tenantID, eventID string) (MemoryEvent, bool, error)
	ListBySession(ctx context.Context, tenantID, sessionID string) ([]MemoryEvent, error)
}

type pgEvent struct{ pool *pgxpool.Pool }

func NewPostgresEvent(pool *pgxpool.Pool) EventStore {
	ctx := context.Background()
	_, _ = pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS memory_event (
  tenant_id TEXT NOT NULL,
  event_id TEXT NOT NULL,
  user_id TEXT NOT NULL DEFAULT '',
  session_id TEXT NOT NULL DEFAULT '',
  channel TEXT NOT NULL DEFAULT '',
  turn_index INT NOT NULL DEFAULT 0,
  speaker TEXT NOT NULL DEFAULT '',
  raw_text_ref TEXT NOT NULL DEFAULT '',
  summary TEXT NOT NULL DEFAULT '',
  intent_top1 TEXT NOT NULL DEFAULT '',
  intent_topk JSONB NOT NULL DEFAULT '[]'::jsonb,
  stage TEXT NOT NULL DEFAULT '',
  objection_type TEXT NOT NULL DEFAULT '',
  entities JSONB NOT NULL DEFAULT '[]'::jsonb,
  sentiment TEXT NOT NULL DEFAULT '',
  tension DOUBLE PRECISION NOT NULL DEFAULT 0,
  compliance_flags JSONB NOT NULL DEFAULT '[]'::jsonb,
  coach_suggestions_shown JSONB NOT NULL DEFAULT '[]'::jsonb,
  coach_suggestions_taken JSONB NOT NULL DEFAULT '[]'::jsonb,
  metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  PRIMARY KEY (tenant_id, event_id)
);
`)
	_, _ = pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS memory_event_session_idx ON memory_event (tenant_id, session_id, turn_index)`)
	return &pgEvent{pool: pool}
}

func (p *pgEvent) Append(ctx context.Context, e MemoryEvent) (MemoryEvent, error) {
	topk, _ := json.Marshal(e.IntentTopK)
	entities, _ := json.Marshal(e.Entities)
	flags, _ := json.Marshal(e.ComplianceFlags)
	shown, _ := json.Marshal(e.CoachSuggestionsShown)
	taken, _ := json.Marshal(e.CoachSuggestionsTaken)
	meta := mapToJSON(e.Metadata)
	_, err := p.pool.Exec(ctx, `
INSERT INTO memory_event(tenant_id, event_id, user_id, session_id, channel, turn_index, speaker,
  raw_text_ref, summary, intent_top1, intent_topk, stage, objection_type, entities, sentiment, tension,
  compliance_flags, coach_suggestions_shown, coach_suggestions_taken, metadata)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
ON CONFLICT (tenant_id, event_id) DO NOTHING
`, e.TenantID, e.EventID, e.UserID, e.SessionID, e.Channel, e.TurnIndex, e.Speaker, e.RawTextRef,
		e.Summary, e.IntentTop1, topk, e.Stage, e.ObjectionType, entities, e.Sentiment, e.Tension,
		flags, shown, taken, meta)
	return e, err
}

func (p *pgEvent) Get(ctx context.Context, tenantID, eventID string) (MemoryEvent, bool, error) {
	row := p.pool.QueryRow(ctx, `
SELECT tenant_id, event_id, user_id, session_id, channel, turn_index, speaker, raw_text_ref, summary,
  intent_top1, intent_topk, stage, objection_type, entities, sentiment, tension, compliance_flags,
  coach_suggestions_shown, coach_suggestions_taken, metadata, created_at
FROM memory_event WHERE tenant_id=$1 AND event_id=$2
`, tenantID, eventID)
	e, err := scanEvent(row)
	if err != nil {
		return MemoryEvent{}, false, nil
	}
	return e, true, nil
}

func (p *pgEvent) ListBySession(ctx context.Context, tenantID, sessionID string) ([]MemoryEvent, error) {
	rows, err := p.pool.Query(ctx, `
SELECT tenant_id, event_id, user_id, session_id, channel, turn_index, speaker, raw_text_ref, summary,
  intent_top1, intent_topk, stage, objection_type, entities, sentiment, tension, compliance_flags,
  coach_suggestions_shown, coach_suggestions_taken, metadata, created_at
FROM memory_event WHERE tenant_id=$1 AND session_id=$2 ORDER BY turn_index ASC
`, tenantID, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []MemoryEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEvent(row rowScanner) (MemoryEvent, error) {
	var e MemoryEvent
	var topk, entities, flags, shown, taken []byte
	var meta map[string]string
	if err := row.Scan(&e.TenantID, &e.EventID, &e.UserID, &e.SessionID, &e.Channel, &e.TurnIndex, &e.Speaker,
		&e.RawTextRef, &e.Summary, &e.IntentTop1, &topk, &e.Stage, &e.ObjectionType, &entities, &e.Sentiment,
		&e.Tension, &flags, &shown, &taken, &meta, &e.CreatedAt); err != nil {
		return MemoryEvent{}, err
	}
	_ = json.Unmarshal(topk, &e.IntentTopK)
	_ = json.Unmarshal(entities, &e.Entities)
	_ = json.Unmarshal(flags, &e.ComplianceFlags)
	_ = json.Unmarshal(shown, &e.CoachSuggestionsShown)
	_ = json.Unmarshal(taken, &e.CoachSuggestionsTaken)
	e.Metadata = meta
	return e, nil
}

// --- in-memory implementation ---

type memoryEvent struct {
	mu   sync.Mutex
	rows map[string]MemoryEvent
}

func NewMemoryEvent() EventStore { return &memoryEvent{rows: make(map[string]MemoryEvent)} }

func (m *memoryEvent) Append(_ context.Context, e MemoryEvent) (MemoryEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := e.TenantID + "|" + e.EventID
	if _, exists := m.rows[key]; exists {
		return e, nil
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	m.rows[key] = e
	return e, nil
}

func (m *memoryEvent) Get(_ context.Context, tenantID, eventID string) (MemoryEvent, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.rows[tenantID+"|"+eventID]
	return e, ok, nil
}

func (m *memoryEvent) ListBySession(_ context.Context, tenantID, sessionID string) ([]MemoryEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []MemoryEvent
	for _, e := range m.rows {
		if e.TenantID == tenantID && e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TurnIndex < out[j].TurnIndex })
	return out, nil
}
