package databases

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// MemoryPersona is one user's rolling coaching profile: current skill
// level, recurring weaknesses, the last evaluation summary, and the
// actions a coach recommended next. One row per (tenant_id, user_id),
// upserted in place rather than versioned like MemoryKnowledge.
type MemoryPersona struct {
	TenantID         string                 `json:"tenant_id"`
	UserID           string                 `json:"user_id"`
	Level            string                 `json:"level,omitempty"`
	WeaknessTags     []string               `json:"weakness_tags,omitempty"`
	LastEvalSummary  string                 `json:"last_eval_summary,omitempty"`
	LastImprovements []string               `json:"last_improvements,omitempty"`
	NextActions      []string               `json:"next_actions,omitempty"`
	HistoryStats     map[string]interface{} `json:"history_stats,omitempty"`
	UpdatedAt        time.Time              `json:"updated_at"`
}

// PersonaStore persists the per-user coaching persona row.
type PersonaStore interface {
	Upsert(ctx context.Context, p MemoryPersona) (MemoryPersona, error)
	Get(ctx context.Context, tenantID, userID string) (MemoryPersona, bool, error)
}

// --- Postgres implementation ---

type pgPersona struct{ pool *pgxpool.Pool }

func NewPostgresPersona(pool *pgxpool.Pool) PersonaStore {
	ctx := context.Background()
	_, _ = pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS memory_persona (
  tenant_id TEXT NOT NULL,
  user_id TEXT NOT NULL,
  level TEXT NOT NULL DEFAULT '',
  weakness_tags JSONB NOT NULL DEFAULT '[]'::jsonb,
  last_eval_summary TEXT NOT NULL DEFAULT '',
  last_improvements JSONB NOT NULL DEFAULT '[]'::jsonb,
  next_actions JSONB NOT NULL DEFAULT '[]'::jsonb,
  history_stats JSONB NOT NULL DEFAULT '{}'::jsonb,
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  PRIMARY KEY (tenant_id, user_id)
);
`)
	return &pgPersona{pool: pool}
}

func (p *pgPersona) Upsert(ctx context.Context, m MemoryPersona) (MemoryPersona, error) {
	weakness, _ := json.Marshal(m.WeaknessTags)
	improvements, _ := json.Marshal(m.LastImprovements)
	actions, _ := json.Marshal(m.NextActions)
	stats := mapAnyToJSON(m.HistoryStats)
	_, err := p.pool.Exec(ctx, `
INSERT INTO memory_persona(tenant_id, user_id, level, weakness_tags, last_eval_summary, last_improvements,
  next_actions, history_stats, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8, now())
ON CONFLICT (tenant_id, user_id) DO UPDATE SET
  level=EXCLUDED.level, weakness_tags=EXCLUDED.weakness_tags, last_eval_summary=EXCLUDED.last_eval_summary,
  last_improvements=EXCLUDED.last_improvements, next_actions=EXCLUDED.next_actions,
  history_stats=EXCLUDED.history_stats, updated_at=now()
`, m.TenantID, m.UserID, m.Level, weakness, m.LastEvalSummary, improvements, actions, stats)
	return m, err
}

func (p *pgPersona) Get(ctx context.Context, tenantID, userID string) (MemoryPersona, bool, error) {
	row := p.pool.QueryRow(ctx, `
SELECT tenant_id, user_id, level, weakness_tags, last_eval_summary, last_improvements, next_actions,
  history_stats, updated_at
FROM memory_persona WHERE tenant_id=$1 AND user_id=$2
`, tenantID, userID)
	m, err := scanPersona(row)
	if err == pgx.ErrNoRows {
		return MemoryPersona{}, false, nil
	}
	if err != nil {
		return MemoryPersona{}, false, err
	}
	return m, true, nil
}

func scanPersona(row rowScanner) (MemoryPersona, error) {
	var m MemoryPersona
	var weakness, improvements, actions, stats []byte
	if err := row.Scan(&m.TenantID, &m.UserID, &m.Level, &weakness, &m.LastEvalSummary, &improvements,
		&actions, &stats, &m.UpdatedAt); err != nil {
		return MemoryPersona{}, err
	}
	_ = json.Unmarshal(weakness, &m.WeaknessTags)
	_ = json.Unmarshal(improvements, &m.LastImprovements)
	_ = json.Unmarshal(actions, &m.NextActions)
	_ = json.Unmarshal(stats, &m.HistoryStats)
	return m, nil
}

func mapAnyToJSON(m map[string]interface{}) []byte {
	if m == nil {
		return []byte("{}")
	}
	b, err := json.Marshal(m)
	if err != nil {
		return []byte("{}")
	}
	return b
}

// --- in-memory implementation ---

type memoryPersona struct {
	mu   sync.RWMutex
	rows map[string]MemoryPersona
}

func NewMemoryPersona() PersonaStore {
	return &memoryPersona{rows: make(map[string]MemoryPersona)}
}

func (m *memoryPersona) Upsert(_ context.Context, p MemoryPersona) (MemoryPersona, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.UpdatedAt = time.Now().UTC()
	m.rows[p.TenantID+"|"+p.UserID] = p
	return p, nil
}

func (m *memoryPersona) Get(_ context.Context, tenantID, userID string) (MemoryPersona, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.rows[tenantID+"|"+userID]
	return p, ok, nil
}
