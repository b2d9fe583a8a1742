package databases

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// StrategyFilter narrows a strategy lookup to one tenant and, optionally,
// the trigger columns used for routing (intent/stage/objection type).
type StrategyFilter struct {
	TenantID      string
	Intent        string
	Stage         string
	ObjectionType string
}

// StrategyStore persists coaching strategy rows, including their stats.
type StrategyStore interface {
	Upsert(ctx context.Context, s MemoryStrategyUnit) (MemoryStrategyUnit, error)
	Get(ctx context.Context, tenantID, strategyID string) (MemoryStrategyUnit, bool, error)
	ListEffective(ctx context.Context, f StrategyFilter, asOf time.Time) ([]MemoryStrategyUnit, error)
	MarkUsed(ctx context.Context, tenantID, strategyID string, at time.Time) error
	// UpdateStats applies fn to the row's stats atomically and persists the
	// result; used by the outcome aggregator so concurrent outcomes never
	// interleave a read-modify-write across goroutines.
	UpdateStats(ctx context.Context, tenantID, strategyID string, fn func(*StrategyStats)) (StrategyStats, error)
	// AppendEvidenceEventID appends eventID to evidence_event_ids iff not
	// already present. It is a write of its own, separate from UpdateStats
	// (the outcome aggregator calls both per event).
	AppendEvidenceEventID(ctx context.Context, tenantID, strategyID, eventID string) error
}

// --- Postgres implementation ---

type pgStrategy struct {
	pool *pgxpool.Pool
	mu   sync.Mutex // serializes UpdateStats read-modify-write per process
}

func NewPostgresStrategy(pool *pgxpool.Pool) StrategyStore {
	ctx := context.Background()
	_, _ = pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS memory_strategy_unit (
  tenant_id TEXT NOT NULL,
  strategy_id TEXT NOT NULL,
  type TEXT NOT NULL DEFAULT '',
  intent TEXT NOT NULL DEFAULT '',
  stage TEXT NOT NULL DEFAULT '',
  objection_type TEXT NOT NULL DEFAULT '',
  level TEXT NOT NULL DEFAULT '',
  trigger_condition JSONB NOT NULL DEFAULT '{}'::jsonb,
  steps JSONB NOT NULL DEFAULT '[]'::jsonb,
  scripts JSONB NOT NULL DEFAULT '[]'::jsonb,
  dos_donts JSONB NOT NULL DEFAULT '{}'::jsonb,
  evidence_event_ids JSONB NOT NULL DEFAULT '[]'::jsonb,
  stats JSONB NOT NULL DEFAULT '{}'::jsonb,
  is_enabled BOOLEAN NOT NULL DEFAULT true,
  effective_from DATE NOT NULL,
  effective_to DATE,
  last_used_at TIMESTAMPTZ,
  use_count INT NOT NULL DEFAULT 0,
  decay_score DOUBLE PRECISION NOT NULL DEFAULT 1,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  PRIMARY KEY (tenant_id, strategy_id)
);
`)
	_, _ = pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS memory_strategy_lookup_idx ON memory_strategy_unit (tenant_id, intent, stage, objection_type, is_enabled)`)
	return &pgStrategy{pool: pool}
}

func (p *pgStrategy) Upsert(ctx context.Context, s MemoryStrategyUnit) (MemoryStrategyUnit, error) {
	trig, _ := json.Marshal(s.TriggerCondition)
	steps, _ := json.Marshal(s.Steps)
	scripts, _ := json.Marshal(s.Scripts)
	dosDonts, _ := json.Marshal(s.DosDonts)
	evidence, _ := json.Marshal(s.EvidenceEventIDs)
	stats, _ := json.Marshal(s.Stats)
	_, err := p.pool.Exec(ctx, `
INSERT INTO memory_strategy_unit(tenant_id, strategy_id, type, intent, stage, objection_type, level,
  trigger_condition, steps, scripts, dos_donts, evidence_event_ids, stats, is_enabled, effective_from,
  effective_to, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16, now())
ON CONFLICT (tenant_id, strategy_id) DO UPDATE SET
  type=EXCLUDED.type, intent=EXCLUDED.intent, stage=EXCLUDED.stage, objection_type=EXCLUDED.objection_type,
  level=EXCLUDED.level, trigger_condition=EXCLUDED.trigger_condition, steps=EXCLUDED.steps,
  scripts=EXCLUDED.scripts, dos_donts=EXCLUDED.dos_donts, evidence_event_ids=EXCLUDED.evidence_event_ids,
  is_enabled=EXCLUDED.is_enabled, effective_from=EXCLUDED.effective_from, effective_to=EXCLUDED.effective_to,
  updated_at=now()
`, s.TenantID, s.StrategyID, s.Type, s.Intent, s.Stage, s.ObjectionType, s.Level, trig, steps, scripts,
		dosDonts, evidence, stats, s.IsEnabled, s.EffectiveFrom, s.EffectiveTo)
	return s, err
}

func (p *pgStrategy) Get(ctx context.Context, tenantID, strategyID string) (MemoryStrategyUnit, bool, error) {
	row := p.pool.QueryRow(ctx, `
SELECT tenant_id, strategy_id, type, intent, stage, objection_type, level, trigger_condition, steps,
  scripts, dos_donts, evidence_event_ids, stats, is_enabled, effective_from, effective_to, last_used_at,
  use_count, decay_score, created_at, updated_at
FROM memory_strategy_unit WHERE tenant_id=$1 AND strategy_id=$2
`, tenantID, strategyID)
	s, err := scanStrategy(row)
	if err == pgx.ErrNoRows {
		return MemoryStrategyUnit{}, false, nil
	}
	if err != nil {
		return MemoryStrategyUnit{}, false, err
	}
	return s, true, nil
}

func (p *pgStrategy) ListEffective(ctx context.Context, f StrategyFilter, asOf time.Time) ([]MemoryStrategyUnit, error) {
	rows, err := p.pool.Query(ctx, `
SELECT tenant_id, strategy_id, type, intent, stage, objection_type, level, trigger_condition, steps,
  scripts, dos_donts, evidence_event_ids, stats, is_enabled, effective_from, effective_to, last_used_at,
  use_count, decay_score, created_at, updated_at
FROM memory_strategy_unit
WHERE tenant_id=$1 AND is_enabled=true AND effective_from <= $2
  AND (effective_to IS NULL OR effective_to >= $2)
  AND ($3 = '' OR intent = $3)
  AND ($4 = '' OR stage = $4)
  AND ($5 = '' OR objection_type = $5)
`, f.TenantID, asOf, f.Intent, f.Stage, f.ObjectionType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []MemoryStrategyUnit
	for rows.Next() {
		s, err := scanStrategy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *pgStrategy) MarkUsed(ctx context.Context, tenantID, strategyID string, at time.Time) error {
	_, err := p.pool.Exec(ctx, `
UPDATE memory_strategy_unit SET last_used_at=$3, use_count=use_count+1, updated_at=now()
WHERE tenant_id=$1 AND strategy_id=$2
`, tenantID, strategyID, at)
	return err
}

func (p *pgStrategy) UpdateStats(ctx context.Context, tenantID, strategyID string, fn func(*StrategyStats)) (StrategyStats, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok, err := p.Get(ctx, tenantID, strategyID)
	if err != nil {
		return StrategyStats{}, err
	}
	if !ok {
		return StrategyStats{}, ErrNotFound
	}
	fn(&s.Stats)
	stats, _ := json.Marshal(s.Stats)
	_, err = p.pool.Exec(ctx, `UPDATE memory_strategy_unit SET stats=$3, updated_at=now() WHERE tenant_id=$1 AND strategy_id=$2`,
		tenantID, strategyID, stats)
	return s.Stats, err
}

func (p *pgStrategy) AppendEvidenceEventID(ctx context.Context, tenantID, strategyID, eventID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok, err := p.Get(ctx, tenantID, strategyID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	if containsString(s.EvidenceEventIDs, eventID) {
		return nil
	}
	s.EvidenceEventIDs = append(s.EvidenceEventIDs, eventID)
	evidence, _ := json.Marshal(s.EvidenceEventIDs)
	_, err = p.pool.Exec(ctx, `UPDATE memory_strategy_unit SET evidence_event_ids=$3, updated_at=now() WHERE tenant_id=$1 AND strategy_id=$2`,
		tenantID, strategyID, evidence)
	return err
}

func containsString(ss []string, v string) bool {
	for _, s := range ss {
		if s == v {
			return true
		}
	}
	return false
}

func scanStrategy(row rowScanner) (MemoryStrategyUnit, error) {
	var s MemoryStrategyUnit
	var trig, steps, scripts, dosDonts, evidence, stats []byte
	if err := row.Scan(&s.TenantID, &s.StrategyID, &s.Type, &s.Intent, &s.Stage, &s.ObjectionType, &s.Level,
		&trig, &steps, &scripts, &dosDonts, &evidence, &stats, &s.IsEnabled, &s.EffectiveFrom, &s.EffectiveTo,
		&s.LastUsedAt, &s.UseCount, &s.DecayScore, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return MemoryStrategyUnit{}, err
	}
	_ = json.Unmarshal(trig, &s.TriggerCondition)
	_ = json.Unmarshal(steps, &s.Steps)
	_ = json.Unmarshal(scripts, &s.Scripts)
	_ = json.Unmarshal(dosDonts, &s.DosDonts)
	_ = json.Unmarshal(evidence, &s.EvidenceEventIDs)
	_ = json.Unmarshal(stats, &s.Stats)
	return s, nil
}

// --- in-memory implementation ---

type memoryStrategy struct {
	mu   sync.Mutex
	rows map[string]MemoryStrategyUnit // key: tenant|strategy_id
}

func NewMemoryStrategy() StrategyStore {
	return &memoryStrategy{rows: make(map[string]MemoryStrategyUnit)}
}

func strategyKey(tenant, id string) string { return tenant + "|" + id }

func (m *memoryStrategy) Upsert(_ context.Context, s MemoryStrategyUnit) (MemoryStrategyUnit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	m.rows[strategyKey(s.TenantID, s.StrategyID)] = s
	return s, nil
}

func (m *memoryStrategy) Get(_ context.Context, tenantID, strategyID string) (MemoryStrategyUnit, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[strategyKey(tenantID, strategyID)]
	return s, ok, nil
}

func (m *memoryStrategy) ListEffective(_ context.Context, f StrategyFilter, asOf time.Time) ([]MemoryStrategyUnit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []MemoryStrategyUnit
	for _, s := range m.rows {
		if s.TenantID != f.TenantID {
			continue
		}
		if f.Intent != "" && s.Intent != f.Intent {
			continue
		}
		if f.Stage != "" && s.Stage != f.Stage {
			continue
		}
		if f.ObjectionType != "" && s.ObjectionType != f.ObjectionType {
			continue
		}
		if !s.Retrievable(asOf) {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StrategyID < out[j].StrategyID })
	return out, nil
}

func (m *memoryStrategy) MarkUsed(_ context.Context, tenantID, strategyID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := strategyKey(tenantID, strategyID)
	s, ok := m.rows[key]
	if !ok {
		return nil
	}
	t := at
	s.LastUsedAt = &t
	s.UseCount++
	m.rows[key] = s
	return nil
}

func (m *memoryStrategy) UpdateStats(_ context.Context, tenantID, strategyID string, fn func(*StrategyStats)) (StrategyStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := strategyKey(tenantID, strategyID)
	s, ok := m.rows[key]
	if !ok {
		return StrategyStats{}, ErrNotFound
	}
	fn(&s.Stats)
	m.rows[key] = s
	return s.Stats, nil
}

func (m *memoryStrategy) AppendEvidenceEventID(_ context.Context, tenantID, strategyID, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := strategyKey(tenantID, strategyID)
	s, ok := m.rows[key]
	if !ok {
		return ErrNotFound
	}
	if containsString(s.EvidenceEventIDs, eventID) {
		return nil
	}
	s.EvidenceEventIDs = append(s.EvidenceEventIDs, eventID)
	m.rows[key] = s
	return nil
}
