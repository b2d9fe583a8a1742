package databases

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// OutcomeStore persists immutable outcome rows. A given OutcomeID is written
// at most once per tenant: Append of an id already stored leaves the stored
// row unchanged.
type OutcomeStore interface {
	Append(ctx context.Context, o MemoryOutcome) (MemoryOutcome, error)
	Get(ctx context.Context, tenantID, outcomeID string) (MemoryOutcome, bool, error)
}

// --- Postgres implementation ---

type pgOutcome struct{ pool *pgxpool.Pool }

func NewPostgresOutcome(pool *pgxpool.Pool) OutcomeStore {
	ctx := context.Background()
	_, _ = pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS memory_outcome (
  tenant_id TEXT NOT NULL,
  outcome_id TEXT NOT NULL,
  event_id TEXT NOT NULL DEFAULT '',
  session_id TEXT NOT NULL DEFAULT '',
  adopted BOOLEAN NOT NULL DEFAULT false,
  adopt_type TEXT NOT NULL DEFAULT '',
  stage_before TEXT NOT NULL DEFAULT '',
  stage_after TEXT NOT NULL DEFAULT '',
  eval_scores JSONB NOT NULL DEFAULT '{}'::jsonb,
  compliance_result TEXT NOT NULL DEFAULT '',
  final_result TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  PRIMARY KEY (tenant_id, outcome_id)
);
`)
	return &pgOutcome{pool: pool}
}

func (p *pgOutcome) Append(ctx context.Context, o MemoryOutcome) (MemoryOutcome, error) {
	scores, _ := json.Marshal(o.EvalScores)
	_, err := p.pool.Exec(ctx, `
INSERT INTO memory_outcome(tenant_id, outcome_id, event_id, session_id, adopted, adopt_type, stage_before,
  stage_after, eval_scores, compliance_result, final_result)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (tenant_id, outcome_id) DO NOTHING
`, o.TenantID, o.OutcomeID, o.EventID, o.SessionID, o.Adopted, o.AdoptType, o.StageBefore, o.StageAfter,
		scores, o.ComplianceResult, o.FinalResult)
	return o, err
}

func (p *pgOutcome) Get(ctx context.Context, tenantID, outcomeID string) (MemoryOutcome, bool, error) {
	row := p.pool.QueryRow(ctx, `
SELECT tenant_id, outcome_id, event_id, session_id, adopted, adopt_type, stage_before, stage_after,
  eval_scores, compliance_result, final_result, created_at
FROM memory_outcome WHERE tenant_id=$1 AND outcome_id=$2
`, tenantID, outcomeID)
	o, err := scanOutcome(row)
	if err == pgx.ErrNoRows {
		return MemoryOutcome{}, false, nil
	}
	if err != nil {
		return MemoryOutcome{}, false, err
	}
	return o, true, nil
}

func scanOutcome(row rowScanner) (MemoryOutcome, error) {
	var o MemoryOutcome
	var scores []byte
	if err := row.Scan(&o.TenantID, &o.OutcomeID, &o.EventID, &o.SessionID, &o.Adopted, &o.AdoptType,
		&o.StageBefore, &o.StageAfter, &scores, &o.ComplianceResult, &o.FinalResult, &o.CreatedAt); err != nil {
		return MemoryOutcome{}, err
	}
	_ = json.Unmarshal(scores, &o.EvalScores)
	return o, nil
}

// --- in-memory implementation ---

type memoryOutcome struct {
	mu   sync.Mutex
	rows map[string]MemoryOutcome
}

func NewMemoryOutcome() OutcomeStore { return &memoryOutcome{rows: make(map[string]MemoryOutcome)} }

func (m *memoryOutcome) Append(_ context.Context, o MemoryOutcome) (MemoryOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := o.TenantID + "|" + o.OutcomeID
	if existing, ok := m.rows[key]; ok {
		return existing, nil
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	m.rows[key] = o
	return o, nil
}

func (m *memoryOutcome) Get(_ context.Context, tenantID, outcomeID string) (MemoryOutcome, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.rows[tenantID+"|"+outcomeID]
	return o, ok, nil
}
