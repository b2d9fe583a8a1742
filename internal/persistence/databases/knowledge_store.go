package databases

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// KnowledgeFilter narrows a knowledge lookup to one tenant and, optionally,
// a domain/product; callers apply the effectivity/is_enabled invariant via
// MemoryKnowledge.Retrievable rather than duplicating it in SQL predicates
// everywhere.
type KnowledgeFilter struct {
	TenantID  string
	Domain    string
	ProductID string
}

// KnowledgeStore persists versioned knowledge rows.
type KnowledgeStore interface {
	Upsert(ctx context.Context, k MemoryKnowledge) (MemoryKnowledge, error)
	Get(ctx context.Context, tenantID, knowledgeID string, version int) (MemoryKnowledge, bool, error)
	ListEffective(ctx context.Context, f KnowledgeFilter, asOf time.Time) ([]MemoryKnowledge, error)
	MarkUsed(ctx context.Context, tenantID, knowledgeID string, version int, at time.Time) error
}

// --- Postgres implementation ---

type pgKnowledge struct{ pool *pgxpool.Pool }

func NewPostgresKnowledge(pool *pgxpool.Pool) KnowledgeStore {
	ctx := context.Background()
	_, _ = pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS memory_knowledge (
  tenant_id TEXT NOT NULL,
  knowledge_id TEXT NOT NULL,
  version INT NOT NULL,
  domain TEXT NOT NULL DEFAULT '',
  product_id TEXT NOT NULL DEFAULT '',
  structured_content TEXT NOT NULL DEFAULT '',
  source_ref TEXT NOT NULL DEFAULT '',
  effective_from DATE NOT NULL,
  effective_to DATE,
  is_enabled BOOLEAN NOT NULL DEFAULT true,
  citation_snippets JSONB NOT NULL DEFAULT '[]'::jsonb,
  last_used_at TIMESTAMPTZ,
  use_count INT NOT NULL DEFAULT 0,
  decay_score DOUBLE PRECISION NOT NULL DEFAULT 1,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  PRIMARY KEY (tenant_id, knowledge_id, version)
);
`)
	_, _ = pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS memory_knowledge_lookup_idx ON memory_knowledge (tenant_id, domain, is_enabled)`)
	return &pgKnowledge{pool: pool}
}

func (p *pgKnowledge) Upsert(ctx context.Context, k MemoryKnowledge) (MemoryKnowledge, error) {
	snippets, _ := json.Marshal(k.CitationSnippets)
	_, err := p.pool.Exec(ctx, `
INSERT INTO memory_knowledge(tenant_id, knowledge_id, version, domain, product_id, structured_content,
  source_ref, effective_from, effective_to, is_enabled, citation_snippets, last_used_at, use_count,
  decay_score, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14, now())
ON CONFLICT (tenant_id, knowledge_id, version) DO UPDATE SET
  domain=EXCLUDED.domain, product_id=EXCLUDED.product_id, structured_content=EXCLUDED.structured_content,
  source_ref=EXCLUDED.source_ref, effective_from=EXCLUDED.effective_from, effective_to=EXCLUDED.effective_to,
  is_enabled=EXCLUDED.is_enabled, citation_snippets=EXCLUDED.citation_snippets, updated_at=now()
`, k.TenantID, k.KnowledgeID, k.Version, k.Domain, k.ProductID, k.StructuredContent, k.SourceRef,
		k.EffectiveFrom, k.EffectiveTo, k.IsEnabled, snippets, k.LastUsedAt, k.UseCount, k.DecayScore)
	return k, err
}

func (p *pgKnowledge) Get(ctx context.Context, tenantID, knowledgeID string, version int) (MemoryKnowledge, bool, error) {
	row := p.pool.QueryRow(ctx, `
SELECT tenant_id, knowledge_id, version, domain, product_id, structured_content, source_ref,
  effective_from, effective_to, is_enabled, citation_snippets, last_used_at, use_count, decay_score,
  created_at, updated_at
FROM memory_knowledge WHERE tenant_id=$1 AND knowledge_id=$2 AND version=$3
`, tenantID, knowledgeID, version)
	k, err := scanKnowledge(row)
	if err == pgx.ErrNoRows {
		return MemoryKnowledge{}, false, nil
	}
	if err != nil {
		return MemoryKnowledge{}, false, err
	}
	return k, true, nil
}

func (p *pgKnowledge) ListEffective(ctx context.Context, f KnowledgeFilter, asOf time.Time) ([]MemoryKnowledge, error) {
	rows, err := p.pool.Query(ctx, `
SELECT tenant_id, knowledge_id, version, domain, product_id, structured_content, source_ref,
  effective_from, effective_to, is_enabled, citation_snippets, last_used_at, use_count, decay_score,
  created_at, updated_at
FROM memory_knowledge
WHERE tenant_id=$1 AND is_enabled=true AND effective_from <= $2
  AND (effective_to IS NULL OR effective_to >= $2)
  AND ($3 = '' OR domain = $3)
  AND ($4 = '' OR product_id = $4)
`, f.TenantID, asOf, f.Domain, f.ProductID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []MemoryKnowledge
	for rows.Next() {
		k, err := scanKnowledgeRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (p *pgKnowledge) MarkUsed(ctx context.Context, tenantID, knowledgeID string, version int, at time.Time) error {
	_, err := p.pool.Exec(ctx, `
UPDATE memory_knowledge SET last_used_at=$4, use_count=use_count+1, updated_at=now()
WHERE tenant_id=$1 AND knowledge_id=$2 AND version=$3
`, tenantID, knowledgeID, version, at)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanKnowledge(row rowScanner) (MemoryKnowledge, error) {
	return scanKnowledgeRows(row)
}

func scanKnowledgeRows(row rowScanner) (MemoryKnowledge, error) {
	var k MemoryKnowledge
	var snippets []byte
	if err := row.Scan(&k.TenantID, &k.KnowledgeID, &k.Version, &k.Domain, &k.ProductID, &k.StructuredContent,
		&k.SourceRef, &k.EffectiveFrom, &k.EffectiveTo, &k.IsEnabled, &snippets, &k.LastUsedAt, &k.UseCount,
		&k.DecayScore, &k.CreatedAt, &k.UpdatedAt); err != nil {
		return MemoryKnowledge{}, err
	}
	_ = json.Unmarshal(snippets, &k.CitationSnippets)
	return k, nil
}

// --- in-memory implementation (tests, USE_REDIS_BUS-style local dev) ---

type memoryKnowledge struct {
	mu   sync.RWMutex
	rows map[string]MemoryKnowledge // key: tenant|id|version
}

func NewMemoryKnowledge() KnowledgeStore {
	return &memoryKnowledge{rows: make(map[string]MemoryKnowledge)}
}

func knowledgeKey(tenant, id string, version int) string {
	return tenant + "|" + id + "|" + strconv.Itoa(version)
}

func (m *memoryKnowledge) Upsert(_ context.Context, k MemoryKnowledge) (MemoryKnowledge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if k.CreatedAt.IsZero() {
		k.CreatedAt = now
	}
	k.UpdatedAt = now
	m.rows[knowledgeKey(k.TenantID, k.KnowledgeID, k.Version)] = k
	return k, nil
}

func (m *memoryKnowledge) Get(_ context.Context, tenantID, knowledgeID string, version int) (MemoryKnowledge, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.rows[knowledgeKey(tenantID, knowledgeID, version)]
	return k, ok, nil
}

func (m *memoryKnowledge) ListEffective(_ context.Context, f KnowledgeFilter, asOf time.Time) ([]MemoryKnowledge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []MemoryKnowledge
	for _, k := range m.rows {
		if k.TenantID != f.TenantID {
			continue
		}
		if f.Domain != "" && k.Domain != f.Domain {
			continue
		}
		if f.ProductID != "" && k.ProductID != f.ProductID {
			continue
		}
		if !k.Retrievable(asOf) {
			continue
		}
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].KnowledgeID < out[j].KnowledgeID })
	return out, nil
}

func (m *memoryKnowledge) MarkUsed(_ context.Context, tenantID, knowledgeID string, version int, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := knowledgeKey(tenantID, knowledgeID, version)
	k, ok := m.rows[key]
	if !ok {
		return nil
	}
	t := at
	k.LastUsedAt = &t
	k.UseCount++
	m.rows[key] = k
	return nil
}
