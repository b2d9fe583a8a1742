package databases

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditStore persists one append-only row per memory request, used by the
// production+AUDIT_LOG_ENABLED strict-audit path as well as tracing.
type AuditStore interface {
	Append(ctx context.Context, a MemoryAudit) (MemoryAudit, error)
	GetByRequestID(ctx context.Context, tenantID, requestID string) (MemoryAudit, bool, error)
}

// --- Postgres implementation ---

type pgAudit struct{ pool *pgxpool.Pool }

func NewPostgresAudit(pool *pgxpool.Pool) AuditStore {
	ctx := context.Background()
	_, _ = pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS memory_audit (
  tenant_id TEXT NOT NULL,
  request_id TEXT NOT NULL,
  user_id TEXT NOT NULL DEFAULT '',
  session_id TEXT NOT NULL DEFAULT '',
  input_digest TEXT NOT NULL DEFAULT '',
  route TEXT NOT NULL DEFAULT '',
  retrieved_ids JSONB NOT NULL DEFAULT '[]'::jsonb,
  citations JSONB NOT NULL DEFAULT '[]'::jsonb,
  compliance_hits JSONB NOT NULL DEFAULT '[]'::jsonb,
  output_digest TEXT NOT NULL DEFAULT '',
  metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  PRIMARY KEY (tenant_id, request_id)
);
`)
	return &pgAudit{pool: pool}
}

func (p *pgAudit) Append(ctx context.Context, a MemoryAudit) (MemoryAudit, error) {
	retrieved, _ := json.Marshal(a.RetrievedIDs)
	citations, _ := json.Marshal(a.Citations)
	hits, _ := json.Marshal(a.ComplianceHits)
	meta := mapToJSON(a.Metadata)
	_, err := p.pool.Exec(ctx, `
INSERT INTO memory_audit(tenant_id, request_id, user_id, session_id, input_digest, route, retrieved_ids,
  citations, compliance_hits, output_digest, metadata)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (tenant_id, request_id) DO NOTHING
`, a.TenantID, a.RequestID, a.UserID, a.SessionID, a.InputDigest, a.Route, retrieved, citations, hits,
		a.OutputDigest, meta)
	return a, err
}

func (p *pgAudit) GetByRequestID(ctx context.Context, tenantID, requestID string) (MemoryAudit, bool, error) {
	row := p.pool.QueryRow(ctx, `
SELECT tenant_id, request_id, user_id, session_id, input_digest, route, retrieved_ids, citations,
  compliance_hits, output_digest, metadata, created_at
FROM memory_audit WHERE tenant_id=$1 AND request_id=$2
`, tenantID, requestID)
	a, err := scanAudit(row)
	if err == pgx.ErrNoRows {
		return MemoryAudit{}, false, nil
	}
	if err != nil {
		return MemoryAudit{}, false, err
	}
	return a, true, nil
}

func scanAudit(row rowScanner) (MemoryAudit, error) {
	var a MemoryAudit
	var retrieved, citations, hits []byte
	var meta map[string]string
	if err := row.Scan(&a.TenantID, &a.RequestID, &a.UserID, &a.SessionID, &a.InputDigest, &a.Route,
		&retrieved, &citations, &hits, &a.OutputDigest, &meta, &a.CreatedAt); err != nil {
		return MemoryAudit{}, err
	}
	_ = json.Unmarshal(retrieved, &a.RetrievedIDs)
	_ = json.Unmarshal(citations, &a.Citations)
	_ = json.Unmarshal(hits, &a.ComplianceHits)
	a.Metadata = meta
	return a, nil
}

// --- in-memory implementation ---

type memoryAudit struct {
	mu   sync.Mutex
	rows map[string]MemoryAudit
}

func NewMemoryAudit() AuditStore { return &memoryAudit{rows: make(map[string]MemoryAudit)} }

func (m *memoryAudit) Append(_ context.Context, a MemoryAudit) (MemoryAudit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := a.TenantID + "|" + a.RequestID
	if existing, ok := m.rows[key]; ok {
		return existing, nil
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	m.rows[key] = a
	return a, nil
}

func (m *memoryAudit) GetByRequestID(_ context.Context, tenantID, requestID string) (MemoryAudit, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.rows[tenantID+"|"+requestID]
	return a, ok, nil
}
