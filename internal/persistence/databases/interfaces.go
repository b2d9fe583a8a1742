package databases

import (
	"context"
	"errors"
)

// ErrNotFound is returned by StrategyStore.UpdateStats and
// AppendEvidenceEventID when the strategy row does not exist, in both the
// Postgres and in-memory backends. Get lookups report a missing row with
// ok=false and a nil error instead.
var ErrNotFound = errors.New("databases: not found")

// SearchResult represents a single hit from the full-text search backend.
type SearchResult struct {
	ID       string
	Score    float64
	Snippet  string
	Text     string
	Metadata map[string]string
}

// FullTextSearch defines the minimum interface for a pluggable FTS backend.
// Nothing in this module indexes knowledge or strategy rows here; the
// retriever recalls them from KnowledgeStore/StrategyStore and VectorStore.
type FullTextSearch interface {
	Index(ctx context.Context, id string, text string, metadata map[string]string) error
	Remove(ctx context.Context, id string) error
	Search(ctx context.Context, query string, limit int) ([]SearchResult, error)
}

// ChunkSearcher is an optional capability of a FullTextSearch backend that
// supports language-aware, metadata-filtered recall plus row lookup by id.
type ChunkSearcher interface {
	SearchChunks(ctx context.Context, query, lang string, limit int, filter map[string]string) ([]SearchResult, error)
	GetByID(ctx context.Context, id string) (SearchResult, bool, error)
}

// VectorResult represents a single nearest neighbor lookup result.
type VectorResult struct {
	ID       string
	Score    float64 // Higher is closer by default
	Metadata map[string]string
}

// VectorStore defines the minimum interface for a pluggable vector store.
type VectorStore interface {
	Upsert(ctx context.Context, id string, vector []float32, metadata map[string]string) error
	Delete(ctx context.Context, id string) error
	SimilaritySearch(ctx context.Context, vector []float32, k int, filter map[string]string) ([]VectorResult, error)
}

// Manager holds concrete database backends resolved from configuration.
type Manager struct {
	Search   FullTextSearch
	Vector   VectorStore
	Knowledge KnowledgeStore
	Strategy StrategyStore
	Event    EventStore
	Outcome  OutcomeStore
	Audit    AuditStore
	Persona  PersonaStore
}

// Close attempts to close any underlying pools. It's a no-op for memory
// backends that don't implement io.Closer-shaped Close().
func (m Manager) Close() {
	if c, ok := any(m.Search).(interface{ Close() }); ok {
		c.Close()
	}
	if c, ok := any(m.Vector).(interface{ Close() }); ok {
		c.Close()
	}
	if c, ok := any(m.Knowledge).(interface{ Close() }); ok {
		c.Close()
	}
	if c, ok := any(m.Strategy).(interface{ Close() }); ok {
		c.Close()
	}
	if c, ok := any(m.Event).(interface{ Close() }); ok {
		c.Close()
	}
	if c, ok := any(m.Outcome).(interface{ Close() }); ok {
		c.Close()
	}
	if c, ok := any(m.Audit).(interface{ Close() }); ok {
		c.Close()
	}
}
