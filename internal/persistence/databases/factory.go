package databases

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"salesmesh/internal/config"
)

// NewManager constructs database backends based on configuration.
// Relational rows (knowledge/strategy/event/outcome/audit) share one
// Postgres pool when DATABASE_URL is set; recall backends (search/vector)
// are independently selectable so a deployment can mix Qdrant or pgvector
// for vectors with Postgres full text search, or fall back to in-memory
// stores entirely for tests and local dev.
func NewManager(ctx context.Context, cfg config.DBConfig) (Manager, error) {
	var m Manager
	searchDSN := firstNonEmpty(cfg.Search.DSN, cfg.DefaultDSN)
	vectorDSN := firstNonEmpty(cfg.Vector.DSN, cfg.DefaultDSN)
	relDSN := firstNonEmpty(cfg.Relational.DSN, cfg.DefaultDSN)

	switch cfg.Search.Backend {
	case "", "memory":
		m.Search = NewMemorySearch()
	case "auto":
		if searchDSN != "" {
			if p, err := newPgPool(ctx, searchDSN); err == nil {
				m.Search = NewPostgresSearch(p)
			} else {
				m.Search = NewMemorySearch()
			}
		} else {
			m.Search = NewMemorySearch()
		}
	case "postgres", "pg":
		if searchDSN == "" {
			return Manager{}, fmt.Errorf("search backend postgres requires DSN")
		}
		p, err := newPgPool(ctx, searchDSN)
		if err != nil {
			return Manager{}, fmt.Errorf("connect postgres (search): %w", err)
		}
		m.Search = NewPostgresSearch(p)
	case "none", "disabled":
		m.Search = noopSearch{}
	default:
		return Manager{}, fmt.Errorf("unsupported search backend: %s", cfg.Search.Backend)
	}

	switch cfg.Vector.Backend {
	case "", "memory":
		m.Vector = NewMemoryVector()
	case "auto":
		if vectorDSN != "" {
			if p, err := newPgPool(ctx, vectorDSN); err == nil {
				m.Vector = NewPostgresVector(p, cfg.Vector.Dimensions, cfg.Vector.Metric)
			} else {
				m.Vector = NewMemoryVector()
			}
		} else {
			m.Vector = NewMemoryVector()
		}
	case "postgres", "pgvector", "pg":
		if vectorDSN == "" {
			return Manager{}, fmt.Errorf("vector backend postgres requires DSN")
		}
		p, err := newPgPool(ctx, vectorDSN)
		if err != nil {
			return Manager{}, fmt.Errorf("connect postgres (vector): %w", err)
		}
		m.Vector = NewPostgresVector(p, cfg.Vector.Dimensions, cfg.Vector.Metric)
	case "qdrant":
		if cfg.Vector.DSN == "" {
			return Manager{}, fmt.Errorf("vector backend qdrant requires DSN")
		}
		v, err := NewQdrantVector(cfg.Vector.DSN, cfg.Vector.Collection, cfg.Vector.Dimensions, cfg.Vector.Metric)
		if err != nil {
			return Manager{}, fmt.Errorf("connect qdrant: %w", err)
		}
		m.Vector = v
	case "none", "disabled":
		m.Vector = noopVector{}
	default:
		return Manager{}, fmt.Errorf("unsupported vector backend: %s", cfg.Vector.Backend)
	}

	// Knowledge/strategy/event/outcome/audit share one relational pool.
	var relPool *pgxpool.Pool
	if cfg.Relational.Backend == "postgres" || cfg.Relational.Backend == "pg" ||
		(cfg.Relational.Backend == "" && relDSN != "") {
		if relDSN == "" {
			return Manager{}, fmt.Errorf("relational backend postgres requires DSN")
		}
		p, err := newPgPool(ctx, relDSN)
		if err != nil {
			return Manager{}, fmt.Errorf("connect postgres (relational): %w", err)
		}
		relPool = p
	}
	if cfg.Relational.Backend == "auto" && relDSN != "" {
		if p, err := newPgPool(ctx, relDSN); err == nil {
			relPool = p
		}
	}

	if relPool != nil {
		m.Knowledge = NewPostgresKnowledge(relPool)
		m.Strategy = NewPostgresStrategy(relPool)
		m.Event = NewPostgresEvent(relPool)
		m.Outcome = NewPostgresOutcome(relPool)
		m.Audit = NewPostgresAudit(relPool)
		m.Persona = NewPostgresPersona(relPool)
	} else {
		m.Knowledge = NewMemoryKnowledge()
		m.Strategy = NewMemoryStrategy()
		m.Event = NewMemoryEvent()
		m.Outcome = NewMemoryOutcome()
		m.Audit = NewMemoryAudit()
		m.Persona = NewMemoryPersona()
	}
	return m, nil
}

// no-op backends for "none" configuration
type noopSearch struct{}

func (noopSearch) Index(context.Context, string, string, map[string]string) error { return nil }
func (noopSearch) Remove(context.Context, string) error                          { return nil }
func (noopSearch) Search(context.Context, string, int) ([]SearchResult, error)    { return nil, nil }

type noopVector struct{}

func (noopVector) Upsert(context.Context, string, []float32, map[string]string) error { return nil }
func (noopVector) Delete(context.Context, string) error                               { return nil }
func (noopVector) SimilaritySearch(context.Context, []float32, int, map[string]string) ([]VectorResult, error) {
	return nil, nil
}

// helpers
func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func newPgPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 8
	cfg.MinConns = 0
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 5 * time.Minute
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	cctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := pool.Ping(cctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}
