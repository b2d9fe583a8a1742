// Package httpapi exposes the memory substrate's HTTP surface (§6): a
// thin bearer-token auth layer, the memory write/query/comply/trace
// endpoints, and the health snapshot, all over the standard library
// net/http.ServeMux with Go 1.22+ method+path routing.
package httpapi

import (
	"net/http"

	"salesmesh/internal/audit"
	"salesmesh/internal/bus"
	"salesmesh/internal/compliance"
	"salesmesh/internal/config"
	"salesmesh/internal/health"
	"salesmesh/internal/observability"
	"salesmesh/internal/persistence/databases"
	"salesmesh/internal/ratelimit"
	"salesmesh/internal/retrieve"
	"salesmesh/internal/wsrouter"
)

// Server wires the memory substrate's domain packages to HTTP handlers.
type Server struct {
	mux  *http.ServeMux
	auth *tokenAuth
	env  string

	adminUsername string
	adminPassword string
	corsOrigins   []string

	retriever  *retrieve.Retriever
	compliance *compliance.Checker
	health     *health.Registry
	recorder   *audit.Recorder

	events    databases.EventStore
	outcomes  databases.OutcomeStore
	persona   databases.PersonaStore
	knowledge databases.KnowledgeStore
	strategy  databases.StrategyStore
	auditRows databases.AuditStore
	bus       bus.Bus
	ws        *wsrouter.Router
	ratelimiter *ratelimit.Limiter

	log     observability.Logger
	metrics observability.Metrics
}

// Deps bundles everything NewServer needs; one struct keeps cmd/coachd's
// wiring call readable despite the number of collaborators.
type Deps struct {
	Config     config.Config
	Retriever  *retrieve.Retriever
	Compliance *compliance.Checker
	Health     *health.Registry
	Recorder   *audit.Recorder
	Events     databases.EventStore
	Outcomes   databases.OutcomeStore
	Persona    databases.PersonaStore
	Knowledge  databases.KnowledgeStore
	Strategy   databases.StrategyStore
	AuditRows  databases.AuditStore
	Bus        bus.Bus
	WS         *wsrouter.Router
	RateLimit  *ratelimit.Limiter
	Log        observability.Logger
	Metrics    observability.Metrics
}

func NewServer(d Deps) *Server {
	s := &Server{
		mux:           http.NewServeMux(),
		auth:          newTokenAuth(d.Config.Secret),
		env:           d.Config.Env,
		adminUsername: d.Config.Auth.AdminUsername,
		adminPassword: d.Config.Auth.AdminPassword,
		corsOrigins:   d.Config.Auth.CORSOrigins,
		retriever:     d.Retriever,
		compliance:    d.Compliance,
		health:        d.Health,
		recorder:      d.Recorder,
		events:        d.Events,
		outcomes:      d.Outcomes,
		persona:       d.Persona,
		knowledge:     d.Knowledge,
		strategy:      d.Strategy,
		auditRows:     d.AuditRows,
		bus:           d.Bus,
		ws:            d.WS,
		ratelimiter:   d.RateLimit,
		log:           d.Log,
		metrics:       d.Metrics,
	}
	if s.log == nil {
		s.log = observability.NoopLogger{}
	}
	if s.metrics == nil {
		s.metrics = observability.NoopMetrics{}
	}
	s.registerRoutes()
	return s
}

// Handler returns the CORS-wrapped root handler for cmd/coachd to serve.
func (s *Server) Handler() http.Handler {
	return withCORS(s.corsOrigins, s.mux)
}

// ServeHTTP satisfies http.Handler directly (e.g. for httptest, which
// bypasses the CORS wrapper so tests can assert on plain JSON bodies).
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("POST /api/v1/auth/token", s.handleLogin)
	s.mux.HandleFunc("GET /api/v1/auth/me", s.withAuth(s.handleMe))

	s.mux.HandleFunc("POST /api/v1/memory/write/event", s.withRequestContext(s.withAuth(s.handleWriteEvent)))
	s.mux.HandleFunc("POST /api/v1/memory/write/outcome", s.withRequestContext(s.withAuth(s.handleWriteOutcome)))
	s.mux.HandleFunc("POST /api/v1/memory/write/persona", s.withRequestContext(s.withAuth(s.handleWritePersona)))
	s.mux.HandleFunc("POST /api/v1/memory/write/knowledge", s.withRequestContext(s.withAuth(s.handleWriteKnowledge)))
	s.mux.HandleFunc("POST /api/v1/memory/write/strategy", s.withRequestContext(s.withAuth(s.handleWriteStrategy)))

	s.mux.HandleFunc("POST /api/v1/memory/query", s.withRequestContext(s.withAuth(s.withRateLimit(s.handleQuery))))
	s.mux.HandleFunc("POST /api/v1/memory/comply/check", s.withRequestContext(s.withAuth(s.withRateLimit(s.handleComplyCheck))))
	s.mux.HandleFunc("POST /api/v1/memory/trace", s.withRequestContext(s.withAuth(s.handleTrace)))

	s.mux.HandleFunc("GET /health", s.handleHealth)

	if s.ws != nil {
		s.mux.HandleFunc("GET /ws/{session_id}", s.handleWebSocket)
	}
}
