package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"salesmesh/internal/apperrors"
	"salesmesh/internal/compliance"
	"salesmesh/internal/outcomes"
	"salesmesh/internal/persistence/databases"
	"salesmesh/internal/retrieve"
)

// --- auth ---

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	TenantID string `json:"tenant_id"`
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// handleLogin issues an opaque bearer token for the configured admin
// account. Real identity/JWT issuance is an external collaborator's
// concern (spec non-goal); this only has to satisfy the HTTP contract.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if req.Username == "" || !constantTimeEqual(req.Username, s.adminUsername) || !constantTimeEqual(req.Password, s.adminPassword) {
		respondError(w, errUnauthorized)
		return
	}
	tenantID := req.TenantID
	if tenantID == "" {
		tenantID = "default"
	}
	token, err := s.auth.issue(req.Username, tenantID)
	if err != nil {
		respondError(w, apperrors.Wrap(apperrors.Internal, "token issuance failed", err))
		return
	}
	respondJSON(w, http.StatusOK, loginResponse{AccessToken: token, TokenType: "bearer"})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	respondJSON(w, http.StatusOK, map[string]any{"username": p.Username, "tenant_id": p.TenantID})
}

// --- memory write ---

type writeResponse struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
	Data      any    `json:"data"`
}

func (s *Server) handleWriteEvent(w http.ResponseWriter, r *http.Request) {
	var e databases.MemoryEvent
	if err := decodeJSON(r, &e); err != nil {
		respondError(w, err)
		return
	}
	p := principalFrom(r.Context())
	e.TenantID = p.TenantID
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}
	e.CreatedAt = time.Now().UTC()
	created, err := s.events.Append(r.Context(), e)
	if err != nil {
		respondError(w, apperrors.Wrap(apperrors.Upstream, "write event failed", err))
		return
	}
	respondJSON(w, http.StatusOK, writeResponse{RequestID: requestIDFrom(r.Context()), Status: "ok", Data: created})
}

func (s *Server) handleWriteOutcome(w http.ResponseWriter, r *http.Request) {
	var o databases.MemoryOutcome
	if err := decodeJSON(r, &o); err != nil {
		respondError(w, err)
		return
	}
	p := principalFrom(r.Context())
	o.TenantID = p.TenantID
	if o.OutcomeID == "" {
		o.OutcomeID = uuid.NewString()
	}
	o.CreatedAt = time.Now().UTC()
	created, err := s.outcomes.Append(r.Context(), o)
	if err != nil {
		respondError(w, apperrors.Wrap(apperrors.Upstream, "write outcome failed", err))
		return
	}
	if s.bus != nil {
		body, _ := json.Marshal(map[string]any{
			"outcome_id":        created.OutcomeID,
			"event_id":          created.EventID,
			"session_id":        created.SessionID,
			"tenant_id":         created.TenantID,
			"adopted":           created.Adopted,
			"adopt_type":        created.AdoptType,
			"stage_before":      created.StageBefore,
			"stage_after":       created.StageAfter,
			"compliance_result": created.ComplianceResult,
		})
		if _, err := s.bus.Publish(r.Context(), outcomes.Topic, string(body)); err != nil {
			s.log.Error("httpapi: publish outcome event failed", map[string]any{"err": err.Error()})
		}
	}
	respondJSON(w, http.StatusOK, writeResponse{RequestID: requestIDFrom(r.Context()), Status: "ok", Data: created})
}

func (s *Server) handleWritePersona(w http.ResponseWriter, r *http.Request) {
	var p databases.MemoryPersona
	if err := decodeJSON(r, &p); err != nil {
		respondError(w, err)
		return
	}
	principal := principalFrom(r.Context())
	p.TenantID = principal.TenantID
	created, err := s.persona.Upsert(r.Context(), p)
	if err != nil {
		respondError(w, apperrors.Wrap(apperrors.Upstream, "write persona failed", err))
		return
	}
	respondJSON(w, http.StatusOK, writeResponse{RequestID: requestIDFrom(r.Context()), Status: "ok", Data: created})
}

func (s *Server) handleWriteKnowledge(w http.ResponseWriter, r *http.Request) {
	var k databases.MemoryKnowledge
	if err := decodeJSON(r, &k); err != nil {
		respondError(w, err)
		return
	}
	p := principalFrom(r.Context())
	k.TenantID = p.TenantID
	created, err := s.knowledge.Upsert(r.Context(), k)
	if err != nil {
		respondError(w, apperrors.Wrap(apperrors.Upstream, "write knowledge failed", err))
		return
	}
	respondJSON(w, http.StatusOK, writeResponse{RequestID: requestIDFrom(r.Context()), Status: "ok", Data: created})
}

func (s *Server) handleWriteStrategy(w http.ResponseWriter, r *http.Request) {
	var u databases.MemoryStrategyUnit
	if err := decodeJSON(r, &u); err != nil {
		respondError(w, err)
		return
	}
	p := principalFrom(r.Context())
	u.TenantID = p.TenantID
	created, err := s.strategy.Upsert(r.Context(), u)
	if err != nil {
		respondError(w, apperrors.Wrap(apperrors.Upstream, "write strategy failed", err))
		return
	}
	respondJSON(w, http.StatusOK, writeResponse{RequestID: requestIDFrom(r.Context()), Status: "ok", Data: created})
}

// --- memory query / comply / trace ---

type queryResponse struct {
	RequestID string `json:"request_id"`
	Data      struct {
		RouteDecision retrieve.Route       `json:"route_decision"`
		Hits          []retrieve.Hit       `json:"hits"`
		Citations     []databases.Citation `json:"citations"`
	} `json:"data"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req retrieve.Request
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	p := principalFrom(r.Context())
	res, err := s.retriever.Query(r.Context(), p.TenantID, req)
	if err != nil {
		respondError(w, err)
		return
	}
	var out queryResponse
	out.RequestID = res.RequestID
	out.Data.RouteDecision = res.RouteDecision
	out.Data.Hits = res.Hits
	out.Data.Citations = res.Citations
	respondJSON(w, http.StatusOK, out)
}

type complyResponse struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
	Data      struct {
		Action       compliance.Action `json:"action"`
		Hits         []compliance.Flag `json:"hits"`
		SafeResponse string            `json:"safe_response,omitempty"`
	} `json:"data"`
}

func (s *Server) handleComplyCheck(w http.ResponseWriter, r *http.Request) {
	var req compliance.Request
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	p := principalFrom(r.Context())
	req.TenantID = p.TenantID
	requestID := requestIDFrom(r.Context())
	result := s.compliance.Check(r.Context(), requestID, req)

	var out complyResponse
	out.RequestID = requestID
	out.Status = result.Status
	out.Data.Action = result.Action
	out.Data.Hits = result.Hits
	out.Data.SafeResponse = result.SafeResponse
	respondJSON(w, http.StatusOK, out)
}

type traceRequest struct {
	RequestID string `json:"request_id"`
}

func (s *Server) handleTrace(w http.ResponseWriter, r *http.Request) {
	var req traceRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	p := principalFrom(r.Context())
	row, ok, err := s.auditRows.GetByRequestID(r.Context(), p.TenantID, req.RequestID)
	if err != nil {
		respondError(w, apperrors.Wrap(apperrors.Upstream, "trace lookup failed", err))
		return
	}
	if !ok {
		respondJSON(w, http.StatusOK, map[string]any{"request_id": req.RequestID})
		return
	}
	respondJSON(w, http.StatusOK, row)
}

// --- health ---

type healthResponse struct {
	Status       string         `json:"status"`
	SystemHealth map[string]any `json:"system_health"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	issues := s.health.Snapshot()
	status := "ok"
	systemHealth := make(map[string]any, len(issues)+1)
	for component := range issues {
		systemHealth[component] = "degraded"
	}
	for _, component := range []string{"db", "redis", "llm"} {
		if _, has := systemHealth[component]; !has {
			systemHealth[component] = "ok"
		}
	}
	downgrades := s.health.ActiveIssues()
	if len(downgrades) > 0 {
		status = "degraded"
	}
	systemHealth["downgrades"] = downgrades
	respondJSON(w, http.StatusOK, healthResponse{Status: status, SystemHealth: systemHealth})
}

// --- websocket ---

// handleWebSocket authenticates the ?token= query param (the bearer
// token can't travel in a header during the browser WebSocket
// handshake) and hands the upgraded connection to the Router, which
// blocks for the connection's lifetime.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	principal, err := s.auth.validate(r.URL.Query().Get("token"))
	if err != nil {
		respondError(w, errUnauthorized)
		return
	}
	if err := s.ws.HandleConnect(w, r, sessionID, principal.Username); err != nil {
		s.log.Error("httpapi: websocket connect failed", map[string]any{"session_id": sessionID, "err": err.Error()})
	}
}
