package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"salesmesh/internal/audit"
	"salesmesh/internal/bus"
	"salesmesh/internal/compliance"
	"salesmesh/internal/config"
	"salesmesh/internal/health"
	"salesmesh/internal/observability"
	"salesmesh/internal/persistence/databases"
	"salesmesh/internal/rag/embedder"
	"salesmesh/internal/retrieve"
)

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	cfg := config.Config{
		Env:    "development",
		Secret: config.SecretConfig{Key: "test-secret", JWTAlgorithm: "HS256", AccessTokenExpireMinutes: 30},
		Auth:   config.AuthConfig{AdminUsername: "admin", AdminPassword: "hunter2"},
	}

	knowledge := databases.NewMemoryKnowledge()
	strategy := databases.NewMemoryStrategy()
	events := databases.NewMemoryEvent()
	outcomes := databases.NewMemoryOutcome()
	persona := databases.NewMemoryPersona()
	auditStore := databases.NewMemoryAudit()
	recorder := audit.NewRecorder(auditStore, observability.NoopLogger{}, false)
	b := bus.NewMemoryBus()

	retriever := retrieve.NewRetriever(knowledge, strategy, events,
		databases.NewMemoryVector(), databases.NewMemoryVector(),
		embedder.NewDeterministic(8, true, 1), recorder)

	scanner := compliance.NewScanner([]string{}, []string{}, []string{"guaranteed return"})
	checker := compliance.NewChecker(scanner, strategy, recorder, b)

	srv := NewServer(Deps{
		Config:     cfg,
		Retriever:  retriever,
		Compliance: checker,
		Health:     health.NewRegistry(),
		Recorder:   recorder,
		Events:     events,
		Outcomes:   outcomes,
		Persona:    persona,
		Knowledge:  knowledge,
		Strategy:   strategy,
		AuditRows:  auditStore,
		Bus:        b,
	})

	token, err := srv.auth.issue("admin", "t1")
	require.NoError(t, err)
	return srv, token
}

func doJSON(t *testing.T, srv *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestLogin_WrongCredentialsAreRejected(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodPost, "/api/v1/auth/token", "", loginRequest{Username: "admin", Password: "nope"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLogin_IssuesUsableToken(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodPost, "/api/v1/auth/token", "", loginRequest{Username: "admin", Password: "hunter2", TenantID: "t1"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp loginResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "bearer", resp.TokenType)
	require.NotEmpty(t, resp.AccessToken)

	meRec := doJSON(t, srv, http.MethodGet, "/api/v1/auth/me", resp.AccessToken, nil)
	require.Equal(t, http.StatusOK, meRec.Code)
}

func TestQuery_RequiresAuth(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodPost, "/api/v1/memory/query", "", retrieve.Request{Query: "commission"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWriteKnowledgeThenQuery(t *testing.T) {
	srv, token := newTestServer(t)

	writeRec := doJSON(t, srv, http.MethodPost, "/api/v1/memory/write/knowledge", token, databases.MemoryKnowledge{
		KnowledgeID:       "k1",
		Domain:            "commission",
		StructuredContent: "commission tier 2 pays 8%",
		IsEnabled:         true,
		EffectiveFrom:     time.Now().Add(-time.Hour),
		CitationSnippets:  []string{"tier 2 pays 8%"},
	})
	require.Equal(t, http.StatusOK, writeRec.Code)

	queryRec := doJSON(t, srv, http.MethodPost, "/api/v1/memory/query", token, retrieve.Request{Query: "commission", IntentHint: "commission"})
	require.Equal(t, http.StatusOK, queryRec.Code)

	var resp queryResponse
	require.NoError(t, json.Unmarshal(queryRec.Body.Bytes(), &resp))
	require.Equal(t, retrieve.RouteKnowledge, resp.Data.RouteDecision)
	require.Len(t, resp.Data.Hits, 1)
}

func TestComplyCheck_BlocksGuaranteedReturn(t *testing.T) {
	srv, token := newTestServer(t)
	rec := doJSON(t, srv, http.MethodPost, "/api/v1/memory/comply/check", token, compliance.Request{
		CandidateResponse: "this plan offers a guaranteed return of 8%",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp complyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "blocked", resp.Status)
	require.Equal(t, compliance.ActionRewrite, resp.Data.Action)
}

func TestHealth_ReportsOKWithNoIssues(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "ok", resp.Status)
}
