package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"salesmesh/internal/apperrors"
)

type ctxKey string

const (
	ctxPrincipal ctxKey = "principal"
	ctxRequestID ctxKey = "request_id"
	ctxTraceID   ctxKey = "trace_id"
)

// withAuth extracts and validates the bearer token, rejecting the request
// with 401 when absent or invalid. The principal is stashed in context for
// handlers that need tenant/user identity.
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			respondError(w, errUnauthorized)
			return
		}
		principal, err := s.auth.validate(token)
		if err != nil {
			respondError(w, errUnauthorized)
			return
		}
		// X-Tenant-ID is only honored outside production, letting local/dev
		// callers exercise multi-tenant paths without minting per-tenant
		// tokens.
		if s.env != "production" {
			if tid := r.Header.Get("X-Tenant-ID"); tid != "" {
				principal.TenantID = tid
			}
		}
		ctx := context.WithValue(r.Context(), ctxPrincipal, principal)
		next(w, r.WithContext(ctx))
	}
}

// withRequestContext stamps the request/trace IDs used for audit
// correlation before the handler runs.
func (s *Server) withRequestContext(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-Id")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", requestID)
		traceID := r.Header.Get("X-Trace-Id")

		ctx := context.WithValue(r.Context(), ctxRequestID, requestID)
		ctx = context.WithValue(ctx, ctxTraceID, traceID)
		next(w, r.WithContext(ctx))
	}
}

// withRateLimit throttles by tenant_id via the sliding-window limiter
// (C11). A nil limiter (no Redis configured) disables throttling
// entirely rather than failing closed.
func (s *Server) withRateLimit(next http.HandlerFunc) http.HandlerFunc {
	if s.ratelimiter == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		key := principalFrom(r.Context()).TenantID
		if key == "" {
			key = "anonymous"
		}
		allowed, err := s.ratelimiter.Allow(r.Context(), key)
		if err != nil {
			s.log.Error("httpapi: rate limit check failed", map[string]any{"err": err.Error()})
		}
		if !allowed {
			respondError(w, apperrors.New(apperrors.RateLimited, "too many requests"))
			return
		}
		next(w, r)
	}
}

func principalFrom(ctx context.Context) Principal {
	p, _ := ctx.Value(ctxPrincipal).(Principal)
	return p
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxRequestID).(string)
	return id
}

func withCORS(origins []string, next http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if _, ok := allowed[origin]; ok {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Headers", "Authorization,Content-Type,X-Request-Id,X-Tenant-ID,X-Trace-Id")
			w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
