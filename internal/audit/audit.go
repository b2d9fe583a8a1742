// Package audit computes the digests the memory substrate attaches to
// every MemoryAudit row and wraps best-effort append semantics shared by
// the retriever and the compliance checker.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"salesmesh/internal/observability"
	"salesmesh/internal/persistence/databases"
)

// Digest returns "sha256:<hex>" of s, the format every audit row's
// input_digest/output_digest carries.
func Digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// CanonicalJSON marshals v with map keys sorted so the same logical value
// always hashes the same way regardless of map iteration order.
func CanonicalJSON(v interface{}) string {
	b, err := json.Marshal(canonicalize(v))
	if err != nil {
		return ""
	}
	return string(b)
}

func canonicalize(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]interface{}, 0, len(keys))
		for _, k := range keys {
			out = append(out, []interface{}{k, canonicalize(t[k])})
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = canonicalize(e)
		}
		return out
	default:
		return v
	}
}

// Recorder appends MemoryAudit rows with best-effort semantics: failures
// are logged and swallowed unless Strict is set (ENV_STATE=production and
// AUDIT_LOG_ENABLED=true), in which case the caller must abort the
// request on a non-nil error.
type Recorder struct {
	store  databases.AuditStore
	log    observability.Logger
	Strict bool
}

func NewRecorder(store databases.AuditStore, log observability.Logger, strict bool) *Recorder {
	if log == nil {
		log = observability.NoopLogger{}
	}
	return &Recorder{store: store, log: log, Strict: strict}
}

// Append writes a, logging (and swallowing) failures unless r.Strict.
func (r *Recorder) Append(ctx context.Context, a databases.MemoryAudit) error {
	if _, err := r.store.Append(ctx, a); err != nil {
		r.log.Error("audit: append failed", map[string]any{"request_id": a.RequestID, "route": a.Route, "err": err.Error()})
		if r.Strict {
			return err
		}
	}
	return nil
}
