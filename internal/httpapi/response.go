package httpapi

import (
	"encoding/json"
	"net/http"

	"salesmesh/internal/apperrors"
)

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// respondError translates err to its Kind's HTTP status and a short,
// opaque reason body. Internal causes are never serialized to the client.
func respondError(w http.ResponseWriter, err error) {
	kind := apperrors.KindOf(err)
	reason := kind.String()
	if kind != apperrors.Internal {
		reason = err.Error()
	}
	respondJSON(w, kind.HTTPStatus(), map[string]any{"error": reason})
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperrors.Wrap(apperrors.Validation, "invalid request body", err)
	}
	return nil
}
