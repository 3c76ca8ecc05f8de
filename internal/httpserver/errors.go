package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"campaigner/internal/domain"
)

const (
	ErrInvalidJSON      = "invalid json"
	ErrDependency       = "dependency error"
	ErrNotFound         = "not found"
	ErrBadForm          = "bad form"
	ErrInvalidSignature = "invalid signature"
)

type errorBody struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"errors,omitempty"`
}

// writeError maps the domain error taxonomy onto status codes. Internal error
// text never reaches the client.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var ve *domain.ValidationError
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: "validation failed", Fields: ve.Fields})
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: ErrNotFound})
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrConflict):
		writeJSON(w, http.StatusConflict, errorBody{Error: conflictMessage(err)})
	default:
		slog.Error("request failed", "err", err, "method", r.Method, "path", r.URL.Path)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: ErrDependency})
	}
}

func conflictMessage(err error) string {
	if errors.Is(err, domain.ErrInvalidTransition) {
		return domain.ErrInvalidTransition.Error()
	}
	return domain.ErrConflict.Error()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
