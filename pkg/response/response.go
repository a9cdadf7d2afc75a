// Package response provides common HTTP response helpers.
package response

import (
	"encoding/json"
	"net/http"
	"strings"

	commonerrors "github.com/tileworks/platform/pkg/errors"
)

// RequestIDFromRequest extracts request ID from the context or headers.
func RequestIDFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	if reqID := RequestIDFromContext(r.Context()); reqID != "" {
		return reqID
	}
	return strings.TrimSpace(r.Header.Get("X-Request-ID"))
}

// WriteJSON writes a success payload.
func WriteJSON(w http.ResponseWriter, status int, payload interface{}) {
	if w == nil {
		return
	}
	writeJSON(w, status, payload)
}

// WriteError writes a structured error response based on common error type.
func WriteError(w http.ResponseWriter, r *http.Request, err *commonerrors.Error) {
	if w == nil || err == nil {
		return
	}
	payload := err.WithRequestID(RequestIDFromRequest(r))
	writeJSON(w, payload.HTTPStatus(), payload)
}

// WriteErr maps any error chain to its code; uncoded errors become INTERNAL.
func WriteErr(w http.ResponseWriter, r *http.Request, err error) {
	WriteError(w, r, commonerrors.From(err))
}

// WriteErrorCode writes an error response using error code and message.
func WriteErrorCode(w http.ResponseWriter, r *http.Request, code commonerrors.Code, message string) {
	WriteError(w, r, commonerrors.NewWithDefault(code, message))
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
