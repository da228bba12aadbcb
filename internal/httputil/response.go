// Package httputil holds the JSON response helpers shared by the floorsight
// HTTP handlers. Errors always use the {"error": msg} envelope so clients
// can surface them uniformly.
package httputil

import (
	"encoding/json"
	"net/http"

	"github.com/kestrel-data/floorsight/internal/monitoring"
)

// WriteJSON writes data as the JSON response body with the given status.
// Encode failures happen after the header is committed, so they are logged
// rather than reported to the client.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		monitoring.Logf("httputil: encode response: %v", err)
	}
}

// WriteJSONOK writes data with 200 OK.
func WriteJSONOK(w http.ResponseWriter, data any) {
	WriteJSON(w, http.StatusOK, data)
}

// WriteJSONCreated writes data with 201 Created.
func WriteJSONCreated(w http.ResponseWriter, data any) {
	WriteJSON(w, http.StatusCreated, data)
}

// WriteJSONError writes {"error": msg} with the given status.
func WriteJSONError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, map[string]string{"error": msg})
}

// BadRequest writes a 400 with the given message.
func BadRequest(w http.ResponseWriter, msg string) {
	WriteJSONError(w, http.StatusBadRequest, msg)
}

// NotFound writes a 404 with the given message.
func NotFound(w http.ResponseWriter, msg string) {
	WriteJSONError(w, http.StatusNotFound, msg)
}

// InternalServerError writes a 500 with the given message.
func InternalServerError(w http.ResponseWriter, msg string) {
	WriteJSONError(w, http.StatusInternalServerError, msg)
}

// MethodNotAllowed writes a 405.
func MethodNotAllowed(w http.ResponseWriter) {
	WriteJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
}
