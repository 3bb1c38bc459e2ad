// Package api is the HTTP boundary of the broker: request decoding,
// the response envelope, middleware, and the route table. Handlers stay
// thin; all domain rules live in the approval engine and below.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/opsgate/opsgate/pkg/fault"
)

// envelope is the uniform response shape. Success responses carry the
// payload under data; error responses carry a machine-readable code.
type envelope struct {
	Status  string `json:"status"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// writeSuccess writes a success envelope.
func writeSuccess(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Status: "success", Data: data})
}

// writeFault maps a tagged error to its HTTP disposition. Storage and
// audit failures are logged server-side and surfaced as a generic 500;
// every other kind passes its message through.
func writeFault(w http.ResponseWriter, r *http.Request, err error) {
	kind := fault.KindOf(err)
	status := fault.HTTPStatus(kind)

	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.ErrorContext(r.Context(), "internal error",
			"path", r.URL.Path, "kind", kind, "error", err)
		msg = "an internal error occurred"
	}
	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", strconv.Itoa(5))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{
		Status:  "error",
		Code:    string(kind),
		Message: msg,
	})
}

// writeBadRequest writes a validation-kind error without a fault value.
func writeBadRequest(w http.ResponseWriter, r *http.Request, msg string) {
	writeFault(w, r, fault.New(fault.Validation, msg))
}
