package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"

	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/artresearch/idios/domain/fault"
)

// Detail is one entry of an error response body. The loc/msg/type shape is
// the contract the previous front-end exposed, so existing clients keep
// parsing errors without changes. Loc holds the path to the offending field
// and may mix strings and array indices.
type Detail struct {
	Loc  []any  `json:"loc,omitempty"`
	Msg  string `json:"msg"`
	Type string `json:"type"`
}

// ErrorResponse is the JSON envelope wrapping error details.
type ErrorResponse struct {
	Detail []Detail `json:"detail"`
}

// WriteError maps an error onto its HTTP status and writes the JSON error
// body. Fault kinds decide the status: parameter faults are 422, conflicts
// 409, everything else 500. The fault kind doubles as the detail type.
func WriteError(w http.ResponseWriter, r *http.Request, err error, logger *slog.Logger) {
	kind := fault.KindOf(err)

	status := http.StatusInternalServerError
	switch kind {
	case fault.KindParameter:
		status = http.StatusUnprocessableEntity
	case fault.KindConflict:
		status = http.StatusConflict
	}

	if logger != nil {
		logger.Error("request error",
			"request_id", chimiddleware.GetReqID(r.Context()),
			"status", status,
			"error", err.Error(),
			"method", r.Method,
			"path", r.URL.Path,
		)
	}

	WriteDetails(w, status, []Detail{{Msg: err.Error(), Type: string(kind)}})
}

// WriteDetails writes an error response with the given status and details.
// Validation failures use it directly with field-level locations.
func WriteDetails(w http.ResponseWriter, status int, details []Detail) {
	WriteJSON(w, status, ErrorResponse{Detail: details})
}

// WriteJSON writes data as a JSON response.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// WriteRawJSON writes an already encoded JSON body, as returned by a
// dispatcher call, without a decode round-trip.
func WriteRawJSON(w http.ResponseWriter, status int, body json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
