package apperr

import (
	"encoding/json"
	"net/http"
)

// ErrorResponse is the JSON body of every failed REST call.
type ErrorResponse struct {
	Message string `json:"message"`
	Code    Code   `json:"code,omitempty"`
}

// WriteHTTP answers with the status derived from err's code. Internal errors
// are reported without their cause.
func WriteHTTP(w http.ResponseWriter, err error) {
	code := CodeOf(err)
	status := HTTPStatus(code)
	body := ErrorResponse{Message: err.Error(), Code: code}
	if status == http.StatusInternalServerError {
		body = ErrorResponse{Message: "internal error", Code: CodeInternal}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// WriteJSON answers 200 (or status when non-zero) with v as JSON.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
