package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/raidan-labs/provisiond/pkg/engine"
)

// APIError is the body of every non-2xx response.
type APIError struct {
	Kind    string                 `json:"kind,omitempty"`
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	RunID   string                 `json:"runId,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

type errorBody struct {
	Error APIError `json:"error"`
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrRunNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrRunNotActive):
		return http.StatusConflict
	case errors.Is(err, engine.ErrEngineClosed):
		return http.StatusServiceUnavailable
	}
	switch engine.KindOf(err) {
	case engine.ErrorKindInvalidConfiguration:
		return http.StatusBadRequest
	case engine.ErrorKindConflictingRun:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func toAPIError(status int, err error) APIError {
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		return APIError{
			Kind:    string(ee.Kind),
			Code:    ee.Code,
			Message: ee.Message,
			RunID:   ee.RunID,
			Details: ee.Details,
		}
	}
	code := "INTERNAL"
	switch status {
	case http.StatusNotFound:
		code = "NOT_FOUND"
	case http.StatusConflict:
		code = "NOT_ACTIVE"
	case http.StatusServiceUnavailable:
		code = "UNAVAILABLE"
	case http.StatusBadRequest:
		code = "BAD_REQUEST"
	}
	return APIError{Code: code, Message: err.Error()}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	writeJSON(w, status, errorBody{Error: toAPIError(status, err)})
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: APIError{Code: "BAD_REQUEST", Message: msg}})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
