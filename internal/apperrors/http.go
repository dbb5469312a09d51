package apperrors

import (
	"encoding/json"
	"net/http"
)

// WriteError renders err as {"code","message","details"} with its status.
func WriteError(w http.ResponseWriter, err error) {
	appErr := AsAppError(err)
	if appErr.Retryable() {
		w.Header().Set("Retry-After", "1")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(appErr.HTTPStatus)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Code: appErr.Code, Message: appErr.Message, Details: appErr.Details})
}

// WriteJSON encodes data with statusCode. The encode error is returned so the
// caller can log it; the status line is already sent by then.
func WriteJSON(w http.ResponseWriter, statusCode int, data any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(data)
}
