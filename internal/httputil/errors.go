package httputil

import (
	"encoding/json"
	"net/http"

	"github.com/catbird-blue/nest/internal/apperror"
	"github.com/catbird-blue/nest/internal/logger"
)

// ErrorResponse represents a standardized error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// WriteAppError serialises an application error, logging server-side detail
// that never reaches the client.
func WriteAppError(w http.ResponseWriter, err error, logFields ...any) {
	appErr := apperror.From(err)
	status := appErr.HTTPStatus()

	response := ErrorResponse{
		Error:   appErr.Code(),
		Message: appErr.PublicMessage(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if encodeErr := json.NewEncoder(w).Encode(response); encodeErr != nil {
		logger.Error("Failed to encode error response", "error", encodeErr)
	}

	logFields = append([]any{"status", status, "error", appErr.Error()}, logFields...)
	if status >= http.StatusInternalServerError {
		logger.Error("HTTP error response", logFields...)
	} else {
		logger.Warn("HTTP error response", logFields...)
	}
}

// WriteError writes a standardized error response for a bare status + message.
func WriteError(w http.ResponseWriter, status int, code, message string, logFields ...any) {
	response := ErrorResponse{
		Error:   code,
		Message: message,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(response); err != nil {
		logger.Error("Failed to encode error response", "error", err)
	}

	logFields = append([]any{"status", status, "message", message}, logFields...)
	logger.Warn("HTTP error response", logFields...)
}

// WriteJSON writes a JSON response with proper error handling
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("Failed to encode JSON response", "error", err)
	}
}

// WriteSuccess writes a 200 OK response with JSON data
func WriteSuccess(w http.ResponseWriter, data interface{}) {
	WriteJSON(w, http.StatusOK, data)
}
