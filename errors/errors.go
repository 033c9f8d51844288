package httperrors

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// ErrorResponse is the JSON body every error path returns.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Status  int    `json:"status"`
}

// RespondWithError logs the internal cause and writes the user-facing JSON
// error. The internal error never leaks into the response body.
func RespondWithError(w http.ResponseWriter, logger *slog.Logger, status int, internalError error, userMessage string) {
	if internalError != nil {
		logger.Error("Request failed",
			slog.Int("status", status),
			slog.String("user_message", userMessage),
			slog.String("internal_error", internalError.Error()),
		)
	} else {
		logger.Warn("Request rejected",
			slog.Int("status", status),
			slog.String("user_message", userMessage),
		)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(ErrorResponse{
		Error:   http.StatusText(status),
		Message: userMessage,
		Status:  status,
	}); err != nil {
		logger.Error("Failed to encode error response", slog.String("encoding_error", err.Error()))
	}
}

func BadRequest(w http.ResponseWriter, logger *slog.Logger, err error, message string) {
	RespondWithError(w, logger, http.StatusBadRequest, err, message)
}

func NotFound(w http.ResponseWriter, logger *slog.Logger, err error, message string) {
	RespondWithError(w, logger, http.StatusNotFound, err, message)
}

func InternalServerError(w http.ResponseWriter, logger *slog.Logger, err error, message string) {
	if message == "" {
		message = "An unexpected error occurred."
	}
	RespondWithError(w, logger, http.StatusInternalServerError, err, message)
}

func StatusNotImplemented(w http.ResponseWriter, logger *slog.Logger, err error, message string) {
	if message == "" {
		message = "This feature is not available."
	}
	RespondWithError(w, logger, http.StatusNotImplemented, err, message)
}
