package errorhandler

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/decorai/decorai-api/internal/middleware"
	"github.com/decorai/decorai-api/internal/pkg/response"
)

// HandleError logs the failure with request context and writes the error envelope.
// 5xx responses log at error level, everything else at warn.
func HandleError(ctx context.Context, w http.ResponseWriter, status int, code, message string, err error) {
	event := log.Warn()
	if status >= http.StatusInternalServerError {
		event = log.Error()
	}
	event = event.
		Str("request_id", middleware.GetRequestID(ctx)).
		Str("error_code", code).
		Int("status_code", status)
	if userID := middleware.GetUserID(ctx); userID != uuid.Nil {
		event = event.Str("user_id", userID.String())
	}
	if err != nil {
		event = event.Err(err)
	}
	event.Msg(message)

	response.ErrorWithError(w, status, code, message, err)
}

// HandleValidation logs field errors and answers 422.
func HandleValidation(ctx context.Context, w http.ResponseWriter, details map[string]string) {
	log.Warn().
		Str("request_id", middleware.GetRequestID(ctx)).
		Interface("validation_errors", details).
		Msg("Validation error")

	response.ValidationError(w, details)
}

// LogExternalServiceError logs errors from external service calls
func LogExternalServiceError(ctx context.Context, service, endpoint string, statusCode int, err error, body string) {
	log.Error().
		Str("request_id", middleware.GetRequestID(ctx)).
		Str("external_service", service).
		Str("endpoint", endpoint).
		Int("status_code", statusCode).
		Err(err).
		Str("response_body", truncateString(body, 1000)).
		Msg("External service error")
}

func truncateString(s string, maxLen int) string {
	if len(s) > maxLen {
		return s[:maxLen] + "...<truncated>"
	}
	return s
}
