package web

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"
)

// DecodeAndValidate decodes the JSON body into dst and validates it.
// On failure it writes a 400 response, with validation_errors for rule violations, and returns false.
func DecodeAndValidate(w http.ResponseWriter, r *http.Request, logger *slog.Logger, validate *validator.Validate, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		logger.WarnContext(r.Context(), "Error decoding request body", "error", err)
		RespondError(w, logger, http.StatusBadRequest, "Invalid request body")
		return false
	}
	if err := validate.Struct(dst); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			errorResponse := make(map[string]string)
			for _, fieldErr := range validationErrors {
				// fieldErr.Tag() returns "required", "max", etc.
				errorResponse[fieldErr.Field()] = "failed on rule: " + fieldErr.Tag()
			}
			logger.WarnContext(r.Context(), "Validation errors occurred", "errors", errorResponse)
			RespondJSON(w, logger, http.StatusBadRequest, map[string]any{"validation_errors": errorResponse})
			return false
		}
		logger.ErrorContext(r.Context(), "Error validating request body", "error", err)
		RespondError(w, logger, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}
