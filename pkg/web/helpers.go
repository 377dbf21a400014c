package web

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
)

func RespondJSON(w http.ResponseWriter, logger *slog.Logger, status int, payload any) {
	// Handle nil payload
	if payload == nil {
		w.WriteHeader(status)
		return
	}

	response, err := json.Marshal(payload)
	if err != nil {
		logger.Error("Error encoding response to JSON", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(response)
}

func RespondError(w http.ResponseWriter, logger *slog.Logger, status int, message string) {
	RespondJSON(w, logger, status, map[string]string{"error": message})
}

// ParseUUID extracts and validates a UUID path parameter. Returns the ID and a boolean indicating success.
func ParseUUID(w http.ResponseWriter, r *http.Request, logger *slog.Logger, name string) (uuid.UUID, bool) {
	value := r.PathValue(name)
	id, err := uuid.Parse(value)
	if err != nil {
		RespondError(w, logger, http.StatusBadRequest, fmt.Sprintf("Invalid %s: %s", name, value))
		return uuid.Nil, false
	}
	return id, true
}

// PathParam returns a non-empty path parameter, or responds with 400.
func PathParam(w http.ResponseWriter, r *http.Request, logger *slog.Logger, name string) (string, bool) {
	value := r.PathValue(name)
	if value == "" {
		RespondError(w, logger, http.StatusBadRequest, fmt.Sprintf("%s is required", name))
		return "", false
	}
	return value, true
}
