package shared

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
)

// Envelope is the JSON shape of every response body.
type Envelope struct {
	Success bool    `json:"success"`
	Error   *string `json:"error"`
	Content any     `json:"content"`
}

// Respond writes a success envelope with the given status and content.
func Respond(w http.ResponseWriter, status int, content any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Envelope{Success: true, Content: content})
}

// DecodeJSON decodes a JSON request body into the target struct.
func DecodeJSON(r *http.Request, target any) error {
	return json.NewDecoder(r.Body).Decode(target)
}

// RespondError maps a failure to its status code and writes an error envelope.
// Uncategorized errors become 500 without leaking internal detail.
func RespondError(logger *slog.Logger, w http.ResponseWriter, err error) {
	status := StatusFor(err)
	message := http.StatusText(status)
	if status < http.StatusInternalServerError {
		message = err.Error()
	} else if logger != nil {
		logger.Error("request failed", slog.Any("error", err))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Envelope{Success: false, Error: &message})
}

// StatusFor resolves a failure kind to its HTTP status code.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden), errors.Is(err, ErrExpired):
		return http.StatusForbidden
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidCode), errors.Is(err, ErrInvalidCredentials),
		errors.Is(err, ErrWeakSecret), errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
