// Package errors writes HTTP error responses. Causes are logged with the
// request id; clients only see generic messages.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/jw6ventures/calsync/internal/oauthflow"
	"github.com/jw6ventures/calsync/internal/provider"
	"github.com/jw6ventures/calsync/internal/store"
	"github.com/jw6ventures/calsync/internal/syncer"
	"github.com/jw6ventures/calsync/internal/token"
)

type body struct {
	Error string `json:"error"`
}

func logf(r *http.Request, level, format string, args ...any) {
	if requestID := middleware.GetReqID(r.Context()); requestID != "" {
		args = append([]any{level, requestID}, args...)
		log.Printf("[%s] RequestID=%s: "+format, args...)
		return
	}
	args = append([]any{level}, args...)
	log.Printf("[%s] "+format, args...)
}

// WriteJSON encodes v with the given status.
func WriteJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logf(r, "WARN", "encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	WriteJSON(w, r, status, body{Error: message})
}

func InternalError(w http.ResponseWriter, r *http.Request, err error, message string) {
	logf(r, "ERROR", "%s: %v", message, err)
	writeError(w, r, http.StatusInternalServerError, "internal server error")
}

func BadRequestError(w http.ResponseWriter, r *http.Request, err error, clientMessage string) {
	logf(r, "WARN", "bad request: %v", err)
	writeError(w, r, http.StatusBadRequest, clientMessage)
}

// Respond maps a domain error onto a status code. Anything unrecognised is
// a 500.
func Respond(w http.ResponseWriter, r *http.Request, err error, message string) {
	var ext *provider.ExternalServiceError
	switch {
	case stderrors.Is(err, oauthflow.ErrAuth):
		logf(r, "WARN", "%s: %v", message, err)
		writeError(w, r, http.StatusBadRequest, "invalid or expired authorization request")
	case stderrors.Is(err, provider.ErrUnknownProvider):
		writeError(w, r, http.StatusNotFound, "unknown provider")
	case stderrors.Is(err, store.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not found")
	case stderrors.Is(err, store.ErrConflict):
		logf(r, "WARN", "%s: %v", message, err)
		writeError(w, r, http.StatusConflict, "account is already connected to another user")
	case stderrors.Is(err, syncer.ErrLeaseHeld):
		writeError(w, r, http.StatusConflict, "sync already in progress")
	case stderrors.Is(err, token.ErrReauthRequired):
		logf(r, "WARN", "%s: %v", message, err)
		writeError(w, r, http.StatusUnauthorized, "account requires re-authorization")
	case stderrors.As(err, &ext):
		logf(r, "ERROR", "%s: %v", message, err)
		writeError(w, r, http.StatusBadGateway, "calendar provider error")
	default:
		InternalError(w, r, err, message)
	}
}

func LogError(r *http.Request, message string, err error) {
	logf(r, "ERROR", "%s: %v", message, err)
}

func LogInfo(r *http.Request, message string) {
	logf(r, "INFO", "%s", message)
}
