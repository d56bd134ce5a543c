package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dockyard-host/dockyard/internal/docker"
	"github.com/dockyard-host/dockyard/internal/repository"
	"github.com/dockyard-host/dockyard/internal/service/deploy"
	"github.com/dockyard-host/dockyard/internal/service/logs"
	"github.com/dockyard-host/dockyard/internal/service/prune"
	"github.com/dockyard-host/dockyard/internal/service/tags"
)

// writeJSON writes JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends an error message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeServiceError maps engine error kinds onto HTTP status codes. Build
// failures carry the accumulated log so callers can diagnose.
func writeServiceError(w http.ResponseWriter, err error) {
	var buildErr *deploy.BuildError
	if errors.As(err, &buildErr) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"error": buildErr.Message,
			"logs":  buildErr.Logs,
		})
		return
	}
	switch {
	case errors.Is(err, repository.ErrNotFound), errors.Is(err, docker.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, deploy.ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, tags.ErrDuplicateLabel), errors.Is(err, repository.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, deploy.ErrNoContainer),
		errors.Is(err, logs.ErrNoContainer),
		errors.Is(err, logs.ErrBadTail),
		errors.Is(err, prune.ErrAlreadyPruned),
		errors.Is(err, deploy.ErrBadVariant):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
