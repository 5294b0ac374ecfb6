package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/GoCodeAlone/tally/task"
)

// StatusFor maps a domain error kind to an HTTP status code.
func StatusFor(kind task.Kind) int {
	switch kind {
	case task.KindNotFound:
		return http.StatusNotFound
	case task.KindInvalid:
		return http.StatusBadRequest
	case task.KindUnauthorized:
		return http.StatusForbidden
	case task.KindInvalidHierarchy, task.KindHasDependents, task.KindInvalidTransition, task.KindMilestoneIncomplete:
		return http.StatusConflict
	case task.KindOutOfRange, task.KindProjectMismatch:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// writeDomainError answers with the status and kind of err. Errors without
// a kind are logged and reported as internal failures.
func (h *Handlers) writeDomainError(w http.ResponseWriter, err error) {
	kind := task.KindOf(err)
	if kind == "" {
		h.Logger.Error("request failed", slog.Any("err", err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	reason := err.Error()
	var e *task.Error
	if errors.As(err, &e) {
		reason = e.Reason
	}
	writeJSON(w, StatusFor(kind), map[string]string{
		"error": reason,
		"kind":  string(kind),
	})
}
