package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/anpag/escaipe-room/internal/escaperoom"
	"github.com/anpag/escaipe-room/internal/game"
	"github.com/anpag/escaipe-room/internal/registry"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func readJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// errorStatus maps engine errors to HTTP statuses.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, escaperoom.ErrNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, escaperoom.ErrDuplicateName):
		return http.StatusConflict, "team name already taken"
	case errors.Is(err, escaperoom.ErrRoomNotCompleted):
		return http.StatusConflict, "room not completed"
	case errors.Is(err, escaperoom.ErrNoNextRoom):
		return http.StatusConflict, "no next room"
	case errors.Is(err, game.ErrNoSpecialSequence):
		return http.StatusConflict, err.Error()
	case errors.Is(err, game.ErrNotInFinalRoom):
		return http.StatusConflict, "not in the final room"
	case errors.Is(err, game.ErrWrongAnswer):
		return http.StatusUnprocessableEntity, "wrong answer"
	case errors.Is(err, registry.ErrEmptyName):
		return http.StatusBadRequest, "name is required"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func writeEngineError(w http.ResponseWriter, logger *slog.Logger, err error) {
	status, msg := errorStatus(err)
	if status == http.StatusInternalServerError {
		logger.Error("request failed", "error", err)
	}
	writeError(w, status, msg)
}
