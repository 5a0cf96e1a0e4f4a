package server

import (
	"cmp"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/anpag/escaipe-room/internal/registry"
	"github.com/anpag/escaipe-room/internal/rooms"
)

func handleRoom(table *rooms.Table) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		def, err := table.Get(chi.URLParam(r, "roomID"))
		if err != nil {
			writeError(w, http.StatusNotFound, "room not found")
			return
		}
		writeJSON(w, http.StatusOK, def)
	}
}

type LeaderboardEntry struct {
	Rank             int       `json:"rank"`
	TeamID           string    `json:"teamId"`
	Name             string    `json:"name"`
	CompletionTime   time.Time `json:"completionTime"`
	CollectedLetters []string  `json:"collectedLetters"`
}

// handleLeaderboard lists teams that completed the game, fastest first.
func handleLeaderboard(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries := []LeaderboardEntry{}
		for _, t := range reg.List() {
			if !t.State.GameCompleted || t.State.CompletionTime == nil {
				continue
			}
			entries = append(entries, LeaderboardEntry{
				TeamID:           t.ID,
				Name:             t.Name,
				CompletionTime:   *t.State.CompletionTime,
				CollectedLetters: t.State.CollectedLetters,
			})
		}
		slices.SortStableFunc(entries, func(a, b LeaderboardEntry) int {
			return cmp.Or(a.CompletionTime.Compare(b.CompletionTime), cmp.Compare(a.Name, b.Name))
		})
		for i := range entries {
			entries[i].Rank = i + 1
		}
		writeJSON(w, http.StatusOK, entries)
	}
}
