package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/anpag/escaipe-room/internal/escaperoom"
	"github.com/anpag/escaipe-room/internal/game"
	"github.com/anpag/escaipe-room/internal/registry"
)

type GrantItemRequest struct {
	Name string `json:"name"`
	Icon string `json:"icon"`
}

type BulkRequest struct {
	Action  string   `json:"action" enum:"reset,advance,delete"`
	TeamIDs []string `json:"teamIds"`
}

type BulkResult struct {
	TeamID string `json:"teamId"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
}

type BulkResponse struct {
	Action  string       `json:"action"`
	Results []BulkResult `json:"results"`
}

func handleAdminGrantItem(reg *registry.Registry, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req GrantItemRequest
		if err := readJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		req.Name = strings.TrimSpace(req.Name)
		if req.Name == "" {
			writeError(w, http.StatusBadRequest, "name is required")
			return
		}

		team, err := reg.GrantItem(r.Context(), chi.URLParam(r, "teamID"),
			escaperoom.Item{Name: req.Name, Icon: strings.TrimSpace(req.Icon)})
		if err != nil {
			writeEngineError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, teamResponse(team))
	}
}

// handleAdminDeleteTeam always answers 204 for absent teams: deletion is
// idempotent.
func handleAdminDeleteTeam(reg *registry.Registry, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := reg.Delete(r.Context(), chi.URLParam(r, "teamID")); err != nil {
			writeEngineError(w, logger, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleAdminBulk runs one action over many teams with bounded
// concurrency. A failure for one team never stops the others.
func handleAdminBulk(reg *registry.Registry, eng *game.Engine, concurrency int, logger *slog.Logger) http.HandlerFunc {
	if concurrency <= 0 {
		concurrency = 4
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req BulkRequest
		if err := readJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		var action func(ctx context.Context, id string) error
		switch req.Action {
		case "reset":
			action = func(ctx context.Context, id string) error {
				_, err := reg.ResetProgress(ctx, id)
				return err
			}
		case "advance":
			action = func(ctx context.Context, id string) error {
				_, err := eng.AdvanceRoom(ctx, id)
				return err
			}
		case "delete":
			action = reg.Delete
		default:
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown action %q", req.Action))
			return
		}

		results := make([]BulkResult, len(req.TeamIDs))
		g, ctx := errgroup.WithContext(r.Context())
		g.SetLimit(concurrency)
		for i, id := range req.TeamIDs {
			g.Go(func() error {
				results[i] = BulkResult{TeamID: id, OK: true}
				if err := action(ctx, id); err != nil {
					_, msg := errorStatus(err)
					results[i] = BulkResult{TeamID: id, Error: msg}
				}
				return nil
			})
		}
		g.Wait()

		logger.Info("bulk action", "action", req.Action, "teams", len(req.TeamIDs))
		writeJSON(w, http.StatusOK, BulkResponse{Action: req.Action, Results: results})
	}
}
