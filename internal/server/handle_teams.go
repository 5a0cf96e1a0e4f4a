package server

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/anpag/escaipe-room/internal/escaperoom"
	"github.com/anpag/escaipe-room/internal/game"
	"github.com/anpag/escaipe-room/internal/registry"
	"github.com/anpag/escaipe-room/internal/victory"
)

type RegisterRequest struct {
	Name string `json:"name"`
}

type TeamResponse struct {
	ID        string               `json:"id"`
	Name      string               `json:"name"`
	CreatedAt time.Time            `json:"createdAt"`
	GameState escaperoom.GameState `json:"gameState"`
	Inventory []escaperoom.Item    `json:"inventory"`
}

func teamResponse(t escaperoom.Team) TeamResponse {
	inv := t.Inventory
	if inv == nil {
		inv = []escaperoom.Item{}
	}
	return TeamResponse{
		ID:        t.ID,
		Name:      t.Name,
		CreatedAt: t.CreatedAt,
		GameState: t.State,
		Inventory: inv,
	}
}

type GameStateResponse struct {
	GameState escaperoom.GameState `json:"gameState"`
}

type AdvanceResponse struct {
	CurrentRoom string               `json:"currentRoom"`
	GameState   escaperoom.GameState `json:"gameState"`
}

type FinalChallengeRequest struct {
	Guess *string `json:"guess,omitempty"`
}

type FinalChallengeResponse struct {
	GameCompleted    bool       `json:"gameCompleted"`
	CompletionTime   *time.Time `json:"completionTime"`
	AlreadyCompleted bool       `json:"alreadyCompleted"`
}

func handleRegister(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req RegisterRequest
		if err := readJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		team, err := reg.Register(r.Context(), req.Name)
		if err != nil {
			status, msg := errorStatus(err)
			writeError(w, status, msg)
			return
		}
		writeJSON(w, http.StatusCreated, teamResponse(team))
	}
}

func handleListTeams(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		teams := reg.List()
		resp := make([]TeamResponse, len(teams))
		for i, t := range teams {
			resp[i] = teamResponse(t)
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleGetTeam(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		team, err := reg.Get(chi.URLParam(r, "teamID"))
		if err != nil {
			writeError(w, http.StatusNotFound, "team not found")
			return
		}
		writeJSON(w, http.StatusOK, teamResponse(team))
	}
}

func handleResetProgress(reg *registry.Registry, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state, err := reg.ResetProgress(r.Context(), chi.URLParam(r, "teamID"))
		if err != nil {
			writeEngineError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, GameStateResponse{GameState: state})
	}
}

func handleNextRoom(eng *game.Engine, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		team, err := eng.AdvanceRoom(r.Context(), chi.URLParam(r, "teamID"))
		if err != nil {
			writeEngineError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, AdvanceResponse{
			CurrentRoom: team.State.CurrentRoom,
			GameState:   team.State,
		})
	}
}

// handleFinalChallenge completes the game. A guess, when given, must match
// the final answer. Completing an already completed game is acknowledged
// with the original completion time.
func handleFinalChallenge(eng *game.Engine, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		teamID := chi.URLParam(r, "teamID")

		var req FinalChallengeRequest
		if err := readJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		var (
			team escaperoom.Team
			err  error
		)
		if req.Guess != nil {
			team, err = eng.SubmitFinalAnswer(r.Context(), teamID, *req.Guess)
		} else {
			team, err = eng.CompleteFinalChallenge(r.Context(), teamID)
		}

		already := errors.Is(err, escaperoom.ErrAlreadyCompleted)
		if err != nil && !already {
			writeEngineError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, FinalChallengeResponse{
			GameCompleted:    team.State.GameCompleted,
			CompletionTime:   team.State.CompletionTime,
			AlreadyCompleted: already,
		})
	}
}

func handleSpecialEnded(eng *game.Engine, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		team, err := eng.FinishSpecialSequence(r.Context(), chi.URLParam(r, "teamID"), chi.URLParam(r, "name"))
		if err != nil {
			writeEngineError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, GameStateResponse{GameState: team.State})
	}
}

func handleVictoryStatus(reg *registry.Registry, seq *victory.Sequencer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		teamID := chi.URLParam(r, "teamID")
		if _, err := reg.Get(teamID); err != nil {
			writeError(w, http.StatusNotFound, "team not found")
			return
		}
		writeJSON(w, http.StatusOK, seq.Status(teamID))
	}
}
