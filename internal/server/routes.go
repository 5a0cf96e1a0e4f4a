package server

import (
	"log/slog"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/swaggest/swgui/v5emb"
)

func addRoutes(r chi.Router, logger *slog.Logger, d Deps) {
	r.Get("/openapi.json", handleOpenAPI())
	r.Mount("/docs", v5emb.New("Escape Room API", "/openapi.json", "/docs"))

	r.Route("/api", func(r chi.Router) {
		r.Post("/teams", handleRegister(d.Registry))
		r.Get("/teams", handleListTeams(d.Registry))

		r.Route("/teams/{teamID}", func(r chi.Router) {
			r.Get("/", handleGetTeam(d.Registry))
			r.Post("/reset", handleResetProgress(d.Registry, logger))
			r.Post("/next-room", handleNextRoom(d.Engine, logger))
			r.Post("/final-challenge", handleFinalChallenge(d.Engine, logger))
			r.Post("/special/{name}/ended", handleSpecialEnded(d.Engine, logger))
			r.Get("/victory", handleVictoryStatus(d.Registry, d.Victory))
			r.Get("/events", handleEvents(d.Registry, d.Broker))
		})

		r.Get("/rooms/{roomID}", handleRoom(d.Rooms))
		r.Get("/leaderboard", handleLeaderboard(d.Registry))

		r.Route("/admin", func(r chi.Router) {
			r.Use(adminAuthMiddleware(d.AdminPasswordHash))
			r.Post("/teams/bulk", handleAdminBulk(d.Registry, d.Engine, d.BulkConcurrency, logger))
			r.Post("/teams/{teamID}/items", handleAdminGrantItem(d.Registry, logger))
			r.Delete("/teams/{teamID}", handleAdminDeleteTeam(d.Registry, logger))
		})
	})

	r.Get("/ws/{teamID}/coordinator", handleCoordinatorChannel(d.Channels, logger))
	r.Get("/ws/{teamID}/items/{zoneID}", handleItemChannel(d.Channels, logger))

	if d.SPADir != "" {
		if info, err := os.Stat(d.SPADir); err == nil && info.IsDir() {
			logger.Info("serving SPA", "dir", d.SPADir)
			r.NotFound(handleSPA(d.SPADir))
		}
	}
}
