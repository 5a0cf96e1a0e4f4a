package server

import (
	"encoding/json"
	"net/http"

	openapi "github.com/swaggest/openapi-go"
	"github.com/swaggest/openapi-go/openapi3"

	"github.com/anpag/escaipe-room/internal/channel"
	"github.com/anpag/escaipe-room/internal/rooms"
	"github.com/anpag/escaipe-room/internal/victory"
)

// ErrorResponse is returned for all error responses.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthStatus is the per-dependency entry of the /healthz body.
type HealthStatus struct {
	Status string `json:"status" enum:"ok,error"`
}

type operation struct {
	method, path  string
	summary, desc string
	req           any
	resp          []response
}

type response struct {
	status      int
	body        any
	contentType string
}

func respOK(body any) response      { return response{status: http.StatusOK, body: body} }
func respCreated(body any) response { return response{status: http.StatusCreated, body: body} }
func respError(code int) response   { return response{status: code, body: ErrorResponse{}} }
func respEmpty(code int) response   { return response{status: code} }
func respStream(ct string) response { return response{status: http.StatusOK, contentType: ct} }

func respUpgrade() response {
	return response{status: http.StatusSwitchingProtocols, body: channel.Frame{}}
}

var operations = []operation{
	{
		method: http.MethodGet, path: "/healthz",
		summary: "Health check",
		desc:    "Returns the health status of backend dependencies.",
		resp: []response{
			respOK(map[string]HealthStatus{}),
			{status: http.StatusServiceUnavailable, body: map[string]HealthStatus{}},
		},
	},
	{
		method: http.MethodPost, path: "/api/teams",
		summary: "Register team",
		desc:    "Registers a team. Names are unique, ignoring case and surrounding whitespace.",
		req:     RegisterRequest{},
		resp:    []response{respCreated(TeamResponse{}), respError(http.StatusBadRequest), respError(http.StatusConflict)},
	},
	{
		method: http.MethodGet, path: "/api/teams",
		summary: "List teams",
		desc:    "Returns every team in registration order.",
		resp:    []response{respOK([]TeamResponse{})},
	},
	{
		method: http.MethodGet, path: "/api/teams/{teamID}",
		summary: "Get team",
		resp:    []response{respOK(TeamResponse{}), respError(http.StatusNotFound)},
	},
	{
		method: http.MethodPost, path: "/api/teams/{teamID}/reset",
		summary: "Reset progress",
		desc:    "Returns the team to the first room with an empty inventory and closes its channels.",
		resp:    []response{respOK(GameStateResponse{}), respError(http.StatusNotFound)},
	},
	{
		method: http.MethodPost, path: "/api/teams/{teamID}/next-room",
		summary: "Advance to next room",
		desc:    "Moves a team whose current room is completed into the next room of the sequence.",
		resp:    []response{respOK(AdvanceResponse{}), respError(http.StatusNotFound), respError(http.StatusConflict)},
	},
	{
		method: http.MethodPost, path: "/api/teams/{teamID}/final-challenge",
		summary: "Complete final challenge",
		desc:    "Completes the game from the final room. An optional guess is checked against the answer.",
		req:     FinalChallengeRequest{},
		resp: []response{
			respOK(FinalChallengeResponse{}),
			respError(http.StatusNotFound),
			respError(http.StatusConflict),
			respError(http.StatusUnprocessableEntity),
		},
	},
	{
		method: http.MethodPost, path: "/api/teams/{teamID}/special/{name}/ended",
		summary: "End special sequence",
		desc:    "Reports that the client finished playing the named special sequence.",
		resp:    []response{respOK(GameStateResponse{}), respError(http.StatusNotFound), respError(http.StatusConflict)},
	},
	{
		method: http.MethodGet, path: "/api/teams/{teamID}/victory",
		summary: "Victory status",
		desc:    "Returns the team's victory presentation phase and, once revealed, its summary.",
		resp:    []response{respOK(victory.Status{}), respError(http.StatusNotFound)},
	},
	{
		method: http.MethodGet, path: "/api/teams/{teamID}/events",
		summary: "SSE event stream",
		desc:    "Server-Sent Events stream of the team's game transitions.",
		resp:    []response{respStream("text/event-stream"), respError(http.StatusNotFound)},
	},
	{
		method: http.MethodGet, path: "/api/rooms/{roomID}",
		summary: "Get room",
		desc:    "Returns the presentation data of a room.",
		resp:    []response{respOK(rooms.Definition{}), respError(http.StatusNotFound)},
	},
	{
		method: http.MethodGet, path: "/api/leaderboard",
		summary: "Leaderboard",
		desc:    "Returns teams that completed the game, fastest first.",
		resp:    []response{respOK([]LeaderboardEntry{})},
	},
	{
		method: http.MethodPost, path: "/api/admin/teams/bulk",
		summary: "Bulk team action",
		desc:    "Resets, advances or deletes many teams. Requires admin basic auth.",
		req:     BulkRequest{},
		resp:    []response{respOK(BulkResponse{}), respError(http.StatusBadRequest), respError(http.StatusUnauthorized)},
	},
	{
		method: http.MethodPost, path: "/api/admin/teams/{teamID}/items",
		summary: "Grant item",
		desc:    "Adds an item to a team's inventory. Requires admin basic auth.",
		req:     GrantItemRequest{},
		resp: []response{
			respOK(TeamResponse{}),
			respError(http.StatusBadRequest),
			respError(http.StatusNotFound),
			respError(http.StatusUnauthorized),
		},
	},
	{
		method: http.MethodDelete, path: "/api/admin/teams/{teamID}",
		summary: "Delete team",
		desc:    "Deletes a team. Deleting an absent team succeeds. Requires admin basic auth.",
		resp:    []response{respEmpty(http.StatusNoContent), respError(http.StatusUnauthorized)},
	},
	{
		method: http.MethodGet, path: "/ws/{teamID}/coordinator",
		summary: "Coordinator channel",
		desc:    "WebSocket conversation with the room coordinator. Text messages in, JSON frames out.",
		resp:    []response{respUpgrade(), respError(http.StatusNotFound)},
	},
	{
		method: http.MethodGet, path: "/ws/{teamID}/items/{zoneID}",
		summary: "Item channel",
		desc:    "WebSocket conversation with a zone of the current room. A normal closure closes the session.",
		resp:    []response{respUpgrade(), respError(http.StatusNotFound)},
	},
}

func newOpenAPISpec() *openapi3.Spec {
	r := openapi3.NewReflector()
	r.Spec.Info.Title = "Escape Room API"
	r.Spec.Info.Version = "0.1.0"
	r.Spec.Info.WithDescription("Backend API for the escape room game.")

	for _, op := range operations {
		oc, err := r.NewOperationContext(op.method, op.path)
		if err != nil {
			continue
		}
		oc.SetSummary(op.summary)
		if op.desc != "" {
			oc.SetDescription(op.desc)
		}
		if op.req != nil {
			oc.AddReqStructure(op.req)
		}
		for _, resp := range op.resp {
			opts := []openapi.ContentOption{openapi.WithHTTPStatus(resp.status)}
			if resp.contentType != "" {
				opts = append(opts, openapi.WithContentType(resp.contentType))
			}
			oc.AddRespStructure(resp.body, opts...)
		}
		_ = r.AddOperation(oc)
	}
	return r.Spec
}

func handleOpenAPI() http.HandlerFunc {
	spec := newOpenAPISpec()
	data, _ := json.MarshalIndent(spec, "", "  ")

	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
	}
}
