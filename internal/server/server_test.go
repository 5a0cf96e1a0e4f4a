package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/anpag/escaipe-room/internal/agent"
	"github.com/anpag/escaipe-room/internal/channel"
	"github.com/anpag/escaipe-room/internal/escaperoom"
	"github.com/anpag/escaipe-room/internal/game"
	"github.com/anpag/escaipe-room/internal/registry"
	"github.com/anpag/escaipe-room/internal/rooms"
	"github.com/anpag/escaipe-room/internal/victory"
)

type stubGateway struct {
	mu sync.Mutex
	fn func(req agent.Request) (agent.Response, error)
}

func (g *stubGateway) Converse(_ context.Context, req agent.Request) (agent.Response, error) {
	g.mu.Lock()
	fn := g.fn
	g.mu.Unlock()
	if fn == nil {
		return agent.Response{Reply: "echo: " + req.Utterance}, nil
	}
	return fn(req)
}

func (g *stubGateway) set(fn func(req agent.Request) (agent.Response, error)) {
	g.mu.Lock()
	g.fn = fn
	g.mu.Unlock()
}

type testEnv struct {
	deps    Deps
	gateway *stubGateway
	handler http.Handler
}

func newTestEnv(t *testing.T, adminHash string) *testEnv {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	table, err := rooms.Default()
	if err != nil {
		t.Fatalf("load rooms: %v", err)
	}
	reg, err := registry.New(ctx, registry.NewMemory(), table.First(), logger)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	eng := game.New(reg, table, logger)

	broker := NewBroker()
	eng.AddObserver(broker)
	reg.AddListener(broker)

	seq := victory.New(20*time.Millisecond, logger, broker.VictoryChanged)
	eng.AddObserver(seq)
	reg.AddListener(seq)
	t.Cleanup(seq.Stop)

	gw := &stubGateway{}
	mgr := channel.NewManager(channel.Config{
		Registry: reg,
		Rooms:    table,
		Engine:   eng,
		Gateway:  gw,
		Logger:   logger,
	})
	t.Cleanup(mgr.Shutdown)

	deps := Deps{
		Registry:          reg,
		Rooms:             table,
		Engine:            eng,
		Channels:          mgr,
		Victory:           seq,
		Broker:            broker,
		AdminPasswordHash: adminHash,
		BulkConcurrency:   2,
	}
	mount := func(r chi.Router) {
		r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]HealthStatus{"sqlite": {Status: "ok"}})
		})
	}
	return &testEnv{deps: deps, gateway: gw, handler: NewHandler(logger, deps, mount)}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) register(t *testing.T, name string) TeamResponse {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/teams", RegisterRequest{Name: name})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register %q: status = %d, body = %s", name, rec.Code, rec.Body.String())
	}
	var resp TeamResponse
	decode(t, rec, &resp)
	return resp
}

// completeRoom completes the team's current room as the agent would.
func (e *testEnv) completeRoom(t *testing.T, teamID string) {
	t.Helper()
	team, err := e.deps.Registry.Get(teamID)
	if err != nil {
		t.Fatalf("get team: %v", err)
	}
	delta := game.Delta{RoomCompleted: true}
	if _, err := e.deps.Engine.ApplyAgentDelta(context.Background(), teamID, team.Generation, delta); err != nil {
		t.Fatalf("complete room: %v", err)
	}
}

// toFinalRoom plays the team through every room before the final one.
func (e *testEnv) toFinalRoom(t *testing.T, teamID string) {
	t.Helper()
	for mustState(t, e, teamID).CurrentRoom != "gemini-room" {
		e.completeRoom(t, teamID)
		if rec := e.do(t, http.MethodPost, "/api/teams/"+teamID+"/next-room", nil); rec.Code != http.StatusOK {
			t.Fatalf("advance status = %d, body = %s", rec.Code, rec.Body.String())
		}
	}
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func errorBody(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp ErrorResponse
	decode(t, rec, &resp)
	return resp.Error
}

func mustState(t *testing.T, e *testEnv, teamID string) escaperoom.GameState {
	t.Helper()
	team, err := e.deps.Registry.Get(teamID)
	if err != nil {
		t.Fatalf("get team: %v", err)
	}
	return team.State
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
