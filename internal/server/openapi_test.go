package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandleOpenAPI(t *testing.T) {
	h := handleOpenAPI()
	req := httptest.NewRequest(http.MethodGet, "/openapi.json", nil)
	rec := httptest.NewRecorder()

	h(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	if got := rec.Header().Get("Content-Type"); !strings.Contains(got, "application/json") {
		t.Fatalf("content-type = %q, want application/json", got)
	}

	body := rec.Body.String()
	for _, want := range []string{
		`"/healthz"`,
		`"/api/teams"`,
		`"/api/teams/{teamID}/next-room"`,
		`"/api/admin/teams/bulk"`,
		`"/ws/{teamID}/items/{zoneID}"`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing path %s", want)
		}
	}
}

func TestDocsUI(t *testing.T) {
	e := newTestEnv(t, "")
	rec := e.do(t, http.MethodGet, "/docs/", nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := rec.Header().Get("Content-Type"); !strings.Contains(got, "text/html") {
		t.Fatalf("content-type = %q, want text/html", got)
	}
	if !strings.Contains(rec.Body.String(), "/openapi.json") {
		t.Fatalf("body missing /openapi.json")
	}
}
