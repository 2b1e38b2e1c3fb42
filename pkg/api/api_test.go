package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/crossview/crossview/pkg/logger"
	"github.com/crossview/crossview/pkg/session"
)

type fakeCtrl struct{}

func (fakeCtrl) Provision(_ context.Context, sessionID, _ string) (string, string, int, error) {
	return "cnt-" + sessionID, "127.0.0.1:49200", 49200, nil
}
func (fakeCtrl) Stop(context.Context, string) bool { return true }

type fakeStats struct {
	cpu, mem int64
	err      error
}

func (f fakeStats) Stats(context.Context, string) (int64, int64, error) { return f.cpu, f.mem, f.err }

type fakeRelay struct{ sessions []string }

func (f *fakeRelay) Handle(w http.ResponseWriter, _ *http.Request, sessionID string) {
	f.sessions = append(f.sessions, sessionID)
	w.WriteHeader(http.StatusOK)
}

func testServer(t *testing.T) (*httptest.Server, *fakeRelay) {
	t.Helper()
	reg, err := session.OpenRegistry("file::memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = reg.Close() })
	log := logger.Default()
	relay := &fakeRelay{}
	h := New(session.NewService(reg, fakeCtrl{}, log), fakeStats{cpu: 1200, mem: 1 << 30}, relay, log)
	srv := httptest.NewServer(h.Router())
	t.Cleanup(srv.Close)
	return srv, relay
}

func create(t *testing.T, srv *httptest.Server, variant string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Post(srv.URL+"/api/sessions", "application/json",
		strings.NewReader(`{"browser_type":"`+variant+`"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&body)
	return resp.StatusCode, body
}

func TestCreateSession(t *testing.T) {
	srv, _ := testServer(t)

	code, body := create(t, srv, "chrome")
	if code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", code)
	}
	if body["session_id"] == "" || body["status"] != "running" {
		t.Fatalf("body = %v", body)
	}
	if body["endpoint"] == "" {
		t.Fatalf("running session without endpoint: %v", body)
	}
}

func TestCreateSessionUnknownVariant(t *testing.T) {
	srv, _ := testServer(t)

	code, body := create(t, srv, "netscape")
	if code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", code)
	}
	if body["error"] == "" {
		t.Fatalf("missing error envelope: %v", body)
	}
}

func TestGetSession(t *testing.T) {
	srv, _ := testServer(t)
	_, created := create(t, srv, "chrome")
	id := created["session_id"].(string)

	resp, err := http.Get(srv.URL + "/api/sessions/" + id)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	resp2, err := http.Get(srv.URL + "/api/sessions/missing")
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp2.StatusCode)
	}
}

func TestListSessions(t *testing.T) {
	srv, _ := testServer(t)
	create(t, srv, "chrome")
	create(t, srv, "firefox")

	resp, err := http.Get(srv.URL + "/api/sessions")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body struct {
		Sessions []session.Session `json:"sessions"`
		Count    int               `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Count != 2 || len(body.Sessions) != 2 {
		t.Fatalf("count = %d, sessions = %d, want 2", body.Count, len(body.Sessions))
	}
}

func TestDeleteSession(t *testing.T) {
	srv, _ := testServer(t)
	_, created := create(t, srv, "chrome")
	id := created["session_id"].(string)

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/sessions/"+id, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	req2, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/sessions/missing", nil)
	resp2, err := http.DefaultClient.Do(req2)
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp2.StatusCode)
	}
}

func TestContainerStats(t *testing.T) {
	srv, _ := testServer(t)
	_, created := create(t, srv, "chrome")
	id := created["session_id"].(string)

	resp, err := http.Get(srv.URL + "/api/containers/" + id + "/stats")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var c session.Container
	if err := json.NewDecoder(resp.Body).Decode(&c); err != nil {
		t.Fatal(err)
	}
	if c.CpuUsage != 1200 || c.MemoryUsage != 1<<30 {
		t.Fatalf("usage = %d/%d", c.CpuUsage, c.MemoryUsage)
	}

	resp2, err := http.Get(srv.URL + "/api/containers/missing/stats")
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp2.StatusCode)
	}
}

func TestSignalingRoute(t *testing.T) {
	srv, relay := testServer(t)

	resp, err := http.Get(srv.URL + "/ws/s123")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if len(relay.sessions) != 1 || relay.sessions[0] != "s123" {
		t.Fatalf("relay saw %v, want [s123]", relay.sessions)
	}
}
