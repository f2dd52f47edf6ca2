package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"ecocity.ai/internal/backend/store"
)

func newServer(t *testing.T, cfg Config) *httptest.Server {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "backend.db"), nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	cfg.Store = st
	srv := httptest.NewServer(SetupRoutes(cfg))
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, srv *httptest.Server, method, path, body string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, b
}

func TestEnvironmentRoutes(t *testing.T) {
	srv := newServer(t, Config{Development: true})

	code, body := do(t, srv, http.MethodGet, "/api/environment/", "")
	if code != http.StatusOK || strings.TrimSpace(string(body)) != "null" {
		t.Fatalf("empty get: %d %s", code, body)
	}

	code, body = do(t, srv, http.MethodPost, "/api/environment/metrics", `{"carbonEmission":2.5,"airPollution":"junk"}`)
	if code != http.StatusOK {
		t.Fatalf("post: %d %s", code, body)
	}
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if doc["carbonEmission"] != 2.5 || doc["airPollution"] != 0.0 || doc["updatedAt"] == nil {
		t.Fatalf("doc: %v", doc)
	}

	code, _ = do(t, srv, http.MethodPost, "/api/environment/metrics", `not json`)
	if code != http.StatusBadRequest {
		t.Fatalf("bad body: %d", code)
	}

	code, body = do(t, srv, http.MethodDelete, "/api/environment/metrics", "")
	if code != http.StatusOK || !strings.Contains(string(body), `"carbonEmission":2.5`) {
		t.Fatalf("delete: %d %s", code, body)
	}
	_, body = do(t, srv, http.MethodGet, "/api/environment/", "")
	if strings.TrimSpace(string(body)) != "null" {
		t.Fatalf("after delete: %s", body)
	}
}

func TestUserRoutes(t *testing.T) {
	srv := newServer(t, Config{Development: true})

	code, body := do(t, srv, http.MethodPost, "/api/users", `{"userId":"u1","name":"alice","money":1}`)
	if code != http.StatusCreated {
		t.Fatalf("create: %d %s", code, body)
	}
	var u map[string]any
	_ = json.Unmarshal(body, &u)
	mm, _ := u["moveMode"].(map[string]any)
	if u["level"] != 1.0 || mm["current"] != "WALK" || mm["RUN"] == nil {
		t.Fatalf("user: %s", body)
	}

	if code, _ := do(t, srv, http.MethodPost, "/api/users", `{"userId":"u2"}`); code != http.StatusBadRequest {
		t.Fatalf("missing name: %d", code)
	}
	if code, _ := do(t, srv, http.MethodPost, "/api/users/u1/money/add", `{"amount":"5"}`); code != http.StatusBadRequest {
		t.Fatalf("string amount: %d", code)
	}
	if code, _ := do(t, srv, http.MethodPost, "/api/users/u1/money/add", `{"amount":-1}`); code != http.StatusBadRequest {
		t.Fatalf("negative amount: %d", code)
	}
	if code, body := do(t, srv, http.MethodPost, "/api/users/u1/money/subtract", `{"amount":5}`); code != http.StatusBadRequest || !strings.Contains(string(body), "insufficient") {
		t.Fatalf("insufficient: %d %s", code, body)
	}
	if code, body := do(t, srv, http.MethodPost, "/api/users/u1/money/add", `{"amount":2}`); code != http.StatusOK || !strings.Contains(string(body), `"money":3`) {
		t.Fatalf("add: %d %s", code, body)
	}
	if code, body := do(t, srv, http.MethodPost, "/api/users/u1/toggle-movement", ""); code != http.StatusOK || !strings.Contains(string(body), `"current":"RUN"`) {
		t.Fatalf("toggle: %d %s", code, body)
	}
	if code, body := do(t, srv, http.MethodPost, "/api/users/u1/kills/increment", ""); code != http.StatusOK || !strings.Contains(string(body), `"kills":1`) {
		t.Fatalf("kills: %d %s", code, body)
	}
	if code, body := do(t, srv, http.MethodPost, "/api/users/u1/experience", `{"exp":1500}`); code != http.StatusOK || !strings.Contains(string(body), `"level":2`) {
		t.Fatalf("exp: %d %s", code, body)
	}
	if code, body := do(t, srv, http.MethodPut, "/api/users/u1", `{"name":"al","moveMode":{"current":"WALK"}}`); code != http.StatusOK || !strings.Contains(string(body), `"current":"WALK"`) {
		t.Fatalf("put: %d %s", code, body)
	}
	if code, _ := do(t, srv, http.MethodPut, "/api/users/u1", `{"moveMode":{"current":"FLY"}}`); code != http.StatusBadRequest {
		t.Fatalf("bad mode: %d", code)
	}

	if code, _ := do(t, srv, http.MethodGet, "/api/users/nobody", ""); code != http.StatusNotFound {
		t.Fatalf("unknown user: %d", code)
	}
	if code, _ := do(t, srv, http.MethodPost, "/api/users/nobody/kills/increment", ""); code != http.StatusNotFound {
		t.Fatalf("unknown user kills: %d", code)
	}
	if code, _ := do(t, srv, http.MethodDelete, "/api/users/u1", ""); code != http.StatusNoContent {
		t.Fatalf("delete: %d", code)
	}
	if code, _ := do(t, srv, http.MethodDelete, "/api/users/u1", ""); code != http.StatusNotFound {
		t.Fatalf("delete again: %d", code)
	}
}

func TestCORSWhitelist(t *testing.T) {
	srv := newServer(t, Config{CORSWhitelist: []string{"https://widget.example"}})

	req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/api/environment/", nil)
	req.Header.Set("Origin", "https://widget.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Access-Control-Allow-Origin") != "https://widget.example" {
		t.Fatalf("preflight: %d %v", resp.StatusCode, resp.Header)
	}
	if resp.Header.Get("Access-Control-Allow-Credentials") != "true" || resp.Header.Get("Access-Control-Max-Age") != "86400" {
		t.Fatalf("preflight headers: %v", resp.Header)
	}

	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/api/environment/", nil)
	req.Header.Set("Origin", "https://evil.example")
	resp, err = srv.Client().Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("foreign origin allowed: %q", got)
	}
}

func TestCORSDevelopmentAllowsAnyOrigin(t *testing.T) {
	srv := newServer(t, Config{Development: true})

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/environment/", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Access-Control-Allow-Origin") != "http://localhost:5173" {
		t.Fatalf("dev origin: %d %v", resp.StatusCode, resp.Header)
	}
}
