package proxy

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestForwardRelaysRequestAndResponse(t *testing.T) {
	var gotAuth, gotPath, gotQuery, gotBody string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	d, err := New(Config{BaseURL: upstream.URL + "/v1"}, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	req := httptest.NewRequest("POST", "/upstream/completions?stream=false",
		strings.NewReader(`{"model":"gpt-4"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	d.Forward(rec, req, "sk-abc123", "/chat/completions")

	if gotAuth != "Bearer sk-abc123" {
		t.Errorf("upstream Authorization: got %q", gotAuth)
	}
	if gotPath != "/v1/chat/completions" {
		t.Errorf("upstream path: got %q", gotPath)
	}
	if gotQuery != "stream=false" {
		t.Errorf("upstream query: got %q", gotQuery)
	}
	if gotBody != `{"model":"gpt-4"}` {
		t.Errorf("upstream body: got %q", gotBody)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("relayed status: got %d, want 201", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ok":true`) {
		t.Errorf("relayed body: got %q", rec.Body.String())
	}
}

func TestForwardOrganizationHeader(t *testing.T) {
	var gotOrg string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotOrg = r.Header.Get("OpenAI-Organization")
	}))
	defer upstream.Close()

	d, _ := New(Config{BaseURL: upstream.URL, Organization: "org-team"}, discardLogger())
	rec := httptest.NewRecorder()
	d.Forward(rec, httptest.NewRequest("GET", "/upstream/models", nil), "sk-a1", "/models")

	if gotOrg != "org-team" {
		t.Errorf("OpenAI-Organization: got %q", gotOrg)
	}
}

func TestForwardGatewayError(t *testing.T) {
	// Point at a closed port: transport failure, not an upstream status.
	d, _ := New(Config{BaseURL: "http://127.0.0.1:1"}, discardLogger())

	rec := httptest.NewRecorder()
	d.Forward(rec, httptest.NewRequest("GET", "/upstream/models", nil), "sk-a1", "/models")

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status: got %d, want 502", rec.Code)
	}
	var env struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if env.Message == "" {
		t.Error("502 body should carry a generic message")
	}
	if strings.Contains(env.Message, "127.0.0.1") {
		t.Error("transport detail must not leak to the caller")
	}
}

func TestForwardRelaysUpstreamErrorStatus(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"rate limited"}`))
	}))
	defer upstream.Close()

	d, _ := New(Config{BaseURL: upstream.URL}, discardLogger())
	rec := httptest.NewRecorder()
	d.Forward(rec, httptest.NewRequest("GET", "/upstream/models", nil), "sk-a1", "/models")

	// Upstream's own 4xx is relayed verbatim, not rewritten as 502.
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("status: got %d, want 429", rec.Code)
	}
}
