package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MikeSquared-Agency/chatcap/internal/dispatch"
	"github.com/MikeSquared-Agency/chatcap/internal/extractor"
	"github.com/MikeSquared-Agency/chatcap/internal/store"
)

const testToken = "s3cret"

func newTestServer(t *testing.T, token string) (*Server, *store.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fl, err := store.OpenFlatList("", 0)
	if err != nil {
		t.Fatalf("OpenFlatList: %v", err)
	}
	st, err := store.Open(context.Background(), store.Options{}, func(context.Context) (store.Backend, error) {
		return fl, nil
	}, nil, logger)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	d := dispatch.New(nil, st, nil, nil, logger)
	return NewServer(8760, token, d, st, logger), st
}

func do(t *testing.T, srv *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	req.Header.Set("Authorization", "Bearer "+testToken)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return v
}

func seed(t *testing.T, st *store.Store, url string, contents ...string) string {
	t.Helper()
	frags := make([]extractor.Fragment, len(contents))
	for i, c := range contents {
		frags[i] = extractor.Fragment{ID: c, Content: c, Position: i}
	}
	res, err := st.StoreScan(context.Background(), &extractor.ScanRecord{
		ScanType:     extractor.ScanDeep,
		URL:          url,
		Title:        "Chat",
		Timestamp:    time.Now().UTC(),
		Fragments:    frags,
		MessageCount: len(frags),
		Checksum:     extractor.Checksum(frags),
	})
	if err != nil {
		t.Fatalf("StoreScan: %v", err)
	}
	return res.ID
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, testToken)

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	if body := decode[map[string]string](t, w); body["status"] != "ok" {
		t.Errorf("expected status ok, got %q", body["status"])
	}
}

func TestStatusEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, testToken)

	w := do(t, srv, "GET", "/api/v1/chatcap/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := decode[map[string]any](t, w)
	if body["agent"] != "chatcap" {
		t.Errorf("expected agent chatcap, got %v", body["agent"])
	}
	if body["backend"] != "flatlist" {
		t.Errorf("expected backend flatlist, got %v", body["backend"])
	}
}

func TestNotFoundEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, testToken)

	w := do(t, srv, "GET", "/nonexistent", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestBearerAuth(t *testing.T) {
	tests := []struct {
		name   string
		token  string
		header string
		want   int
	}{
		{"valid token", testToken, "Bearer " + testToken, http.StatusOK},
		{"wrong token", testToken, "Bearer nope", http.StatusUnauthorized},
		{"missing header", testToken, "", http.StatusUnauthorized},
		{"wrong scheme", testToken, "Basic " + testToken, http.StatusUnauthorized},
		{"auth disabled", "", "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newTestServer(t, tt.token)
			req := httptest.NewRequest("GET", "/api/v1/scans/count", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			srv.Handler().ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, w.Code)
			}
		})
	}

	srv, _ := newTestServer(t, testToken)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
	if w.Code != http.StatusOK {
		t.Errorf("health should not require auth, got %d", w.Code)
	}
}

func TestActionsEndpoint(t *testing.T) {
	srv, st := newTestServer(t, testToken)

	body := `{"action":"DEEP_SCAN","tabId":1,"url":"https://chat.example.com/c/1","html":"<html><body><div class=\"message\">hello from the page</div></body></html>"}`
	w := do(t, srv, "POST", "/api/v1/actions", body)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if resp := decode[dispatch.Response](t, w); !resp.Success {
		t.Errorf("deep scan failed: %s", resp.Error)
	}
	if n := st.GetScanCount(context.Background()); n != 1 {
		t.Errorf("scan count = %d, want 1", n)
	}

	w = do(t, srv, "POST", "/api/v1/actions", `{"action":"REWIND"}`)
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("unknown action: expected 422, got %d", w.Code)
	}
	w = do(t, srv, "POST", "/api/v1/actions", `{broken`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid JSON: expected 400, got %d", w.Code)
	}
}

func TestScanReadEndpoints(t *testing.T) {
	srv, st := newTestServer(t, testToken)
	id := seed(t, st, "https://chat.example.com/c/9", "first line here", "second line here")
	seed(t, st, "https://other.example.com/x", "unrelated conversation text")

	w := do(t, srv, "GET", "/api/v1/scans", "")
	if got := decode[ScansResponse](t, w); got.Count != 2 {
		t.Errorf("list count = %d, want 2", got.Count)
	}

	w = do(t, srv, "GET", "/api/v1/scans/count", "")
	if got := decode[map[string]int](t, w); got["count"] != 2 {
		t.Errorf("count = %d, want 2", got["count"])
	}

	w = do(t, srv, "GET", "/api/v1/scans/by-url?url=https://chat.example.com/c/9&limit=5", "")
	byURL := decode[ScansResponse](t, w)
	if byURL.Count != 1 || byURL.Scans[0].ID != id {
		t.Errorf("by-url = %+v", byURL)
	}

	w = do(t, srv, "GET", "/api/v1/scans/"+id, "")
	if w.Code != http.StatusOK {
		t.Fatalf("get scan: expected 200, got %d", w.Code)
	}
	if rec := decode[extractor.ScanRecord](t, w); rec.MessageCount != 2 {
		t.Errorf("messageCount = %d, want 2", rec.MessageCount)
	}

	tests := []struct {
		name   string
		method string
		target string
		want   int
	}{
		{"missing scan", "GET", "/api/v1/scans/nope", http.StatusNotFound},
		{"missing merge", "GET", "/api/v1/merges/nope", http.StatusNotFound},
		{"by-url without url", "GET", "/api/v1/scans/by-url", http.StatusBadRequest},
		{"by-url bad limit", "GET", "/api/v1/scans/by-url?url=x&limit=abc", http.StatusBadRequest},
		{"cleanup without age", "DELETE", "/api/v1/scans", http.StatusBadRequest},
		{"cleanup zero age", "DELETE", "/api/v1/scans?max_age_days=0", http.StatusBadRequest},
		{"cleanup", "DELETE", "/api/v1/scans?max_age_days=7", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := do(t, srv, tt.method, tt.target, ""); w.Code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, w.Code)
			}
		})
	}
}

func TestMergeEndpoint(t *testing.T) {
	srv, st := newTestServer(t, testToken)
	m := &store.MergedResult{MergeID: "m-1", SessionID: "s-1", CreatedAt: time.Now().UTC()}
	if err := st.SaveMerge(context.Background(), m); err != nil {
		t.Fatalf("SaveMerge: %v", err)
	}

	w := do(t, srv, "GET", "/api/v1/merges/m-1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got := decode[store.MergedResult](t, w); got.SessionID != "s-1" {
		t.Errorf("sessionId = %q, want s-1", got.SessionID)
	}
}
