package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"

	"github.com/ziadkadry99/bundlevault/internal/archive"
	"github.com/ziadkadry99/bundlevault/internal/audit"
	"github.com/ziadkadry99/bundlevault/internal/config"
	"github.com/ziadkadry99/bundlevault/internal/db"
	"github.com/ziadkadry99/bundlevault/internal/handles"
	"github.com/ziadkadry99/bundlevault/internal/loader"
	"github.com/ziadkadry99/bundlevault/internal/locator"
	"github.com/ziadkadry99/bundlevault/internal/rewrite"
)

func writeBundle(t *testing.T, files map[string]string) string {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip create: %v", err)
		}
		if _, err := io.WriteString(w, content); err != nil {
			t.Fatalf("zip write: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	p := filepath.Join(t.TempDir(), "clients.zip")
	if err := os.WriteFile(p, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func newTestServer(t *testing.T, cfg Config) (*Server, *handles.Registry) {
	t.Helper()
	database, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	bundle := writeBundle(t, map[string]string{
		"1.8.8/index.html": `<html><head><link rel="stylesheet" href="style.css"></head></html>`,
		"1.8.8/style.css":  `body { color: red; }`,
	})

	loc := locator.New(".html", nil, nil)
	store, err := archive.NewStore(t.TempDir(), database, loc, archive.StoreOptions{}, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	reg := handles.NewRegistry("http://127.0.0.1:8787/blobs")
	trail := audit.NewStore(database)
	l := loader.New(loader.Options{ArchiveURL: bundle}, loader.Deps{
		Fetcher:  archive.NewFetcher(0, false, 0, nil),
		Mount:    archive.NewMountPoint(nil),
		Store:    store,
		Locator:  loc,
		Engine:   rewrite.New(rewrite.DefaultOptions(), nil),
		Registry: reg,
		Audit:    trail,
	})
	return New(cfg, l, reg, trail, nil), reg
}

func TestHealthCheck(t *testing.T) {
	srv, _ := newTestServer(t, Config{Port: 0})

	req := httptest.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status 'ok', got %q", body["status"])
	}
}

func TestCORSHeaders(t *testing.T) {
	srv, _ := newTestServer(t, Config{Port: 0, AllowAll: true})

	req := httptest.NewRequest("OPTIONS", "/healthz", nil)
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set("Access-Control-Request-Method", "GET")
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Header().Get("Access-Control-Allow-Origin") == "" {
		t.Error("expected CORS Allow-Origin header")
	}
}

func TestCORSAllowsSandboxedFrames(t *testing.T) {
	srv, _ := newTestServer(t, Config{Port: 0})

	req := httptest.NewRequest("GET", "/healthz", nil)
	req.Header.Set("Origin", "null")
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "null" {
		t.Errorf("Allow-Origin: got %q, want %q", got, "null")
	}
}

func TestLoadAndDereference(t *testing.T) {
	srv, reg := newTestServer(t, Config{Port: 0})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/load/1.8.8", "application/json", nil)
	if err != nil {
		t.Fatalf("POST load: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("load: expected 200, got %d", resp.StatusCode)
	}
	var body struct {
		Session   string `json:"session"`
		Documents []struct {
			Path string `json:"path"`
			URL  string `json:"url"`
		} `json:"documents"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Documents) != 1 {
		t.Fatalf("documents: got %+v", body.Documents)
	}

	// Handle URLs point at the configured base; serve them from the test server.
	docURL := ts.URL + "/blobs/" + strings.TrimPrefix(body.Documents[0].URL, reg.Prefix())
	doc, err := http.Get(docURL)
	if err != nil {
		t.Fatalf("GET document: %v", err)
	}
	defer doc.Body.Close()
	html, _ := io.ReadAll(doc.Body)
	if doc.Header.Get("Content-Type") != "text/html" {
		t.Errorf("document Content-Type: got %q", doc.Header.Get("Content-Type"))
	}
	if !strings.Contains(string(html), reg.Prefix()) || strings.Contains(string(html), `"style.css"`) {
		t.Errorf("document not rewritten: %s", html)
	}

	if srv.Sessions().Len() != 1 {
		t.Errorf("sessions: got %d, want 1", srv.Sessions().Len())
	}

	trailResp, err := http.Get(ts.URL + "/api/audit?action=load")
	if err != nil {
		t.Fatalf("GET audit: %v", err)
	}
	defer trailResp.Body.Close()
	var entries []audit.Entry
	if err := json.NewDecoder(trailResp.Body).Decode(&entries); err != nil {
		t.Fatalf("decode audit: %v", err)
	}
	if len(entries) != 1 || entries[0].Session != body.Session || entries[0].Outcome != audit.OutcomeOK {
		t.Errorf("audit entries: got %+v", entries)
	}
	if err := srv.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if srv.Sessions().Len() != 0 || reg.Len() != 0 {
		t.Errorf("shutdown left %d sessions and %d handles", srv.Sessions().Len(), reg.Len())
	}
}

func TestRequestDeadlineCoversArchiveFetch(t *testing.T) {
	fetch := config.DefaultConfig().FetchTimeout
	tests := []struct {
		name string
		cfg  Config
		want time.Duration
	}{
		{"default", Config{}, DefaultRequestTimeout},
		{"configured", Config{RequestTimeout: 20 * time.Minute}, 20 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newTestServer(t, tt.cfg)
			var remaining time.Duration
			srv.Router().Get("/deadline", func(w http.ResponseWriter, r *http.Request) {
				if dl, ok := r.Context().Deadline(); ok {
					remaining = time.Until(dl)
				}
			})

			srv.Router().ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/deadline", nil))

			if remaining <= fetch {
				t.Errorf("request deadline %v does not cover fetch timeout %v", remaining, fetch)
			}
			if remaining > tt.want {
				t.Errorf("request deadline %v exceeds configured %v", remaining, tt.want)
			}
		})
	}
}
