package loader

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ziadkadry99/bundlevault/internal/archive"
	"github.com/ziadkadry99/bundlevault/internal/handles"
	"github.com/ziadkadry99/bundlevault/internal/usage"
)

func newRouter(f *fixture) (chi.Router, *Sessions) {
	r := chi.NewRouter()
	sessions := NewSessions()
	RegisterRoutes(r, f.loader, sessions)
	return r, sessions
}

func TestLoadEndpoint(t *testing.T) {
	f := newFixture(t, zipBundle(t, clientBundle), nil)
	r, sessions := newRouter(f)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/api/load/1.8.8", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var body loadResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Session == "" || body.Version != "1.8.8" {
		t.Errorf("response: got %+v", body)
	}
	if len(body.Documents) != 1 || body.Documents[0].Path != "index.html" ||
		!strings.HasPrefix(body.Documents[0].URL, f.registry.Prefix()) {
		t.Errorf("documents: got %+v", body.Documents)
	}
	if sessions.Len() != 1 {
		t.Fatalf("sessions: got %d, want 1", sessions.Len())
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("DELETE", "/api/sessions/"+body.Session, nil))
	if w.Code != http.StatusNoContent {
		t.Errorf("release: expected 204, got %d", w.Code)
	}
	if f.registry.Len() != 0 {
		t.Errorf("registry after release: got %d handles, want 0", f.registry.Len())
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("DELETE", "/api/sessions/"+body.Session, nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("second release: expected 404, got %d", w.Code)
	}
}

func TestLoadEndpointErrors(t *testing.T) {
	tests := []struct {
		name    string
		bundle  []byte
		version string
		want    int
	}{
		{"missing version", zipBundle(t, clientBundle), "9.9.9", http.StatusNotFound},
		{"unsupported version", zipBundle(t, clientBundle), "1.5.2", http.StatusNotFound},
		{"corrupt archive", []byte("not an archive"), "1.8.8", http.StatusUnprocessableEntity},
		{"empty archive", []byte{}, "1.8.8", http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.bundle, []string{"1.8.8", "9.9.9"})
			r, sessions := newRouter(f)

			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest("POST", "/api/load/"+tt.version, nil))
			if w.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
			var body map[string]string
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if body["error"] == "" {
				t.Error("expected an error message")
			}
			if sessions.Len() != 0 {
				t.Errorf("failed load kept %d sessions", sessions.Len())
			}
		})
	}
}

func TestPlayRedirects(t *testing.T) {
	f := newFixture(t, zipBundle(t, clientBundle), nil)
	r, sessions := newRouter(f)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/play/1.8.8", nil))
	if w.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", w.Code)
	}
	loc := w.Header().Get("Location")
	if !strings.HasPrefix(loc, f.registry.Prefix()) {
		t.Errorf("Location: got %q", loc)
	}
	id := strings.TrimPrefix(loc, f.registry.Prefix())
	if h, ok := f.registry.Lookup(id); !ok || h.Path != "index.html" {
		t.Errorf("redirect target is not the entry document handle")
	}

	session := w.Header().Get(SessionHeader)
	if session == "" || sessions.Len() != 1 {
		t.Fatalf("session header %q with %d live sessions", session, sessions.Len())
	}
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("DELETE", "/api/sessions/"+session, nil))
	if w.Code != http.StatusNoContent {
		t.Fatalf("release: expected 204, got %d", w.Code)
	}
	if sessions.Len() != 0 || f.registry.Len() != 0 {
		t.Errorf("after release: %d sessions, %d handles", sessions.Len(), f.registry.Len())
	}
}

func TestUndeliveredSessionIsReleased(t *testing.T) {
	reg := handles.NewRegistry("http://localhost/blobs")
	sessions := NewSessions()

	lost := handles.NewCache(fstest.MapFS{}, reg, nil)
	lost.Create("index.html", "text/html", []byte("<html></html>"))
	err := keepIfDelivered(sessions, lost, func() error { return websocket.ErrCloseSent })
	if !errors.Is(err, websocket.ErrCloseSent) {
		t.Fatalf("expected the delivery error, got %v", err)
	}
	if sessions.Len() != 0 || reg.Len() != 0 {
		t.Errorf("undelivered session kept: %d sessions, %d handles", sessions.Len(), reg.Len())
	}

	kept := handles.NewCache(fstest.MapFS{}, reg, nil)
	kept.Create("index.html", "text/html", []byte("<html></html>"))
	if err := keepIfDelivered(sessions, kept, func() error { return nil }); err != nil {
		t.Fatalf("keepIfDelivered: %v", err)
	}
	if sessions.Len() != 1 || reg.Len() != 1 {
		t.Errorf("delivered session: %d sessions, %d handles", sessions.Len(), reg.Len())
	}
}

func TestVersionsAndUsageEndpoints(t *testing.T) {
	f := newFixture(t, zipBundle(t, clientBundle), nil)
	r, _ := newRouter(f)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/api/versions", nil))
	if w.Code != http.StatusOK || strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("versions before extraction: got %d %s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/api/load/1.5.2", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("load: expected 200, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/api/versions", nil))
	var versions []archive.VersionInfo
	if err := json.Unmarshal(w.Body.Bytes(), &versions); err != nil {
		t.Fatalf("unmarshal versions: %v", err)
	}
	if len(versions) != 2 {
		t.Errorf("versions: got %d, want 2", len(versions))
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/api/usage", nil))
	var records []usage.Record
	if err := json.Unmarshal(w.Body.Bytes(), &records); err != nil {
		t.Fatalf("unmarshal usage: %v", err)
	}
	if len(records) != 1 || records[0].Version != "1.5.2" || records[0].Count != 1 {
		t.Errorf("usage: got %+v", records)
	}
	if len(records[0].EntryDocuments) != 2 {
		t.Errorf("usage entry documents: got %v", records[0].EntryDocuments)
	}
}

func TestLoadWebSocket(t *testing.T) {
	f := newFixture(t, zipBundle(t, clientBundle), nil)
	r, sessions := newRouter(f)
	srv := httptest.NewServer(r)
	defer srv.Close()

	dial := func(version string) []wsMessage {
		url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/load/" + version + "/ws"
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		defer conn.Close()

		var msgs []wsMessage
		for {
			var msg wsMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return msgs
			}
			msgs = append(msgs, msg)
		}
	}

	msgs := dial("1.8.8")
	if len(msgs) < 2 {
		t.Fatalf("messages: got %d", len(msgs))
	}
	last := msgs[len(msgs)-1]
	if last.Type != "result" || last.Result == nil || len(last.Result.Documents) != 1 {
		t.Fatalf("last message: got %+v", last)
	}
	for _, m := range msgs[:len(msgs)-1] {
		if m.Type != "progress" || m.Event == nil {
			t.Errorf("expected progress message, got %+v", m)
		}
	}
	if msgs[0].Event.Stage != StageFetch {
		t.Errorf("first stage: got %q, want %q", msgs[0].Event.Stage, StageFetch)
	}
	if sessions.Len() != 1 {
		t.Errorf("sessions: got %d, want 1", sessions.Len())
	}

	msgs = dial("9.9.9")
	last = msgs[len(msgs)-1]
	if last.Type != "error" || last.Status != http.StatusNotFound {
		t.Errorf("missing version: got %+v", last)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{ErrVersionNotFound, http.StatusNotFound},
		{ErrUnsupportedVersion, http.StatusNotFound},
		{archive.ErrArchiveUnreachable, http.StatusBadGateway},
		{archive.ErrArchiveCorrupt, http.StatusUnprocessableEntity},
		{archive.ErrLimitExceeded, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := StatusFor(tt.err); got != tt.want {
			t.Errorf("StatusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
