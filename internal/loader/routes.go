package loader

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ziadkadry99/bundlevault/internal/archive"
	"github.com/ziadkadry99/bundlevault/internal/audit"
	"github.com/ziadkadry99/bundlevault/internal/usage"
)

// SessionHeader carries the session id on responses that do not have a
// JSON body, so the client can release the session later.
const SessionHeader = "X-Session-Id"

// loadResponse is the JSON body returned for a successful load.
type loadResponse struct {
	Session   string     `json:"session"`
	Version   string     `json:"version"`
	Documents []Document `json:"documents"`
}

func newLoadResponse(res *Result) loadResponse {
	return loadResponse{Session: res.Session.ID(), Version: res.Version, Documents: res.Documents}
}

// RegisterRoutes mounts the load API on the given router. Sessions
// created over HTTP are kept in sessions until released.
func RegisterRoutes(r chi.Router, l *Loader, sessions *Sessions) {
	r.Route("/api", func(r chi.Router) {
		r.Post("/load/{version}", handleLoad(l, sessions))
		r.Get("/load/{version}/ws", handleLoadWS(l, sessions))
		r.Delete("/sessions/{id}", handleRelease(l, sessions))
		r.Get("/versions", handleVersions(l))
		r.Get("/usage", handleUsage(l))
	})
	r.Get("/play/{version}", handlePlay(l, sessions))
}

func handleLoad(l *Loader, sessions *Sessions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := l.Load(r.Context(), chi.URLParam(r, "version"))
		if err != nil {
			writeError(w, err)
			return
		}
		sessions.Add(res.Session)
		w.Header().Set(SessionHeader, res.Session.ID())
		writeJSON(w, http.StatusOK, newLoadResponse(res))
	}
}

func handlePlay(l *Loader, sessions *Sessions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := l.Load(r.Context(), chi.URLParam(r, "version"))
		if err != nil {
			writeError(w, err)
			return
		}
		sessions.Add(res.Session)
		w.Header().Set(SessionHeader, res.Session.ID())
		http.Redirect(w, r, res.Documents[0].URL, http.StatusFound)
	}
}

func handleRelease(l *Loader, sessions *Sessions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if !sessions.Release(id) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
			return
		}
		l.record(r.Context(), audit.Entry{Action: audit.ActionRelease, Session: id, Outcome: audit.OutcomeOK})
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleVersions(l *Loader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		versions, err := l.deps.Store.Versions(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		if versions == nil {
			versions = []archive.VersionInfo{}
		}
		writeJSON(w, http.StatusOK, versions)
	}
}

func handleUsage(l *Loader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var records []usage.Record
		if l.deps.Tracker != nil {
			var err error
			if records, err = l.deps.Tracker.List(r.Context()); err != nil {
				writeError(w, err)
				return
			}
		}
		if records == nil {
			records = []usage.Record{}
		}
		writeJSON(w, http.StatusOK, records)
	}
}

// StatusFor maps a load error to an HTTP status code.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, ErrVersionNotFound), errors.Is(err, ErrUnsupportedVersion):
		return http.StatusNotFound
	case errors.Is(err, archive.ErrArchiveUnreachable):
		return http.StatusBadGateway
	case errors.Is(err, archive.ErrArchiveCorrupt):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, StatusFor(err), map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
