package handles

import (
	"bytes"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/klauspost/compress/gzhttp"
)

// RegisterRoutes mounts the handle dereferencing endpoint on the given router.
func RegisterRoutes(r chi.Router, reg *Registry) {
	r.Method(http.MethodGet, "/blobs/{id}", gzhttp.GzipHandler(handleGet(reg)))
	r.Method(http.MethodHead, "/blobs/{id}", handleGet(reg))
}

func handleGet(reg *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h, ok := reg.Lookup(chi.URLParam(r, "id"))
		if !ok {
			http.Error(w, "handle not found", http.StatusNotFound)
			return
		}

		w.Header().Set("Content-Type", h.MIME)
		w.Header().Set("ETag", `"`+h.Digest+`"`)
		w.Header().Set("Cache-Control", "private, max-age=3600")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(h.Bytes()))
	}
}
