package handles

import (
	"path"
	"strings"
)

// DefaultMIMEType is used for extensions missing from the table.
const DefaultMIMEType = "application/octet-stream"

// mimeTypes is the fixed extension to MIME table. It does not consult
// the host's mime database so that a handle's type never depends on the
// machine serving it.
var mimeTypes = map[string]string{
	".html":        "text/html",
	".htm":         "text/html",
	".css":         "text/css",
	".js":          "application/javascript",
	".mjs":         "application/javascript",
	".json":        "application/json",
	".map":         "application/json",
	".png":         "image/png",
	".jpg":         "image/jpeg",
	".jpeg":        "image/jpeg",
	".gif":         "image/gif",
	".svg":         "image/svg+xml",
	".ico":         "image/x-icon",
	".webp":        "image/webp",
	".mp3":         "audio/mpeg",
	".ogg":         "audio/ogg",
	".wav":         "audio/wav",
	".wasm":        "application/wasm",
	".ttf":         "font/ttf",
	".otf":         "font/otf",
	".woff":        "font/woff",
	".woff2":       "font/woff2",
	".txt":         "text/plain",
	".xml":         "application/xml",
	".pdf":         "application/pdf",
	".zip":         "application/zip",
	".webmanifest": "application/manifest+json",
	".bin":         "application/octet-stream",
	".gltf":        "model/gltf+json",
	".glb":         "model/gltf-binary",
}

// MIMEType infers the MIME type of name from its extension.
func MIMEType(name string) string {
	if t, ok := mimeTypes[strings.ToLower(path.Ext(name))]; ok {
		return t
	}
	return DefaultMIMEType
}
