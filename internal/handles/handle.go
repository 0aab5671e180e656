// Package handles turns logical paths into content handles: in-memory
// copies of bundle files, each reachable at its own URL for as long as
// the session that created it lives.
package handles

import (
	"encoding/hex"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

// Handle is a dereferenceable reference to an in-memory byte buffer.
type Handle struct {
	ID     string
	Path   string
	MIME   string
	Digest string
	URL    string
	data   []byte
}

// Bytes returns the handle's content. Callers must not modify it.
func (h *Handle) Bytes() []byte { return h.data }

// Size returns the content length in bytes.
func (h *Handle) Size() int { return len(h.data) }

// Registry is the process-wide index from handle ID to handle. The HTTP
// server dereferences handles through it; sessions add and release their
// own handles.
type Registry struct {
	base    string
	mu      sync.RWMutex
	handles map[string]*Handle
}

// NewRegistry returns a Registry whose handle URLs start with base.
func NewRegistry(base string) *Registry {
	return &Registry{
		base:    strings.TrimRight(base, "/"),
		handles: make(map[string]*Handle),
	}
}

// Prefix is the string every handle URL from this registry starts with.
func (r *Registry) Prefix() string { return r.base + "/" }

// Lookup returns the live handle with the given ID.
func (r *Registry) Lookup(id string) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[id]
	return h, ok
}

// Len returns the number of live handles.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}

func (r *Registry) register(logicalPath, mime string, data []byte) *Handle {
	sum := blake3.Sum256(data)
	id := uuid.New().String()
	h := &Handle{
		ID:     id,
		Path:   logicalPath,
		MIME:   mime,
		Digest: hex.EncodeToString(sum[:]),
		URL:    r.Prefix() + id,
		data:   data,
	}

	r.mu.Lock()
	r.handles[id] = h
	r.mu.Unlock()
	return h
}

func (r *Registry) release(hs []*Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range hs {
		delete(r.handles, h.ID)
	}
}
