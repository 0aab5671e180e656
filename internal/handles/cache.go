package handles

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"path"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrAssetUnreadable reports that a referenced file could not be read.
	ErrAssetUnreadable = errors.New("asset unreadable")
	// ErrReferenceCycle reports a file that, through its own references,
	// asks for itself while it is being materialized.
	ErrReferenceCycle = errors.New("reference cycle")
)

// Transform rewrites the content of a file before its handle is created.
// ctx carries the materialization chain and must be passed to any nested
// GetOrCreate call.
type Transform func(ctx context.Context, logicalPath string, data []byte) []byte

// Cache is the session-scoped map from logical path to handle. Every
// handle it creates lives in the shared Registry until Release.
//
// Cache is safe for concurrent use. Concurrent first requests for the
// same path share one read and one transform. The exception is a file
// with a transform requested from inside another transform: it is built
// by the caller itself, since waiting there could block two goroutines
// on each other's files. Only one handle is ever published per path.
type Cache struct {
	id         string
	src        fs.FS
	reg        *Registry
	logger     *slog.Logger
	transforms map[string]Transform
	flight     singleflight.Group

	mu     sync.Mutex
	byPath map[string]*Handle
	owned  []*Handle
}

// NewCache returns an empty session cache reading files from src.
func NewCache(src fs.FS, reg *Registry, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Cache{
		id:         uuid.New().String(),
		src:        src,
		reg:        reg,
		logger:     logger,
		transforms: make(map[string]Transform),
		byPath:     make(map[string]*Handle),
	}
}

// ID identifies the session.
func (c *Cache) ID() string { return c.id }

// Source returns the file tree the cache reads from.
func (c *Cache) Source() fs.FS { return c.src }

// Prefix is the prefix shared by all handle URLs of this cache.
func (c *Cache) Prefix() string { return c.reg.Prefix() }

// SetTransform registers fn for files with extension ext (".css"). It
// must be called before the cache is shared between goroutines.
func (c *Cache) SetTransform(ext string, fn Transform) {
	c.transforms[strings.ToLower(ext)] = fn
}

// GetOrCreate returns the handle for logicalPath, creating it on first
// use. A failed read returns an error wrapping ErrAssetUnreadable and
// leaves nothing cached, so the reference can be left as it was.
func (c *Cache) GetOrCreate(ctx context.Context, logicalPath string) (*Handle, error) {
	if h, ok := c.Lookup(logicalPath); ok {
		return h, nil
	}
	if inChain(ctx, logicalPath) {
		return nil, fmt.Errorf("%w: %s", ErrReferenceCycle, logicalPath)
	}

	fn, transformed := c.transforms[strings.ToLower(path.Ext(logicalPath))]
	if transformed && inAnyChain(ctx) {
		return c.materialize(ctx, logicalPath, fn)
	}
	v, err, _ := c.flight.Do(logicalPath, func() (any, error) {
		return c.materialize(ctx, logicalPath, fn)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Handle), nil
}

// materialize reads and transforms logicalPath and publishes its handle
// unless another caller got there first.
func (c *Cache) materialize(ctx context.Context, logicalPath string, fn Transform) (*Handle, error) {
	if h, ok := c.Lookup(logicalPath); ok {
		return h, nil
	}
	data, err := fs.ReadFile(c.src, logicalPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrAssetUnreadable, logicalPath, err)
	}
	if fn != nil {
		data = fn(withChain(ctx, logicalPath), logicalPath, data)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.byPath[logicalPath]; ok {
		return h, nil
	}
	h := c.reg.register(logicalPath, MIMEType(logicalPath), data)
	c.byPath[logicalPath] = h
	c.owned = append(c.owned, h)
	c.logger.Debug("created handle", "path", logicalPath, "mime", h.MIME, "size", h.Size())
	return h, nil
}

// Create registers a handle for synthesized content, such as a rewritten
// entry document. It is owned by the session but never returned by
// GetOrCreate.
func (c *Cache) Create(name, mime string, data []byte) *Handle {
	h := c.reg.register(name, mime, data)
	c.mu.Lock()
	c.owned = append(c.owned, h)
	c.mu.Unlock()
	return h
}

// Lookup returns the cached handle for logicalPath without creating one.
func (c *Cache) Lookup(logicalPath string) (*Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.byPath[logicalPath]
	return h, ok
}

// Len returns the number of path-keyed handles.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byPath)
}

// Handles returns every handle the session owns, in creation order.
func (c *Cache) Handles() []*Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Handle(nil), c.owned...)
}

// Release removes all of the session's handles from the registry. The
// cache is empty afterwards.
func (c *Cache) Release() {
	c.mu.Lock()
	owned := c.owned
	c.owned = nil
	c.byPath = make(map[string]*Handle)
	c.mu.Unlock()

	c.reg.release(owned)
	c.logger.Debug("released session", "session", c.id, "handles", len(owned))
}

// chain is the list of paths currently being materialized on one call
// path, innermost first.
type chain struct {
	path   string
	parent *chain
}

type chainKey struct{}

func withChain(ctx context.Context, p string) context.Context {
	parent, _ := ctx.Value(chainKey{}).(*chain)
	return context.WithValue(ctx, chainKey{}, &chain{path: p, parent: parent})
}

func inAnyChain(ctx context.Context) bool {
	c, _ := ctx.Value(chainKey{}).(*chain)
	return c != nil
}

func inChain(ctx context.Context, p string) bool {
	for c, _ := ctx.Value(chainKey{}).(*chain); c != nil; c = c.parent {
		if c.path == p {
			return true
		}
	}
	return false
}
