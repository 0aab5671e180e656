package handles

import (
	"context"
	"errors"
	"io/fs"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"testing/fstest"
	"time"
)

func testFS() fstest.MapFS {
	return fstest.MapFS{
		"index.html":      {Data: []byte("<html></html>")},
		"img/bg.png":      {Data: []byte("\x89PNG")},
		"css/style.css":   {Data: []byte("body{}")},
		"data/blob.xyz":   {Data: []byte("?")},
		"lang/en_US.lang": {Data: []byte("k=v")},
	}
}

func TestGetOrCreateDeduplicates(t *testing.T) {
	reg := NewRegistry("http://127.0.0.1:8787/blobs")
	c := NewCache(testFS(), reg, nil)
	ctx := context.Background()

	first, err := c.GetOrCreate(ctx, "img/bg.png")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	second, err := c.GetOrCreate(ctx, "img/bg.png")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if first != second {
		t.Error("expected the identical handle on repeated calls")
	}
	if c.Len() != 1 || reg.Len() != 1 {
		t.Errorf("cache len %d, registry len %d, want 1 and 1", c.Len(), reg.Len())
	}
	if first.MIME != "image/png" {
		t.Errorf("MIME = %q, want image/png", first.MIME)
	}
	if !strings.HasPrefix(first.URL, "http://127.0.0.1:8787/blobs/") {
		t.Errorf("URL = %q", first.URL)
	}
	if len(first.Digest) != 64 {
		t.Errorf("Digest length = %d, want 64", len(first.Digest))
	}
	if got, ok := reg.Lookup(first.ID); !ok || got != first {
		t.Error("registry does not resolve the handle ID")
	}
}

func TestGetOrCreateConcurrent(t *testing.T) {
	reg := NewRegistry("http://localhost/blobs")
	c := NewCache(testFS(), reg, nil)
	ctx := context.Background()

	const workers = 32
	results := make([]*Handle, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := c.GetOrCreate(ctx, "css/style.css")
			if err != nil {
				t.Errorf("GetOrCreate: %v", err)
				return
			}
			results[i] = h
		}(i)
	}
	wg.Wait()

	for i := 1; i < workers; i++ {
		if results[i] != results[0] {
			t.Fatalf("worker %d received a different handle", i)
		}
	}
	if reg.Len() != 1 {
		t.Errorf("registry holds %d handles, want 1", reg.Len())
	}
}

func TestGetOrCreateUnreadable(t *testing.T) {
	c := NewCache(testFS(), NewRegistry("http://localhost/blobs"), nil)

	_, err := c.GetOrCreate(context.Background(), "missing.png")
	if !errors.Is(err, ErrAssetUnreadable) {
		t.Fatalf("expected ErrAssetUnreadable, got %v", err)
	}
	if c.Len() != 0 {
		t.Errorf("failed read left %d cached handles", c.Len())
	}

	// Directories are not assets.
	if _, err := c.GetOrCreate(context.Background(), "lang"); !errors.Is(err, ErrAssetUnreadable) {
		t.Errorf("expected ErrAssetUnreadable for a directory, got %v", err)
	}
}

func TestTransformAppliedBeforeHandle(t *testing.T) {
	c := NewCache(testFS(), NewRegistry("http://localhost/blobs"), nil)
	c.SetTransform(".CSS", func(ctx context.Context, p string, data []byte) []byte {
		return append([]byte("/* "+p+" */"), data...)
	})

	h, err := c.GetOrCreate(context.Background(), "css/style.css")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if got := string(h.Bytes()); got != "/* css/style.css */body{}" {
		t.Errorf("content = %q", got)
	}
}

func TestReferenceCycle(t *testing.T) {
	fsys := fstest.MapFS{
		"a.css": {Data: []byte("b.css")},
		"b.css": {Data: []byte("a.css")},
	}
	c := NewCache(fsys, NewRegistry("http://localhost/blobs"), nil)

	var cycleErr error
	c.SetTransform(".css", func(ctx context.Context, p string, data []byte) []byte {
		if _, err := c.GetOrCreate(ctx, string(data)); err != nil {
			cycleErr = err
		}
		return data
	})

	if _, err := c.GetOrCreate(context.Background(), "a.css"); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if !errors.Is(cycleErr, ErrReferenceCycle) {
		t.Errorf("expected ErrReferenceCycle, got %v", cycleErr)
	}
	if c.Len() != 2 {
		t.Errorf("cache len = %d, want 2", c.Len())
	}
}

func TestCreateAndRelease(t *testing.T) {
	reg := NewRegistry("http://localhost/blobs/")
	c := NewCache(testFS(), reg, nil)

	doc := c.Create("index.html", "text/html", []byte("<p>rewritten</p>"))
	if _, ok := c.Lookup("index.html"); ok {
		t.Error("synthesized handles must not be path-cached")
	}
	if !strings.HasPrefix(doc.URL, "http://localhost/blobs/") || strings.Contains(doc.URL, "blobs//") {
		t.Errorf("URL = %q", doc.URL)
	}
	if _, err := c.GetOrCreate(context.Background(), "img/bg.png"); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if len(c.Handles()) != 2 {
		t.Fatalf("Handles() = %d, want 2", len(c.Handles()))
	}

	c.Release()
	if reg.Len() != 0 {
		t.Errorf("registry holds %d handles after release", reg.Len())
	}
	if _, ok := reg.Lookup(doc.ID); ok {
		t.Error("released handle is still dereferenceable")
	}
	if c.Len() != 0 {
		t.Errorf("cache len after release = %d", c.Len())
	}
}

func TestMIMEType(t *testing.T) {
	tests := map[string]string{
		"a/index.html":     "text/html",
		"STYLE.CSS":        "text/css",
		"app.wasm":         "application/wasm",
		"site.webmanifest": "application/manifest+json",
		"assets.epk":       DefaultMIMEType,
		"noext":            DefaultMIMEType,
	}
	for in, want := range tests {
		if got := MIMEType(in); got != want {
			t.Errorf("MIMEType(%q) = %q, want %q", in, got, want)
		}
	}
}

// countingFS counts opens per file and holds each one briefly so that
// concurrent first requests overlap.
type countingFS struct {
	files fstest.MapFS
	mu       sync.Mutex
	opens map[string]int
}

func (c *countingFS) Open(name string) (fs.File, error) {
	c.mu.Lock()
	c.opens[name]++
	c.mu.Unlock()
	time.Sleep(20 * time.Millisecond)
	return c.files.Open(name)
}

func (c *countingFS) count(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opens[name]
}

func TestGetOrCreateReadsOnce(t *testing.T) {
	src := &countingFS{files: testFS(), opens: make(map[string]int)}
	c := NewCache(src, NewRegistry("http://localhost/blobs"), nil)
	var transforms atomic.Int32
	c.SetTransform(".css", func(ctx context.Context, p string, data []byte) []byte {
		transforms.Add(1)
		if _, err := c.GetOrCreate(ctx, "img/bg.png"); err != nil {
			t.Errorf("nested GetOrCreate: %v", err)
		}
		return data
	})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.GetOrCreate(context.Background(), "css/style.css"); err != nil {
				t.Errorf("GetOrCreate: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := src.count("css/style.css"); n != 1 {
		t.Errorf("css/style.css opened %d times, want 1", n)
	}
	if n := src.count("img/bg.png"); n != 1 {
		t.Errorf("img/bg.png opened %d times, want 1", n)
	}
	if n := transforms.Load(); n != 1 {
		t.Errorf("transform ran %d times, want 1", n)
	}
}

func TestMutualReferencesDoNotBlock(t *testing.T) {
	src := fstest.MapFS{
		"a.css": {Data: []byte("b.css")},
		"b.css": {Data: []byte("a.css")},
	}
	c := NewCache(src, NewRegistry("http://localhost/blobs"), nil)
	c.SetTransform(".css", func(ctx context.Context, p string, data []byte) []byte {
		time.Sleep(10 * time.Millisecond)
		c.GetOrCreate(ctx, string(data))
		return data
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		for _, p := range []string{"a.css", "b.css"} {
			p := p
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := c.GetOrCreate(context.Background(), p); err != nil {
					t.Errorf("GetOrCreate %s: %v", p, err)
				}
			}()
		}
		wg.Wait()
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("concurrent mutual references did not complete")
	}
	if c.Len() != 2 {
		t.Errorf("cache len %d, want 2", c.Len())
	}
}
