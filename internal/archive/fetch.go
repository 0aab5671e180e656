package archive

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"
)

var githubRaw = regexp.MustCompile(`github\.com/([^/]+)/([^/]+)/raw/refs/heads/([^/]+)/(.*)`)

// RewriteLFS maps a GitHub raw URL to the LFS media host that serves
// the real object instead of its pointer file. Other locations are
// returned unchanged.
func RewriteLFS(location string) string {
	return githubRaw.ReplaceAllString(location, "media.githubusercontent.com/media/$1/$2/$3/$4")
}

// Fetcher retrieves archive bytes from a URL or a local path.
type Fetcher struct {
	client     *http.Client
	lfsRewrite bool
	maxSize    int64
	logger     *slog.Logger
}

// NewFetcher returns a Fetcher. A zero timeout means no timeout; a zero
// maxSize means no size cap.
func NewFetcher(timeout time.Duration, lfsRewrite bool, maxSize int64, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Fetcher{
		client:     &http.Client{Timeout: timeout},
		lfsRewrite: lfsRewrite,
		maxSize:    maxSize,
		logger:     logger,
	}
}

// Fetch returns the archive at location: an http(s) URL, a file URL or
// a filesystem path. Every failure, including an empty body, wraps
// ErrArchiveUnreachable.
func (f *Fetcher) Fetch(ctx context.Context, location string) ([]byte, error) {
	location = strings.TrimSpace(location)
	if location == "" {
		return nil, fmt.Errorf("%w: no archive location configured", ErrArchiveUnreachable)
	}

	u, err := url.Parse(location)
	var data []byte
	switch {
	case err == nil && (u.Scheme == "http" || u.Scheme == "https"):
		data, err = f.fetchHTTP(ctx, location)
	case err == nil && u.Scheme == "file":
		data, err = f.readFile(u.Path)
	default:
		data, err = f.readFile(location)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrArchiveUnreachable, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: %s is empty", ErrArchiveUnreachable, location)
	}
	f.logger.Info("fetched archive", "location", location, "bytes", len(data))
	return data, nil
}

func (f *Fetcher) fetchHTTP(ctx context.Context, location string) ([]byte, error) {
	if f.lfsRewrite {
		if rewritten := RewriteLFS(location); rewritten != location {
			f.logger.Debug("using LFS media URL", "url", rewritten)
			location = rewritten
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%s returned status %d", location, resp.StatusCode)
	}
	return f.readCapped(resp.Body)
}

func (f *Fetcher) readFile(p string) ([]byte, error) {
	file, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return f.readCapped(file)
}

func (f *Fetcher) readCapped(r io.Reader) ([]byte, error) {
	if f.maxSize <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, f.maxSize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > f.maxSize {
		return nil, fmt.Errorf("%w: archive larger than %d bytes", ErrLimitExceeded, f.maxSize)
	}
	return data, nil
}
