// Package loader runs a version load end to end: make sure the version
// is extracted, find its entry documents, rewrite them in a fresh
// session and record the access.
package loader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ziadkadry99/bundlevault/internal/archive"
	"github.com/ziadkadry99/bundlevault/internal/audit"
	"github.com/ziadkadry99/bundlevault/internal/handles"
	"github.com/ziadkadry99/bundlevault/internal/locator"
	"github.com/ziadkadry99/bundlevault/internal/rewrite"
	"github.com/ziadkadry99/bundlevault/internal/usage"
)

var (
	// ErrVersionNotFound means no entry document exists for the version
	// after a full extraction.
	ErrVersionNotFound = errors.New("version not found")
	// ErrUnsupportedVersion means the version is not in the allowlist.
	ErrUnsupportedVersion = errors.New("unsupported version")
)

// Fetcher retrieves archive bytes. *archive.Fetcher satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, location string) ([]byte, error)
}

// Stage names a step of a load.
type Stage string

const (
	StageFetch   Stage = "fetch"
	StageExtract Stage = "extract"
	StageLocate  Stage = "locate"
	StageRewrite Stage = "rewrite"
	StageDone    Stage = "done"
)

// Event reports load progress to an Observer.
type Event struct {
	Stage   Stage     `json:"stage"`
	Version string    `json:"version"`
	Path    string    `json:"path,omitempty"`
	Message string    `json:"message,omitempty"`
	Time    time.Time `json:"time"`
}

// Observer receives events. It may be called from several goroutines.
type Observer func(Event)

// Options configures a Loader.
type Options struct {
	ArchiveURL        string
	SupportedVersions []string
	Concurrency       int
}

// Deps are the components a Loader drives. Tracker and Audit may be nil.
type Deps struct {
	Fetcher  Fetcher
	Mount    *archive.MountPoint
	Store    *archive.Store
	Locator  *locator.Locator
	Engine   *rewrite.Engine
	Registry *handles.Registry
	Tracker  *usage.Tracker
	Audit    *audit.Store
	Logger   *slog.Logger
}

// Document is one rewritten entry document.
type Document struct {
	Path   string          `json:"path"`
	URL    string          `json:"url"`
	Handle *handles.Handle `json:"-"`
}

// Result is the outcome of a load. The caller owns Session and must
// Release it when the documents are no longer needed.
type Result struct {
	Version   string         `json:"version"`
	Session   *handles.Cache `json:"-"`
	Documents []Document     `json:"documents"`
}

// Loader serves load requests. It is safe for concurrent use; fetching
// and extracting the archive is serialized.
type Loader struct {
	opts Options
	deps Deps
	log  *slog.Logger

	fetchMu sync.Mutex
}

// New returns a Loader.
func New(opts Options, deps Deps) *Loader {
	log := deps.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	return &Loader{opts: opts, deps: deps, log: log}
}

// Load loads version.
func (l *Loader) Load(ctx context.Context, version string) (*Result, error) {
	return l.LoadWithObserver(ctx, version, nil)
}

// LoadWithObserver loads version, reporting progress to obs.
func (l *Loader) LoadWithObserver(ctx context.Context, version string, obs Observer) (*Result, error) {
	start := time.Now()
	res, err := l.load(ctx, version, obs)

	entry := audit.Entry{Action: audit.ActionLoad, Version: version, Outcome: audit.OutcomeOK, Duration: time.Since(start)}
	if err != nil {
		entry.Outcome = audit.OutcomeError
		entry.Detail = err.Error()
	} else {
		entry.Session = res.Session.ID()
		entry.Detail = fmt.Sprintf("%d documents", len(res.Documents))
	}
	l.record(ctx, entry)
	return res, err
}

func (l *Loader) load(ctx context.Context, version string, obs Observer) (*Result, error) {
	emit := func(stage Stage, p, msg string) {
		if obs != nil {
			obs(Event{Stage: stage, Version: version, Path: p, Message: msg, Time: time.Now().UTC()})
		}
	}

	docs, err := l.locate(ctx, version, emit)
	if err != nil {
		return nil, err
	}

	session := handles.NewCache(l.deps.Store.VersionFS(version), l.deps.Registry, l.log)
	l.deps.Engine.Bind(session)

	out := make([]Document, len(docs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.opts.Concurrency)
	for i, doc := range docs {
		i, doc := i, doc
		g.Go(func() error {
			emit(StageRewrite, doc, "")
			h, err := l.deps.Engine.Process(gctx, session, doc)
			if err != nil {
				return fmt.Errorf("rewriting %s: %w", doc, err)
			}
			out[i] = Document{Path: doc, URL: h.URL, Handle: h}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		session.Release()
		return nil, err
	}

	if l.deps.Tracker != nil {
		if _, err := l.deps.Tracker.Record(ctx, version, docs); err != nil {
			l.log.Warn("recording usage failed", "version", version, "error", err)
		}
	}

	emit(StageDone, "", fmt.Sprintf("%d documents, %d handles", len(out), len(session.Handles())))
	l.log.Info("loaded version", "version", version, "session", session.ID(),
		"documents", len(out), "handles", len(session.Handles()))
	return &Result{Version: version, Session: session, Documents: out}, nil
}

// Locate makes sure version is extracted and returns its entry
// documents without rewriting them.
func (l *Loader) Locate(ctx context.Context, version string) ([]string, error) {
	return l.locate(ctx, version, func(Stage, string, string) {})
}

func (l *Loader) locate(ctx context.Context, version string, emit func(Stage, string, string)) ([]string, error) {
	if err := archive.ValidVersion(version); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrVersionNotFound, err)
	}
	if len(l.opts.SupportedVersions) > 0 && !slices.Contains(l.opts.SupportedVersions, version) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedVersion, version)
	}

	if !l.deps.Store.VersionExists(version) {
		if err := l.ensure(ctx, version, emit); err != nil {
			return nil, err
		}
	}

	emit(StageLocate, "", "")
	docs := l.deps.Locator.FindEntryDocuments(l.deps.Store.VersionFS(version), ".")
	if len(docs) == 0 {
		return nil, fmt.Errorf("%w: %s has no entry documents", ErrVersionNotFound, version)
	}
	l.log.Debug("located entry documents", "version", version, "documents", docs)
	return docs, nil
}

// ensure fetches and extracts the archive unless another load already
// did so while this one waited.
func (l *Loader) ensure(ctx context.Context, version string, emit func(Stage, string, string)) error {
	l.fetchMu.Lock()
	defer l.fetchMu.Unlock()

	if l.deps.Store.VersionExists(version) {
		return nil
	}
	present, err := l.extractAudited(ctx, emit)
	if l.deps.Store.VersionExists(version) {
		if err != nil {
			l.log.Warn("some versions failed to extract", "error", err)
		}
		return nil
	}
	if err != nil {
		return err
	}
	l.log.Info("version absent from archive", "version", version, "available", present)
	return fmt.Errorf("%w: %s", ErrVersionNotFound, version)
}

// Extract fetches the archive and extracts every version it holds.
func (l *Loader) Extract(ctx context.Context) ([]string, error) {
	l.fetchMu.Lock()
	defer l.fetchMu.Unlock()
	return l.extractAudited(ctx, func(Stage, string, string) {})
}

func (l *Loader) extractAudited(ctx context.Context, emit func(Stage, string, string)) ([]string, error) {
	start := time.Now()
	present, err := l.extract(ctx, emit)

	entry := audit.Entry{Action: audit.ActionExtract, Outcome: audit.OutcomeOK, Duration: time.Since(start)}
	if err != nil {
		entry.Outcome = audit.OutcomeError
		entry.Detail = err.Error()
	} else {
		entry.Detail = fmt.Sprintf("%d versions present", len(present))
	}
	l.record(ctx, entry)
	return present, err
}

// record writes entry to the audit trail, if one is configured. Audit
// failures never fail the operation being audited.
func (l *Loader) record(ctx context.Context, entry audit.Entry) {
	if l.deps.Audit == nil {
		return
	}
	if err := l.deps.Audit.Log(context.WithoutCancel(ctx), entry); err != nil {
		l.log.Warn("writing audit entry failed", "action", entry.Action, "error", err)
	}
}

func (l *Loader) extract(ctx context.Context, emit func(Stage, string, string)) ([]string, error) {
	emit(StageFetch, "", l.opts.ArchiveURL)
	data, err := l.deps.Fetcher.Fetch(ctx, l.opts.ArchiveURL)
	if err != nil {
		return nil, err
	}

	arc, err := l.deps.Mount.Mount(data)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := l.deps.Mount.Unmount(); err != nil {
			l.log.Warn("unmounting archive failed", "error", err)
		}
	}()

	emit(StageExtract, "", string(arc.Format()))
	return l.deps.Store.ExtractAll(ctx, arc)
}
