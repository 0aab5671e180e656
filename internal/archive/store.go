package archive

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/ziadkadry99/bundlevault/internal/db"
	"github.com/ziadkadry99/bundlevault/internal/locator"
)

// Limits caps what a single version may extract. Zero fields are
// unlimited.
type Limits struct {
	MaxFiles    int
	MaxSize     int64
	MaxFileSize int64
}

// Reporter receives per-file extraction progress.
type Reporter interface {
	Start(total int)
	Update(current int, message string)
	Finish()
}

// StoreOptions configures a Store.
type StoreOptions struct {
	// Ignore lists doublestar globs of archive entries never extracted.
	Ignore   []string
	Limits   Limits
	Reporter Reporter
}

// VersionInfo is the manifest row of an extracted version.
type VersionInfo struct {
	Version        string    `json:"version"`
	ExtractedAt    time.Time `json:"extracted_at"`
	FileCount      int       `json:"file_count"`
	TotalBytes     int64     `json:"total_bytes"`
	EntryDocuments []string  `json:"entry_documents"`
}

// FileInfo is the manifest row of one extracted file.
type FileInfo struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	Digest string `json:"digest"`
}

// Store is the durable, version-keyed copy of extracted bundles:
//
//	<root>/versions/<version>/...   extracted trees
//	<root>/staging/<uuid>/...       extractions in progress
//
// A version is present when it has a manifest row and the locator finds
// at least one entry document in its tree. The manifest is written
// before the tree is published, so a tree without one is treated as an
// interrupted extraction and replaced.
type Store struct {
	root   string
	db     *db.DB
	loc    *locator.Locator
	opts   StoreOptions
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore opens the store rooted at root, creating its directories and
// discarding extractions interrupted by an earlier crash.
func NewStore(root string, database *db.DB, loc *locator.Locator, opts StoreOptions, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Store{
		root:   root,
		db:     database,
		loc:    loc,
		opts:   opts,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}
	if err := os.RemoveAll(s.stagingDir()); err != nil {
		return nil, fmt.Errorf("clearing staging area: %w", err)
	}
	for _, dir := range []string{s.versionsDir(), s.stagingDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return s, nil
}

func (s *Store) versionsDir() string { return filepath.Join(s.root, "versions") }
func (s *Store) stagingDir() string  { return filepath.Join(s.root, "staging") }

// Root returns the store's root directory.
func (s *Store) Root() string { return s.root }

// Dir returns the directory holding version.
func (s *Store) Dir(version string) string { return filepath.Join(s.versionsDir(), version) }

// FS returns the tree of all extracted versions, one top-level
// directory per version.
func (s *Store) FS() fs.FS { return os.DirFS(s.versionsDir()) }

// VersionFS returns the extracted tree of version.
func (s *Store) VersionFS(version string) fs.FS { return os.DirFS(s.Dir(version)) }

// ValidVersion checks that version can name a single directory.
func ValidVersion(version string) error {
	if version == "" || version == "." || version == ".." ||
		strings.ContainsAny(version, `/\`) || !fs.ValidPath(version) {
		return fmt.Errorf("%w: %q", ErrInvalidVersion, version)
	}
	return nil
}

// VersionExists reports whether version is extracted and complete.
func (s *Store) VersionExists(version string) bool {
	if ValidVersion(version) != nil {
		return false
	}
	if info, err := os.Stat(s.Dir(version)); err != nil || !info.IsDir() {
		return false
	}
	if _, ok := s.loc.FindFirstEntryDocument(s.FS(), version); !ok {
		return false
	}
	return s.hasManifest(version)
}

func (s *Store) hasManifest(version string) bool {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM versions WHERE version = ?`, version).Scan(&one)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		s.logger.Warn("reading manifest", "version", version, "error", err)
	}
	return err == nil
}

func (s *Store) lock(version string) func() {
	s.mu.Lock()
	l, ok := s.locks[version]
	if !ok {
		l = &sync.Mutex{}
		s.locks[version] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// ExtractVersion copies the subtree named version from arc into the
// store. It is a no-op returning true when the version is already
// present, and returns false without touching the store when the
// archive holds no entry document for it. Concurrent calls for the same
// version are serialized.
func (s *Store) ExtractVersion(ctx context.Context, arc *Archive, version string) (bool, error) {
	if err := ValidVersion(version); err != nil {
		return false, err
	}
	unlock := s.lock(version)
	defer unlock()

	if s.VersionExists(version) {
		s.logger.Debug("version already extracted", "version", version)
		return true, nil
	}

	src := arc.FS()
	if src == nil {
		return false, fmt.Errorf("archive is closed")
	}
	if info, err := fs.Stat(src, version); err != nil || !info.IsDir() {
		s.logger.Debug("archive has no directory for version", "version", version)
		return false, nil
	}
	if _, ok := s.loc.FindFirstEntryDocument(src, version); !ok {
		s.logger.Debug("archive has no entry document for version", "version", version)
		return false, nil
	}

	files, err := s.collect(src, version)
	if err != nil {
		return false, err
	}

	staging := filepath.Join(s.stagingDir(), uuid.NewString())
	defer os.RemoveAll(staging)

	manifest, err := s.copyTree(ctx, src, version, files, staging)
	if err != nil {
		return false, err
	}

	entries := s.loc.FindEntryDocuments(os.DirFS(s.stagingDir()), filepath.Base(staging))
	if err := s.record(ctx, version, manifest, entries); err != nil {
		return false, err
	}

	dest := s.Dir(version)
	if _, err := os.Stat(dest); err == nil {
		s.logger.Warn("replacing incomplete version directory", "version", version)
		if err := os.RemoveAll(dest); err != nil {
			s.forget(ctx, version)
			return false, fmt.Errorf("removing incomplete %s: %w", version, err)
		}
	}
	if err := os.Rename(staging, dest); err != nil {
		s.forget(ctx, version)
		return false, fmt.Errorf("publishing %s: %w", version, err)
	}

	s.logger.Info("extracted version", "version", version, "files", len(manifest), "entries", len(entries))
	return true, nil
}

// ExtractAll extracts every top-level directory of arc that holds an
// entry document and returns the versions now present. Failures of
// individual versions are joined into the returned error; the others
// are still extracted.
func (s *Store) ExtractAll(ctx context.Context, arc *Archive) ([]string, error) {
	dirs, err := arc.TopLevelDirs()
	if err != nil {
		return nil, err
	}

	var (
		present []string
		errs    []error
	)
	for _, dir := range dirs {
		if err := ctx.Err(); err != nil {
			return present, err
		}
		if ValidVersion(dir) != nil || locator.ExcludedDir(dir) || locator.MatchesAny(dir, s.opts.Ignore) {
			continue
		}
		ok, err := s.ExtractVersion(ctx, arc, dir)
		if err != nil {
			s.logger.Warn("version extraction failed", "version", dir, "error", err)
			errs = append(errs, fmt.Errorf("extracting %s: %w", dir, err))
			continue
		}
		if ok {
			present = append(present, dir)
		}
	}
	return present, errors.Join(errs...)
}

type sourceFile struct {
	path string // relative to the version root
	size int64
}

// collect lists the regular files of version that will be extracted,
// enforcing the ignore globs and limits.
func (s *Store) collect(src fs.FS, version string) ([]sourceFile, error) {
	var (
		files []sourceFile
		total int64
	)
	lim := s.opts.Limits
	err := fs.WalkDir(src, version, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel := strings.TrimPrefix(strings.TrimPrefix(p, version), "/")
		if rel != "" && (locator.MatchesAny(rel, s.opts.Ignore) || locator.MatchesAny(p, s.opts.Ignore)) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if lim.MaxFileSize > 0 && info.Size() > lim.MaxFileSize {
			return fmt.Errorf("%w: %s is %d bytes", ErrLimitExceeded, p, info.Size())
		}
		total += info.Size()
		if lim.MaxSize > 0 && total > lim.MaxSize {
			return fmt.Errorf("%w: %s exceeds %d bytes", ErrLimitExceeded, version, lim.MaxSize)
		}
		files = append(files, sourceFile{path: rel, size: info.Size()})
		if lim.MaxFiles > 0 && len(files) > lim.MaxFiles {
			return fmt.Errorf("%w: %s has more than %d files", ErrLimitExceeded, version, lim.MaxFiles)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", version, err)
	}
	return files, nil
}

func (s *Store) copyTree(ctx context.Context, src fs.FS, version string, files []sourceFile, dst string) ([]FileInfo, error) {
	rep := s.opts.Reporter
	if rep != nil {
		rep.Start(len(files))
		defer rep.Finish()
	}

	manifest := make([]FileInfo, 0, len(files))
	for i, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		fi, err := s.copyFile(src, path.Join(version, f.path), filepath.Join(dst, filepath.FromSlash(f.path)))
		if err != nil {
			return nil, err
		}
		fi.Path = f.path
		manifest = append(manifest, fi)
		if rep != nil {
			rep.Update(i+1, version+"/"+f.path)
		}
	}
	return manifest, nil
}

func (s *Store) copyFile(src fs.FS, from, to string) (FileInfo, error) {
	in, err := src.Open(from)
	if err != nil {
		return FileInfo{}, fmt.Errorf("opening %s: %w", from, err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
		return FileInfo{}, fmt.Errorf("creating directory for %s: %w", from, err)
	}
	out, err := os.OpenFile(to, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return FileInfo{}, fmt.Errorf("creating %s: %w", to, err)
	}

	limit := s.opts.Limits.MaxFileSize
	var r io.Reader = in
	if limit > 0 {
		r = io.LimitReader(in, limit+1)
	}
	h := blake3.New()
	n, err := io.Copy(io.MultiWriter(out, h), r)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return FileInfo{}, fmt.Errorf("copying %s: %w", from, err)
	}
	if limit > 0 && n > limit {
		return FileInfo{}, fmt.Errorf("%w: %s expands past %d bytes", ErrLimitExceeded, from, limit)
	}
	return FileInfo{Size: n, Digest: hex.EncodeToString(h.Sum(nil))}, nil
}

func (s *Store) record(ctx context.Context, version string, files []FileInfo, entries []string) error {
	var total int64
	for _, f := range files {
		total += f.Size
	}
	if entries == nil {
		entries = []string{}
	}
	entryJSON, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encoding entry documents: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning manifest transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM versions WHERE version = ?`, version); err != nil {
		return fmt.Errorf("clearing manifest for %s: %w", version, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO versions (version, extracted_at, file_count, total_bytes, entry_documents) VALUES (?, ?, ?, ?, ?)`,
		version, time.Now().UTC(), len(files), total, string(entryJSON),
	); err != nil {
		return fmt.Errorf("inserting version %s: %w", version, err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO version_files (version, path, size, digest) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing file insert: %w", err)
	}
	defer stmt.Close()
	for _, f := range files {
		if _, err := stmt.ExecContext(ctx, version, f.Path, f.Size, f.Digest); err != nil {
			return fmt.Errorf("inserting %s/%s: %w", version, f.Path, err)
		}
	}
	return tx.Commit()
}

// forget drops the manifest of a version whose tree was not published.
func (s *Store) forget(ctx context.Context, version string) {
	if _, err := s.db.ExecContext(context.WithoutCancel(ctx), `DELETE FROM versions WHERE version = ?`, version); err != nil {
		s.logger.Warn("dropping manifest of unpublished version", "version", version, "error", err)
	}
}

// Versions lists the manifest of every extracted version, newest first.
func (s *Store) Versions(ctx context.Context) ([]VersionInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT version, extracted_at, file_count, total_bytes, entry_documents FROM versions ORDER BY extracted_at DESC, version ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing versions: %w", err)
	}
	defer rows.Close()

	var out []VersionInfo
	for rows.Next() {
		var v VersionInfo
		var entries string
		if err := rows.Scan(&v.Version, &v.ExtractedAt, &v.FileCount, &v.TotalBytes, &entries); err != nil {
			return nil, fmt.Errorf("scanning version: %w", err)
		}
		if err := json.Unmarshal([]byte(entries), &v.EntryDocuments); err != nil {
			return nil, fmt.Errorf("decoding entry documents of %s: %w", v.Version, err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// Files returns the extracted file set of version in path order.
func (s *Store) Files(ctx context.Context, version string) ([]FileInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT path, size, digest FROM version_files WHERE version = ? ORDER BY path`, version)
	if err != nil {
		return nil, fmt.Errorf("listing files of %s: %w", version, err)
	}
	defer rows.Close()

	var out []FileInfo
	for rows.Next() {
		var f FileInfo
		if err := rows.Scan(&f.Path, &f.Size, &f.Digest); err != nil {
			return nil, fmt.Errorf("scanning file: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
