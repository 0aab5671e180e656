// Package archive mounts compressed client bundles as read-only trees
// and copies their version subtrees into a durable store.
package archive

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/klauspost/compress/zip"
	"github.com/mholt/archiver/v3"
)

var (
	// ErrArchiveCorrupt means the bytes are not a supported archive.
	ErrArchiveCorrupt = errors.New("archive corrupt")
	// ErrArchiveUnreachable means the archive could not be fetched or
	// was empty.
	ErrArchiveUnreachable = errors.New("archive unreachable")
	// ErrMountConflict means a previous mount could not be released.
	ErrMountConflict = errors.New("mount conflict")
	// ErrInvalidVersion means a version id is not a single path segment.
	ErrInvalidVersion = errors.New("invalid version id")
	// ErrLimitExceeded means a subtree is larger than the configured
	// extraction limits.
	ErrLimitExceeded = errors.New("extraction limit exceeded")
)

// Format is a supported archive container.
type Format string

const (
	FormatZip    Format = "zip"
	FormatTar    Format = "tar"
	FormatTarGz  Format = "tar.gz"
	FormatTarZst Format = "tar.zst"
	FormatTarLZ4 Format = "tar.lz4"
)

// DetectFormat identifies the container of data from its header. Only
// tar streams are accepted inside a compressor.
func DetectFormat(data []byte) (Format, bool) {
	u, err := archiver.ByHeader(bytes.NewReader(data))
	if err != nil {
		return "", false
	}
	switch u.(type) {
	case *archiver.Zip:
		return FormatZip, true
	case *archiver.Tar:
		return FormatTar, true
	case *archiver.TarGz:
		return FormatTarGz, true
	case *archiver.TarZstd:
		return FormatTarZst, true
	case *archiver.TarLz4:
		return FormatTarLZ4, true
	}
	return "", false
}

// tarReader returns a fresh reader for a tar based format.
func tarReader(format Format) archiver.Reader {
	switch format {
	case FormatTarGz:
		return archiver.NewTarGz()
	case FormatTarZst:
		return archiver.NewTarZstd()
	case FormatTarLZ4:
		return archiver.NewTarLz4()
	}
	return archiver.NewTar()
}

// Archive is a mounted, read-only archive tree.
type Archive struct {
	fsys   fs.FS
	format Format
	size   int
	closed bool
}

// Mount parses data as an archive. Anything that is not one of the
// supported formats fails with ErrArchiveCorrupt.
func Mount(data []byte) (*Archive, error) {
	format, ok := DetectFormat(data)
	if !ok {
		return nil, fmt.Errorf("%w: unrecognized format", ErrArchiveCorrupt)
	}

	var (
		fsys fs.FS
		err  error
	)
	if format == FormatZip {
		fsys, err = zip.NewReader(bytes.NewReader(data), int64(len(data)))
	} else {
		fsys, err = readTar(tarReader(format), data)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrArchiveCorrupt, format, err)
	}
	return &Archive{fsys: fsys, format: format, size: len(data)}, nil
}

// FS returns the archive tree.
func (a *Archive) FS() fs.FS { return a.fsys }

// Format returns the detected container format.
func (a *Archive) Format() Format { return a.format }

// Size returns the size of the mounted bytes.
func (a *Archive) Size() int { return a.size }

// Close releases the archive. Closing twice is a no-op.
func (a *Archive) Close() error {
	if a.closed {
		return nil
	}
	a.closed = true
	a.fsys = nil
	return nil
}

// TopLevelDirs lists the directories at the archive root in lexical
// order. Each one is a candidate version.
func (a *Archive) TopLevelDirs() ([]string, error) {
	if a.closed {
		return nil, fmt.Errorf("archive is closed")
	}
	entries, err := fs.ReadDir(a.fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("reading archive root: %w", err)
	}
	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e.Name())
		}
	}
	sort.Strings(dirs)
	return dirs, nil
}

// readTar walks a tar stream and repacks its regular files into an
// uncompressed in-memory zip, which then serves as the tree. Entry names
// that are absolute or climb out of the root are dropped.
func readTar(r archiver.Reader, data []byte) (fs.FS, error) {
	if err := r.Open(bytes.NewReader(data), int64(len(data))); err != nil {
		return nil, err
	}
	defer r.Close()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	entries := 0
	for {
		f, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		var hdr tar.Header
		switch h := f.Header.(type) {
		case tar.Header:
			hdr = h
		case *tar.Header:
			hdr = *h
		default:
			f.Close()
			return nil, fmt.Errorf("unexpected entry header %T", f.Header)
		}
		name, ok := cleanName(hdr.Name)
		if !ok || hdr.Typeflag != tar.TypeReg {
			f.Close()
			continue
		}
		w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Store, Modified: hdr.ModTime})
		if err == nil {
			_, err = io.Copy(w, f)
		}
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", hdr.Name, err)
		}
		entries++
	}
	if entries == 0 {
		return nil, fmt.Errorf("no entries")
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
}

func cleanName(name string) (string, bool) {
	name = path.Clean(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || path.IsAbs(name) || name == ".." || strings.HasPrefix(name, "../") || !fs.ValidPath(name) {
		return "", false
	}
	return name, true
}
