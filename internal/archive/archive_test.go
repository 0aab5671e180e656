package archive

import (
	"archive/tar"
	"bytes"
	"errors"
	"io"
	"io/fs"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// sampleFiles is a two-version bundle with OS junk at the root.
func sampleFiles() map[string]string {
	return map[string]string{
		"1.8.8/index.html":        "<html>1.8.8</html>",
		"1.8.8/style.css":         "body{}",
		"1.8.8/lang/en_US.lang":   "k=v",
		"1.5.2/web/client.html":   "<html>1.5.2</html>",
		"notes/readme.txt":        "no entry documents here",
		"__MACOSX/1.8.8/._x.html": "junk",
	}
}

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range sortedKeys(files) {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip create %s: %v", name, err)
		}
		if _, err := io.WriteString(w, files[name]); err != nil {
			t.Fatalf("zip write %s: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	return buf.Bytes()
}

func buildTar(t *testing.T, w io.Writer, files map[string]string) {
	t.Helper()
	tw := tar.NewWriter(w)
	for _, name := range sortedKeys(files) {
		hdr := &tar.Header{
			Name:     name,
			Mode:     0o644,
			Size:     int64(len(files[name])),
			ModTime:  time.Unix(1700000000, 0),
			Typeflag: tar.TypeReg,
			Format:   tar.FormatPAX,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("tar header %s: %v", name, err)
		}
		if _, err := io.WriteString(tw, files[name]); err != nil {
			t.Fatalf("tar write %s: %v", name, err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("tar close: %v", err)
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func encodings(t *testing.T) map[Format][]byte {
	t.Helper()
	files := sampleFiles()
	out := map[Format][]byte{FormatZip: buildZip(t, files)}

	var plain bytes.Buffer
	buildTar(t, &plain, files)
	out[FormatTar] = plain.Bytes()

	var gz bytes.Buffer
	gw := gzip.NewWriter(&gz)
	buildTar(t, gw, files)
	if err := gw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	out[FormatTarGz] = gz.Bytes()

	var zs bytes.Buffer
	zw, err := zstd.NewWriter(&zs)
	if err != nil {
		t.Fatalf("zstd writer: %v", err)
	}
	buildTar(t, zw, files)
	if err := zw.Close(); err != nil {
		t.Fatalf("zstd close: %v", err)
	}
	out[FormatTarZst] = zs.Bytes()

	var lz bytes.Buffer
	lw := lz4.NewWriter(&lz)
	buildTar(t, lw, files)
	if err := lw.Close(); err != nil {
		t.Fatalf("lz4 close: %v", err)
	}
	out[FormatTarLZ4] = lz.Bytes()
	return out
}

func TestMountFormats(t *testing.T) {
	for format, data := range encodings(t) {
		t.Run(string(format), func(t *testing.T) {
			got, ok := DetectFormat(data)
			if !ok || got != format {
				t.Fatalf("DetectFormat = %q, %v; want %q", got, ok, format)
			}

			arc, err := Mount(data)
			if err != nil {
				t.Fatalf("Mount: %v", err)
			}
			defer arc.Close()

			content, err := fs.ReadFile(arc.FS(), "1.8.8/lang/en_US.lang")
			if err != nil {
				t.Fatalf("ReadFile: %v", err)
			}
			if string(content) != "k=v" {
				t.Errorf("content: got %q, want %q", content, "k=v")
			}

			dirs, err := arc.TopLevelDirs()
			if err != nil {
				t.Fatalf("TopLevelDirs: %v", err)
			}
			want := []string{"1.5.2", "1.8.8", "__MACOSX", "notes"}
			if len(dirs) != len(want) {
				t.Fatalf("TopLevelDirs: got %v, want %v", dirs, want)
			}
			for i := range want {
				if dirs[i] != want[i] {
					t.Errorf("TopLevelDirs[%d]: got %q, want %q", i, dirs[i], want[i])
				}
			}
		})
	}
}

func TestMountCorrupt(t *testing.T) {
	var gzText bytes.Buffer
	gw := gzip.NewWriter(&gzText)
	io.WriteString(gw, strings.Repeat("plain text, not a tar stream\n", 40))
	if err := gw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}

	tests := map[string][]byte{
		"empty":         nil,
		"text":          []byte("this is not an archive"),
		"truncated zip": []byte("PK\x03\x04garbage"),
		"bad gzip":      append([]byte{0x1f, 0x8b}, []byte("nope")...),
		"gzipped text":  gzText.Bytes(),
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := Mount(data); !errors.Is(err, ErrArchiveCorrupt) {
				t.Errorf("expected ErrArchiveCorrupt, got %v", err)
			}
		})
	}
}

func TestTarRejectsEscapingEntries(t *testing.T) {
	var buf bytes.Buffer
	buildTar(t, &buf, map[string]string{
		"../evil.html":     "x",
		"/abs/evil.html":   "x",
		"1.8.8/index.html": "ok",
	})
	arc, err := Mount(buf.Bytes())
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	dirs, err := arc.TopLevelDirs()
	if err != nil {
		t.Fatalf("TopLevelDirs: %v", err)
	}
	if len(dirs) != 1 || dirs[0] != "1.8.8" {
		t.Errorf("TopLevelDirs: got %v, want [1.8.8]", dirs)
	}
	if _, err := fs.Stat(arc.FS(), "evil.html"); err == nil {
		t.Error("escaping entry was remapped into the tree")
	}
}

func TestTarDirectoryEntriesAreImplied(t *testing.T) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	tw.WriteHeader(&tar.Header{Name: "1.8.8/", Typeflag: tar.TypeDir, Mode: 0o755})
	tw.WriteHeader(&tar.Header{Name: "1.8.8/js/", Typeflag: tar.TypeDir, Mode: 0o755})
	tw.WriteHeader(&tar.Header{Name: "1.8.8/js/app.js", Typeflag: tar.TypeReg, Mode: 0o644, Size: 2})
	io.WriteString(tw, "ok")
	tw.WriteHeader(&tar.Header{Name: "1.8.8/link.js", Typeflag: tar.TypeSymlink, Linkname: "js/app.js"})
	if err := tw.Close(); err != nil {
		t.Fatalf("tar close: %v", err)
	}

	arc, err := Mount(buf.Bytes())
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	if arc.Format() != FormatTar {
		t.Errorf("Format: got %q, want %q", arc.Format(), FormatTar)
	}
	info, err := fs.Stat(arc.FS(), "1.8.8/js")
	if err != nil || !info.IsDir() {
		t.Fatalf("Stat 1.8.8/js: %v, %v", info, err)
	}
	if _, err := fs.Stat(arc.FS(), "1.8.8/link.js"); err == nil {
		t.Error("symlink entry was materialized")
	}
}

func TestMountPoint(t *testing.T) {
	mp := NewMountPoint(nil)
	if err := mp.Unmount(); err != nil {
		t.Fatalf("Unmount on empty mount point: %v", err)
	}

	data := buildZip(t, sampleFiles())
	first, err := mp.Mount(data)
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	second, err := mp.Mount(data)
	if err != nil {
		t.Fatalf("second Mount: %v", err)
	}
	if first.FS() != nil {
		t.Error("stale mount was not released")
	}
	if cur, ok := mp.Current(); !ok || cur != second {
		t.Error("Current does not return the latest mount")
	}

	if _, err := mp.Mount([]byte("garbage")); !errors.Is(err, ErrArchiveCorrupt) {
		t.Errorf("expected ErrArchiveCorrupt, got %v", err)
	}
	if _, ok := mp.Current(); ok {
		t.Error("failed mount left an archive mounted")
	}

	if err := mp.Unmount(); err != nil {
		t.Fatalf("Unmount: %v", err)
	}
	if err := mp.Unmount(); err != nil {
		t.Fatalf("second Unmount: %v", err)
	}
}
