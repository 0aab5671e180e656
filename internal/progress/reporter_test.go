package progress

import (
	"bytes"
	"strings"
	"testing"
)

func TestCIReporter(t *testing.T) {
	var buf bytes.Buffer
	r := &CIReporter{w: &buf}
	r.Start(2)
	r.Update(1, "1.8.8/index.html")
	r.Update(2, "1.8.8/style.css")
	r.Finish()

	want := "Extracting 2 files\n[1/2] 1.8.8/index.html\n[2/2] 1.8.8/style.css\nExtraction complete\n"
	if buf.String() != want {
		t.Errorf("output:\ngot  %q\nwant %q", buf.String(), want)
	}
}

func TestNewReporterUnderCI(t *testing.T) {
	t.Setenv("CI", "true")
	if _, ok := NewReporter(&bytes.Buffer{}).(*CIReporter); !ok {
		t.Error("expected a CIReporter when CI is set")
	}
}

func TestShorten(t *testing.T) {
	if got := shorten("1.8.8/index.html"); got != "1.8.8/index.html" {
		t.Errorf("short path changed: %q", got)
	}
	long := "1.8.8/" + strings.Repeat("deep/", 10) + "app.wasm"
	if got := shorten(long); got != ".../app.wasm" {
		t.Errorf("shorten(long) = %q", got)
	}
}
