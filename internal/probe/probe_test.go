package probe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hyperdm/hdm/internal/errors"
)

func newTestProber() *Prober {
	return New("test", 5*time.Second)
}

func TestProbeRangeCapableServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Range"); got != "bytes=0-0" {
			t.Errorf("expected probe range bytes=0-0, got %q", got)
		}

		w.Header().Set("Content-Range", "bytes 0-0/104857600")
		w.Header().Set("ETag", `"abc123"`)
		w.Header().Set("Content-Type", "application/octet-stream")
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte{0})
	}))
	t.Cleanup(srv.Close)

	result, err := newTestProber().Probe(context.Background(), srv.URL+"/files/video.mp4")
	if err != nil {
		t.Fatalf("probe failed: %v", err)
	}

	if !result.SupportsRanges {
		t.Error("expected range support")
	}
	if result.TotalSize != 104857600 {
		t.Errorf("expected size 104857600, got %d", result.TotalSize)
	}
	if result.Validator != `"abc123"` {
		t.Errorf("expected ETag validator, got %q", result.Validator)
	}
	if result.Filename != "video.mp4" {
		t.Errorf("expected filename video.mp4, got %q", result.Filename)
	}
}

func TestProbeServerIgnoringRanges(t *testing.T) {
	body := make([]byte, 2048)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Last-Modified", "Wed, 21 Oct 2015 07:28:00 GMT")
		w.Write(body)
	}))
	t.Cleanup(srv.Close)

	result, err := newTestProber().Probe(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("probe failed: %v", err)
	}

	if result.SupportsRanges {
		t.Error("200 response must not report range support")
	}
	if result.TotalSize != 2048 {
		t.Errorf("expected size 2048, got %d", result.TotalSize)
	}
	if result.Validator != "Wed, 21 Oct 2015 07:28:00 GMT" {
		t.Errorf("expected Last-Modified fallback validator, got %q", result.Validator)
	}
}

func TestProbeContentDispositionWins(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Disposition", `attachment; filename="report.pdf"`)
		w.Write([]byte("x"))
	}))
	t.Cleanup(srv.Close)

	result, err := newTestProber().Probe(context.Background(), srv.URL+"/download?id=9")
	if err != nil {
		t.Fatalf("probe failed: %v", err)
	}

	if result.Filename != "report.pdf" {
		t.Errorf("expected report.pdf, got %q", result.Filename)
	}
}

func TestProbeHTTPErrorFailsWithProbeCategory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	_, err := newTestProber().Probe(context.Background(), srv.URL)
	if err == nil {
		t.Fatal("expected probe to fail on 404")
	}

	if errors.CategoryOf(err) != errors.CategoryProbe {
		t.Errorf("expected PROBE category, got %s", errors.CategoryOf(err))
	}
}

func TestParseContentRangeTotal(t *testing.T) {
	cases := []struct {
		header string
		want   int64
	}{
		{"bytes 0-0/1234", 1234},
		{"bytes 0-0/*", -1},
		{"", -1},
		{"garbage", -1},
		{"bytes 0-0/abc", -1},
	}

	for _, tc := range cases {
		if got := parseContentRangeTotal(tc.header); got != tc.want {
			t.Errorf("parseContentRangeTotal(%q) = %d, want %d", tc.header, got, tc.want)
		}
	}
}

func TestFilenameFromURL(t *testing.T) {
	cases := []struct {
		url  string
		want string
	}{
		{"https://example.com/files/archive.tar.gz", "archive.tar.gz"},
		{"https://example.com/", "download"},
		{"https://example.com", "download"},
	}

	for _, tc := range cases {
		if got := filenameFromURL(tc.url); got != tc.want {
			t.Errorf("filenameFromURL(%q) = %q, want %q", tc.url, got, tc.want)
		}
	}
}
