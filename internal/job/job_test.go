package job

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hyperdm/hdm/internal/errors"
	"github.com/hyperdm/hdm/internal/probe"
	"github.com/hyperdm/hdm/internal/resume"
)

func testOptions() Options {
	return Options{
		Connections:        4,
		MinSegmentSize:     64 * 1024,
		MaxRetries:         3,
		RetryBaseDelay:     time.Millisecond,
		RequestTimeout:     5 * time.Second,
		CheckpointInterval: 50 * time.Millisecond,
		CheckpointBytes:    16 * 1024,
		UserAgent:          "test",
	}
}

func testContent(size int) []byte {
	data := make([]byte, size)
	rng := rand.New(rand.NewSource(7))
	rng.Read(data)

	return data
}

// testServer serves content with range support. etag and throttle are
// adjustable per test; a non-zero throttle sleeps between write chunks so
// tests can pause or cancel mid-download.
type testServer struct {
	*httptest.Server
	etag     atomic.Value
	throttle atomic.Int64
}

func newTestServer(t *testing.T, content []byte) *testServer {
	t.Helper()

	ts := &testServer{}
	ts.etag.Store(`"v1"`)

	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		etag := ts.etag.Load().(string)
		w.Header().Set("ETag", etag)

		var start, end int64
		end = int64(len(content)) - 1

		rangeHeader := r.Header.Get("Range")
		status := http.StatusOK

		if rangeHeader != "" {
			fmt.Sscanf(rangeHeader, "bytes=%d-%d", &start, &end)
			if end >= int64(len(content)) {
				end = int64(len(content)) - 1
			}

			// An If-Range with a stale validator makes a real server
			// ignore the range and send the full current body.
			ifRange := r.Header.Get("If-Range")
			if ifRange != "" && ifRange != etag {
				start, end = 0, int64(len(content))-1
			} else {
				w.Header().Set("Content-Range",
					fmt.Sprintf("bytes %d-%d/%d", start, end, len(content)))
				status = http.StatusPartialContent
			}
		}

		w.WriteHeader(status)

		delay := time.Duration(ts.throttle.Load())
		body := content[start : end+1]

		if delay == 0 {
			w.Write(body)
			return
		}

		for len(body) > 0 {
			n := 8 * 1024
			if n > len(body) {
				n = len(body)
			}
			if _, err := w.Write(body[:n]); err != nil {
				return
			}
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
			body = body[n:]
			time.Sleep(delay)
		}
	}))

	t.Cleanup(ts.Close)

	return ts
}

func newTestJob(t *testing.T, url string) (*Job, *resume.Store) {
	t.Helper()

	dir := t.TempDir()

	store, err := resume.NewStore(filepath.Join(dir, "resume"))
	if err != nil {
		t.Fatal(err)
	}

	prober := probe.New("test", 5*time.Second)
	dest := filepath.Join(dir, "out.bin")

	noop := func(context.Context) error { return nil }
	j := New(url, dest, prober, store, testOptions(), noop, func() {})

	return j, store
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition never met")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestJobDownloadsAndFinalizes(t *testing.T) {
	content := testContent(1 << 20)
	srv := newTestServer(t, content)

	j, store := newTestJob(t, srv.URL+"/file.bin")

	j.Run(context.Background())

	if j.Status() != Completed {
		t.Fatalf("expected Completed, got %s (err: %v)", j.Status(), j.Err())
	}

	got, err := os.ReadFile(j.Destination)
	if err != nil {
		t.Fatalf("destination missing: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatal("downloaded bytes differ from source")
	}

	if _, err := os.Stat(j.PartPath()); !os.IsNotExist(err) {
		t.Error("staging file left behind after finalize")
	}

	if rec, _ := store.Load(j.ID); rec != nil {
		t.Error("resume record left behind after finalize")
	}
}

func TestJobSequentialFallback(t *testing.T) {
	content := testContent(256 * 1024)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Ignores Range entirely.
		w.Write(content)
	}))
	t.Cleanup(srv.Close)

	j, _ := newTestJob(t, srv.URL)

	j.Run(context.Background())

	if j.Status() != Completed {
		t.Fatalf("expected Completed, got %s (err: %v)", j.Status(), j.Err())
	}

	got, err := os.ReadFile(j.Destination)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Fatal("sequential download differs from source")
	}
}

func TestJobPauseResumeContentTransparent(t *testing.T) {
	content := testContent(512 * 1024)
	srv := newTestServer(t, content)
	srv.throttle.Store(int64(5 * time.Millisecond))

	j, store := newTestJob(t, srv.URL+"/file.bin")

	go j.Run(context.Background())

	waitFor(t, 10*time.Second, func() bool {
		return j.Status() == Active && j.Downloaded() > 0
	})

	if err := j.Pause(); err != nil {
		t.Fatalf("pause failed: %v", err)
	}
	if j.Status() != Paused {
		t.Fatalf("expected Paused, got %s", j.Status())
	}

	if rec, _ := store.Load(j.ID); rec == nil {
		t.Fatal("expected a checkpoint after pause")
	}

	downloaded := j.Downloaded()

	// Resume full speed.
	srv.throttle.Store(0)

	if err := j.Requeue(); err != nil {
		t.Fatalf("requeue failed: %v", err)
	}

	j.Run(context.Background())

	if j.Status() != Completed {
		t.Fatalf("expected Completed after resume, got %s (err: %v)", j.Status(), j.Err())
	}

	got, err := os.ReadFile(j.Destination)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("resumed file differs from source (paused at %d bytes)", downloaded)
	}
}

func TestJobResumeFailsWhenResourceChanged(t *testing.T) {
	content := testContent(512 * 1024)
	srv := newTestServer(t, content)
	srv.throttle.Store(int64(5 * time.Millisecond))

	j, _ := newTestJob(t, srv.URL+"/file.bin")

	go j.Run(context.Background())

	waitFor(t, 10*time.Second, func() bool {
		return j.Status() == Active && j.Downloaded() > 0
	})

	if err := j.Pause(); err != nil {
		t.Fatal(err)
	}

	// The resource changes while the job is parked.
	srv.etag.Store(`"v2"`)
	srv.throttle.Store(0)

	if err := j.Requeue(); err != nil {
		t.Fatal(err)
	}

	j.Run(context.Background())

	if j.Status() != Failed {
		t.Fatalf("expected Failed, got %s", j.Status())
	}

	if !errors.Is(j.Err(), errors.ErrResourceChanged) {
		t.Errorf("expected ErrResourceChanged, got %v", j.Err())
	}
	if errors.CategoryOf(j.Err()) != errors.CategoryRemote {
		t.Errorf("expected REMOTE category, got %s", errors.CategoryOf(j.Err()))
	}
}

func TestJobProbeFailureFailsJob(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	t.Cleanup(srv.Close)

	j, _ := newTestJob(t, srv.URL)

	j.Run(context.Background())

	if j.Status() != Failed {
		t.Fatalf("expected Failed, got %s", j.Status())
	}
	if errors.CategoryOf(j.Err()) != errors.CategoryProbe {
		t.Errorf("expected PROBE category, got %s", errors.CategoryOf(j.Err()))
	}
}

func TestJobCancelDeletesArtifacts(t *testing.T) {
	content := testContent(512 * 1024)
	srv := newTestServer(t, content)
	srv.throttle.Store(int64(5 * time.Millisecond))

	j, store := newTestJob(t, srv.URL+"/file.bin")

	go j.Run(context.Background())

	waitFor(t, 10*time.Second, func() bool {
		return j.Status() == Active && j.Downloaded() > 0
	})

	if err := j.Cancel(); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if j.Status() != Cancelled {
		t.Fatalf("expected Cancelled, got %s", j.Status())
	}

	if _, err := os.Stat(j.PartPath()); !os.IsNotExist(err) {
		t.Error("staging file left behind after cancel")
	}
	if rec, _ := store.Load(j.ID); rec != nil {
		t.Error("resume record left behind after cancel")
	}
}

func TestPausedQueuedJobDoesNotRun(t *testing.T) {
	srv := newTestServer(t, testContent(64*1024))

	j, _ := newTestJob(t, srv.URL+"/file.bin")

	// Park the job before the run loop claims it. Run must return without
	// touching the network or the filesystem.
	if err := j.Pause(); err != nil {
		t.Fatal(err)
	}

	j.Run(context.Background())

	if j.Status() != Paused {
		t.Fatalf("expected Paused, got %s", j.Status())
	}
	if _, err := os.Stat(j.PartPath()); !os.IsNotExist(err) {
		t.Error("staging file created for a parked job")
	}
}

func TestDeriveIDStable(t *testing.T) {
	a := DeriveID("/downloads/a.bin", "https://example.com/a")
	b := DeriveID("/downloads/a.bin", "https://example.com/a")
	c := DeriveID("/downloads/b.bin", "https://example.com/a")

	if a != b {
		t.Error("same inputs must derive the same ID")
	}
	if a == c {
		t.Error("different destinations must derive different IDs")
	}
}

func TestFromCatalogNeverAutoResumes(t *testing.T) {
	entry := &CatalogEntry{
		ID:          "id-1",
		URL:         "https://example.com/f",
		Destination: "/downloads/f",
		Status:      Active.String(),
		CreatedAt:   time.Now(),
	}

	j := FromCatalog(entry, nil, nil, testOptions(), nil, nil)

	if j.Status() != Paused {
		t.Errorf("job active at crash time must restore as Paused, got %s", j.Status())
	}

	completed := &CatalogEntry{ID: "id-2", Status: Completed.String()}
	if got := FromCatalog(completed, nil, nil, testOptions(), nil, nil).Status(); got != Completed {
		t.Errorf("terminal state must survive restore, got %s", got)
	}
}
