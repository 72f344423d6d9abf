package resume

import (
	"os"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := NewStore(filepath.Join(t.TempDir(), "resume"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	return store
}

func testRecord(id string) *Record {
	return &Record{
		JobID:       id,
		URL:         "https://example.com/file.bin",
		Destination: "/downloads/file.bin",
		TotalSize:   1 << 20,
		Validator:   `"etag-1"`,
		Segments: []SegmentState{
			{Start: 0, End: 524287, BytesWritten: 524288},
			{Start: 524288, End: 1048575, BytesWritten: 1000},
		},
	}
}

func TestSaveLoadRoundtrip(t *testing.T) {
	store := newTestStore(t)
	rec := testRecord("job-1")

	if err := store.Save(rec); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	loaded, err := store.Load("job-1")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if loaded == nil {
		t.Fatal("expected a record")
	}

	if loaded.URL != rec.URL || loaded.TotalSize != rec.TotalSize || loaded.Validator != rec.Validator {
		t.Errorf("loaded record differs: %+v", loaded)
	}

	if len(loaded.Segments) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(loaded.Segments))
	}
	if loaded.Segments[1].BytesWritten != 1000 {
		t.Errorf("expected 1000 bytes written, got %d", loaded.Segments[1].BytesWritten)
	}
}

func TestLoadMissingReturnsNoState(t *testing.T) {
	store := newTestStore(t)

	rec, err := store.Load("never-saved")
	if err != nil {
		t.Fatalf("missing record must not error: %v", err)
	}
	if rec != nil {
		t.Fatal("expected nil record for missing file")
	}
}

func TestLoadMalformedReturnsNoState(t *testing.T) {
	store := newTestStore(t)

	if err := os.WriteFile(store.path("broken"), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	rec, err := store.Load("broken")
	if err != nil {
		t.Fatalf("malformed record must not error: %v", err)
	}
	if rec != nil {
		t.Fatal("expected nil record for malformed file")
	}
}

func TestSaveIsAtomic(t *testing.T) {
	store := newTestStore(t)

	if err := store.Save(testRecord("job-1")); err != nil {
		t.Fatal(err)
	}

	// No temp file should survive a successful save.
	if _, err := os.Stat(store.path("job-1") + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind after save")
	}
}

func TestLoadAllSkipsMalformed(t *testing.T) {
	store := newTestStore(t)

	store.Save(testRecord("a"))
	store.Save(testRecord("b"))
	os.WriteFile(store.path("c"), []byte("junk"), 0o644)

	records, err := store.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll failed: %v", err)
	}

	if len(records) != 2 {
		t.Errorf("expected 2 records, got %d", len(records))
	}
}

func TestDeleteIdempotent(t *testing.T) {
	store := newTestStore(t)

	store.Save(testRecord("job-1"))

	if err := store.Delete("job-1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if err := store.Delete("job-1"); err != nil {
		t.Fatalf("second delete must be a no-op: %v", err)
	}

	rec, _ := store.Load("job-1")
	if rec != nil {
		t.Error("record still present after delete")
	}
}
