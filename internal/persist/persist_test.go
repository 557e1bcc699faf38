package persist

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/volleyhq/volley/internal/metrics"
)

func sealedAt(start time.Time, endpoint string, requests int64) *metrics.SealedWindow {
	return &metrics.SealedWindow{
		Start: start,
		End:   start.Add(time.Minute),
		Endpoints: map[string]metrics.EndpointSnapshot{
			endpoint: {Requests: requests, Success: requests},
		},
	}
}

func TestWriterRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.json")
	w := NewWriter(path, "run-123", "checkout-soak", nil)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	w.Write(sealedAt(base, "login", 40))
	w.Write(sealedAt(base.Add(time.Minute), "login", 55))

	snap, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if snap.RunID != "run-123" || snap.Test != "checkout-soak" {
		t.Errorf("identity = %q/%q, want run-123/checkout-soak", snap.RunID, snap.Test)
	}
	if len(snap.Windows) != 2 {
		t.Fatalf("got %d windows, want 2", len(snap.Windows))
	}
	if got := snap.Windows[1].Endpoints["login"].Requests; got != 55 {
		t.Errorf("second window requests = %d, want 55", got)
	}
	if snap.Updated.IsZero() {
		t.Error("Updated not stamped")
	}
}

func TestWriterSortsOutOfOrderWindows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.json")
	w := NewWriter(path, "run-x", "t", nil)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	// Late bucket delivery can arrive after younger windows.
	w.Write(sealedAt(base.Add(2*time.Minute), "ep", 3))
	w.Write(sealedAt(base, "ep", 1))
	w.Write(sealedAt(base.Add(time.Minute), "ep", 2))

	snap, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	for i, win := range snap.Windows {
		if got := win.Endpoints["ep"].Requests; got != int64(i+1) {
			t.Errorf("window %d requests = %d, want %d", i, got, i+1)
		}
	}
}

func TestWriterFileAlwaysComplete(t *testing.T) {
	// Every delivery replaces the file wholesale; a reader between writes
	// always sees a parseable document containing all windows so far.
	dir := t.TempDir()
	path := filepath.Join(dir, "stats.json")
	w := NewWriter(path, "run-y", "t", nil)

	base := time.Now().Truncate(time.Minute)
	for i := 0; i < 5; i++ {
		w.Write(sealedAt(base.Add(time.Duration(i)*time.Minute), "ep", int64(i)))
		snap, err := Load(path)
		if err != nil {
			t.Fatalf("Load after write %d: %v", i, err)
		}
		if len(snap.Windows) != i+1 {
			t.Errorf("after write %d: %d windows, want %d", i, len(snap.Windows), i+1)
		}
	}

	// No temp files left behind.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("directory has %d entries, want only the snapshot", len(entries))
	}
}

func TestWriterSurvivesDiskErrors(t *testing.T) {
	// A path whose directory does not exist fails every flush; Write must
	// swallow the error and keep accumulating.
	path := filepath.Join(t.TempDir(), "missing", "stats.json")
	w := NewWriter(path, "run-z", "t", nil)

	w.Write(sealedAt(time.Now(), "ep", 1))
	w.Write(sealedAt(time.Now().Add(time.Minute), "ep", 2))

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("unexpected stat result: %v", err)
	}
}

func TestLoadRejectsMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load accepted malformed snapshot")
	}
}
