// Package persist writes sealed stats windows to disk as one JSON
// document that is rewritten atomically after each seal, so the file is
// always a complete, parseable snapshot of the run so far.
package persist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/volleyhq/volley/internal/metrics"
)

// Snapshot is the on-disk document shape.
type Snapshot struct {
	RunID   string                  `json:"runId"`
	Test    string                  `json:"test"`
	Updated time.Time               `json:"updated"`
	Windows []*metrics.SealedWindow `json:"windows"`
}

// Writer implements metrics.Sink by accumulating sealed windows and
// rewriting the target file via a temp-file rename on every delivery.
type Writer struct {
	path string
	log  *zap.Logger

	mu   sync.Mutex
	snap Snapshot
}

// NewWriter builds a writer targeting path. The file is not touched until
// the first window seals.
func NewWriter(path, runID, test string, log *zap.Logger) *Writer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Writer{
		path: path,
		log:  log,
		snap: Snapshot{RunID: runID, Test: test},
	}
}

// Write appends the sealed window and rewrites the snapshot file. Disk
// errors are logged, never propagated: stats delivery must not disturb
// the run.
func (w *Writer) Write(win *metrics.SealedWindow) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.snap.Windows = append(w.snap.Windows, win)
	sort.Slice(w.snap.Windows, func(i, j int) bool {
		return w.snap.Windows[i].Start.Before(w.snap.Windows[j].Start)
	})
	w.snap.Updated = time.Now()

	if err := w.flushLocked(); err != nil {
		w.log.Warn("stats snapshot write failed",
			zap.String("path", w.path), zap.Error(err))
	}
}

func (w *Writer) flushLocked() error {
	raw, err := json.MarshalIndent(&w.snap, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(w.path)
	tmp, err := os.CreateTemp(dir, ".volley-stats-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, w.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing %s: %w", w.path, err)
	}
	return nil
}

// Load reads a snapshot file back, for post-run reporting.
func Load(path string) (*Snapshot, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s Snapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &s, nil
}

var _ metrics.Sink = (*Writer)(nil)
