package checkpoints

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/accessvision/tilenet/errors"
)

// Writer persists checkpoints with write-to-temp-then-rename discipline so
// a crash never leaves a half-written checkpoint behind. Transient I/O
// failures are retried a bounded number of times with exponential backoff;
// when retries are exhausted one final write goes to the recovery
// subdirectory before the error surfaces.
type Writer struct {
	dir        string
	maxRetries int
	backoff    time.Duration
}

// NewWriter creates a writer rooted at the checkpoint directory.
func NewWriter(dir string) *Writer {
	return &Writer{
		dir:        dir,
		maxRetries: 3,
		backoff:    100 * time.Millisecond,
	}
}

// Dir returns the checkpoint directory.
func (w *Writer) Dir() string { return w.dir }

// Save writes the checkpoint to path atomically, retrying transient
// failures. On exhaustion it attempts one last write under
// <dir>/recovery/ and reports a StorageError either way.
func (w *Writer) Save(ckpt *Checkpoint, path string) error {
	var lastErr error
	delay := w.backoff
	for attempt := 0; attempt <= w.maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(delay)
			delay *= 2
		}
		if lastErr = w.writeAtomic(ckpt, path); lastErr == nil {
			return nil
		}
	}

	// Last resort: a different directory may survive whatever is wrong
	// with the primary one.
	recoveryPath := filepath.Join(w.dir, "recovery", filepath.Base(path))
	if err := os.MkdirAll(filepath.Dir(recoveryPath), 0o755); err == nil {
		if err := w.writeAtomic(ckpt, recoveryPath); err == nil {
			return errors.Wrap(lastErr, errors.KindStorage, "checkpoint write failed after retries").
				WithArtifact(path).
				WithHint(fmt.Sprintf("a recovery copy was written to %s; check disk space and permissions", recoveryPath))
		}
	}
	return errors.Wrap(lastErr, errors.KindStorage, "checkpoint write failed after retries").
		WithArtifact(path).
		WithHint("check disk space and permissions on the checkpoint directory")
}

// writeAtomic writes to a temp file in the target directory and renames it
// over the destination.
func (w *Writer) writeAtomic(ckpt *Checkpoint, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-ckpt-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	gz := gzip.NewWriter(tmp)
	enc := json.NewEncoder(gz)
	enc.SetIndent("", "  ")
	if err := enc.Encode(ckpt); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	if err := gz.Close(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to finish gzip stream: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to rename checkpoint into place: %w", err)
	}
	return nil
}
