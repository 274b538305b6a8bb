package checkpoints

import (
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/accessvision/tilenet/errors"
)

// lockFileName sits inside the checkpoint directory; the training run
// holds it exclusively, readers hold it shared.
const lockFileName = ".tilenet.lock"

// DirLock guards a checkpoint directory. A trainer acquires it
// exclusively for the run's duration; evaluation and export acquire it
// shared so they can run concurrently with each other but fail fast
// against an active trainer. Acquisition never blocks.
type DirLock struct {
	fl *flock.Flock
}

// NewDirLock prepares a lock for the given checkpoint directory, creating
// the directory if needed.
func NewDirLock(dir string) (*DirLock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, errors.KindStorage, "create checkpoint directory").
			WithArtifact(dir).
			WithHint("check permissions on the checkpoint directory's parent")
	}
	return &DirLock{fl: flock.New(filepath.Join(dir, lockFileName))}, nil
}

// AcquireExclusive takes the writer lock without blocking. A held lock
// fails with CheckpointLockedError.
func (l *DirLock) AcquireExclusive() error {
	ok, err := l.fl.TryLock()
	if err != nil {
		return errors.Wrap(err, errors.KindStorage, "acquire checkpoint lock").
			WithArtifact(l.fl.Path()).
			WithHint("the lock file could not be opened")
	}
	if !ok {
		return errors.New(errors.KindCheckpointLocked).
			WithMessage("checkpoint directory is locked by another process").
			WithArtifact(l.fl.Path()).
			WithHint("wait for the other run to finish or point this run at a different checkpoint_dir")
	}
	return nil
}

// AcquireShared takes a reader lock without blocking. An active trainer
// holding the exclusive lock fails with CheckpointLockedError.
func (l *DirLock) AcquireShared() error {
	ok, err := l.fl.TryRLock()
	if err != nil {
		return errors.Wrap(err, errors.KindStorage, "acquire shared checkpoint lock").
			WithArtifact(l.fl.Path()).
			WithHint("the lock file could not be opened")
	}
	if !ok {
		return errors.New(errors.KindCheckpointLocked).
			WithMessage("checkpoint directory is locked by an active training run").
			WithArtifact(l.fl.Path()).
			WithHint("wait for training to finish before evaluating or exporting from this directory")
	}
	return nil
}

// Release drops the lock. Safe to call on every exit path.
func (l *DirLock) Release() error {
	return l.fl.Unlock()
}
