package checkpoints

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/accessvision/tilenet/errors"
)

func TestExclusiveLockBlocksEverything(t *testing.T) {
	dir := t.TempDir()

	writer, err := NewDirLock(dir)
	require.NoError(t, err)
	require.NoError(t, writer.AcquireExclusive())
	defer writer.Release()

	reader, err := NewDirLock(dir)
	require.NoError(t, err)
	err = reader.AcquireShared()
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindCheckpointLocked))

	second, err := NewDirLock(dir)
	require.NoError(t, err)
	err = second.AcquireExclusive()
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindCheckpointLocked))
}

func TestSharedLocksCoexist(t *testing.T) {
	dir := t.TempDir()

	first, err := NewDirLock(dir)
	require.NoError(t, err)
	require.NoError(t, first.AcquireShared())
	defer first.Release()

	second, err := NewDirLock(dir)
	require.NoError(t, err)
	require.NoError(t, second.AcquireShared())
	defer second.Release()

	// A writer must wait for both readers.
	writer, err := NewDirLock(dir)
	require.NoError(t, err)
	err = writer.AcquireExclusive()
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindCheckpointLocked))
}

func TestReleaseFreesTheLock(t *testing.T) {
	dir := t.TempDir()

	first, err := NewDirLock(dir)
	require.NoError(t, err)
	require.NoError(t, first.AcquireExclusive())
	require.NoError(t, first.Release())

	second, err := NewDirLock(dir)
	require.NoError(t, err)
	require.NoError(t, second.AcquireExclusive())
	require.NoError(t, second.Release())
}
