package wal

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestWAL(t *testing.T, maxSize int64) *WAL {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wal.log")
	w, err := New(path, maxSize)
	require.NoError(t, err)
	w.MarkRecovered()
	return w
}

func TestOpenTnxCommitRoundTrip(t *testing.T) {
	w := newTestWAL(t, 1<<20)

	_, err := w.OpenTnx(42)
	require.NoError(t, err)
	require.Contains(t, w.ActiveTnxIDs(), uint64(42))

	_, err = w.CommitTnx(42)
	require.NoError(t, err)
	require.NotContains(t, w.ActiveTnxIDs(), uint64(42))
}

func TestRollbackRemovesFromActiveSet(t *testing.T) {
	w := newTestWAL(t, 1<<20)

	_, err := w.OpenTnx(42)
	require.NoError(t, err)

	_, err = w.RollbackTnx(42)
	require.NoError(t, err)
	require.NotContains(t, w.ActiveTnxIDs(), uint64(42))
}

func TestUpdatePageRejectsLengthMismatch(t *testing.T) {
	w := newTestWAL(t, 1<<20)
	require.Panics(t, func() {
		_, _ = w.UpdatePage(1, 1, 0, 0, []byte("abc"), []byte("ab"))
	})
}

func TestRecoverOnEmptyLogMarksRecovered(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	w, err := New(path, 1<<20)
	require.NoError(t, err)

	called := false
	err = w.Recover(RecoveryCallbacks{
		WritePage:  func(uint64, uint64, []byte) error { called = true; return nil },
		UpdatePage: func(uint64, uint64, uint64, []byte) error { called = true; return nil },
		AppendPage: func(uint64) (uint64, error) { called = true; return 0, nil },
		TruncPage:  func(uint64) error { called = true; return nil },
		PageCount:  func(uint64) (uint64, error) { called = true; return 0, nil },
	})
	require.NoError(t, err)
	require.False(t, called, "an empty log should not invoke any recovery callback")

	_, err = w.OpenTnx(1)
	require.NoError(t, err)
}

func TestRecoverReplaysCommittedUpdate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	w, err := New(path, 1<<20)
	require.NoError(t, err)
	w.MarkRecovered()

	_, err = w.OpenTnx(7)
	require.NoError(t, err)
	_, err = w.NewPage(7, 1, 0, make([]byte, 16))
	require.NoError(t, err)
	_, err = w.UpdatePage(7, 1, 0, 0, make([]byte, 4), []byte{1, 2, 3, 4})
	require.NoError(t, err)
	_, err = w.CommitTnx(7)
	require.NoError(t, err)

	w2, err := New(path, 1<<20)
	require.NoError(t, err)

	var updated []byte
	var appended bool
	var pageCount uint64
	err = w2.Recover(RecoveryCallbacks{
		WritePage:  func(uint64, uint64, []byte) error { return nil },
		UpdatePage: func(_, _, _ uint64, data []byte) error { updated = data; return nil },
		AppendPage: func(uint64) (uint64, error) { appended = true; pageCount++; return pageCount - 1, nil },
		TruncPage:  func(uint64) error { pageCount--; return nil },
		PageCount:  func(uint64) (uint64, error) { return pageCount, nil },
	})
	require.NoError(t, err)
	require.True(t, appended)
	require.Equal(t, []byte{1, 2, 3, 4}, updated)
}

func TestRecoverUndoesUncommittedFirstPage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	w, err := New(path, 1<<20)
	require.NoError(t, err)
	w.MarkRecovered()

	_, err = w.OpenTnx(9)
	require.NoError(t, err)
	_, err = w.NewPage(9, 2, 0, make([]byte, 16))
	require.NoError(t, err)
	// No CommitTnx: transaction 9 crashed before committing, so its
	// page-0 RecNewPage must be undone (the table truncated back to
	// zero pages), exercising the PageID==0 case of the undo-path
	// alignPageCount call that used to underflow.

	w2, err := New(path, 1<<20)
	require.NoError(t, err)

	// The mock's table already has the one page NewPage wrote through to
	// storage before the crash; recovery must undo it back to empty.
	pageCount := uint64(1)
	var truncated bool
	err = w2.Recover(RecoveryCallbacks{
		WritePage:  func(uint64, uint64, []byte) error { return nil },
		UpdatePage: func(uint64, uint64, uint64, []byte) error { return nil },
		AppendPage: func(uint64) (uint64, error) { pageCount++; return pageCount - 1, nil },
		TruncPage:  func(uint64) error { truncated = true; pageCount--; return nil },
		PageCount:  func(uint64) (uint64, error) { return pageCount, nil },
	})
	require.NoError(t, err)
	require.True(t, truncated, "undoing a RecNewPage at page 0 must truncate the table back to empty")
	require.Equal(t, uint64(0), pageCount)
}

func TestCheckpointTruncatesLog(t *testing.T) {
	w := newTestWAL(t, 1<<20)

	_, err := w.OpenTnx(1)
	require.NoError(t, err)
	_, err = w.CommitTnx(1)
	require.NoError(t, err)
	sizeBefore := w.Size()
	require.Greater(t, sizeBefore, int64(0))

	err = w.Checkpoint(func() error { return nil })
	require.NoError(t, err)
	require.Less(t, w.Size(), sizeBefore)
}
