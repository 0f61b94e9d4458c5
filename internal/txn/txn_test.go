package txn

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/intellect4all/rsqlstore/internal/rsqlerr"
)

func newTestManager(timeout time.Duration) *Manager {
	return New(timeout, nil)
}

func TestBeginAndEndTransaction(t *testing.T) {
	m := newTestManager(time.Second)
	id, err := m.BeginTransaction(1)
	require.NoError(t, err)
	require.NotZero(t, id)
	require.NoError(t, m.EndTransaction(id, true))
}

func TestMultipleReadersAllowed(t *testing.T) {
	m := newTestManager(time.Second)
	id1, err := m.BeginTransaction(1)
	require.NoError(t, err)
	id2, err := m.BeginTransaction(2)
	require.NoError(t, err)

	require.NoError(t, m.AcquireReadLock(id1, 42))
	require.NoError(t, m.AcquireReadLock(id2, 42))

	require.NoError(t, m.EndTransaction(id1, true))
	require.NoError(t, m.EndTransaction(id2, true))
}

func TestWriteLockExcludesReaders(t *testing.T) {
	m := newTestManager(80 * time.Millisecond)
	reader, err := m.BeginTransaction(1)
	require.NoError(t, err)
	writer, err := m.BeginTransaction(2)
	require.NoError(t, err)

	require.NoError(t, m.AcquireReadLock(reader, 7))
	err = m.AcquireWriteLock(writer, 7)
	require.ErrorIs(t, err, rsqlerr.ErrLockTimeout)

	require.NoError(t, m.EndTransaction(reader, true))
	require.NoError(t, m.EndTransaction(writer, true))
}

func TestWriteLockUpgradesFromSoleReader(t *testing.T) {
	m := newTestManager(time.Second)
	id, err := m.BeginTransaction(1)
	require.NoError(t, err)

	require.NoError(t, m.AcquireReadLock(id, 7))
	require.NoError(t, m.AcquireWriteLock(id, 7))

	require.NoError(t, m.EndTransaction(id, true))
}

func TestWriteLockReleaseUnblocksWaiter(t *testing.T) {
	m := newTestManager(2 * time.Second)
	first, err := m.BeginTransaction(1)
	require.NoError(t, err)
	second, err := m.BeginTransaction(2)
	require.NoError(t, err)

	require.NoError(t, m.AcquireWriteLock(first, 7))

	var wg sync.WaitGroup
	wg.Add(1)
	var acquireErr error
	go func() {
		defer wg.Done()
		acquireErr = m.AcquireWriteLock(second, 7)
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, m.EndTransaction(first, true))
	wg.Wait()

	require.NoError(t, acquireErr)
	require.NoError(t, m.EndTransaction(second, true))
}

func TestEndByConnectionRollsBackOwnedTransaction(t *testing.T) {
	m := newTestManager(time.Second)
	id, err := m.BeginTransaction(5)
	require.NoError(t, err)
	require.NoError(t, m.AcquireWriteLock(id, 1))

	require.NoError(t, m.EndByConnection(5))

	// The table lock must have been released by the rollback.
	other, err := m.BeginTransaction(6)
	require.NoError(t, err)
	require.NoError(t, m.AcquireWriteLock(other, 1))
	require.NoError(t, m.EndTransaction(other, true))
}

func TestEndByConnectionNoOpWhenNoActiveTransaction(t *testing.T) {
	m := newTestManager(time.Second)
	require.NoError(t, m.EndByConnection(999))
}

func TestAcquireLockOnUnknownTransactionFails(t *testing.T) {
	m := newTestManager(time.Second)
	err := m.AcquireReadLock(12345, 1)
	require.Error(t, err)
}

func TestAcquireReadLocksGrantsEveryTable(t *testing.T) {
	m := newTestManager(time.Second)
	id, err := m.BeginTransaction(1)
	require.NoError(t, err)

	require.NoError(t, m.AcquireReadLocks(id, []uint64{1, 2, 3}))
	require.NoError(t, m.EndTransaction(id, true))
}

func TestAcquireWriteLocksReleasesPartialOnTimeout(t *testing.T) {
	m := newTestManager(80 * time.Millisecond)
	holder, err := m.BeginTransaction(1)
	require.NoError(t, err)
	require.NoError(t, m.AcquireWriteLock(holder, 2))

	tnxID, err := m.BeginTransaction(2)
	require.NoError(t, err)

	err = m.AcquireWriteLocks(tnxID, []uint64{1, 2, 3})
	require.ErrorIs(t, err, rsqlerr.ErrLockTimeout)

	// Table 1 must have been released again: a fresh transaction should
	// be able to take it without waiting on tnxID.
	other, err := m.BeginTransaction(3)
	require.NoError(t, err)
	require.NoError(t, m.AcquireWriteLock(other, 1))
	require.NoError(t, m.EndTransaction(other, true))

	require.NoError(t, m.EndTransaction(holder, true))
	require.NoError(t, m.EndTransaction(tnxID, true))
}
