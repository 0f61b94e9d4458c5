// Package txn implements the strict two-phase locking TnxManager from
// spec §7: table-granularity read/write locks, condition-variable
// waiting bounded by a configurable timeout, and deadlock avoidance by
// timeout alone (no cycle detection, spec §7's accepted simplification).
package txn

import (
	"sync"
	"time"

	"github.com/intellect4all/rsqlstore/internal/metrics"
	"github.com/intellect4all/rsqlstore/internal/rlog"
	"github.com/intellect4all/rsqlstore/internal/rsqlerr"
	"github.com/intellect4all/rsqlstore/internal/wal"
)

var log = rlog.Named("txn")

// tableState is one table's reader/writer lock state, guarded by its
// own mutex so unrelated tables never contend (grounded on the
// teacher's per-page PageLatch map, btree.LatchManager, generalized to
// table granularity per spec §7).
type tableState struct {
	mu      sync.Mutex
	cond    *sync.Cond
	readers map[uint64]struct{}
	writer  uint64 // 0 means unheld
}

func newTableState() *tableState {
	s := &tableState{readers: make(map[uint64]struct{})}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// waitWithDeadline blocks on s.cond until woken or deadline passes,
// returning false on timeout. sync.Cond has no native deadline, so a
// timer forces one extra Broadcast at the deadline.
func waitWithDeadline(cond *sync.Cond, deadline time.Time) bool {
	if !time.Now().Before(deadline) {
		return false
	}
	timer := time.AfterFunc(time.Until(deadline), func() {
		cond.L.Lock()
		cond.Broadcast()
		cond.L.Unlock()
	})
	defer timer.Stop()
	cond.Wait()
	return time.Now().Before(deadline)
}

func (s *tableState) tryReadLock(tnxID uint64, deadline time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.writer != 0 && s.writer != tnxID {
		if !waitWithDeadline(s.cond, deadline) {
			metrics.LockTimeouts.Inc()
			return rsqlerr.ErrLockTimeout
		}
	}
	s.readers[tnxID] = struct{}{}
	return nil
}

func (s *tableState) tryWriteLock(tnxID uint64, deadline time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		holdsOnlyThis := len(s.readers) == 0 || (len(s.readers) == 1 && hasReader(s.readers, tnxID))
		if (s.writer == 0 || s.writer == tnxID) && holdsOnlyThis {
			break
		}
		if !waitWithDeadline(s.cond, deadline) {
			metrics.LockTimeouts.Inc()
			return rsqlerr.ErrLockTimeout
		}
	}
	s.writer = tnxID
	delete(s.readers, tnxID)
	return nil
}

func hasReader(readers map[uint64]struct{}, tnxID uint64) bool {
	_, ok := readers[tnxID]
	return ok
}

func (s *tableState) release(tnxID uint64) {
	s.mu.Lock()
	delete(s.readers, tnxID)
	if s.writer == tnxID {
		s.writer = 0
	}
	s.cond.Broadcast()
	s.mu.Unlock()
}

// Transaction tracks one in-flight transaction's acquired locks so
// EndTransaction can release exactly what it took.
type Transaction struct {
	ID         uint64
	ConnID     uint64
	readLocks  map[uint64]struct{}
	writeLocks map[uint64]struct{}
}

// Manager is the process-wide strict-2PL lock manager (spec §7).
// Process singleton wiring mirrors wal.Global(): Init once at
// bootstrap, Global() thereafter.
type Manager struct {
	mu          sync.Mutex
	tables      map[uint64]*tableState
	active      map[uint64]*Transaction
	connToTnx   map[uint64]uint64 // supplements spec §7 with connection-scoped cleanup
	nextTnxID   uint64
	lockTimeout time.Duration
	wal         *wal.WAL
}

// New builds a Manager with the given per-lock timeout. w is used to
// journal transaction boundaries; pass nil in tests that do not care
// about WAL interaction.
func New(lockTimeout time.Duration, w *wal.WAL) *Manager {
	return &Manager{
		tables:      make(map[uint64]*tableState),
		active:      make(map[uint64]*Transaction),
		connToTnx:   make(map[uint64]uint64),
		lockTimeout: lockTimeout,
		wal:         w,
	}
}

var (
	globalMu sync.Mutex
	global   *Manager
)

// Init sets the process-wide Manager singleton.
func Init(m *Manager) {
	globalMu.Lock()
	defer globalMu.Unlock()
	global = m
}

// Global returns the process-wide Manager; panics if Init was never called.
func Global() *Manager {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global == nil {
		panic("txn: Global() called before Init()")
	}
	return global
}

func (m *Manager) tableStateFor(tableID uint64) *tableState {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.tables[tableID]
	if !ok {
		s = newTableState()
		m.tables[tableID] = s
	}
	return s
}

// BeginTransaction allocates a new transaction id, journals a
// RecOpenTnx record, and associates it with connID for
// connection-scoped cleanup.
func (m *Manager) BeginTransaction(connID uint64) (uint64, error) {
	m.mu.Lock()
	m.nextTnxID++
	id := m.nextTnxID
	m.active[id] = &Transaction{ID: id, ConnID: connID, readLocks: map[uint64]struct{}{}, writeLocks: map[uint64]struct{}{}}
	m.connToTnx[connID] = id
	m.mu.Unlock()

	if m.wal != nil {
		if _, err := m.wal.OpenTnx(id); err != nil {
			return 0, err
		}
	}
	log.Debug().Uint64("tnx", id).Uint64("conn", connID).Msg("transaction opened")
	return id, nil
}

func (m *Manager) transaction(tnxID uint64) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.active[tnxID]
	if !ok {
		return nil, rsqlerr.New(rsqlerr.KindInvalidInput, "txn: unknown transaction id")
	}
	return tx, nil
}

// AcquireReadLock blocks (up to the manager's timeout) until tnxID
// holds a shared lock on tableID.
func (m *Manager) AcquireReadLock(tnxID, tableID uint64) error {
	tx, err := m.transaction(tnxID)
	if err != nil {
		return err
	}
	start := time.Now()
	state := m.tableStateFor(tableID)
	if err := state.tryReadLock(tnxID, time.Now().Add(m.lockTimeout)); err != nil {
		return err
	}
	metrics.LockWaitSeconds.WithLabelValues("read").Observe(time.Since(start).Seconds())

	m.mu.Lock()
	tx.readLocks[tableID] = struct{}{}
	m.mu.Unlock()
	return nil
}

// AcquireWriteLock blocks until tnxID holds the exclusive lock on
// tableID, transparently upgrading if tnxID already holds the read
// lock alone (spec §7's try_upgrade).
func (m *Manager) AcquireWriteLock(tnxID, tableID uint64) error {
	tx, err := m.transaction(tnxID)
	if err != nil {
		return err
	}
	start := time.Now()
	state := m.tableStateFor(tableID)
	if err := state.tryWriteLock(tnxID, time.Now().Add(m.lockTimeout)); err != nil {
		return err
	}
	metrics.LockWaitSeconds.WithLabelValues("write").Observe(time.Since(start).Seconds())

	m.mu.Lock()
	delete(tx.readLocks, tableID)
	tx.writeLocks[tableID] = struct{}{}
	m.mu.Unlock()
	return nil
}

// releaseAcquired releases the locks tnxID holds on tableIDs and clears
// them from the transaction's bookkeeping, used to unwind a partially
// successful batch acquisition.
func (m *Manager) releaseAcquired(tnxID uint64, tableIDs []uint64) {
	for _, tableID := range tableIDs {
		m.tableStateFor(tableID).release(tnxID)
	}
	m.mu.Lock()
	if tx, ok := m.active[tnxID]; ok {
		for _, tableID := range tableIDs {
			delete(tx.readLocks, tableID)
			delete(tx.writeLocks, tableID)
		}
	}
	m.mu.Unlock()
}

// AcquireReadLocks acquires a shared lock on every table in tableIDs, in
// order. If any acquisition times out, every lock this call already
// acquired is released before returning the error, so a caller never
// ends up holding a partial set of locks (spec §4.7/§6's atomic
// acquire-or-release-all contract for batched lock requests).
func (m *Manager) AcquireReadLocks(tnxID uint64, tableIDs []uint64) error {
	acquired := make([]uint64, 0, len(tableIDs))
	for _, tableID := range tableIDs {
		if err := m.AcquireReadLock(tnxID, tableID); err != nil {
			m.releaseAcquired(tnxID, acquired)
			return err
		}
		acquired = append(acquired, tableID)
	}
	return nil
}

// AcquireWriteLocks is AcquireReadLocks' exclusive-lock counterpart.
func (m *Manager) AcquireWriteLocks(tnxID uint64, tableIDs []uint64) error {
	acquired := make([]uint64, 0, len(tableIDs))
	for _, tableID := range tableIDs {
		if err := m.AcquireWriteLock(tnxID, tableID); err != nil {
			m.releaseAcquired(tnxID, acquired)
			return err
		}
		acquired = append(acquired, tableID)
	}
	return nil
}

// EndTransaction releases every lock tnxID holds and journals a commit
// or rollback record.
func (m *Manager) EndTransaction(tnxID uint64, commit bool) error {
	tx, err := m.transaction(tnxID)
	if err != nil {
		return err
	}

	for tableID := range tx.readLocks {
		m.tableStateFor(tableID).release(tnxID)
	}
	for tableID := range tx.writeLocks {
		m.tableStateFor(tableID).release(tnxID)
	}

	if m.wal != nil {
		if commit {
			if _, err := m.wal.CommitTnx(tnxID); err != nil {
				return err
			}
		} else {
			if _, err := m.wal.RollbackTnx(tnxID); err != nil {
				return err
			}
		}
	}

	m.mu.Lock()
	delete(m.active, tnxID)
	if m.connToTnx[tx.ConnID] == tnxID {
		delete(m.connToTnx, tx.ConnID)
	}
	m.mu.Unlock()

	log.Debug().Uint64("tnx", tnxID).Bool("commit", commit).Msg("transaction ended")
	return nil
}

// EndByConnection rolls back whatever transaction connID still owns,
// for use when a client connection drops without an explicit commit
// or rollback (supplements spec §7; see SPEC_FULL.md).
func (m *Manager) EndByConnection(connID uint64) error {
	m.mu.Lock()
	tnxID, ok := m.connToTnx[connID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return m.EndTransaction(tnxID, false)
}
