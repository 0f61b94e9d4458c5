// Package engine wires together the storage engine's process-wide
// singletons — the WAL, the lock manager, and one StorageManager per
// table file — and drives startup recovery (spec §9, SPEC_FULL.md's
// bootstrap/recovery wiring).
package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/intellect4all/rsqlstore/internal/config"
	"github.com/intellect4all/rsqlstore/internal/dataitem"
	"github.com/intellect4all/rsqlstore/internal/rlog"
	"github.com/intellect4all/rsqlstore/internal/rsqlerr"
	"github.com/intellect4all/rsqlstore/internal/storage"
	"github.com/intellect4all/rsqlstore/internal/table"
	"github.com/intellect4all/rsqlstore/internal/txn"
	"github.com/intellect4all/rsqlstore/internal/wal"
)

var log = rlog.Named("engine")

// Reserved table ids 0-4 are the system catalog (spec §6's catalog
// surface, out of scope for the SQL layer this core feeds).
const firstUserTableID uint64 = 5

// Engine is one running instance of the storage core: WAL, lock
// manager, and the open table set.
type Engine struct {
	InstanceID string
	Config     config.Config

	wal *wal.WAL
	txn *txn.Manager

	mu     sync.Mutex
	mgrs   map[uint64]*storage.Manager
	tables map[uint64]*table.Table
}

func walPath(cfg config.Config) string {
	return filepath.Join(cfg.DataDir, "wal.log")
}

func tablePath(cfg config.Config, tableID uint64) string {
	return filepath.Join(cfg.DataDir, "tables", fmt.Sprintf("%d.tbl", tableID))
}

// cleanStaleCheckpointTmp removes any `wal.log.tmp.<uuid>` left behind by a
// checkpoint that crashed mid-rename (spec's supplemented feature; see
// SPEC_FULL.md).
func cleanStaleCheckpointTmp(cfg config.Config) error {
	entries, err := os.ReadDir(cfg.DataDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return rsqlerr.Wrap(rsqlerr.KindIO, "scan data dir for stale checkpoint tmp files", err)
	}
	prefix := "wal.log.tmp."
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), prefix) {
			stale := filepath.Join(cfg.DataDir, e.Name())
			log.Warn().Str("file", stale).Msg("removing stale checkpoint tmp file from a previous crash")
			if err := os.Remove(stale); err != nil {
				return rsqlerr.Wrap(rsqlerr.KindIO, "remove stale checkpoint tmp file", err)
			}
		}
	}
	return nil
}

// Bootstrap brings up one process-wide engine instance: cleans up any
// stale checkpoint tmp file, opens (or initializes) the WAL, replays
// it against every table referenced in its records, and installs the
// WAL and TnxManager process singletons.
func Bootstrap(cfg config.Config) (*Engine, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, rsqlerr.Wrap(rsqlerr.KindIO, "create data directory", err)
	}
	if err := cleanStaleCheckpointTmp(cfg); err != nil {
		return nil, err
	}

	w, err := wal.New(walPath(cfg), cfg.MaxWALSizeBytes)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		InstanceID: uuid.NewString(),
		Config:     cfg,
		wal:        w,
		mgrs:       make(map[uint64]*storage.Manager),
		tables:     make(map[uint64]*table.Table),
	}

	if err := w.Recover(e.recoveryCallbacks()); err != nil {
		return nil, err
	}

	wal.Init(w)
	e.txn = txn.New(time.Duration(cfg.LockTimeoutMillis)*time.Millisecond, w)
	txn.Init(e.txn)

	log.Info().Str("instance_id", e.InstanceID).Str("data_dir", cfg.DataDir).Msg("engine bootstrapped")
	return e, nil
}

// managerFor returns (creating if needed) the StorageManager for a
// table id.
func (e *Engine) managerFor(tableID uint64) (*storage.Manager, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if mgr, ok := e.mgrs[tableID]; ok {
		return mgr, nil
	}
	mgr, err := storage.NewManager(tablePath(e.Config, tableID), e.Config.CachePages, fmt.Sprintf("table-%d", tableID))
	if err != nil {
		return nil, err
	}
	e.mgrs[tableID] = mgr
	return mgr, nil
}

// recoveryCallbacks adapts wal.RecoveryCallbacks onto lazily-opened
// StorageManagers, keeping the WAL package decoupled from storage
// (spec §9).
func (e *Engine) recoveryCallbacks() wal.RecoveryCallbacks {
	return wal.RecoveryCallbacks{
		WritePage: func(tableID, pageID uint64, data []byte) error {
			mgr, err := e.managerFor(tableID)
			if err != nil {
				return err
			}
			page := storage.LoadPage(data)
			return mgr.Write(page, pageID)
		},
		UpdatePage: func(tableID, pageID, offset uint64, data []byte) error {
			mgr, err := e.managerFor(tableID)
			if err != nil {
				return err
			}
			page, err := mgr.Read(pageID)
			if err != nil {
				return err
			}
			copy(page.Bytes()[offset:], data)
			return mgr.Write(page, pageID)
		},
		AppendPage: func(tableID uint64) (uint64, error) {
			mgr, err := e.managerFor(tableID)
			if err != nil {
				return 0, err
			}
			pageID, _, err := mgr.NewPage()
			return pageID, err
		},
		TruncPage: func(tableID uint64) error {
			mgr, err := e.managerFor(tableID)
			if err != nil {
				return err
			}
			_, err = mgr.Free()
			return err
		},
		PageCount: func(tableID uint64) (uint64, error) {
			mgr, err := e.managerFor(tableID)
			if err != nil {
				return 0, err
			}
			max, ok := mgr.MaxPageIndex()
			if !ok {
				return 0, nil
			}
			return max + 1, nil
		},
	}
}

// CreateTable creates a new table file and registers it with the
// engine.
func (e *Engine) CreateTable(tnxID, tableID uint64, name string, schema dataitem.TableSchema) (*table.Table, error) {
	mgr, err := e.managerFor(tableID)
	if err != nil {
		return nil, err
	}
	t, err := table.Create(tnxID, tableID, name, schema, mgr, e.wal)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.tables[tableID] = t
	e.mu.Unlock()
	return t, nil
}

// OpenTable opens an existing table file.
func (e *Engine) OpenTable(tableID uint64, name string) (*table.Table, error) {
	e.mu.Lock()
	if t, ok := e.tables[tableID]; ok {
		e.mu.Unlock()
		return t, nil
	}
	e.mu.Unlock()

	mgr, err := e.managerFor(tableID)
	if err != nil {
		return nil, err
	}
	t, err := table.Open(tableID, name, mgr, e.wal)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.tables[tableID] = t
	e.mu.Unlock()
	return t, nil
}

// Table returns an already-open table, or an error if it was never
// created/opened in this process.
func (e *Engine) Table(tableID uint64) (*table.Table, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tables[tableID]
	if !ok {
		return nil, rsqlerr.New(rsqlerr.KindNotFound, fmt.Sprintf("table %d is not open", tableID))
	}
	return t, nil
}

// Txn returns the engine's lock manager.
func (e *Engine) Txn() *txn.Manager { return e.txn }

// Checkpoint flushes every open table's storage and truncates the WAL
// to only the records needed to redo/undo still-active transactions
// (spec §8).
func (e *Engine) Checkpoint() error {
	return e.wal.Checkpoint(func() error {
		e.mu.Lock()
		defer e.mu.Unlock()
		for _, mgr := range e.mgrs {
			if err := mgr.Flush(); err != nil {
				return err
			}
		}
		return nil
	})
}

// Stats is a snapshot for the `stats` CLI subcommand.
type Stats struct {
	InstanceID    string
	OpenTables    int
	WALSizeBytes  int64
	WALNeedsCheck bool
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		InstanceID:    e.InstanceID,
		OpenTables:    len(e.tables),
		WALSizeBytes:  e.wal.Size(),
		WALNeedsCheck: e.wal.NeedCheckpoint(),
	}
}

// Shutdown flushes and closes every open table file.
func (e *Engine) Shutdown() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, t := range e.tables {
		if err := t.Flush(); err != nil {
			return err
		}
		t.Close()
		delete(e.tables, id)
	}
	for id, mgr := range e.mgrs {
		if err := mgr.Close(); err != nil {
			return err
		}
		delete(e.mgrs, id)
	}
	return nil
}
