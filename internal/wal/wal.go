// Package wal implements the process-singleton, physically-logged
// write-ahead log described in spec §4.6: append-only records with
// CRC-protected framing, a three-pass ARIES-style recovery, and
// threshold-triggered checkpointing.
package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/intellect4all/rsqlstore/internal/metrics"
	"github.com/intellect4all/rsqlstore/internal/rlog"
	"github.com/intellect4all/rsqlstore/internal/rsqlerr"
)

var log = rlog.Named("wal")

// HeaderMagic opens every WAL file, spelling "RSQL" (spec §6).
var HeaderMagic = [4]byte{'R', 'S', 'Q', 'L'}

// WAL is the append-only log. One instance is meant to live per
// process (see Init/Global); tests may construct extra instances
// against scratch directories with New.
type WAL struct {
	mu           sync.Mutex
	file         *os.File
	path         string
	length       int64
	maxSizeBytes int64

	activeMu  sync.Mutex
	activeTnx []uint64

	recovered atomic.Bool
}

// New opens or creates the WAL file at path. A zero-length or missing
// file is initialized with the header; an existing file with a bad
// header is recreated from scratch, mirroring original_source's
// wal.rs::new recovery-from-corrupt-header behavior.
func New(path string, maxSizeBytes int64) (*WAL, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, rsqlerr.Wrap(rsqlerr.KindIO, "create wal directory", err)
		}
	}

	w := &WAL{path: path, maxSizeBytes: maxSizeBytes}
	if err := w.openOrRepair(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *WAL) openOrRepair() error {
	f, err := os.OpenFile(w.path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return rsqlerr.Wrap(rsqlerr.KindIO, "open wal file", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return rsqlerr.Wrap(rsqlerr.KindIO, "stat wal file", err)
	}

	if info.Size() == 0 {
		if err := writeHeader(f); err != nil {
			f.Close()
			return err
		}
		w.file = f
		w.length = int64(len(HeaderMagic))
		return nil
	}

	hdr := make([]byte, len(HeaderMagic))
	if _, err := f.ReadAt(hdr, 0); err != nil || !magicValid(hdr) {
		log.Warn().Str("path", w.path).Msg("WAL header invalid, re-initializing WAL file")
		f.Close()
		if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
			return rsqlerr.Wrap(rsqlerr.KindIO, "remove corrupt wal file", err)
		}
		f, err = os.OpenFile(w.path, os.O_RDWR|os.O_CREATE, 0o600)
		if err != nil {
			return rsqlerr.Wrap(rsqlerr.KindIO, "recreate wal file", err)
		}
		if err := writeHeader(f); err != nil {
			f.Close()
			return err
		}
		w.file = f
		w.length = int64(len(HeaderMagic))
		return nil
	}

	w.file = f
	w.length = info.Size()
	return nil
}

func writeHeader(f *os.File) error {
	if _, err := f.WriteAt(HeaderMagic[:], 0); err != nil {
		return rsqlerr.Wrap(rsqlerr.KindIO, "write wal header", err)
	}
	return nil
}

func magicValid(hdr []byte) bool {
	for i, b := range HeaderMagic {
		if hdr[i] != b {
			return false
		}
	}
	return true
}

// --- process-singleton accessors -------------------------------------

var (
	globalMu  sync.Mutex
	globalWAL *WAL
)

// Init installs w as the process-wide WAL. Bootstrap code (pkg/engine)
// calls this exactly once; tests may call it again to rebind the
// singleton against a fresh scratch instance.
func Init(w *WAL) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalWAL = w
}

// Global returns the process-wide WAL. It panics if Init has not been
// called, per spec §9's "global singleton" design note.
func Global() *WAL {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalWAL == nil {
		panic("wal: Global() called before Init()")
	}
	return globalWAL
}

// --- guard -------------------------------------------------------------

func (w *WAL) checkRecovered() {
	if !w.recovered.Load() {
		panic("wal: operation attempted before recovery completed")
	}
}

// MarkRecovered sets the recovered guard without running recovery; used
// for a brand-new database that has nothing to recover.
func (w *WAL) MarkRecovered() { w.recovered.Store(true) }

// --- append path --------------------------------------------------------

func (w *WAL) appendLocked(rec Record) (needCheckpoint bool, err error) {
	start := time.Now()
	defer func() { metrics.WALAppendLatency.Observe(time.Since(start).Seconds()) }()

	body := rec.encodeBody()
	buf := frame(body)
	if _, err := w.file.WriteAt(buf, w.length); err != nil {
		return false, rsqlerr.Wrap(rsqlerr.KindWAL, "append wal record", err)
	}
	w.length += int64(len(buf))
	return w.length > w.maxSizeBytes, nil
}

func (w *WAL) append(rec Record) (bool, error) {
	w.checkRecovered()
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.appendLocked(rec)
}

// Flush fsyncs the log file (spec §4.2/§4.6 force-at-commit discipline).
func (w *WAL) Flush() error {
	w.checkRecovered()
	start := time.Now()
	defer func() { metrics.WALFlushLatency.Observe(time.Since(start).Seconds()) }()

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.file.Sync(); err != nil {
		return rsqlerr.Wrap(rsqlerr.KindWAL, "fsync wal file", err)
	}
	return nil
}

// UpdatePage appends an UpdatePage record. old and new must be the same
// length (spec §4.6/§4.2).
func (w *WAL) UpdatePage(tnxID, tableID, pageID, offset uint64, old, neu []byte) (bool, error) {
	if len(old) != len(neu) {
		panic("wal: UpdatePage old/new length mismatch")
	}
	return w.append(Record{
		Type: RecUpdatePage, TnxID: tnxID, TableID: tableID, PageID: pageID,
		Offset: offset, OldData: old, NewData: neu,
	})
}

// NewPage appends a NewPage record carrying the zero-filled contents.
func (w *WAL) NewPage(tnxID, tableID, pageID uint64, data []byte) (bool, error) {
	return w.append(Record{Type: RecNewPage, TnxID: tnxID, TableID: tableID, PageID: pageID, Data: data})
}

// DeletePage appends a DeletePage record.
func (w *WAL) DeletePage(tnxID, tableID, pageID uint64, oldData []byte) (bool, error) {
	return w.append(Record{Type: RecDeletePage, TnxID: tnxID, TableID: tableID, PageID: pageID, OldData: oldData})
}

// OpenTnx records the start of a transaction and adds it to the
// in-memory active set.
func (w *WAL) OpenTnx(tnxID uint64) (bool, error) {
	w.activeMu.Lock()
	w.activeTnx = append(w.activeTnx, tnxID)
	w.activeMu.Unlock()
	return w.append(Record{Type: RecOpenTnx, TnxID: tnxID})
}

// CommitTnx records a commit, removes tnxID from the active set, and
// force-flushes the log (spec §4.6's "commit_tnx and rollback_tnx
// force-flush").
func (w *WAL) CommitTnx(tnxID uint64) (bool, error) {
	w.removeActive(tnxID)
	need, err := w.append(Record{Type: RecCommitTnx, TnxID: tnxID})
	if err != nil {
		return false, err
	}
	if err := w.Flush(); err != nil {
		return false, err
	}
	return need, nil
}

// RollbackTnx records a rollback and force-flushes the log.
func (w *WAL) RollbackTnx(tnxID uint64) (bool, error) {
	w.removeActive(tnxID)
	need, err := w.append(Record{Type: RecRollbackTnx, TnxID: tnxID})
	if err != nil {
		return false, err
	}
	if err := w.Flush(); err != nil {
		return false, err
	}
	return need, nil
}

func (w *WAL) removeActive(tnxID uint64) {
	w.activeMu.Lock()
	defer w.activeMu.Unlock()
	out := w.activeTnx[:0]
	for _, id := range w.activeTnx {
		if id != tnxID {
			out = append(out, id)
		}
	}
	w.activeTnx = out
}

// ActiveTnxIDs returns the current in-memory active-transaction set.
func (w *WAL) ActiveTnxIDs() []uint64 {
	w.activeMu.Lock()
	defer w.activeMu.Unlock()
	out := make([]uint64, len(w.activeTnx))
	copy(out, w.activeTnx)
	return out
}

// NeedCheckpoint reports whether the log has grown past the configured
// threshold; callers trigger Checkpoint out of band (spec §4.6).
func (w *WAL) NeedCheckpoint() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.length > w.maxSizeBytes
}

// Size returns the current log file length in bytes.
func (w *WAL) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.length
}

// --- checkpoint ----------------------------------------------------------

// Checkpoint flushes dirty pages via flushFn, then rewrites the log to
// contain only records belonging to currently-active transactions plus
// a fresh Checkpoint record, atomically replacing the old file.
func (w *WAL) Checkpoint(flushFn func() error) error {
	w.checkRecovered()
	log.Info().Msg("starting WAL checkpoint")

	if err := flushFn(); err != nil {
		return err
	}

	w.activeMu.Lock()
	active := append([]uint64(nil), w.activeTnx...)
	w.activeMu.Unlock()

	activeSet := make(map[uint64]bool, len(active))
	for _, id := range active {
		activeSet[id] = true
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	all, err := w.readAllLocked()
	if err != nil {
		return err
	}

	var kept [][]byte
	for _, rec := range all {
		switch rec.Type {
		case RecCheckpoint:
			continue
		case RecOpenTnx, RecCommitTnx, RecRollbackTnx, RecNewPage, RecUpdatePage, RecDeletePage:
			if activeSet[rec.TnxID] {
				kept = append(kept, frame(rec.encodeBody()))
			}
		}
	}
	kept = append(kept, frame(Record{Type: RecCheckpoint, ActiveTnxIDs: active}.encodeBody()))

	tmpPath := fmt.Sprintf("%s.tmp.%s", w.path, uuid.NewString())
	tmp, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return rsqlerr.Wrap(rsqlerr.KindIO, "create checkpoint temp file", err)
	}
	if err := writeHeader(tmp); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	offset := int64(len(HeaderMagic))
	for _, rec := range kept {
		if _, err := tmp.WriteAt(rec, offset); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return rsqlerr.Wrap(rsqlerr.KindIO, "write checkpoint record", err)
		}
		offset += int64(len(rec))
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return rsqlerr.Wrap(rsqlerr.KindIO, "fsync checkpoint temp file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return rsqlerr.Wrap(rsqlerr.KindIO, "close checkpoint temp file", err)
	}

	if err := w.file.Close(); err != nil {
		return rsqlerr.Wrap(rsqlerr.KindIO, "close wal file before rename", err)
	}
	if err := os.Rename(tmpPath, w.path); err != nil {
		return rsqlerr.Wrap(rsqlerr.KindIO, "rename checkpoint file over wal.log", err)
	}

	f, err := os.OpenFile(w.path, os.O_RDWR, 0o600)
	if err != nil {
		return rsqlerr.Wrap(rsqlerr.KindIO, "reopen wal file after checkpoint", err)
	}
	w.file = f
	w.length = offset

	log.Info().Int64("bytes", w.length).Msg("WAL checkpoint completed")
	return nil
}

func (w *WAL) readAllLocked() ([]Record, error) {
	buf := make([]byte, w.length)
	if _, err := w.file.ReadAt(buf, 0); err != nil {
		return nil, rsqlerr.Wrap(rsqlerr.KindWAL, "read wal file", err)
	}
	var records []Record
	offset := len(HeaderMagic)
	for {
		rec, n, ok := readFrame(buf, offset)
		if !ok {
			break
		}
		records = append(records, rec)
		offset += n
	}
	return records, nil
}

// RecoveryCallbacks routes the WAL's redo/undo passes to the correct
// StorageManager by table id, keeping the WAL itself free of any direct
// dependency on the storage package (spec §9).
type RecoveryCallbacks struct {
	WritePage  func(table, page uint64, data []byte) error
	UpdatePage func(table, page, offset uint64, data []byte) error
	AppendPage func(table uint64) (uint64, error)
	TruncPage  func(table uint64) error
	// PageCount reports how many pages table currently has (0 if the
	// table is empty). It is a count, not a max page index, so that an
	// empty table and a one-page table (index 0) are never conflated -
	// alignPageCount below relies on that distinction.
	PageCount func(table uint64) (uint64, error)
}

// Recover runs the three-pass ARIES-style algorithm described in spec
// §4.6: analysis (find the redo/undo transaction sets from the latest
// checkpoint forward), redo (reapply committed work, idempotently), and
// undo (reverse uncommitted work, walking backward from the tail).
func (w *WAL) Recover(cb RecoveryCallbacks) error {
	log.Info().Msg("starting WAL recovery")

	w.mu.Lock()
	records, err := w.readAllLocked()
	w.mu.Unlock()
	if err != nil {
		return err
	}

	if len(records) == 0 {
		log.Info().Msg("WAL recovery: no entries to process")
		w.recovered.Store(true)
		return nil
	}

	checkpointIdx := 0
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].Type == RecCheckpoint {
			checkpointIdx = i
			break
		}
	}

	redoSet := make(map[uint64]bool)
	undoSet := make(map[uint64]bool)
	if records[checkpointIdx].Type == RecCheckpoint {
		for _, id := range records[checkpointIdx].ActiveTnxIDs {
			undoSet[id] = true
		}
	}
	for _, rec := range records[checkpointIdx:] {
		switch rec.Type {
		case RecOpenTnx:
			undoSet[rec.TnxID] = true
		case RecCommitTnx:
			delete(undoSet, rec.TnxID)
			redoSet[rec.TnxID] = true
		case RecRollbackTnx:
			delete(undoSet, rec.TnxID)
		}
	}

	applied := 0

	// Redo pass: forward, committed transactions only.
	for _, rec := range records[checkpointIdx:] {
		switch rec.Type {
		case RecUpdatePage:
			if redoSet[rec.TnxID] {
				if err := cb.UpdatePage(rec.TableID, rec.PageID, rec.Offset, rec.NewData); err != nil {
					return err
				}
				applied++
			}
		case RecNewPage:
			if redoSet[rec.TnxID] {
				if err := alignPageCount(cb, rec.TableID, rec.PageID+1); err != nil {
					return err
				}
				if err := cb.WritePage(rec.TableID, rec.PageID, rec.Data); err != nil {
					return err
				}
				applied++
			}
		case RecDeletePage:
			if redoSet[rec.TnxID] {
				if err := alignPageCount(cb, rec.TableID, rec.PageID); err != nil {
					return err
				}
				applied++
			}
		}
	}

	// Undo pass: backward from the tail, uncommitted transactions only.
	for i := len(records) - 1; i >= 0; i-- {
		rec := records[i]
		switch rec.Type {
		case RecUpdatePage:
			if undoSet[rec.TnxID] {
				if err := cb.UpdatePage(rec.TableID, rec.PageID, rec.Offset, rec.OldData); err != nil {
					return err
				}
				applied++
			}
		case RecNewPage:
			if undoSet[rec.TnxID] {
				if err := alignPageCount(cb, rec.TableID, rec.PageID); err != nil {
					return err
				}
				applied++
			}
		case RecDeletePage:
			if undoSet[rec.TnxID] {
				if err := alignPageCount(cb, rec.TableID, rec.PageID+1); err != nil {
					return err
				}
				if err := cb.WritePage(rec.TableID, rec.PageID, rec.OldData); err != nil {
					return err
				}
				applied++
			}
		}
	}

	log.Info().Int("applied", applied).Msg("WAL recovery completed")
	w.recovered.Store(true)
	return nil
}

// alignPageCount appends or truncates pages in table until its page
// count equals wantCount, exactly as original_source's recovery loop
// does. wantCount is a count (0 meaning the table is empty), not a max
// page index, so that aligning a table down to empty never has to
// express "one before page 0".
func alignPageCount(cb RecoveryCallbacks, table uint64, wantCount uint64) error {
	for {
		count, err := cb.PageCount(table)
		if err != nil {
			return err
		}
		if count == wantCount {
			return nil
		}
		if count < wantCount {
			if _, err := cb.AppendPage(table); err != nil {
				return err
			}
			continue
		}
		if err := cb.TruncPage(table); err != nil {
			return err
		}
	}
}
