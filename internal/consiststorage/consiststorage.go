// Package consiststorage implements the WAL-gating layer described in
// spec §4.2: it wraps one storage.Manager and ensures every mutation is
// journaled before the buffer pool sees the new bytes.
package consiststorage

import (
	"bytes"

	"github.com/intellect4all/rsqlstore/internal/rsqlerr"
	"github.com/intellect4all/rsqlstore/internal/storage"
	"github.com/intellect4all/rsqlstore/internal/wal"
)

// ConsistStorage composes a storage.Manager with the process WAL for one
// table. TableID tags every WAL record this engine produces.
type ConsistStorage struct {
	TableID uint64
	mgr     *storage.Manager
	wal     *wal.WAL
}

// New wraps mgr for tableID, using w as the WAL (normally wal.Global(),
// but tests may inject a scratch instance).
func New(tableID uint64, mgr *storage.Manager, w *wal.WAL) *ConsistStorage {
	return &ConsistStorage{TableID: tableID, mgr: mgr, wal: w}
}

// Read returns a copy of the page, pass-through to the buffer pool.
func (c *ConsistStorage) Read(pageID uint64) (*storage.Page, error) {
	return c.mgr.Read(pageID)
}

// ReadBytes returns a byte range within a page.
func (c *ConsistStorage) ReadBytes(pageID uint64, offset, size int) ([]byte, error) {
	page, err := c.mgr.Read(pageID)
	if err != nil {
		return nil, err
	}
	data := page.Bytes()
	if offset < 0 || offset+size > len(data) {
		return nil, rsqlerr.New(rsqlerr.KindStorage, "read_bytes: range out of page bounds")
	}
	out := make([]byte, size)
	copy(out, data[offset:offset+size])
	return out, nil
}

// Write computes the minimal byte range where newPage differs from the
// currently stored page and delegates to WriteBytes, keeping WAL volume
// proportional to the actual mutation (spec §4.2 rationale).
func (c *ConsistStorage) Write(tnxID, pageID uint64, newPage *storage.Page) error {
	old, err := c.mgr.Read(pageID)
	if err != nil {
		return err
	}
	oldData := old.Bytes()
	newData := newPage.Bytes()

	start := -1
	for i := range newData {
		if newData[i] != oldData[i] {
			start = i
			break
		}
	}
	if start == -1 {
		return nil // no difference
	}

	end := len(newData)
	for i := len(newData) - 1; i >= start; i-- {
		if newData[i] != oldData[i] {
			end = i + 1
			break
		}
	}

	return c.writeBytesFrom(tnxID, pageID, old, start, newData[start:end])
}

// WriteBytes journals an UpdatePage record carrying the old and new
// bytes, flushes the WAL, then overwrites the page in the buffer pool.
func (c *ConsistStorage) WriteBytes(tnxID, pageID uint64, offset int, data []byte) error {
	old, err := c.mgr.Read(pageID)
	if err != nil {
		return err
	}
	return c.writeBytesFrom(tnxID, pageID, old, offset, data)
}

// writeBytesFrom is WriteBytes against an already-loaded page, so
// callers that read the page for their own purposes (Write's diffing)
// don't pay for a second buffer-pool lookup.
func (c *ConsistStorage) writeBytesFrom(tnxID, pageID uint64, old *storage.Page, offset int, data []byte) error {
	oldData := old.Bytes()
	if offset < 0 || offset+len(data) > len(oldData) {
		return rsqlerr.New(rsqlerr.KindStorage, "write_bytes: range out of page bounds")
	}
	oldSlice := append([]byte(nil), oldData[offset:offset+len(data)]...)

	if _, err := c.wal.UpdatePage(tnxID, c.TableID, pageID, uint64(offset), oldSlice, data); err != nil {
		return err
	}
	if err := c.wal.Flush(); err != nil {
		return err
	}

	if bytes.Equal(oldSlice, data) {
		return nil
	}
	newPage := old.Clone()
	copy(newPage.Bytes()[offset:offset+len(data)], data)
	newPage.SetDirty(true)
	return c.mgr.Write(newPage, pageID)
}

// NewPage allocates a page from the storage manager and journals its
// zero-filled contents before the caller observes it.
func (c *ConsistStorage) NewPage(tnxID uint64) (uint64, *storage.Page, error) {
	pageID, page, err := c.mgr.NewPage()
	if err != nil {
		return 0, nil, err
	}
	if _, err := c.wal.NewPage(tnxID, c.TableID, pageID, page.Bytes()); err != nil {
		return 0, nil, err
	}
	if err := c.wal.Flush(); err != nil {
		return 0, nil, err
	}
	return pageID, page, nil
}

// FreePage journals a DeletePage record and truncates the file. pageID
// must be the current tail page; anything else is a programmer error
// (spec §4.2), matching the teacher's fail-fast-on-misuse style.
func (c *ConsistStorage) FreePage(tnxID, pageID uint64) error {
	max, ok := c.mgr.MaxPageIndex()
	if !ok {
		panic("consiststorage: FreePage called with no pages allocated")
	}
	if pageID != max {
		panic("consiststorage: can only free the last page")
	}

	freed, err := c.mgr.Read(pageID)
	if err != nil {
		return err
	}
	if _, err := c.wal.DeletePage(tnxID, c.TableID, pageID, freed.Bytes()); err != nil {
		return err
	}
	if err := c.wal.Flush(); err != nil {
		return err
	}
	_, err = c.mgr.Free()
	return err
}

// MaxPageIndex delegates to the underlying storage manager.
func (c *ConsistStorage) MaxPageIndex() (uint64, bool) {
	return c.mgr.MaxPageIndex()
}

// Flush delegates to the underlying storage manager (used by checkpoint).
func (c *ConsistStorage) Flush() error {
	return c.mgr.Flush()
}
