// Package allocator implements the two-discipline on-page allocator
// described in spec §4.3: fixed-size entry slots for rows, and
// variable-size heap chunks for VarChar overflow, both sharing the same
// table file's page pool through a ConsistStorage.
package allocator

import (
	"encoding/binary"

	"github.com/intellect4all/rsqlstore/internal/consiststorage"
	"github.com/intellect4all/rsqlstore/internal/rlog"
)

var log = rlog.Named("allocator")

// NoPage is the "none" sentinel for free-list head pointers. Page 0 is
// always the table's header page (spec §4.5), so no entry or heap page
// ever carries id 0; using 0 as "none" is safe.
const NoPage uint64 = 0

// MetadataSize is the on-disk footprint of the allocator's four
// persisted words (spec §4.3): entry_size, entries_per_page,
// first_free_entry_page, first_free_heap_page.
const MetadataSize = 4 * 8

// Metadata is the allocator's persisted state, living in the table's
// header page at an offset chosen by the Table layer.
type Metadata struct {
	EntrySize          uint64
	EntriesPerPage      uint64
	FirstFreeEntryPage  uint64
	FirstFreeHeapPage   uint64
}

func (m Metadata) Encode() []byte {
	buf := make([]byte, MetadataSize)
	binary.LittleEndian.PutUint64(buf[0:8], m.EntrySize)
	binary.LittleEndian.PutUint64(buf[8:16], m.EntriesPerPage)
	binary.LittleEndian.PutUint64(buf[16:24], m.FirstFreeEntryPage)
	binary.LittleEndian.PutUint64(buf[24:32], m.FirstFreeHeapPage)
	return buf
}

func DecodeMetadata(buf []byte) Metadata {
	return Metadata{
		EntrySize:         binary.LittleEndian.Uint64(buf[0:8]),
		EntriesPerPage:     binary.LittleEndian.Uint64(buf[8:16]),
		FirstFreeEntryPage: binary.LittleEndian.Uint64(buf[16:24]),
		FirstFreeHeapPage:  binary.LittleEndian.Uint64(buf[24:32]),
	}
}

// Allocator combines the entry and heap disciplines over one table
// file's ConsistStorage. Its four metadata words are mirrored in memory
// and flushed to the table header page (through the caller-supplied
// persist hook) after every mutation, so they ride the same WAL
// protection as any other header byte (spec §4.3's "Metadata
// persistence").
type Allocator struct {
	cs      *consiststorage.ConsistStorage
	meta    Metadata
	persist func(tnxID uint64, encoded []byte) error

	bitmapBytes     int
	entryAreaOffset int
}

// New builds an Allocator for a table whose computed entry size is
// entrySize. persist is called with the freshly-encoded metadata any
// time one of the four words changes; the Table layer implements it as
// a ConsistStorage.WriteBytes call into the header page.
func New(cs *consiststorage.ConsistStorage, meta Metadata, persist func(tnxID uint64, encoded []byte) error) *Allocator {
	a := &Allocator{cs: cs, meta: meta, persist: persist}
	a.recomputeEntryLayout()
	return a
}

func (a *Allocator) recomputeEntryLayout() {
	a.bitmapBytes = int((a.meta.EntriesPerPage + 7) / 8)
	a.entryAreaOffset = entryPageHeaderSize + a.bitmapBytes
}

// Metadata returns a copy of the allocator's current persisted words.
func (a *Allocator) Metadata() Metadata { return a.meta }

func (a *Allocator) savePersist(tnxID uint64) error {
	if a.persist == nil {
		return nil
	}
	return a.persist(tnxID, a.meta.Encode())
}
