package allocator

import (
	"encoding/binary"

	"github.com/intellect4all/rsqlstore/internal/rsqlerr"
	"github.com/intellect4all/rsqlstore/internal/storage"
)

// Heap page layout (spec §4.3, VarChar overflow storage):
//   [next_free_heap_page(8)][prev_free_heap_page(8)][first_free_chunk_offset(8)][chunks...]
//
// Each chunk carries a 24-byte header in one of two shapes, discriminated
// by the 4 bytes at header offset 20:
//
//   Free:  next_free_offset(8) prev_free_offset(8) size(8)
//   Used:  zero_pad(12)        size(8)              magic(4) = "RSQL"
//
// A free chunk's size field occupies header bytes [16:24]; its high
// 4 bytes (offset [20:24]) double as the used-shape's magic slot. This
// is only safe because no free chunk's size ever has "RSQL" in its high
// 4 bytes — that would take a size of at least 0x4c515352 << 32 bytes,
// far beyond any real VarChar overflow chunk.
const (
	heapPageHeaderSize = 24
	chunkHeaderSize    = 24
	heapOffsetNone     = 0
)

var heapMagic = [4]byte{'R', 'S', 'Q', 'L'}

func isMagic(b []byte) bool {
	return b[0] == heapMagic[0] && b[1] == heapMagic[1] && b[2] == heapMagic[2] && b[3] == heapMagic[3]
}

type chunkHeader struct {
	free bool
	next uint64 // free shape only
	prev uint64 // free shape only
	size uint64 // payload size, both shapes
}

func decodeChunkHeader(buf []byte) (chunkHeader, error) {
	if isMagic(buf[20:24]) {
		for _, b := range buf[0:12] {
			if b != 0 {
				return chunkHeader{}, rsqlerr.New(rsqlerr.KindStorage, "heap: used chunk header has non-zero zero_pad")
			}
		}
		return chunkHeader{free: false, size: binary.LittleEndian.Uint64(buf[12:20])}, nil
	}
	return chunkHeader{
		free: true,
		next: binary.LittleEndian.Uint64(buf[0:8]),
		prev: binary.LittleEndian.Uint64(buf[8:16]),
		size: binary.LittleEndian.Uint64(buf[16:24]),
	}, nil
}

func encodeFreeChunkHeader(next, prev, size uint64) []byte {
	buf := make([]byte, chunkHeaderSize)
	binary.LittleEndian.PutUint64(buf[0:8], next)
	binary.LittleEndian.PutUint64(buf[8:16], prev)
	binary.LittleEndian.PutUint64(buf[16:24], size)
	return buf
}

func encodeUsedChunkHeader(size uint64) []byte {
	buf := make([]byte, chunkHeaderSize) // bytes [0:12] stay zero
	binary.LittleEndian.PutUint64(buf[12:20], size)
	copy(buf[20:24], heapMagic[:])
	return buf
}

func (a *Allocator) readHeapPageHeader(heapPage uint64) (nextFree, prevFree, firstFreeChunk uint64, err error) {
	page, err := a.cs.Read(heapPage)
	if err != nil {
		return 0, 0, 0, err
	}
	data := page.Bytes()
	return binary.LittleEndian.Uint64(data[0:8]),
		binary.LittleEndian.Uint64(data[8:16]),
		binary.LittleEndian.Uint64(data[16:24]), nil
}

func (a *Allocator) writeHeapPageFirstFreeChunk(tnxID, heapPage, offset uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], offset)
	return a.cs.WriteBytes(tnxID, heapPage, 16, buf[:])
}

func (a *Allocator) writeHeapPageNextFree(tnxID, heapPage, next uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], next)
	return a.cs.WriteBytes(tnxID, heapPage, 0, buf[:])
}

func (a *Allocator) writeHeapPagePrevFree(tnxID, heapPage, prev uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], prev)
	return a.cs.WriteBytes(tnxID, heapPage, 8, buf[:])
}

func (a *Allocator) readChunkAt(heapPage, offset uint64) (chunkHeader, error) {
	page, err := a.cs.Read(heapPage)
	if err != nil {
		return chunkHeader{}, err
	}
	data := page.Bytes()
	return decodeChunkHeader(data[offset : offset+chunkHeaderSize])
}

func (a *Allocator) writeFreeChunk(tnxID, heapPage, offset, next, prev, size uint64) error {
	return a.cs.WriteBytes(tnxID, heapPage, int(offset), encodeFreeChunkHeader(next, prev, size))
}

func (a *Allocator) writeUsedChunk(tnxID, heapPage, offset, size uint64) error {
	return a.cs.WriteBytes(tnxID, heapPage, int(offset), encodeUsedChunkHeader(size))
}

// heapPageCapacity is the free payload available on a brand-new heap
// page: the whole page minus the page header and one chunk header.
func heapPageCapacity() uint64 {
	return uint64(storage.PageSize) - heapPageHeaderSize - chunkHeaderSize
}

func (a *Allocator) initHeapPage(tnxID uint64) (uint64, error) {
	pageID, page, err := a.cs.NewPage(tnxID)
	if err != nil {
		return 0, err
	}
	data := page.Bytes()
	binary.LittleEndian.PutUint64(data[0:8], NoPage)
	binary.LittleEndian.PutUint64(data[8:16], NoPage)
	binary.LittleEndian.PutUint64(data[16:24], heapPageHeaderSize)
	copy(data[heapPageHeaderSize:heapPageHeaderSize+chunkHeaderSize],
		encodeFreeChunkHeader(heapOffsetNone, heapOffsetNone, heapPageCapacity()))
	if err := a.cs.Write(tnxID, pageID, page); err != nil {
		return 0, err
	}
	return pageID, nil
}

func (a *Allocator) pushFreeHeapPage(tnxID, heapPage uint64) error {
	oldHead := a.meta.FirstFreeHeapPage
	if err := a.writeHeapPageNextFree(tnxID, heapPage, oldHead); err != nil {
		return err
	}
	if err := a.writeHeapPagePrevFree(tnxID, heapPage, NoPage); err != nil {
		return err
	}
	if oldHead != NoPage {
		if err := a.writeHeapPagePrevFree(tnxID, oldHead, heapPage); err != nil {
			return err
		}
	}
	a.meta.FirstFreeHeapPage = heapPage
	return a.savePersist(tnxID)
}

func (a *Allocator) unlinkFreeHeapPage(tnxID, heapPage uint64) error {
	next, prev, _, err := a.readHeapPageHeader(heapPage)
	if err != nil {
		return err
	}
	if prev != NoPage {
		if err := a.writeHeapPageNextFree(tnxID, prev, next); err != nil {
			return err
		}
	}
	if next != NoPage {
		if err := a.writeHeapPagePrevFree(tnxID, next, prev); err != nil {
			return err
		}
	}
	if a.meta.FirstFreeHeapPage == heapPage {
		a.meta.FirstFreeHeapPage = next
		return a.savePersist(tnxID)
	}
	return nil
}

type freeChunkEntry struct {
	offset, next, prev, size uint64
}

// collectFreeChunks walks one heap page's free-chunk list, which is
// kept sorted by ascending offset.
func (a *Allocator) collectFreeChunks(heapPage uint64) ([]freeChunkEntry, error) {
	_, _, first, err := a.readHeapPageHeader(heapPage)
	if err != nil {
		return nil, err
	}
	var out []freeChunkEntry
	cur := first
	for cur != heapOffsetNone {
		hdr, err := a.readChunkAt(heapPage, cur)
		if err != nil {
			return nil, err
		}
		if !hdr.free {
			return nil, rsqlerr.New(rsqlerr.KindStorage, "heap free list references a used chunk")
		}
		out = append(out, freeChunkEntry{offset: cur, next: hdr.next, prev: hdr.prev, size: hdr.size})
		cur = hdr.next
	}
	return out, nil
}

// removeFromFreeList unlinks the free chunk at offset from heapPage's
// free list, relinking its neighbors (and the page header if it was
// the head).
func (a *Allocator) removeFromFreeList(tnxID, heapPage uint64, entry freeChunkEntry) error {
	if entry.prev != heapOffsetNone {
		prevHdr, err := a.readChunkAt(heapPage, entry.prev)
		if err != nil {
			return err
		}
		if err := a.writeFreeChunk(tnxID, heapPage, entry.prev, entry.next, prevHdr.prev, prevHdr.size); err != nil {
			return err
		}
	} else {
		if err := a.writeHeapPageFirstFreeChunk(tnxID, heapPage, entry.next); err != nil {
			return err
		}
	}
	if entry.next != heapOffsetNone {
		nextHdr, err := a.readChunkAt(heapPage, entry.next)
		if err != nil {
			return err
		}
		if err := a.writeFreeChunk(tnxID, heapPage, entry.next, nextHdr.next, entry.prev, nextHdr.size); err != nil {
			return err
		}
	}
	return nil
}

// insertFreeChunk inserts a free chunk (offset, size) into heapPage's
// sorted free list, merging with the physically-adjacent predecessor
// and/or successor chunk when either is also free.
func (a *Allocator) insertFreeChunk(tnxID, heapPage, offset, size uint64) error {
	entries, err := a.collectFreeChunks(heapPage)
	if err != nil {
		return err
	}

	var prevEntry *freeChunkEntry
	var nextEntry *freeChunkEntry
	for i := range entries {
		e := entries[i]
		if e.offset < offset {
			prevEntry = &entries[i]
		} else if e.offset > offset && nextEntry == nil {
			nextEntry = &entries[i]
			break
		}
	}

	// Merge with physically-preceding free chunk if contiguous.
	if prevEntry != nil && prevEntry.offset+chunkHeaderSize+prevEntry.size == offset {
		if err := a.removeFromFreeList(tnxID, heapPage, *prevEntry); err != nil {
			return err
		}
		offset = prevEntry.offset
		size = prevEntry.size + chunkHeaderSize + size
		// prevEntry's own predecessor becomes the new insertion point.
		prevEntry = findPrevByOffset(entries, offset)
	}

	// Merge with physically-following free chunk if contiguous.
	if nextEntry != nil && offset+chunkHeaderSize+size == nextEntry.offset {
		if err := a.removeFromFreeList(tnxID, heapPage, *nextEntry); err != nil {
			return err
		}
		size = size + chunkHeaderSize + nextEntry.size
		nextEntry = findNextByOffset(entries, nextEntry.offset)
	}

	var prevOffset, nextOffset uint64 = heapOffsetNone, heapOffsetNone
	if prevEntry != nil {
		prevOffset = prevEntry.offset
	}
	if nextEntry != nil {
		nextOffset = nextEntry.offset
	}

	if err := a.writeFreeChunk(tnxID, heapPage, offset, nextOffset, prevOffset, size); err != nil {
		return err
	}
	if prevOffset != heapOffsetNone {
		prevHdr, err := a.readChunkAt(heapPage, prevOffset)
		if err != nil {
			return err
		}
		if err := a.writeFreeChunk(tnxID, heapPage, prevOffset, offset, prevHdr.prev, prevHdr.size); err != nil {
			return err
		}
	} else {
		if err := a.writeHeapPageFirstFreeChunk(tnxID, heapPage, offset); err != nil {
			return err
		}
	}
	if nextOffset != heapOffsetNone {
		nextHdr, err := a.readChunkAt(heapPage, nextOffset)
		if err != nil {
			return err
		}
		if err := a.writeFreeChunk(tnxID, heapPage, nextOffset, nextHdr.next, offset, nextHdr.size); err != nil {
			return err
		}
	}
	return nil
}

func findPrevByOffset(entries []freeChunkEntry, offset uint64) *freeChunkEntry {
	var best *freeChunkEntry
	for i := range entries {
		if entries[i].offset < offset && (best == nil || entries[i].offset > best.offset) {
			best = &entries[i]
		}
	}
	return best
}

func findNextByOffset(entries []freeChunkEntry, offset uint64) *freeChunkEntry {
	var best *freeChunkEntry
	for i := range entries {
		if entries[i].offset > offset && (best == nil || entries[i].offset < best.offset) {
			best = &entries[i]
		}
	}
	return best
}

// HeapPointer addresses one VarChar overflow chunk.
type HeapPointer struct {
	Page   uint64
	Offset uint64
}

// AllocHeap stores payload in a heap chunk, first-fit by heap page then
// by chunk within the page (spec §4.3). Chunks large enough to leave a
// remainder of at least one header plus 8 bytes are split.
func (a *Allocator) AllocHeap(tnxID uint64, payload []byte) (HeapPointer, error) {
	needed := uint64(len(payload))
	if needed > heapPageCapacity() {
		return HeapPointer{}, rsqlerr.New(rsqlerr.KindInvalidInput, "value too large for a single heap chunk")
	}

	heapPage := a.meta.FirstFreeHeapPage
	for heapPage != NoPage {
		entries, err := a.collectFreeChunks(heapPage)
		if err != nil {
			return HeapPointer{}, err
		}
		for _, e := range entries {
			if e.size >= needed {
				return a.allocateFromChunk(tnxID, heapPage, e, needed, payload)
			}
		}
		next, _, _, err := a.readHeapPageHeader(heapPage)
		if err != nil {
			return HeapPointer{}, err
		}
		heapPage = next
	}

	newPage, err := a.initHeapPage(tnxID)
	if err != nil {
		return HeapPointer{}, err
	}
	if err := a.pushFreeHeapPage(tnxID, newPage); err != nil {
		return HeapPointer{}, err
	}
	entry := freeChunkEntry{offset: heapPageHeaderSize, size: heapPageCapacity()}
	return a.allocateFromChunk(tnxID, newPage, entry, needed, payload)
}

func (a *Allocator) allocateFromChunk(tnxID, heapPage uint64, e freeChunkEntry, needed uint64, payload []byte) (HeapPointer, error) {
	if err := a.removeFromFreeList(tnxID, heapPage, e); err != nil {
		return HeapPointer{}, err
	}

	remainder := e.size - needed
	if remainder >= chunkHeaderSize+8 {
		splitOffset := e.offset + chunkHeaderSize + needed
		splitSize := remainder - chunkHeaderSize
		if err := a.insertFreeChunk(tnxID, heapPage, splitOffset, splitSize); err != nil {
			return HeapPointer{}, err
		}
	} else {
		needed = e.size // absorb the slack into this allocation
	}

	if err := a.writeUsedChunk(tnxID, heapPage, e.offset, needed); err != nil {
		return HeapPointer{}, err
	}
	if err := a.cs.WriteBytes(tnxID, heapPage, int(e.offset+chunkHeaderSize), payload); err != nil {
		return HeapPointer{}, err
	}

	// If this page had no remaining free space, it drops off the free list.
	_, _, firstFree, err := a.readHeapPageHeader(heapPage)
	if err != nil {
		return HeapPointer{}, err
	}
	if firstFree == heapOffsetNone {
		if err := a.unlinkFreeHeapPage(tnxID, heapPage); err != nil {
			return HeapPointer{}, err
		}
	}

	return HeapPointer{Page: heapPage, Offset: e.offset}, nil
}

// ReadHeap returns the payload bytes stored at ptr.
func (a *Allocator) ReadHeap(ptr HeapPointer) ([]byte, error) {
	page, err := a.cs.Read(ptr.Page)
	if err != nil {
		return nil, err
	}
	data := page.Bytes()
	hdr, err := decodeChunkHeader(data[ptr.Offset : ptr.Offset+chunkHeaderSize])
	if err != nil {
		return nil, err
	}
	if hdr.free {
		return nil, rsqlerr.New(rsqlerr.KindStorage, "read_heap: chunk is not allocated")
	}
	start := ptr.Offset + chunkHeaderSize
	out := make([]byte, hdr.size)
	copy(out, data[start:start+hdr.size])
	return out, nil
}

// FreeHeap releases the chunk at ptr back to its page's free list,
// merging with physically-adjacent free neighbors.
func (a *Allocator) FreeHeap(tnxID uint64, ptr HeapPointer) error {
	hdr, err := a.readChunkAt(ptr.Page, ptr.Offset)
	if err != nil {
		return err
	}
	if hdr.free {
		return rsqlerr.New(rsqlerr.KindInvalidInput, "free_heap: chunk already free")
	}

	_, _, firstFreeBefore, err := a.readHeapPageHeader(ptr.Page)
	if err != nil {
		return err
	}

	if err := a.insertFreeChunk(tnxID, ptr.Page, ptr.Offset, hdr.size); err != nil {
		return err
	}

	if firstFreeBefore == heapOffsetNone {
		if err := a.pushFreeHeapPage(tnxID, ptr.Page); err != nil {
			return err
		}
	}
	return nil
}
