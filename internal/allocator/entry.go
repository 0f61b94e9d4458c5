package allocator

import (
	"encoding/binary"
	"math/bits"

	"github.com/intellect4all/rsqlstore/internal/rsqlerr"
)

// Entry page layout (spec §4.3):
//   [next_free_page(8)][prev_free_page(8)][bitmap(ceil(entries_per_page/8))][entries...]
const (
	entryPageHeaderSize       = 16
	entryOffsetNextFreePage   = 0
	entryOffsetPrevFreePage   = 8
)

// Locator addresses one row's physical slot.
type Locator struct {
	Page uint64
	Slot uint64
}

func (a *Allocator) readEntryPageHeader(pageID uint64) (next, prev uint64, err error) {
	page, err := a.cs.Read(pageID)
	if err != nil {
		return 0, 0, err
	}
	data := page.Bytes()
	return binary.LittleEndian.Uint64(data[entryOffsetNextFreePage:]),
		binary.LittleEndian.Uint64(data[entryOffsetPrevFreePage:]), nil
}

func (a *Allocator) writeEntryPagePrev(tnxID, pageID, prev uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], prev)
	return a.cs.WriteBytes(tnxID, pageID, entryOffsetPrevFreePage, buf[:])
}

func (a *Allocator) writeEntryPageNext(tnxID, pageID, next uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], next)
	return a.cs.WriteBytes(tnxID, pageID, entryOffsetNextFreePage, buf[:])
}

func (a *Allocator) initEntryPage(tnxID uint64) (uint64, error) {
	pageID, page, err := a.cs.NewPage(tnxID)
	if err != nil {
		return 0, err
	}
	data := page.Bytes()
	binary.LittleEndian.PutUint64(data[entryOffsetNextFreePage:], NoPage)
	binary.LittleEndian.PutUint64(data[entryOffsetPrevFreePage:], NoPage)
	// bitmap area is already zero from NewPage's zero-fill.
	if err := a.cs.Write(tnxID, pageID, page); err != nil {
		return 0, err
	}
	return pageID, nil
}

// pushFreeEntryPage links pageID at the head of the free-page list.
func (a *Allocator) pushFreeEntryPage(tnxID, pageID uint64) error {
	oldHead := a.meta.FirstFreeEntryPage
	if err := a.writeEntryPageNext(tnxID, pageID, oldHead); err != nil {
		return err
	}
	if err := a.writeEntryPagePrev(tnxID, pageID, NoPage); err != nil {
		return err
	}
	if oldHead != NoPage {
		if err := a.writeEntryPagePrev(tnxID, oldHead, pageID); err != nil {
			return err
		}
	}
	a.meta.FirstFreeEntryPage = pageID
	return a.savePersist(tnxID)
}

// unlinkFreeEntryPage removes pageID from the free-page list.
func (a *Allocator) unlinkFreeEntryPage(tnxID, pageID uint64) error {
	next, prev, err := a.readEntryPageHeader(pageID)
	if err != nil {
		return err
	}
	if prev != NoPage {
		if err := a.writeEntryPageNext(tnxID, prev, next); err != nil {
			return err
		}
	}
	if next != NoPage {
		if err := a.writeEntryPagePrev(tnxID, next, prev); err != nil {
			return err
		}
	}
	if a.meta.FirstFreeEntryPage == pageID {
		a.meta.FirstFreeEntryPage = next
		return a.savePersist(tnxID)
	}
	return nil
}

// slotOffset returns the byte offset of slot within an entry page.
func (a *Allocator) slotOffset(slot uint64) int {
	return a.entryAreaOffset + int(slot)*int(a.meta.EntrySize)
}

func (a *Allocator) bitmapByteOffset(slot uint64) (byteIdx int, mask byte) {
	return entryPageHeaderSize + int(slot/8), byte(1) << uint(slot%8)
}

// AllocEntry allocates one fixed-size row slot: the head of the
// free-page list, the first clear bit in its bitmap, scanned byte-at-a-
// time with trailing-zero counting (spec §4.3).
func (a *Allocator) AllocEntry(tnxID uint64) (Locator, error) {
	if a.meta.FirstFreeEntryPage == NoPage {
		pageID, err := a.initEntryPage(tnxID)
		if err != nil {
			return Locator{}, err
		}
		a.meta.FirstFreeEntryPage = pageID
		if err := a.savePersist(tnxID); err != nil {
			return Locator{}, err
		}
	}

	pageID := a.meta.FirstFreeEntryPage
	page, err := a.cs.Read(pageID)
	if err != nil {
		return Locator{}, err
	}
	data := page.Bytes()

	slot, found := a.firstClearBit(data[entryPageHeaderSize : entryPageHeaderSize+a.bitmapBytes])
	if !found {
		return Locator{}, rsqlerr.New(rsqlerr.KindStorage, "entry page on free list has no clear bit")
	}

	byteIdx, mask := a.bitmapByteOffset(slot)
	relIdx := byteIdx - entryPageHeaderSize
	newByte := data[byteIdx] | mask
	if err := a.cs.WriteBytes(tnxID, pageID, byteIdx, []byte{newByte}); err != nil {
		return Locator{}, err
	}

	bitmap := data[entryPageHeaderSize : entryPageHeaderSize+a.bitmapBytes]
	if a.pageIsFull(bitmap, relIdx, newByte) {
		if err := a.unlinkFreeEntryPage(tnxID, pageID); err != nil {
			return Locator{}, err
		}
	}

	return Locator{Page: pageID, Slot: slot}, nil
}

// firstClearBit scans bitmap byte-at-a-time for the first 0 bit,
// bounded by EntriesPerPage.
func (a *Allocator) firstClearBit(bitmap []byte) (uint64, bool) {
	for i, b := range bitmap {
		if b == 0xFF {
			continue
		}
		bit := bits.TrailingZeros8(^b)
		slot := uint64(i*8 + bit)
		if slot >= a.meta.EntriesPerPage {
			return 0, false
		}
		return slot, true
	}
	return 0, false
}

// pageIsFull reports whether, after setting updatedByte at
// updatedByteIdx, every in-range bit of the bitmap is set.
func (a *Allocator) pageIsFull(bitmap []byte, updatedByteIdx int, updatedByte byte) bool {
	for i := range bitmap {
		b := bitmap[i]
		if i == updatedByteIdx {
			b = updatedByte
		}
		limit := a.meta.EntriesPerPage - uint64(i*8)
		if limit >= 8 {
			if b != 0xFF {
				return false
			}
			continue
		}
		if limit <= 0 {
			continue
		}
		want := byte(1<<uint(limit)) - 1
		if b&want != want {
			return false
		}
	}
	return true
}

func (a *Allocator) pageIsEmpty(bitmap []byte) bool {
	for _, b := range bitmap {
		if b != 0 {
			return false
		}
	}
	return true
}

// FreeEntry clears the slot's bit. If the page was previously full, it
// rejoins the free-page list. If the page becomes fully empty, the
// Table's chosen policy applies (see DESIGN.md): only the file's tail page is physically reclaimed via
// ConsistStorage.FreePage; an emptied non-tail page stays linked on the
// free list for reuse rather than being abandoned.
func (a *Allocator) FreeEntry(tnxID uint64, loc Locator) error {
	page, err := a.cs.Read(loc.Page)
	if err != nil {
		return err
	}
	data := page.Bytes()
	bitmap := data[entryPageHeaderSize : entryPageHeaderSize+a.bitmapBytes]

	byteIdx, mask := a.bitmapByteOffset(loc.Slot)
	relIdx := byteIdx - entryPageHeaderSize
	wasFull := a.pageIsFull(bitmap, -1, 0)
	newByte := data[byteIdx] &^ mask
	if err := a.cs.WriteBytes(tnxID, loc.Page, byteIdx, []byte{newByte}); err != nil {
		return err
	}

	if wasFull {
		if err := a.pushFreeEntryPage(tnxID, loc.Page); err != nil {
			return err
		}
	}

	updatedBitmap := append([]byte(nil), bitmap...)
	updatedBitmap[relIdx] = newByte
	if a.pageIsEmpty(updatedBitmap) {
		max, ok := a.cs.MaxPageIndex()
		if ok && max == loc.Page {
			if err := a.unlinkFreeEntryPage(tnxID, loc.Page); err != nil {
				return err
			}
			if err := a.cs.FreePage(tnxID, loc.Page); err != nil {
				return err
			}
		}
		// Non-tail empty pages stay linked on the free list; see
		// DESIGN.md for the open-question decision.
	}

	return nil
}

// ReadEntry returns the raw row bytes stored at loc.
func (a *Allocator) ReadEntry(loc Locator) ([]byte, error) {
	page, err := a.cs.Read(loc.Page)
	if err != nil {
		return nil, err
	}
	off := a.slotOffset(loc.Slot)
	data := page.Bytes()
	out := make([]byte, a.meta.EntrySize)
	copy(out, data[off:off+int(a.meta.EntrySize)])
	return out, nil
}

// WriteEntry stores row bytes at loc (must already be allocated).
func (a *Allocator) WriteEntry(tnxID uint64, loc Locator, row []byte) error {
	if uint64(len(row)) != a.meta.EntrySize {
		return rsqlerr.New(rsqlerr.KindInvalidInput, "row size does not match entry size")
	}
	return a.cs.WriteBytes(tnxID, loc.Page, a.slotOffset(loc.Slot), row)
}
