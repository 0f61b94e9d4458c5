// Package btreeindex implements the persistent B+-tree index described
// in spec §5: leaf and internal pages share one consiststorage-backed
// page pool, leaves are singly linked in key order for range scans,
// and duplicate keys are supported by letting several cells carry the
// same key (ties broken by insertion order, spec §5's "no merge on
// delete" simplification included).
package btreeindex

import (
	"bytes"
	"encoding/binary"
	"errors"

	"github.com/intellect4all/rsqlstore/internal/storage"
)

const (
	pageTypeInternal = 1
	pageTypeLeaf     = 2

	// Header layout: [type(1)][numCells(2)][rightPtr(8)][freePtr(2)][nextLeaf(8)] = 21 bytes.
	// rightPtr: internal nodes only, the child holding keys less than
	// every separator in the page (teacher's "Cell(K,P) means P
	// contains keys >= K" convention, btree.GetChildPageID).
	// nextLeaf: leaf nodes only, singly-linked ordered scan pointer.
	headerSize         = 21
	offType            = 0
	offNumCells        = 1
	offRightPtr        = 3
	offFreePtr         = 11
	offNextLeaf        = 13
	cellDirEntrySize   = 2
	leafCellHeaderLen  = 4  // keyLen(2) + valLen(2)
	internalCellHeader = 10 // keyLen(2) + child(8)
)

var (
	ErrCellNotFound = errors.New("btreeindex: cell not found")
	ErrPageFull     = errors.New("btreeindex: page is full")
)

// Cell is one key/value (leaf) or key/child (internal) entry.
type Cell struct {
	Key   []byte
	Value []byte
	Child uint64
}

// Node is an in-memory view over one B+-tree page, following the
// teacher's slotted-page convention: a cell directory grows forward
// from the header, cells are packed backward from the end of the page
// (btree.Page).
type Node struct {
	page *storage.Page
}

func newLeafNode(page *storage.Page) *Node {
	n := &Node{page: page}
	data := page.Bytes()
	data[offType] = pageTypeLeaf
	binary.BigEndian.PutUint16(data[offNumCells:], 0)
	binary.BigEndian.PutUint16(data[offFreePtr:], uint16(len(data)))
	binary.BigEndian.PutUint64(data[offNextLeaf:], 0)
	return n
}

func newInternalNode(page *storage.Page) *Node {
	n := &Node{page: page}
	data := page.Bytes()
	data[offType] = pageTypeInternal
	binary.BigEndian.PutUint16(data[offNumCells:], 0)
	binary.BigEndian.PutUint64(data[offRightPtr:], 0)
	binary.BigEndian.PutUint16(data[offFreePtr:], uint16(len(data)))
	return n
}

func loadNode(page *storage.Page) *Node {
	return &Node{page: page}
}

func (n *Node) Page() *storage.Page { return n.page }

func (n *Node) IsLeaf() bool {
	return n.page.Bytes()[offType] == pageTypeLeaf
}

func (n *Node) NumCells() int {
	return int(binary.BigEndian.Uint16(n.page.Bytes()[offNumCells:]))
}

func (n *Node) setNumCells(v int) {
	binary.BigEndian.PutUint16(n.page.Bytes()[offNumCells:], uint16(v))
}

func (n *Node) RightPtr() uint64 {
	return binary.BigEndian.Uint64(n.page.Bytes()[offRightPtr:])
}

func (n *Node) SetRightPtr(p uint64) {
	binary.BigEndian.PutUint64(n.page.Bytes()[offRightPtr:], p)
	n.page.SetDirty(true)
}

func (n *Node) NextLeaf() uint64 {
	return binary.BigEndian.Uint64(n.page.Bytes()[offNextLeaf:])
}

func (n *Node) SetNextLeaf(p uint64) {
	binary.BigEndian.PutUint64(n.page.Bytes()[offNextLeaf:], p)
	n.page.SetDirty(true)
}

func (n *Node) freePtr() int {
	return int(binary.BigEndian.Uint16(n.page.Bytes()[offFreePtr:]))
}

func (n *Node) setFreePtr(v int) {
	binary.BigEndian.PutUint16(n.page.Bytes()[offFreePtr:], uint16(v))
}

func (n *Node) cellDirOffset(i int) int {
	return headerSize + i*cellDirEntrySize
}

func (n *Node) getCellOffset(i int) int {
	return int(binary.BigEndian.Uint16(n.page.Bytes()[n.cellDirOffset(i):]))
}

func (n *Node) setCellOffset(i, off int) {
	binary.BigEndian.PutUint16(n.page.Bytes()[n.cellDirOffset(i):], uint16(off))
}

func (n *Node) cellSize(keyLen, valLen int) int {
	if n.IsLeaf() {
		return leafCellHeaderLen + keyLen + valLen
	}
	return internalCellHeader + keyLen
}

// CellAt decodes the cell at directory index i.
func (n *Node) CellAt(i int) (Cell, error) {
	if i < 0 || i >= n.NumCells() {
		return Cell{}, ErrCellNotFound
	}
	data := n.page.Bytes()
	off := n.getCellOffset(i)
	if n.IsLeaf() {
		keyLen := int(binary.BigEndian.Uint16(data[off:]))
		valLen := int(binary.BigEndian.Uint16(data[off+2:]))
		keyStart := off + leafCellHeaderLen
		key := append([]byte(nil), data[keyStart:keyStart+keyLen]...)
		val := append([]byte(nil), data[keyStart+keyLen:keyStart+keyLen+valLen]...)
		return Cell{Key: key, Value: val}, nil
	}
	keyLen := int(binary.BigEndian.Uint16(data[off:]))
	child := binary.BigEndian.Uint64(data[off+2:])
	keyStart := off + internalCellHeader
	key := append([]byte(nil), data[keyStart:keyStart+keyLen]...)
	return Cell{Key: key, Child: child}, nil
}

// IsFull reports whether a cell of this shape fits in the remaining
// free space (cell directory growing forward vs. cell body growing
// backward, as in the teacher's Page.IsFull).
func (n *Node) IsFull(keyLen, valLen int) bool {
	dirEnd := n.cellDirOffset(n.NumCells() + 1)
	free := n.freePtr() - dirEnd
	return free < n.cellSize(keyLen, valLen)
}

// InsertCellAt writes cell's bytes into the free area and inserts a
// directory entry at position idx, shifting later entries right.
func (n *Node) InsertCellAt(idx int, cell Cell) error {
	keyLen := len(cell.Key)
	valLen := len(cell.Value)
	size := n.cellSize(keyLen, valLen)
	if n.IsFull(keyLen, valLen) {
		return ErrPageFull
	}

	newFree := n.freePtr() - size
	data := n.page.Bytes()
	if n.IsLeaf() {
		binary.BigEndian.PutUint16(data[newFree:], uint16(keyLen))
		binary.BigEndian.PutUint16(data[newFree+2:], uint16(valLen))
		keyStart := newFree + leafCellHeaderLen
		copy(data[keyStart:], cell.Key)
		copy(data[keyStart+keyLen:], cell.Value)
	} else {
		binary.BigEndian.PutUint16(data[newFree:], uint16(keyLen))
		binary.BigEndian.PutUint64(data[newFree+2:], cell.Child)
		copy(data[newFree+internalCellHeader:], cell.Key)
	}
	n.setFreePtr(newFree)

	num := n.NumCells()
	for i := num; i > idx; i-- {
		n.setCellOffset(i, n.getCellOffset(i-1))
	}
	n.setCellOffset(idx, newFree)
	n.setNumCells(num + 1)
	n.page.SetDirty(true)
	return nil
}

// DeleteCellAt removes the directory entry at idx. The cell body is
// left as garbage in the page (reclaimed on the next compaction/split),
// matching the teacher's tombstone-free directory-only deletion.
func (n *Node) DeleteCellAt(idx int) error {
	num := n.NumCells()
	if idx < 0 || idx >= num {
		return ErrCellNotFound
	}
	for i := idx; i < num-1; i++ {
		n.setCellOffset(i, n.getCellOffset(i+1))
	}
	n.setNumCells(num - 1)
	n.page.SetDirty(true)
	return nil
}

// findInsertionPoint returns the first index whose key is >= key
// (lower_bound), i.e. the position of the first existing cell with an
// equal key; Insert itself steps past that run to append duplicates.
func (n *Node) findInsertionPoint(key []byte) (int, error) {
	lo, hi := 0, n.NumCells()
	for lo < hi {
		mid := (lo + hi) / 2
		cell, err := n.CellAt(mid)
		if err != nil {
			return 0, err
		}
		if bytes.Compare(cell.Key, key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo, nil
}
