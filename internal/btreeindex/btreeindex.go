package btreeindex

import (
	"bytes"

	"github.com/intellect4all/rsqlstore/internal/consiststorage"
	"github.com/intellect4all/rsqlstore/internal/rlog"
	"github.com/intellect4all/rsqlstore/internal/rsqlerr"
)

var log = rlog.Named("btreeindex")

// BTreeIndex is one persistent B+-tree over a ConsistStorage-backed
// page pool. RootPage is kept in memory and mirrored into the table
// header page by the caller whenever it changes (spec §5.1).
type BTreeIndex struct {
	cs           *consiststorage.ConsistStorage
	RootPage     uint64
	onRootChange func(tnxID, newRoot uint64) error
}

// Open wraps an existing tree whose root is already on disk at rootPage.
func Open(cs *consiststorage.ConsistStorage, rootPage uint64, onRootChange func(tnxID, newRoot uint64) error) *BTreeIndex {
	return &BTreeIndex{cs: cs, RootPage: rootPage, onRootChange: onRootChange}
}

// Create allocates a fresh, empty leaf page as the tree's root.
func Create(tnxID uint64, cs *consiststorage.ConsistStorage, onRootChange func(tnxID, newRoot uint64) error) (*BTreeIndex, error) {
	pageID, page, err := cs.NewPage(tnxID)
	if err != nil {
		return nil, err
	}
	root := newLeafNode(page)
	if err := cs.Write(tnxID, pageID, root.Page()); err != nil {
		return nil, err
	}
	return &BTreeIndex{cs: cs, RootPage: pageID, onRootChange: onRootChange}, nil
}

func (b *BTreeIndex) loadNode(pageID uint64) (*Node, error) {
	page, err := b.cs.Read(pageID)
	if err != nil {
		return nil, err
	}
	return loadNode(page), nil
}

// findLeafPath descends from the root to the leaf page that would
// contain key, recording the path of (pageID, node) taken so Insert can
// propagate splits back up without a second descent.
type pathEntry struct {
	pageID uint64
	node   *Node
}

func (b *BTreeIndex) findLeafPath(key []byte) ([]pathEntry, error) {
	var path []pathEntry
	pageID := b.RootPage
	for {
		node, err := b.loadNode(pageID)
		if err != nil {
			return nil, err
		}
		path = append(path, pathEntry{pageID: pageID, node: node})
		if node.IsLeaf() {
			return path, nil
		}
		child, err := childFor(node, key)
		if err != nil {
			return nil, err
		}
		pageID = child
	}
}

// childFor mirrors btree.GetChildPageID: Cell(K, P) means P holds keys
// >= K; RightPtr holds keys less than every separator in the page.
func childFor(node *Node, key []byte) (uint64, error) {
	num := node.NumCells()
	for i := num - 1; i >= 0; i-- {
		cell, err := node.CellAt(i)
		if err != nil {
			return 0, err
		}
		if bytes.Compare(key, cell.Key) >= 0 {
			return cell.Child, nil
		}
	}
	rp := node.RightPtr()
	if rp == 0 {
		return 0, ErrCellNotFound
	}
	return rp, nil
}

// Find returns all values stored under key (duplicate-key support,
// spec §5's "secondary index may carry repeated keys").
func (b *BTreeIndex) Find(key []byte) ([][]byte, error) {
	path, err := b.findLeafPath(key)
	if err != nil {
		return nil, err
	}
	leaf := path[len(path)-1].node
	idx, err := leaf.findInsertionPoint(key)
	if err != nil {
		return nil, err
	}

	var out [][]byte
	pageID := path[len(path)-1].pageID
	cur := leaf
	i := idx
	for {
		if i >= cur.NumCells() {
			next := cur.NextLeaf()
			if next == 0 {
				break
			}
			cur, err = b.loadNode(next)
			if err != nil {
				return nil, err
			}
			pageID = next
			i = 0
			continue
		}
		cell, err := cur.CellAt(i)
		if err != nil {
			return nil, err
		}
		if !bytes.Equal(cell.Key, key) {
			break
		}
		out = append(out, cell.Value)
		i++
	}
	_ = pageID
	return out, nil
}

// Exists reports whether key has at least one entry (spec §5's
// check_exists, used for PK/unique-constraint validation).
func (b *BTreeIndex) Exists(key []byte) (bool, error) {
	vals, err := b.Find(key)
	if err != nil {
		return false, err
	}
	return len(vals) > 0, nil
}

// Insert adds one (key, value) cell, splitting leaf and ancestor pages
// up the path as needed (spec §5.2).
func (b *BTreeIndex) Insert(tnxID uint64, key, value []byte) error {
	path, err := b.findLeafPath(key)
	if err != nil {
		return err
	}
	leaf := path[len(path)-1].node

	idx, err := leaf.findInsertionPoint(key)
	if err != nil {
		return err
	}
	// Duplicate keys are appended after the existing run so iteration
	// order matches insertion order for ties.
	for {
		cell, err := leaf.CellAt(idx)
		if err != nil {
			break
		}
		if !bytes.Equal(cell.Key, key) {
			break
		}
		idx++
	}

	if err := leaf.InsertCellAt(idx, Cell{Key: key, Value: value}); err == nil {
		return b.persistPath(tnxID, path)
	} else if err != ErrPageFull {
		return err
	}

	return b.splitLeafAndInsert(tnxID, path, key, value)
}

func (b *BTreeIndex) persistPath(tnxID uint64, path []pathEntry) error {
	for _, entry := range path {
		if err := b.cs.Write(tnxID, entry.pageID, entry.node.Page()); err != nil {
			return err
		}
	}
	return nil
}

// splitLeafAndInsert splits the full leaf at the tail of path to make
// room for (key, value), then propagates the new separator upward.
func (b *BTreeIndex) splitLeafAndInsert(tnxID uint64, path []pathEntry, key, value []byte) error {
	idx := len(path) - 1
	entry := path[idx]
	node := entry.node

	var allKeys [][]byte
	var allVals [][]byte
	for i := 0; i < node.NumCells(); i++ {
		cell, err := node.CellAt(i)
		if err != nil {
			return err
		}
		allKeys = append(allKeys, cell.Key)
		allVals = append(allVals, cell.Value)
	}

	insertAt := len(allKeys)
	for i, k := range allKeys {
		if bytes.Compare(key, k) < 0 {
			insertAt = i
			break
		}
	}
	allKeys = append(allKeys[:insertAt], append([][]byte{nil}, allKeys[insertAt:]...)...)
	allKeys[insertAt] = key
	allVals = append(allVals[:insertAt], append([][]byte{nil}, allVals[insertAt:]...)...)
	allVals[insertAt] = value

	mid := len(allKeys) / 2

	newPageID, newPage, err := b.cs.NewPage(tnxID)
	if err != nil {
		return err
	}

	oldNext := node.NextLeaf()
	node = newLeafNode(node.Page())
	newNode := newLeafNode(newPage)
	for i := 0; i < mid; i++ {
		if err := node.InsertCellAt(i, Cell{Key: allKeys[i], Value: allVals[i]}); err != nil {
			return err
		}
	}
	for i := mid; i < len(allKeys); i++ {
		if err := newNode.InsertCellAt(i-mid, Cell{Key: allKeys[i], Value: allVals[i]}); err != nil {
			return err
		}
	}
	newNode.SetNextLeaf(oldNext)
	node.SetNextLeaf(newPageID)

	if err := b.cs.Write(tnxID, entry.pageID, node.Page()); err != nil {
		return err
	}
	if err := b.cs.Write(tnxID, newPageID, newNode.Page()); err != nil {
		return err
	}

	sepKey := allKeys[mid]
	return b.propagateSplit(tnxID, path, idx, sepKey, newPageID)
}

// propagateSplit inserts (sepKey, newPageID) into the parent of the
// page that just split, recursing (and eventually growing a new root)
// as needed.
func (b *BTreeIndex) propagateSplit(tnxID uint64, path []pathEntry, splitIdx int, sepKey []byte, newPageID uint64) error {
	if splitIdx == 0 {
		return b.growNewRoot(tnxID, sepKey, path[0].pageID, newPageID)
	}

	parentEntry := path[splitIdx-1]
	parent := parentEntry.node
	pidx, err := parent.findInsertionPoint(sepKey)
	if err != nil {
		return err
	}
	if err := parent.InsertCellAt(pidx, Cell{Key: sepKey, Child: newPageID}); err == nil {
		return b.persistPath(tnxID, path[:splitIdx])
	} else if err != ErrPageFull {
		return err
	}

	// Parent itself is full: recursively split it, carrying sepKey/newPageID
	// in as the overflowing insert via a synthetic single-level splitAndInsert call.
	return b.splitInternalWithExtra(tnxID, path, splitIdx-1, sepKey, newPageID)
}

// splitInternalWithExtra is splitAndInsert specialized for internal
// pages receiving an explicit (key, child) pair rather than a
// (key, value) leaf cell.
func (b *BTreeIndex) splitInternalWithExtra(tnxID uint64, path []pathEntry, idx int, key []byte, child uint64) error {
	entry := path[idx]
	node := entry.node

	// allChildren is indexed one ahead of allKeys: allChildren[0] is the
	// node's RightPtr (keys below the minimum separator), allChildren[i+1]
	// is the dedicated child of allKeys[i] (childFor's convention).
	allKeys := make([][]byte, 0, node.NumCells())
	allChildren := []uint64{node.RightPtr()}
	for i := 0; i < node.NumCells(); i++ {
		cell, err := node.CellAt(i)
		if err != nil {
			return err
		}
		allKeys = append(allKeys, cell.Key)
		allChildren = append(allChildren, cell.Child)
	}

	insertAt := len(allKeys)
	for i, k := range allKeys {
		if bytes.Compare(key, k) < 0 {
			insertAt = i
			break
		}
	}
	allKeys = append(allKeys[:insertAt], append([][]byte{nil}, allKeys[insertAt:]...)...)
	allKeys[insertAt] = key
	allChildren = append(allChildren[:insertAt+1], append([]uint64{child}, allChildren[insertAt+1:]...)...)

	mid := len(allKeys) / 2

	newPageID, newPage, err := b.cs.NewPage(tnxID)
	if err != nil {
		return err
	}

	node = newInternalNode(node.Page())
	newNode := newInternalNode(newPage)
	node.SetRightPtr(allChildren[0])
	for i := 0; i < mid; i++ {
		if err := node.InsertCellAt(i, Cell{Key: allKeys[i], Child: allChildren[i+1]}); err != nil {
			return err
		}
	}
	newNode.SetRightPtr(allChildren[mid+1])
	for i := mid + 1; i < len(allKeys); i++ {
		if err := newNode.InsertCellAt(i-mid-1, Cell{Key: allKeys[i], Child: allChildren[i+1]}); err != nil {
			return err
		}
	}

	if err := b.cs.Write(tnxID, entry.pageID, node.Page()); err != nil {
		return err
	}
	if err := b.cs.Write(tnxID, newPageID, newNode.Page()); err != nil {
		return err
	}

	sepKey := allKeys[mid]
	return b.propagateSplit(tnxID, path, idx, sepKey, newPageID)
}

// growNewRoot builds a fresh internal root over the two pages produced
// by splitting the former root.
func (b *BTreeIndex) growNewRoot(tnxID uint64, sepKey []byte, leftPageID, rightPageID uint64) error {
	newRootID, newRootPage, err := b.cs.NewPage(tnxID)
	if err != nil {
		return err
	}
	root := newInternalNode(newRootPage)
	// RightPtr handles keys below sepKey (childFor's convention), so it
	// points at the left half; the cell's Child handles keys >= sepKey.
	root.SetRightPtr(leftPageID)
	if err := root.InsertCellAt(0, Cell{Key: sepKey, Child: rightPageID}); err != nil {
		return err
	}
	if err := b.cs.Write(tnxID, newRootID, root.Page()); err != nil {
		return err
	}
	b.RootPage = newRootID
	if b.onRootChange != nil {
		return b.onRootChange(tnxID, newRootID)
	}
	return nil
}

// Delete removes the first cell matching (key, value) exactly. Per
// spec §5.3's accepted simplification, no merge/rebalance happens on
// underflow; pages just shrink in place, mirroring the teacher's
// directory-only deletion (btree merge.go is intentionally not
// adopted — see DESIGN.md).
func (b *BTreeIndex) Delete(tnxID uint64, key, value []byte) error {
	path, err := b.findLeafPath(key)
	if err != nil {
		return err
	}
	leafEntry := path[len(path)-1]
	leaf := leafEntry.node

	idx, err := leaf.findInsertionPoint(key)
	if err != nil {
		return err
	}
	for i := idx; i < leaf.NumCells(); i++ {
		cell, err := leaf.CellAt(i)
		if err != nil {
			return err
		}
		if !bytes.Equal(cell.Key, key) {
			break
		}
		if bytes.Equal(cell.Value, value) {
			if err := leaf.DeleteCellAt(i); err != nil {
				return err
			}
			return b.cs.Write(tnxID, leafEntry.pageID, leaf.Page())
		}
	}
	return rsqlerr.New(rsqlerr.KindNotFound, "btreeindex: key/value not found")
}

// UpdateEntry replaces oldValue with newValue for key without
// disturbing the key's position (spec §5.3's update_entry: a delete
// followed by an insert of the same key is not equivalent, since it
// would move the entry to the back of a duplicate-key run).
func (b *BTreeIndex) UpdateEntry(tnxID uint64, key, oldValue, newValue []byte) error {
	path, err := b.findLeafPath(key)
	if err != nil {
		return err
	}
	leafEntry := path[len(path)-1]
	leaf := leafEntry.node

	idx, err := leaf.findInsertionPoint(key)
	if err != nil {
		return err
	}
	for i := idx; i < leaf.NumCells(); i++ {
		cell, err := leaf.CellAt(i)
		if err != nil {
			return err
		}
		if !bytes.Equal(cell.Key, key) {
			break
		}
		if bytes.Equal(cell.Value, oldValue) {
			if len(newValue) == len(oldValue) {
				off := leaf.getCellOffset(i)
				data := leaf.Page().Bytes()
				keyLen := int(uint16(len(cell.Key)))
				valStart := off + leafCellHeaderLen + keyLen
				copy(data[valStart:valStart+len(newValue)], newValue)
				leaf.Page().SetDirty(true)
				return b.cs.Write(tnxID, leafEntry.pageID, leaf.Page())
			}
			if err := leaf.DeleteCellAt(i); err != nil {
				return err
			}
			if err := leaf.InsertCellAt(i, Cell{Key: key, Value: newValue}); err != nil {
				return err
			}
			return b.cs.Write(tnxID, leafEntry.pageID, leaf.Page())
		}
	}
	return rsqlerr.New(rsqlerr.KindNotFound, "btreeindex: key/value not found")
}
