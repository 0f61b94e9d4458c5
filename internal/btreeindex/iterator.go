package btreeindex

import "bytes"

// Iterator walks a key range in ascending order across leaf pages,
// following their forward links (spec §5.4's range iterator / full
// scan, grounded on btree.Iterator's seek-then-Next shape).
type Iterator struct {
	b         *BTreeIndex
	node      *Node
	idx       int
	endKey    []byte // nil means unbounded
	err       error
	exhausted bool
}

// NewRangeIterator positions an iterator at the first key >= startKey
// (startKey == nil means "from the beginning"), stopping once a key >
// endKey is reached (endKey == nil means "to the end"). This backs
// spec §5.4's find_range_entry.
func (b *BTreeIndex) NewRangeIterator(startKey, endKey []byte) (*Iterator, error) {
	it := &Iterator{b: b, endKey: endKey}
	if err := it.seek(startKey); err != nil {
		return nil, err
	}
	return it, nil
}

// NewFullIterator walks every entry in key order (spec §5.4's
// traverse_all_entries).
func (b *BTreeIndex) NewFullIterator() (*Iterator, error) {
	return b.NewRangeIterator(nil, nil)
}

func (it *Iterator) seek(startKey []byte) error {
	pageID := it.b.RootPage
	for {
		node, err := it.b.loadNode(pageID)
		if err != nil {
			return err
		}
		if node.IsLeaf() {
			it.node = node
			if len(startKey) == 0 {
				it.idx = 0
			} else {
				idx, err := node.findInsertionPoint(startKey)
				if err != nil {
					return err
				}
				it.idx = idx
			}
			return nil
		}
		var child uint64
		if len(startKey) == 0 {
			// RightPtr holds keys less than every separator in the page
			// (childFor's convention), so it is always the leftmost path
			// when present; otherwise fall back to the first separator's
			// child (mirrors btree.GetMinKey's leftmost walk).
			if node.RightPtr() != 0 {
				child = node.RightPtr()
			} else if node.NumCells() > 0 {
				cell, err := node.CellAt(0)
				if err != nil {
					return err
				}
				child = cell.Child
			} else {
				return ErrCellNotFound
			}
		} else {
			c, err := childFor(node, startKey)
			if err != nil {
				return err
			}
			child = c
		}
		pageID = child
	}
}

// Next advances and returns the next (key, value), or ok=false when
// the range is exhausted.
func (it *Iterator) Next() (key, value []byte, ok bool, err error) {
	if it.exhausted || it.err != nil {
		return nil, nil, false, it.err
	}
	for {
		if it.idx >= it.node.NumCells() {
			next := it.node.NextLeaf()
			if next == 0 {
				it.exhausted = true
				return nil, nil, false, nil
			}
			n, err := it.b.loadNode(next)
			if err != nil {
				it.err = err
				return nil, nil, false, err
			}
			it.node = n
			it.idx = 0
			continue
		}
		cell, err := it.node.CellAt(it.idx)
		if err != nil {
			it.err = err
			return nil, nil, false, err
		}
		if it.endKey != nil && bytes.Compare(cell.Key, it.endKey) > 0 {
			it.exhausted = true
			return nil, nil, false, nil
		}
		it.idx++
		return cell.Key, cell.Value, true, nil
	}
}
