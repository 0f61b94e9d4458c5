package table

import (
	"math"

	"github.com/intellect4all/rsqlstore/internal/dataitem"
	"github.com/intellect4all/rsqlstore/internal/rsqlerr"
)

// encodeIndexKey produces an order-preserving byte encoding of item,
// suitable for use as a BTreeIndex key: bytes.Compare on the result
// agrees with the column's natural ordering. This is distinct from
// dataitem.Item.Encode, which is little-endian and exists for on-row
// storage, not comparison.
func encodeIndexKey(item dataitem.Item) ([]byte, error) {
	switch item.Tag {
	case dataitem.TagInteger:
		buf := make([]byte, 8)
		putUint64BE(buf, uint64(item.Int)^(1<<63))
		return buf, nil
	case dataitem.TagFloat:
		bits := math.Float64bits(item.Float)
		if item.Float < 0 {
			bits = ^bits
		} else {
			bits |= 1 << 63
		}
		buf := make([]byte, 8)
		putUint64BE(buf, bits)
		return buf, nil
	case dataitem.TagBool:
		if item.Bool {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	case dataitem.TagChars:
		return append([]byte(nil), item.Chars...), nil
	case dataitem.TagVarChar:
		return append([]byte(nil), item.Body...), nil
	case dataitem.TagNull:
		return nil, rsqlerr.New(rsqlerr.KindInvalidInput, "cannot index a NULL value")
	default:
		return nil, rsqlerr.New(rsqlerr.KindInvalidInput, "unsupported column type for indexing")
	}
}

func putUint64BE(buf []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		buf[i] = byte(v)
		v >>= 8
	}
}
