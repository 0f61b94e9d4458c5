// Package dataitem implements the row value model described in spec §3:
// tagged DataItem values, their on-disk serialization, and the
// TableSchema / TableColumn types that validate rows against a table
// definition.
package dataitem

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/intellect4all/rsqlstore/internal/rsqlerr"
)

// Tag identifies the kind of a DataItem on the wire. One byte precedes
// every serialized value.
type Tag byte

const (
	TagNull    Tag = 0
	TagInteger Tag = 1
	TagFloat   Tag = 2
	TagBool    Tag = 3
	TagChars   Tag = 4
	TagVarChar Tag = 5
)

// VarCharHeaderSize is the fixed on-row footprint of a VarChar value:
// max(8) + len(8) + packed_ptr(8).
const VarCharHeaderSize = 24

// NoPointer is the sentinel packed pointer for an empty/unset VarChar
// body (len == 0).
const NoPointer uint64 = math.MaxUint64

// Item is a single tagged value. Only the field matching Tag is
// meaningful; the rest are zero.
type Item struct {
	Tag Tag

	Int   int64
	Float float64
	Bool  bool

	// Chars holds exactly the column's Chars(n) width in bytes
	// (NUL-padded) when Tag == TagChars.
	Chars []byte

	// VarChar on-row header. Body is the decoded payload when the
	// caller has resolved the heap pointer (Table layer does this);
	// it is nil when only the header has been read.
	VarCharMax uint64
	VarCharLen uint64
	VarCharPtr uint64
	Body       []byte
}

// PackPointer encodes a heap locator as the spec's
// (heap_page << 16) | (offset & 0xFFFF).
func PackPointer(heapPage uint64, offset uint64) uint64 {
	return (heapPage << 16) | (offset & 0xFFFF)
}

// UnpackPointer is the inverse of PackPointer.
func UnpackPointer(ptr uint64) (heapPage uint64, offset uint64) {
	return ptr >> 16, ptr & 0xFFFF
}

func NewNull() Item               { return Item{Tag: TagNull} }
func NewInteger(v int64) Item      { return Item{Tag: TagInteger, Int: v} }
func NewFloat(v float64) Item      { return Item{Tag: TagFloat, Float: v} }
func NewBool(v bool) Item          { return Item{Tag: TagBool, Bool: v} }

// NewChars builds a fixed-width Chars(n) value, NUL-padding a shorter s
// and silently truncating a longer one to width bytes. Callers validate
// the width against the schema before calling this.
func NewChars(s string, width int) Item {
	buf := make([]byte, width)
	copy(buf, s)
	return Item{Tag: TagChars, Chars: buf}
}

// NewVarCharHeader builds a VarChar on-row header for a body that has
// already been written to the heap at (heapPage, offset). An empty body
// uses NoPointer as a sentinel, per spec §6.
func NewVarCharHeader(max uint64, body []byte, heapPage, offset uint64) Item {
	it := Item{Tag: TagVarChar, VarCharMax: max, VarCharLen: uint64(len(body)), Body: body}
	if len(body) == 0 {
		it.VarCharPtr = NoPointer
	} else {
		it.VarCharPtr = PackPointer(heapPage, offset)
	}
	return it
}

// EncodedSize returns the number of bytes Encode will write for this
// item, not counting any out-of-line VarChar body.
func (it Item) EncodedSize() int {
	switch it.Tag {
	case TagNull:
		return 1
	case TagInteger, TagFloat:
		return 1 + 8
	case TagBool:
		return 1 + 1
	case TagChars:
		return 1 + len(it.Chars)
	case TagVarChar:
		return 1 + VarCharHeaderSize
	default:
		return 1
	}
}

// Encode appends the on-row bytes for this item (tag + value; for
// VarChar this is the header only, never the body) to dst.
func (it Item) Encode(dst []byte) []byte {
	dst = append(dst, byte(it.Tag))
	switch it.Tag {
	case TagNull:
		// no payload
	case TagInteger:
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], uint64(it.Int))
		dst = append(dst, b[:]...)
	case TagFloat:
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], math.Float64bits(it.Float))
		dst = append(dst, b[:]...)
	case TagBool:
		if it.Bool {
			dst = append(dst, 1)
		} else {
			dst = append(dst, 0)
		}
	case TagChars:
		dst = append(dst, it.Chars...)
	case TagVarChar:
		var b [VarCharHeaderSize]byte
		binary.LittleEndian.PutUint64(b[0:8], it.VarCharMax)
		binary.LittleEndian.PutUint64(b[8:16], it.VarCharLen)
		binary.LittleEndian.PutUint64(b[16:24], it.VarCharPtr)
		dst = append(dst, b[:]...)
	}
	return dst
}

// Decode reads one item (tag + value, VarChar header only) from the
// front of src and returns it along with the number of bytes consumed.
// For TagChars, width must be supplied by the caller (the schema knows
// it; the wire format does not repeat it).
func Decode(src []byte, charsWidth int) (Item, int, error) {
	if len(src) < 1 {
		return Item{}, 0, rsqlerr.New(rsqlerr.KindStorage, "decode: empty buffer")
	}
	tag := Tag(src[0])
	switch tag {
	case TagNull:
		return Item{Tag: TagNull}, 1, nil
	case TagInteger:
		if len(src) < 9 {
			return Item{}, 0, shortBuf("integer")
		}
		v := int64(binary.LittleEndian.Uint64(src[1:9]))
		return Item{Tag: TagInteger, Int: v}, 9, nil
	case TagFloat:
		if len(src) < 9 {
			return Item{}, 0, shortBuf("float")
		}
		v := math.Float64frombits(binary.LittleEndian.Uint64(src[1:9]))
		return Item{Tag: TagFloat, Float: v}, 9, nil
	case TagBool:
		if len(src) < 2 {
			return Item{}, 0, shortBuf("bool")
		}
		return Item{Tag: TagBool, Bool: src[1] != 0}, 2, nil
	case TagChars:
		if len(src) < 1+charsWidth {
			return Item{}, 0, shortBuf("chars")
		}
		buf := make([]byte, charsWidth)
		copy(buf, src[1:1+charsWidth])
		return Item{Tag: TagChars, Chars: buf}, 1 + charsWidth, nil
	case TagVarChar:
		if len(src) < 1+VarCharHeaderSize {
			return Item{}, 0, shortBuf("varchar")
		}
		max := binary.LittleEndian.Uint64(src[1:9])
		l := binary.LittleEndian.Uint64(src[9:17])
		ptr := binary.LittleEndian.Uint64(src[17:25])
		return Item{Tag: TagVarChar, VarCharMax: max, VarCharLen: l, VarCharPtr: ptr}, 1 + VarCharHeaderSize, nil
	default:
		return Item{}, 0, rsqlerr.New(rsqlerr.KindStorage, fmt.Sprintf("decode: unknown tag %d", tag))
	}
}

func shortBuf(kind string) error {
	return rsqlerr.New(rsqlerr.KindStorage, "decode: truncated "+kind+" value")
}

// IsNull reports whether the item represents SQL NULL.
func (it Item) IsNull() bool { return it.Tag == TagNull }
