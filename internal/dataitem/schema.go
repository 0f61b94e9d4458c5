package dataitem

import (
	"fmt"

	"github.com/intellect4all/rsqlstore/internal/rsqlerr"
)

// ColumnType names the storage representation of a column, independent
// of any particular row instance.
type ColumnType struct {
	Tag   Tag
	Width int // Chars(n) width in bytes; VarChar(max) maximum body length
}

func IntegerType() ColumnType            { return ColumnType{Tag: TagInteger} }
func FloatType() ColumnType              { return ColumnType{Tag: TagFloat} }
func BoolType() ColumnType               { return ColumnType{Tag: TagBool} }
func CharsType(width int) ColumnType     { return ColumnType{Tag: TagChars, Width: width} }
func VarCharType(max int) ColumnType     { return ColumnType{Tag: TagVarChar, Width: max} }

// EncodedSize returns the fixed on-row footprint of a value of this
// type (tag byte included).
func (c ColumnType) EncodedSize() int {
	switch c.Tag {
	case TagInteger, TagFloat:
		return 9
	case TagBool:
		return 2
	case TagChars:
		return 1 + c.Width
	case TagVarChar:
		return 1 + VarCharHeaderSize
	default:
		return 1
	}
}

// TableColumn describes one column of a TableSchema.
type TableColumn struct {
	Name     string
	Type     ColumnType
	PK       bool
	Nullable bool
	Unique   bool
	Index    bool
}

// TableSchema is the ordered sequence of columns making up a table, as
// described in spec §3.
type TableSchema struct {
	Columns []TableColumn
}

// Validate enforces the schema-level invariants from spec §3:
//   - exactly one PK column
//   - the PK column has Index=true, Unique=true, Nullable=false
//   - every Unique column has Index=true
//   - column names are unique within the schema
func (s TableSchema) Validate() error {
	seen := make(map[string]bool, len(s.Columns))
	pkCount := 0
	for _, c := range s.Columns {
		if seen[c.Name] {
			return rsqlerr.New(rsqlerr.KindInvalidInput, fmt.Sprintf("duplicate column name %q", c.Name))
		}
		seen[c.Name] = true
		if c.PK {
			pkCount++
			if !c.Index || !c.Unique || c.Nullable {
				return rsqlerr.New(rsqlerr.KindInvalidInput, fmt.Sprintf("primary key column %q must be indexed, unique and non-nullable", c.Name))
			}
		}
		if c.Unique && !c.Index {
			return rsqlerr.New(rsqlerr.KindInvalidInput, fmt.Sprintf("unique column %q must be indexed", c.Name))
		}
	}
	if pkCount != 1 {
		return rsqlerr.New(rsqlerr.KindInvalidInput, fmt.Sprintf("schema must have exactly one primary key column, found %d", pkCount))
	}
	return nil
}

// PKColumn returns the schema's primary key column. Validate must have
// succeeded for this to be meaningful.
func (s TableSchema) PKColumn() TableColumn {
	for _, c := range s.Columns {
		if c.PK {
			return c
		}
	}
	return TableColumn{}
}

// ColumnByName looks up a column by name.
func (s TableSchema) ColumnByName(name string) (TableColumn, bool) {
	for _, c := range s.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return TableColumn{}, false
}

// IndexedColumns returns every column with Index=true, in schema order.
// The PK column is always first among these by construction of Validate
// only if it happens to be declared first; callers that need the PK
// index specifically should use PKColumn.
func (s TableSchema) IndexedColumns() []TableColumn {
	var out []TableColumn
	for _, c := range s.Columns {
		if c.Index {
			out = append(out, c)
		}
	}
	return out
}

// EntrySize computes the fixed per-row slot size the Allocator's entry
// discipline uses, as the sum of each column's encoded size.
func (s TableSchema) EntrySize() int {
	total := 0
	for _, c := range s.Columns {
		total += c.Type.EncodedSize()
	}
	return total
}

// Satisfy validates a row against the schema per spec §4.5 insert_row:
// arity, nullability, and type compatibility. Unique-constraint checks
// require an index lookup and are done by the Table layer, not here.
func (s TableSchema) Satisfy(row []Item) error {
	if len(row) != len(s.Columns) {
		return rsqlerr.New(rsqlerr.KindInvalidInput, fmt.Sprintf("row has %d values, schema expects %d", len(row), len(s.Columns)))
	}
	for i, col := range s.Columns {
		v := row[i]
		if v.IsNull() {
			if !col.Nullable {
				return rsqlerr.New(rsqlerr.KindInvalidInput, fmt.Sprintf("column %q is not nullable", col.Name))
			}
			continue
		}
		if v.Tag != col.Type.Tag {
			return rsqlerr.New(rsqlerr.KindInvalidInput, fmt.Sprintf("column %q expects tag %d, got %d", col.Name, col.Type.Tag, v.Tag))
		}
		switch col.Type.Tag {
		case TagChars:
			if len(v.Chars) > col.Type.Width {
				return rsqlerr.New(rsqlerr.KindInvalidInput, fmt.Sprintf("column %q value exceeds width %d", col.Name, col.Type.Width))
			}
		case TagVarChar:
			if int(v.VarCharLen) > col.Type.Width {
				return rsqlerr.New(rsqlerr.KindInvalidInput, fmt.Sprintf("column %q value exceeds max %d", col.Name, col.Type.Width))
			}
		}
	}
	return nil
}
