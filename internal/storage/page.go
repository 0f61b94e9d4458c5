// Package storage implements the paged file manager described in spec
// §4.1: a fixed-size Page type, an LRU buffer pool, and a StorageManager
// that owns one table file with write-back caching, enforcing at most
// one live manager per file path in the process.
package storage

// PageSize is the fixed page size in bytes (spec §6).
const PageSize = 4096

// Page is the unit of I/O and caching: a fixed-size byte array carrying
// a dirty flag. Page ids are assigned by the StorageManager, not stored
// on the Page itself, mirroring the teacher's slotted Page type.
type Page struct {
	data  [PageSize]byte
	dirty bool
}

// NewPage returns a zeroed, dirty page (the caller just allocated it).
func NewPage() *Page {
	return &Page{dirty: true}
}

// LoadPage wraps disk bytes read verbatim; it starts clean.
func LoadPage(data []byte) *Page {
	p := &Page{}
	copy(p.data[:], data)
	return p
}

// Bytes returns the full backing array as a slice. Callers that mutate
// it must call SetDirty(true) themselves; Manager.Write does this for
// them.
func (p *Page) Bytes() []byte { return p.data[:] }

func (p *Page) IsDirty() bool       { return p.dirty }
func (p *Page) SetDirty(dirty bool) { p.dirty = dirty }

// Clone returns an independent copy, used so callers holding a Page
// returned from the cache never observe (or cause) concurrent mutation
// of the cached copy.
func (p *Page) Clone() *Page {
	c := &Page{dirty: p.dirty}
	copy(c.data[:], p.data[:])
	return c
}
