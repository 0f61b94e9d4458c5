package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/intellect4all/rsqlstore/internal/metrics"
	"github.com/intellect4all/rsqlstore/internal/rlog"
	"github.com/intellect4all/rsqlstore/internal/rsqlerr"
)

var log = rlog.Named("storage")

// registry enforces spec §4.1's "at most one live StorageManager per
// file path in the process" rule. NewManager panics if the path is
// already registered; Close unregisters it.
var (
	registryMu sync.Mutex
	registry   = make(map[string]struct{})
)

func registerPath(absPath string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[absPath]; exists {
		panic(fmt.Sprintf("storage: a StorageManager for %q already exists in this process", absPath))
	}
	registry[absPath] = struct{}{}
}

func unregisterPath(absPath string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(registry, absPath)
}

// Manager is a file-backed paged store: one instance per table file,
// fixed-size pages, an LRU write-back buffer pool (spec §4.1).
type Manager struct {
	mu       sync.Mutex
	file     *os.File
	absPath  string
	label    string // used only for metrics/log cardinality (e.g. table id)
	filePages uint64 // number of pages currently backed by the file on disk
	hasFile  bool
	cache    *lruCache
}

// NewManager opens (creating if absent) the file at path and returns a
// Manager over it with the given buffer pool capacity in pages.
func NewManager(path string, cachePages int, label string) (*Manager, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, rsqlerr.Wrap(rsqlerr.KindIO, "resolve storage file path", err)
	}
	registerPath(absPath)

	if dir := filepath.Dir(absPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			unregisterPath(absPath)
			return nil, rsqlerr.Wrap(rsqlerr.KindIO, "create table directory", err)
		}
	}

	f, err := os.OpenFile(absPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		unregisterPath(absPath)
		return nil, rsqlerr.Wrap(rsqlerr.KindIO, "open storage file", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		unregisterPath(absPath)
		return nil, rsqlerr.Wrap(rsqlerr.KindIO, "stat storage file", err)
	}
	if info.Size()%PageSize != 0 {
		f.Close()
		unregisterPath(absPath)
		return nil, rsqlerr.New(rsqlerr.KindStorage, "file size is not aligned to page size")
	}

	return &Manager{
		file:      f,
		absPath:   absPath,
		label:     label,
		filePages: uint64(info.Size() / PageSize),
		hasFile:   true,
		cache:     newLRUCache(cachePages),
	}, nil
}

// Close flushes and releases the file handle, unregistering the path so
// a future NewManager call for the same file may succeed.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.hasFile {
		return nil
	}
	if err := m.flushLocked(); err != nil {
		return err
	}
	err := m.file.Close()
	m.hasFile = false
	unregisterPath(m.absPath)
	return err
}

// MaxPageIndex returns the highest valid page id, or (0, false) if the
// file and cache are both empty.
func (m *Manager) MaxPageIndex() (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxPageIndexLocked()
}

func (m *Manager) maxPageIndexLocked() (uint64, bool) {
	var maxFile uint64
	hasFile := m.filePages >= 1
	if hasFile {
		maxFile = m.filePages - 1
	}
	maxCache, hasCache := m.cache.maxKey()
	switch {
	case hasFile && hasCache:
		if maxCache > maxFile {
			return maxCache, true
		}
		return maxFile, true
	case hasFile:
		return maxFile, true
	case hasCache:
		return maxCache, true
	default:
		return 0, false
	}
}

func (m *Manager) isValidPageIndex(pageID uint64) error {
	max, ok := m.maxPageIndexLocked()
	if !ok || pageID > max {
		return rsqlerr.New(rsqlerr.KindStorage, fmt.Sprintf("page index %d out of bounds", pageID))
	}
	return nil
}

// Read returns a copy of the page at pageID: a cache hit is cloned, a
// miss is read from disk, installed clean, and may trigger eviction.
func (m *Manager) Read(pageID uint64) (*Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.isValidPageIndex(pageID); err != nil {
		return nil, err
	}

	if p, ok := m.cache.get(pageID); ok {
		metrics.CacheHits.WithLabelValues(m.label).Inc()
		return p.Clone(), nil
	}
	metrics.CacheMisses.WithLabelValues(m.label).Inc()

	buf := make([]byte, PageSize)
	if _, err := m.file.ReadAt(buf, int64(pageID)*PageSize); err != nil && err != io.EOF {
		return nil, rsqlerr.Wrap(rsqlerr.KindIO, fmt.Sprintf("read page %d", pageID), err)
	}
	page := LoadPage(buf)
	page.SetDirty(false)

	if err := m.installLocked(pageID, page); err != nil {
		return nil, err
	}
	return page.Clone(), nil
}

// Write installs page at pageID marked dirty, write-back-flushing any
// evicted dirty page first.
func (m *Manager) Write(page *Page, pageID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := page.Clone()
	stored.SetDirty(true)
	return m.installLocked(pageID, stored)
}

func (m *Manager) installLocked(pageID uint64, page *Page) error {
	evictedID, evicted, ok := m.cache.put(pageID, page)
	if ok {
		metrics.PageEvictions.WithLabelValues(m.label).Inc()
		if err := m.writeBackLocked(evictedID, evicted); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) writeBackLocked(pageID uint64, page *Page) error {
	if !page.IsDirty() {
		return nil
	}
	if pageID >= m.filePages {
		if err := m.file.Truncate(int64(pageID+1) * PageSize); err != nil {
			return rsqlerr.Wrap(rsqlerr.KindIO, "extend storage file", err)
		}
		m.filePages = pageID + 1
	}
	if _, err := m.file.WriteAt(page.Bytes(), int64(pageID)*PageSize); err != nil {
		return rsqlerr.Wrap(rsqlerr.KindIO, fmt.Sprintf("write back page %d", pageID), err)
	}
	return nil
}

// NewPage allocates the next free page id (max(known)+1) and installs a
// zeroed dirty page.
func (m *Manager) NewPage() (uint64, *Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var pageID uint64
	if max, ok := m.maxPageIndexLocked(); ok {
		pageID = max + 1
	}
	page := NewPage()
	if err := m.installLocked(pageID, page); err != nil {
		return 0, nil, err
	}
	return pageID, page.Clone(), nil
}

// Free removes the highest page from the cache and truncates the file;
// only the tail page may be freed (the caller, ConsistStorage, enforces
// this before calling Free).
func (m *Manager) Free() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	max, ok := m.maxPageIndexLocked()
	if !ok {
		return 0, rsqlerr.New(rsqlerr.KindStorage, "no pages to free")
	}
	m.cache.remove(max)
	newSize := int64(max) * PageSize
	if err := m.file.Truncate(newSize); err != nil {
		return 0, rsqlerr.Wrap(rsqlerr.KindIO, "truncate storage file", err)
	}
	m.filePages = max
	return max, nil
}

// Flush writes every dirty page to disk, extends the file if needed,
// and fsyncs.
func (m *Manager) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushLocked()
}

func (m *Manager) flushLocked() error {
	dirty := m.cache.dirtyPages()
	for id, page := range dirty {
		if id >= m.filePages {
			if err := m.file.Truncate(int64(id+1) * PageSize); err != nil {
				return rsqlerr.Wrap(rsqlerr.KindIO, "extend storage file", err)
			}
			m.filePages = id + 1
		}
		if _, err := m.file.WriteAt(page.Bytes(), int64(id)*PageSize); err != nil {
			return rsqlerr.Wrap(rsqlerr.KindIO, fmt.Sprintf("flush page %d", id), err)
		}
		page.SetDirty(false)
	}
	if max, ok := m.maxPageIndexLocked(); ok {
		required := int64(max+1) * PageSize
		if info, err := m.file.Stat(); err == nil && info.Size() < required {
			if err := m.file.Truncate(required); err != nil {
				return rsqlerr.Wrap(rsqlerr.KindIO, "extend storage file", err)
			}
			m.filePages = max + 1
		}
	}
	if err := m.file.Sync(); err != nil {
		return rsqlerr.Wrap(rsqlerr.KindIO, "fsync storage file", err)
	}
	log.Debug().Str("path", m.absPath).Msg("flushed storage manager")
	return nil
}
