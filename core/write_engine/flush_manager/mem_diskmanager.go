package flushmanager

import (
	"fmt"
	"sync"

	pagemanager "github.com/sushant-115/gojodb-bufferpool/core/write_engine/page_manager"
)

// MemoryDiskManager keeps page images in memory, optionally compressed.
// It backs tests and ephemeral pools; nothing survives the process.
type MemoryDiskManager struct {
	pageSize    int
	compression CompressionType
	pages       map[pagemanager.PageID][]byte // Encoded page images
	reads       int
	writes      int
	mu          sync.Mutex
}

var _ DiskManager = (*MemoryDiskManager)(nil)

func NewMemoryDiskManager(pageSize int, compression CompressionType) *MemoryDiskManager {
	if pageSize <= 0 {
		pageSize = pagemanager.DefaultPageSize
	}
	return &MemoryDiskManager{
		pageSize:    pageSize,
		compression: compression,
		pages:       make(map[pagemanager.PageID][]byte),
	}
}

func (dm *MemoryDiskManager) ReadPage(pageID pagemanager.PageID, pageData []byte) error {
	if pageID < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidPageID, pageID)
	}
	if len(pageData) != dm.pageSize {
		return fmt.Errorf("%w: page data buffer size (%d) != disk manager page size (%d)", ErrInvalidPageData, len(pageData), dm.pageSize)
	}
	dm.mu.Lock()
	defer dm.mu.Unlock()
	dm.reads++
	encoded, ok := dm.pages[pageID]
	if !ok {
		clear(pageData)
		return nil
	}
	if err := DecodePage(encoded, pageData); err != nil {
		return fmt.Errorf("reading page %d: %w", pageID, err)
	}
	return nil
}

func (dm *MemoryDiskManager) WritePage(pageID pagemanager.PageID, pageData []byte) error {
	if pageID < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidPageID, pageID)
	}
	if len(pageData) != dm.pageSize {
		return fmt.Errorf("%w: page data buffer size (%d) != disk manager page size (%d)", ErrInvalidPageData, len(pageData), dm.pageSize)
	}
	encoded, err := EncodePage(pageData, dm.compression)
	if err != nil {
		return fmt.Errorf("writing page %d: %w", pageID, err)
	}
	dm.mu.Lock()
	defer dm.mu.Unlock()
	dm.writes++
	dm.pages[pageID] = encoded
	return nil
}

func (dm *MemoryDiskManager) DeallocatePage(pageID pagemanager.PageID) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	delete(dm.pages, pageID)
	return nil
}

func (dm *MemoryDiskManager) GetPageSize() int { return dm.pageSize }

func (dm *MemoryDiskManager) Sync() error { return nil }

// Contains reports whether a page image is stored for pageID.
func (dm *MemoryDiskManager) Contains(pageID pagemanager.PageID) bool {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	_, ok := dm.pages[pageID]
	return ok
}

// StoredBytes is the total size of the encoded page images.
func (dm *MemoryDiskManager) StoredBytes() int {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	total := 0
	for _, p := range dm.pages {
		total += len(p)
	}
	return total
}

// Counters returns the number of ReadPage and WritePage calls served so far.
func (dm *MemoryDiskManager) Counters() (reads, writes int) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.reads, dm.writes
}
