package flushmanager

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	pagemanager "github.com/sushant-115/gojodb-bufferpool/core/write_engine/page_manager"
	"go.uber.org/zap"
)

// --- DiskManager ---

// DiskManager is the durable-storage collaborator of the buffer pool. A single
// instance is shared by every buffer pool instance, so implementations must be
// safe for concurrent use.
//
// Reading a page that was never written, or that has been deallocated, fills
// the buffer with zeros.
type DiskManager interface {
	ReadPage(pageID pagemanager.PageID, pageData []byte) error
	WritePage(pageID pagemanager.PageID, pageData []byte) error
	// DeallocatePage tells storage that pageID is free for reuse.
	DeallocatePage(pageID pagemanager.PageID) error
	GetPageSize() int
	Sync() error
}

// FileDiskManager stores page i at offset i*pageSize of a single file.
type FileDiskManager struct {
	filePath    string
	file        *os.File
	pageSize    int
	numPages    int64 // Tracks the number of page slots the file currently covers
	deallocated map[pagemanager.PageID]struct{}
	mu          sync.Mutex
	logger      *zap.Logger
}

var _ DiskManager = (*FileDiskManager)(nil)

// NewFileDiskManager opens filePath, creating it if needed. A nil logger is replaced by a no-op logger.
func NewFileDiskManager(filePath string, pageSize int, logger *zap.Logger) (*FileDiskManager, error) {
	if pageSize <= 0 {
		return nil, fmt.Errorf("page size must be positive, got %d", pageSize)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	file, err := os.OpenFile(filePath, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return nil, fmt.Errorf("%w: opening file %s: %v", ErrIO, filePath, err)
	}
	fi, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: getting file info: %v", ErrIO, err)
	}
	if err := adviseRandomAccess(file); err != nil {
		// Advice only affects kernel read-ahead; keep going without it.
		logger.Debug("fadvise failed", zap.String("path", filePath), zap.Error(err))
	}

	dm := &FileDiskManager{
		filePath:    filePath,
		file:        file,
		pageSize:    pageSize,
		numPages:    fi.Size() / int64(pageSize),
		deallocated: make(map[pagemanager.PageID]struct{}),
		logger:      logger,
	}
	logger.Info("disk manager opened",
		zap.String("path", filePath),
		zap.Int("page_size", pageSize),
		zap.Int64("num_pages", dm.numPages))
	return dm, nil
}

func (dm *FileDiskManager) checkArgs(pageID pagemanager.PageID, pageData []byte) error {
	if dm.file == nil {
		return ErrDiskManagerClosed
	}
	if pageID < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidPageID, pageID)
	}
	if len(pageData) != dm.pageSize {
		return fmt.Errorf("%w: page data buffer size (%d) != disk manager page size (%d)", ErrInvalidPageData, len(pageData), dm.pageSize)
	}
	return nil
}

// ReadPage reads a page's data from disk into the provided pageData buffer.
func (dm *FileDiskManager) ReadPage(pageID pagemanager.PageID, pageData []byte) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if err := dm.checkArgs(pageID, pageData); err != nil {
		return err
	}
	if _, freed := dm.deallocated[pageID]; freed || int64(pageID) >= dm.numPages {
		clear(pageData)
		return nil
	}
	offset := int64(pageID) * int64(dm.pageSize)
	n, err := dm.file.ReadAt(pageData, offset)
	if err != nil {
		if errors.Is(err, io.EOF) {
			// Torn tail page: whatever was not written reads as zeros.
			clear(pageData[n:])
			return nil
		}
		return fmt.Errorf("%w: reading page %d at offset %d: %v", ErrIO, pageID, offset, err)
	}
	return nil
}

// WritePage writes pageData to disk at the specified pageID's location.
func (dm *FileDiskManager) WritePage(pageID pagemanager.PageID, pageData []byte) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if err := dm.checkArgs(pageID, pageData); err != nil {
		return err
	}
	offset := int64(pageID) * int64(dm.pageSize)
	if _, err := dm.file.WriteAt(pageData, offset); err != nil {
		return fmt.Errorf("%w: writing page %d at offset %d: %v", ErrIO, pageID, offset, err)
	}
	if int64(pageID) >= dm.numPages {
		dm.numPages = int64(pageID) + 1
	}
	delete(dm.deallocated, pageID)
	// Note: no Sync() per page write. The buffer pool syncs on FlushAllPages.
	return nil
}

// DeallocatePage zeroes the page's slot on disk and remembers it as free.
func (dm *FileDiskManager) DeallocatePage(pageID pagemanager.PageID) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return ErrDiskManagerClosed
	}
	if pageID < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidPageID, pageID)
	}
	if int64(pageID) < dm.numPages {
		offset := int64(pageID) * int64(dm.pageSize)
		if _, err := dm.file.WriteAt(make([]byte, dm.pageSize), offset); err != nil {
			return fmt.Errorf("%w: zeroing deallocated page %d: %v", ErrIO, pageID, err)
		}
	}
	dm.deallocated[pageID] = struct{}{}
	dm.logger.Debug("page deallocated", zap.Int32("page_id", int32(pageID)))
	return nil
}

// IsDeallocated reports whether pageID was deallocated and not written since.
func (dm *FileDiskManager) IsDeallocated(pageID pagemanager.PageID) bool {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	_, ok := dm.deallocated[pageID]
	return ok
}

// NumPages returns the number of page slots covered by the file.
func (dm *FileDiskManager) NumPages() int64 {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.numPages
}

func (dm *FileDiskManager) GetPageSize() int {
	return dm.pageSize
}

// Sync flushes all buffered data to disk.
func (dm *FileDiskManager) Sync() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return ErrDiskManagerClosed
	}
	if err := syncFile(dm.file); err != nil {
		return fmt.Errorf("%w: syncing %s: %v", ErrIO, dm.filePath, err)
	}
	return nil
}

// Close syncs and closes the underlying file handle.
func (dm *FileDiskManager) Close() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return nil
	}
	if err := syncFile(dm.file); err != nil {
		dm.logger.Error("sync on close failed", zap.String("path", dm.filePath), zap.Error(err))
	}
	closeErr := dm.file.Close()
	dm.file = nil
	return closeErr
}
