package flushmanager

import (
	"fmt"

	"github.com/dgraph-io/ristretto/v2"
	pagemanager "github.com/sushant-115/gojodb-bufferpool/core/write_engine/page_manager"
)

// CachedDiskManager puts a byte-bounded cache of clean page images in front
// of another DiskManager. Writes go through to the inner manager and then
// refresh the cache, so a page evicted from the buffer pool can often be
// refetched without touching the inner storage.
//
// Reads and writes of the same page must not race; the buffer pool already
// serializes them under the owning shard's lock.
type CachedDiskManager struct {
	inner DiskManager
	cache *ristretto.Cache[int64, []byte]
}

var _ DiskManager = (*CachedDiskManager)(nil)

// NewCachedDiskManager wraps inner with a cache holding at most maxBytes of page images.
func NewCachedDiskManager(inner DiskManager, maxBytes int64) (*CachedDiskManager, error) {
	if maxBytes <= 0 {
		return nil, fmt.Errorf("page cache size must be positive, got %d", maxBytes)
	}
	maxPages := maxBytes / int64(inner.GetPageSize())
	if maxPages < 1 {
		maxPages = 1
	}
	cache, err := ristretto.NewCache(&ristretto.Config[int64, []byte]{
		NumCounters:        maxPages * 10, // ~10x the number of items the cache can hold
		MaxCost:            maxBytes,
		BufferItems:        64,
		IgnoreInternalCost: true,
		Metrics:            true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create page cache: %w", err)
	}
	return &CachedDiskManager{inner: inner, cache: cache}, nil
}

func (dm *CachedDiskManager) ReadPage(pageID pagemanager.PageID, pageData []byte) error {
	if img, ok := dm.cache.Get(int64(pageID)); ok && len(img) == len(pageData) {
		copy(pageData, img)
		return nil
	}
	if err := dm.inner.ReadPage(pageID, pageData); err != nil {
		return err
	}
	dm.cache.Set(int64(pageID), clonePage(pageData), int64(len(pageData)))
	return nil
}

func (dm *CachedDiskManager) WritePage(pageID pagemanager.PageID, pageData []byte) error {
	if err := dm.inner.WritePage(pageID, pageData); err != nil {
		dm.cache.Del(int64(pageID))
		return err
	}
	// Del first: a dropped Set must not leave the previous image behind.
	dm.cache.Del(int64(pageID))
	dm.cache.Set(int64(pageID), clonePage(pageData), int64(len(pageData)))
	// Drain the set buffer so a later read cannot observe an older image.
	dm.cache.Wait()
	return nil
}

func (dm *CachedDiskManager) DeallocatePage(pageID pagemanager.PageID) error {
	dm.cache.Del(int64(pageID))
	dm.cache.Wait()
	return dm.inner.DeallocatePage(pageID)
}

func (dm *CachedDiskManager) GetPageSize() int { return dm.inner.GetPageSize() }

func (dm *CachedDiskManager) Sync() error { return dm.inner.Sync() }

// HitRatio returns the cache hit ratio observed so far.
func (dm *CachedDiskManager) HitRatio() float64 {
	return dm.cache.Metrics.Ratio()
}

// Close releases the cache. The inner manager is left open.
func (dm *CachedDiskManager) Close() {
	dm.cache.Close()
}

func clonePage(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
