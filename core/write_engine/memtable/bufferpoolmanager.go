package memtable

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	flushmanager "github.com/sushant-115/gojodb-bufferpool/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojodb-bufferpool/core/write_engine/page_manager"
	"github.com/sushant-115/gojodb-bufferpool/core/write_engine/wal"
	internaltelemetry "github.com/sushant-115/gojodb-bufferpool/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// BufferPoolManager manages in-memory pages (frames) and interacts with the DiskManager.
// It is one instance of a possibly parallel pool: the page IDs it allocates are
// congruent to instanceIndex modulo numInstances.
//
// A single mutex guards the frames, the free list and the page table for the
// whole duration of every public method, disk I/O included. The replacer has
// its own lock, always taken after mu.
type BufferPoolManager struct {
	diskManager   flushmanager.DiskManager
	logManager    *wal.LogManager
	poolSize      int
	numInstances  uint32
	instanceIndex uint32
	nextPageID    pagemanager.PageID
	pages         []*pagemanager.Page                        // Page frames
	pageTable     map[pagemanager.PageID]pagemanager.FrameID // PageID to frame index
	freeList      []pagemanager.FrameID                      // Frames holding no page, popped from the front
	replacer      Replacer
	mu            sync.Mutex
	pageSize      int

	logger  *zap.Logger
	metrics *internaltelemetry.BufferPoolMetrics
	attrs   attribute.Set
}

// NewBufferPoolManager creates a standalone buffer pool.
func NewBufferPoolManager(poolSize int, diskManager flushmanager.DiskManager, logManager *wal.LogManager, opts ...Option) *BufferPoolManager {
	return NewBufferPoolManagerInstance(poolSize, 1, 0, diskManager, logManager, opts...)
}

// NewBufferPoolManagerInstance creates instance instanceIndex of a pool made
// of numInstances instances. Invalid arguments are programming errors and panic.
func NewBufferPoolManagerInstance(poolSize int, numInstances, instanceIndex uint32, diskManager flushmanager.DiskManager, logManager *wal.LogManager, opts ...Option) *BufferPoolManager {
	if diskManager == nil {
		panic("NewBufferPoolManager: diskManager cannot be nil")
	}
	if poolSize <= 0 {
		panic(fmt.Sprintf("NewBufferPoolManager: pool size must be positive, got %d", poolSize))
	}
	if numInstances == 0 {
		panic("NewBufferPoolManager: a standalone pool has numInstances 1, got 0")
	}
	if instanceIndex >= numInstances {
		panic(fmt.Sprintf("NewBufferPoolManager: instance index %d out of range for %d instances", instanceIndex, numInstances))
	}

	o := buildOptions(opts)
	if o.instanceID == "" {
		o.instanceID = uuid.NewString()
	}

	bpm := &BufferPoolManager{
		diskManager:   diskManager,
		logManager:    logManager,
		poolSize:      poolSize,
		numInstances:  numInstances,
		instanceIndex: instanceIndex,
		nextPageID:    pagemanager.PageID(instanceIndex),
		pages:         make([]*pagemanager.Page, poolSize),
		pageTable:     make(map[pagemanager.PageID]pagemanager.FrameID, poolSize),
		freeList:      make([]pagemanager.FrameID, poolSize),
		replacer:      NewLRUReplacer(poolSize),
		pageSize:      diskManager.GetPageSize(),
		logger: o.logger.With(
			zap.String("pool_instance", o.instanceID),
			zap.Uint32("shard", instanceIndex)),
		metrics: o.metrics,
		attrs: attribute.NewSet(
			attribute.String("pool.instance", o.instanceID),
			attribute.Int("shard", int(instanceIndex))),
	}
	// Initially, every frame is on the free list.
	for i := 0; i < poolSize; i++ {
		bpm.pages[i] = pagemanager.NewPage(bpm.pageSize)
		bpm.freeList[i] = pagemanager.FrameID(i)
	}
	bpm.logger.Info("BufferPoolManager initialized",
		zap.Int("pool_size", poolSize),
		zap.Int("page_size", bpm.pageSize),
		zap.Uint32("num_instances", numInstances))
	return bpm
}

// FetchPage returns the requested page pinned, reading it from disk if it is not resident.
func (bpm *BufferPoolManager) FetchPage(pageID pagemanager.PageID) (*pagemanager.Page, error) {
	if pageID < 0 {
		return nil, fmt.Errorf("%w: %d", flushmanager.ErrInvalidPageID, pageID)
	}
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	ctx := context.Background()

	// 1. Page already resident: pin it and take it out of the replacer.
	if frameID, ok := bpm.pageTable[pageID]; ok {
		page := bpm.pages[frameID]
		page.Pin()
		bpm.replacer.Pin(frameID)
		internaltelemetry.Inc(ctx, bpm.metrics.PageHitsCounter, bpm.attrs)
		bpm.logger.Debug("page found in buffer pool",
			zap.Int32("page_id", int32(pageID)),
			zap.Int("frame_id", int(frameID)),
			zap.Int32("pin_count", page.GetPinCount()))
		return page, nil
	}
	internaltelemetry.Inc(ctx, bpm.metrics.PageMissesCounter, bpm.attrs)

	// 2. Find a frame to load it into.
	frameID, err := bpm.acquireFrameLocked()
	if err != nil {
		return nil, fmt.Errorf("failed to get frame for page %d: %w", pageID, err)
	}
	page := bpm.pages[frameID]

	// 3. Load page data from disk.
	start := time.Now()
	if err := bpm.diskManager.ReadPage(pageID, page.GetData()); err != nil {
		// The frame is detached from any page now; hand it back.
		page.Reset()
		bpm.freeList = append(bpm.freeList, frameID)
		bpm.logger.Error("failed to read page from disk", zap.Int32("page_id", int32(pageID)), zap.Error(err))
		return nil, fmt.Errorf("failed to read page %d from disk: %w", pageID, err)
	}
	bpm.metrics.DiskReadHistogram.Record(ctx, time.Since(start).Microseconds(), metric.WithAttributeSet(bpm.attrs))

	// 4. Update metadata and track the page.
	page.SetPageID(pageID)
	page.SetPinCount(1)
	page.SetDirty(false)
	page.SetLSN(pagemanager.InvalidLSN)
	bpm.pageTable[pageID] = frameID
	bpm.logger.Debug("page loaded into frame",
		zap.Int32("page_id", int32(pageID)),
		zap.Int("frame_id", int(frameID)))
	return page, nil
}

// NewPage allocates a fresh page ID and returns a zeroed, pinned frame for it.
// The page reaches disk only when it is flushed or evicted dirty.
func (bpm *BufferPoolManager) NewPage() (pagemanager.PageID, *pagemanager.Page, error) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	// 1. Every frame pinned? A frame with pin count 0 is either free or tracked by the replacer.
	if len(bpm.freeList) == 0 && bpm.replacer.Size() == 0 {
		internaltelemetry.Inc(context.Background(), bpm.metrics.ExhaustedCounter, bpm.attrs)
		bpm.logger.Warn("cannot create page: all frames are pinned")
		return pagemanager.InvalidPageID, nil, flushmanager.ErrBufferPoolFull
	}

	// 2. Pick a frame, free list first.
	frameID, err := bpm.acquireFrameLocked()
	if err != nil {
		return pagemanager.InvalidPageID, nil, fmt.Errorf("failed to get frame for new page: %w", err)
	}

	// 3. Zero the frame and install the new page.
	newPageID := bpm.allocatePageIDLocked()
	page := bpm.pages[frameID]
	page.Reset()
	page.SetPageID(newPageID)
	page.SetPinCount(1)
	bpm.pageTable[newPageID] = frameID

	internaltelemetry.Inc(context.Background(), bpm.metrics.PagesAllocatedCounter, bpm.attrs)
	bpm.logger.Debug("new page created",
		zap.Int32("page_id", int32(newPageID)),
		zap.Int("frame_id", int(frameID)))
	return newPageID, page, nil
}

// UnpinPage releases one pin on the page and, if isDirty, marks it dirty.
// The dirty flag is sticky: unpinning with isDirty false never clears it.
//
// Unpinning a page whose pin count is already zero returns ErrPageNotPinned,
// but still applies isDirty and leaves the page evictable.
func (bpm *BufferPoolManager) UnpinPage(pageID pagemanager.PageID, isDirty bool) error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	frameID, ok := bpm.pageTable[pageID]
	if !ok {
		return fmt.Errorf("%w: page %d not found to unpin", flushmanager.ErrPageNotFound, pageID)
	}
	page := bpm.pages[frameID]
	if isDirty {
		page.SetDirty(true)
	}
	if page.GetPinCount() == 0 {
		bpm.replacer.Unpin(frameID)
		bpm.logger.Warn("attempted to unpin page with pin count 0", zap.Int32("page_id", int32(pageID)))
		return fmt.Errorf("%w: page %d", flushmanager.ErrPageNotPinned, pageID)
	}
	page.Unpin()
	if page.GetPinCount() == 0 {
		bpm.replacer.Unpin(frameID)
	}
	bpm.logger.Debug("unpinned page",
		zap.Int32("page_id", int32(pageID)),
		zap.Int32("pin_count", page.GetPinCount()),
		zap.Bool("is_dirty", page.IsDirty()))
	return nil
}

// FlushPage writes the page to disk whether or not it is dirty. Pin count,
// residency and the dirty flag are left untouched.
func (bpm *BufferPoolManager) FlushPage(pageID pagemanager.PageID) error {
	if pageID == pagemanager.InvalidPageID {
		return fmt.Errorf("%w: %d", flushmanager.ErrInvalidPageID, pageID)
	}
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	frameID, ok := bpm.pageTable[pageID]
	if !ok {
		return fmt.Errorf("%w: page %d not found to flush", flushmanager.ErrPageNotFound, pageID)
	}
	if err := bpm.writeBackLocked(bpm.pages[frameID]); err != nil {
		bpm.logger.Error("failed to flush page", zap.Int32("page_id", int32(pageID)), zap.Error(err))
		return fmt.Errorf("failed to flush page %d: %w", pageID, err)
	}
	internaltelemetry.Inc(context.Background(), bpm.metrics.PageFlushesCounter, bpm.attrs)
	return nil
}

// FlushAllPages writes every resident page and syncs the disk manager.
// All pages are attempted; the first error is returned.
func (bpm *BufferPoolManager) FlushAllPages() error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	var firstErr error

	for pageID, frameID := range bpm.pageTable {
		if err := bpm.writeBackLocked(bpm.pages[frameID]); err != nil {
			bpm.logger.Error("failed to flush page", zap.Int32("page_id", int32(pageID)), zap.Error(err))
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to flush page %d: %w", pageID, err)
			}
			continue
		}
		internaltelemetry.Inc(context.Background(), bpm.metrics.PageFlushesCounter, bpm.attrs)
	}
	if err := bpm.diskManager.Sync(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("failed to sync disk manager: %w", err)
	}
	bpm.logger.Debug("flushed all pages", zap.Int("resident", len(bpm.pageTable)))
	return firstErr
}

// DeletePage drops the page from the pool and tells the disk manager its ID is free.
// Deleting a page that is not resident succeeds; deleting a pinned page fails
// with ErrPagePinned and changes nothing.
func (bpm *BufferPoolManager) DeletePage(pageID pagemanager.PageID) error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	frameID, ok := bpm.pageTable[pageID]
	if !ok {
		return nil
	}
	page := bpm.pages[frameID]
	if page.GetPinCount() > 0 {
		return fmt.Errorf("%w: page %d has pin count %d", flushmanager.ErrPagePinned, pageID, page.GetPinCount())
	}
	if page.IsDirty() {
		if err := bpm.writeBackLocked(page); err != nil {
			return fmt.Errorf("failed to flush page %d before delete: %w", pageID, err)
		}
	}
	if err := bpm.diskManager.DeallocatePage(pageID); err != nil {
		return fmt.Errorf("failed to deallocate page %d: %w", pageID, err)
	}

	delete(bpm.pageTable, pageID)
	// A free frame must never be offered as a victim.
	bpm.replacer.Pin(frameID)
	page.Reset()
	bpm.freeList = append(bpm.freeList, frameID)

	internaltelemetry.Inc(context.Background(), bpm.metrics.PagesDeletedCounter, bpm.attrs)
	bpm.logger.Debug("deleted page",
		zap.Int32("page_id", int32(pageID)),
		zap.Int("frame_id", int(frameID)))
	return nil
}

// GetPoolSize returns the number of frames.
func (bpm *BufferPoolManager) GetPoolSize() int {
	return bpm.poolSize
}

func (bpm *BufferPoolManager) GetPageSize() int {
	return bpm.pageSize
}

func (bpm *BufferPoolManager) Stats() PoolStats {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	stats := PoolStats{
		PoolSize:  bpm.poolSize,
		Resident:  len(bpm.pageTable),
		Evictable: bpm.replacer.Size(),
		Free:      len(bpm.freeList),
	}
	for _, frameID := range bpm.pageTable {
		if bpm.pages[frameID].GetPinCount() > 0 {
			stats.Pinned++
		}
	}
	return stats
}

// acquireFrameLocked returns a frame ready for reuse: a free frame if there is
// one, otherwise an evicted victim, written back first if dirty.
// This method MUST be called with bpm.mu locked.
func (bpm *BufferPoolManager) acquireFrameLocked() (pagemanager.FrameID, error) {
	if len(bpm.freeList) > 0 {
		frameID := bpm.freeList[0]
		bpm.freeList = bpm.freeList[1:]
		return frameID, nil
	}

	frameID, ok := bpm.replacer.Victim()
	if !ok {
		internaltelemetry.Inc(context.Background(), bpm.metrics.ExhaustedCounter, bpm.attrs)
		bpm.logger.Warn("buffer pool is full and all pages are pinned")
		return pagemanager.InvalidFrameID, flushmanager.ErrBufferPoolFull
	}
	victim := bpm.pages[frameID]
	victimID := victim.GetPageID()

	if victim.IsDirty() {
		bpm.logger.Debug("flushing dirty victim page",
			zap.Int32("page_id", int32(victimID)),
			zap.Int("frame_id", int(frameID)))
		if err := bpm.writeBackLocked(victim); err != nil {
			// The victim stays resident and goes back to the LRU end.
			bpm.replacer.Reinstate(frameID)
			bpm.logger.Error("failed to flush dirty victim page", zap.Int32("page_id", int32(victimID)), zap.Error(err))
			return pagemanager.InvalidFrameID, fmt.Errorf("failed to flush dirty victim page %d: %w", victimID, err)
		}
		victim.SetDirty(false)
		internaltelemetry.Inc(context.Background(), bpm.metrics.DirtyWritebacksCounter, bpm.attrs)
	}

	if owner, ok := bpm.pageTable[victimID]; ok && owner == frameID {
		delete(bpm.pageTable, victimID)
	}
	internaltelemetry.Inc(context.Background(), bpm.metrics.EvictionsCounter, bpm.attrs)
	bpm.logger.Debug("evicted page",
		zap.Int32("page_id", int32(victimID)),
		zap.Int("frame_id", int(frameID)))
	return frameID, nil
}

// writeBackLocked writes the page image to disk, after making its log records
// durable when the page carries an LSN.
func (bpm *BufferPoolManager) writeBackLocked(page *pagemanager.Page) error {
	if bpm.logManager != nil && page.GetLSN() != pagemanager.InvalidLSN {
		if err := bpm.logManager.EnsureDurable(wal.LSN(page.GetLSN())); err != nil {
			return fmt.Errorf("failed to flush log for page %d (LSN %d): %w", page.GetPageID(), page.GetLSN(), err)
		}
	}
	return bpm.diskManager.WritePage(page.GetPageID(), page.GetData())
}

// allocatePageIDLocked hands out the next page ID owned by this instance.
// IDs already resident, because a caller fetched them before the counter got
// there, are skipped.
func (bpm *BufferPoolManager) allocatePageIDLocked() pagemanager.PageID {
	for {
		pageID := bpm.nextPageID
		bpm.nextPageID += pagemanager.PageID(bpm.numInstances)
		bpm.validatePageID(pageID)
		if _, resident := bpm.pageTable[pageID]; !resident {
			return pageID
		}
	}
}

// validatePageID panics if pageID does not belong to this instance.
func (bpm *BufferPoolManager) validatePageID(pageID pagemanager.PageID) {
	if pageID < 0 {
		panic(fmt.Sprintf("buffer pool instance %d: page id space exhausted", bpm.instanceIndex))
	}
	if uint32(pageID)%bpm.numInstances != bpm.instanceIndex {
		panic(fmt.Sprintf("page %d does not map to buffer pool instance %d of %d", pageID, bpm.instanceIndex, bpm.numInstances))
	}
}
