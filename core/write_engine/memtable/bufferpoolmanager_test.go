package memtable

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	flushmanager "github.com/sushant-115/gojodb-bufferpool/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojodb-bufferpool/core/write_engine/page_manager"
	"github.com/sushant-115/gojodb-bufferpool/core/write_engine/wal"
	internaltelemetry "github.com/sushant-115/gojodb-bufferpool/internal/telemetry"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap/zaptest"
)

const testPageSize = 128

// failingDiskManager wraps a DiskManager and fails the selected operations.
type failingDiskManager struct {
	flushmanager.DiskManager
	mu        sync.Mutex
	failRead  bool
	failWrite bool
}

func (f *failingDiskManager) setFailures(read, write bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failRead, f.failWrite = read, write
}

func (f *failingDiskManager) ReadPage(pageID pagemanager.PageID, pageData []byte) error {
	f.mu.Lock()
	fail := f.failRead
	f.mu.Unlock()
	if fail {
		return flushmanager.ErrIO
	}
	return f.DiskManager.ReadPage(pageID, pageData)
}

func (f *failingDiskManager) WritePage(pageID pagemanager.PageID, pageData []byte) error {
	f.mu.Lock()
	fail := f.failWrite
	f.mu.Unlock()
	if fail {
		return flushmanager.ErrIO
	}
	return f.DiskManager.WritePage(pageID, pageData)
}

func setupBufferPool(t *testing.T, poolSize int) (*BufferPoolManager, *flushmanager.MemoryDiskManager) {
	t.Helper()
	dm := flushmanager.NewMemoryDiskManager(testPageSize, flushmanager.CompressionNone)
	bpm := NewBufferPoolManager(poolSize, dm, nil, WithLogger(zaptest.NewLogger(t)))
	return bpm, dm
}

func TestBufferPoolManager_NewPageExhaustion(t *testing.T) {
	bpm, _ := setupBufferPool(t, 2)

	id0, p0, err := bpm.NewPage()
	require.NoError(t, err)
	require.Equal(t, pagemanager.PageID(0), id0)
	require.Equal(t, id0, p0.GetPageID())
	require.Equal(t, int32(1), p0.GetPinCount())

	id1, _, err := bpm.NewPage()
	require.NoError(t, err)
	require.Equal(t, pagemanager.PageID(1), id1)

	_, _, err = bpm.NewPage()
	require.ErrorIs(t, err, flushmanager.ErrBufferPoolFull)

	require.NoError(t, bpm.UnpinPage(id0, false))
	id2, p2, err := bpm.NewPage()
	require.NoError(t, err)
	require.Equal(t, pagemanager.PageID(2), id2, "failed allocations must not consume page ids")
	require.Same(t, p0, p2, "page 0's frame is reused")

	_, err = bpm.FetchPage(id0)
	require.ErrorIs(t, err, flushmanager.ErrBufferPoolFull)
}

func TestBufferPoolManager_NewPageSkipsResidentIDs(t *testing.T) {
	bpm, dm := setupBufferPool(t, 3)

	p0, err := bpm.FetchPage(0)
	require.NoError(t, err)
	copy(p0.GetData(), "fetched")

	id, p1, err := bpm.NewPage()
	require.NoError(t, err)
	require.Equal(t, pagemanager.PageID(1), id, "page 0 is resident and must not be handed out again")
	require.NotSame(t, p0, p1)

	stats := bpm.Stats()
	require.Equal(t, 2, stats.Resident)
	require.Equal(t, 2, stats.Pinned)

	reads, _ := dm.Counters()
	again, err := bpm.FetchPage(0)
	require.NoError(t, err)
	require.Same(t, p0, again, "page 0 keeps its frame")
	require.Equal(t, int32(2), again.GetPinCount())
	require.Equal(t, "fetched", string(again.GetData()[:7]))
	after, _ := dm.Counters()
	require.Equal(t, reads, after)

	require.NoError(t, bpm.UnpinPage(0, false))
	require.NoError(t, bpm.UnpinPage(0, false))
	require.NoError(t, bpm.UnpinPage(id, false))
	require.ErrorIs(t, bpm.UnpinPage(0, false), flushmanager.ErrPageNotPinned)
	require.Zero(t, bpm.Stats().Pinned)
}

func TestBufferPoolManager_DirtyVictimWrittenBack(t *testing.T) {
	bpm, dm := setupBufferPool(t, 1)

	p5, err := bpm.FetchPage(5)
	require.NoError(t, err)
	require.Equal(t, int32(1), p5.GetPinCount())
	copy(p5.GetData(), "page five")
	require.NoError(t, bpm.UnpinPage(5, true))
	require.Equal(t, int32(0), p5.GetPinCount())
	require.False(t, dm.Contains(5))

	p7, err := bpm.FetchPage(7)
	require.NoError(t, err)
	require.Equal(t, pagemanager.PageID(7), p7.GetPageID())
	require.False(t, p7.IsDirty())
	require.True(t, dm.Contains(5), "dirty victim must be written back before reuse")

	buf := make([]byte, testPageSize)
	require.NoError(t, dm.ReadPage(5, buf))
	require.Equal(t, "page five", string(buf[:9]))
}

func TestBufferPoolManager_CleanVictimNotWritten(t *testing.T) {
	bpm, dm := setupBufferPool(t, 1)

	_, err := bpm.FetchPage(3)
	require.NoError(t, err)
	require.NoError(t, bpm.UnpinPage(3, false))
	_, err = bpm.FetchPage(4)
	require.NoError(t, err)

	_, writes := dm.Counters()
	require.Zero(t, writes)
}

func TestBufferPoolManager_FetchHitPinsAgain(t *testing.T) {
	bpm, dm := setupBufferPool(t, 2)

	id, page, err := bpm.NewPage()
	require.NoError(t, err)
	again, err := bpm.FetchPage(id)
	require.NoError(t, err)
	require.Same(t, page, again)
	require.Equal(t, int32(2), page.GetPinCount())

	reads, _ := dm.Counters()
	require.Zero(t, reads, "a resident page is served from its frame")

	require.NoError(t, bpm.UnpinPage(id, false))
	require.Equal(t, 0, bpm.Stats().Evictable, "page is still pinned once")
	require.NoError(t, bpm.UnpinPage(id, false))
	require.Equal(t, 1, bpm.Stats().Evictable)

	// Fetching again takes the frame out of the replacer.
	_, err = bpm.FetchPage(id)
	require.NoError(t, err)
	require.Equal(t, 0, bpm.Stats().Evictable)
}

func TestBufferPoolManager_UnpinPage(t *testing.T) {
	bpm, _ := setupBufferPool(t, 2)

	err := bpm.UnpinPage(42, true)
	require.ErrorIs(t, err, flushmanager.ErrPageNotFound)

	id, page, err := bpm.NewPage()
	require.NoError(t, err)
	require.NoError(t, bpm.UnpinPage(id, true))
	require.True(t, page.IsDirty())

	_, err = bpm.FetchPage(id)
	require.NoError(t, err)
	require.NoError(t, bpm.UnpinPage(id, false))
	require.True(t, page.IsDirty(), "dirty flag is sticky")

	// Unpinning past zero is reported but still records dirtiness.
	page.SetDirty(false)
	err = bpm.UnpinPage(id, true)
	require.ErrorIs(t, err, flushmanager.ErrPageNotPinned)
	require.True(t, page.IsDirty())
	require.Equal(t, int32(0), page.GetPinCount())
	require.Equal(t, 1, bpm.Stats().Evictable)
}

func TestBufferPoolManager_FlushPage(t *testing.T) {
	bpm, dm := setupBufferPool(t, 2)

	require.ErrorIs(t, bpm.FlushPage(pagemanager.InvalidPageID), flushmanager.ErrInvalidPageID)
	require.ErrorIs(t, bpm.FlushPage(9), flushmanager.ErrPageNotFound)

	id, page, err := bpm.NewPage()
	require.NoError(t, err)
	copy(page.GetData(), "flushed")
	page.SetDirty(true)

	require.NoError(t, bpm.FlushPage(id))
	require.True(t, dm.Contains(id))
	require.Equal(t, int32(1), page.GetPinCount(), "flush does not release the page")
	require.True(t, page.IsDirty(), "flush leaves the dirty flag alone")

	// A clean page is written as well.
	page.SetDirty(false)
	require.NoError(t, bpm.FlushPage(id))
	_, writes := dm.Counters()
	require.Equal(t, 2, writes)
}

func TestBufferPoolManager_FlushAllPages(t *testing.T) {
	bpm, dm := setupBufferPool(t, 4)

	var ids []pagemanager.PageID
	for i := 0; i < 3; i++ {
		id, page, err := bpm.NewPage()
		require.NoError(t, err)
		page.GetData()[0] = byte(i + 1)
		ids = append(ids, id)
	}
	require.NoError(t, bpm.FlushAllPages())

	_, writes := dm.Counters()
	require.Equal(t, len(ids), writes, "only resident pages are written, never empty frames")
	buf := make([]byte, testPageSize)
	for i, id := range ids {
		require.NoError(t, dm.ReadPage(id, buf))
		require.Equal(t, byte(i+1), buf[0])
	}
}

func TestBufferPoolManager_FlushAllPagesReportsFailure(t *testing.T) {
	dm := &failingDiskManager{DiskManager: flushmanager.NewMemoryDiskManager(testPageSize, flushmanager.CompressionNone)}
	bpm := NewBufferPoolManager(2, dm, nil)

	_, _, err := bpm.NewPage()
	require.NoError(t, err)
	dm.setFailures(false, true)
	require.ErrorIs(t, bpm.FlushAllPages(), flushmanager.ErrIO)
}

func TestBufferPoolManager_DeletePage(t *testing.T) {
	bpm, dm := setupBufferPool(t, 2)

	require.NoError(t, bpm.DeletePage(100), "deleting an absent page succeeds")

	id, page, err := bpm.NewPage()
	require.NoError(t, err)
	copy(page.GetData(), "stale")

	before := bpm.Stats()
	err = bpm.DeletePage(id)
	require.ErrorIs(t, err, flushmanager.ErrPagePinned)
	require.Equal(t, before, bpm.Stats(), "failed delete leaves pool state unchanged")
	require.Equal(t, int32(1), page.GetPinCount())

	require.NoError(t, bpm.UnpinPage(id, true))
	require.NoError(t, bpm.DeletePage(id))
	require.Equal(t, pagemanager.InvalidPageID, page.GetPageID())
	require.Equal(t, int32(0), page.GetPinCount())
	require.False(t, page.IsDirty())

	stats := bpm.Stats()
	require.Equal(t, 0, stats.Resident)
	require.Equal(t, 2, stats.Free)
	require.Equal(t, 0, stats.Evictable, "a free frame is never evictable")

	// A later fetch is a cold read: the page was deallocated and reads back as zeros.
	fetched, err := bpm.FetchPage(id)
	require.NoError(t, err)
	require.Equal(t, make([]byte, testPageSize), fetched.GetData())
	reads, _ := dm.Counters()
	require.Equal(t, 1, reads)
}

func TestBufferPoolManager_RoundTripThroughEviction(t *testing.T) {
	dm, err := flushmanager.NewFileDiskManager(filepath.Join(t.TempDir(), "pool.db"), testPageSize, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer dm.Close()

	bpm := NewBufferPoolManager(3, dm, nil)
	id, page, err := bpm.NewPage()
	require.NoError(t, err)
	copy(page.GetData(), "survives eviction")
	require.NoError(t, bpm.UnpinPage(id, true))

	// Churn enough pages through the pool to evict the first one.
	for i := 0; i < 5; i++ {
		other, _, err := bpm.NewPage()
		require.NoError(t, err)
		require.NoError(t, bpm.UnpinPage(other, false))
	}
	require.Equal(t, 3, bpm.Stats().Resident)

	// A fresh pool over the same storage sees the bytes.
	fresh := NewBufferPoolManager(3, dm, nil)
	got, err := fresh.FetchPage(id)
	require.NoError(t, err)
	require.Equal(t, "survives eviction", string(got.GetData()[:17]))
}

func TestBufferPoolManager_FailedReadReleasesFrame(t *testing.T) {
	dm := &failingDiskManager{DiskManager: flushmanager.NewMemoryDiskManager(testPageSize, flushmanager.CompressionNone)}
	bpm := NewBufferPoolManager(1, dm, nil)

	dm.setFailures(true, false)
	_, err := bpm.FetchPage(1)
	require.ErrorIs(t, err, flushmanager.ErrIO)
	require.Equal(t, 1, bpm.Stats().Free)

	dm.setFailures(false, false)
	_, err = bpm.FetchPage(1)
	require.NoError(t, err)
}

func TestBufferPoolManager_FailedWriteBackKeepsVictim(t *testing.T) {
	dm := &failingDiskManager{DiskManager: flushmanager.NewMemoryDiskManager(testPageSize, flushmanager.CompressionNone)}
	bpm := NewBufferPoolManager(1, dm, nil)

	_, err := bpm.FetchPage(1)
	require.NoError(t, err)
	require.NoError(t, bpm.UnpinPage(1, true))

	dm.setFailures(false, true)
	_, err = bpm.FetchPage(2)
	require.ErrorIs(t, err, flushmanager.ErrIO)

	stats := bpm.Stats()
	require.Equal(t, 1, stats.Resident)
	require.Equal(t, 1, stats.Evictable, "victim is evictable again after a failed write-back")

	dm.setFailures(false, false)
	_, err = bpm.FetchPage(2)
	require.NoError(t, err)
}

func TestBufferPoolManager_FailedWriteBackKeepsLRUOrder(t *testing.T) {
	dm := &failingDiskManager{DiskManager: flushmanager.NewMemoryDiskManager(testPageSize, flushmanager.CompressionNone)}
	bpm := NewBufferPoolManager(2, dm, nil)

	// Page 1 is the least recently unpinned, page 2 the most recent.
	_, err := bpm.FetchPage(1)
	require.NoError(t, err)
	require.NoError(t, bpm.UnpinPage(1, true))
	_, err = bpm.FetchPage(2)
	require.NoError(t, err)
	require.NoError(t, bpm.UnpinPage(2, false))

	dm.setFailures(false, true)
	_, err = bpm.FetchPage(3)
	require.ErrorIs(t, err, flushmanager.ErrIO)

	dm.setFailures(false, false)
	_, err = bpm.FetchPage(3)
	require.NoError(t, err)
	require.True(t, dm.Contains(1), "page 1 is still the oldest and is evicted next")

	reads, _ := dm.Counters()
	_, err = bpm.FetchPage(2)
	require.NoError(t, err)
	after, _ := dm.Counters()
	require.Equal(t, reads, after, "page 2 stayed resident")
}

func TestBufferPoolManager_InvalidPageID(t *testing.T) {
	bpm, _ := setupBufferPool(t, 1)
	_, err := bpm.FetchPage(pagemanager.InvalidPageID)
	require.ErrorIs(t, err, flushmanager.ErrInvalidPageID)
	require.NoError(t, bpm.DeletePage(pagemanager.InvalidPageID))
}

func TestBufferPoolManager_InstancePageIDs(t *testing.T) {
	dm := flushmanager.NewMemoryDiskManager(testPageSize, flushmanager.CompressionNone)
	bpm := NewBufferPoolManagerInstance(4, 3, 2, dm, nil)

	var prev pagemanager.PageID = -1
	for i := 0; i < 4; i++ {
		id, _, err := bpm.NewPage()
		require.NoError(t, err)
		require.Equal(t, pagemanager.PageID(2), id%3)
		if prev >= 0 {
			require.Equal(t, pagemanager.PageID(3), id-prev)
		}
		prev = id
	}
}

func TestBufferPoolManager_ConstructorContract(t *testing.T) {
	dm := flushmanager.NewMemoryDiskManager(testPageSize, flushmanager.CompressionNone)
	require.Panics(t, func() { NewBufferPoolManager(0, dm, nil) })
	require.Panics(t, func() { NewBufferPoolManager(1, nil, nil) })
	require.Panics(t, func() { NewBufferPoolManagerInstance(1, 0, 0, dm, nil) })
	require.Panics(t, func() { NewBufferPoolManagerInstance(1, 2, 2, dm, nil) })

	bpm := NewBufferPoolManagerInstance(1, 2, 1, dm, nil)
	require.Panics(t, func() { bpm.validatePageID(4) })
	require.NotPanics(t, func() { bpm.validatePageID(5) })
}

func TestBufferPoolManager_SyncsLogBeforeWriteBack(t *testing.T) {
	lm, err := wal.NewLogManager(t.TempDir(), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer lm.Close()

	dm := flushmanager.NewMemoryDiskManager(testPageSize, flushmanager.CompressionNone)
	bpm := NewBufferPoolManager(1, dm, lm)

	id, page, err := bpm.NewPage()
	require.NoError(t, err)
	lsn, err := lm.AppendRecord(&wal.LogRecord{Type: wal.LogRecordTypeUpdate, PageID: id, Data: []byte("update")})
	require.NoError(t, err)
	require.Less(t, lm.FlushedLSN(), lsn)

	page.SetLSN(pagemanager.LSN(lsn))
	require.NoError(t, bpm.UnpinPage(id, true))
	_, _, err = bpm.NewPage()
	require.NoError(t, err)

	require.True(t, dm.Contains(id))
	require.GreaterOrEqual(t, lm.FlushedLSN(), lsn, "log must be durable up to the page LSN before the page is written")
}

func TestBufferPoolManager_Metrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	metrics, err := internaltelemetry.NewBufferPoolMetrics(provider.Meter("test"))
	require.NoError(t, err)

	dm := flushmanager.NewMemoryDiskManager(testPageSize, flushmanager.CompressionNone)
	bpm := NewBufferPoolManager(1, dm, nil, WithMetrics(metrics))

	_, err = bpm.FetchPage(1) // miss
	require.NoError(t, err)
	_, err = bpm.FetchPage(1) // hit
	require.NoError(t, err)
	require.NoError(t, bpm.UnpinPage(1, true))
	require.NoError(t, bpm.UnpinPage(1, false))
	_, _, err = bpm.NewPage() // evicts page 1, dirty
	require.NoError(t, err)
	_, _, err = bpm.NewPage() // exhausted
	require.ErrorIs(t, err, flushmanager.ErrBufferPoolFull)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	sums := collectSums(rm)

	assert.Equal(t, int64(1), sums["gojodb.bufferpool.page_hits"])
	assert.Equal(t, int64(1), sums["gojodb.bufferpool.page_misses"])
	assert.Equal(t, int64(1), sums["gojodb.bufferpool.evictions"])
	assert.Equal(t, int64(1), sums["gojodb.bufferpool.dirty_writebacks"])
	assert.Equal(t, int64(1), sums["gojodb.bufferpool.pages_allocated"])
	assert.Equal(t, int64(1), sums["gojodb.bufferpool.exhausted"])
}

func collectSums(rm metricdata.ResourceMetrics) map[string]int64 {
	sums := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				sums[m.Name] += dp.Value
			}
		}
	}
	return sums
}

func TestBufferPoolManager_ConcurrentAccess(t *testing.T) {
	bpm, _ := setupBufferPool(t, 8)

	const workers = 8
	var wg sync.WaitGroup
	errCh := make(chan error, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				pageID := pagemanager.PageID((w*7 + i) % 16)
				page, err := bpm.FetchPage(pageID)
				if errors.Is(err, flushmanager.ErrBufferPoolFull) {
					continue
				}
				if err != nil {
					errCh <- err
					return
				}
				page.Lock()
				page.GetData()[0]++
				page.Unlock()
				if err := bpm.UnpinPage(pageID, true); err != nil {
					errCh <- err
					return
				}
			}
		}(w)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		require.NoError(t, err)
	}

	stats := bpm.Stats()
	require.Zero(t, stats.Pinned)
	require.Equal(t, stats.Resident, stats.Evictable)
	require.Equal(t, 8, stats.Resident+stats.Free)
}
