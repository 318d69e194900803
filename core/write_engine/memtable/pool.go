package memtable

import (
	pagemanager "github.com/sushant-115/gojodb-bufferpool/core/write_engine/page_manager"
	internaltelemetry "github.com/sushant-115/gojodb-bufferpool/internal/telemetry"
	"go.uber.org/zap"
)

// BufferPool is implemented by both the single-instance and the parallel buffer pool.
//
// Every page returned by FetchPage or NewPage is pinned and must be released
// with UnpinPage. The pool never locks page contents; callers sharing a page
// use the page latch.
type BufferPool interface {
	FetchPage(pageID pagemanager.PageID) (*pagemanager.Page, error)
	NewPage() (pagemanager.PageID, *pagemanager.Page, error)
	UnpinPage(pageID pagemanager.PageID, isDirty bool) error
	FlushPage(pageID pagemanager.PageID) error
	FlushAllPages() error
	DeletePage(pageID pagemanager.PageID) error
	GetPoolSize() int
	Stats() PoolStats
}

var (
	_ BufferPool = (*BufferPoolManager)(nil)
	_ BufferPool = (*ParallelBufferPoolManager)(nil)
)

// PoolStats is a point-in-time view of frame usage.
type PoolStats struct {
	PoolSize  int // Total frames
	Resident  int // Frames holding a page
	Pinned    int // Resident frames with a non-zero pin count
	Evictable int // Frames tracked by the replacer
	Free      int // Frames on the free list
}

func (s PoolStats) add(o PoolStats) PoolStats {
	return PoolStats{
		PoolSize:  s.PoolSize + o.PoolSize,
		Resident:  s.Resident + o.Resident,
		Pinned:    s.Pinned + o.Pinned,
		Evictable: s.Evictable + o.Evictable,
		Free:      s.Free + o.Free,
	}
}

type options struct {
	logger     *zap.Logger
	metrics    *internaltelemetry.BufferPoolMetrics
	instanceID string
}

// Option configures a buffer pool.
type Option func(*options)

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics sets the metric instruments. Defaults to no-op instruments.
func WithMetrics(metrics *internaltelemetry.BufferPoolMetrics) Option {
	return func(o *options) {
		if metrics != nil {
			o.metrics = metrics
		}
	}
}

// WithInstanceID sets the identifier attached to logs and metrics.
func WithInstanceID(id string) Option {
	return func(o *options) { o.instanceID = id }
}

func buildOptions(opts []Option) options {
	o := options{
		logger:  zap.NewNop(),
		metrics: internaltelemetry.NewNoopBufferPoolMetrics(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
