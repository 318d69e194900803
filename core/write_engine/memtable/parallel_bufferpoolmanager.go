package memtable

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	flushmanager "github.com/sushant-115/gojodb-bufferpool/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojodb-bufferpool/core/write_engine/page_manager"
	"github.com/sushant-115/gojodb-bufferpool/core/write_engine/wal"
	"go.uber.org/zap"
)

// ParallelBufferPoolManager shards pages over several BufferPoolManager
// instances. Page p always lives in instance p mod numInstances; all instances
// share the disk manager and the log manager.
type ParallelBufferPoolManager struct {
	instances []*BufferPoolManager
	poolSize  int // Frames per instance

	// mu serializes NewPage so that the round-robin cursor is advanced once per attempt.
	mu          sync.Mutex
	startCursor int

	logger *zap.Logger
}

// NewParallelBufferPoolManager creates numInstances instances of poolSize frames each.
func NewParallelBufferPoolManager(numInstances, poolSize int, diskManager flushmanager.DiskManager, logManager *wal.LogManager, opts ...Option) *ParallelBufferPoolManager {
	if numInstances <= 0 {
		panic(fmt.Sprintf("NewParallelBufferPoolManager: number of instances must be positive, got %d", numInstances))
	}
	o := buildOptions(opts)
	if o.instanceID == "" {
		o.instanceID = uuid.NewString()
	}
	// Shards share the pool identity.
	opts = append(opts, WithInstanceID(o.instanceID))

	p := &ParallelBufferPoolManager{
		instances: make([]*BufferPoolManager, numInstances),
		poolSize:  poolSize,
		logger:    o.logger.With(zap.String("pool_instance", o.instanceID)),
	}
	for i := range p.instances {
		p.instances[i] = NewBufferPoolManagerInstance(poolSize, uint32(numInstances), uint32(i), diskManager, logManager, opts...)
	}
	p.logger.Info("ParallelBufferPoolManager initialized",
		zap.Int("num_instances", numInstances),
		zap.Int("pool_size_per_instance", poolSize))
	return p
}

// instanceFor returns the instance responsible for pageID.
func (p *ParallelBufferPoolManager) instanceFor(pageID pagemanager.PageID) (*BufferPoolManager, error) {
	if pageID < 0 {
		return nil, fmt.Errorf("%w: %d", flushmanager.ErrInvalidPageID, pageID)
	}
	return p.instances[int(pageID)%len(p.instances)], nil
}

func (p *ParallelBufferPoolManager) FetchPage(pageID pagemanager.PageID) (*pagemanager.Page, error) {
	bpm, err := p.instanceFor(pageID)
	if err != nil {
		return nil, err
	}
	return bpm.FetchPage(pageID)
}

// NewPage asks each instance in turn, starting from a cursor that moves by one
// on every attempt, and returns the first page created.
func (p *ParallelBufferPoolManager) NewPage() (pagemanager.PageID, *pagemanager.Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var lastErr error
	for range p.instances {
		bpm := p.instances[p.startCursor]
		p.startCursor = (p.startCursor + 1) % len(p.instances)

		pageID, page, err := bpm.NewPage()
		if err == nil {
			return pageID, page, nil
		}
		lastErr = err
		if !errors.Is(err, flushmanager.ErrBufferPoolFull) {
			p.logger.Warn("instance failed to create page", zap.Uint32("shard", bpm.instanceIndex), zap.Error(err))
		}
	}
	return pagemanager.InvalidPageID, nil, fmt.Errorf("%w: %w", flushmanager.ErrAllShardsExhausted, lastErr)
}

func (p *ParallelBufferPoolManager) UnpinPage(pageID pagemanager.PageID, isDirty bool) error {
	bpm, err := p.instanceFor(pageID)
	if err != nil {
		return err
	}
	return bpm.UnpinPage(pageID, isDirty)
}

func (p *ParallelBufferPoolManager) FlushPage(pageID pagemanager.PageID) error {
	bpm, err := p.instanceFor(pageID)
	if err != nil {
		return err
	}
	return bpm.FlushPage(pageID)
}

// FlushAllPages flushes every instance and returns the first error.
func (p *ParallelBufferPoolManager) FlushAllPages() error {
	var firstErr error
	for _, bpm := range p.instances {
		if err := bpm.FlushAllPages(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// DeletePage routes to the owning instance. A negative ID is never resident,
// so deleting it succeeds like any absent page.
func (p *ParallelBufferPoolManager) DeletePage(pageID pagemanager.PageID) error {
	if pageID < 0 {
		return nil
	}
	bpm, err := p.instanceFor(pageID)
	if err != nil {
		return err
	}
	return bpm.DeletePage(pageID)
}

// GetPoolSize returns the total number of frames across all instances.
func (p *ParallelBufferPoolManager) GetPoolSize() int {
	return p.poolSize * len(p.instances)
}

// NumInstances returns the number of shards.
func (p *ParallelBufferPoolManager) NumInstances() int {
	return len(p.instances)
}

// Stats sums the per-instance statistics. Each instance is sampled under its
// own lock, so the total is not an atomic snapshot.
func (p *ParallelBufferPoolManager) Stats() PoolStats {
	var total PoolStats
	for _, bpm := range p.instances {
		total = total.add(bpm.Stats())
	}
	return total
}

// InstanceStats returns the statistics of each shard, indexed by shard.
func (p *ParallelBufferPoolManager) InstanceStats() []PoolStats {
	stats := make([]PoolStats, len(p.instances))
	for i, bpm := range p.instances {
		stats[i] = bpm.Stats()
	}
	return stats
}
