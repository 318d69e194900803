package main

import (
	"fmt"
	"os"
	"path/filepath"

	flushmanager "github.com/sushant-115/gojodb-bufferpool/core/write_engine/flush_manager"
	"github.com/sushant-115/gojodb-bufferpool/core/write_engine/memtable"
	"github.com/sushant-115/gojodb-bufferpool/core/write_engine/wal"
	internaltelemetry "github.com/sushant-115/gojodb-bufferpool/internal/telemetry"
	"github.com/sushant-115/gojodb-bufferpool/pkg/config"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// poolEnv is a buffer pool together with the collaborators it was built on.
type poolEnv struct {
	pool        memtable.BufferPool
	diskManager flushmanager.DiskManager
	logManager  *wal.LogManager
	cache       *flushmanager.CachedDiskManager
	closers     []func() error
	logger      *zap.Logger
}

// newPoolEnv builds the disk manager, the optional WAL and the pool described by cfg.
func newPoolEnv(cfg *config.Config, meter metric.Meter, logger *zap.Logger) (env *poolEnv, err error) {
	env = &poolEnv{logger: logger}
	defer func() {
		if err != nil {
			env.Close()
		}
	}()

	switch cfg.Storage.Backend {
	case config.BackendFile:
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		fdm, err := flushmanager.NewFileDiskManager(cfg.Storage.Path, cfg.Storage.PageSize, logger)
		if err != nil {
			return nil, err
		}
		env.diskManager = fdm
		env.closers = append(env.closers, fdm.Close)
	case config.BackendMemory:
		codec, err := flushmanager.ParseCompressionType(cfg.Storage.Compression)
		if err != nil {
			return nil, err
		}
		env.diskManager = flushmanager.NewMemoryDiskManager(cfg.Storage.PageSize, codec)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}

	if cfg.Storage.CacheBytes > 0 {
		cached, err := flushmanager.NewCachedDiskManager(env.diskManager, cfg.Storage.CacheBytes)
		if err != nil {
			return nil, err
		}
		env.cache = cached
		env.diskManager = cached
		env.closers = append(env.closers, func() error { cached.Close(); return nil })
	}

	if cfg.WAL.Enabled {
		lm, err := wal.NewLogManager(cfg.WAL.Dir, logger,
			wal.WithBufferSize(cfg.WAL.BufferSize),
			wal.WithCompression(cfg.WAL.Compression))
		if err != nil {
			return nil, err
		}
		env.logManager = lm
		env.closers = append(env.closers, lm.Close)
	}

	metrics, err := internaltelemetry.NewBufferPoolMetrics(meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create buffer pool metrics: %w", err)
	}
	opts := []memtable.Option{memtable.WithLogger(logger), memtable.WithMetrics(metrics)}
	if cfg.BufferPool.NumInstances == 1 {
		env.pool = memtable.NewBufferPoolManager(cfg.BufferPool.PoolSize, env.diskManager, env.logManager, opts...)
	} else {
		env.pool = memtable.NewParallelBufferPoolManager(cfg.BufferPool.NumInstances, cfg.BufferPool.PoolSize, env.diskManager, env.logManager, opts...)
	}
	return env, nil
}

// Close flushes the pool and releases the collaborators in reverse order of creation.
func (e *poolEnv) Close() error {
	var firstErr error
	if e.pool != nil {
		if err := e.pool.FlushAllPages(); err != nil {
			firstErr = err
		}
	}
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			e.logger.Error("failed to close pool resource", zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	e.closers = nil
	return firstErr
}
