package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	flushmanager "github.com/sushant-115/gojodb-bufferpool/core/write_engine/flush_manager"
	"github.com/sushant-115/gojodb-bufferpool/core/write_engine/memtable"
	pagemanager "github.com/sushant-115/gojodb-bufferpool/core/write_engine/page_manager"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

type benchConfig struct {
	Workers    int
	Operations int     // Per worker
	Rate       float64 // Operations per second across all workers; 0 means unlimited
	Pages      int     // Pages allocated up front and fetched from
	WriteRatio float64 // Fraction of fetches that dirty the page
	NewRatio   float64 // Fraction of operations that allocate a page
}

type benchResult struct {
	Operations int64
	Exhausted  int64
	Allocated  int64
	Elapsed    time.Duration
}

// runBench drives a random fetch/new/unpin workload against the pool. Fetches
// only touch pages the bench allocated itself, so ids handed out by NewPage
// never collide with them. Every worker unpins what it pins, so the pool ends
// with no pinned frames, and every bench page is deleted at the end.
func runBench(ctx context.Context, pool memtable.BufferPool, tracer trace.Tracer, cfg benchConfig, logger *zap.Logger) (benchResult, error) {
	if cfg.Workers <= 0 || cfg.Pages <= 0 {
		return benchResult{}, fmt.Errorf("bench needs positive workers and pages, got %d and %d", cfg.Workers, cfg.Pages)
	}
	ctx, span := tracer.Start(ctx, "bufferpool.bench")
	defer span.End()
	span.SetAttributes(
		attribute.Int("bench.workers", cfg.Workers),
		attribute.Int("bench.operations", cfg.Operations),
		attribute.Int("bench.pages", cfg.Pages),
	)

	working, err := seedBenchPages(pool, cfg.Pages)
	if err != nil {
		deleteBenchPages(pool, working, logger)
		span.RecordError(err)
		return benchResult{}, fmt.Errorf("failed to allocate bench pages: %w", err)
	}

	limit := rate.Inf
	if cfg.Rate > 0 {
		limit = rate.Limit(cfg.Rate)
	}
	limiter := rate.NewLimiter(limit, cfg.Workers)

	var (
		res       benchResult
		allocated sync.Map // Pages created by NewPage, deleted at the end
	)
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < cfg.Workers; w++ {
		rng := rand.New(rand.NewPCG(uint64(w), uint64(time.Now().UnixNano())))
		g.Go(func() error {
			for i := 0; i < cfg.Operations; i++ {
				if err := limiter.Wait(gctx); err != nil {
					return err
				}
				err := benchStep(pool, rng, cfg, working, &allocated)
				atomic.AddInt64(&res.Operations, 1)
				switch {
				case errors.Is(err, flushmanager.ErrBufferPoolFull), errors.Is(err, flushmanager.ErrAllShardsExhausted):
					atomic.AddInt64(&res.Exhausted, 1)
				case err != nil:
					return err
				}
			}
			return nil
		})
	}
	err = g.Wait()
	res.Elapsed = time.Since(start)

	allocated.Range(func(key, _ any) bool {
		atomic.AddInt64(&res.Allocated, 1)
		working = append(working, key.(pagemanager.PageID))
		return true
	})
	deleteBenchPages(pool, working, logger)

	span.SetAttributes(
		attribute.Int64("bench.exhausted", res.Exhausted),
		attribute.Int64("bench.allocated", res.Allocated),
	)
	if err != nil {
		span.RecordError(err)
		return res, fmt.Errorf("bench failed: %w", err)
	}
	return res, nil
}

// seedBenchPages allocates n dirty pages and releases them. It returns the
// ids allocated so far even on failure.
func seedBenchPages(pool memtable.BufferPool, n int) ([]pagemanager.PageID, error) {
	rng := rand.New(rand.NewPCG(uint64(n), uint64(time.Now().UnixNano())))
	ids := make([]pagemanager.PageID, 0, n)
	for i := 0; i < n; i++ {
		pageID, page, err := pool.NewPage()
		if err != nil {
			return ids, err
		}
		ids = append(ids, pageID)
		page.Lock()
		fillBenchPage(page, rng)
		page.Unlock()
		if err := pool.UnpinPage(pageID, true); err != nil {
			return ids, err
		}
	}
	return ids, nil
}

func deleteBenchPages(pool memtable.BufferPool, ids []pagemanager.PageID, logger *zap.Logger) {
	for _, pageID := range ids {
		if err := pool.DeletePage(pageID); err != nil {
			logger.Warn("failed to delete bench page", zap.Int32("page_id", int32(pageID)), zap.Error(err))
		}
	}
}

func benchStep(pool memtable.BufferPool, rng *rand.Rand, cfg benchConfig, working []pagemanager.PageID, allocated *sync.Map) error {
	if rng.Float64() < cfg.NewRatio {
		pageID, page, err := pool.NewPage()
		if err != nil {
			return err
		}
		page.Lock()
		fillBenchPage(page, rng)
		page.Unlock()
		allocated.Store(pageID, struct{}{})
		return pool.UnpinPage(pageID, true)
	}

	pageID := working[rng.IntN(len(working))]
	page, err := pool.FetchPage(pageID)
	if err != nil {
		return err
	}
	dirty := rng.Float64() < cfg.WriteRatio
	if dirty {
		page.Lock()
		fillBenchPage(page, rng)
		page.Unlock()
	} else {
		page.RLock()
		_ = page.GetData()[0]
		page.RUnlock()
	}
	return pool.UnpinPage(pageID, dirty)
}

func fillBenchPage(page *pagemanager.Page, rng *rand.Rand) {
	data := page.GetData()
	for i := 0; i < len(data); i += 8 {
		data[i] = byte(rng.UintN(256))
	}
}
