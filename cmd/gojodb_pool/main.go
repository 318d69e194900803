package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sushant-115/gojodb-bufferpool/pkg/config"
	"github.com/sushant-115/gojodb-bufferpool/pkg/logger"
	"github.com/sushant-115/gojodb-bufferpool/pkg/telemetry"
	"go.uber.org/zap"
)

var (
	configPath = flag.String("config", "", "Path to the YAML configuration file (defaults are used when empty)")
	mode       = flag.String("mode", "shell", "Run mode: shell or bench")

	benchWorkers    = flag.Int("bench_workers", 8, "Concurrent workers in bench mode")
	benchOperations = flag.Int("bench_ops", 10000, "Operations per worker in bench mode")
	benchRate       = flag.Float64("bench_rate", 0, "Operations per second across all workers, 0 for unlimited")
	benchPages      = flag.Int("bench_pages", 1024, "Number of distinct page ids fetched in bench mode")
	benchWriteRatio = flag.Float64("bench_write_ratio", 0.2, "Fraction of fetches that dirty the page")
	benchNewRatio   = flag.Float64("bench_new_ratio", 0.05, "Fraction of operations that allocate a page")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("CRITICAL: Can't load configuration: %v", err)
	}
	zlogger, err := logger.New(cfg.Logger)
	if err != nil {
		log.Fatalf("CRITICAL: Can't initialize zap logger: %v", err)
	}
	defer zlogger.Sync()

	if err := run(cfg, zlogger); err != nil {
		zlogger.Error("gojodb_pool exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, zlogger *zap.Logger) error {
	tel, shutdownTelemetry, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			zlogger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()
	if tel.MetricsAddr != "" {
		zlogger.Info("serving metrics", zap.String("addr", tel.MetricsAddr))
	}

	env, err := newPoolEnv(cfg, tel.Meter, zlogger)
	if err != nil {
		return fmt.Errorf("failed to build buffer pool: %w", err)
	}
	defer func() {
		if err := env.Close(); err != nil {
			zlogger.Error("failed to close buffer pool", zap.Error(err))
		}
	}()

	zlogger.Info("buffer pool ready",
		zap.String("mode", *mode),
		zap.String("backend", cfg.Storage.Backend),
		zap.Int("frames", env.pool.GetPoolSize()),
		zap.Int("num_instances", cfg.BufferPool.NumInstances))

	switch *mode {
	case "shell":
		return newShell(env.pool).run()
	case "bench":
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		res, err := runBench(ctx, env.pool, tel.Tracer, benchConfig{
			Workers:    *benchWorkers,
			Operations: *benchOperations,
			Rate:       *benchRate,
			Pages:      *benchPages,
			WriteRatio: *benchWriteRatio,
			NewRatio:   *benchNewRatio,
		}, zlogger)
		printBenchResult(res, env)
		return err
	default:
		return fmt.Errorf("unknown mode %q", *mode)
	}
}

func printBenchResult(res benchResult, env *poolEnv) {
	opsPerSec := 0.0
	if res.Elapsed > 0 {
		opsPerSec = float64(res.Operations) / res.Elapsed.Seconds()
	}
	fmt.Printf("operations=%d exhausted=%d allocated=%d elapsed=%s ops/s=%.0f\n",
		res.Operations, res.Exhausted, res.Allocated, res.Elapsed.Round(time.Millisecond), opsPerSec)
	st := env.pool.Stats()
	fmt.Printf("frames=%d resident=%d pinned=%d evictable=%d free=%d\n",
		st.PoolSize, st.Resident, st.Pinned, st.Evictable, st.Free)
	if env.cache != nil {
		fmt.Printf("page cache hit ratio=%.2f\n", env.cache.HitRatio())
	}
}
