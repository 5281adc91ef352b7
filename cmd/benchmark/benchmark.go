package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/sloghuman"

	cache "github.com/krisalay/gameday-sync"
	"github.com/krisalay/gameday-sync/backend/sqlitekv"
	"github.com/krisalay/gameday-sync/engine"
	"github.com/krisalay/gameday-sync/eviction"
	"github.com/krisalay/gameday-sync/expiration"
	"github.com/krisalay/gameday-sync/writepolicy"
)

// ================= BENCHMARK =================

func main() {
	ctx := context.Background()
	log := slog.Make(sloghuman.Sink(os.Stderr)).Leveled(slog.LevelError)

	const (
		shards      = 8
		capacity    = 200000
		preloadKeys = 100000
		goroutines  = 200
		opsPerG     = 5000
	)

	dir, err := os.MkdirTemp("", "gameday-bench")
	if err != nil {
		log.Fatal(ctx, "temp dir", slog.Error(err))
	}
	defer os.RemoveAll(dir)

	// ---------------- Durable Tier ----------------
	durable, err := sqlitekv.Open(ctx, filepath.Join(dir, "bench.db"))
	if err != nil {
		log.Fatal(ctx, "open durable tier", slog.Error(err))
	}

	// ---------------- Cache Engine ----------------
	eng := engine.NewCacheEngine(
		&expiration.ExpireAfterAccess{TTL: 60 * time.Second},
		durable,
		writepolicy.NewWriteBackPolicy(durable, 4096, log, nil),
		nil,
		log,
		nil,
	)

	c := cache.NewShardedCache(
		shards,
		capacity,
		eviction.LRU,
		eng,
	)

	// ---------------- Preload Cache ----------------
	start := time.Now()
	for i := 0; i < preloadKeys; i++ {
		key := "key-" + strconv.Itoa(i)
		_ = c.Set(ctx, key, []byte(strconv.Itoa(i)), 0)
	}
	preload := time.Since(start)

	// ---------------- Warmup ----------------
	for i := 0; i < 10000; i++ {
		c.Get(ctx, "key-"+strconv.Itoa(i%preloadKeys))
	}

	// ---------------- Load Test ----------------
	start = time.Now()

	wg := sync.WaitGroup{}
	wg.Add(goroutines)

	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < opsPerG; j++ {
				c.Get(ctx, "key-"+strconv.Itoa(j%preloadKeys))
			}
		}()
	}

	wg.Wait()

	duration := time.Since(start)
	totalOps := goroutines * opsPerG

	fmt.Println("\n================ CACHE LOAD BENCHMARK =================")

	fmt.Println("CONFIG")
	fmt.Println("---------------------------------")
	fmt.Println("Shards       :", shards)
	fmt.Println("Capacity     :", capacity)
	fmt.Println("Preload Keys :", preloadKeys)
	fmt.Println("Goroutines   :", goroutines)
	fmt.Println("Ops/Goroutine:", opsPerG)
	fmt.Println("Durable Tier : sqlite (write-back)")
	fmt.Println("---------------------------------")

	fmt.Println("\n================ RESULTS =================")
	fmt.Printf("Preload Time     : %v\n", preload)
	fmt.Printf("Total Operations : %d\n", totalOps)
	fmt.Printf("Total Time       : %v\n", duration)
	fmt.Printf("Throughput       : %.2f ops/sec\n", float64(totalOps)/duration.Seconds())
	fmt.Println("=========================================")

	start = time.Now()
	if err := c.Close(); err != nil {
		log.Error(ctx, "close cache", slog.Error(err))
	}
	fmt.Printf("Write-back Flush : %v\n", time.Since(start))
}
