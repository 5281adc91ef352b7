package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/sloghuman"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	cache "github.com/krisalay/gameday-sync"
	"github.com/krisalay/gameday-sync/api"
	"github.com/krisalay/gameday-sync/backend/sqlitekv"
	"github.com/krisalay/gameday-sync/config"
	"github.com/krisalay/gameday-sync/engine"
	"github.com/krisalay/gameday-sync/eviction"
	"github.com/krisalay/gameday-sync/expiration"
	"github.com/krisalay/gameday-sync/guest"
	"github.com/krisalay/gameday-sync/guest/client"
	"github.com/krisalay/gameday-sync/guest/httpapi"
	"github.com/krisalay/gameday-sync/metrics"
	"github.com/krisalay/gameday-sync/query"
	"github.com/krisalay/gameday-sync/queue"
	"github.com/krisalay/gameday-sync/refresh"
	"github.com/krisalay/gameday-sync/statsink"
	"github.com/krisalay/gameday-sync/syncer"
	"github.com/krisalay/gameday-sync/tap"
	"github.com/krisalay/gameday-sync/writepolicy"
)

func main() {
	ctx := context.Background()
	log := slog.Make(sloghuman.Sink(os.Stderr))
	gin.SetMode(gin.ReleaseMode)

	if err := run(ctx, log); err != nil {
		log.Fatal(ctx, "walkthrough failed", slog.Error(err))
	}
}

func run(ctx context.Context, log slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.ValidateDevice(); err != nil {
		return err
	}

	dir, err := os.MkdirTemp("", "gameday-walkthrough")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	fmt.Println("\n==================== SYSTEM BOOT ====================")
	fmt.Println("CACHE MODE      : WRITE-BACK")
	fmt.Println("EVICTION POLICY : LRU")
	fmt.Println("SHARDS          :", cfg.CacheShards)
	fmt.Println("CAPACITY        :", cfg.CacheCapacity, "keys")
	fmt.Println("DEFAULT TTL     :", cfg.CacheTTL)

	// ---------------- Server side ----------------
	sink, err := statsink.Open(ctx, statsink.DialectSQLite, filepath.Join(dir, "server.db"), statsink.WithLogger(log))
	if err != nil {
		return err
	}
	defer sink.Close()

	gateway, err := guest.NewGateway(guest.NewMemoryStore(), []byte("walkthrough-secret-that-is-32-bytes!"),
		guest.WithLogger(log),
	)
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           httpapi.New(gateway, httpapi.WithLogger(log), httpapi.WithStatSink(sink)).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() { _ = srv.Serve(ln) }()
	defer srv.Close()

	remote, err := client.New("http://"+ln.Addr().String(), nil)
	if err != nil {
		return err
	}

	// ---------------- Device cache ----------------
	registry := prometheus.NewRegistry()
	prom := metrics.New(registry)

	// Pending stats are durable the moment Record returns, so their store
	// writes through.
	pendingDB, err := sqlitekv.Open(ctx, filepath.Join(dir, "pending.db"))
	if err != nil {
		return err
	}
	pending := cache.NewShardedCache(1, 0, eviction.None, engine.NewCacheEngine(
		&expiration.Fixed{},
		pendingDB,
		nil,
		prom,
		log,
		nil,
	))
	defer pending.Close()

	// Views can be refetched, so losing the last few writes on a crash is fine.
	viewDB, err := sqlitekv.Open(ctx, filepath.Join(dir, "views.db"))
	if err != nil {
		return err
	}
	eng := engine.NewCacheEngine(
		&expiration.Fixed{DefaultTTL: cfg.CacheTTL},
		viewDB,
		writepolicy.NewWriteBackPolicy(viewDB, 1024, log, prom),
		prom,
		log,
		nil,
	)
	// Views read within a fifth of the TTL of expiring are refetched.
	ahead := refresh.NewAhead(cfg.CacheTTL/5, log)
	eng.Refresh = ahead
	store := cache.NewShardedCache(cfg.CacheShards, cfg.CacheCapacity, eviction.LRU, eng)
	defer store.Close()
	defer ahead.Close()

	// ====================================================
	fmt.Println("\n==================== 1) OFFLINE CAPTURE ====================")
	q := queue.New(ctx, pending, queue.WithLogger(log), queue.WithMetrics(prom), queue.WithScope("athlete-7"))
	defer q.Close()
	for i, stat := range []string{"points", "rebounds", "assists"} {
		if _, err := q.Record(ctx, "athlete-7", "team-1", stat, float64(i+1)); err != nil {
			return err
		}
	}
	fmt.Println("QUEUE  → pending =", q.Len())

	// ====================================================
	fmt.Println("\n==================== 2) RECONNECT + SYNC ====================")
	var online atomic.Bool
	drained := make(chan syncer.TriggerReason, 4)
	sched := syncer.New(log,
		syncer.WithMetrics(prom),
		syncer.OnDrain(func(reason syncer.TriggerReason, err error) {
			if err != nil {
				return
			}
			select {
			case drained <- reason:
			default:
			}
		}),
	)
	if err := sched.Start(ctx, q.SyncDrain(remote.SyncStats), cfg.SyncInterval, online.Load); err != nil {
		return err
	}
	defer sched.Stop()

	online.Store(true)
	sched.Trigger(syncer.TriggerOnline)
	fmt.Println("SYNC   → drained on", <-drained)
	fmt.Println("QUEUE  → pending =", q.Len())
	stored, err := sink.List(ctx, "athlete-7")
	if err != nil {
		return err
	}
	fmt.Println("SERVER → stats stored =", len(stored))

	// ====================================================
	fmt.Println("\n==================== 3) GUEST INVITE ====================")
	inv, err := remote.Invite(ctx, "live-42")
	if err != nil {
		return err
	}
	fmt.Println("GUEST  → invite url =", inv.InviteURL)
	fmt.Println("GUEST  → expires at =", inv.ExpiresAt.Format(time.RFC3339))

	// ====================================================
	fmt.Println("\n==================== 4) CACHED SESSION VIEW ====================")
	view := query.New(store, api.Key("guest-session", "live-42"), func(ctx context.Context) (client.JoinResult, error) {
		return remote.Join(ctx, inv.GuestToken)
	},
		query.WithLogger[client.JoinResult](log),
		query.WithTTL[client.JoinResult](cfg.CacheTTL),
		query.WithRefreshAhead[client.JoinResult](ahead),
	)
	view.Mount(ctx)
	if !view.Refresh(ctx) {
		return view.LastError()
	}
	joined, _ := view.Value()
	fmt.Println("QUERY  → session =", joined.SessionID, "source =", view.Source())
	view.Close()

	// ====================================================
	fmt.Println("\n==================== 5) TAP BURST ====================")
	totals := make(chan int64, 4)
	agg := tap.New(ctx, remote.Guest(inv.GuestToken),
		tap.WithLogger(log),
		tap.WithMetrics(prom),
		tap.WithIdleWindow(cfg.TapIdleWindow),
		tap.WithMilestoneEvery(cfg.TapMilestone),
		tap.WithTerminal(client.CannotJoin),
		tap.OnTerminal(func(err error) { fmt.Println("TAP    → cannot join:", err) }),
		tap.OnMilestone(func(n int64) { fmt.Println("TAP    → milestone at", n) }),
		tap.OnTotal(func(total int64) {
			select {
			case totals <- total:
			default:
			}
		}),
	)
	for range 12 {
		agg.Tap()
	}
	fmt.Println("TAP    → server total =", <-totals)
	agg.Close()

	// ====================================================
	fmt.Println("\n==================== METRICS ====================")
	families, err := registry.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			var v float64
			switch {
			case m.GetCounter() != nil:
				v = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				v = m.GetGauge().GetValue()
			default:
				continue
			}
			labels := ""
			for _, lp := range m.GetLabel() {
				labels += " " + lp.GetName() + "=" + lp.GetValue()
			}
			fmt.Printf("%-40s%s %v\n", mf.GetName(), labels, v)
		}
	}

	fmt.Println("\n==================== SHUTDOWN ====================")
	return nil
}
