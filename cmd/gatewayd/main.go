// Command gatewayd serves guest invites, guest tap submission and stat sync.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/sloghuman"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/xerrors"

	"github.com/krisalay/gameday-sync/config"
	"github.com/krisalay/gameday-sync/guest"
	"github.com/krisalay/gameday-sync/guest/httpapi"
	"github.com/krisalay/gameday-sync/guest/redisstore"
	"github.com/krisalay/gameday-sync/statsink"
)

func main() {
	log := slog.Make(sloghuman.Sink(os.Stderr))

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(context.Background(), "load config", slog.Error(err))
	}
	if cfg.Verbose {
		log = log.Leveled(slog.LevelDebug)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal(ctx, "gatewayd failed", slog.Error(err))
	}
	log.Info(ctx, "gatewayd stopped cleanly")
}

func run(ctx context.Context, cfg config.Config, log slog.Logger) error {
	if err := cfg.ValidateGateway(); err != nil {
		return err
	}

	var store guest.Store = guest.NewMemoryStore()
	if cfg.RedisAddr != "" {
		client, err := redisstore.Dial(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return err
		}
		defer client.Close()
		store = redisstore.New(client, cfg.SessionRetention)
	} else {
		log.Warn(ctx, "no redis configured, guest sessions live in memory")
	}

	gateway, err := guest.NewGateway(store, []byte(cfg.TokenSecret),
		guest.WithLifetime(cfg.TokenLifetime),
		guest.WithBaseURL(cfg.PublicBaseURL),
		guest.WithLogger(log),
	)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	opts := []httpapi.Option{
		httpapi.WithLogger(log),
		httpapi.WithMetricsHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})),
	}
	if cfg.StatSinkDialect != "" {
		sink, err := statsink.Open(ctx, statsink.Dialect(cfg.StatSinkDialect), cfg.StatSinkDSN,
			statsink.WithLogger(log),
		)
		if err != nil {
			return err
		}
		defer sink.Close()
		opts = append(opts, httpapi.WithStatSink(sink))
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.New(gateway, opts...).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe()
	}()
	log.Info(ctx, "gatewayd started", slog.F("addr", cfg.HTTPAddr))

	select {
	case err := <-errc:
		return xerrors.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	log.Info(ctx, "shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return xerrors.Errorf("graceful shutdown: %w", err)
	}
	return nil
}
