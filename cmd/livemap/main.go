package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"gtfs-livemap/internal/api"
	"gtfs-livemap/internal/config"
	"gtfs-livemap/internal/db"
	"gtfs-livemap/internal/eta"
	"gtfs-livemap/internal/feed"
	"gtfs-livemap/internal/metrics"
	"gtfs-livemap/internal/poller"
	"gtfs-livemap/internal/publisher"
	"gtfs-livemap/internal/store"
	"gtfs-livemap/internal/stream"
)

const shutdownGrace = 10 * time.Second

func main() {
	// Load configuration from .env and environment
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Static GTFS database is optional; without it the stop and route endpoints answer 503.
	var (
		sqlDB  *sql.DB
		lookup *db.Lookup
		stops  api.StopFinder
	)
	if cfg.DatabaseURL != "" {
		sqlDB, err = db.Open(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db open error: %v", err)
		}
		if err := db.Ping(ctx, sqlDB); err != nil {
			log.Printf("db ping error: %v (continuing, health will report degraded)", err)
		}
		lookup = db.NewLookup(sqlDB)
		stops = lookup
	} else {
		log.Printf("DATABASE_URL not set, stop, route and arrival lookups disabled")
	}

	// Delay model is optional; without it ETAs come from the schedule alone.
	var (
		predictor eta.Predictor
		model     api.ModelChecker
	)
	if cfg.ModelURL != "" {
		mc := eta.NewModelClient(cfg.ModelURL, cfg.ModelTimeout)
		predictor, model = mc, mc
	} else {
		log.Printf("MODEL_URL not set, ETAs use the schedule only")
	}

	// Metrics setup
	var mcol *metrics.Collector
	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mcol = metrics.NewCollector(cfg.PollInterval)
		metricsSrv = mcol.Serve(cfg.MetricsAddr)
	}

	// Optional NATS mirror of every poll batch
	var pub *publisher.NATSPublisher
	opts := poller.Options{
		Interval:    cfg.PollInterval,
		SendTimeout: cfg.SendTimeout,
		Metrics:     mcol,
	}
	if cfg.NATSURL != "" {
		pub, err = publisher.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubjectPrefix, cfg.LogNATSSubjects, wrapPublisherMetrics(mcol))
		if err != nil {
			log.Fatalf("nats error: %v", err)
		}
		opts.Mirror = pub
	}

	positions := store.NewPositions()
	registry := stream.NewRegistry()
	fetcher := feed.NewFetcher(cfg.VehiclesURL, cfg.APIKeyHeader, cfg.APIKey, cfg.FetchTimeout)
	p := poller.New(fetcher, positions, registry, opts)
	p.Start(ctx)

	deps := api.Deps{
		Vehicles: positions,
		Status:   p,
		Stream:   stream.NewHandler(registry, positions, cfg.SendTimeout),
		Stops:    stops,
		Model:    model,
		Version:  cfg.AppVersion,
	}
	if lookup != nil {
		deps.ETA = eta.NewService(lookup, positions, predictor)
	}
	server := api.NewServer(deps)
	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	// Shutdown does not track hijacked websocket connections
	httpSrv.RegisterOnShutdown(registry.CloseAll)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("http listening on %s", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		log.Printf("http server error: %v", err)
	}

	// Stop polling before releasing anything the cycle uses
	p.Stop()
	if pub != nil {
		pub.Close()
	}
	if sqlDB != nil {
		sqlDB.Close()
	}
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = metricsSrv.Shutdown(shutdownCtx)
		cancel()
	}
	log.Println("shutdown complete")
}

// wrapPublisherMetrics adapts our Collector to the PublisherMetrics interface.
func wrapPublisherMetrics(c *metrics.Collector) publisher.PublisherMetrics {
	if c == nil {
		return nil
	}
	return &pubMetrics{c: c}
}

type pubMetrics struct{ c *metrics.Collector }

func (p *pubMetrics) NATSPublishedInc()              { p.c.NATSPublished.Inc() }
func (p *pubMetrics) NATSPublishErrInc()             { p.c.NATSPublishErrs.Inc() }
func (p *pubMetrics) PublishObserve(d time.Duration) { p.c.PublishDuration.Observe(d.Seconds()) }
func (p *pubMetrics) NATSSetConnected(b bool) {
	if b {
		p.c.NATSConnected.Set(1)
	} else {
		p.c.NATSConnected.Set(0)
	}
}
