package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"emconnect.org/internal/config"
	"emconnect.org/internal/notify"
	"emconnect.org/internal/obs"
	"emconnect.org/internal/seal"
	"emconnect.org/internal/store"
)

var version = "0.1.0"

func main() {
	var (
		configPath  = flag.String("config", os.Getenv("EC_CONFIG"), "Path to YAML config")
		interval    = flag.Duration("interval", 0, "Poll interval (overrides config)")
		batch       = flag.Int("batch", 0, "Batch size (overrides config)")
		once        = flag.Bool("once", false, "Process a single batch and exit")
		metricsAddr = flag.String("metrics", ":9102", "Address for /metrics, empty to disable")
	)
	flag.Parse()

	obs.Init()
	obs.InitBuildInfo("notifyworker", version)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.PostgresDSN == "" {
		log.Fatal("missing DSN: the worker needs EC_PG_DSN or postgres_dsn")
	}
	if *interval > 0 {
		cfg.Notify.PollInterval = *interval
	}
	if *batch > 0 {
		cfg.Notify.BatchSize = *batch
	}

	backend, err := store.Open(cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer backend.Close()

	box, err := seal.New(cfg.Seal.KeyHex)
	if err != nil {
		log.Fatalf("seal: %v", err)
	}
	sender, err := notify.SenderFromConfig(cfg.SMS)
	if err != nil {
		log.Fatalf("sms: %v", err)
	}
	worker := notify.NewWorker(backend, sender, backend, notify.WorkerConfig{
		Interval:    cfg.Notify.PollInterval,
		BatchSize:   cfg.Notify.BatchSize,
		MaxAttempts: cfg.Notify.MaxAttempts,
		RetryDelays: cfg.Notify.RetryDelays,
		SendTimeout: cfg.Notify.SendTimeout,
	}, notify.WithWorkerOpener(box))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *once {
		n, err := worker.ProcessOnce(ctx)
		if err != nil {
			log.Fatalf("process: %v", err)
		}
		obs.Info("notify_once_done", map[string]any{"count": n})
		return
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return worker.Run(ctx) })
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", obs.Handler())
		srv := &http.Server{Addr: *metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	if err := g.Wait(); err != nil {
		log.Fatalf("notifyworker: %v", err)
	}
}
