package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"golang.org/x/sync/errgroup"

	"emconnect.org/internal/analysis"
	"emconnect.org/internal/auth"
	"emconnect.org/internal/config"
	"emconnect.org/internal/covert"
	"emconnect.org/internal/grpcapi"
	"emconnect.org/internal/httpapi"
	"emconnect.org/internal/incident"
	"emconnect.org/internal/notify"
	"emconnect.org/internal/obs"
	"emconnect.org/internal/quota"
	"emconnect.org/internal/ratelimit"
	"emconnect.org/internal/seal"
	"emconnect.org/internal/store"
	"emconnect.org/internal/stream"
)

var version = "0.1.0"

func main() {
	var (
		configPath   = flag.String("config", os.Getenv("EC_CONFIG"), "Path to YAML config")
		inlineWorker = flag.Bool("inline-worker", false, "Run the notification retry worker in this process (forced with the in-memory store)")
	)
	flag.Parse()

	obs.Init()
	obs.InitBuildInfo("api", version)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	backend, err := store.Open(cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer backend.Close()
	memory := store.IsMemory(backend)

	if cfg.Seal.KeyHex == "" || cfg.Auth.Secret == "" {
		if !memory {
			log.Fatal("EC_SEAL_KEY and EC_AUTH_SECRET are required with a database")
		}
		ephemeralSecrets(cfg)
	}
	box, err := seal.New(cfg.Seal.KeyHex)
	if err != nil {
		log.Fatalf("seal: %v", err)
	}
	tokens, err := auth.NewService(cfg.Auth.Secret,
		auth.WithIssuer(cfg.Auth.Issuer),
		auth.WithChallengeTTL(cfg.Auth.ChallengeTTL),
		auth.WithSessionTTL(cfg.Auth.SessionTTL),
	)
	if err != nil {
		log.Fatalf("auth: %v", err)
	}

	guard, err := quota.FromConfig(cfg.Quota)
	if err != nil {
		log.Fatalf("quota: %v", err)
	}
	engine, err := analysis.FromConfig(cfg.Analyzer, guard)
	if err != nil {
		log.Fatalf("analyzer: %v", err)
	}

	sender, err := notify.SenderFromConfig(cfg.SMS)
	if err != nil {
		log.Fatalf("sms: %v", err)
	}

	hub := stream.New()
	limiter := ratelimit.New(ratelimit.Config{
		AttemptsPerWindow: cfg.RateLimit.AttemptsPerWindow,
		Window:            cfg.RateLimit.Window,
		Lock:              cfg.RateLimit.Lock,
	})
	incidents := incident.NewService(backend, engine, incident.WithSealer(box), incident.WithPublisher(hub))
	dispatcher := notify.NewDispatcher(backend, sender,
		notify.WithOpener(box),
		notify.WithRetryDelays(cfg.Notify.RetryDelays),
		notify.WithSendTimeout(cfg.Notify.SendTimeout),
	)
	covertSvc := covert.NewService(backend, limiter, tokens, incidents, dispatcher)

	proxies, err := cfg.TrustedProxyPrefixes()
	if err != nil {
		log.Fatalf("trusted proxies: %v", err)
	}
	api := httpapi.New(version, httpapi.Deps{
		Probe:        backend,
		Covert:       covertSvc,
		Incidents:    incidents,
		Tokens:       tokens,
		Stream:       hub,
		Quota:        guard,
		SecureCookie: cfg.Auth.SecureCookie,
	}, httpapi.WithTrustedProxies(proxies))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		// SSE responses stay open.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
	grpcSrv := grpcapi.NewServer(backend)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		obs.Info("http_listening", map[string]any{"addr": srv.Addr, "version": version})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return err
		}
		obs.Info("grpc_listening", map[string]any{"addr": cfg.GRPCAddr})
		return grpcSrv.Serve(lis)
	})
	g.Go(func() error {
		return limiter.RunJanitor(ctx, cfg.RateLimit.SweepInterval)
	})
	if memory || *inlineWorker {
		worker := notify.NewWorker(backend, sender, backend, notify.WorkerConfig{
			Interval:    cfg.Notify.PollInterval,
			BatchSize:   cfg.Notify.BatchSize,
			MaxAttempts: cfg.Notify.MaxAttempts,
			RetryDelays: cfg.Notify.RetryDelays,
			SendTimeout: cfg.Notify.SendTimeout,
		}, notify.WithWorkerOpener(box))
		g.Go(func() error { return worker.Run(ctx) })
	}
	g.Go(func() error {
		<-ctx.Done()
		obs.Info("shutting_down", nil)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		grpcSrv.GracefulStop()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("api: %v", err)
	}
	obs.Info("stopped", nil)
}

// ephemeralSecrets fills missing keys for single-process development. Data
// sealed with them is unreadable after a restart, which the in-memory store
// loses anyway.
func ephemeralSecrets(cfg *config.Config) {
	if cfg.Seal.KeyHex == "" {
		key, err := seal.GenerateKey()
		if err != nil {
			log.Fatalf("seal key: %v", err)
		}
		cfg.Seal.KeyHex = key
	}
	if cfg.Auth.Secret == "" {
		key, err := seal.GenerateKey()
		if err != nil {
			log.Fatalf("auth secret: %v", err)
		}
		cfg.Auth.Secret = key
	}
	obs.Warn("ephemeral_secrets", map[string]any{"reason": "in-memory store without configured keys"})
}
