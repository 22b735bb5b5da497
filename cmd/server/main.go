package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	_ "github.com/lib/pq"

	"github.com/example/bid-dispatch/internal/config"
	"github.com/example/bid-dispatch/internal/dispatch"
	"github.com/example/bid-dispatch/internal/eta"
	"github.com/example/bid-dispatch/internal/geo"
	httpapi "github.com/example/bid-dispatch/internal/http"
	"github.com/example/bid-dispatch/internal/ingest"
	"github.com/example/bid-dispatch/internal/ledger"
	"github.com/example/bid-dispatch/internal/logging"
	"github.com/example/bid-dispatch/internal/notify"
	"github.com/example/bid-dispatch/internal/payments"
	"github.com/example/bid-dispatch/internal/presence"
	"github.com/example/bid-dispatch/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	if cfg.PGDSN != "" && cfg.RunMigrations {
		runMigrations(cfg.PGDSN)
	}

	var orderStore storage.OrderStore
	var walletStore storage.WalletStore
	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			log.Fatalf("postgres: %v", err)
		}
		defer pg.Close()
		orderStore = pg
		walletStore = pg
	} else {
		logger.Warn("PG_DSN not set, using in-memory stores")
		orderStore = storage.NewMemoryOrderStore()
		walletStore = storage.NewMemoryWalletStore()
	}

	reg := presence.NewRegistry()
	hub := notify.NewHub()

	var pusher notify.Pusher
	if cfg.FCMEndpoint != "" {
		pusher = notify.NewFCMPusher(cfg.FCMEndpoint, cfg.FCMKey)
	}
	notifier := &notify.WSNotifier{Drivers: reg, Customers: hub, Push: pusher, Logger: logger}

	led := ledger.NewService(walletStore, cfg.CommissionPercent, logger)

	coord := dispatch.NewCoordinator(reg, notifier, led, orderStore)
	coord.RadiusM = cfg.DispatchRadiusM
	coord.BroadcastMax = cfg.BroadcastMax
	coord.RequestTTL = cfg.RequestTTL
	coord.RetentionTTL = cfg.RetentionTTL
	coord.SpeedMps = cfg.DefaultSpeedMps
	coord.Logger = logger
	if cfg.OSRMEndpoint != "" {
		coord.ETAClient = eta.NewOSRMClient(cfg.OSRMEndpoint)
		coord.ETACache = eta.NewCache(cfg.RequestTTL)
	}

	var kp *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		kp = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
	}

	var mirror *geo.Mirror
	if cfg.RedisAddr != "" {
		mirror = geo.NewMirror(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
		defer mirror.Close()
	}

	var stripe *payments.StripeClient
	if os.Getenv("STRIPE_API_KEY") != "" {
		stripe = payments.NewStripeClient()
	}

	srv := httpapi.NewServer(cfg, logger, reg, coord, led, hub, kp, mirror, stripe)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go coord.Run(ctx, cfg.SweepInterval)

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("bid-dispatch listening", "addr", cfg.HTTPAddr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
}

func runMigrations(dsn string) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Printf("migration db open error: %v", err)
		return
	}
	defer db.Close()
	b, err := os.ReadFile(filepath.Join("migrations", "001_create_core.sql"))
	if err != nil {
		log.Printf("migration read error: %v", err)
		return
	}
	if _, err := db.Exec(string(b)); err != nil {
		log.Printf("migration exec error: %v", err)
		return
	}
	log.Printf("migration applied: 001_create_core.sql")
}
