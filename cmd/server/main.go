package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/example/transport-broker/internal/config"
	"github.com/example/transport-broker/internal/discount"
	"github.com/example/transport-broker/internal/dispatch"
	httpapi "github.com/example/transport-broker/internal/http"
	"github.com/example/transport-broker/internal/ingest"
	"github.com/example/transport-broker/internal/logging"
	"github.com/example/transport-broker/internal/orders"
	"github.com/example/transport-broker/internal/payments"
	"github.com/example/transport-broker/internal/pricing"
	"github.com/example/transport-broker/internal/routing"
	"github.com/example/transport-broker/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		// config errors are fatal before we have a logger
		panic(err)
	}
	logger := logging.NewLogger("order-server", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pricingCfg := pricing.DefaultConfig()
	if cfg.ReturnLegDiscount > 0 {
		pricingCfg.ReturnLegDiscount = cfg.ReturnLegDiscount
	}
	if cfg.MinimumNet > 0 {
		pricingCfg.MinimumNet = cfg.MinimumNet
	}
	pricer := pricing.NewEngine(pricingCfg)
	engine := discount.NewEngine(pricer)

	var store storage.OrderStore
	var discounts storage.DiscountStore
	mongoStore, err := storage.NewMongoStore(ctx, cfg.MongoURI, cfg.MongoDB)
	if err != nil {
		logger.Warn("mongo unavailable, using in-memory store", "err", err)
		store = storage.NewMemoryStore()
		discounts = storage.NewMemoryDiscounts()
	} else {
		store = mongoStore
		discounts = mongoStore
	}

	var geocoder routing.Geocoder = routing.NewNominatimClient(cfg.GeocoderURL, cfg.GeocoderUserAgent)
	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		geocoder = routing.NewCachedGeocoder(geocoder, redisClient)
	}
	resolver := routing.NewService(geocoder, routing.NewOSRMClient(cfg.OSRMURL), logger)

	svc := orders.NewService(store, discounts, resolver, pricer, engine, logger)

	if cfg.PGDSN != "" {
		if os.Getenv("MIGRATE") == "true" {
			runMigrations(cfg.PGDSN, logger)
		}
		ledger, err := storage.NewPostgresLedger(cfg.PGDSN)
		if err != nil {
			logger.Warn("postgres ledger unavailable, per-user caps disabled", "err", err)
		} else {
			svc.Ledger = ledger
			defer ledger.Close()
		}
	}

	if len(cfg.KafkaBrokers) > 0 {
		producer := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		svc.Events = producer
		defer producer.Close()
	}

	wsreg := dispatch.NewWSRegistry(logger)
	svc.Notifier = wsreg

	if cfg.StripeAPIKey != "" {
		svc.Payments = payments.NewStripeClient(cfg.StripeAPIKey)
	}

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(svc, wsreg, logger),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		logger.Info("transport-broker listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "err", err)
	}
}

func runMigrations(dsn string, logger *slog.Logger) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		logger.Error("migration db open error", "err", err)
		return
	}
	defer db.Close()
	b, err := os.ReadFile(filepath.Join("migrations", "001_create_discount_uses.sql"))
	if err != nil {
		logger.Error("migration read error", "err", err)
		return
	}
	if _, err := db.Exec(string(b)); err != nil {
		logger.Error("migration exec error", "err", err)
		return
	}
	logger.Info("migration applied", "file", "001_create_discount_uses.sql")
}
