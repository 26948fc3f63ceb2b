package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/ariefcatur/go-storefront-orders/internal/audit"
	"github.com/ariefcatur/go-storefront-orders/internal/config"
	"github.com/ariefcatur/go-storefront-orders/internal/httpx"
	kafkax "github.com/ariefcatur/go-storefront-orders/internal/kafka"
	"github.com/ariefcatur/go-storefront-orders/internal/logging"
	"github.com/ariefcatur/go-storefront-orders/internal/orders"
	"github.com/ariefcatur/go-storefront-orders/internal/payments"
	"github.com/ariefcatur/go-storefront-orders/internal/postgres"
	"github.com/ariefcatur/go-storefront-orders/internal/redisx"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	logging.Setup(cfg.LogLevel, cfg.Production())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN, cfg.PostgresMax)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	defer db.Close()
	if err := postgres.Migrate(ctx, db); err != nil {
		log.Fatal().Err(err).Msg("db migrate")
	}

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	// Kafka producer, one writer for every lifecycle topic
	prod := kafkax.NewProducer(cfg.KafkaBrokers, 1024)
	prod.Start(ctx)

	auditLog := audit.New(db, cfg.AuditBuffer)

	if !cfg.PaymentConfigured() {
		log.Warn().Msg("payment gateway credentials missing, payment orders will fail")
	}
	pay := &payments.Service{
		Gateway:    payments.NewRazorpayClient(cfg.PaymentBaseURL, cfg.PaymentKeyID, cfg.PaymentKeySecret),
		PublicKey:  cfg.PaymentKeyID,
		Configured: cfg.PaymentConfigured(),
		Timeout:    cfg.PaymentTimeout,
	}

	svc := &orders.Service{
		Store:       &orders.Repo{DB: db},
		Stock:       &orders.StockRepo{DB: db},
		Payments:    pay,
		Events:      prod,
		Cache:       &redisx.OrderCache{Redis: rdb, TTL: redisx.TTLStatusCache},
		Idempotency: &redisx.IdempotencyKeys{Redis: rdb, TTL: redisx.TTLIdempotency},
		Producer:    cfg.ServiceName,
	}

	limiter := &redisx.RateLimiter{
		Redis:  rdb,
		Scope:  "admin",
		Limit:  int64(cfg.AdminRateLimit),
		Window: cfg.AdminRateWindow,
	}

	router := httpx.NewRouter(cfg.HTTPTimeout)
	oh := &httpx.OrdersHandler{
		Orders:     svc,
		Audit:      auditLog,
		Auth:       &httpx.Authenticator{Secret: []byte(cfg.AuthJWTSecret)},
		AdminLimit: limiter.Middleware,
		Debug:      !cfg.Production(),
	}
	oh.Register(router)

	// HTTP server
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.HTTPAddr).Str("env", cfg.AppEnv).Msg("HTTP listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sig)
		select {
		case <-sig:
		case <-gctx.Done():
		}
		log.Info().Msg("shutting down...")

		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		return srv.Shutdown(ctx2)
	})
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("http server")
	}

	auditLog.Close() // flush queued audit rows
	prod.Close()     // flush queued events and close the writer
	prod.WaitClosed()
	cancel()
}
