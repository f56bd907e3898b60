package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/helioslabs/subscription-service/internal/api/rest"
	"github.com/helioslabs/subscription-service/internal/api/rest/handlers"
	"github.com/helioslabs/subscription-service/internal/billing"
	"github.com/helioslabs/subscription-service/internal/cms"
	"github.com/helioslabs/subscription-service/internal/config"
	"github.com/helioslabs/subscription-service/internal/credits"
	"github.com/helioslabs/subscription-service/internal/db"
	"github.com/helioslabs/subscription-service/internal/kafka"
	"github.com/helioslabs/subscription-service/internal/mailer"
	"github.com/helioslabs/subscription-service/internal/metrics"
	"github.com/helioslabs/subscription-service/internal/middleware"
	"github.com/helioslabs/subscription-service/internal/repository"
	"github.com/helioslabs/subscription-service/internal/stripe"
	"github.com/helioslabs/subscription-service/internal/subscription"
	"github.com/helioslabs/subscription-service/pkg/logger"
)

func main() {
	cfg, err := config.LoadConfig(".env")
	if err != nil {
		panic(err)
	}

	log := logger.New(cfg.App.Env)
	defer log.Sync()

	if cfg.Auth.JWTSecret == "" {
		log.Warnw("JWT secret is not set, all authenticated endpoints will reject requests")
	}
	if cfg.Stripe.APIKey == "" || cfg.Stripe.WebhookSecret == "" {
		log.Warnw("Stripe credentials are incomplete, checkout and webhooks will fail")
	}

	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx := context.Background()

	dbClient, err := db.NewClient(ctx, cfg.Database.DSN, log)
	if err != nil {
		log.Fatalw("Failed to connect to database", "error", err)
	}
	defer dbClient.Close()
	log.Infow("Connected to database")

	baseStore := repository.NewPostgresSubscriptionStore(dbClient.Pool(), log)
	ledgerStore := repository.NewPostgresLedgerStore(dbClient.Pool())
	auditStore := repository.NewPostgresAuditStore(dbClient.Pool())
	eventStore := repository.NewPostgresWebhookEventStore(dbClient.Pool())

	var subStore repository.SubscriptionStore = baseStore
	cache, err := repository.NewSubscriptionCache(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, log)
	if err != nil {
		log.Warnw("Failed to initialize Redis cache, continuing without caching", "error", err)
	} else {
		subStore = repository.NewCachedSubscriptionStore(baseStore, cache, log)
		defer cache.Close()
		log.Infow("Using cached subscription store")
	}

	var producer kafka.Producer = kafka.NopProducer{}
	if len(cfg.Kafka.Brokers) > 0 {
		if err := kafka.EnsureTopics(cfg.Kafka.Brokers, log); err != nil {
			log.Warnw("Failed to ensure Kafka topics, continuing without event publishing", "error", err)
		} else if p, err := kafka.NewProducer(cfg.Kafka.Brokers, log); err != nil {
			log.Warnw("Failed to initialize Kafka producer, continuing without event publishing", "error", err)
		} else {
			producer = p
			defer producer.Close()
			log.Infow("Kafka producer initialized")
		}
	}

	stripeClient := stripe.NewClient(cfg.Stripe.APIKey, cfg.Stripe.WebhookSecret, log)

	var mail mailer.Mailer = mailer.NopMailer{}
	if cfg.Mail.APIKey != "" {
		mail = mailer.NewResendMailer(cfg.Mail.APIKey, cfg.Mail.FromName, cfg.Mail.FromEmail, log)
	} else {
		log.Warnw("Mail API key is not set, transactional emails are disabled")
	}

	registry := prometheus.NewRegistry()
	creditMetrics := metrics.NewCreditMetrics(registry)

	engine := credits.NewEngine(subStore, auditStore, producer, creditMetrics, log)
	guard := credits.NewGuard(subStore, creditMetrics, log)
	processor := billing.NewProcessor(subStore, eventStore, auditStore, engine, stripeClient, producer, mail, creditMetrics, log)
	subService := subscription.NewService(subStore, auditStore, stripeClient, producer, mail, log)

	h := rest.Handlers{
		Credits:      handlers.NewCreditsHandler(engine, guard, subStore, ledgerStore, log),
		Subscription: handlers.NewSubscriptionHandler(subService, log),
		Webhook:      handlers.NewWebhookHandler(stripeClient, processor, log),
	}
	if cfg.CMS.URL != "" {
		cmsClient := cms.NewClient(cfg.CMS.URL, cfg.CMS.Token, log)
		h.Content = handlers.NewContentHandler(cmsClient, log)
	}

	validator := &middleware.DefaultTokenValidator{Secret: []byte(cfg.Auth.JWTSecret)}
	auth := middleware.NewJWTMiddleware(log, validator)

	router := rest.SetupRouter(log, registry, auth, h)

	httpServer := &http.Server{
		Addr:         ":" + cfg.App.Port,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		log.Infow("Starting HTTP server", "port", cfg.App.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalw("Failed to start HTTP server", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Infow("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Errorw("HTTP server shutdown error", "error", err)
	} else {
		log.Infow("HTTP server stopped")
	}
}
