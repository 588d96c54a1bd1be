package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/sefazor/cutout-backend/internal/config"
	"github.com/sefazor/cutout-backend/internal/handler"
	"github.com/sefazor/cutout-backend/internal/middleware"
	"github.com/sefazor/cutout-backend/internal/repository"
	"github.com/sefazor/cutout-backend/internal/service"
	"github.com/sefazor/cutout-backend/pkg/cache"
	"github.com/sefazor/cutout-backend/pkg/database"
	"github.com/sefazor/cutout-backend/pkg/email"
	"github.com/sefazor/cutout-backend/pkg/events"
	jwtPkg "github.com/sefazor/cutout-backend/pkg/jwt"
	"github.com/sefazor/cutout-backend/pkg/payment"
	"github.com/sefazor/cutout-backend/pkg/removal"
	"github.com/sefazor/cutout-backend/pkg/storage"
	"github.com/sefazor/cutout-backend/pkg/utils"
	"github.com/sefazor/cutout-backend/pkg/webhook"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const shutdownTimeout = 15 * time.Second

type server struct {
	cfg     *config.Config
	app     *fiber.App
	db      *gorm.DB
	closers []io.Closer
	log     *zap.Logger
}

func newServer(ctx context.Context, cfg *config.Config, log *zap.Logger) (*server, error) {
	s := &server{cfg: cfg, log: log}
	if err := s.build(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *server) build(ctx context.Context) error {
	cfg, log := s.cfg, s.log

	db, err := database.Open(cfg.DatabaseURL, log)
	if err != nil {
		return err
	}
	s.db = db
	if err := database.Migrate(db); err != nil {
		return err
	}
	store := repository.NewStore(db)

	catalog, err := config.LoadCatalog(cfg.CatalogPath, cfg.Stripe.Currency)
	if err != nil {
		return err
	}

	publisher, err := s.eventBus()
	if err != nil {
		return err
	}
	notifier, err := s.mailer()
	if err != nil {
		return err
	}

	blobs, err := storage.NewCloudflareStorage(ctx, cfg.R2, log)
	if err != nil {
		return fmt.Errorf("init blob storage: %w", err)
	}
	remover := removal.NewChainFromConfig(cfg.Vendors, log)

	var verifier service.IdentityVerifier
	if cfg.IdentityWebhookSecret != "" {
		v, err := webhook.NewVerifier(cfg.IdentityWebhookSecret)
		if err != nil {
			return fmt.Errorf("init identity webhook verifier: %w", err)
		}
		verifier = v
	} else {
		log.Warn("IDENTITY_WEBHOOK_SECRET is not set, identity webhooks will be rejected")
	}
	if cfg.Stripe.SecretKey == "" {
		log.Warn("STRIPE_SECRET_KEY is not set, checkout will fail")
	}
	provider := payment.NewStripeService(cfg.Stripe.SecretKey, cfg.Stripe.WebhookSecret)

	credits := service.NewCreditService(store, catalog, publisher, notifier, log.Named("credits"))
	checkout := service.NewCheckoutService(credits, store, provider, catalog, cfg.FrontendURL, log.Named("checkout"))
	images := service.NewImageService(store, credits, blobs, remover, cfg.Vendors.Timeout, log.Named("images"))
	accounts := service.NewAccountService(store, notifier, verifier, cfg.SignupBonus, log.Named("accounts"))

	limiterStorage, err := s.rateLimitStorage()
	if err != nil {
		return err
	}

	app := fiber.New(fiber.Config{
		AppName:      "cutout-backend",
		ErrorHandler: handler.ErrorHandler(cfg.IsDevelopment(), log),
		// Multipart overhead on top of the largest accepted image.
		BodyLimit: service.MaxUploadSize + 1<<20,
	})
	app.Use(recover.New(recover.Config{EnableStackTrace: cfg.IsDevelopment()}))
	app.Use(fiberlogger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins(),
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization",
		AllowMethods:     "GET, POST, PUT, DELETE",
		AllowCredentials: true,
	}))
	app.Use(limiter.New(limiter.Config{
		Max:        cfg.RateLimit.Max,
		Expiration: cfg.RateLimit.Expiration,
		Storage:    limiterStorage,
		Next: func(c *fiber.Ctx) bool {
			return strings.HasPrefix(c.Path(), "/api/webhook/")
		},
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return fiber.NewError(fiber.StatusTooManyRequests, "Too many requests, please slow down")
		},
	}))

	validator := utils.NewValidator()
	handler.SetupRoutes(app, handler.Handlers{
		Health:  handler.NewHealthHandler(db),
		Image:   handler.NewImageHandler(images),
		Payment: handler.NewPaymentHandler(checkout, credits, validator),
		Webhook: handler.NewWebhookHandler(checkout, accounts),
		User:    handler.NewUserHandler(accounts, credits, validator),
	}, middleware.AuthMiddleware(jwtPkg.NewManager(cfg.JWTSecret), accounts, log.Named("auth")))

	s.app = app
	log.Info("server configured",
		zap.String("env", cfg.Env),
		zap.Int("vendors", remover.Vendors()),
		zap.Bool("degraded_mode", cfg.Vendors.AllowDegradedMode),
		zap.Int("packages", len(catalog.List())))
	return nil
}

func (s *server) eventBus() (service.EventPublisher, error) {
	if s.cfg.NatsURL == "" {
		s.log.Info("NATS_URL is not set, ledger events are not published")
		return events.NoopBus{}, nil
	}
	bus, err := events.Connect(s.cfg.NatsURL, s.log.Named("nats"))
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, bus)
	return bus, nil
}

func (s *server) mailer() (service.Notifier, error) {
	if s.cfg.Email.ResendAPIKey == "" || s.cfg.Email.FromAddress == "" {
		s.log.Info("email is not configured, messages are only logged")
		return email.NewNoopMailer(s.log.Named("email")), nil
	}
	return email.NewEmailService(s.cfg.Email, s.cfg.FrontendURL, s.log.Named("email"))
}

// rateLimitStorage shares limiter counters through redis when configured;
// nil keeps them in memory.
func (s *server) rateLimitStorage() (fiber.Storage, error) {
	if s.cfg.RedisURL == "" {
		return nil, nil
	}
	store, err := cache.NewRedisStorage(s.cfg.RedisURL, "cutout:ratelimit:")
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, store)
	return store, nil
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", zap.String("port", s.cfg.Port))
		errCh <- s.app.Listen(":" + s.cfg.Port)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log.Info("shutting down")
	if err := s.app.ShutdownWithTimeout(shutdownTimeout); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (s *server) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			s.log.Warn("close failed", zap.Error(err))
		}
	}
	if s.db != nil {
		if err := database.Close(s.db); err != nil {
			s.log.Warn("close database", zap.Error(err))
		}
	}
}
