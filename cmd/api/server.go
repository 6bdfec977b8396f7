package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	firebase "firebase.google.com/go/v4"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tourdesk/booking-backend/internal/config"
	"github.com/tourdesk/booking-backend/internal/database"
	"github.com/tourdesk/booking-backend/internal/handlers"
	"github.com/tourdesk/booking-backend/internal/middleware"
	"github.com/tourdesk/booking-backend/internal/repository"
	"github.com/tourdesk/booking-backend/internal/services"
	"github.com/tourdesk/booking-backend/pkg/utils"
)

// stores holds the repositories for the configured backend.
type stores struct {
	bookings repository.BookingRepository
	staff    repository.StaffRepository
	firebase *firebase.App
	closers  []func() error
}

func (s *stores) Close() {
	for _, c := range s.closers {
		_ = c()
	}
}

// openStores connects the configured backend. The Firebase app is initialized
// whenever credentials are present since auth and push use it too.
func openStores(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*stores, error) {
	st := &stores{}
	if cfg.Firebase.Enabled() {
		app, err := services.NewFirebaseApp(ctx, cfg.Firebase.ServiceAccountPath, cfg.Firebase.ProjectID)
		if err != nil {
			if cfg.StoreBackend == config.StoreBackendFirestore {
				return nil, err
			}
			logger.WithError(err).Warn("Firebase initialization failed, staff auth and push disabled")
		}
		st.firebase = app
	}

	switch cfg.StoreBackend {
	case config.StoreBackendPostgres:
		db, err := database.Connect(cfg.Database, logger)
		if err != nil {
			return nil, err
		}
		if err := database.RunMigrations(db); err != nil {
			return nil, fmt.Errorf("migration failed: %w", err)
		}
		if sqlDB, err := db.DB(); err == nil {
			st.closers = append(st.closers, sqlDB.Close)
		}
		st.bookings = repository.NewPostgresBookingRepository(db)
		st.staff = repository.NewPostgresStaffRepository(db)

	case config.StoreBackendFirestore:
		client, err := st.firebase.Firestore(ctx)
		if err != nil {
			return nil, fmt.Errorf("error getting firestore client: %w", err)
		}
		st.closers = append(st.closers, client.Close)
		st.bookings = repository.NewFirestoreBookingRepository(client)
		st.staff = repository.NewFirestoreStaffRepository(client)

	default:
		logger.Warn("Using the in-memory store, data is lost on restart")
		st.bookings = repository.NewMemoryBookingRepository()
		st.staff = repository.NewMemoryStaffRepository()
	}
	logger.WithField("store", cfg.StoreBackend).Info("Booking store ready")
	return st, nil
}

// server is the composition root of the serve command.
type server struct {
	cfg        *config.Config
	logger     *logrus.Logger
	stores     *stores
	hub        *services.Hub
	bookings   *services.BookingService
	reconciler *services.WebhookReconciler
	storage    *services.ReceiptStorage
	limiter    services.RateLimiter
	verifier   services.TokenVerifier
	relay      *services.RedisBookingPublisher
	health     handlers.HealthInfo
}

func newServer(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*server, error) {
	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	s := &server{
		cfg:    cfg,
		logger: logger,
		stores: st,
		hub:    services.NewHub(cfg.CORSOrigins, logger),
		health: handlers.HealthInfo{Store: cfg.StoreBackend, Realtime: "local", StartedAt: time.Now()},
	}

	rules := map[string]services.RateLimitRule{
		services.BucketSubmit: {Limit: cfg.SubmitRateLimit, Window: cfg.RateLimitWindow},
		services.BucketEmail:  {Limit: cfg.EmailRateLimit, Window: cfg.RateLimitWindow},
	}
	var events services.BookingPublisher = s.hub
	s.limiter = services.NewMemoryRateLimiter(rules)
	if cfg.RedisURL != "" {
		client, err := services.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.WithError(err).Warn("Redis unavailable, using in-process rate limits and updates")
		} else {
			st.closers = append(st.closers, client.Close)
			s.limiter = services.NewRedisRateLimiter(client, rules, logger)
			s.relay = services.NewRedisBookingPublisher(client, logger)
			events = s.relay
			s.health.Realtime = "redis"
		}
	}

	var pusher services.StaffPusher
	if st.firebase != nil {
		verifier, err := services.NewFirebaseIdentityVerifier(ctx, st.firebase)
		if err != nil {
			logger.WithError(err).Warn("Firebase auth unavailable, staff routes will reject every request")
		} else {
			s.verifier = verifier
		}
		messenger, err := services.NewFirebaseMessenger(ctx, st.firebase, cfg.Firebase.StaffTopic, logger)
		if err != nil {
			logger.WithError(err).Warn("Firebase messaging unavailable, staff push disabled")
		} else {
			pusher = messenger
		}
	} else {
		logger.Warn("Firebase not configured, staff routes will reject every request")
	}

	var mailer services.Mailer
	if cfg.SMTP.Enabled() {
		mailer = services.NewSMTPMailer(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.Username, cfg.SMTP.Password,
			cfg.SMTP.From, cfg.CompanyName, logger)
	} else {
		logger.Warn("SMTP not configured, emails are written to the log")
		mailer = services.NewLogMailer(logger)
	}

	var gateway services.PaymentGateway = services.DisabledGateway{}
	if cfg.Stripe.SecretKey != "" {
		gateway = services.NewStripeGateway(cfg.Stripe.SecretKey, logger)
		s.health.Payments = true
	} else {
		logger.Warn("STRIPE_SECRET_KEY not set, payment links cannot be issued")
	}

	s.storage, err = services.NewReceiptStorage(services.StorageOptions{
		AWSRegion: cfg.Storage.AWSRegion,
		S3Bucket:  cfg.Storage.S3Bucket,
		UploadDir: cfg.Storage.UploadDir,
		PublicURL: cfg.Storage.PublicURL,
	}, logger)
	if err != nil {
		st.Close()
		return nil, err
	}
	s.health.Storage = "local"
	if s.storage.UsingS3() {
		s.health.Storage = "s3"
	}

	codec := utils.NewLinkCodec(cfg.Links.SigningSecret, logger)
	templates := utils.NewEmailTemplates(utils.EmailBrand{
		CompanyName:  cfg.CompanyName,
		SiteURL:      cfg.SiteURL,
		SupportEmail: cfg.StaffNotificationEmail,
	}, cfg.Stripe.Currency)
	notifier := services.NewNotifier(mailer, pusher, templates, cfg.StaffNotificationEmail, logger)
	links := services.NewPaymentLinkService(gateway, codec, services.PaymentLinkConfig{
		Currency:          cfg.Stripe.Currency,
		LinkTTL:           cfg.Stripe.PaymentLinkTTL,
		PaymentSuccessTTL: cfg.Links.PaymentSuccessTTL,
		SiteURL:           cfg.SiteURL,
	}, logger)

	s.bookings = services.NewBookingService(st.bookings, links, codec, notifier, events, services.BookingServiceConfig{
		SiteURL:     cfg.SiteURL,
		FeedbackTTL: cfg.Links.FeedbackTTL,
	}, logger)
	s.reconciler = services.NewWebhookReconciler(st.bookings, s.bookings, cfg.Stripe.WebhookSecret, logger)
	return s, nil
}

func (s *server) router() *gin.Engine {
	if s.cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(middleware.ErrorDetails(!s.cfg.IsProduction()))

	corsConfig := cors.DefaultConfig()
	if len(s.cfg.CORSOrigins) == 0 || s.cfg.CORSOrigins[0] == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = s.cfg.CORSOrigins
	}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization", "Stripe-Signature"}
	r.Use(cors.New(corsConfig))

	if !s.storage.UsingS3() {
		r.Static("/uploads", s.cfg.Storage.UploadDir)
	}

	staffAuth := middleware.StaffAuth(s.verifier, s.stores.staff, s.logger)
	svc := s.bookings

	r.GET("/health", handlers.Health(s.health, s.hub))

	booking := r.Group("/booking")
	{
		// Public routes
		booking.POST("/submit", middleware.RateLimit(s.limiter, services.BucketSubmit), handlers.SubmitBooking(svc))
		booking.POST("/quote", handlers.QuotePrice())
		booking.POST("/client-feedback", handlers.ClientFeedback(svc))
		booking.GET("/verify-feedback-request", handlers.VerifyFeedbackRequest(svc))
		booking.POST("/verify-feedback-request", handlers.AcknowledgeFeedbackRequest(svc))
		booking.GET("/payment-success", handlers.PaymentSuccess(svc))

		// Staff routes
		booking.POST("/confirm-availability", staffAuth, handlers.ConfirmAvailability(svc))
		booking.POST("/confirm-booking", staffAuth, handlers.ConfirmBooking(svc))
		booking.POST("/confirm-payment", staffAuth, handlers.ConfirmPayment(svc))
		booking.POST("/schedule", staffAuth, handlers.ScheduleTours(svc))
		booking.POST("/complete", staffAuth, handlers.CompleteBooking(svc))
		booking.POST("/cancel", staffAuth, handlers.CancelBooking(svc))
		booking.POST("/receipts", staffAuth, handlers.UploadReceipt(svc, s.storage))
		booking.GET("", staffAuth, handlers.ListBookings(svc))
		booking.GET("/:id", staffAuth, handlers.GetBooking(svc))
	}

	r.POST("/stripe/create-payment-link", staffAuth, handlers.CreatePaymentLink(svc))
	r.POST("/webhooks/stripe", handlers.StripeWebhook(s.reconciler, s.logger))
	r.POST("/send-email", middleware.RateLimit(s.limiter, services.BucketEmail), staffAuth, handlers.SendEmail(svc))

	api := r.Group("/api", staffAuth)
	{
		api.GET("/ws", handlers.BookingBoard(s.hub, s.logger))
		api.GET("/staff/me", handlers.GetStaffProfile(s.stores.staff))
	}
	return r
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := newServer(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer s.stores.Close()

	go s.hub.Run(ctx)
	if s.relay != nil {
		go s.relay.Relay(ctx, s.hub)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           s.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.WithFields(logrus.Fields{"port": cfg.Port, "environment": cfg.Environment}).Info("Server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
