package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tidylists/listshare/internal/config"
	"github.com/tidylists/listshare/internal/database"
	"github.com/tidylists/listshare/internal/handlers"
	"github.com/tidylists/listshare/internal/logging"
	"github.com/tidylists/listshare/internal/middleware"
	"github.com/tidylists/listshare/internal/services"
)

func main() {
	if err := run(); err != nil {
		logging.Error("Application error", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
}

func run() error {
	// Initialize logger
	logger := logging.New()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger.Info("Starting listshare server...")

	// Connect to PostgreSQL
	logger.Info("Connecting to PostgreSQL", map[string]interface{}{
		"host": cfg.Database.Host,
		"port": cfg.Database.Port,
	})
	db, err := database.NewPostgresDB(cfg.Database.DSN())
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	defer db.Close()
	logger.Info("Connected to PostgreSQL")

	// Run migrations
	logger.Info("Running database migrations...")
	migrator, err := database.NewMigrator(cfg.Database.DSN(), "migrations")
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}
	if err := migrator.Up(); err != nil {
		_ = migrator.Close()
		return fmt.Errorf("running migrations: %w", err)
	}
	_ = migrator.Close()
	logger.Info("Migrations completed")

	// Connect to Redis
	logger.Info("Connecting to Redis", map[string]interface{}{
		"addr": cfg.Redis.Addr(),
	})
	redisDB, err := database.NewRedisDB(cfg.Redis.Addr(), cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() { _ = redisDB.Close() }()
	logger.Info("Connected to Redis")

	// Initialize services
	dbAdapter := services.NewPoolAdapter(db.Pool)
	invitationRepo := services.NewPostgresInvitationRepository(dbAdapter)

	inviteLimiter := services.NewRateLimiter(
		services.NewRedisRateLimitStore(redisDB.Client, "ratelimit:"),
		int64(cfg.RateLimit.InviteLimit),
		cfg.RateLimit.InviteWindow,
	)

	invitationService := services.NewInvitationService(invitationRepo, inviteLimiter).
		WithTokenTTL(cfg.Invite.TokenTTL)
	userService := services.NewUserService(db.Pool)
	listService := services.NewListService(db.Pool)
	mailer := services.NewInvitationMailer(&cfg.Email)

	verifier, err := services.NewWebhookVerifier(cfg.Email.ResendWebhookSecret)
	if err != nil {
		return fmt.Errorf("configuring webhook verifier: %w", err)
	}
	reconciler := services.NewWebhookReconciler(verifier, invitationService)

	// Initialize handlers
	healthHandler := handlers.NewHealthHandler(db, redisDB)
	invitationHandler := handlers.NewInvitationHandler(invitationService, listService, userService, mailer)
	webhookHandler := handlers.NewWebhookHandler(reconciler)

	// Initialize middleware
	principalMiddleware := middleware.NewPrincipalMiddleware()
	securityHeaders := middleware.NewSecurityHeaders(cfg.Server.Environment == "production")
	requestLogger := middleware.NewRequestLogger(logger)
	apiRateLimiter := middleware.NewAPIRateLimiter(redisDB.Client)
	consumeRateLimiter := middleware.NewConsumeRateLimiter(redisDB.Client)

	requirePrincipal := principalMiddleware.RequirePrincipal
	api := func(h http.HandlerFunc) http.Handler {
		return apiRateLimiter.Middleware(requirePrincipal(h))
	}

	// Set up router
	mux := http.NewServeMux()

	// Health endpoints (no auth, no rate limit)
	mux.HandleFunc("GET /health", healthHandler.Health)
	mux.HandleFunc("GET /ready", healthHandler.Ready)
	mux.HandleFunc("GET /live", healthHandler.Live)

	// Invitation lifecycle endpoints (list owner)
	mux.Handle("POST /api/lists/{listID}/invitations", api(invitationHandler.Create))
	mux.Handle("GET /api/lists/{listID}/invitations", api(invitationHandler.List))
	mux.Handle("POST /api/lists/{listID}/invitations/{id}/resend", api(invitationHandler.Resend))
	mux.Handle("DELETE /api/lists/{listID}/invitations/{id}", api(invitationHandler.Revoke))
	mux.Handle("POST /api/lists/{listID}/invitations/{id}/approve", api(invitationHandler.Approve))
	mux.Handle("POST /api/lists/{listID}/invitations/{id}/reject", api(invitationHandler.Reject))

	// Token redemption (invited party)
	mux.Handle("POST /api/invitations/consume", requirePrincipal(consumeRateLimiter.Middleware(http.HandlerFunc(invitationHandler.Consume))))

	// Email provider delivery events (signature-authenticated, no principal)
	mux.HandleFunc("POST /webhooks/resend", webhookHandler.ResendDelivery)

	// Build middleware chain (order matters: outermost first)
	var handler http.Handler = mux
	handler = principalMiddleware.Extract(handler)
	handler = securityHeaders.Apply(handler)
	handler = requestLogger.Apply(handler)

	// Background expiry sweep
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	if cfg.Sweep.Enabled {
		go runExpirySweep(sweepCtx, invitationService, cfg.Sweep.Interval, logger)
	}

	// Create server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	done := make(chan bool, 1)
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		logger.Info("Server is shutting down...")
		stopSweep()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		server.SetKeepAlivesEnabled(false)
		if err := server.Shutdown(ctx); err != nil {
			logger.Error("Could not gracefully shutdown the server", map[string]interface{}{
				"error": err.Error(),
			})
		}
		close(done)
	}()

	logger.Info("Server listening", map[string]interface{}{
		"addr": addr,
	})
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	<-done
	logger.Info("Server stopped")
	return nil
}

// runExpirySweep periodically marks stale sent invitations expired. Expiry is
// also applied lazily on consume, so the sweep only tidies rows nobody
// touches.
func runExpirySweep(ctx context.Context, invitations *services.InvitationService, interval time.Duration, logger *logging.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := invitations.ExpireStale(ctx)
			if err != nil {
				logger.Error("Expiry sweep failed", map[string]interface{}{"error": err.Error()})
				continue
			}
			if n > 0 {
				logger.Info("Expired stale invitations", map[string]interface{}{"count": n})
			}
		}
	}
}
