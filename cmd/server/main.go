package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/contentgrid/billing-service-api/internal/config"
	"github.com/contentgrid/billing-service-api/internal/handler"
	"github.com/contentgrid/billing-service-api/internal/handler/middleware"
	"github.com/contentgrid/billing-service-api/internal/ierr"
	"github.com/contentgrid/billing-service-api/internal/quota"
	"github.com/contentgrid/billing-service-api/internal/service"
	"github.com/contentgrid/billing-service-api/internal/storage/postgres"
	storeredis "github.com/contentgrid/billing-service-api/internal/storage/redis"
	"github.com/contentgrid/billing-service-api/internal/worker"
	"github.com/contentgrid/billing-service-api/pkg/logger"
)

func main() {
	configPath := flag.String("config", "./configs/config.dev.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	appLogger, err := logger.NewZapLogger(cfg.Log.Level)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer appLogger.Sync()

	sugarLogger := appLogger.Sugar()
	sugarLogger.Info("Starting application...")

	if cfg.Auth.BypassToken != "" {
		appLogger.Warn("Static bypass token is ENABLED; this must never be the case in production")
	}

	appCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbPool, err := postgres.NewPgxPool(appCtx, &cfg.Database, appLogger)
	if err != nil {
		sugarLogger.Fatalf("Failed to connect to PostgreSQL: %v", err)
	}
	defer dbPool.Close()

	redisClient, err := storeredis.NewRedisClient(appCtx, &cfg.Redis, appLogger)
	if err != nil {
		sugarLogger.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()

	apiKeyRepo := postgres.NewAPIKeyRepository(dbPool, appLogger)
	userDirectory := postgres.NewUserDirectory(dbPool, appLogger)
	eventLog := postgres.NewWebhookEventRepository(dbPool, appLogger)

	counterStore := storeredis.NewCounterStore(redisClient)
	stateStore := storeredis.NewStateStore(redisClient)

	stateCache := quota.NewStateCache(stateStore, cfg.Auth.StateTTL, appLogger)
	fastPath := quota.NewFastPath(counterStore, apiKeyRepo, stateCache, cfg.Auth.FlushEvery, cfg.Auth.CounterTTL, appLogger)
	fallbackPath := quota.NewFallbackPath(apiKeyRepo, stateCache, appLogger)
	counter := quota.NewCounter(fastPath, fallbackPath, counterStore, appLogger)

	authService := service.NewAuthService(apiKeyRepo, stateCache, counter, cfg.Auth, appLogger)
	apiKeyService := service.NewAPIKeyService(apiKeyRepo, userDirectory, stateCache, counter, cfg.Auth, appLogger)
	adminService := service.NewAdminAuthService(cfg.Admin, appLogger)

	healthHandler := handler.NewHealthHandler(dbPool, redisClient, appLogger)
	authHandler := handler.NewAuthHandler(adminService, appLogger)
	apiKeyHandler := handler.NewAPIKeyHandler(apiKeyService, appLogger)
	billingHandler := handler.NewBillingHandler(authService, apiKeyService, eventLog, appLogger)
	dashboardHandler := handler.NewDashboardHandler(apiKeyService, appLogger)
	rewriteHandler := handler.NewRewriteHandler(appLogger)

	apiKeyAuthMiddleware := middleware.APIKeyAuthMiddleware(authService, appLogger)
	adminAuthMiddleware := middleware.AdminAuthMiddleware(adminService, appLogger)
	errorMiddleware := middleware.ErrorHandlerMiddleware(appLogger)

	router := gin.New()
	router.Use(gin.LoggerWithFormatter(func(param gin.LogFormatterParams) string {
		return fmt.Sprintf("%s - [%s] \"%s %s %s %d %s \"%s\" %s\"\n",
			param.ClientIP,
			param.TimeStamp.Format(time.RFC1123),
			param.Method,
			param.Path,
			param.Request.Proto,
			param.StatusCode,
			param.Latency,
			param.Request.UserAgent(),
			param.ErrorMessage,
		)
	}))
	router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logMsg := "Panic recovered"
		if err, ok := recovered.(string); ok {
			logMsg = fmt.Sprintf("%s: %s", logMsg, err)
		} else if err, ok := recovered.(error); ok {
			logMsg = fmt.Sprintf("%s: %v", logMsg, err)
		}
		appLogger.Error(logMsg, zap.Stack("stack"))

		_ = c.Error(ierr.ErrInternalServer)
		c.Abort()
	}))

	corsConfig := cors.Config{
		AllowOrigins: cfg.Server.CORSOrigins,
		AllowMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders: []string{
			"Origin",
			"Content-Type",
			"Accept",
			"Authorization",
		},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	router.Use(cors.New(corsConfig))
	router.Use(errorMiddleware)

	router.GET("/healthz", healthHandler.Check)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authRoutes := router.Group("/api/v1/auth")
	{
		authRoutes.POST("/login", authHandler.Login)
	}

	apiV1 := router.Group("/api/v1")
	{
		keyRoutes := apiV1.Group("/keys")
		{
			keyRoutes.POST("/verify", billingHandler.VerifyKey)
		}

		// Protected by API key: the downstream content feature.
		apiV1.POST("/rewrite", apiKeyAuthMiddleware, rewriteHandler.Rewrite)

		adminRoutes := apiV1.Group("/admin")
		adminRoutes.Use(adminAuthMiddleware)
		{
			adminRoutes.POST("/keys/trial", apiKeyHandler.IssueTrial)
			adminRoutes.POST("/keys/revoke", apiKeyHandler.RevokeAll)
			adminRoutes.GET("/keys/user/:userID", apiKeyHandler.GetForUser)
			adminRoutes.POST("/keys/user/:userID/reset", apiKeyHandler.ResetUsage)
			adminRoutes.GET("/summary", dashboardHandler.GetSummary)
		}
	}

	// Collaborator events: reachable only from the internal network, so
	// they sit outside /api/v1 and carry no end-user auth.
	internalV1 := router.Group("/internal/v1/events")
	{
		internalV1.POST("/user-created", billingHandler.UserCreated)
		internalV1.POST("/subscription-active", billingHandler.SubscriptionActive)
	}

	g, groupCtx := errgroup.WithContext(appCtx)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g.Go(func() error {
		sugarLogger.Infof("HTTP server listening on port %s", cfg.Server.Port)

		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-groupCtx.Done()
		sugarLogger.Info("Shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownPeriod)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown error: %w", err)
		}
		sugarLogger.Info("HTTP server shutdown complete.")
		return nil
	})

	g.Go(func() error {
		if err := worker.RunWorkers(groupCtx, cfg, apiKeyRepo, counter, appLogger); err != nil {
			return fmt.Errorf("asynq worker error: %w", err)
		}
		sugarLogger.Info("Asynq workers finished gracefully.")
		return nil
	})

	sugarLogger.Info("Application started. Waiting for interrupt signal or component error...")

	waitErr := g.Wait()

	if waitErr != nil && !errors.Is(waitErr, context.Canceled) {
		sugarLogger.Errorf("Application shutdown finished with error: %v", waitErr)
	} else {
		sugarLogger.Info("Application shutdown successfully.")
	}
}
