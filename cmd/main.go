package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"gorm.io/gorm"

	"quote-approval-service/internal/clients"
	"quote-approval-service/internal/config"
	"quote-approval-service/internal/events"
	"quote-approval-service/internal/handlers"
	"quote-approval-service/internal/jobs"
	"quote-approval-service/internal/middleware"
	"quote-approval-service/internal/models"
	"quote-approval-service/internal/notifications"
	"quote-approval-service/internal/repository"
	"quote-approval-service/internal/seeders"
	"quote-approval-service/internal/services"
)

// @title Quote Approval Service API
// @version 1.0
// @description Quote approval and escalation engine: workflow selection, multi-level approval chains, reminders, escalation and notification dispatch
// @BasePath /api/v1
func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	if err := godotenv.Load(); err != nil {
		logger.Info("No .env file found, using environment variables")
	}

	cfg := config.Load()

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		logger.SetLevel(logrus.DebugLevel)
	}

	db, err := config.InitDB(cfg)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to database")
	}

	if err := db.AutoMigrate(
		&models.Quote{},
		&models.ApprovalWorkflow{},
		&models.QuoteApproval{},
		&models.ApprovalAuditLog{},
		&models.ApprovalDelegation{},
		&models.NotificationRule{},
		&models.NotificationLog{},
	); err != nil {
		logger.WithError(err).Fatal("Failed to migrate database")
	}

	if err := seeders.SeedSystemDefaults(db, logger); err != nil {
		logger.WithError(err).Fatal("Failed to seed system defaults")
	}

	// Redis backs notification dedup and rate limiting; without it the
	// in-memory store keeps the service functional on a single instance.
	var dedupStore notifications.DedupStore = notifications.NewMemoryStore()
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.WithError(err).Warn("Invalid REDIS_URL, falling back to in-memory dedup store")
		} else {
			redisClient := redis.NewClient(opts)
			pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			if err := redisClient.Ping(pingCtx).Err(); err != nil {
				logger.WithError(err).Warn("Redis unavailable, falling back to in-memory dedup store")
			} else {
				dedupStore = notifications.NewRedisStore(redisClient)
				logger.Info("Connected to Redis")
			}
			cancel()
		}
	}

	var publisher *events.Publisher
	if cfg.NATSURL != "" {
		publisher, err = events.NewPublisher(cfg.NATSURL, logger)
		if err != nil {
			logger.WithError(err).Warn("NATS unavailable, lifecycle events will not be published")
			publisher = nil
		} else {
			defer publisher.Close()
			logger.Info("Connected to NATS")
		}
	}

	approvalRepo := repository.NewApprovalRepository(db)
	notificationRepo := repository.NewNotificationRepository(db)

	directoryClient := clients.NewDirectoryClient(cfg.DirectoryServiceURL)
	deliveryClient := clients.NewDeliveryClient(cfg.DeliveryServiceURL)

	dispatcher := notifications.NewDispatcher(notificationRepo, dedupStore, deliveryClient, directoryClient, logger)
	selector := services.NewWorkflowSelector(approvalRepo, logger)
	approvalService := services.NewApprovalService(approvalRepo, selector, directoryClient, dispatcher, publisher, logger)
	escalationService := services.NewEscalationService(approvalRepo, directoryClient, dispatcher, publisher, logger)

	jobCtx, cancelJob := context.WithCancel(context.Background())
	escalationJob := jobs.NewEscalationJob(
		escalationService,
		dispatcher,
		time.Duration(cfg.TickIntervalMinutes)*time.Minute,
		logger,
	)
	go escalationJob.Start(jobCtx)

	router := setupRouter(cfg, db, approvalService, notificationRepo, logger)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logger.WithField("port", cfg.Port).Info("Starting quote approval service")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	cancelJob()
	escalationJob.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.WithError(err).Fatal("Server forced to shutdown")
	}
	logger.Info("Server exited")
}

func setupRouter(
	cfg *config.Config,
	db *gorm.DB,
	approvalService *services.ApprovalService,
	notificationRepo repository.NotificationRepositoryInterface,
	logger *logrus.Logger,
) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS())
	router.Use(middleware.TenantMiddleware())
	router.Use(middleware.AuthMiddleware(cfg.JWTSecret))

	healthHandler := handlers.NewHealthHandler(db)
	quoteHandler := handlers.NewQuoteHandler(approvalService, logger)
	approvalHandler := handlers.NewApprovalHandler(approvalService, logger)
	workflowHandler := handlers.NewWorkflowHandler(approvalService, notificationRepo, logger)

	router.GET("/health", healthHandler.Health)
	router.GET("/ready", healthHandler.Ready)
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	v1 := router.Group("/api/v1")
	{
		quotes := v1.Group("/quotes")
		{
			quotes.POST("", quoteHandler.CreateQuote)
			quotes.GET("/:id", quoteHandler.GetQuote)
			quotes.PUT("/:id", quoteHandler.UpdateQuote)
			quotes.POST("/:id/submit", quoteHandler.SubmitQuote)
			quotes.POST("/:id/resubmit", quoteHandler.ResubmitQuote)
			quotes.GET("/:id/approvals", quoteHandler.GetChainStatus)
			quotes.GET("/:id/history", quoteHandler.GetQuoteHistory)
		}

		approvals := v1.Group("/approvals")
		{
			approvals.GET("/pending", approvalHandler.ListPending)
			approvals.POST("/:id/approve", approvalHandler.Approve)
			approvals.POST("/:id/reject", approvalHandler.Reject)
			approvals.POST("/:id/delegate", approvalHandler.Delegate)
		}

		v1.POST("/delegations", approvalHandler.CreateDelegation)

		workflows := v1.Group("/workflows")
		{
			workflows.GET("", workflowHandler.ListWorkflows)
			workflows.POST("", workflowHandler.CreateWorkflow)
			workflows.GET("/:id", workflowHandler.GetWorkflow)
			workflows.PUT("/:id", workflowHandler.UpdateWorkflow)
		}

		v1.GET("/notification-rules", workflowHandler.ListNotificationRules)
		v1.POST("/notification-rules", workflowHandler.CreateNotificationRule)
		v1.GET("/notifications/stats", workflowHandler.NotificationStats)
	}

	return router
}
