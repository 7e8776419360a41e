// Package main runs the event and payroll HTTP server with WebSocket metrics and graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/redlegion/eventpay/config"
	"github.com/redlegion/eventpay/internal/auth"
	"github.com/redlegion/eventpay/internal/events"
	"github.com/redlegion/eventpay/internal/middleware"
	"github.com/redlegion/eventpay/internal/models"
	"github.com/redlegion/eventpay/internal/payroll"
	"github.com/redlegion/eventpay/internal/presence"
	"github.com/redlegion/eventpay/internal/pricing"
	"github.com/redlegion/eventpay/internal/realtime"
	"github.com/redlegion/eventpay/internal/tracker"
	"github.com/redlegion/eventpay/pkg/database"
	"github.com/redlegion/eventpay/pkg/keylock"
	"github.com/redlegion/eventpay/pkg/queue"
	"github.com/redlegion/eventpay/pkg/redis"
	"github.com/redlegion/eventpay/pkg/response"
	"github.com/redlegion/eventpay/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), cfg.Database.MaxConns, logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool, logger); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	redisPubSub := realtime.NewRedisPubSub(rdb.Client, logger)
	hub := realtime.NewHub(logger, redisPubSub, redisPubSub)
	jobQueue := queue.NewQueue(rdb.Client, logger)

	// Start, close and payroll writes of one event are serialized in-process on top of the row locks.
	eventLocks := keylock.New()

	eventRepo := events.NewRepository(pool)
	presenceRepo := presence.NewRepository(pool)
	payrollRepo := payroll.NewRepository(pool)

	// Presence
	presenceSvc := presence.NewService(presenceRepo, eventRepo,
		presence.WithPublisher(hub),
		presence.WithLogger(logger),
	)

	// Tracker
	eventOpts := []events.Option{events.WithPublisher(hub), events.WithLogger(logger), events.WithNotifyTimeout(cfg.Tracker.Timeout)}
	var statusReporter tracker.StatusReporter
	var channelLister tracker.ChannelLister
	var bridge *tracker.Bridge
	switch cfg.Tracker.Mode {
	case config.TrackerModeHTTP:
		// commands are delivered by cmd/worker so a slow bot never holds up lifecycle calls
		eventOpts = append(eventOpts, events.WithNotifier(jobQueue))
		trackerClient := tracker.NewClient(cfg.Tracker.BotAPIURL, cfg.Tracker.Timeout, logger)
		statusReporter = trackerClient
		channelLister = trackerClient
	case config.TrackerModeDiscord:
		bridge, err = tracker.NewBridge(cfg.Discord.Token, cfg.Discord.GuildID, presenceSvc, cfg.Tracker.Timeout, logger)
		if err != nil {
			logger.Fatal("discord bridge", zap.Error(err))
		}
		if err := bridge.Open(); err != nil {
			logger.Fatal("discord bridge", zap.Error(err))
		}
		defer bridge.Close()
		eventOpts = append(eventOpts, events.WithNotifier(bridge))
		statusReporter = bridge
		channelLister = bridge
	default:
		logger.Warn("presence tracking disabled, reports only arrive through /tracker/presence")
	}
	eventSvc := events.NewService(eventRepo, presenceSvc, eventLocks, eventOpts...)
	if bridge != nil {
		resumeTracking(ctx, eventSvc, bridge, logger)
	}

	// Pricing
	priceSvc := pricing.NewService(
		pricing.NewHTTPSource(cfg.Pricing.BotAPIURL, cfg.Pricing.Timeout),
		pricing.NewRedisCache(rdb.Client, cfg.Pricing.CacheTTL),
		logger,
	)

	// Payroll (archive of finalized payrolls to S3 through the worker)
	payrollOpts := []payroll.Option{payroll.WithScale(cfg.Engine.CurrencyDecimals), payroll.WithLogger(logger)}
	var archive payroll.ArchiveLinker
	if cfg.AWS.ArchiveEnabled {
		s3Client, err := storage.NewS3(ctx, storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			ArchiveBucket:        cfg.AWS.ArchiveBucket,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}, logger)
		if err != nil {
			logger.Warn("s3 disabled", zap.Error(err))
		} else {
			archive = s3Client
			payrollOpts = append(payrollOpts, payroll.WithArchiver(jobQueue))
		}
	}
	payrollSvc := payroll.NewService(payrollRepo, eventRepo, presenceSvc, priceSvc, eventLocks, payrollOpts...)

	eventHandler := events.NewHandler(eventSvc)
	presenceHandler := presence.NewHandler(presenceSvc)
	payrollHandler := payroll.NewHandler(payrollSvc, archive)
	pricingHandler := pricing.NewHandler(priceSvc)
	channelDir := tracker.NewDirectory(channelLister, tracker.NewRepository(pool), cfg.Discord.GuildID, logger)
	trackerHandler := tracker.NewHandler(statusReporter, channelDir)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	// Health
	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })

	// Presence reports from the tracker bot (shared key, no JWT)
	router.POST("/tracker/presence", middleware.TrackerKey(cfg.Tracker.APIKeyHash), presenceHandler.Report)

	// Protected API (JWT required)
	manage := middleware.RequireRole(auth.RoleOrganizer, auth.RoleAdmin)
	api := router.Group("")
	api.Use(middleware.JWT(jwtService))
	{
		// Events
		api.GET("/events", eventHandler.List)
		api.GET("/events/scheduled", eventHandler.ListScheduled)
		api.POST("/events", manage, eventHandler.Create)
		api.GET("/events/:id", eventHandler.Get)
		api.PATCH("/events/:id/channels", manage, eventHandler.UpdateChannels)
		api.POST("/events/:id/start", manage, eventHandler.Start)
		api.POST("/events/:id/close", manage, eventHandler.Close)
		api.DELETE("/events/:id", middleware.RequireRole(auth.RoleAdmin), eventHandler.Delete)

		// Participation
		api.GET("/events/:id/metrics", presenceHandler.Metrics)
		api.GET("/events/:id/participants", presenceHandler.Participants)
		api.GET("/events/:id/history", presenceHandler.History)

		// Payroll
		api.POST("/events/:id/payroll/calculate", manage, payrollHandler.Calculate)
		api.POST("/events/:id/payroll/finalize", manage, payrollHandler.Finalize)
		api.GET("/events/:id/payroll", payrollHandler.Summary)
		api.GET("/events/:id/payroll/export", payrollHandler.Export)
		api.GET("/events/:id/payroll/archive", payrollHandler.Archive)

		// Prices
		api.GET("/prices", pricingHandler.Prices)
		api.GET("/prices/locations", pricingHandler.Locations)
		api.POST("/admin/prices/refresh", middleware.RequireRole(auth.RoleAdmin), pricingHandler.Refresh)

		api.GET("/tracker/status", middleware.RequireRole(auth.RoleAdmin), trackerHandler.Status)
		api.GET("/tracker/channels", manage, trackerHandler.Channels)
		api.POST("/tracker/channels/sync", middleware.RequireRole(auth.RoleAdmin), trackerHandler.SyncChannels)
	}

	// WebSocket (token in query; no Authorization header required)
	router.GET("/ws", realtime.ServeWs(hub, logger, jwtService.ValidateWS, presenceSvc.LiveMetrics))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	// Auto-start sweep for scheduled events
	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	defer sweepCancel()
	go runAutoStart(sweepCtx, eventSvc, cfg.Engine.AutoStartInterval, logger)

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port), zap.String("tracker_mode", cfg.Tracker.Mode))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	sweepCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	eventSvc.Wait()
	logger.Info("server stopped")
}

func runAutoStart(ctx context.Context, svc *events.Service, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := svc.AutoStart(ctx)
			if err != nil {
				logger.Error("autostart sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("autostart sweep", zap.Int("started", n))
			}
		}
	}
}

// resumeTracking re-attaches the in-process bridge to events that were live before a restart.
func resumeTracking(ctx context.Context, svc *events.Service, bridge *tracker.Bridge, logger *zap.Logger) {
	live := models.EventLive
	items, err := svc.List(ctx, models.EventFilter{Status: &live})
	if err != nil {
		logger.Error("list live events", zap.Error(err))
		return
	}
	for i := range items {
		ev := items[i].Event
		if err := bridge.BeginTracking(ctx, &ev); err != nil {
			logger.Warn("resume tracking failed", zap.String("event_id", ev.ID), zap.Error(err))
		}
	}
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
