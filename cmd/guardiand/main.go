package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"guardian-backend/config"
	"guardian-backend/internal/alerting"
	"guardian-backend/internal/api"
	"guardian-backend/internal/bus"
	"guardian-backend/internal/db"
	"guardian-backend/internal/deviceauth"
	"guardian-backend/internal/events"
	"guardian-backend/internal/hub"
	"guardian-backend/internal/ingest"
	"guardian-backend/internal/liveness"
	"guardian-backend/internal/membership"
	"guardian-backend/internal/notification"
	"guardian-backend/internal/session"
	"guardian-backend/internal/store"
)

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	zcfg.Level = level
	return zcfg.Build()
}

func main() {
	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config/config.yaml" // Default path for local development
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration from %s: %v\n", configPath, err)
		os.Exit(1)
	}

	zl, err := newLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer zl.Sync()
	logger := zl.Sugar()
	logger.Infow("Configuration loaded", "path", configPath)

	// Initialize database
	gormDB, err := db.Init(&cfg.Database, cfg.Logging.Development, logger)
	if err != nil {
		logger.Fatalw("Failed to initialize database", "error", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = rdb.Ping(pingCtx).Err()
	pingCancel()
	if err != nil {
		logger.Fatalw("Failed to reach redis", "addr", cfg.Redis.Addr, "error", err)
	}

	sessions, err := session.NewAuthority(rdb, cfg.Session, logger.Named("session"))
	if err != nil {
		logger.Fatalw("Failed to initialize sessions", "error", err)
	}

	// Create a context that can be cancelled
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	appStore := store.NewGormStore(gormDB)
	members := membership.NewDirectory(appStore)
	realtime := hub.New(members, cfg.Hub.SendBuffer, logger.Named("hub"))
	alerts := alerting.NewManager(appStore, logger.Named("alerts"))

	var webpushOptions *webpush.Options
	var dispatcher alerting.Dispatcher
	if cfg.Push.PublicKey != "" && cfg.Push.PrivateKey != "" {
		webpushOptions = &webpush.Options{
			VAPIDPublicKey:  cfg.Push.PublicKey,
			VAPIDPrivateKey: cfg.Push.PrivateKey,
			Subscriber:      cfg.Push.Subject,
			TTL:             cfg.Push.TTL,
		}
		pool := notification.NewWorkerPool(cfg.WorkerPool.Size, appStore, alerts, webpushOptions, logger.Named("push"))
		pool.Start(ctx)
		dispatcher = pool
	} else {
		logger.Warn("VAPID keys are not configured, web push notifications are disabled")
	}

	devices := deviceauth.NewAuthorizer(appStore, time.Duration(cfg.AuthCache.TTLMinutes)*time.Minute, logger.Named("deviceauth"))
	recorder := events.NewRecorder(appStore, realtime, logger.Named("events"))
	generator := alerting.NewGenerator(appStore, realtime, dispatcher, logger.Named("alerts"))
	tracker := liveness.NewTracker(appStore, realtime, cfg.Liveness, logger.Named("liveness"))
	go tracker.Run(ctx)

	router := ingest.NewRouter(cfg.MQTT.TopicPrefix, cfg.MQTT.HandlerTimeout, devices, recorder, generator, tracker, logger.Named("ingest"))
	mqttClient := bus.New(cfg.MQTT, router.Handle, logger.Named("mqtt"))
	go func() {
		if err := mqttClient.Connect(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Errorw("MQTT client gave up connecting", "error", err)
		}
	}()

	// Initialize router
	engine := api.NewRouter(api.Deps{
		Store:          appStore,
		Sessions:       sessions,
		Alerts:         alerts,
		Liveness:       tracker,
		Members:        members,
		Devices:        devices,
		Hub:            realtime,
		Broker:         mqttClient,
		Webpush:        webpushOptions,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Logger:         logger.Named("http"),
	}, cfg.Server)
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: engine,
	}

	// Start the server in a goroutine
	go func() {
		logger.Infow("HTTP server starting", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalw("HTTP server ListenAndServe", "error", err)
		}
	}()

	// Setup signal handling for graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	// Block until a signal is received.
	<-stop
	logger.Info("Shutdown signal received, stopping services...")

	mqttClient.Disconnect()
	cancel()

	// Create a deadline to wait for.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorw("HTTP server Shutdown", "error", err)
	}

	logger.Info("Server gracefully stopped")
}
