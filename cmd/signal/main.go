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

	"callcore/internal/core/services"
	httphandlers "callcore/internal/handlers/http"
	"callcore/internal/infrastructure/distributed"
	"callcore/internal/infrastructure/middleware"
	"callcore/internal/infrastructure/monitoring"
	"callcore/internal/infrastructure/repositories"
	relay "callcore/internal/infrastructure/signal"
	"callcore/pkg/config"
	"callcore/pkg/logger"
	"callcore/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, path, err := config.LoadFirst(
		os.Getenv("CALLCORE_CONFIG"),
		"configs/config.yaml",
		"/etc/callcore/config.yaml",
		"config.yaml",
	)

	if err != nil {
		logger.NewSugared("info").Fatalw("failed to load config", "error", err)
	}

	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	if path != "" {
		log.Infow("loaded config", "path", path)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "callcore-signal",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	repoFactory, err := repositories.NewRepositoryFactory(ctx, cfg, log)
	if err != nil {
		log.Fatalw("failed to create repository factory", "error", err)
	}
	rooms := repoFactory.CreateRoomRepository()
	tokens := services.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)

	collector := monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)
	wsServer := relay.NewWebSocketServer(rooms, tokens, relay.OptionsFromConfig(cfg), log)
	wsServer.SetMetrics(collector)

	g, gctx := errgroup.WithContext(ctx)

	var fanout *distributed.EventBus
	if client := repoFactory.RedisClient(); client != nil {
		fanout = distributed.NewEventBus(client, uuid.NewString(), log)
		wsServer.SetFanout(fanout)
		// Losing the subscription degrades the relay to local delivery; it
		// does not take the server down.
		g.Go(func() error {
			if err := wsServer.RunFanout(gctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Errorw("relay fan-out stopped", "error", err)
			}
			return nil
		})
		log.Infow("relay fan-out enabled", "instance_id", fanout.InstanceID())
	}

	checker := monitoring.NewHealthChecker()
	checker.AddRepositoryCheck(rooms, 30*time.Second, 2*time.Second)
	if client := repoFactory.RedisClient(); client != nil {
		checker.AddRedisCheck(client, 30*time.Second, 2*time.Second)
	}
	checker.StartBackgroundChecks(gctx, log)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	limiter := middleware.NewRateLimiter(cfg)
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.ErrorHandlerMiddleware(log),
		limiter.PerIP(),
	)

	router.GET("/ws", gin.WrapF(wsServer.HandleWebSocket))
	httphandlers.NewAuthHandler(tokens, cfg.Signal.URL).SetupRoutes(router, limiter.PerToken())
	httphandlers.NewRoomHandler(wsServer, tokens, log).SetupRoutes(router, limiter.PerToken())
	httphandlers.NewHealthHandler(checker, func() any { return wsServer.Stats() }).
		SetupRoutes(router, cfg.Monitoring.PrometheusEnabled)

	srv := &http.Server{
		Addr:        cfg.Signal.Address,
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeout,
		// WebSocket connections outlive any write timeout; the relay sets
		// its own per-frame deadlines.
	}

	g.Go(func() error {
		log.Infow("starting signaling relay", "address", cfg.Signal.Address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("signaling relay: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Infow("shutting down signaling relay")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Signal.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Errorw("error during server shutdown", "error", err)
			_ = srv.Close()
		}
		if err := wsServer.Shutdown(shutdownCtx); err != nil {
			log.Warnw("signaling connections did not drain", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Errorw("server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Signal.ShutdownTimeout)
	defer cancel()

	if fanout != nil {
		if err := fanout.Close(); err != nil {
			log.Warnw("error closing fan-out", "error", err)
		}
	}
	if err := repoFactory.Close(); err != nil {
		log.Errorw("error closing repository factory", "error", err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Warnw("error flushing traces", "error", err)
	}

	log.Info("signaling relay stopped")
}
