package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	httpSwagger "github.com/swaggo/http-swagger"

	_ "github.com/princekumarofficial/uploads-service/docs"
	"github.com/princekumarofficial/uploads-service/internal/app"
	"github.com/princekumarofficial/uploads-service/internal/audit"
	"github.com/princekumarofficial/uploads-service/internal/cache"
	"github.com/princekumarofficial/uploads-service/internal/commit"
	"github.com/princekumarofficial/uploads-service/internal/config"
	"github.com/princekumarofficial/uploads-service/internal/events"
	filesHandler "github.com/princekumarofficial/uploads-service/internal/http/handlers/files"
	"github.com/princekumarofficial/uploads-service/internal/http/handlers/uploads"
	wsHandler "github.com/princekumarofficial/uploads-service/internal/http/handlers/websocket"
	"github.com/princekumarofficial/uploads-service/internal/http/middleware"
	"github.com/princekumarofficial/uploads-service/internal/metrics"
	"github.com/princekumarofficial/uploads-service/internal/ratelimit"
	uploadsService "github.com/princekumarofficial/uploads-service/internal/services/uploads"
	"github.com/princekumarofficial/uploads-service/internal/storage/blob"
	"github.com/princekumarofficial/uploads-service/internal/sweeper"
	"github.com/princekumarofficial/uploads-service/internal/utils/response"
	"github.com/princekumarofficial/uploads-service/internal/websocket"
)

// @title Uploads Service API
// @version 1.0
// @description Resumable chunked uploads with content-addressed storage.
// @BasePath /
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
func main() {
	// load config
	cfg := config.MustLoad()

	logger := newLogger(cfg.Env)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// redis backs rate limiting and the object cache on every node
	redisClient := app.NewRedisClient(cfg.Redis)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatal("Failed to connect to Redis:", err)
	}
	slog.Info("Connected to Redis", slog.String("addr", cfg.Redis.Addr))

	backends, err := app.Open(ctx, cfg, redisClient)
	if err != nil {
		log.Fatal("Failed to initialize storage:", err)
	}
	defer backends.Close()

	m := metrics.Init(nil)
	auditLog := audit.NewLogger(zerolog.New(os.Stdout).With().Timestamp().Str("stream", "audit").Logger())

	hub := websocket.NewHub()
	go hub.Run(ctx)

	manager := app.NewManager(cfg.Uploads, backends.Sessions, backends.Chunks, logger)
	engine := commit.NewEngine(manager, backends.Chunks, backends.Blobs, backends.Index,
		cfg.Uploads.CommitTimeout, commit.WithLogger(logger))
	service := uploadsService.NewService(manager, backends.Chunks, engine,
		uploadsService.WithPublisher(events.NewEventPublisher(hub)),
		uploadsService.WithAudit(auditLog),
		uploadsService.WithMetrics(m),
		uploadsService.WithLogger(logger))

	if cfg.Uploads.SweeperEnabled {
		opts := []sweeper.Option{
			sweeper.WithLogger(logger),
			sweeper.OnExpired(service.OnExpired),
		}
		// staging is local to this process, so only its own sweeper clears it
		if p, ok := backends.Blobs.(blob.StagingPurger); ok {
			opts = append(opts, sweeper.WithStagingPurge(p, 2*cfg.Uploads.CommitTimeout))
		}
		sw := sweeper.New(manager, cfg.Uploads.SweepInterval, cfg.Uploads.ExpiredRetention, opts...)
		go sw.Start(ctx)
	}

	// setup router
	router := http.NewServeMux()
	auth := middleware.AuthMiddleware(cfg.JWTSecret)
	limits := middleware.NewRateLimitConfig(redisClient, cfg.RateLimit)
	h := uploads.NewUploadHandlers(service)

	router.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := redisClient.Ping(r.Context()).Err(); err != nil {
			response.WriteJSON(w, http.StatusServiceUnavailable, response.GeneralError(errors.New("redis unavailable")))
			return
		}
		response.WriteJSON(w, http.StatusOK, response.RequestOK("ok", nil))
	})
	router.Handle("GET /metrics", promhttp.Handler())
	router.Handle("GET /swagger/", httpSwagger.WrapHandler)
	router.HandleFunc("GET /ws", wsHandler.WebSocketHandler(hub, cfg.JWTSecret))

	router.Handle("POST /uploads", auth(limits.RateLimitedHandler(ratelimit.ActionCreate, h.CreateUpload())))
	router.Handle("PUT /uploads/{uploadId}/chunks/{index}", auth(limits.RateLimitedHandler(ratelimit.ActionChunks, h.PutChunk())))
	router.Handle("GET /uploads/{uploadId}", auth(h.GetStatus()))
	router.Handle("POST /uploads/{uploadId}/commit", auth(h.Commit()))
	router.Handle("DELETE /uploads/{uploadId}", auth(h.Discard()))

	files := filesHandler.NewFileHandlers(backends.Blobs, backends.Index, cfg.Uploads.PresignTTL)
	router.Handle("GET /files/{a}/{b}/{hash}", files.Download())
	router.Handle("GET /files/{a}/{b}/{hash}/info", auth(files.Info()))

	if backends.Cache != nil {
		router.Handle("GET /admin/cache/stats", auth(middleware.RequireAdmin(cache.GetCacheStats(backends.Cache))))
		router.Handle("DELETE /admin/cache", auth(middleware.RequireAdmin(cache.ClearCache(backends.Cache))))
	}

	server := http.Server{
		Addr:         cfg.HTTPServer.Address,
		Handler:      middleware.Logging(logger, m)(router),
		ReadTimeout:  cfg.HTTPServer.ReadTimeout,
		WriteTimeout: cfg.HTTPServer.WriteTimeout,
	}

	slog.Info("server started", slog.String("address", cfg.HTTPServer.Address))

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		err := server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("failed to start server: %s", err)
		}
	}()

	<-done

	slog.Info("Shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to gracefully shutdown server", slog.String("error", err.Error()))
		return
	}

	slog.Info("Server stopped")
}

func newLogger(env string) *slog.Logger {
	if env == "local" {
		return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
}
