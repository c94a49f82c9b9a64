package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/joho/godotenv/autoload"
	"github.com/minio/minio-go/v7"
	"github.com/rs/zerolog"

	"github.com/princekumarofficial/uploads-service/internal/app"
	"github.com/princekumarofficial/uploads-service/internal/audit"
	"github.com/princekumarofficial/uploads-service/internal/chunkstore"
	"github.com/princekumarofficial/uploads-service/internal/config"
	"github.com/princekumarofficial/uploads-service/internal/session"
	"github.com/princekumarofficial/uploads-service/internal/storage/blob"
	"github.com/princekumarofficial/uploads-service/internal/sweeper"
)

func main() {
	// Load config
	cfg := config.MustLoad()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// a standalone sweeper only makes sense against shared session state
	if cfg.Uploads.SessionBackend != "redis" {
		log.Fatalf("expiry-sweeper needs session_backend redis, got %q", cfg.Uploads.SessionBackend)
	}

	redisClient := app.NewRedisClient(cfg.Redis)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatal("Failed to connect to Redis:", err)
	}

	sessions := session.NewRedisStore(redisClient)

	chunks, err := newChunkStore(ctx, cfg)
	if err != nil {
		log.Fatal("Failed to initialize chunk store:", err)
	}

	manager := app.NewManager(cfg.Uploads, sessions, chunks, logger)
	auditLog := audit.NewLogger(zerolog.New(os.Stdout).With().Timestamp().Str("stream", "audit").Logger())

	worker := sweeper.New(manager, cfg.Uploads.SweepInterval, cfg.Uploads.ExpiredRetention,
		sweeper.WithLogger(logger),
		sweeper.OnExpired(func(ctx context.Context, uploadID string) {
			s, err := manager.Get(ctx, uploadID)
			if err != nil {
				return
			}
			auditLog.LogExpired(uploadID, s.OwnerID)
		}))

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		slog.Info("Received shutdown signal")
		cancel()
	}()

	worker.Start(ctx)

	slog.Info("Expiry sweeper stopped")
}

func newChunkStore(ctx context.Context, cfg *config.Config) (chunkstore.Store, error) {
	var mc *minio.Client
	if cfg.Uploads.ChunkBackend == "minio" {
		client, err := blob.NewMinioClient(ctx, cfg.MinIO)
		if err != nil {
			return nil, err
		}
		mc = client
	}
	return app.NewChunkStore(cfg, mc)
}
