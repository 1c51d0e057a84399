package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mediascrub/mediascrub/internal/api"
	"github.com/mediascrub/mediascrub/internal/archive"
	"github.com/mediascrub/mediascrub/internal/config"
	"github.com/mediascrub/mediascrub/internal/job"
	"github.com/mediascrub/mediascrub/internal/pipeline"
	"github.com/mediascrub/mediascrub/internal/queue"
	"github.com/mediascrub/mediascrub/internal/storage"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(cfg.UploadDir, 0o755); err != nil {
		slog.Error("upload dir", "error", err)
		os.Exit(1)
	}

	uploader, err := storage.NewMinioUploader(
		cfg.S3Endpoint, cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3Bucket, cfg.S3UseSSL,
	)
	if err != nil {
		slog.Error("object storage", "error", err)
		os.Exit(1)
	}

	store := job.NewStore()

	var recorder queue.Recorder
	var history api.History
	if cfg.ArchiveDBPath != "" {
		arch, err := archive.Open(cfg.ArchiveDBPath)
		if err != nil {
			slog.Error("history archive", "error", err)
			os.Exit(1)
		}
		defer arch.Close()
		recorder = arch
		history = arch
	}

	pl := pipeline.New(cfg, store, uploader)
	q := queue.New(store, pl, recorder, cfg.QueueSize)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	mux := http.NewServeMux()
	h := api.NewHandler(cfg, store, q, history)
	h.RegisterRoutes(mux)

	handler := api.Chain(mux,
		api.CORS(cfg.CORSOrigins),
		api.RequestID,
		api.Logging,
		api.RateLimit(cfg.RateLimitRPS),
		api.Auth(cfg.APIKeys),
	)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		slog.Info("shutting down")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	}()

	slog.Info("mediascrub listening", "addr", cfg.ListenAddr)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}
