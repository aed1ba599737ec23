package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/krau/leafscan/config"
	"github.com/krau/leafscan/onnx"
	"github.com/krau/leafscan/server"
	"github.com/krau/leafscan/service"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg := config.C()
	setupLogger(cfg)
	slog.Info("Starting LeafScan", slog.String("model", cfg.ModelPath()))

	if err := onnx.InitEnvironment(); err != nil {
		// retried on the first model load
		slog.Error("Failed to initialize ONNX Runtime environment", slog.String("error", err.Error()))
	}
	defer func() {
		if err := onnx.DestroyEnvironment(); err != nil {
			slog.Warn("Failed to destroy ONNX Runtime environment", slog.String("error", err.Error()))
		}
	}()

	labels := loadLabels(cfg)
	loader := service.NewLoader(cfg.ModelPath(), modelLoader(ctx, cfg, len(labels)))

	activation, err := service.ParseActivation(cfg.OutputActivation)
	if err != nil {
		slog.Error("Invalid configuration", slog.String("error", err.Error()))
		return
	}
	opts := service.Options{
		Labels:     labels,
		CacheTTL:   cfg.CacheTTLDuration(),
		MaxPixels:  cfg.MaxPixels,
		Activation: activation,
	}
	if rdb := connectRedis(ctx, cfg); rdb != nil {
		defer rdb.Close()
		opts.Cache = service.NewRedisCache(rdb)
	}
	svc := service.New(loader, opts)
	defer func() {
		if err := svc.Close(); err != nil {
			slog.Warn("Failed to release model", slog.String("error", err.Error()))
		}
	}()

	if cfg.EagerLoad {
		if err := svc.EnsureModel(ctx); err != nil {
			slog.Error("Model not loaded at startup, will retry on request", slog.String("error", err.Error()))
		}
	}

	gin.SetMode(gin.ReleaseMode)
	srv := server.New(svc, cfg).HTTPServer()
	slog.Info("Listening on", slog.String("address", srv.Addr))
	if err := server.Serve(ctx, srv, nil, cfg.ShutdownTimeoutDuration()); err != nil {
		slog.Error("Server error", slog.String("error", err.Error()))
		return
	}
	slog.Info("Server stopped")
}

func setupLogger(cfg config.Config) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func loadLabels(cfg config.Config) service.Labels {
	path := cfg.LabelsPath()
	if path == "" {
		return service.DiseaseClasses
	}
	labels, err := service.LoadLabels(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			slog.Warn("Failed to read labels, using built-in classes", slog.String("path", path), slog.String("error", err.Error()))
		}
		return service.DiseaseClasses
	}
	slog.Info("Loaded labels", slog.String("path", path), slog.Int("count", len(labels)))
	return labels
}

// modelLoader downloads the model if needed and opens an ONNX session for it.
func modelLoader(ctx context.Context, cfg config.Config, classes int) service.LoadFunc {
	downloader := onnx.NewDownloader(10*time.Minute, os.Stderr)
	return func(path string) (service.Classifier, error) {
		if err := downloader.Ensure(ctx, path, cfg.ModelUrl); err != nil {
			return nil, err
		}
		if err := onnx.InitEnvironment(); err != nil {
			return nil, err
		}
		return onnx.Load(path, onnx.Options{
			PoolSize:       cfg.PoolSize,
			IntraOpThreads: cfg.IntraOpThreads,
			OutputSize:     classes,
		})
	}
}

func connectRedis(ctx context.Context, cfg config.Config) *redis.Client {
	if cfg.RedisAddr == "" {
		return nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		slog.Warn("Redis unavailable, prediction cache disabled", slog.String("addr", cfg.RedisAddr), slog.String("error", err.Error()))
		_ = rdb.Close()
		return nil
	}
	slog.Info("Prediction cache enabled", slog.String("addr", cfg.RedisAddr))
	return rdb
}
