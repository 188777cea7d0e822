package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"kasirinaja/stockledger/internal/app"
	"kasirinaja/stockledger/internal/config"
	"kasirinaja/stockledger/internal/listener"
	"kasirinaja/stockledger/internal/logger"
	"kasirinaja/stockledger/internal/metrics"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("could not read .env: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	appLogger, err := logger.New(logger.ForEnv(cfg.AppEnv, cfg.LogLevel, cfg.LogEncoding))
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = appLogger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bootCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	rt, err := app.Build(bootCtx, cfg, appLogger)
	cancel()
	if err != nil {
		appLogger.Fatal("bootstrap failed", zap.Error(err))
	}

	listenerDone := make(chan struct{})
	if cfg.EventsEnabled() && rt.Redis == nil {
		_ = rt.Close()
		appLogger.Fatal("redis is unreachable; refusing to consume events without deduplication",
			zap.String("redis_addr", cfg.RedisAddr))
	}
	if cfg.EventsEnabled() {
		reader := listener.NewReader(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroupID)
		rt.AddCloser(reader.Close)
		events := listener.New(reader, rt.Service, rt.Deduper(), listener.Options{
			DedupeTTL: cfg.EventDedupeTTL,
			Logger:    appLogger,
			Metrics:   rt.Metrics,
		})
		appLogger.Info("consuming inventory events",
			zap.Strings("brokers", cfg.KafkaBrokers),
			zap.String("topic", cfg.KafkaTopic),
			zap.String("group_id", cfg.KafkaGroupID),
		)
		go func() {
			defer close(listenerDone)
			events.Start(ctx)
		}()
	} else {
		close(listenerDone)
		appLogger.Info("KAFKA_BROKERS unset, event intake disabled")
	}

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           newOpsRouter(rt.Metrics, rt.Check),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		appLogger.Info("ops endpoints listening", zap.String("addr", cfg.Address()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error("server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("shutdown error", zap.Error(err))
	}
	select {
	case <-listenerDone:
	case <-shutdownCtx.Done():
		appLogger.Warn("listener did not stop before shutdown timeout")
	}
	if err := rt.Close(); err != nil {
		appLogger.Error("close error", zap.Error(err))
	}

	appLogger.Info("server stopped")
}

type healthCheck func(ctx context.Context) map[string]error

func newOpsRouter(m *metrics.Metrics, check healthCheck) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(m.Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]interface{}{"status": "ok"}
		if failed := check(ctx); len(failed) > 0 {
			status = http.StatusServiceUnavailable
			deps := make(map[string]string, len(failed))
			for name, err := range failed {
				deps[name] = err.Error()
			}
			body = map[string]interface{}{"status": "degraded", "failed": deps}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	})
	r.Method(http.MethodGet, "/metrics", m.Handler())
	return r
}
