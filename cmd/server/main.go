package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"wikichat/internal/ai"
	"wikichat/internal/chat"
	"wikichat/internal/config"
	"wikichat/internal/db"
	"wikichat/internal/health"
	"wikichat/internal/httpapi"
	"wikichat/internal/httpapi/handlers"
	"wikichat/internal/knowledge"
	"wikichat/internal/logger"
	"wikichat/internal/observability"
	"wikichat/internal/store/rabbitmq"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	zlog, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer zlog.Sync()

	if cfg.Log.Format == "json" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.Setup(ctx, cfg.Otel)
	if err != nil {
		zlog.Fatal("tracing setup failed", zap.Error(err))
	}

	gdb, err := db.Open(ctx, cfg.Database.URL, zlog)
	if err != nil {
		zlog.Fatal("database unavailable", zap.Error(err))
	}
	repo := chat.NewRepo(gdb)

	retriever := knowledge.NewClient(
		cfg.Knowledge.SearchURL,
		cfg.Knowledge.RestURL,
		cfg.Knowledge.UserAgent,
		cfg.Knowledge.Timeout,
		cfg.Knowledge.MaxChars,
	)

	provider, err := buildProvider(ctx, cfg)
	if err != nil {
		zlog.Fatal("provider setup failed", zap.Error(err))
	}

	pub, err := rabbitmq.NewPublisher(ctx, cfg.Rabbit.URL, cfg.Rabbit.Queue, cfg.Rabbit.RetryDelay, zlog)
	if err != nil {
		zlog.Fatal("rabbitmq unavailable", zap.Error(err))
	}
	defer pub.Close()

	svc := chat.NewService(repo, retriever, provider, pub, cfg.Worker.MaxAttempts, zlog)

	pinger, ok := provider.(health.Pinger)
	if !ok {
		zlog.Fatal("provider has no reachability check", zap.String("provider", provider.Name()))
	}
	probe := health.NewProbe(repo, pinger, 5*time.Second, zlog)

	h := handlers.NewHandler(svc, probe, retriever, cfg.Chat, zlog)
	router := httpapi.NewRouter(h, zlog, httpapi.Options{
		ServiceName: cfg.Otel.ServiceName,
		Tracing:     cfg.Otel.Enabled,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		zlog.Info("server listening",
			zap.String("addr", srv.Addr),
			zap.String("provider", provider.Name()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	zlog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Warn("server shutdown", zap.Error(err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		zlog.Warn("tracing shutdown", zap.Error(err))
	}
}

// buildProvider resolves the configured provider through the registry so an
// unknown name fails at boot, not on the first request.
func buildProvider(ctx context.Context, cfg *config.Config) (ai.Provider, error) {
	reg := ai.NewRegistry()
	reg.Register("cohere", func(ctx context.Context) (ai.Provider, error) {
		return ai.NewCohereProvider(cfg.Cohere.BaseURL, cfg.Cohere.APIKey, cfg.Cohere.Model, cfg.Cohere.Timeout), nil
	})
	reg.Register("ollama", func(ctx context.Context) (ai.Provider, error) {
		return ai.NewOllamaProvider(cfg.Ollama.BaseURL, cfg.Ollama.Model, cfg.Ollama.Timeout), nil
	})
	reg.Register("openrouter", func(ctx context.Context) (ai.Provider, error) {
		return ai.NewOpenRouterProvider(
			cfg.OpenRouter.BaseURL,
			cfg.OpenRouter.APIKey,
			cfg.OpenRouter.Model,
			cfg.OpenRouter.SiteURL,
			cfg.OpenRouter.AppName,
			cfg.OpenRouter.Timeout,
		), nil
	})
	return reg.Get(ctx, cfg.AI.Provider)
}
