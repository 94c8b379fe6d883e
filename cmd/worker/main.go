package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"wikichat/internal/ai"
	"wikichat/internal/chat"
	"wikichat/internal/config"
	"wikichat/internal/db"
	"wikichat/internal/knowledge"
	"wikichat/internal/logger"
	"wikichat/internal/observability"
	"wikichat/internal/store/rabbitmq"
)

// jobTimeout bounds one job end to end: retrieval, generation, persistence.
const jobTimeout = 3 * time.Minute

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

	// Workers never enqueue, so no publisher here.
	svc := chat.NewService(repo, retriever, provider, nil, cfg.Worker.MaxAttempts, zlog)

	concurrency := cfg.Worker.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	consumer, err := rabbitmq.NewConsumer(ctx, cfg.Rabbit.URL, cfg.Rabbit.Queue, concurrency, cfg.Rabbit.RetryDelay, zlog)
	if err != nil {
		zlog.Fatal("rabbitmq unavailable", zap.Error(err))
	}

	deliveries, err := consumer.Deliveries()
	if err != nil {
		zlog.Fatal("consume failed", zap.Error(err))
	}

	zlog.Info("worker started",
		zap.String("queue", cfg.Rabbit.Queue),
		zap.Int("concurrency", concurrency),
		zap.String("provider", provider.Name()))

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			wlog := zlog.With(zap.Int("worker", workerID))
			for d := range deliveries {
				handle(ctx, svc, consumer, d, wlog)
			}
		}(i)
	}

	<-ctx.Done()
	zlog.Info("worker shutting down")

	// Closing the consumer ends the delivery channel; in-flight jobs finish
	// on their own detached contexts.
	_ = consumer.Close()
	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := shutdownTracing(shutdownCtx); err != nil {
		zlog.Warn("tracing shutdown", zap.Error(err))
	}
}

// handle processes one delivery. Malformed messages go straight to the dlq;
// a RunJob error nacks the message into the retry queue.
func handle(ctx context.Context, svc *chat.Service, consumer *rabbitmq.Consumer, d amqp.Delivery, zlog *zap.Logger) {
	var msg rabbitmq.JobMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil || msg.JobID == "" {
		zlog.Warn("malformed job message, dead-lettering", zap.Error(err))
		if dlErr := consumer.DeadLetter(ctx, d); dlErr != nil {
			zlog.Error("dead-letter failed", zap.Error(dlErr))
		}
		_ = d.Ack(false)
		return
	}

	// Detached from the shutdown signal: a job already being processed
	// should finish (or time out) rather than be failed by SIGTERM.
	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), jobTimeout)
	defer cancel()

	start := time.Now()
	if err := svc.RunJob(jobCtx, msg.JobID); err != nil {
		zlog.Warn("job attempt failed",
			zap.String("job_id", msg.JobID),
			zap.Duration("cost", time.Since(start)),
			zap.Error(err))
		_ = d.Nack(false, false)
		return
	}

	if err := d.Ack(false); err != nil {
		zlog.Error("ack failed", zap.String("job_id", msg.JobID), zap.Error(err))
	}
}

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
