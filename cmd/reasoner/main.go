// Package main implements the Penrose reasoning service: HTTP, NATS
// request-reply, and durable JetStream ingresses over one shared pipeline.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/PenroseAI/penrose/engine/config"
	"github.com/PenroseAI/penrose/engine/httpapi"
	"github.com/PenroseAI/penrose/engine/memory"
	"github.com/PenroseAI/penrose/engine/natsrpc"
	"github.com/PenroseAI/penrose/engine/reason"
	"github.com/PenroseAI/penrose/engine/stream"
	"github.com/PenroseAI/penrose/engine/telemetry"
	"github.com/PenroseAI/penrose/pkg/fn"
	"github.com/PenroseAI/penrose/pkg/llm"
	"github.com/PenroseAI/penrose/pkg/metrics"
	"github.com/PenroseAI/penrose/pkg/ollama"
	"github.com/PenroseAI/penrose/pkg/resilience"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("service exited with error", "err", err)
		os.Exit(1)
	}
}

// chatAdapter bridges the pipeline's message type onto the LLM client.
type chatAdapter struct {
	client *llm.Client
}

func (a chatAdapter) Chat(ctx context.Context, msgs []reason.Message) (string, error) {
	return a.client.Chat(ctx, fn.Map(msgs, func(m reason.Message) llm.Message {
		return llm.Message{Role: m.Role, Content: m.Content}
	}))
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting", "service", cfg.ServiceName, "version", cfg.ServiceVersion)

	// --- Telemetry ---
	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Options{
		ServiceName:    cfg.ServiceName,
		ServiceVersion: cfg.ServiceVersion,
		Endpoint:       cfg.OTELEndpoint,
		TracesEnabled:  cfg.TracesEnabled,
		MetricsEnabled: cfg.MetricsEnabled,
	})
	if err != nil {
		return fmt.Errorf("telemetry init: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("telemetry shutdown", "err", err)
		}
	}()

	rec := telemetry.NewRecorder(metrics.New())

	// --- Memory: vector + SQL stores, Ollama encoder ---
	vectors, err := memory.NewVectorStore(cfg.QdrantAddr(), cfg.QdrantCollection)
	if err != nil {
		return fmt.Errorf("qdrant connect: %w", err)
	}
	defer vectors.Close()

	history, err := memory.NewHistoryStore(ctx, cfg.PostgresURL)
	if err != nil {
		return fmt.Errorf("postgres connect: %w", err)
	}
	defer history.Close()

	encoder := ollama.NewEmbedClient(cfg.EmbedBaseURL, cfg.EmbedModel)
	mem := memory.New(encoder, vectors, history, cfg.ContextTopK, cfg.EmbedDim, logger)
	mem.Init(ctx)

	// --- LLM client ---
	var limiter *resilience.Limiter
	if cfg.LLMMaxRPS > 0 {
		limiter = resilience.NewLimiter(resilience.LimiterOpts{
			Rate:  float64(cfg.LLMMaxRPS),
			Burst: cfg.LLMMaxRPS,
		})
	}
	chat := llm.New(llm.Options{
		Model:   cfg.LLMModel,
		BaseURL: cfg.LLMBaseURL,
		APIKey:  cfg.LLMAPIKey,
		Limiter: limiter,
	})

	// --- Pipeline ---
	pipe := reason.New(mem, chatAdapter{client: chat}, logger,
		reason.WithContextObserver(rec.ObserveContextSize))

	// --- Ephemeral ingress (NATS request-reply) ---
	ephemeralConnected := func() bool { return true }
	if cfg.NATSEnabled {
		nh := natsrpc.New(pipe, rec, natsrpc.Options{
			URL:            cfg.NATSURL,
			Subject:        cfg.NATSSubject,
			QueueGroup:     cfg.NATSQueueGroup,
			ContentTracing: cfg.ContentTracing,
		}, logger)
		if err := nh.Connect(ctx); err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		if err := nh.Subscribe(); err != nil {
			return fmt.Errorf("nats subscribe: %w", err)
		}
		defer nh.Close()
		ephemeralConnected = nh.IsConnected
		logger.Info("ephemeral ingress listening", "subject", cfg.NATSSubject, "queue", cfg.NATSQueueGroup)
	}

	// --- Durable ingress (JetStream), opt-in ---
	if cfg.StreamEnabled {
		sc := stream.New(pipe, rec, stream.Options{
			URL:            cfg.StreamURL,
			StreamName:     cfg.StreamName,
			RequestSubject: cfg.StreamRequestSubj,
			ResultSubject:  cfg.StreamResultSubj,
			Durable:        cfg.StreamDurable,
			MaxInflight:    int64(cfg.StreamMaxInflight),
			ContentTracing: cfg.ContentTracing,
		}, logger)
		if err := sc.Start(ctx); err != nil {
			return fmt.Errorf("stream start: %w", err)
		}
		defer sc.Close()
		logger.Info("durable ingress listening", "subject", cfg.StreamRequestSubj, "durable", cfg.StreamDurable)
	}

	// --- HTTP ingress ---
	api := httpapi.New(pipe, mem, ephemeralConnected, rec, httpapi.Options{
		Version:        cfg.ServiceVersion,
		ContentTracing: cfg.ContentTracing,
		DevMode:        cfg.DevMode,
	}, logger)
	if cfg.DevMode {
		logger.Warn("dev mode enabled, /fake/* endpoints are active")
	}

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      api.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http ingress listening", "port", cfg.HTTPPort)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}
