// Package main is the entry point for the book chat server.
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

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/capitalize-ai/bookchat/internal/config"
	"github.com/capitalize-ai/bookchat/internal/handler"
	"github.com/capitalize-ai/bookchat/internal/identity"
	"github.com/capitalize-ai/bookchat/internal/llm"
	"github.com/capitalize-ai/bookchat/internal/middleware"
	natsclient "github.com/capitalize-ai/bookchat/internal/nats"
	"github.com/capitalize-ai/bookchat/internal/pipeline"
	"github.com/capitalize-ai/bookchat/internal/session"
	"github.com/capitalize-ai/bookchat/internal/store"
	"github.com/capitalize-ai/bookchat/pkg/logger"
	"github.com/capitalize-ai/bookchat/pkg/tracing"
)

func main() {
	cfg := config.Load()

	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	if err := run(cfg, log); err != nil {
		log.Error("server exited", zap.Error(err))
		os.Exit(1)
	}
}

func newLogger(level string) (*logger.Logger, error) {
	if os.Getenv("ENV") == "development" {
		return logger.NewDevelopment()
	}
	return logger.New(level)
}

func run(cfg *config.Config, log *logger.Logger) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log.Info("starting book chat server")
	ctx := context.Background()

	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "bookchat", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer func() { _ = tracing.Shutdown(context.Background(), tp) }()
		}
	}

	db, err := store.Open(ctx, cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer db.Close()

	// Event publishing is optional; without NATS_URL turn events are dropped.
	var events pipeline.EventPublisher
	var eventsHealth handler.Pinger
	if cfg.NATSURL != "" {
		natsClient, err := natsclient.Connect(ctx, natsclient.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log)
		if err != nil {
			return err
		}
		defer natsClient.Close()

		publisher := natsclient.NewEventPublisher(natsClient)
		if err := publisher.EnsureStream(ctx); err != nil {
			return fmt.Errorf("failed to ensure stream: %w", err)
		}
		events = publisher
		eventsHealth = natsClient
	}

	llmClient, err := llm.NewClient(llm.Provider(cfg.DefaultLLM), cfg.APIKey())
	if err != nil {
		return fmt.Errorf("failed to create LLM client: %w", err)
	}
	generator := llm.NewGenerator(llmClient, cfg.LLMModel, cfg.LLMMaxTokens, log)

	registry := session.NewRegistry(
		identity.NewResolver(db, log),
		session.NewHydrator(db, log),
		log,
	)
	turns := pipeline.NewPipeline(registry, generator, db, db, events, pipeline.Config{
		ContextMessages:   cfg.ContextMessages,
		GenerationTimeout: cfg.GenerationTimeout,
		ReplyLanguage:     cfg.ReplyLanguage,
	})

	healthHandler := handler.NewHealthHandler(db, eventsHealth)
	historyHandler := handler.NewHistoryHandler(db, log)
	chatHandler := handler.NewChatHandler(registry, turns, handler.ChatConfig{
		WriteTimeout:    cfg.WSWriteTimeout,
		PingInterval:    cfg.WSPingInterval,
		MaxMessageBytes: cfg.WSMaxMessageBytes,
	}, log)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS())

	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/ws/chat", chatHandler.Chat)

	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))
		r.With(middleware.MemberRateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow)).
			Get("/chat-list/{memberID}", historyHandler.ListChats)
		r.With(middleware.MemberRateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow)).
			Get("/chat/{bookID}/{memberID}", historyHandler.ChatHistory)
	})

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      r,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case sig := <-quit:
		log.Info("shutting down server", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped", zap.Int("open_sessions", registry.Count()))
	return nil
}
