package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"taskpilot/internal/agentcfg"
	"taskpilot/internal/api"
	"taskpilot/internal/auth"
	"taskpilot/internal/history"
	"taskpilot/internal/llm"
	"taskpilot/internal/notify"
	"taskpilot/internal/pipeline"
	"taskpilot/internal/store"
	"taskpilot/internal/tools"
	"taskpilot/internal/worker"
)

func main() {
	_ = godotenv.Load()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log := zerolog.New(os.Stdout).With().Timestamp().Str("service", "taskpilot").Logger()
	if getEnv("LOG_PRETTY", "false") == "true" {
		log = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	tokenSecret := os.Getenv("TOKEN_SECRET")
	if tokenSecret == "" {
		log.Fatal().Msg("TOKEN_SECRET is required")
	}

	agents, err := agentcfg.Load(getEnv("AGENTS_CONFIG", "configs/agents.yaml"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load agent configuration")
	}

	s, err := store.New(getEnv("REDIS_ADDR", "localhost:6379"), getEnv("SEARCH_MODE", "mock"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer func() {
		if err := s.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close store")
		}
	}()

	var hist *history.Repository
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		hist, err = history.NewRepository(dsn, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to postgres")
		}
		defer func() {
			if err := hist.Close(); err != nil {
				log.Warn().Err(err).Msg("failed to close history repository")
			}
		}()
	} else {
		log.Warn().Msg("DATABASE_URL not set, task history disabled")
	}

	toolClient, err := tools.NewClient(tools.Config{
		BaseURL:  getEnv("TOOL_API_URL", "http://localhost:9200"),
		APIKey:   os.Getenv("TOOL_API_KEY"),
		CacheDir: getEnv("TOOL_CACHE_DIR", "cache"),
	}, s, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize tool client")
	}

	llmClient := llm.NewOpenAI(llm.Config{
		APIKey:  os.Getenv("OPENAI_API_KEY"),
		BaseURL: os.Getenv("OPENAI_BASE_URL"),
		Model:   getEnv("OPENAI_MODEL", "gpt-4o"),
	})

	runner := pipeline.NewRunner(agents, llmClient, toolClient, log)

	notifier := notify.NewNotifier(getEnv("WEBHOOK_LOG", "logs/webhook.log"), notify.EmailConfig{
		APIKey:      os.Getenv("SENDGRID_API_KEY"),
		FromName:    getEnv("EMAIL_FROM_NAME", "TaskPilot"),
		FromAddress: os.Getenv("EMAIL_FROM_ADDRESS"),
		To:          os.Getenv("EMAIL_TO"),
	}, log)

	tokens := auth.NewTokenManager(tokenSecret)

	pool := worker.NewPool(s, hist, tokens, runner, notifier, worker.Config{
		Size: getEnvInt("WORKER_POOL_SIZE", 4),
	}, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	poolDone := make(chan error, 1)
	go func() { poolDone <- pool.Start(ctx) }()
	go collectPendingGauge(ctx, s, log)

	handler := api.New(pool, s, hist, tokens, log)

	srv := &http.Server{
		Addr:         ":" + getEnv("PORT", "8080"),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown failed")
	}
	if err := <-poolDone; err != nil {
		log.Error().Err(err).Msg("worker pool stopped with error")
	}

	log.Info().Msg("shutdown complete")
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}

	return fallback
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}

	n, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}

	return n
}
