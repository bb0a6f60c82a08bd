package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/GanchoDigital/agente/internal/api"
	"github.com/GanchoDigital/agente/internal/cache"
	"github.com/GanchoDigital/agente/internal/client"
	"github.com/GanchoDigital/agente/internal/config"
	"github.com/GanchoDigital/agente/internal/service"
	"github.com/GanchoDigital/agente/internal/store"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadAll()
	if err != nil {
		log.Fatal(err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, nil)))

	contacts, err := newContactStore(cfg)
	if err != nil {
		log.Fatal(err)
	}

	history := newConversationCache(cfg)

	llm := client.NewOpenAIClient(cfg.OpenAI.APIKey, client.WithBaseURL(cfg.OpenAI.BaseURL))

	gatewayFor := func(serverURL, apiKey string) service.Gateway {
		return client.NewEvolutionClient(serverURL, apiKey)
	}

	bot, err := service.NewBot(llm, contacts, history, gatewayFor, service.Options{
		ChatModel:            cfg.OpenAI.ChatModel,
		VisionModel:          cfg.OpenAI.VisionModel,
		TranscribeModel:      cfg.OpenAI.TranscribeModel,
		SystemPrompt:         cfg.OpenAI.SystemPrompt,
		GatewayURL:           cfg.Evolution.URL,
		GatewayAPIKey:        cfg.Evolution.APIKey,
		AutomationWebhookURL: cfg.Automation.WebhookURL,
		Window:               cfg.Buffer.Window,
	})
	if err != nil {
		log.Fatal(err)
	}
	defer bot.Stop()

	handler := api.NewHandler(bot, contacts, cfg.Evolution.URL)

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           loggingMiddleware(api.Router(handler)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("server listening", "addr", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	slog.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown failed", "error", err)
	}
}

// newContactStore picks the persistence backend. A direct database URL takes
// precedence over the REST gateway.
func newContactStore(cfg *config.Config) (store.ContactStore, error) {
	if cfg.Supabase.DatabaseURL != "" {
		db, err := sql.Open("pgx", cfg.Supabase.DatabaseURL)
		if err != nil {
			return nil, err
		}
		slog.Info("using direct database connection")
		return store.NewPostgresStore(db), nil
	}

	slog.Info("using rest persistence", "url", cfg.Supabase.URL)
	return store.NewSupabaseStore(cfg.Supabase.URL, cfg.Supabase.Key), nil
}

func newConversationCache(cfg *config.Config) cache.ConversationCache {
	if !cfg.Redis.Enabled {
		slog.Info("using in-memory conversation cache")
		return cache.NewMemoryCache()
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	slog.Info("using redis conversation cache", "addr", cfg.Redis.Address)
	return cache.NewRedisCache(rdb, cfg.Redis.TTL)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(rec, r)

		slog.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}
