package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/mbaillet/chatvox/internal/chat"
	"github.com/mbaillet/chatvox/internal/handlers"
	"github.com/mbaillet/chatvox/internal/services"
	"github.com/redis/go-redis/v9"
)

// conversationStore is the union of what the orchestrator and the HTTP surface need from a
// store backend.
type conversationStore interface {
	handlers.Store
	chat.Store
}

func main() {
	// A missing .env file is fine; the environment may already be populated.
	_ = godotenv.Load()

	cfgPath := flag.String("config", "config.yaml", "path to the yaml config file")
	flag.Parse()

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		log.Fatal(err)
	}

	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level: parseLogLevel(cfg.LogLevel),
	}))

	store, closeStore, err := newStore(cfg)
	if err != nil {
		log.Fatal(err)
	}

	openAI := services.NewOpenAI(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, logger)

	var completer chat.Completer = openAI
	if cfg.Provider == "ollama" {
		ollama, err := services.NewOllama(cfg.OllamaHost)
		if err != nil {
			log.Fatal(fmt.Errorf("error creating ollama client: %w", err))
		}
		completer = ollama
	}

	player, err := newPlayer(cfg)
	if err != nil {
		log.Fatal(err)
	}

	pub := handlers.NewPublisher(logger)

	orch := chat.NewOrchestrator(chat.Deps{
		Completer: completer,
		Store:     store,
		Settings:  cfg,
		Speaker:   openAI,
		Player:    player,
		Notifier:  pub,
		Logger:    logger,
	})

	m := handlers.NewMain(pub, orch, store, openAI, openAI, logger)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/sse", m.HandleSSE)
	r.Post("/chats", m.HandleChats)
	r.Get("/chats", m.HandleListChats)
	r.Get("/chats/{chatID}/messages", m.HandleMessages)
	r.Delete("/chats/{chatID}", m.HandleDeleteChat)
	r.Get("/models", m.HandleModels)
	r.Post("/transcriptions", m.HandleTranscriptions)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv.RegisterOnShutdown(func() {
		if err := pub.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shutdown sse server", slog.String("err", err.Error()))
		}
		orch.Shutdown()
		closeStore()
	})

	// Channel to listen for errors coming from the listener.
	serverErrors := make(chan error, 1)

	go func() {
		logger.Info("Server starting", slog.String("port", cfg.Port))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("Server error", slog.String("err", err.Error()))

	case sig := <-shutdown:
		logger.Info("Start shutdown", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Graceful shutdown failed", slog.String("err", err.Error()))
			if err := srv.Close(); err != nil {
				logger.Error("Forcing server close", slog.String("err", err.Error()))
			}
		}
	}
}

func newStore(cfg config) (conversationStore, func(), error) {
	if cfg.Store.Backend == "redis" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Store.RedisAddr})
		closer := func() {
			if err := rdb.Close(); err != nil {
				log.Printf("Failed to close redis client: %v", err)
			}
		}
		return services.NewRedisStore(rdb), closer, nil
	}

	path := cfg.Store.BoltPath
	if path == "" {
		cfgDir, err := os.UserConfigDir()
		if err != nil {
			return nil, nil, fmt.Errorf("error getting user config dir: %w", err)
		}
		dir := filepath.Join(cfgDir, "chatvox")
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, nil, fmt.Errorf("error creating config directory: %w", err)
		}
		path = filepath.Join(dir, "store.db")
	}

	boltDB, err := services.NewBoltDB(path)
	if err != nil {
		return nil, nil, err
	}
	closer := func() {
		if err := boltDB.Close(); err != nil {
			log.Printf("Failed to close bolt db: %v", err)
		}
	}
	return boltDB, closer, nil
}

func newPlayer(cfg config) (chat.Player, error) {
	dir := cfg.AudioSpoolDir
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "chatvox-audio")
	}
	player, err := services.NewDirPlayer(dir)
	if err != nil {
		return nil, err
	}
	return player, nil
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
