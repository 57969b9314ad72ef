package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/jmallard/parley/internal/bot"
	"github.com/jmallard/parley/internal/config"
	"github.com/jmallard/parley/internal/handlers"
	"github.com/jmallard/parley/internal/models"
	"github.com/jmallard/parley/internal/relay"
	"github.com/jmallard/parley/internal/store"
)

func main() {
	// Load configuration from environment
	cfg := config.Load()

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		log.Fatalf("Could not create data dir %s: %v", cfg.DataDir, err)
	}

	// Initialize stores and reload persisted state
	accounts := store.NewAccounts(cfg.DataDir, models.Anonymous, cfg.BotName)
	accounts.Load()

	history := store.NewHistory(cfg.DataDir, cfg.HistoryRetention)
	history.Load()

	blobs, err := store.NewBlobs(cfg.DataDir)
	if err != nil {
		log.Fatalf("Could not initialize blob store: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start the relay hub and the background history flusher
	hub := relay.NewHub(cfg, accounts, history, blobs)
	go hub.Run(ctx)
	go history.Run(ctx, cfg.FlushInterval)

	// Set up router with middleware
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)

	corsOrigins := getCorsOrigins()
	log.Printf("CORS allowed origins: %v", corsOrigins)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check endpoint
	r.Get("/health", handlers.HealthCheck)

	// The relay endpoint: WebSocket upgrades become sessions, plain
	// HTTP probes get a fixed 200 body.
	r.Handle("/", relay.NewHandler(hub))

	addr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{Addr: addr, Handler: r}

	// Start the bot agent against our own loopback endpoint
	if cfg.BotEnabled {
		reply := bot.NewLLMReply(cfg.BotAPIKey, cfg.BotModel, cfg.BotBaseURL, cfg.BotName)
		agent := bot.New(fmt.Sprintf("ws://localhost:%s/", cfg.ServerPort), cfg, reply)
		go agent.Run(ctx)
	}

	go func() {
		log.Printf("parley relay starting on %s", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown: %v", err)
	}

	// Wait for the hub to close its connections; the history flusher
	// writes its final snapshot on the same cancellation.
	select {
	case <-hub.Done():
	case <-shutdownCtx.Done():
	}
	log.Println("Shutdown complete")
}

// getCorsOrigins returns allowed CORS origins from environment or defaults
func getCorsOrigins() []string {
	originsEnv := os.Getenv("CORS_ORIGINS")
	if originsEnv == "" {
		// Default to localhost for development
		return []string{"http://localhost:5173", "http://localhost:3000"}
	}

	origins := strings.Split(originsEnv, ",")
	for i, origin := range origins {
		origins[i] = strings.TrimSpace(origin)
	}
	return origins
}
