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

	"chat-relay/internal/config"
	"chat-relay/internal/database"
	"chat-relay/internal/events"
	"chat-relay/internal/handlers"
	"chat-relay/internal/logging"
	"chat-relay/internal/middleware"
	"chat-relay/internal/ollama"
	"chat-relay/internal/personas"
	"chat-relay/internal/relay"
	"chat-relay/internal/router"
	"chat-relay/internal/session"
	"chat-relay/internal/websocket"
)

func main() {
	// ──── Step 1: Load Environment Variables ────
	cfg := config.Load()
	logger := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting chat relay", "env", cfg.Env)

	// ──── Step 2: Initialize Ollama Client ────
	client, err := ollama.NewClient(ollama.Config{BaseURL: cfg.OllamaURL})
	if err != nil {
		logger.Error("ollama client initialization failed", "error", err)
		os.Exit(1)
	}
	logger.Info("ollama client ready", "url", cfg.OllamaURL, "default_model", cfg.DefaultModel)

	// ──── Step 3: Session State, Relay and Cancellation ────
	state := session.New(client)
	chatRelay := relay.New(state,
		relay.WithIdleTimeout(cfg.ChunkIdleTimeout),
		relay.WithLogger(logger.With("component", "relay")),
	)
	controller := relay.NewController(state)

	presets, err := personas.Load(cfg.PersonasFile)
	if err != nil {
		logger.Error("persona presets failed to load", "error", err)
		os.Exit(1)
	}

	// ──── Step 4: Optional Auth ────
	var jwtAuth *middleware.JWTAuth
	if cfg.AuthEnabled() {
		jwtAuth = middleware.NewJWTAuth(cfg.JWTSecret)
		logger.Info("host auth enabled")
	}

	// ──── Step 5: Event Channel ────
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	var sink relay.Sink
	var wsHub *websocket.Hub
	if cfg.RedisURL != "" {
		redisClients, err := database.NewRedisClients(cfg.RedisURL)
		if err != nil {
			logger.Error("redis connection failed", "error", err)
			os.Exit(1)
		}
		defer redisClients.Close()

		wsHub = websocket.NewHub(redisClients.PubSub, jwtAuth, logger.With("component", "hub"))
		sink = events.NewRedisPublisher(redisClients.Publisher)
		go func() {
			if err := wsHub.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("hub subscription stopped", "error", err)
			}
		}()
		logger.Info("event channel fanned out through redis", "channel", events.Channel)
	} else {
		wsHub = websocket.NewHub(nil, jwtAuth, logger.With("component", "hub"))
		sink = wsHub
		logger.Info("event channel broadcasting directly")
	}

	// ──── Step 6: Handlers and Router ────
	chatHandler := handlers.NewChatHandler(chatRelay, controller, client, sink, presets, cfg.DefaultModel, logger)
	limiter := middleware.NewRateLimiter(cfg.RateLimitPerMinute, time.Minute)
	defer limiter.Stop()

	r := router.New(jwtAuth, limiter, chatHandler, wsHub, cfg.FrontendURL)

	// ──── Step 7: Start HTTP Server ────
	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down")
		// Let an in-flight turn stop at its next chunk.
		controller.RequestCancel(true)
		stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logger.Info("chat relay ready",
		"api", fmt.Sprintf("http://localhost:%s/api/v1", cfg.Port),
		"ws", fmt.Sprintf("ws://localhost:%s/api/v1/ws", cfg.Port),
	)

	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
