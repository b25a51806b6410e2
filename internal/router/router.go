package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"chat-relay/internal/handlers"
	"chat-relay/internal/middleware"
	"chat-relay/internal/websocket"
)

// New wires the HTTP surface. jwtAuth may be nil, in which case the API is
// open to any local client.
func New(
	jwtAuth *middleware.JWTAuth,
	limiter *middleware.RateLimiter,
	chatHandler *handlers.ChatHandler,
	wsHub *websocket.Hub,
	frontendURL string,
) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS(frontendURL))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/api/v1", func(r chi.Router) {

		// ──── Chat Routes ────
		r.Group(func(r chi.Router) {
			if jwtAuth != nil {
				r.Use(jwtAuth.Middleware)
			}
			if limiter != nil {
				r.Use(limiter.Middleware)
			}
			r.Post("/chat", chatHandler.Chat)
			r.Post("/chat/cancel", chatHandler.Cancel)
			r.Get("/models", chatHandler.Models)
			r.Get("/personas", chatHandler.Personas)
		})

		// ──── WebSocket ────
		r.Get("/ws", wsHub.HandleWebSocket)
	})

	return r
}
