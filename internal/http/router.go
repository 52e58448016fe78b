package http

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/turismo/server/internal/auth"
	"github.com/turismo/server/internal/http/handlers"
	"github.com/turismo/server/internal/middleware"
)

// NewRouter creates a new HTTP router with all routes configured
func NewRouter(
	authHandler *handlers.AuthHandler,
	visitHandler *handlers.VisitHandler,
	authService *auth.Service,
	limiter *middleware.RateLimiter,
) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	healthHandler := handlers.NewHealthHandler()
	r.Get("/health", healthHandler.ServeHTTP)

	r.Route("/api", func(r chi.Router) {
		r.Use(limiter.Middleware)

		r.Route("/auth", func(r chi.Router) {
			r.Post("/request-code", authHandler.HandleRequestCode)
			r.Post("/verify-code", authHandler.HandleVerifyCode)
			r.Post("/verify-totp", authHandler.HandleVerifyTOTP)
			r.With(middleware.Auth(authService)).Post("/logout", authHandler.HandleLogout)
		})

		// Check-ins allow anonymous participation; a valid session only
		// links the visit to the user.
		r.With(middleware.OptionalAuth(authService)).
			Post("/places/{id}/checkin", visitHandler.HandleCheckin)
		r.Patch("/visits/{id}/confirm", visitHandler.HandleConfirm)
		r.Get("/places/top", visitHandler.HandleTop)

		// Protected routes (require a live session)
		r.With(middleware.Auth(authService)).Get("/me", authHandler.HandleMe)
	})

	return r
}
