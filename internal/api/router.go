package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/tullysh/quizrelay/internal/api/middleware"
	"github.com/tullysh/quizrelay/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler        http.HandlerFunc
	GenerateHandler      http.HandlerFunc
	AskHandler           http.HandlerFunc
	SubmitAnswersHandler http.HandlerFunc
	GetAnswersHandler    http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public health check
	r.Get("/health", orNotImplemented(deps.HealthHandler))

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Post("/ai", orNotImplemented(deps.GenerateHandler))
		r.Post("/ask", orNotImplemented(deps.AskHandler))

		r.Post("/answers", orNotImplemented(deps.SubmitAnswersHandler))
		r.Get("/answers", orNotImplemented(deps.GetAnswersHandler))
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
