package middleware

import (
	"errors"
	"net/http"

	"github.com/tullysh/quizrelay/internal/api/response"
	"github.com/tullysh/quizrelay/internal/store"
	"github.com/tullysh/quizrelay/pkg/models"
)

// Auth is the access gate: it validates the ?key= parameter against the key
// store and charges one use per request.
type Auth struct {
	store store.Store
}

// NewAuth creates the access gate middleware.
func NewAuth(s store.Store) *Auth {
	return &Auth{store: s}
}

// Authenticate digests the raw key, atomically consumes one use, and puts
// the validated record in the request context. Denials happen before any
// provider or cache work; nothing is mutated on denial.
func (a *Auth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawKey := r.URL.Query().Get("key")
		if rawKey == "" {
			response.Error(w, http.StatusBadRequest,
				"INVALID_KEY", "Missing API key", nil)
			return
		}

		record, err := a.store.ConsumeUse(r.Context(), models.HashKey(rawKey))
		if err != nil {
			if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrQuotaExhausted) {
				response.Error(w, http.StatusBadRequest,
					"INVALID_KEY", "Invalid API Key", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "Failed to validate API key", nil)
			return
		}

		next.ServeHTTP(w, r.WithContext(SetAPIKey(r.Context(), record)))
	})
}
