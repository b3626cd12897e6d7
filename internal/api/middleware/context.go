package middleware

import (
	"context"
	"net/http"

	"github.com/tullysh/quizrelay/pkg/models"
)

type contextKey string

const (
	apiKeyKey    contextKey = "api_key"
	requestIDKey contextKey = "request_id"
)

// SetAPIKey stores the validated key record in the context. Exported for
// handler tests.
func SetAPIKey(ctx context.Context, key *models.APIKey) context.Context {
	return context.WithValue(ctx, apiKeyKey, key)
}

// GetAPIKey returns the validated key record set by the access gate.
func GetAPIKey(r *http.Request) (*models.APIKey, bool) {
	key, ok := r.Context().Value(apiKeyKey).(*models.APIKey)
	return key, ok
}

func setRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

func getRequestID(r *http.Request) string {
	id, _ := r.Context().Value(requestIDKey).(string)
	return id
}
