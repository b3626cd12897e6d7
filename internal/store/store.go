package store

import (
	"context"
	"errors"

	"github.com/tullysh/quizrelay/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")
var ErrQuotaExhausted = errors.New("api key quota exhausted")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	// ConsumeUse validates a key by hash and charges one use in a single
	// atomic statement: permitted iff the key is unlimited or uses_left > 0.
	// On permit it decrements the quota (non-unlimited keys) and bumps
	// last_used; the returned record reports last_used as it was BEFORE
	// this validation so the session layer can judge idleness. Fails closed
	// with ErrNotFound or ErrQuotaExhausted; no side effects on denial.
	ConsumeUse(ctx context.Context, keyHash string) (*models.APIKey, error)
	GetAPIKey(ctx context.Context, keyHash string) (*models.APIKey, error)
	CreateAPIKey(ctx context.Context, key *models.APIKey) error

	SaveConversationState(ctx context.Context, keyHash string, state []byte) error
	ClearConversationState(ctx context.Context, keyHash string) error

	GetAnswer(ctx context.Context, promptHash string) (*models.CachedAnswer, error)
	UpsertAnswer(ctx context.Context, answer *models.CachedAnswer) error
}
