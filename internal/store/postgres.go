package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tullysh/quizrelay/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- API Keys ---

func (s *PostgresStore) ConsumeUse(ctx context.Context, keyHash string) (*models.APIKey, error) {
	var k models.APIKey
	err := s.pool.QueryRow(ctx,
		`UPDATE api_keys AS k
		 SET uses_left = CASE WHEN k.unlimited THEN k.uses_left ELSE k.uses_left - 1 END,
		     last_used = NOW()
		 FROM (SELECT key_hash, last_used FROM api_keys WHERE key_hash = $1 FOR UPDATE) prev
		 WHERE k.key_hash = prev.key_hash AND (k.unlimited OR k.uses_left > 0)
		 RETURNING k.key_hash, k.uses_left, k.unlimited, prev.last_used, k.conversation_state, k.created_at`,
		keyHash,
	).Scan(&k.KeyHash, &k.UsesLeft, &k.Unlimited, &k.LastUsed, &k.ConversationState, &k.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// Denied: missing key or exhausted quota. Look again to tell which.
		var exists bool
		if checkErr := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM api_keys WHERE key_hash = $1)`, keyHash,
		).Scan(&exists); checkErr != nil {
			return nil, fmt.Errorf("check api key: %w", checkErr)
		}
		if exists {
			return nil, ErrQuotaExhausted
		}
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("consume api key use: %w", err)
	}
	return &k, nil
}

func (s *PostgresStore) GetAPIKey(ctx context.Context, keyHash string) (*models.APIKey, error) {
	var k models.APIKey
	err := s.pool.QueryRow(ctx,
		`SELECT key_hash, uses_left, unlimited, last_used, conversation_state, created_at
		 FROM api_keys WHERE key_hash = $1`, keyHash,
	).Scan(&k.KeyHash, &k.UsesLeft, &k.Unlimited, &k.LastUsed, &k.ConversationState, &k.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get api key: %w", err)
	}
	return &k, nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (key_hash, uses_left, unlimited, created_at)
		 VALUES ($1, $2, $3, $4)`,
		key.KeyHash, key.UsesLeft, key.Unlimited, key.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

// --- Conversation state ---

func (s *PostgresStore) SaveConversationState(ctx context.Context, keyHash string, state []byte) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET conversation_state = $2 WHERE key_hash = $1`, keyHash, state)
	if err != nil {
		return fmt.Errorf("save conversation state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ClearConversationState(ctx context.Context, keyHash string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET conversation_state = NULL WHERE key_hash = $1`, keyHash)
	if err != nil {
		return fmt.Errorf("clear conversation state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Cached Answers ---

func (s *PostgresStore) GetAnswer(ctx context.Context, promptHash string) (*models.CachedAnswer, error) {
	var a models.CachedAnswer
	err := s.pool.QueryRow(ctx,
		`SELECT prompt_hash, prompt, response, created_at
		 FROM answers WHERE prompt_hash = $1`, promptHash,
	).Scan(&a.PromptHash, &a.Prompt, &a.Response, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get answer: %w", err)
	}
	return &a, nil
}

func (s *PostgresStore) UpsertAnswer(ctx context.Context, answer *models.CachedAnswer) error {
	if answer.CreatedAt.IsZero() {
		answer.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO answers (prompt_hash, prompt, response, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (prompt_hash) DO UPDATE SET
		   response = EXCLUDED.response,
		   created_at = EXCLUDED.created_at`,
		answer.PromptHash, answer.Prompt, answer.Response, answer.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert answer: %w", err)
	}
	return nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
