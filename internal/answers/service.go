// Package answers is the content-hash-addressed store of final answers:
// Postgres is the durable record, Redis the read-through hot tier.
package answers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tullysh/quizrelay/internal/cache"
	"github.com/tullysh/quizrelay/internal/store"
	"github.com/tullysh/quizrelay/pkg/models"
)

var ErrNotFound = store.ErrNotFound

// Separator joins multiple submitted answers into one canonical response.
const Separator = " || "

const asyncUpsertTimeout = 10 * time.Second

// PromptHash returns the hex SHA-256 digest of the trimmed prompt text.
// Leading/trailing whitespace is stripped; case and internal whitespace are
// preserved. Attached images are deliberately not part of the identity.
func PromptHash(prompt string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(prompt)))
	return hex.EncodeToString(sum[:])
}

// Service reads and writes cached answers.
type Service struct {
	store store.Store
	cache cache.Cache
	ttl   time.Duration

	wg sync.WaitGroup
}

// NewService creates an answers Service. ttl bounds how long the Redis hot
// tier keeps an entry; the Postgres record has no expiry.
func NewService(st store.Store, c cache.Cache, ttl time.Duration) *Service {
	return &Service{store: st, cache: c, ttl: ttl}
}

// Lookup returns the cached response for a prompt, if any. Pure read: no
// quota interaction, no writes to the key record.
func (s *Service) Lookup(ctx context.Context, prompt string) (string, bool, error) {
	hash := PromptHash(prompt)

	if val, found, err := s.cache.Get(ctx, cache.AnswerKey(hash)); err != nil {
		slog.Warn("answer cache read failed", "error", err)
	} else if found {
		return string(val), true, nil
	}

	ans, err := s.store.GetAnswer(ctx, hash)
	if errors.Is(err, store.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}

	if err := s.cache.Set(ctx, cache.AnswerKey(hash), []byte(ans.Response), s.ttl); err != nil {
		slog.Warn("answer cache backfill failed", "error", err)
	}
	return ans.Response, true, nil
}

// Get returns the full stored record for a prompt, or ErrNotFound.
func (s *Service) Get(ctx context.Context, prompt string) (*models.CachedAnswer, error) {
	return s.store.GetAnswer(ctx, PromptHash(prompt))
}

// Upsert stores response as the canonical answer for prompt, overwriting any
// previous record for the same hash (last writer wins). The stored prompt
// text is the trimmed form the hash was computed over.
func (s *Service) Upsert(ctx context.Context, prompt, response string) error {
	prompt = strings.TrimSpace(prompt)
	hash := PromptHash(prompt)
	if err := s.store.UpsertAnswer(ctx, &models.CachedAnswer{
		PromptHash: hash,
		Prompt:     prompt,
		Response:   response,
		CreatedAt:  time.Now().UTC(),
	}); err != nil {
		return err
	}

	if err := s.cache.Set(ctx, cache.AnswerKey(hash), []byte(response), s.ttl); err != nil {
		slog.Warn("answer cache write failed", "error", err)
	}
	return nil
}

// UpsertAsync runs Upsert off the request's critical path. The task is
// tracked (Wait drains it at shutdown) and failures are logged; the client
// already has its answer by the time this runs.
func (s *Service) UpsertAsync(prompt, response string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), asyncUpsertTimeout)
		defer cancel()
		if err := s.Upsert(ctx, prompt, response); err != nil {
			slog.Error("deferred answer upsert failed", "error", err)
		}
	}()
}

// Submit stores an externally supplied answer list, joined with Separator,
// as the canonical response for prompt.
func (s *Service) Submit(ctx context.Context, prompt string, answersList []string) error {
	return s.Upsert(ctx, prompt, strings.Join(answersList, Separator))
}

// Wait blocks until all deferred upserts have finished.
func (s *Service) Wait() {
	s.wg.Wait()
}
