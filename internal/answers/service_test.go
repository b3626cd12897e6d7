package answers_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tullysh/quizrelay/internal/answers"
	"github.com/tullysh/quizrelay/internal/store"
	"github.com/tullysh/quizrelay/pkg/models"
)

// fakeStore holds answers in memory, keyed by prompt hash.
type fakeStore struct {
	mu      sync.Mutex
	answers map[string]*models.CachedAnswer
	getErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{answers: map[string]*models.CachedAnswer{}}
}

func (f *fakeStore) Ping(context.Context) error { return nil }

func (f *fakeStore) ConsumeUse(context.Context, string) (*models.APIKey, error) {
	return nil, store.ErrNotFound
}

func (f *fakeStore) GetAPIKey(context.Context, string) (*models.APIKey, error) {
	return nil, store.ErrNotFound
}

func (f *fakeStore) CreateAPIKey(context.Context, *models.APIKey) error { return nil }

func (f *fakeStore) SaveConversationState(context.Context, string, []byte) error { return nil }

func (f *fakeStore) ClearConversationState(context.Context, string) error { return nil }

func (f *fakeStore) GetAnswer(_ context.Context, promptHash string) (*models.CachedAnswer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	ans, ok := f.answers[promptHash]
	if !ok {
		return nil, store.ErrNotFound
	}
	return ans, nil
}

func (f *fakeStore) UpsertAnswer(_ context.Context, answer *models.CachedAnswer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers[answer.PromptHash] = answer
	return nil
}

var _ store.Store = (*fakeStore)(nil)

// fakeCache is an in-memory Cache. TTLs are recorded, not enforced.
type fakeCache struct {
	mu      sync.Mutex
	entries map[string][]byte
	ttls    map[string]time.Duration
	getErr  error
	setErr  error
	gets    int
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: map[string][]byte{}, ttls: map[string]time.Duration{}}
}

func (f *fakeCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return f.setErr
	}
	f.entries[key] = value
	f.ttls[key] = ttl
	return nil
}

func (f *fakeCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if f.getErr != nil {
		return nil, false, f.getErr
	}
	val, ok := f.entries[key]
	return val, ok, nil
}

func (f *fakeCache) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, key)
	return nil
}

func (f *fakeCache) Ping(context.Context) error { return nil }

func (f *fakeCache) IncrWithExpiry(context.Context, string, time.Duration) (int64, error) {
	return 0, nil
}

// --- PromptHash ---

func TestPromptHash_TrimsWhitespace(t *testing.T) {
	base := answers.PromptHash("what is DNS")
	assert.Equal(t, base, answers.PromptHash("  what is DNS  "))
	assert.Equal(t, base, answers.PromptHash("\nwhat is DNS\t"))
}

func TestPromptHash_CaseAndSpacingMatter(t *testing.T) {
	base := answers.PromptHash("what is DNS")
	assert.NotEqual(t, base, answers.PromptHash("What is DNS"))
	assert.NotEqual(t, base, answers.PromptHash("what  is DNS"))
}

func TestPromptHash_IsHexSHA256(t *testing.T) {
	hash := answers.PromptHash("")
	assert.Len(t, hash, 64)
	// SHA-256 of the empty string.
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", hash)
}

// --- Lookup ---

func TestLookup_Miss(t *testing.T) {
	svc := answers.NewService(newFakeStore(), newFakeCache(), time.Hour)

	resp, found, err := svc.Lookup(context.Background(), "never seen")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Empty(t, resp)
}

func TestLookup_StoreHitBackfillsCache(t *testing.T) {
	fs := newFakeStore()
	fc := newFakeCache()
	svc := answers.NewService(fs, fc, time.Hour)
	ctx := context.Background()

	require.NoError(t, svc.Upsert(ctx, "q1", "a1"))
	// Simulate an evicted hot tier.
	fc.entries = map[string][]byte{}

	resp, found, err := svc.Lookup(ctx, "q1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "a1", resp)

	// A second lookup is served from the backfilled cache entry.
	fc.mu.Lock()
	assert.Len(t, fc.entries, 1)
	fc.mu.Unlock()
}

func TestLookup_CacheHitSkipsStore(t *testing.T) {
	fs := newFakeStore()
	fs.getErr = assert.AnError // store must not be consulted
	fc := newFakeCache()
	svc := answers.NewService(fs, fc, time.Hour)
	ctx := context.Background()

	hash := answers.PromptHash("q1")
	require.NoError(t, fc.Set(ctx, "answer:"+hash, []byte("cached"), time.Hour))

	resp, found, err := svc.Lookup(ctx, "q1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "cached", resp)
}

func TestLookup_CacheFailureFallsThroughToStore(t *testing.T) {
	fs := newFakeStore()
	fc := newFakeCache()
	svc := answers.NewService(fs, fc, time.Hour)
	ctx := context.Background()

	require.NoError(t, svc.Upsert(ctx, "q1", "a1"))
	fc.getErr = assert.AnError

	resp, found, err := svc.Lookup(ctx, "q1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "a1", resp)
}

func TestLookup_TrimmedPromptsShareAnswers(t *testing.T) {
	svc := answers.NewService(newFakeStore(), newFakeCache(), time.Hour)
	ctx := context.Background()

	require.NoError(t, svc.Upsert(ctx, "q1", "a1"))

	resp, found, err := svc.Lookup(ctx, "   q1   ")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "a1", resp)
}

// --- Upsert / Submit ---

func TestUpsert_LastWriterWins(t *testing.T) {
	fs := newFakeStore()
	svc := answers.NewService(fs, newFakeCache(), time.Hour)
	ctx := context.Background()

	require.NoError(t, svc.Upsert(ctx, "q1", "first"))
	require.NoError(t, svc.Upsert(ctx, "q1", "second"))

	got, err := svc.Get(ctx, "q1")
	require.NoError(t, err)
	assert.Equal(t, "second", got.Response)
}

func TestUpsert_StoresTrimmedPromptText(t *testing.T) {
	fs := newFakeStore()
	svc := answers.NewService(fs, newFakeCache(), time.Hour)
	ctx := context.Background()

	require.NoError(t, svc.Upsert(ctx, "  what is DNS\n", "a naming system"))

	got, err := svc.Get(ctx, "what is DNS")
	require.NoError(t, err)
	assert.Equal(t, "what is DNS", got.Prompt)
	assert.Equal(t, answers.PromptHash("what is DNS"), got.PromptHash)
}

func TestUpsert_CacheWriteFailureIsNotFatal(t *testing.T) {
	fc := newFakeCache()
	fc.setErr = assert.AnError
	svc := answers.NewService(newFakeStore(), fc, time.Hour)

	err := svc.Upsert(context.Background(), "q1", "a1")
	assert.NoError(t, err)
}

func TestSubmit_JoinsAnswers(t *testing.T) {
	svc := answers.NewService(newFakeStore(), newFakeCache(), time.Hour)
	ctx := context.Background()

	require.NoError(t, svc.Submit(ctx, "q1", []string{"alpha", "beta", "gamma"}))

	got, err := svc.Get(ctx, "q1")
	require.NoError(t, err)
	assert.Equal(t, "alpha || beta || gamma", got.Response)
}

func TestSubmit_SingleAnswerHasNoSeparator(t *testing.T) {
	svc := answers.NewService(newFakeStore(), newFakeCache(), time.Hour)
	ctx := context.Background()

	require.NoError(t, svc.Submit(ctx, "q1", []string{"only one"}))

	got, err := svc.Get(ctx, "q1")
	require.NoError(t, err)
	assert.Equal(t, "only one", got.Response)
}

// --- Async ---

func TestUpsertAsync_CompletesBeforeWaitReturns(t *testing.T) {
	fs := newFakeStore()
	svc := answers.NewService(fs, newFakeCache(), time.Hour)

	svc.UpsertAsync("q1", "a1")
	svc.Wait()

	got, err := svc.Get(context.Background(), "q1")
	require.NoError(t, err)
	assert.Equal(t, "a1", got.Response)
}

// --- Get ---

func TestGet_NotFound(t *testing.T) {
	svc := answers.NewService(newFakeStore(), newFakeCache(), time.Hour)

	_, err := svc.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, answers.ErrNotFound)
}
