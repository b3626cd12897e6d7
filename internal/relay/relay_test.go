package relay_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tullysh/quizrelay/internal/ai/mock"
	"github.com/tullysh/quizrelay/internal/config"
	"github.com/tullysh/quizrelay/internal/relay"
	"github.com/tullysh/quizrelay/internal/session"
	"github.com/tullysh/quizrelay/internal/store"
	"github.com/tullysh/quizrelay/pkg/models"
)

type fakeStore struct {
	mu     sync.Mutex
	states map[string][]byte
}

func newFakeStore() *fakeStore {
	return &fakeStore{states: map[string][]byte{}}
}

func (f *fakeStore) Ping(context.Context) error { return nil }

func (f *fakeStore) ConsumeUse(context.Context, string) (*models.APIKey, error) {
	return nil, store.ErrNotFound
}

func (f *fakeStore) GetAPIKey(context.Context, string) (*models.APIKey, error) {
	return nil, store.ErrNotFound
}

func (f *fakeStore) CreateAPIKey(context.Context, *models.APIKey) error { return nil }

func (f *fakeStore) SaveConversationState(_ context.Context, keyHash string, state []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[keyHash] = state
	return nil
}

func (f *fakeStore) ClearConversationState(_ context.Context, keyHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.states, keyHash)
	return nil
}

func (f *fakeStore) GetAnswer(context.Context, string) (*models.CachedAnswer, error) {
	return nil, store.ErrNotFound
}

func (f *fakeStore) UpsertAnswer(context.Context, *models.CachedAnswer) error { return nil }

func (f *fakeStore) state(keyHash string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.states[keyHash]
}

var _ store.Store = (*fakeStore)(nil)

func newService(provider models.CompletionProvider, fs store.Store) *relay.Service {
	sessions := session.NewManager(fs, provider, config.SessionConfig{
		IdleTimeout:  15 * time.Minute,
		HistoryLimit: 10,
	})
	return relay.NewService(provider, sessions, config.AIConfig{
		TextModel:     "text-model",
		VisionModel:   "vision-model",
		StreamTimeout: 5 * time.Second,
	})
}

func testKey() *models.APIKey {
	return &models.APIKey{KeyHash: "hash-1", UsesLeft: 10}
}

// drain reads the stream to exhaustion and returns all fragments.
func drain(t *testing.T, st *relay.Stream) []string {
	t.Helper()
	var frags []string
	for {
		frag, err := st.Recv()
		if err == io.EOF {
			return frags
		}
		require.NoError(t, err)
		frags = append(frags, frag)
	}
}

// --- Streaming ---

func TestStream_RelaysFragmentsAndPersists(t *testing.T) {
	provider := mock.NewStreamingProvider("The answer", " is", " 42")
	fs := newFakeStore()
	svc := newService(provider, fs)

	st := svc.Stream(context.Background(), relay.Request{Key: testKey(), Prompt: "ultimate question"})
	frags := drain(t, st)

	assert.Equal(t, []string{"The answer", " is", " 42"}, frags)
	assert.Equal(t, "The answer is 42", st.Text())
	assert.True(t, st.Completed())

	// Both turns of the exchange reached storage.
	state := fs.state("hash-1")
	require.NotEmpty(t, state)
	assert.Contains(t, string(state), "ultimate question")
	assert.Contains(t, string(state), "The answer is 42")
}

func TestStream_SetupFailureBecomesErrorFragment(t *testing.T) {
	provider := mock.NewFailingProvider(errors.New("upstream down"))
	fs := newFakeStore()
	svc := newService(provider, fs)

	st := svc.Stream(context.Background(), relay.Request{Key: testKey(), Prompt: "q"})
	frags := drain(t, st)

	require.Len(t, frags, 1)
	assert.Equal(t, "Error: upstream down", frags[0])
	assert.False(t, st.Completed())
	assert.Empty(t, fs.state("hash-1"))
}

func TestStream_MidStreamFailure(t *testing.T) {
	provider := mock.NewInterruptedProvider(errors.New("connection reset"), "partial ")
	fs := newFakeStore()
	svc := newService(provider, fs)

	st := svc.Stream(context.Background(), relay.Request{Key: testKey(), Prompt: "q"})
	frags := drain(t, st)

	assert.Equal(t, []string{"partial ", "Error: connection reset"}, frags)
	assert.False(t, st.Completed())
	// A truncated answer is never persisted as an assistant turn.
	assert.Empty(t, fs.state("hash-1"))
}

func TestStream_SystemInstructionLeadsEveryRequest(t *testing.T) {
	provider := mock.NewStreamingProvider("ok")
	svc := newService(provider, newFakeStore())

	st := svc.Stream(context.Background(), relay.Request{Key: testKey(), Prompt: "q"})
	drain(t, st)

	reqs := provider.Requests()
	require.Len(t, reqs, 1)
	require.NotEmpty(t, reqs[0].Messages)
	assert.Equal(t, models.RoleSystem, reqs[0].Messages[0].Role)
	assert.NotEmpty(t, reqs[0].Messages[0].Content)
}

func TestStream_ResumedHistoryPrecedesUserTurn(t *testing.T) {
	provider := mock.NewStreamingProvider("a2")
	svc := newService(provider, newFakeStore())

	state, err := json.Marshal(map[string]any{
		"messages": []map[string]string{
			{"role": models.RoleUser, "content": "q1"},
			{"role": models.RoleAssistant, "content": "a1"},
		},
	})
	require.NoError(t, err)
	lastUsed := time.Now().Add(-time.Minute)
	key := &models.APIKey{KeyHash: "hash-1", LastUsed: &lastUsed, ConversationState: state}

	st := svc.Stream(context.Background(), relay.Request{Key: key, Prompt: "q2"})
	drain(t, st)

	reqs := provider.Requests()
	require.Len(t, reqs, 1)
	msgs := reqs[0].Messages
	require.Len(t, msgs, 4)
	assert.Equal(t, models.RoleSystem, msgs[0].Role)
	assert.Equal(t, "q1", msgs[1].Content)
	assert.Equal(t, "a1", msgs[2].Content)
	assert.Equal(t, "q2", msgs[3].Content)
}

// --- Model selection ---

func TestStream_TextModelForPlainPrompts(t *testing.T) {
	provider := mock.NewStreamingProvider("ok")
	svc := newService(provider, newFakeStore())

	st := svc.Stream(context.Background(), relay.Request{Key: testKey(), Prompt: "q"})
	drain(t, st)

	require.Len(t, provider.Requests(), 1)
	assert.Equal(t, "text-model", provider.Requests()[0].Model)
}

func TestStream_VisionModelForAttachments(t *testing.T) {
	provider := mock.NewStreamingProvider("ok")
	svc := newService(provider, newFakeStore())

	st := svc.Stream(context.Background(), relay.Request{
		Key:         testKey(),
		Prompt:      "what is in this image",
		Attachments: []models.Attachment{{MIMEType: "image/png", Data: []byte{1, 2, 3}}},
	})
	drain(t, st)

	require.Len(t, provider.Requests(), 1)
	assert.Equal(t, "vision-model", provider.Requests()[0].Model)
}

func TestStream_ModelOverrideWins(t *testing.T) {
	provider := mock.NewStreamingProvider("ok")
	svc := newService(provider, newFakeStore())

	st := svc.Stream(context.Background(), relay.Request{
		Key:    testKey(),
		Prompt: "q",
		Model:  "custom/model",
	})
	drain(t, st)

	require.Len(t, provider.Requests(), 1)
	assert.Equal(t, "custom/model", provider.Requests()[0].Model)
}

func TestStream_DefaultOverrideStillPicksVision(t *testing.T) {
	provider := mock.NewStreamingProvider("ok")
	svc := newService(provider, newFakeStore())

	// An override naming the default text model is treated as no override.
	st := svc.Stream(context.Background(), relay.Request{
		Key:         testKey(),
		Prompt:      "q",
		Model:       "text-model",
		Attachments: []models.Attachment{{Data: []byte{1}}},
	})
	drain(t, st)

	require.Len(t, provider.Requests(), 1)
	assert.Equal(t, "vision-model", provider.Requests()[0].Model)
}

// --- User turn shaping ---

func TestStream_EmptyPromptWithAttachmentGetsPlaceholder(t *testing.T) {
	provider := mock.NewStreamingProvider("ok")
	svc := newService(provider, newFakeStore())

	st := svc.Stream(context.Background(), relay.Request{
		Key:         testKey(),
		Attachments: []models.Attachment{{MIMEType: "image/png", Data: []byte{1}}},
	})
	drain(t, st)

	reqs := provider.Requests()
	require.Len(t, reqs, 1)
	last := reqs[0].Messages[len(reqs[0].Messages)-1]
	require.NotEmpty(t, last.Parts)
	assert.Equal(t, models.PartText, last.Parts[0].Type)
	assert.Equal(t, "Analyze the attached image.", last.Parts[0].Text)
}

func TestStream_AttachmentsBecomeDataURIParts(t *testing.T) {
	provider := mock.NewStreamingProvider("ok")
	svc := newService(provider, newFakeStore())

	st := svc.Stream(context.Background(), relay.Request{
		Key:    testKey(),
		Prompt: "describe",
		Attachments: []models.Attachment{
			{MIMEType: "image/png", Data: []byte("png-bytes")},
			{Data: []byte("no-mime")},
		},
	})
	drain(t, st)

	reqs := provider.Requests()
	require.Len(t, reqs, 1)
	last := reqs[0].Messages[len(reqs[0].Messages)-1]
	require.Len(t, last.Parts, 3)
	assert.True(t, strings.HasPrefix(last.Parts[1].ImageURL, "data:image/png;base64,"))
	// Missing MIME types default to JPEG.
	assert.True(t, strings.HasPrefix(last.Parts[2].ImageURL, "data:image/jpeg;base64,"))
}

func TestStream_OversizedAttachmentListIsCapped(t *testing.T) {
	provider := mock.NewStreamingProvider("ok")
	svc := newService(provider, newFakeStore())

	atts := make([]models.Attachment, 15)
	for i := range atts {
		atts[i] = models.Attachment{MIMEType: "image/png", Data: []byte{byte(i)}}
	}

	st := svc.Stream(context.Background(), relay.Request{Key: testKey(), Prompt: "q", Attachments: atts})
	drain(t, st)

	reqs := provider.Requests()
	require.Len(t, reqs, 1)
	last := reqs[0].Messages[len(reqs[0].Messages)-1]
	// One text part plus the first nine images.
	assert.Len(t, last.Parts, 10)
}

func TestStream_ExactlyTenAttachmentsKept(t *testing.T) {
	provider := mock.NewStreamingProvider("ok")
	svc := newService(provider, newFakeStore())

	atts := make([]models.Attachment, 10)
	for i := range atts {
		atts[i] = models.Attachment{MIMEType: "image/png", Data: []byte{byte(i)}}
	}

	st := svc.Stream(context.Background(), relay.Request{Key: testKey(), Prompt: "q", Attachments: atts})
	drain(t, st)

	reqs := provider.Requests()
	require.Len(t, reqs, 1)
	last := reqs[0].Messages[len(reqs[0].Messages)-1]
	assert.Len(t, last.Parts, 11)
}

// --- Fallback ---

func TestStream_RetriesTextOnlyWhenVisionSetupFails(t *testing.T) {
	var calls []models.CompletionRequest
	provider := &mock.MockProvider{
		StreamCompletionFunc: func(_ context.Context, req models.CompletionRequest) (models.CompletionStream, error) {
			calls = append(calls, req)
			if len(calls) == 1 {
				return nil, errors.New("model rejected multipart input")
			}
			return mock.NewScriptedStream("fallback answer"), nil
		},
	}
	fs := newFakeStore()
	svc := newService(provider, fs)

	st := svc.Stream(context.Background(), relay.Request{
		Key:         testKey(),
		Prompt:      "q",
		Attachments: []models.Attachment{{Data: []byte{1}}},
	})
	frags := drain(t, st)

	assert.Equal(t, []string{"fallback answer"}, frags)
	assert.True(t, st.Completed())

	require.Len(t, calls, 2)
	assert.Equal(t, "vision-model", calls[0].Model)
	assert.Equal(t, "text-model", calls[1].Model)
	// The retry drops the multipart form entirely.
	retryLast := calls[1].Messages[len(calls[1].Messages)-1]
	assert.Empty(t, retryLast.Parts)
}

func TestStream_NoRetryWithoutAttachments(t *testing.T) {
	provider := mock.NewFailingProvider(errors.New("boom"))
	svc := newService(provider, newFakeStore())

	st := svc.Stream(context.Background(), relay.Request{Key: testKey(), Prompt: "q"})
	drain(t, st)

	assert.Len(t, provider.Requests(), 1)
}

// --- Cancellation ---

func TestStream_ClientCancelDiscardsPartialAnswer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	provider := mock.NewStreamingProvider("one", "two", "three")
	fs := newFakeStore()
	svc := newService(provider, fs)

	st := svc.Stream(ctx, relay.Request{Key: testKey(), Prompt: "q"})

	frag, err := st.Recv()
	require.NoError(t, err)
	assert.Equal(t, "one", frag)

	cancel()
	// Stop receiving so the producer observes the cancellation.
	time.Sleep(100 * time.Millisecond)

	for {
		if _, err := st.Recv(); err == io.EOF {
			break
		}
	}
	assert.False(t, st.Completed())
	assert.Empty(t, fs.state("hash-1"))
}
