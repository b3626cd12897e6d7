// Package mock provides a scriptable completion provider for tests.
package mock

import (
	"context"
	"io"
	"sync"

	"github.com/tullysh/quizrelay/pkg/models"
)

// MockProvider satisfies models.CompletionProvider for testing. Every call
// to StreamCompletion is recorded so tests can assert on the model and
// message shape that reached the provider.
type MockProvider struct {
	Name_                string
	StreamCompletionFunc func(ctx context.Context, req models.CompletionRequest) (models.CompletionStream, error)
	DeleteSessionFunc    func(ctx context.Context, sessionID string) error

	mu       sync.Mutex
	requests []models.CompletionRequest
	deleted  []string
}

func (m *MockProvider) Name() string {
	if m.Name_ == "" {
		return "mock"
	}
	return m.Name_
}

func (m *MockProvider) StreamCompletion(ctx context.Context, req models.CompletionRequest) (models.CompletionStream, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	if m.StreamCompletionFunc != nil {
		return m.StreamCompletionFunc(ctx, req)
	}
	return NewScriptedStream(), nil
}

func (m *MockProvider) DeleteSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	m.deleted = append(m.deleted, sessionID)
	m.mu.Unlock()

	if m.DeleteSessionFunc != nil {
		return m.DeleteSessionFunc(ctx, sessionID)
	}
	return nil
}

// Requests returns a copy of all recorded completion requests.
func (m *MockProvider) Requests() []models.CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.CompletionRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// DeletedSessions returns the session IDs passed to DeleteSession.
func (m *MockProvider) DeletedSessions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.deleted))
	copy(out, m.deleted)
	return out
}

// ScriptedStream replays a fixed fragment sequence and then ends with io.EOF,
// or with Err if set.
type ScriptedStream struct {
	Fragments []string
	Err       error

	pos    int
	closed bool
}

// NewScriptedStream returns a stream that yields the given fragments in order.
func NewScriptedStream(fragments ...string) *ScriptedStream {
	return &ScriptedStream{Fragments: fragments}
}

func (s *ScriptedStream) Recv() (string, error) {
	if s.closed {
		return "", io.EOF
	}
	if s.pos < len(s.Fragments) {
		frag := s.Fragments[s.pos]
		s.pos++
		return frag, nil
	}
	if s.Err != nil {
		return "", s.Err
	}
	return "", io.EOF
}

func (s *ScriptedStream) Close() error {
	s.closed = true
	return nil
}

// NewStreamingProvider returns a provider whose every stream yields fragments.
func NewStreamingProvider(fragments ...string) *MockProvider {
	return &MockProvider{
		Name_: "mock",
		StreamCompletionFunc: func(_ context.Context, _ models.CompletionRequest) (models.CompletionStream, error) {
			return NewScriptedStream(fragments...), nil
		},
	}
}

// NewFailingProvider returns a provider whose StreamCompletion always
// returns the given error before any fragment is produced.
func NewFailingProvider(err error) *MockProvider {
	return &MockProvider{
		Name_: "mock-failing",
		StreamCompletionFunc: func(_ context.Context, _ models.CompletionRequest) (models.CompletionStream, error) {
			return nil, err
		},
	}
}

// NewInterruptedProvider returns a provider whose stream yields fragments
// and then fails mid-stream with err instead of ending cleanly.
func NewInterruptedProvider(err error, fragments ...string) *MockProvider {
	return &MockProvider{
		Name_: "mock-interrupted",
		StreamCompletionFunc: func(_ context.Context, _ models.CompletionRequest) (models.CompletionStream, error) {
			return &ScriptedStream{Fragments: fragments, Err: err}, nil
		},
	}
}

// Compile-time checks.
var _ models.CompletionProvider = (*MockProvider)(nil)
var _ models.SessionDeleter = (*MockProvider)(nil)
var _ models.CompletionStream = (*ScriptedStream)(nil)
