// Package openrouter implements the completion provider against the
// OpenRouter chat completions API (OpenAI-compatible wire format).
package openrouter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/tullysh/quizrelay/internal/config"
	"github.com/tullysh/quizrelay/pkg/models"
	"golang.org/x/sync/singleflight"
)

// Sentinel errors for OpenRouter client failures.
var (
	ErrNotConfigured = errors.New("openrouter not configured")
	ErrBadStatus     = errors.New("openrouter request rejected")
)

// Client lifecycle states.
const (
	stateUninitialized = iota
	stateInitializing
	stateReady
)

// Provider implements models.CompletionProvider using OpenRouter.
// The HTTP client is built lazily on first use; concurrent first requests
// share a single initialization via singleflight.
type Provider struct {
	cfg config.OpenRouterConfig

	initGroup singleflight.Group
	mu        sync.Mutex
	state     int
	client    *http.Client
}

func NewProvider(cfg config.OpenRouterConfig) *Provider {
	return &Provider{cfg: cfg}
}

func (p *Provider) Name() string { return "openrouter" }

// ensureReady runs the Uninitialized -> Initializing -> Ready transition
// exactly once, no matter how many requests race on it.
func (p *Provider) ensureReady() error {
	p.mu.Lock()
	if p.state == stateReady {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	_, err, _ := p.initGroup.Do("init", func() (any, error) {
		p.mu.Lock()
		if p.state == stateReady {
			p.mu.Unlock()
			return nil, nil
		}
		p.state = stateInitializing
		p.mu.Unlock()

		if p.cfg.APIKey == "" {
			p.mu.Lock()
			p.state = stateUninitialized
			p.mu.Unlock()
			return nil, fmt.Errorf("%w: missing API key", ErrNotConfigured)
		}

		// No client-level timeout: completion streams are long-lived and
		// cancelled through the request context instead.
		client := &http.Client{}

		p.mu.Lock()
		p.client = client
		p.state = stateReady
		p.mu.Unlock()
		return nil, nil
	})
	return err
}

func (p *Provider) StreamCompletion(ctx context.Context, req models.CompletionRequest) (models.CompletionStream, error) {
	if err := p.ensureReady(); err != nil {
		return nil, err
	}

	body, err := json.Marshal(chatRequest{
		Model:    req.Model,
		Messages: wireMessages(req.Messages),
		Stream:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal completion request: %w", err)
	}

	u := strings.TrimRight(p.cfg.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	if p.cfg.Referer != "" {
		httpReq.Header.Set("HTTP-Referer", p.cfg.Referer)
	}
	if p.cfg.Title != "" {
		httpReq.Header.Set("X-Title", p.cfg.Title)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openrouter request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		buf, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("%w: status %d: %s", ErrBadStatus, resp.StatusCode, strings.TrimSpace(string(buf)))
	}

	scanner := bufio.NewScanner(resp.Body)
	// A single delta can carry a whole document; the default 64KB token
	// limit would abort the stream on such lines.
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	return &stream{
		body:    resp.Body,
		scanner: scanner,
	}, nil
}

// stream reads SSE "data:" lines off the response body and yields the
// content delta of each chunk. OpenRouter interleaves comment keepalives
// (": OPENROUTER PROCESSING") which are skipped.
type stream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	done    bool
}

func (s *stream) Recv() (string, error) {
	if s.done {
		return "", io.EOF
	}
	for s.scanner.Scan() {
		line := strings.TrimRight(s.scanner.Text(), "\r")
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := line[len("data: "):]
		if payload == "[DONE]" {
			s.done = true
			return "", io.EOF
		}

		var chunk chatChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			// Malformed chunks are skipped, matching upstream tolerance.
			continue
		}
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
			continue
		}
		return chunk.Choices[0].Delta.Content, nil
	}
	s.done = true
	if err := s.scanner.Err(); err != nil {
		return "", fmt.Errorf("read stream: %w", err)
	}
	return "", io.EOF
}

func (s *stream) Close() error {
	s.done = true
	return s.body.Close()
}

// --- wire types ---

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []wireMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

// wireMessage carries either a plain string content or a multi-part list,
// depending on whether the turn bears images.
type wireMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type wireTextPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type wireImagePart struct {
	Type     string       `json:"type"`
	ImageURL wireImageURL `json:"image_url"`
}

type wireImageURL struct {
	URL string `json:"url"`
}

type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

func wireMessages(msgs []models.ChatMessage) []wireMessage {
	out := make([]wireMessage, 0, len(msgs))
	for _, m := range msgs {
		if len(m.Parts) == 0 {
			out = append(out, wireMessage{Role: m.Role, Content: m.Content})
			continue
		}
		parts := make([]any, 0, len(m.Parts))
		for _, p := range m.Parts {
			switch p.Type {
			case models.PartText:
				parts = append(parts, wireTextPart{Type: "text", Text: p.Text})
			case models.PartImageURL:
				parts = append(parts, wireImagePart{Type: "image_url", ImageURL: wireImageURL{URL: p.ImageURL}})
			}
		}
		out = append(out, wireMessage{Role: m.Role, Content: parts})
	}
	return out
}

// Compile-time check that Provider implements CompletionProvider.
var _ models.CompletionProvider = (*Provider)(nil)
