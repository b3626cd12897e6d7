// Package ollama implements the completion provider against a local Ollama
// server using its streaming /api/chat endpoint (NDJSON chunks).
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tullysh/quizrelay/internal/config"
	"github.com/tullysh/quizrelay/pkg/models"
)

var ErrBadStatus = errors.New("ollama request rejected")

// Provider implements models.CompletionProvider using Ollama.
type Provider struct {
	cfg    config.OllamaConfig
	client *http.Client
}

func NewProvider(cfg config.OllamaConfig) *Provider {
	return &Provider{
		cfg: cfg,
		// Streams are cancelled through the request context, not a client
		// timeout.
		client: &http.Client{},
	}
}

func (p *Provider) Name() string { return "ollama" }

func (p *Provider) StreamCompletion(ctx context.Context, req models.CompletionRequest) (models.CompletionStream, error) {
	body, err := json.Marshal(chatRequest{
		Model:    req.Model,
		Messages: wireMessages(req.Messages),
		Stream:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	u := strings.TrimRight(p.cfg.BaseURL, "/") + "/api/chat"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		buf, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("%w: status %d: %s", ErrBadStatus, resp.StatusCode, strings.TrimSpace(string(buf)))
	}

	return &stream{body: resp.Body, dec: json.NewDecoder(resp.Body)}, nil
}

type stream struct {
	body io.ReadCloser
	dec  *json.Decoder
	done bool
}

func (s *stream) Recv() (string, error) {
	if s.done {
		return "", io.EOF
	}
	for {
		var chunk chatChunk
		if err := s.dec.Decode(&chunk); err != nil {
			s.done = true
			if errors.Is(err, io.EOF) {
				return "", io.EOF
			}
			return "", fmt.Errorf("decode chunk: %w", err)
		}
		if chunk.Done {
			s.done = true
			if chunk.Message.Content != "" {
				return chunk.Message.Content, nil
			}
			return "", io.EOF
		}
		if chunk.Message.Content != "" {
			return chunk.Message.Content, nil
		}
	}
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

type wireMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type chatChunk struct {
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Done bool `json:"done"`
}

// wireMessages flattens multi-part turns: the text part becomes the content
// string, data-URI image parts become raw base64 entries in images.
func wireMessages(msgs []models.ChatMessage) []wireMessage {
	out := make([]wireMessage, 0, len(msgs))
	for _, m := range msgs {
		w := wireMessage{Role: m.Role, Content: m.Content}
		for _, p := range m.Parts {
			switch p.Type {
			case models.PartText:
				w.Content = p.Text
			case models.PartImageURL:
				if b64 := stripDataURI(p.ImageURL); b64 != "" {
					w.Images = append(w.Images, b64)
				}
			}
		}
		out = append(out, w)
	}
	return out
}

// stripDataURI extracts the base64 payload from a data URI. Returns the
// input unchanged when it is already bare base64.
func stripDataURI(uri string) string {
	if !strings.HasPrefix(uri, "data:") {
		return uri
	}
	if i := strings.Index(uri, ";base64,"); i >= 0 {
		return uri[i+len(";base64,"):]
	}
	return ""
}

// Compile-time check that Provider implements CompletionProvider.
var _ models.CompletionProvider = (*Provider)(nil)
