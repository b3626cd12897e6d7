// Package relay converts inbound multi-part prompts into completion
// requests, drives the session manager, and streams the answer back while
// accumulating it for persistence.
package relay

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tullysh/quizrelay/internal/config"
	"github.com/tullysh/quizrelay/internal/session"
	"github.com/tullysh/quizrelay/pkg/models"
)

// Attachment lists longer than attachmentSoftCap are cut down to the first
// attachmentHardCap entries to bound request size and cost.
const (
	attachmentSoftCap = 10
	attachmentHardCap = 9
)

const defaultImageMIME = "image/jpeg"

// Request is one inbound prompt to relay.
type Request struct {
	// Key is the validated key record for this request.
	Key *models.APIKey
	// Prompt is the joined text of the request, possibly empty.
	Prompt string
	// Attachments are the decoded inbound images, in arrival order.
	Attachments []models.Attachment
	// Model optionally overrides automatic model selection.
	Model string
}

// Service is the prompt relay.
type Service struct {
	provider      models.CompletionProvider
	sessions      *session.Manager
	textModel     string
	visionModel   string
	streamTimeout time.Duration
}

// NewService creates a relay Service.
func NewService(provider models.CompletionProvider, sessions *session.Manager, cfg config.AIConfig) *Service {
	return &Service{
		provider:      provider,
		sessions:      sessions,
		textModel:     cfg.TextModel,
		visionModel:   cfg.VisionModel,
		streamTimeout: cfg.StreamTimeout,
	}
}

// Stream starts relaying req and returns the live fragment stream. Provider
// failures never surface as errors: they become a single terminal
// "Error: <message>" fragment, so the HTTP layer can keep streaming
// text/plain no matter what happens upstream.
func (s *Service) Stream(ctx context.Context, req Request) *Stream {
	st := &Stream{fragments: make(chan string)}
	go s.run(ctx, req, st)
	return st
}

// Stream is the relay's output: a single-pass fragment sequence. Recv
// returns io.EOF after the final fragment. Text and Completed are valid
// once Recv has returned io.EOF.
type Stream struct {
	fragments chan string

	full      strings.Builder
	completed bool
}

// Recv returns the next fragment, or io.EOF when the stream is exhausted.
func (st *Stream) Recv() (string, error) {
	frag, ok := <-st.fragments
	if !ok {
		return "", io.EOF
	}
	return frag, nil
}

// Text returns the full accumulated answer.
func (st *Stream) Text() string { return st.full.String() }

// Completed reports whether the provider stream was exhausted normally.
// False means the answer was cut short by an error or cancellation, and the
// accumulated text must not be treated as a canonical answer.
func (st *Stream) Completed() bool { return st.completed }

func (s *Service) run(ctx context.Context, req Request, st *Stream) {
	defer close(st.fragments)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in relay", "error", r)
		}
	}()

	// Serialize conversation access per key for the whole exchange.
	unlock := s.sessions.Lock(req.Key.KeyHash)
	defer unlock()

	attachments := capAttachments(req.Attachments)

	// Materialized attachment files are removed on every exit path:
	// success, provider error, cancellation, or panic.
	spoolDir, spooled := spoolAttachments(attachments)
	if spoolDir != "" {
		defer os.RemoveAll(spoolDir)
	}

	conv := s.sessions.GetOrCreate(ctx, req.Key)

	model := s.selectModel(req.Model, len(spooled))
	userTurn := shapeUserTurn(req.Prompt, spooled)

	messages := make([]models.ChatMessage, 0, len(conv.History())+2)
	messages = append(messages, models.ChatMessage{Role: models.RoleSystem, Content: systemPrompt})
	messages = append(messages, conv.History()...)
	messages = append(messages, userTurn)

	streamCtx, cancel := context.WithTimeout(ctx, s.streamTimeout)
	defer cancel()

	upstream, err := s.provider.StreamCompletion(streamCtx, models.CompletionRequest{
		Model:    model,
		Messages: messages,
	})
	if err != nil && len(spooled) > 0 {
		// Fallback policy: retry exactly once without attachments on the
		// text model. Applied only before any fragment has been delivered;
		// already-streamed output cannot be replayed.
		slog.Warn("completion failed, retrying text-only",
			"provider", s.provider.Name(), "model", model, "error", err)
		messages[len(messages)-1] = models.ChatMessage{
			Role:    models.RoleUser,
			Content: userTurn.Content,
		}
		upstream, err = s.provider.StreamCompletion(streamCtx, models.CompletionRequest{
			Model:    s.textModel,
			Messages: messages,
		})
	}
	if err != nil {
		slog.Error("completion request failed",
			"provider", s.provider.Name(), "model", model, "error", err)
		s.emit(ctx, st, "Error: "+err.Error())
		return
	}
	defer upstream.Close()

	for {
		frag, recvErr := upstream.Recv()
		if recvErr == io.EOF {
			break
		}
		if recvErr != nil {
			// Mid-stream failure: recover locally with a terminal
			// diagnostic fragment; never an exception to the HTTP layer.
			slog.Error("stream interrupted",
				"provider", s.provider.Name(), "model", model, "error", recvErr)
			s.emit(ctx, st, "Error: "+recvErr.Error())
			return
		}
		st.full.WriteString(frag)
		if !s.emit(ctx, st, frag) {
			// Client went away: stop consuming, discard the partial
			// answer rather than persisting a truncated assistant turn.
			return
		}
	}

	st.completed = true

	// History records the plain prompt, never the multipart form.
	conv.Append(models.RoleUser, req.Prompt)
	conv.Append(models.RoleAssistant, st.full.String())
	if err := s.sessions.Persist(ctx, req.Key.KeyHash, conv); err != nil {
		// The answer already reached the client; persistence failures are
		// logged, not surfaced.
		slog.Error("persist conversation failed", "error", err)
	}
}

// emit delivers one fragment, honoring cancellation. Reports false when the
// consumer is gone.
func (s *Service) emit(ctx context.Context, st *Stream, frag string) bool {
	select {
	case st.fragments <- frag:
		return true
	case <-ctx.Done():
		return false
	}
}

// selectModel picks the backend: an explicit override wins; otherwise the
// vision model serves image-bearing requests and the text model everything
// else. Pure function of the attachment count, evaluated once per call.
func (s *Service) selectModel(override string, attachments int) string {
	if override != "" && override != s.textModel {
		return override
	}
	if attachments > 0 {
		return s.visionModel
	}
	return s.textModel
}

// capAttachments trims oversized attachment lists: anything longer than the
// soft cap keeps only the first attachmentHardCap entries.
func capAttachments(atts []models.Attachment) []models.Attachment {
	if len(atts) > attachmentSoftCap {
		return atts[:attachmentHardCap]
	}
	return atts
}

// spooled is one attachment materialized on disk.
type spooled struct {
	path string
	mime string
}

// spoolAttachments writes each attachment into a scoped temp dir and returns
// the dir (for cleanup) plus the per-file records. Attachments that cannot
// be spooled are dropped with a log line; the request continues with the
// rest.
func spoolAttachments(atts []models.Attachment) (string, []spooled) {
	if len(atts) == 0 {
		return "", nil
	}
	dir, err := os.MkdirTemp("", "quizrelay-att-*")
	if err != nil {
		slog.Error("create attachment spool failed", "error", err)
		return "", nil
	}

	files := make([]spooled, 0, len(atts))
	for i, att := range atts {
		path := filepath.Join(dir, fmt.Sprintf("att-%d", i))
		if err := os.WriteFile(path, att.Data, 0o600); err != nil {
			slog.Warn("spool attachment failed, dropping", "index", i, "error", err)
			continue
		}
		mime := att.MIMEType
		if mime == "" {
			mime = defaultImageMIME
		}
		files = append(files, spooled{path: path, mime: mime})
	}
	return dir, files
}

// shapeUserTurn builds the current user turn: a plain string when there are
// no attachments, else one text part (placeholder when the prompt is empty)
// followed by one data-URI image part per attachment.
func shapeUserTurn(prompt string, files []spooled) models.ChatMessage {
	if len(files) == 0 {
		return models.ChatMessage{Role: models.RoleUser, Content: prompt}
	}

	text := prompt
	if text == "" {
		text = emptyPromptPlaceholder
	}
	parts := []models.ContentPart{{Type: models.PartText, Text: text}}
	for _, f := range files {
		data, err := os.ReadFile(f.path)
		if err != nil {
			slog.Warn("read spooled attachment failed, dropping", "path", f.path, "error", err)
			continue
		}
		parts = append(parts, models.ContentPart{
			Type:     models.PartImageURL,
			ImageURL: fmt.Sprintf("data:%s;base64,%s", f.mime, base64.StdEncoding.EncodeToString(data)),
		})
	}
	return models.ChatMessage{Role: models.RoleUser, Content: text, Parts: parts}
}
