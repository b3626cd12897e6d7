package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	mw "github.com/tullysh/quizrelay/internal/api/middleware"
	"github.com/tullysh/quizrelay/internal/api/response"
	"github.com/tullysh/quizrelay/internal/relay"
	"github.com/tullysh/quizrelay/pkg/models"
)

// Relayer defines the streaming interface the handlers depend on.
type Relayer interface {
	Stream(ctx context.Context, req relay.Request) *relay.Stream
}

// AnswerCache defines the answer store interface the handlers depend on.
type AnswerCache interface {
	Lookup(ctx context.Context, prompt string) (string, bool, error)
	Get(ctx context.Context, prompt string) (*models.CachedAnswer, error)
	Submit(ctx context.Context, prompt string, answersList []string) error
	UpsertAsync(prompt, response string)
}

// --- request body (matches the userscript payload) ---

type generateRequest struct {
	Contents []content `json:"contents"`
	// generationConfig and safetySettings are accepted but ignored.
	GenerationConfig json.RawMessage `json:"generationConfig,omitempty"`
	SafetySettings   json.RawMessage `json:"safetySettings,omitempty"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inline_data,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mime_type"`
	Data     string `json:"data"`
}

// collectParts flattens the request body into the prompt text and the
// decoded attachments. A malformed base64 attachment is dropped with a log
// line; the rest of the request proceeds.
func collectParts(contents []content) (string, []models.Attachment) {
	var prompt strings.Builder
	var attachments []models.Attachment

	for _, c := range contents {
		for _, p := range c.Parts {
			if p.Text != "" {
				prompt.WriteString(p.Text)
				prompt.WriteString("\n")
			}
			if p.InlineData != nil && p.InlineData.Data != "" {
				data, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
				if err != nil {
					slog.Warn("dropping undecodable attachment", "error", err)
					continue
				}
				attachments = append(attachments, models.Attachment{
					MIMEType: p.InlineData.MIMEType,
					Data:     data,
				})
			}
		}
	}
	return prompt.String(), attachments
}

// NewGenerateHandler returns the handler for POST /ai: always invokes the
// relay, streams the answer as text/plain, and schedules a cache upsert
// once the full answer is known.
func NewGenerateHandler(svc Relayer, answerCache AnswerCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, req, ok := decodeGenerateRequest(w, r)
		if !ok {
			return
		}
		prompt, attachments := collectParts(req.Contents)
		streamCompletion(w, r, svc, answerCache, key, prompt, attachments)
	}
}

// NewAskHandler returns the handler for POST /ask: like /ai, but the answer
// cache is consulted first and a hit is replayed verbatim as a single chunk
// without touching the provider.
func NewAskHandler(svc Relayer, answerCache AnswerCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, req, ok := decodeGenerateRequest(w, r)
		if !ok {
			return
		}
		prompt, attachments := collectParts(req.Contents)

		if cached, found, err := answerCache.Lookup(r.Context(), prompt); err != nil {
			slog.Error("answer lookup failed", "error", err)
		} else if found {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			_, _ = io.WriteString(w, cached)
			return
		}

		streamCompletion(w, r, svc, answerCache, key, prompt, attachments)
	}
}

func decodeGenerateRequest(w http.ResponseWriter, r *http.Request) (*models.APIKey, *generateRequest, bool) {
	key, ok := mw.GetAPIKey(r)
	if !ok {
		response.Error(w, http.StatusBadRequest, "INVALID_KEY", "Invalid API Key", nil)
		return nil, nil, false
	}

	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
		return nil, nil, false
	}
	if len(req.Contents) == 0 {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "contents is required", nil)
		return nil, nil, false
	}
	return key, &req, true
}

// streamCompletion relays the prompt and forwards fragments to the client
// as they arrive. Once streaming has begun, failures become text inside the
// stream, never an HTTP error status.
func streamCompletion(w http.ResponseWriter, r *http.Request, svc Relayer, answerCache AnswerCache,
	key *models.APIKey, prompt string, attachments []models.Attachment) {

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, _ := w.(http.Flusher)

	st := svc.Stream(r.Context(), relay.Request{
		Key:         key,
		Prompt:      prompt,
		Attachments: attachments,
	})

	for {
		frag, err := st.Recv()
		if err == io.EOF {
			break
		}
		if _, werr := io.WriteString(w, frag); werr != nil {
			// Client went away; the relay notices via the request context.
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}

	// Deferred persistence: only a normally completed answer is canonical.
	if st.Completed() {
		answerCache.UpsertAsync(prompt, st.Text())
	}
}
