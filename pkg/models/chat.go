// Package models contains shared data models used across the quizrelay codebase.
package models

import "context"

// Chat roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Content part types for multi-part user turns.
const (
	PartText     = "text"
	PartImageURL = "image_url"
)

// ChatMessage is one role-tagged conversation turn in canonical form.
// Content carries the plain text of the turn. Parts, when non-empty, carries
// the structured multi-part form (text plus images) of the current turn of
// an image-bearing request. Persisted history only ever contains plain-text
// turns; images are never replayed.
type ChatMessage struct {
	Role    string        `json:"role"`
	Content string        `json:"content"`
	Parts   []ContentPart `json:"parts,omitempty"`
}

// ContentPart is one element of a multi-part user turn.
type ContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"` // base64 data URI
}

// Attachment is one decoded inbound image.
type Attachment struct {
	MIMEType string
	Data     []byte
}

// CompletionRequest is the input to a streaming completion call.
type CompletionRequest struct {
	Model    string
	Messages []ChatMessage
}

// CompletionStream is a lazy, single-pass, non-restartable sequence of text
// fragments. Recv returns io.EOF after the final fragment. Fragments arrive
// in provider order; implementations must not reorder or batch them.
type CompletionStream interface {
	Recv() (string, error)
	Close() error
}

// CompletionProvider is the core interface that all upstream chat backends
// must implement. Never call specific providers directly — always inject
// this interface.
type CompletionProvider interface {
	// StreamCompletion issues a completion request and returns the live
	// fragment stream. The stream honors ctx cancellation.
	StreamCompletion(ctx context.Context, req CompletionRequest) (CompletionStream, error)
	// Name returns the provider identifier (e.g., "openrouter", "ollama").
	Name() string
}

// SessionDeleter is an optional capability for providers that hold remote
// conversation state. Deletion is best-effort; callers log and continue on
// error.
type SessionDeleter interface {
	DeleteSession(ctx context.Context, sessionID string) error
}
