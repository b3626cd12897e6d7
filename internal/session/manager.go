// Package session owns the per-key conversation lifecycle: loading and
// expiring serialized history, normalizing legacy entries, and persisting a
// bounded trailing window after each exchange.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tullysh/quizrelay/internal/config"
	"github.com/tullysh/quizrelay/internal/store"
	"github.com/tullysh/quizrelay/pkg/models"
)

// Conversation is the in-memory handle for one key's active conversation.
// It is exclusively owned by a single request between GetOrCreate and
// Persist; the key record's conversation_state is the durable form.
type Conversation struct {
	// SessionID is provider-supplied metadata for backends that hold the
	// conversation remotely. Empty for stateless chat-completions backends.
	SessionID string

	history []models.ChatMessage
}

// History returns the plain-text turns of the conversation, oldest first.
// The system instruction is not part of the history; callers prepend it.
func (c *Conversation) History() []models.ChatMessage {
	return c.history
}

// Append adds a plain-text turn to the conversation.
func (c *Conversation) Append(role, content string) {
	c.history = append(c.history, models.ChatMessage{Role: role, Content: content})
}

// Manager maps API keys to their conversation handles and enforces the
// single-active-conversation-per-key rule.
type Manager struct {
	store        store.Store
	provider     models.CompletionProvider
	idleTimeout  time.Duration
	historyLimit int

	locks sync.Map // key hash -> *sync.Mutex
}

// NewManager creates a session Manager.
func NewManager(st store.Store, provider models.CompletionProvider, cfg config.SessionConfig) *Manager {
	return &Manager{
		store:        st,
		provider:     provider,
		idleTimeout:  cfg.IdleTimeout,
		historyLimit: cfg.HistoryLimit,
	}
}

// Lock serializes conversation access for one key. Two concurrent requests
// for the same key would otherwise interleave GetOrCreate/Persist and
// corrupt turn ordering. Returns the unlock func.
func (m *Manager) Lock(keyHash string) func() {
	v, _ := m.locks.LoadOrStore(keyHash, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// GetOrCreate returns the key's active conversation, or a fresh one when no
// state exists, the state is stale past the idle timeout, or the stored blob
// cannot be decoded. key must be the record as of this request's validation:
// its LastUsed reflects the previous use, which is what idleness is judged
// against.
func (m *Manager) GetOrCreate(ctx context.Context, key *models.APIKey) *Conversation {
	if len(key.ConversationState) == 0 {
		return &Conversation{}
	}

	stale := key.LastUsed == nil || time.Since(*key.LastUsed) >= m.idleTimeout
	if stale {
		m.expire(ctx, key)
		return &Conversation{}
	}

	conv, err := decodeState(key.ConversationState)
	if err != nil {
		slog.Warn("discarding undecodable conversation state", "error", err)
		m.expire(ctx, key)
		return &Conversation{}
	}
	return conv
}

// expire clears the stored state and, for providers that hold the
// conversation remotely, attempts the remote deletion. Both are best-effort:
// a fresh conversation is returned regardless.
func (m *Manager) expire(ctx context.Context, key *models.APIKey) {
	if deleter, ok := m.provider.(models.SessionDeleter); ok {
		if old, err := decodeState(key.ConversationState); err == nil && old.SessionID != "" {
			if err := deleter.DeleteSession(ctx, old.SessionID); err != nil {
				slog.Warn("remote session delete failed", "error", err, "provider", m.provider.Name())
			}
		}
	}
	if err := m.store.ClearConversationState(ctx, key.KeyHash); err != nil {
		slog.Warn("clear conversation state failed", "error", err)
	}
}

// Persist serializes the conversation back into the key record, retaining
// only the trailing historyLimit turns. Truncation is silent: it bounds
// storage and upstream token cost, not an error condition.
func (m *Manager) Persist(ctx context.Context, keyHash string, conv *Conversation) error {
	history := conv.history
	if len(history) > m.historyLimit {
		history = history[len(history)-m.historyLimit:]
	}

	entries := make([]storedEntry, 0, len(history))
	for _, msg := range history {
		entries = append(entries, storedEntry{Role: msg.Role, Content: json.RawMessage(mustQuote(msg.Content))})
	}
	state, err := json.Marshal(struct {
		SessionID string        `json:"session_id,omitempty"`
		Messages  []storedEntry `json:"messages"`
	}{SessionID: conv.SessionID, Messages: entries})
	if err != nil {
		return fmt.Errorf("encode conversation state: %w", err)
	}

	if err := m.store.SaveConversationState(ctx, keyHash, state); err != nil {
		return fmt.Errorf("persist conversation: %w", err)
	}
	return nil
}

// --- serialized form ---

// storedState is the canonical persisted shape. Earlier deployments stored a
// bare JSON array of messages with ad-hoc entry shapes; decodeState migrates
// those on read so nothing downstream ever branches on runtime shape.
type storedState struct {
	SessionID string            `json:"session_id,omitempty"`
	Messages  []json.RawMessage `json:"messages"`
}

type storedEntry struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

func decodeState(state []byte) (*Conversation, error) {
	conv := &Conversation{}

	var raw []json.RawMessage
	for _, b := range state {
		if b == ' ' || b == '\t' || b == '\n' || b == '\r' {
			continue
		}
		if b == '[' {
			// Legacy layout: bare message array, no envelope.
			if err := json.Unmarshal(state, &raw); err != nil {
				return nil, fmt.Errorf("decode legacy state: %w", err)
			}
		}
		break
	}
	if raw == nil {
		var st storedState
		if err := json.Unmarshal(state, &st); err != nil {
			return nil, fmt.Errorf("decode state: %w", err)
		}
		conv.SessionID = st.SessionID
		raw = st.Messages
	}

	for _, entry := range raw {
		msg, ok := normalizeEntry(entry)
		if !ok || msg.Role == models.RoleSystem {
			// Unrecognized entries are dropped; the system instruction is
			// re-seeded per request, never replayed from storage.
			continue
		}
		conv.history = append(conv.history, msg)
	}
	return conv, nil
}

// normalizeEntry migrates one stored entry to the canonical plain-text turn:
// bare strings become user turns; multi-part content (prior image-bearing
// turns) collapses to its text part, since stale image references cannot be
// replayed upstream.
func normalizeEntry(raw json.RawMessage) (models.ChatMessage, bool) {
	var legacy string
	if err := json.Unmarshal(raw, &legacy); err == nil {
		return models.ChatMessage{Role: models.RoleUser, Content: legacy}, true
	}

	var entry struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(raw, &entry); err != nil || entry.Role == "" {
		return models.ChatMessage{}, false
	}

	var text string
	if err := json.Unmarshal(entry.Content, &text); err == nil {
		return models.ChatMessage{Role: entry.Role, Content: text}, true
	}

	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(entry.Content, &parts); err == nil {
		for _, p := range parts {
			if p.Type == models.PartText {
				return models.ChatMessage{Role: entry.Role, Content: p.Text}, true
			}
		}
		return models.ChatMessage{Role: entry.Role, Content: ""}, true
	}

	return models.ChatMessage{}, false
}

func mustQuote(s string) []byte {
	b, err := json.Marshal(s)
	if err != nil {
		// json.Marshal of a string cannot fail.
		panic(err)
	}
	return b
}
