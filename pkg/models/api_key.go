package models

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// HashKey returns the hex SHA-256 digest of a raw API key. The digest is the
// record's identity; the raw key is never stored.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// APIKey is one issued access key. Raw keys are shown once at issuance; only
// the SHA-256 digest is stored and used as the record identity.
type APIKey struct {
	KeyHash   string     `db:"key_hash"  json:"-"`
	UsesLeft  int        `db:"uses_left" json:"uses_left"`
	Unlimited bool       `db:"unlimited" json:"unlimited"`
	LastUsed  *time.Time `db:"last_used" json:"last_used,omitempty"`
	// ConversationState is the serialized conversation history for this key.
	// Empty when no conversation is active. Owned by the session manager;
	// nothing else writes it.
	ConversationState []byte    `db:"conversation_state" json:"-"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
}
