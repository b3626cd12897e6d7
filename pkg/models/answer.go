package models

import "time"

// CachedAnswer is one stored prompt/answer pair, keyed by the SHA-256 digest
// of the trimmed prompt text. At most one record exists per hash; a write
// with an existing hash overwrites the response (last writer wins).
//
// The hash covers prompt text only. Two prompts that differ only in attached
// images share a cache entry. That is intended: the cache exists for
// text-only quiz questions.
type CachedAnswer struct {
	PromptHash string    `db:"prompt_hash" json:"prompt_hash"`
	Prompt     string    `db:"prompt"      json:"prompt"`
	Response   string    `db:"response"    json:"response"`
	CreatedAt  time.Time `db:"created_at"  json:"created_at"`
}
