// Package ai selects and constructs the upstream completion provider.
package ai

import (
	"fmt"

	"github.com/tullysh/quizrelay/internal/ai/ollama"
	"github.com/tullysh/quizrelay/internal/ai/openrouter"
	"github.com/tullysh/quizrelay/internal/config"
	"github.com/tullysh/quizrelay/pkg/models"
)

// NewProvider constructs the appropriate completion provider based on config.
// Called once at server startup.
func NewProvider(cfg config.AIConfig) (models.CompletionProvider, error) {
	switch cfg.Provider {
	case "openrouter":
		return openrouter.NewProvider(cfg.OpenRouter), nil
	case "ollama":
		return ollama.NewProvider(cfg.Ollama), nil
	default:
		return nil, fmt.Errorf("unknown AI provider %q: must be one of openrouter, ollama", cfg.Provider)
	}
}
