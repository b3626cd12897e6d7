// Package main is a CLI for minting API keys.
//
// It prints the raw key exactly once; only its digest is stored, so a
// lost key cannot be recovered.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/tullysh/quizrelay/internal/config"
	"github.com/tullysh/quizrelay/internal/store"
	"github.com/tullysh/quizrelay/pkg/models"
)

func main() {
	uses := flag.Int("uses", 50, "number of uses granted to the key")
	unlimited := flag.Bool("unlimited", false, "mint a key with no usage limit")
	flag.Parse()

	if err := run(*uses, *unlimited); err != nil {
		slog.Error("keygen failed", "error", err)
		os.Exit(1)
	}
}

func run(uses int, unlimited bool) error {
	if uses <= 0 && !unlimited {
		return fmt.Errorf("uses must be positive (got %d)", uses)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	rawKey := uuid.NewString()
	key := &models.APIKey{
		KeyHash:   models.HashKey(rawKey),
		UsesLeft:  uses,
		Unlimited: unlimited,
	}
	if unlimited {
		key.UsesLeft = 0
	}

	if err := store.NewPostgresStore(pool).CreateAPIKey(ctx, key); err != nil {
		return fmt.Errorf("create API key: %w", err)
	}

	fmt.Printf("API key (save it now, it is not shown again):\n\n  %s\n\n", rawKey)
	if unlimited {
		fmt.Println("Usage: unlimited")
	} else {
		fmt.Printf("Usage: %d requests\n", uses)
	}
	return nil
}
