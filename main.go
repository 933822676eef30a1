package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/RichardoC/chatpad/internal/config"
	"github.com/RichardoC/chatpad/internal/llm"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Sends one prompt through the configured provider and prints the reply.
// Useful for checking credentials before starting the server.
func main() {
	// Initialize zap logger
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.Load(viper.New(), "", ".env")
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	ctx := context.Background()
	catalog := llm.NewCatalog(cfg.LLM.Models)
	svc, err := llm.New(ctx, llm.ProviderConfig{
		Provider: cfg.LLM.Provider,
		BaseURL:  cfg.LLM.BaseURL,
		APIKey:   cfg.LLM.APIKey,
		Model:    catalog.Default(),
		Timeout:  cfg.LLM.Timeout,
	}, logger)
	if err != nil {
		logger.Fatal("failed to initialize LLM service", zap.Error(err))
	}

	prompt := "Reply with a one-line greeting."
	if len(os.Args) > 1 {
		prompt = strings.Join(os.Args[1:], " ")
	}
	completion, err := svc.Prompt(ctx, prompt)
	if err != nil {
		logger.Fatal("failed to generate completion", zap.Error(err))
	}
	fmt.Println(completion)
}
