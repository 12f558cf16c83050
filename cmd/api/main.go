// Package main is the entry point for the chat relay server.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/capitalize-ai/chat-relay/internal/config"
	"github.com/capitalize-ai/chat-relay/internal/store"
	"github.com/capitalize-ai/chat-relay/pkg/logger"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCommand builds the CLI. Running it without a subcommand serves.
func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "chat-relay",
		Short: "Real-time chat relay",
		Long: `chat-relay accepts websocket connections per conversation, persists
messages and fans them out to every connection in the conversation.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}

	root.AddCommand(newServeCommand(), newMigrateCommand(), newTokenCommand())
	return root
}

// setup loads and validates configuration and builds the process logger.
func setup() (*config.Config, *logger.Logger, error) {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}
	logger.SetGlobal(log)
	return cfg, log, nil
}

func openStore(cfg *config.Config) (*store.Store, error) {
	return store.Open(store.Config{
		Driver: cfg.DBDriver,
		DSN:    cfg.DatabaseURL,
		Debug:  cfg.LogLevel == "debug",
	})
}
