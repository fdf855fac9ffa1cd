package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"agentchat/internal/agents"
	"agentchat/internal/api"
	"agentchat/internal/auth"
	"agentchat/internal/chat"
	"agentchat/internal/config"
	"agentchat/internal/db"
	"agentchat/internal/sessions"
	"agentchat/internal/ui"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		fmt.Printf("Usage: agentchat [flags]\n\n%s", config.Usage())
		return nil
	}
	if err != nil {
		return err
	}

	logger, closeLog, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()
	slog.SetDefault(logger)

	store, err := db.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	creds, err := auth.NewStore(ctx, store, logger)
	if err != nil {
		return err
	}

	var program *tea.Program
	client, err := api.NewClient(api.ClientConfig{
		BaseURL:     cfg.APIURL,
		Credentials: creds,
		Timeout:     cfg.RequestTimeout,
		Logger:      logger,
		OnAuthExpired: func() {
			if program != nil {
				program.Send(ui.AuthExpiredMsg{})
			}
		},
	})
	if err != nil {
		return err
	}

	logger.Info("starting", "api_url", cfg.APIURL, "db", cfg.DBPath, "config", cfg.ConfigPath)

	program = ui.NewProgram(ui.Deps{
		Client:   client,
		Agents:   agents.New(client, logger),
		Sessions: sessions.New(client, logger),
		Chat:     chat.New(chat.Config{API: client, Logger: logger}),
		Logger:   logger,
	})
	if _, err := program.Run(); err != nil {
		return fmt.Errorf("ui: %w", err)
	}
	return nil
}

// newLogger writes JSON logs to the configured file; the terminal belongs
// to the UI.
func newLogger(cfg *config.Config) (*slog.Logger, func(), error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.LogPath), 0o755); err != nil {
		return nil, nil, fmt.Errorf("log dir: %w", err)
	}
	file, err := os.OpenFile(cfg.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("open log: %w", err)
	}
	handler := slog.NewJSONHandler(file, &slog.HandlerOptions{Level: level})
	return slog.New(handler), func() { _ = file.Close() }, nil
}
