package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"fintsbridge/internal/config"
	"fintsbridge/internal/gateway/connector"
	apphttp "fintsbridge/internal/http"
	"fintsbridge/internal/integrations/telegram"
	"fintsbridge/internal/security/secretbox"
	"fintsbridge/internal/service/session"
	"fintsbridge/internal/service/statement"
	storepkg "fintsbridge/internal/store"
	"fintsbridge/internal/store/memory"
	"fintsbridge/internal/store/postgres"
	"fintsbridge/internal/store/sqlite"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to load .env", "error", err)
	}
	cfg := config.Load()

	st := openStore(cfg)
	defer st.Close()

	secrets, err := secretbox.New(cfg.PINEncryptionKey)
	if err != nil {
		slog.Error("invalid PIN_ENCRYPTION_KEY", "error", err)
		os.Exit(1)
	}

	gw := connector.NewClient(cfg.GatewayURL, cfg.GatewayTimeout)
	notifier := telegram.NewNotifier(cfg.TelegramBotToken, cfg.TelegramChatID)
	importer := statement.NewImporter(st)
	machine := session.NewMachine(st, gw, secrets, importer, notifier)

	srv := apphttp.NewServer(cfg, st, machine, secrets)

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 45 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("fintsbridge API listening", "addr", cfg.ListenAddr, "store", cfg.StoreMode)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		slog.Warn("graceful shutdown failed", "error", err)
	}
}

func openStore(cfg config.Config) storepkg.Store {
	switch cfg.StoreMode {
	case "postgres":
		if cfg.DatabaseURL == "" {
			slog.Warn("STORE_MODE=postgres but DATABASE_URL is empty, using memory store")
			return memory.NewStore()
		}
		st, err := postgres.NewStore(cfg.DatabaseURL)
		if err != nil {
			slog.Warn("postgres store unavailable, falling back to memory store", "error", err)
			return memory.NewStore()
		}
		return st
	case "sqlite":
		st, err := sqlite.NewStore(cfg.SQLitePath)
		if err != nil {
			slog.Warn("sqlite store unavailable, falling back to memory store", "error", err)
			return memory.NewStore()
		}
		return st
	default:
		return memory.NewStore()
	}
}
