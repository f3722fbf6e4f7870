package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	ListenAddr       string
	StoreMode        string
	DatabaseURL      string
	SQLitePath       string
	PINEncryptionKey string
	AdminUsername    string
	AdminPassword    string
	JWTSecret        string
	GatewayURL       string
	GatewayTimeout   time.Duration
	DefaultTransport string
	FetchLimit       int
	TelegramBotToken string
	TelegramChatID   string
}

func Load() Config {
	return Config{
		ListenAddr:       getEnv("LISTEN_ADDR", ":18090"),
		StoreMode:        getEnv("STORE_MODE", "sqlite"),
		DatabaseURL:      getEnv("DATABASE_URL", ""),
		SQLitePath:       getEnv("SQLITE_PATH", "data/fintsbridge.db"),
		PINEncryptionKey: getEnv("PIN_ENCRYPTION_KEY", ""),
		AdminUsername:    getEnv("ADMIN_USERNAME", "admin"),
		AdminPassword:    getEnv("ADMIN_PASSWORD", "change-me"),
		JWTSecret:        getEnv("JWT_SECRET", "change-this-secret"),
		GatewayURL:       getEnv("GATEWAY_URL", "http://localhost:3001"),
		GatewayTimeout:   getDuration("GATEWAY_TIMEOUT", 30*time.Second),
		DefaultTransport: getEnv("DEFAULT_TRANSPORT", "pintan"),
		FetchLimit:       getInt("FETCH_LIMIT", 200),
		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnv("TELEGRAM_CHAT_ID", ""),
	}
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
