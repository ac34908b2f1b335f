package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Addr       string
	DocsDir    string
	HistoryDir string
	CORSOrigin string
	// Redis Configuration - identity sessions, disabled when empty
	RedisURL   string
	SessionTTL time.Duration
	// Meilisearch Configuration - people directory for @mentions,
	// disabled when empty
	MeiliURL    string
	MeiliAPIKey string
	// Diagram rendering
	MermaidScriptURL string
	DiagramsDir      string
}

func Load() Config {
	return Config{
		Addr:             getenv("API_ADDR", ":8686"),
		DocsDir:          getenv("INKDOWN_DOCS_DIR", "./data/docs"),
		HistoryDir:       getenv("INKDOWN_HISTORY_DIR", "./data/history"),
		CORSOrigin:       getenv("INKDOWN_CORS_ORIGIN", "*"),
		RedisURL:         getenv("REDIS_URL", ""),
		SessionTTL:       time.Duration(getenvInt("INKDOWN_SESSION_TTL_SECONDS", 43200)) * time.Second,
		MeiliURL:         getenv("MEILI_URL", ""),
		MeiliAPIKey:      getenv("MEILI_API_KEY", ""),
		MermaidScriptURL: getenv("INKDOWN_MERMAID_SCRIPT_URL", ""),
		DiagramsDir:      getenv("INKDOWN_DIAGRAMS_DIR", "./data/diagrams"),
	}
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
