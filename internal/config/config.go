package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	DBPath    string
	InboxDir  string
	OutputDir string

	ImportBatchSize int
	CSVChunkRows    int
	CSVEncoding     string
	CSVDelimiter    string
	ExcelFallback   bool

	LogLevel  string
	LogFormat string

	RemoteRESTURL      string
	RemoteAPIKey       string
	RemoteTable        string
	RemoteRateLimitRPS int
	RemoteTimeoutMs    int

	PGDSN      string
	PGTable    string
	PGMaxConns int

	GmailClientID     string
	GmailClientSecret string
	GmailRedirectURI  string
	GmailRefreshToken string

	IMAPHost     string
	IMAPPort     int
	IMAPSecure   bool
	IMAPUser     string
	IMAPPassword string
	IMAPMarkSeen bool

	ListenerMailProvider string
	ListenerMailLabel    string
	ListenerIntervalSec  int
	ListenerFetchMax     int
	ListenerImportBatch  int
	ListenerAutoExport   bool
}

func Load() (Config, error) {
	_ = godotenv.Load()

	cwd, err := os.Getwd()
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		DBPath:    getEnv("DB_PATH", filepath.Join(cwd, "data", "app.db")),
		InboxDir:  getEnv("INBOX_DIR", filepath.Join(cwd, "data", "inbox")),
		OutputDir: getEnv("OUTPUT_DIR", filepath.Join(cwd, "out")),

		ImportBatchSize: getEnvInt("IMPORT_BATCH_SIZE", 10000),
		CSVChunkRows:    getEnvInt("CSV_CHUNK_ROWS", 1000),
		CSVEncoding:     getEnv("CSV_ENCODING", "auto"),
		CSVDelimiter:    getEnv("CSV_DELIMITER", ""),
		ExcelFallback:   getEnvBool("EXCEL_FALLBACK", true),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),

		RemoteRESTURL:      getEnv("REMOTE_REST_URL", ""),
		RemoteAPIKey:       getEnv("REMOTE_API_KEY", ""),
		RemoteTable:        getEnv("REMOTE_TABLE", "shareholders"),
		RemoteRateLimitRPS: getEnvInt("REMOTE_RATE_LIMIT_RPS", 5),
		RemoteTimeoutMs:    getEnvInt("REMOTE_TIMEOUT_MS", 30000),

		PGDSN:      getEnv("PG_DSN", ""),
		PGTable:    getEnv("PG_TABLE", "shareholders"),
		PGMaxConns: getEnvInt("PG_MAX_CONNS", 4),

		GmailClientID:     getEnv("GMAIL_CLIENT_ID", ""),
		GmailClientSecret: getEnv("GMAIL_CLIENT_SECRET", ""),
		GmailRedirectURI:  getEnv("GMAIL_REDIRECT_URI", "https://developers.google.com/oauthplayground"),
		GmailRefreshToken: getEnv("GMAIL_REFRESH_TOKEN", ""),

		IMAPHost:     getEnv("IMAP_HOST", ""),
		IMAPPort:     getEnvInt("IMAP_PORT", 993),
		IMAPSecure:   getEnvBool("IMAP_SECURE", true),
		IMAPUser:     getEnv("IMAP_USER", ""),
		IMAPPassword: getEnv("IMAP_PASSWORD", ""),
		IMAPMarkSeen: getEnvBool("IMAP_MARK_SEEN", false),

		ListenerMailProvider: getEnv("LISTENER_MAIL_PROVIDER", ""),
		ListenerMailLabel:    getEnv("LISTENER_MAIL_LABEL", "INBOX"),
		ListenerIntervalSec:  getEnvInt("LISTENER_INTERVAL_SEC", 30),
		ListenerFetchMax:     getEnvInt("LISTENER_FETCH_MAX", 20),
		ListenerImportBatch:  getEnvInt("LISTENER_IMPORT_BATCH", 10),
		ListenerAutoExport:   getEnvBool("LISTENER_AUTO_EXPORT", true),
	}

	if cfg.ImportBatchSize <= 0 {
		return Config{}, fmt.Errorf("IMPORT_BATCH_SIZE must be positive, got %d", cfg.ImportBatchSize)
	}
	if cfg.CSVChunkRows <= 0 {
		return Config{}, fmt.Errorf("CSV_CHUNK_ROWS must be positive, got %d", cfg.CSVChunkRows)
	}

	return cfg, nil
}

func (c Config) Require(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("missing required env var: %s", name)
	}
	return nil
}

// Delimiter returns the configured CSV delimiter, or 0 to auto-detect.
func (c Config) Delimiter() rune {
	switch strings.ToLower(c.CSVDelimiter) {
	case "":
		return 0
	case "tab", `\t`:
		return '\t'
	}
	r := []rune(c.CSVDelimiter)
	return r[0]
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value := getEnv(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := strings.ToLower(strings.TrimSpace(getEnv(key, "")))
	if value == "" {
		return fallback
	}
	if value == "1" || value == "true" || value == "yes" || value == "on" {
		return true
	}
	if value == "0" || value == "false" || value == "no" || value == "off" {
		return false
	}
	return fallback
}
