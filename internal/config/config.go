package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	BotToken          string
	AdminChatID       int64
	AdminUserIDs      []uint64
	DBPath            string
	HTTPAddr          string
	UpstreamURL       string
	UpstreamTimeout   time.Duration
	BenefitsFile      string
	NotifyConcurrency int
	LogLevel          string
	LogFormat         string
}

// Load reads configuration from the process environment. Values from the
// first readable env file fill in variables that are not already set.
func Load(envFiles ...string) (Config, error) {
	env := make(map[string]string)
	for _, path := range envFiles {
		vals, err := godotenv.Read(path)
		if err != nil {
			continue
		}
		env = vals
		break
	}
	get := func(k, def string) string {
		if v := os.Getenv(k); v != "" {
			return v
		}
		if v, ok := env[k]; ok && v != "" {
			return v
		}
		return def
	}

	var errs []error
	cfg := Config{
		BotToken:     get("BOT_TOKEN", ""),
		DBPath:       get("DB_PATH", "./data/entitlements.db"),
		HTTPAddr:     get("HTTP_ADDR", ":8080"),
		UpstreamURL:  strings.TrimRight(get("UPSTREAM_URL", "http://127.0.0.1:8081"), "/"),
		BenefitsFile: get("BENEFITS_FILE", ""),
		LogLevel:     get("LOG_LEVEL", "info"),
		LogFormat:    get("LOG_FORMAT", "auto"),
	}

	if raw := get("ADMIN_CHAT_ID", ""); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid ADMIN_CHAT_ID %q: %w", raw, err))
		}
		cfg.AdminChatID = id
	}

	ids, err := ParseIDList(get("ADMIN_USER_IDS", ""))
	if err != nil {
		errs = append(errs, fmt.Errorf("invalid ADMIN_USER_IDS: %w", err))
	}
	cfg.AdminUserIDs = ids

	timeout, err := time.ParseDuration(get("UPSTREAM_TIMEOUT", "5s"))
	if err != nil {
		errs = append(errs, fmt.Errorf("invalid UPSTREAM_TIMEOUT: %w", err))
	}
	cfg.UpstreamTimeout = timeout

	conc, err := strconv.Atoi(get("NOTIFY_CONCURRENCY", "4"))
	if err != nil {
		errs = append(errs, fmt.Errorf("invalid NOTIFY_CONCURRENCY: %w", err))
	}
	cfg.NotifyConcurrency = conc

	return cfg, errors.Join(errs...)
}

// Validate checks the settings needed to run the service.
func (c Config) Validate() error {
	var errs []error
	if c.BotToken == "" {
		errs = append(errs, errors.New("BOT_TOKEN is required"))
	}
	if c.DBPath == "" {
		errs = append(errs, errors.New("DB_PATH is required"))
	}
	if c.UpstreamURL == "" {
		errs = append(errs, errors.New("UPSTREAM_URL is required"))
	}
	if c.UpstreamTimeout <= 0 {
		errs = append(errs, errors.New("UPSTREAM_TIMEOUT must be positive"))
	}
	if c.NotifyConcurrency <= 0 {
		errs = append(errs, errors.New("NOTIFY_CONCURRENCY must be > 0"))
	}
	return errors.Join(errs...)
}

// ParseIDList parses a comma or whitespace separated list of snowflakes.
func ParseIDList(raw string) ([]uint64, error) {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
	ids := make([]uint64, 0, len(fields))
	for _, f := range fields {
		id, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not an id", f)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
