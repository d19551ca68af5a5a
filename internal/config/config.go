// Package config loads process-wide settings from the environment and
// maps them into the typed Settings snapshot the rest of the pipeline is
// constructed from.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const Version = "0.1.0"

// GetEnv returns the value of key, or defaultVal if unset or empty.
func GetEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// GetEnvInt parses key as an int, falling back to defaultVal on absence
// or parse failure.
func GetEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

// GetEnvFloat parses key as a float64, falling back to defaultVal on
// absence or parse failure.
func GetEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

// GetEnvBool parses key as a bool, falling back to defaultVal on absence
// or parse failure.
func GetEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

// GetEnvDuration parses key as seconds, falling back to defaultVal on
// absence or parse failure.
func GetEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs * float64(time.Second))
}

// GetEnvCSV splits a comma-separated env var into a trimmed, non-empty
// slice of values.
func GetEnvCSV(key, defaultVal string) []string {
	raw := GetEnv(key, defaultVal)
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// fixedTimezoneOffsets is the spec §6.5 mapping of named zones to a
// fixed UTC offset string, resolved once at startup.
var fixedTimezoneOffsets = map[string]string{
	"UTC":            "+00:00",
	"Asia/Seoul":     "+09:00",
	"Asia/Tokyo":     "+09:00",
	"America/New_York": "-05:00",
	"Europe/London":  "+00:00",
}

// ResolveTimezoneOffset maps an APP_TIMEZONE name to its fixed offset
// string. Unmapped or empty names fall back to UTC, per spec §4.1/§6.5.
func ResolveTimezoneOffset(name string) string {
	if off, ok := fixedTimezoneOffsets[name]; ok {
		return off
	}
	return "+00:00"
}

// DatabaseSettings configures the PEG repository's connection pool.
type DatabaseSettings struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	PoolSize int
}

// LLMSettings configures the LLM client (C5).
type LLMSettings struct {
	Provider        string
	Model           string
	APIKey          string
	MaxTokens       int
	Temperature     float64
	Timeout         time.Duration
	MaxRetries      int
	RetryDelay      time.Duration
	Endpoints       []string
	MockEnabled     bool
	CharsPerToken   float64
	MaxPromptChars  int
	TruncateBuffer  int
}

// BackendSettings configures outbound calls to the downstream backend
// service (report submission and the optional Choi adapter).
type BackendSettings struct {
	URL        string
	Timeout    time.Duration
	AuthToken  string
	MaxRetries int
}

// PEGSettings configures the CSV filter loader and pipeline behavior
// flags.
type PEGSettings struct {
	FilterEnabled      bool
	FilterDirPath      string
	FilterDefaultFile  string
	UseChoi            bool
	ExcludeZeroBothPEG bool
}

// Settings is the single immutable snapshot constructed at startup and
// threaded through every component's constructor (spec §9: "explicit
// construction over global singleton").
type Settings struct {
	AppTimezone        string
	AppTimezoneOffset  string
	MaxProcessingTime  time.Duration
	DB                 DatabaseSettings
	LLM                LLMSettings
	Backend            BackendSettings
	PEG                PEGSettings
}

// Load builds a Settings snapshot from the process environment.
func Load() *Settings {
	tz := GetEnv("APP_TIMEZONE", "UTC")
	return &Settings{
		AppTimezone:       tz,
		AppTimezoneOffset: ResolveTimezoneOffset(tz),
		MaxProcessingTime: GetEnvDuration("MAX_PROCESSING_TIME_SECONDS", 300*time.Second),
		DB: DatabaseSettings{
			Host:     GetEnv("DB_HOST", "localhost"),
			Port:     GetEnvInt("DB_PORT", 5432),
			Name:     GetEnv("DB_NAME", ""),
			User:     GetEnv("DB_USER", ""),
			Password: GetEnv("DB_PASSWORD", ""),
			PoolSize: GetEnvInt("DB_POOL_SIZE", 10),
		},
		LLM: LLMSettings{
			Provider:       GetEnv("LLM_PROVIDER", "local"),
			Model:          GetEnv("LLM_MODEL", "Gemma-3-27B"),
			APIKey:         GetEnv("LLM_API_KEY", ""),
			MaxTokens:      GetEnvInt("LLM_MAX_TOKENS", 4096),
			Temperature:    GetEnvFloat("LLM_TEMPERATURE", 0.2),
			Timeout:        GetEnvDuration("LLM_TIMEOUT", 180*time.Second),
			MaxRetries:     GetEnvInt("LLM_MAX_RETRIES", 3),
			RetryDelay:     GetEnvDuration("LLM_RETRY_DELAY", 1*time.Second),
			Endpoints:      GetEnvCSV("LLM_ENDPOINTS", "http://localhost:8000"),
			MockEnabled:    GetEnvBool("LLM_MOCK_ENABLED", false),
			CharsPerToken:  GetEnvFloat("CHARS_PER_TOKEN_RATIO", 3.5),
			MaxPromptChars: GetEnvInt("DEFAULT_MAX_PROMPT_CHARS", 80000),
			TruncateBuffer: GetEnvInt("PROMPT_TRUNCATE_BUFFER", 200),
		},
		Backend: BackendSettings{
			URL:        GetEnv("BACKEND_SERVICE_URL", ""),
			Timeout:    GetEnvDuration("BACKEND_TIMEOUT", 30*time.Second),
			AuthToken:  GetEnv("BACKEND_AUTH_TOKEN", ""),
			MaxRetries: GetEnvInt("BACKEND_MAX_RETRIES", 3),
		},
		PEG: PEGSettings{
			FilterEnabled:      GetEnvBool("PEG_FILTER_ENABLED", false),
			FilterDirPath:      GetEnv("PEG_FILTER_DIR_PATH", "."),
			FilterDefaultFile:  GetEnv("PEG_FILTER_DEFAULT_FILE", "peg_filters.csv"),
			UseChoi:            GetEnvBool("PEG_USE_CHOI", false),
			ExcludeZeroBothPEG: GetEnvBool("PEG_EXCLUDE_ZERO_BOTH_FROM_PROMPT", true),
		},
	}
}
