package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the interpretation server.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowedOrigins   []string

	// Translation buffer tuning.
	MaxDelay            time.Duration
	HighConfidence      float64
	ConfidenceThreshold float64
	EnableInterim       bool
	SilenceGap          time.Duration
	SegmentRetention    time.Duration

	DefaultLanguage string
	LangsFile       string

	TranslateBackend     string
	TranslateURL         string
	TranslateFallbackURL string
	TranslateTimeout     time.Duration

	SpeechBackend string
	STTURL        string
	TTSURL        string

	DatabaseURL  string
	RedisURL     string
	JournalTTL   time.Duration
	JournalLimit int

	SessionTimeout   time.Duration
	SessionRetention time.Duration

	WSSendBuffer int
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:             envOrDefault("PARLEY_ADDR", ":8080"),
		MetricsNamespace:     envOrDefault("PARLEY_METRICS_NAMESPACE", "parley"),
		MaxDelay:             500 * time.Millisecond,
		HighConfidence:       0.8,
		ConfidenceThreshold:  0.7,
		EnableInterim:        true,
		SilenceGap:           500 * time.Millisecond,
		SegmentRetention:     2 * time.Second,
		DefaultLanguage:      envOrDefault("PARLEY_DEFAULT_LANGUAGE", "en"),
		LangsFile:            stringsTrimSpace("PARLEY_LANGS_FILE"),
		TranslateBackend:     strings.ToLower(envOrDefault("PARLEY_TRANSLATE_BACKEND", "mock")),
		TranslateURL:         stringsTrimSpace("PARLEY_TRANSLATE_URL"),
		TranslateFallbackURL: stringsTrimSpace("PARLEY_TRANSLATE_FALLBACK_URL"),
		TranslateTimeout:     2500 * time.Millisecond,
		SpeechBackend:        strings.ToLower(envOrDefault("PARLEY_SPEECH_BACKEND", "mock")),
		STTURL:               stringsTrimSpace("PARLEY_STT_URL"),
		TTSURL:               stringsTrimSpace("PARLEY_TTS_URL"),
		DatabaseURL:          stringsTrimSpace("DATABASE_URL"),
		RedisURL:             stringsTrimSpace("REDIS_URL"),
		JournalTTL:           30 * time.Minute,
		JournalLimit:         512,
		SessionTimeout:       10 * time.Minute,
		SessionRetention:     5 * time.Minute,
		ShutdownTimeout:      15 * time.Second,
		WSSendBuffer:         64,
	}

	var err error
	if cfg.MaxDelay, err = millisFromEnv("PARLEY_MAX_DELAY_MS", cfg.MaxDelay); err != nil {
		return Config{}, err
	}
	if cfg.HighConfidence, err = floatFromEnv("PARLEY_HIGH_CONFIDENCE", cfg.HighConfidence); err != nil {
		return Config{}, err
	}
	if cfg.ConfidenceThreshold, err = floatFromEnv("PARLEY_CONFIDENCE_THRESHOLD", cfg.ConfidenceThreshold); err != nil {
		return Config{}, err
	}
	if cfg.EnableInterim, err = boolFromEnv("PARLEY_ENABLE_INTERIM", cfg.EnableInterim); err != nil {
		return Config{}, err
	}
	if cfg.SilenceGap, err = millisFromEnv("PARLEY_SILENCE_GAP_MS", cfg.SilenceGap); err != nil {
		return Config{}, err
	}
	if cfg.SegmentRetention, err = millisFromEnv("PARLEY_SEGMENT_RETENTION_MS", cfg.SegmentRetention); err != nil {
		return Config{}, err
	}
	if cfg.TranslateTimeout, err = millisFromEnv("PARLEY_TRANSLATE_TIMEOUT_MS", cfg.TranslateTimeout); err != nil {
		return Config{}, err
	}
	if cfg.JournalTTL, err = durationFromEnv("PARLEY_JOURNAL_TTL", cfg.JournalTTL); err != nil {
		return Config{}, err
	}
	if cfg.JournalLimit, err = intFromEnv("PARLEY_JOURNAL_LIMIT", cfg.JournalLimit); err != nil {
		return Config{}, err
	}
	if cfg.SessionTimeout, err = durationFromEnv("PARLEY_SESSION_TIMEOUT", cfg.SessionTimeout); err != nil {
		return Config{}, err
	}
	if cfg.SessionRetention, err = durationFromEnv("PARLEY_SESSION_RETENTION", cfg.SessionRetention); err != nil {
		return Config{}, err
	}
	if cfg.ShutdownTimeout, err = durationFromEnv("PARLEY_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.WSSendBuffer, err = intFromEnv("PARLEY_WS_SEND_BUFFER", cfg.WSSendBuffer); err != nil {
		return Config{}, err
	}

	if raw := stringsTrimSpace("PARLEY_ALLOWED_ORIGINS"); raw != "" {
		for _, origin := range strings.Split(raw, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, origin)
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the pipeline cannot run with.
func (c Config) Validate() error {
	if strings.TrimSpace(c.BindAddr) == "" {
		return fmt.Errorf("PARLEY_ADDR must not be empty")
	}
	if c.MaxDelay <= 0 {
		return fmt.Errorf("PARLEY_MAX_DELAY_MS must be positive")
	}
	if c.HighConfidence <= 0 || c.HighConfidence > 1 {
		return fmt.Errorf("PARLEY_HIGH_CONFIDENCE must be in (0, 1]")
	}
	if c.ConfidenceThreshold <= 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("PARLEY_CONFIDENCE_THRESHOLD must be in (0, 1]")
	}
	if c.SilenceGap <= 0 {
		return fmt.Errorf("PARLEY_SILENCE_GAP_MS must be positive")
	}
	if c.SegmentRetention <= 0 {
		return fmt.Errorf("PARLEY_SEGMENT_RETENTION_MS must be positive")
	}
	if strings.TrimSpace(c.DefaultLanguage) == "" {
		return fmt.Errorf("PARLEY_DEFAULT_LANGUAGE must not be empty")
	}
	switch c.TranslateBackend {
	case "mock":
	case "http":
		if c.TranslateURL == "" {
			return fmt.Errorf("PARLEY_TRANSLATE_URL is required for the http translate backend")
		}
	default:
		return fmt.Errorf("PARLEY_TRANSLATE_BACKEND must be mock or http, got %q", c.TranslateBackend)
	}
	if c.TranslateTimeout <= 0 {
		return fmt.Errorf("PARLEY_TRANSLATE_TIMEOUT_MS must be positive")
	}
	switch c.SpeechBackend {
	case "mock":
	case "local":
		if c.STTURL == "" || c.TTSURL == "" {
			return fmt.Errorf("PARLEY_STT_URL and PARLEY_TTS_URL are required for the local speech backend")
		}
	default:
		return fmt.Errorf("PARLEY_SPEECH_BACKEND must be mock or local, got %q", c.SpeechBackend)
	}
	if c.JournalLimit <= 0 {
		return fmt.Errorf("PARLEY_JOURNAL_LIMIT must be positive")
	}
	if c.JournalTTL <= 0 {
		return fmt.Errorf("PARLEY_JOURNAL_TTL must be positive")
	}
	if c.SessionTimeout < 5*time.Second {
		return fmt.Errorf("PARLEY_SESSION_TIMEOUT must be at least 5s")
	}
	if c.SessionRetention <= 0 {
		return fmt.Errorf("PARLEY_SESSION_RETENTION must be positive")
	}
	if c.WSSendBuffer <= 0 {
		return fmt.Errorf("PARLEY_WS_SEND_BUFFER must be positive")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

// millisFromEnv reads a plain millisecond count.
func millisFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return time.Duration(n) * time.Millisecond, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
