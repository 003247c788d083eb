package config

import (
	"strings"
	"testing"
	"time"
)

func clearParleyEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"PARLEY_ADDR",
		"PARLEY_SHUTDOWN_TIMEOUT",
		"PARLEY_METRICS_NAMESPACE",
		"PARLEY_ALLOWED_ORIGINS",
		"PARLEY_MAX_DELAY_MS",
		"PARLEY_HIGH_CONFIDENCE",
		"PARLEY_CONFIDENCE_THRESHOLD",
		"PARLEY_ENABLE_INTERIM",
		"PARLEY_SILENCE_GAP_MS",
		"PARLEY_SEGMENT_RETENTION_MS",
		"PARLEY_DEFAULT_LANGUAGE",
		"PARLEY_LANGS_FILE",
		"PARLEY_TRANSLATE_BACKEND",
		"PARLEY_TRANSLATE_URL",
		"PARLEY_TRANSLATE_FALLBACK_URL",
		"PARLEY_TRANSLATE_TIMEOUT_MS",
		"PARLEY_SPEECH_BACKEND",
		"PARLEY_STT_URL",
		"PARLEY_TTS_URL",
		"DATABASE_URL",
		"REDIS_URL",
		"PARLEY_JOURNAL_TTL",
		"PARLEY_JOURNAL_LIMIT",
		"PARLEY_SESSION_TIMEOUT",
		"PARLEY_SESSION_RETENTION",
		"PARLEY_WS_SEND_BUFFER",
		"PARLEY_SHUTDOWN_TIMEOUT",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearParleyEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q, want :8080", cfg.BindAddr)
	}
	if cfg.MaxDelay != 500*time.Millisecond {
		t.Fatalf("MaxDelay = %v, want 500ms", cfg.MaxDelay)
	}
	if cfg.HighConfidence != 0.8 || cfg.ConfidenceThreshold != 0.7 {
		t.Fatalf("confidence knobs = %v/%v, want 0.8/0.7", cfg.HighConfidence, cfg.ConfidenceThreshold)
	}
	if !cfg.EnableInterim {
		t.Fatalf("EnableInterim = false, want true by default")
	}
	if cfg.TranslateBackend != "mock" || cfg.SpeechBackend != "mock" {
		t.Fatalf("backends = %q/%q, want mock/mock", cfg.TranslateBackend, cfg.SpeechBackend)
	}
	if cfg.DefaultLanguage != "en" {
		t.Fatalf("DefaultLanguage = %q, want en", cfg.DefaultLanguage)
	}
	if cfg.JournalLimit != 512 || cfg.JournalTTL != 30*time.Minute {
		t.Fatalf("journal = %d/%v, want 512/30m", cfg.JournalLimit, cfg.JournalTTL)
	}
	if len(cfg.AllowedOrigins) != 0 {
		t.Fatalf("AllowedOrigins = %v, want empty", cfg.AllowedOrigins)
	}
}

func TestLoadOverrides(t *testing.T) {
	clearParleyEnv(t)
	t.Setenv("PARLEY_ADDR", ":9090")
	t.Setenv("PARLEY_MAX_DELAY_MS", "750")
	t.Setenv("PARLEY_HIGH_CONFIDENCE", "0.9")
	t.Setenv("PARLEY_ENABLE_INTERIM", "off")
	t.Setenv("PARLEY_SESSION_TIMEOUT", "2m")
	t.Setenv("PARLEY_ALLOWED_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":9090" {
		t.Fatalf("BindAddr = %q, want :9090", cfg.BindAddr)
	}
	if cfg.MaxDelay != 750*time.Millisecond {
		t.Fatalf("MaxDelay = %v, want 750ms", cfg.MaxDelay)
	}
	if cfg.HighConfidence != 0.9 {
		t.Fatalf("HighConfidence = %v, want 0.9", cfg.HighConfidence)
	}
	if cfg.EnableInterim {
		t.Fatalf("EnableInterim = true, want off")
	}
	if cfg.SessionTimeout != 2*time.Minute {
		t.Fatalf("SessionTimeout = %v, want 2m", cfg.SessionTimeout)
	}
	want := []string{"https://a.example", "https://b.example"}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[0] != want[0] || cfg.AllowedOrigins[1] != want[1] {
		t.Fatalf("AllowedOrigins = %v, want %v", cfg.AllowedOrigins, want)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := []struct {
		name    string
		key     string
		value   string
		errPart string
	}{
		{"zero max delay", "PARLEY_MAX_DELAY_MS", "0", "PARLEY_MAX_DELAY_MS"},
		{"confidence above one", "PARLEY_HIGH_CONFIDENCE", "1.5", "PARLEY_HIGH_CONFIDENCE"},
		{"confidence zero", "PARLEY_CONFIDENCE_THRESHOLD", "0", "PARLEY_CONFIDENCE_THRESHOLD"},
		{"unknown translate backend", "PARLEY_TRANSLATE_BACKEND", "llm", "PARLEY_TRANSLATE_BACKEND"},
		{"unknown speech backend", "PARLEY_SPEECH_BACKEND", "cloud", "PARLEY_SPEECH_BACKEND"},
		{"unparsable duration", "PARLEY_SESSION_TIMEOUT", "soon", "PARLEY_SESSION_TIMEOUT"},
		{"short session timeout", "PARLEY_SESSION_TIMEOUT", "1s", "PARLEY_SESSION_TIMEOUT"},
		{"unparsable bool", "PARLEY_ENABLE_INTERIM", "maybe", "PARLEY_ENABLE_INTERIM"},
		{"zero journal limit", "PARLEY_JOURNAL_LIMIT", "0", "PARLEY_JOURNAL_LIMIT"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clearParleyEnv(t)
			t.Setenv(tc.key, tc.value)
			_, err := Load()
			if err == nil {
				t.Fatalf("Load() error = nil, want failure for %s=%s", tc.key, tc.value)
			}
			if !strings.Contains(err.Error(), tc.errPart) {
				t.Fatalf("Load() error = %v, want mention of %s", err, tc.errPart)
			}
		})
	}
}

func TestLoadHTTPBackendsRequireURLs(t *testing.T) {
	clearParleyEnv(t)
	t.Setenv("PARLEY_TRANSLATE_BACKEND", "http")
	if _, err := Load(); err == nil {
		t.Fatalf("Load() error = nil, want missing PARLEY_TRANSLATE_URL")
	}

	clearParleyEnv(t)
	t.Setenv("PARLEY_SPEECH_BACKEND", "local")
	t.Setenv("PARLEY_STT_URL", "http://localhost:9000/inference")
	if _, err := Load(); err == nil {
		t.Fatalf("Load() error = nil, want missing PARLEY_TTS_URL")
	}

	t.Setenv("PARLEY_TTS_URL", "http://localhost:9001/tts")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.SpeechBackend != "local" {
		t.Fatalf("SpeechBackend = %q, want local", cfg.SpeechBackend)
	}
}
