package translate

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// phrasebook covers the handful of greetings the mock renders properly; anything
// else gets the tagged fallback so tests can still assert on output.
var phrasebook = map[string]string{
	"en>es:hello":        "hola",
	"en>es:good morning": "buenos dias",
	"en>es:thank you":    "gracias",
	"en>fr:hello":        "bonjour",
	"en>fr:thank you":    "merci",
	"es>en:hola":         "hello",
	"es>en:gracias":      "thank you",
	"fr>en:bonjour":      "hello",
	"fr>en:merci":        "thank you",
}

// MockBackend provides deterministic local translations when no service is
// configured. Latency and failures can be scripted for tests.
type MockBackend struct {
	mu      sync.Mutex
	delay   time.Duration
	failFor map[string]error
}

func NewMockBackend() *MockBackend {
	return &MockBackend{failFor: make(map[string]error)}
}

func (b *MockBackend) Name() string { return "mock" }

// SetDelay makes every call sleep before answering.
func (b *MockBackend) SetDelay(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.delay = d
}

// FailLanguage makes calls targeting lang fail with err until cleared with a
// nil err.
func (b *MockBackend) FailLanguage(lang string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.failFor, lang)
		return
	}
	b.failFor[lang] = err
}

func (b *MockBackend) Translate(ctx context.Context, req Request) (string, error) {
	req, same, err := normalizeRequest(req)
	if err != nil {
		return "", err
	}

	b.mu.Lock()
	delay := b.delay
	failErr := b.failFor[req.TargetLanguage]
	b.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
	}
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	if failErr != nil {
		return "", failErr
	}
	if same {
		return req.Text, nil
	}

	key := fmt.Sprintf("%s>%s:%s", req.SourceLanguage, req.TargetLanguage, strings.ToLower(req.Text))
	if out, ok := phrasebook[key]; ok {
		return out, nil
	}
	return fmt.Sprintf("[%s] %s", req.TargetLanguage, req.Text), nil
}
