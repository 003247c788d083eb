package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mruggi/parley/internal/reliability"
)

const (
	defaultHTTPTimeout = 2500 * time.Millisecond
	maxAttempts        = 2
	backoffBase        = 50 * time.Millisecond
	backoffCap         = 200 * time.Millisecond
)

// HTTPBackend calls a translation service over HTTP: one POST per request,
// JSON in, JSON out. Transient failures get a single bounded retry; anything
// slower would eat into the caller's dispatch budget.
type HTTPBackend struct {
	url    string
	client *http.Client
}

func NewHTTPBackend(url string, timeout time.Duration) *HTTPBackend {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return &HTTPBackend{
		url: strings.TrimSpace(url),
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

func (b *HTTPBackend) Name() string { return "http" }

func (b *HTTPBackend) Translate(ctx context.Context, req Request) (string, error) {
	req, same, err := normalizeRequest(req)
	if err != nil {
		return "", err
	}
	if same {
		return req.Text, nil
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			wait := reliability.ExponentialBackoff(attempt-1, backoffBase, backoffCap)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(wait):
			}
		}

		text, retryable, err := b.translateOnce(ctx, payload)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if !retryable {
			return "", err
		}
	}
	return "", fmt.Errorf("translate http: attempts exhausted: %w", lastErr)
}

func (b *HTTPBackend) translateOnce(ctx context.Context, payload []byte) (string, bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(payload))
	if err != nil {
		return "", false, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := b.client.Do(httpReq)
	if err != nil {
		return "", reliability.IsRetryableError(err), fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		err := fmt.Errorf("translate http status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
		return "", reliability.IsRetryableHTTPStatus(res.StatusCode), err
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", true, fmt.Errorf("read response: %w", err)
	}

	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		text := strings.TrimSpace(string(body))
		if text == "" {
			return "", false, fmt.Errorf("empty translation response")
		}
		return text, false, nil
	}
	text := extractTranslation(obj)
	if text == "" {
		return "", false, fmt.Errorf("translation response carried no text")
	}
	return text, false, nil
}

func extractTranslation(obj map[string]any) string {
	for _, k := range []string{"translated_text", "translation", "text", "output"} {
		if v, ok := obj[k]; ok {
			if s, ok := v.(string); ok {
				return strings.TrimSpace(s)
			}
		}
	}
	return ""
}
