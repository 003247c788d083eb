// Package speech provides recognizer and synthesizer backends for self-hosted
// STT/TTS servers. The in-process mocks live next to the pipeline they test.
package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mruggi/parley/internal/audio"
	"github.com/mruggi/parley/internal/interp"
	"github.com/mruggi/parley/internal/reliability"
)

const (
	defaultSTTTimeout = 8 * time.Second
	defaultTTSTimeout = 10 * time.Second

	// Partial transcription cadence for in-progress utterances.
	partialMinInterval = 300 * time.Millisecond
	partialMinAudio    = 300 * time.Millisecond

	// Silence long enough to treat the buffered audio as one finished utterance.
	defaultUtteranceEnd = 500 * time.Millisecond

	interimConfidence = 0.6
	finalConfidence   = 0.85

	// Cap on uncommitted audio so a hot mic cannot grow memory unbounded.
	maxBufferedSeconds = 60
)

// LocalRecognizer talks to a self-hosted transcription server: one multipart
// WAV POST per inference, JSON `{"text": ...}` back. Each session buffers a
// speaker's PCM, emits interim transcripts while the utterance grows, and
// finalizes it after a silence gap.
type LocalRecognizer struct {
	url          string
	client       *http.Client
	utteranceEnd time.Duration
}

func NewLocalRecognizer(url string, timeout, utteranceEnd time.Duration) *LocalRecognizer {
	if timeout <= 0 {
		timeout = defaultSTTTimeout
	}
	if utteranceEnd <= 0 {
		utteranceEnd = defaultUtteranceEnd
	}
	return &LocalRecognizer{
		url:          strings.TrimSpace(url),
		client:       &http.Client{Timeout: timeout},
		utteranceEnd: utteranceEnd,
	}
}

func (r *LocalRecognizer) StartSession(ctx context.Context, language, sessionID string) (interp.RecognizerSession, <-chan interp.RecognizerEvent, error) {
	if r.url == "" {
		return nil, nil, fmt.Errorf("recognizer url is not configured")
	}
	events := make(chan interp.RecognizerEvent, 64)
	sessCtx, cancel := context.WithCancel(ctx)
	s := &localRecognizerSession{
		recognizer: r,
		language:   language,
		sessionID:  sessionID,
		events:     events,
		ctx:        sessCtx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	go s.run()
	return s, events, nil
}

// transcribe posts one WAV to the server and returns the recognized text.
func (r *LocalRecognizer) transcribe(ctx context.Context, pcm []byte, sampleRate int, language string) (string, error) {
	wav, err := audio.EncodeWAV(pcm, sampleRate)
	if err != nil {
		return "", err
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", err
	}
	if _, err := fw.Write(wav); err != nil {
		return "", err
	}
	_ = mw.WriteField("language", language)
	_ = mw.WriteField("response_format", "json")
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("stt request: %w", err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read stt response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("stt http status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var out struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return "", fmt.Errorf("decode stt response: %w", err)
	}
	return strings.TrimSpace(out.Text), nil
}

type localRecognizerSession struct {
	recognizer *LocalRecognizer
	language   string
	sessionID  string
	events     chan interp.RecognizerEvent

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu          sync.Mutex
	pcm         []byte
	sampleRate  int
	lastAudioAt time.Time
	lastPartial time.Time
	lastText    string
	inFlight    bool
	closed      bool
}

func (s *localRecognizerSession) SendAudio(_ context.Context, pcm []byte, sampleRate int) error {
	if len(pcm) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if sampleRate <= 0 {
		sampleRate = audio.DefaultSampleRate
	}
	s.sampleRate = sampleRate
	s.pcm = append(s.pcm, pcm...)
	s.lastAudioAt = time.Now()

	maxBytes := sampleRate * 2 * maxBufferedSeconds
	if len(s.pcm) > maxBytes {
		s.pcm = append(s.pcm[:0:0], s.pcm[len(s.pcm)-maxBytes:]...)
	}
	return nil
}

func (s *localRecognizerSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	<-s.done
	return nil
}

// run polls the buffered audio: a growing utterance yields throttled interim
// transcriptions of the whole buffer; a silence gap finalizes it.
func (s *localRecognizerSession) run() {
	defer close(s.done)
	defer close(s.events)

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}

		now := time.Now()
		s.mu.Lock()
		if s.inFlight || len(s.pcm) == 0 || s.lastAudioAt.IsZero() {
			s.mu.Unlock()
			continue
		}
		sampleRate := s.sampleRate
		silence := now.Sub(s.lastAudioAt)
		final := silence >= s.recognizer.utteranceEnd
		if !final {
			minBytes := int(float64(sampleRate*2) * partialMinAudio.Seconds())
			if len(s.pcm) < minBytes || now.Sub(s.lastPartial) < partialMinInterval {
				s.mu.Unlock()
				continue
			}
		}
		pcm := make([]byte, len(s.pcm))
		copy(pcm, s.pcm)
		if final {
			s.pcm = s.pcm[:0]
			s.lastAudioAt = time.Time{}
		} else {
			s.lastPartial = now
		}
		s.inFlight = true
		s.mu.Unlock()

		text, err := s.recognizer.transcribe(s.ctx, pcm, sampleRate, s.language)

		s.mu.Lock()
		s.inFlight = false
		prev := s.lastText
		if err == nil {
			if final {
				s.lastText = ""
			} else {
				s.lastText = text
			}
		}
		s.mu.Unlock()

		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			if final {
				s.emit(interp.RecognizerEvent{
					Type:      interp.RecognizerEventError,
					Code:      "stt_failed",
					Detail:    err.Error(),
					Timestamp: time.Now().UnixMilli(),
				})
			}
			// Failed partials stay quiet; the final pass is authoritative.
			continue
		}
		if text == "" || (!final && text == prev) {
			continue
		}

		evType := interp.RecognizerEventInterim
		conf := interimConfidence
		if final {
			evType = interp.RecognizerEventFinal
			conf = finalConfidence
		}
		s.emit(interp.RecognizerEvent{
			Type:       evType,
			Text:       text,
			Confidence: conf,
			Timestamp:  time.Now().UnixMilli(),
		})
	}
}

func (s *localRecognizerSession) emit(ev interp.RecognizerEvent) {
	select {
	case s.events <- ev:
	default:
	}
}

// LocalSynthesizer renders text through a self-hosted TTS server: JSON in,
// WAV bytes out. A transient failure gets one bounded retry.
type LocalSynthesizer struct {
	url    string
	client *http.Client
}

func NewLocalSynthesizer(url string, timeout time.Duration) *LocalSynthesizer {
	if timeout <= 0 {
		timeout = defaultTTSTimeout
	}
	return &LocalSynthesizer{
		url:    strings.TrimSpace(url),
		client: &http.Client{Timeout: timeout},
	}
}

func (t *LocalSynthesizer) Synthesize(ctx context.Context, text, voiceID, language string) (interp.Audio, error) {
	if t.url == "" {
		return interp.Audio{}, fmt.Errorf("synthesizer url is not configured")
	}
	if strings.TrimSpace(text) == "" {
		return interp.Audio{}, fmt.Errorf("nothing to synthesize")
	}

	payload, err := json.Marshal(map[string]string{
		"text":     text,
		"voice_id": voiceID,
		"language": language,
	})
	if err != nil {
		return interp.Audio{}, err
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			wait := reliability.ExponentialBackoff(attempt-1, 50*time.Millisecond, 200*time.Millisecond)
			select {
			case <-ctx.Done():
				return interp.Audio{}, ctx.Err()
			case <-time.After(wait):
			}
		}

		out, retryable, err := t.synthesizeOnce(ctx, payload)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !retryable {
			return interp.Audio{}, err
		}
	}
	return interp.Audio{}, fmt.Errorf("tts attempts exhausted: %w", lastErr)
}

func (t *LocalSynthesizer) synthesizeOnce(ctx context.Context, payload []byte) (interp.Audio, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(payload))
	if err != nil {
		return interp.Audio{}, false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return interp.Audio{}, reliability.IsRetryableError(err), fmt.Errorf("tts request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		err := fmt.Errorf("tts http status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		return interp.Audio{}, reliability.IsRetryableHTTPStatus(resp.StatusCode), err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return interp.Audio{}, true, fmt.Errorf("read tts response: %w", err)
	}

	pcm, sampleRate, err := audio.DecodeWAV(body)
	if err != nil {
		return interp.Audio{}, false, fmt.Errorf("decode tts wav: %w", err)
	}
	return interp.Audio{PCM16: pcm, SampleRate: sampleRate}, false, nil
}
