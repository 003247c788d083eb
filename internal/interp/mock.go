package interp

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MockRecognizer is the in-process speech recognizer used when no STT service
// is configured and by the test suite. Audio frames are treated as UTF-8 text:
// every frame emits an interim for the accumulated utterance, and a frame
// ending in '.', '!', '?' or '\n' finalizes it. That keeps the whole pipeline
// runnable and deterministic without a model.
type MockRecognizer struct {
	// InterimConfidence and FinalConfidence override the emitted confidences
	// when set; zero values fall back to 0.9/0.95.
	InterimConfidence float64
	FinalConfidence   float64
}

func NewMockRecognizer() *MockRecognizer { return &MockRecognizer{} }

func (r *MockRecognizer) StartSession(_ context.Context, language, sessionID string) (RecognizerSession, <-chan RecognizerEvent, error) {
	events := make(chan RecognizerEvent, 64)
	s := &mockRecognizerSession{
		recognizer: r,
		language:   language,
		sessionID:  sessionID,
		events:     events,
	}
	return s, events, nil
}

type mockRecognizerSession struct {
	recognizer *MockRecognizer
	language   string
	sessionID  string

	mu      sync.Mutex
	pending strings.Builder
	events  chan RecognizerEvent
	closed  bool
}

func (s *mockRecognizerSession) SendAudio(_ context.Context, pcm []byte, _ int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	chunk := strings.TrimRight(string(pcm), "\x00")
	if strings.TrimSpace(chunk) == "" {
		return nil
	}
	s.pending.WriteString(chunk)
	text := strings.TrimSpace(s.pending.String())
	if text == "" {
		return nil
	}

	final := strings.ContainsAny(chunk[len(chunk)-1:], ".!?\n")
	interimConf := s.recognizer.InterimConfidence
	if interimConf == 0 {
		interimConf = 0.9
	}
	finalConf := s.recognizer.FinalConfidence
	if finalConf == 0 {
		finalConf = 0.95
	}

	if final {
		s.pending.Reset()
		s.emit(RecognizerEvent{
			Type:       RecognizerEventFinal,
			Text:       strings.TrimRight(text, ".!?\n "),
			Confidence: finalConf,
			Timestamp:  time.Now().UnixMilli(),
		})
		return nil
	}
	s.emit(RecognizerEvent{
		Type:       RecognizerEventInterim,
		Text:       text,
		Confidence: interimConf,
		Timestamp:  time.Now().UnixMilli(),
	})
	return nil
}

// emit drops the event when the channel is saturated; a mock consumer that
// stopped reading should not wedge the audio path.
func (s *mockRecognizerSession) emit(ev RecognizerEvent) {
	select {
	case s.events <- ev:
	default:
	}
}

func (s *mockRecognizerSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	return nil
}

// MockSynthesizer renders text as a flat tone sized to the utterance length,
// so playback timing behaves roughly like real synthesis.
type MockSynthesizer struct {
	mu    sync.Mutex
	calls []SynthesisCall
	fail  error
}

// SynthesisCall records one Synthesize invocation for assertions.
type SynthesisCall struct {
	Text     string
	VoiceID  string
	Language string
}

func NewMockSynthesizer() *MockSynthesizer { return &MockSynthesizer{} }

// Fail makes subsequent calls return err; nil restores normal behavior.
func (s *MockSynthesizer) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}

func (s *MockSynthesizer) Calls() []SynthesisCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SynthesisCall, len(s.calls))
	copy(out, s.calls)
	return out
}

func (s *MockSynthesizer) Synthesize(ctx context.Context, text, voiceID, language string) (Audio, error) {
	s.mu.Lock()
	s.calls = append(s.calls, SynthesisCall{Text: text, VoiceID: voiceID, Language: language})
	failErr := s.fail
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return Audio{}, err
	}
	if failErr != nil {
		return Audio{}, failErr
	}

	const sampleRate = 16000
	// 40ms of samples per rune, 200ms floor.
	samples := len([]rune(text)) * sampleRate * 40 / 1000
	if samples < sampleRate/5 {
		samples = sampleRate / 5
	}
	pcm := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		// Square-ish 440Hz tone at low amplitude.
		v := int16(2000)
		if (i/(sampleRate/880))%2 == 0 {
			v = -2000
		}
		pcm[i*2] = byte(v)
		pcm[i*2+1] = byte(v >> 8)
	}
	return Audio{PCM16: pcm, SampleRate: sampleRate}, nil
}

// RecordingTransport captures playback and routing commands for tests.
type RecordingTransport struct {
	mu        sync.Mutex
	playbacks []Playback
	decisions [][]Decision
	playErr   error
	played    chan Playback
}

func NewRecordingTransport() *RecordingTransport {
	return &RecordingTransport{played: make(chan Playback, 64)}
}

// FailPlay makes Play return err; nil restores normal behavior.
func (t *RecordingTransport) FailPlay(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.playErr = err
}

func (t *RecordingTransport) Play(_ context.Context, p Playback) error {
	t.mu.Lock()
	err := t.playErr
	if err == nil {
		t.playbacks = append(t.playbacks, p)
	}
	t.mu.Unlock()
	if err != nil {
		return err
	}
	select {
	case t.played <- p:
	default:
	}
	return nil
}

func (t *RecordingTransport) ApplyDecisions(_ context.Context, decisions []Decision) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	snapshot := make([]Decision, len(decisions))
	copy(snapshot, decisions)
	t.decisions = append(t.decisions, snapshot)
	return nil
}

func (t *RecordingTransport) Playbacks() []Playback {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Playback, len(t.playbacks))
	copy(out, t.playbacks)
	return out
}

func (t *RecordingTransport) LastDecisions() []Decision {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.decisions) == 0 {
		return nil
	}
	return t.decisions[len(t.decisions)-1]
}

// Played exposes the playback stream for tests that wait on delivery.
func (t *RecordingTransport) Played() <-chan Playback { return t.played }
