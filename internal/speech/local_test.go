package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mruggi/parley/internal/audio"
	"github.com/mruggi/parley/internal/interp"
)

func sttServer(t *testing.T, text string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if _, _, err := r.FormFile("file"); err != nil {
			http.Error(w, "missing audio file", http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"text": text})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func pcmOfDuration(d time.Duration) []byte {
	samples := int(float64(audio.DefaultSampleRate) * d.Seconds())
	return make([]byte, samples*2)
}

func TestLocalRecognizerEmitsInterimThenFinal(t *testing.T) {
	srv := sttServer(t, "hello world")
	r := NewLocalRecognizer(srv.URL, time.Second, 200*time.Millisecond)

	session, events, err := r.StartSession(context.Background(), "en", "sess-1")
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	defer session.Close()

	if err := session.SendAudio(context.Background(), pcmOfDuration(400*time.Millisecond), audio.DefaultSampleRate); err != nil {
		t.Fatalf("SendAudio() error = %v", err)
	}

	var sawInterim bool
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-events:
			switch ev.Type {
			case interp.RecognizerEventInterim:
				if ev.Text != "hello world" || ev.Confidence <= 0 {
					t.Fatalf("interim = %+v, want hello world", ev)
				}
				sawInterim = true
			case interp.RecognizerEventFinal:
				if ev.Text != "hello world" {
					t.Fatalf("final text = %q, want hello world", ev.Text)
				}
				if !sawInterim {
					t.Fatalf("final arrived before any interim")
				}
				if ev.Confidence <= interimConfidence {
					t.Fatalf("final confidence = %v, want above interim", ev.Confidence)
				}
				return
			case interp.RecognizerEventError:
				t.Fatalf("unexpected error event: %+v", ev)
			}
		case <-deadline:
			t.Fatalf("final transcript never arrived (sawInterim=%v)", sawInterim)
		}
	}
}

func TestLocalRecognizerFinalEmptiesBuffer(t *testing.T) {
	srv := sttServer(t, "first")
	r := NewLocalRecognizer(srv.URL, time.Second, 100*time.Millisecond)

	session, events, err := r.StartSession(context.Background(), "en", "sess-1")
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	defer session.Close()

	_ = session.SendAudio(context.Background(), pcmOfDuration(100*time.Millisecond), audio.DefaultSampleRate)

	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == interp.RecognizerEventFinal {
				// No further events should come out of an emptied buffer.
				select {
				case extra := <-events:
					t.Fatalf("got %+v after final with no new audio", extra)
				case <-time.After(400 * time.Millisecond):
					return
				}
			}
		case <-deadline:
			t.Fatalf("final transcript never arrived")
		}
	}
}

func TestLocalRecognizerRequiresURL(t *testing.T) {
	r := NewLocalRecognizer("", time.Second, time.Second)
	if _, _, err := r.StartSession(context.Background(), "en", "s"); err == nil {
		t.Fatalf("StartSession() error = nil, want missing-url error")
	}
}

func TestLocalSynthesizerDecodesWAV(t *testing.T) {
	pcm := []byte{1, 0, 2, 0, 3, 0, 4, 0}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Text     string `json:"text"`
			VoiceID  string `json:"voice_id"`
			Language string `json:"language"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text == "" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		wav, err := audio.EncodeWAV(pcm, audio.DefaultSampleRate)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		_, _ = w.Write(wav)
	}))
	t.Cleanup(srv.Close)

	s := NewLocalSynthesizer(srv.URL, time.Second)
	out, err := s.Synthesize(context.Background(), "hola", "lucia", "es")
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if !bytes.Equal(out.PCM16, pcm) || out.SampleRate != audio.DefaultSampleRate {
		t.Fatalf("Synthesize() = %+v, want original PCM back", out)
	}
}

func TestLocalSynthesizerRetriesTransientStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "warming up", http.StatusServiceUnavailable)
			return
		}
		wav, _ := audio.EncodeWAV([]byte{1, 0}, audio.DefaultSampleRate)
		_, _ = w.Write(wav)
	}))
	t.Cleanup(srv.Close)

	s := NewLocalSynthesizer(srv.URL, time.Second)
	if _, err := s.Synthesize(context.Background(), "hola", "lucia", "es"); err != nil {
		t.Fatalf("Synthesize() error = %v, want retry to succeed", err)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("server calls = %d, want 2", got)
	}
}

func TestLocalSynthesizerDoesNotRetryClientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "unknown voice", http.StatusBadRequest)
	}))
	t.Cleanup(srv.Close)

	s := NewLocalSynthesizer(srv.URL, time.Second)
	if _, err := s.Synthesize(context.Background(), "hola", "bogus", "es"); err == nil {
		t.Fatalf("Synthesize() error = nil, want bad-request error")
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("server calls = %d, want 1 (no retry on 400)", got)
	}
}
