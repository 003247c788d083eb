package interp

import (
	"sync"
	"testing"
	"time"
)

type captureSink struct {
	mu      sync.Mutex
	updates []SegmentUpdate
}

func (s *captureSink) Submit(u SegmentUpdate) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, u)
	return true
}

func (s *captureSink) all() []SegmentUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SegmentUpdate, len(s.updates))
	copy(out, s.updates)
	return out
}

func newTestAdapter(t *testing.T, sink SegmentSink, cfg AdapterConfig) *TranscriptAdapter {
	t.Helper()
	a, err := NewTranscriptAdapter("speaker-1", "en", sink, cfg)
	if err != nil {
		t.Fatalf("NewTranscriptAdapter() error = %v", err)
	}
	return a
}

func TestNewTranscriptAdapterValidation(t *testing.T) {
	sink := &captureSink{}
	tests := []struct {
		name      string
		speakerID string
		language  string
		sink      SegmentSink
	}{
		{"missing speaker", "", "en", sink},
		{"blank speaker", "   ", "en", sink},
		{"missing language", "speaker-1", "", sink},
		{"missing sink", "speaker-1", "en", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewTranscriptAdapter(tt.speakerID, tt.language, tt.sink, AdapterConfig{}); err == nil {
				t.Fatalf("NewTranscriptAdapter() error = nil, want error")
			}
		})
	}
}

func TestAdapterKeepsSegmentIDAcrossInterims(t *testing.T) {
	sink := &captureSink{}
	a := newTestAdapter(t, sink, AdapterConfig{EnableInterim: true, ConfidenceThreshold: 0.5})

	a.OnInterim("hel", 0.8)
	a.OnInterim("hello", 0.85)
	a.OnFinal("hello there", 0.95)

	got := sink.all()
	if len(got) != 3 {
		t.Fatalf("len(updates) = %d, want 3", len(got))
	}
	for i, u := range got {
		if u.SegmentID != got[0].SegmentID {
			t.Fatalf("update %d segment id %q != %q, want stable id per utterance", i, u.SegmentID, got[0].SegmentID)
		}
		if u.SpeakerID != "speaker-1" || u.SourceLanguage != "en" {
			t.Fatalf("update %d = %+v, want speaker-1/en stamped on every update", i, u)
		}
	}
	if !got[2].IsFinal || got[0].IsFinal {
		t.Fatalf("finality flags wrong: %+v", got)
	}
}

func TestAdapterNewSegmentAfterFinal(t *testing.T) {
	sink := &captureSink{}
	a := newTestAdapter(t, sink, AdapterConfig{EnableInterim: true, ConfidenceThreshold: 0.5})

	a.OnFinal("first utterance", 0.9)
	a.OnInterim("second", 0.8)

	got := sink.all()
	if len(got) != 2 {
		t.Fatalf("len(updates) = %d, want 2", len(got))
	}
	if got[0].SegmentID == got[1].SegmentID {
		t.Fatalf("segment id reused after final: %q", got[0].SegmentID)
	}
}

func TestAdapterNewSegmentAfterSilenceGap(t *testing.T) {
	sink := &captureSink{}
	a := newTestAdapter(t, sink, AdapterConfig{
		EnableInterim:       true,
		ConfidenceThreshold: 0.5,
		SilenceGap:          30 * time.Millisecond,
	})

	a.OnInterim("before the pause", 0.8)
	time.Sleep(60 * time.Millisecond)
	a.OnInterim("after the pause", 0.8)

	got := sink.all()
	if len(got) != 2 {
		t.Fatalf("len(updates) = %d, want 2", len(got))
	}
	if got[0].SegmentID == got[1].SegmentID {
		t.Fatalf("segment id survived the silence gap: %q", got[0].SegmentID)
	}
}

func TestAdapterInterimGating(t *testing.T) {
	tests := []struct {
		name       string
		cfg        AdapterConfig
		confidence float64
		want       bool
	}{
		{"disabled interims dropped", AdapterConfig{EnableInterim: false}, 0.95, false},
		{"below threshold dropped", AdapterConfig{EnableInterim: true, ConfidenceThreshold: 0.7}, 0.5, false},
		{"at threshold dropped", AdapterConfig{EnableInterim: true, ConfidenceThreshold: 0.7}, 0.7, false},
		{"above threshold forwarded", AdapterConfig{EnableInterim: true, ConfidenceThreshold: 0.7}, 0.75, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &captureSink{}
			a := newTestAdapter(t, sink, tt.cfg)
			if got := a.OnInterim("partial text", tt.confidence); got != tt.want {
				t.Fatalf("OnInterim() = %v, want %v", got, tt.want)
			}
			if forwarded := len(sink.all()) == 1; forwarded != tt.want {
				t.Fatalf("forwarded = %v, want %v", forwarded, tt.want)
			}
		})
	}
}

func TestAdapterFinalAlwaysForwarded(t *testing.T) {
	sink := &captureSink{}
	a := newTestAdapter(t, sink, AdapterConfig{EnableInterim: false, ConfidenceThreshold: 0.9})

	if !a.OnFinal("low confidence final", 0.2) {
		t.Fatalf("OnFinal() = false, want forwarded regardless of confidence")
	}
}

func TestAdapterDropsEmptyEvents(t *testing.T) {
	sink := &captureSink{}
	a := newTestAdapter(t, sink, AdapterConfig{EnableInterim: true, ConfidenceThreshold: 0.1})

	a.OnInterim("   ", 0.9)
	a.OnFinal("", 0.9)
	if got := len(sink.all()); got != 0 {
		t.Fatalf("len(updates) = %d after empty events, want 0", got)
	}
}

func TestAdapterErrorStartsFreshSegment(t *testing.T) {
	sink := &captureSink{}
	a := newTestAdapter(t, sink, AdapterConfig{EnableInterim: true, ConfidenceThreshold: 0.5})

	a.OnInterim("cut off mid", 0.8)
	a.OnError("disconnect", "recognizer stream closed")
	a.OnInterim("fresh start", 0.8)

	got := sink.all()
	if len(got) != 2 {
		t.Fatalf("len(updates) = %d, want 2", len(got))
	}
	if got[0].SegmentID == got[1].SegmentID {
		t.Fatalf("segment id survived a recognizer error: %q", got[0].SegmentID)
	}
}

func TestAdapterConsumeDrainsChannel(t *testing.T) {
	sink := &captureSink{}
	a := newTestAdapter(t, sink, AdapterConfig{EnableInterim: true, ConfidenceThreshold: 0.5})

	events := make(chan RecognizerEvent, 4)
	events <- RecognizerEvent{Type: RecognizerEventInterim, Text: "hel", Confidence: 0.8}
	events <- RecognizerEvent{Type: RecognizerEventFinal, Text: "hello", Confidence: 0.9}
	close(events)

	done := make(chan struct{})
	go func() {
		defer close(done)
		a.Consume(events)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Consume never returned after channel close")
	}

	got := sink.all()
	if len(got) != 2 {
		t.Fatalf("len(updates) = %d, want 2", len(got))
	}
	if !got[1].IsFinal {
		t.Fatalf("final event not normalized: %+v", got[1])
	}
}
