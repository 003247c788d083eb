package interp

import (
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// SegmentSink is where a transcript adapter proposes updates; in production it
// is the session's Buffer.
type SegmentSink interface {
	Submit(SegmentUpdate) bool
}

// AdapterConfig tunes one recognizer stream's normalization.
type AdapterConfig struct {
	// EnableInterim forwards interim recognizer events; finals are always
	// forwarded.
	EnableInterim bool
	// ConfidenceThreshold gates interim forwarding: interims at or below it
	// are held back until the recognizer firms up or finalizes.
	ConfidenceThreshold float64
	// SilenceGap is how long without recognizer events before the next event
	// starts a new utterance (and segment id).
	SilenceGap time.Duration
}

func (c AdapterConfig) withDefaults() AdapterConfig {
	if c.ConfidenceThreshold <= 0 {
		c.ConfidenceThreshold = 0.7
	}
	if c.SilenceGap <= 0 {
		c.SilenceGap = 500 * time.Millisecond
	}
	return c
}

// TranscriptAdapter wraps one language-tagged recognizer stream and normalizes
// its interim/final events into segment updates for the buffer. It is a pure
// normalization boundary: no translation, no routing, and it guarantees every
// update carries the speaker id it was constructed with, so nothing downstream
// ever has to guess who spoke.
//
// One utterance keeps one stable ulid segment id; a final event or a silence
// gap starts the next id.
type TranscriptAdapter struct {
	speakerID string
	language  string
	sink      SegmentSink
	cfg       AdapterConfig

	mu          sync.Mutex
	segmentID   string
	lastEventAt time.Time
}

func NewTranscriptAdapter(speakerID, language string, sink SegmentSink, cfg AdapterConfig) (*TranscriptAdapter, error) {
	speakerID = strings.TrimSpace(speakerID)
	language = strings.TrimSpace(language)
	if speakerID == "" {
		return nil, errors.New("transcript adapter requires a speaker id")
	}
	if language == "" {
		return nil, errors.New("transcript adapter requires a language")
	}
	if sink == nil {
		return nil, errors.New("transcript adapter requires a segment sink")
	}
	return &TranscriptAdapter{
		speakerID: speakerID,
		language:  language,
		sink:      sink,
		cfg:       cfg.withDefaults(),
	}, nil
}

func (a *TranscriptAdapter) SpeakerID() string { return a.speakerID }
func (a *TranscriptAdapter) Language() string  { return a.language }

// OnInterim forwards an interim transcript when interim results are enabled
// and the confidence clears the threshold. Reports whether the update reached
// the sink.
func (a *TranscriptAdapter) OnInterim(text string, confidence float64) bool {
	if strings.TrimSpace(text) == "" {
		a.touch()
		return false
	}
	if !a.cfg.EnableInterim || confidence <= a.cfg.ConfidenceThreshold {
		// Still an utterance-activity signal: keep the segment id alive so a
		// later confident interim merges instead of forking.
		a.touch()
		return false
	}
	id := a.currentSegmentID()
	return a.sink.Submit(SegmentUpdate{
		SegmentID:      id,
		SpeakerID:      a.speakerID,
		Text:           text,
		SourceLanguage: a.language,
		IsFinal:        false,
		Confidence:     confidence,
	})
}

// OnFinal forwards a final transcript unconditionally and retires the current
// segment id.
func (a *TranscriptAdapter) OnFinal(text string, confidence float64) bool {
	if strings.TrimSpace(text) == "" {
		a.reset()
		return false
	}
	id := a.currentSegmentID()
	ok := a.sink.Submit(SegmentUpdate{
		SegmentID:      id,
		SpeakerID:      a.speakerID,
		Text:           text,
		SourceLanguage: a.language,
		IsFinal:        true,
		Confidence:     confidence,
	})
	a.reset()
	return ok
}

// OnError abandons the in-flight segment id; the next event starts fresh. The
// partial that was already submitted still dispatches on its own timeout.
func (a *TranscriptAdapter) OnError(code, detail string) {
	log.Printf("adapter: recognizer error for %s (%s): %s %s", a.speakerID, a.language, code, detail)
	a.reset()
}

// HandleEvent normalizes one recognizer event.
func (a *TranscriptAdapter) HandleEvent(ev RecognizerEvent) {
	switch ev.Type {
	case RecognizerEventInterim:
		a.OnInterim(ev.Text, ev.Confidence)
	case RecognizerEventFinal:
		a.OnFinal(ev.Text, ev.Confidence)
	case RecognizerEventError:
		a.OnError(ev.Code, ev.Detail)
	}
}

// Consume drains a recognizer event channel until it closes.
func (a *TranscriptAdapter) Consume(events <-chan RecognizerEvent) {
	for ev := range events {
		a.HandleEvent(ev)
	}
}

// currentSegmentID returns the in-flight segment id, starting a new one after
// a final or a silence gap.
func (a *TranscriptAdapter) currentSegmentID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := time.Now()
	if a.segmentID == "" || now.Sub(a.lastEventAt) > a.cfg.SilenceGap {
		a.segmentID = ulid.Make().String()
	}
	a.lastEventAt = now
	return a.segmentID
}

func (a *TranscriptAdapter) touch() {
	a.mu.Lock()
	a.lastEventAt = time.Now()
	a.mu.Unlock()
}

func (a *TranscriptAdapter) reset() {
	a.mu.Lock()
	a.segmentID = ""
	a.lastEventAt = time.Now()
	a.mu.Unlock()
}
