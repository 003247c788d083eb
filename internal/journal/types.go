package journal

import (
	"context"
	"time"
)

// EntryKind distinguishes what the pipeline recorded.
type EntryKind string

const (
	KindDispatch    EntryKind = "dispatch"
	KindTranslation EntryKind = "translation"
)

// Entry is one line of a session's interpretation trail: a dispatched segment
// or a delivered translation for one listener.
type Entry struct {
	SessionID      string    `json:"session_id"`
	SegmentID      string    `json:"segment_id"`
	SpeakerID      string    `json:"speaker_id"`
	ListenerID     string    `json:"listener_id,omitempty"`
	Kind           EntryKind `json:"kind"`
	OriginalText   string    `json:"original_text"`
	TranslatedText string    `json:"translated_text,omitempty"`
	SourceLanguage string    `json:"source_language"`
	TargetLanguage string    `json:"target_language,omitempty"`
	LatencyMS      float64   `json:"latency_ms,omitempty"`
	At             time.Time `json:"at"`
}

// Store keeps a bounded, recent-first interpretation trail per session.
type Store interface {
	Append(ctx context.Context, entry Entry) error
	// Recent returns up to n entries for the session, newest first.
	Recent(ctx context.Context, sessionID string, n int) ([]Entry, error)
	Close() error
}
