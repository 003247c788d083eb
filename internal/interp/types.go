package interp

import (
	"fmt"
	"time"
)

// SegmentState tracks a segment's trip through the buffer. The transition
// Pending -> Translating -> {Completed|Failed} happens exactly once; merges are
// only accepted while Pending.
type SegmentState string

const (
	SegmentPending     SegmentState = "pending"
	SegmentTranslating SegmentState = "translating"
	SegmentCompleted   SegmentState = "completed"
	SegmentFailed      SegmentState = "failed"
)

// Segment is one recognized, possibly still evolving span of a speaker's
// utterance. The buffer owns the lifecycle; adapters only propose updates by
// segment id.
type Segment struct {
	ID             string       `json:"segment_id"`
	SpeakerID      string       `json:"speaker_id"`
	Text           string       `json:"text"`
	SourceLanguage string       `json:"source_language"`
	CreatedAt      time.Time    `json:"created_at"`
	IsFinal        bool         `json:"is_final"`
	Confidence     float64      `json:"confidence"`
	State          SegmentState `json:"state"`

	TranslationStartedAt   time.Time `json:"translation_started_at,omitzero"`
	TranslationCompletedAt time.Time `json:"translation_completed_at,omitzero"`
}

// SegmentUpdate is what a transcript adapter proposes to the buffer: the
// current text of one utterance, identified by a stable segment id.
type SegmentUpdate struct {
	SegmentID      string
	SpeakerID      string
	Text           string
	SourceLanguage string
	IsFinal        bool
	Confidence     float64
}

// TranslationResult is the outcome of translating one segment for one
// listener. Immutable once created; consumed exactly once by that listener's
// playback path.
type TranslationResult struct {
	SegmentID            string  `json:"segment_id"`
	SpeakerID            string  `json:"speaker_id"`
	OriginalText         string  `json:"original_text"`
	TranslatedText       string  `json:"translated_text"`
	SourceLanguage       string  `json:"source_language"`
	TargetLanguage       string  `json:"target_language"`
	TranslationLatencyMS float64 `json:"translation_latency_ms"`
	TotalLatencyMS       float64 `json:"total_latency_ms"`
}

// ParticipantAudioConfig is one listener's routing state: which sources it
// hears raw, which it hears as synthesized translation, and which are muted.
// For any source, membership in the three sets is mutually exclusive.
type ParticipantAudioConfig struct {
	ParticipantID  string          `json:"participant_id"`
	NativeLanguage string          `json:"native_language"`
	HearOriginal   map[string]bool `json:"hear_original"`
	HearTranslated map[string]bool `json:"hear_translated"`
	Mute           map[string]bool `json:"mute"`
}

type StreamType string

const (
	StreamOriginal   StreamType = "original"
	StreamTranslated StreamType = "translated"
)

// AudioRoute is a materialized edge between a source and a target, derived
// from the routing configs. Routes are regenerated wholesale; only Active is
// toggled in place.
type AudioRoute struct {
	ID             string     `json:"id"`
	SourceID       string     `json:"source_id"`
	TargetID       string     `json:"target_id"`
	SourceLanguage string     `json:"source_language"`
	TargetLanguage string     `json:"target_language"`
	Stream         StreamType `json:"stream"`
	Active         bool       `json:"active"`
}

// RouteID builds the canonical id for a route edge.
func RouteID(sourceID, targetID string, stream StreamType) string {
	return fmt.Sprintf("%s_to_%s_%s", sourceID, targetID, stream)
}
