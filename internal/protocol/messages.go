package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	// Client -> server.
	TypeJoin     MessageType = "join"
	TypeLeave    MessageType = "leave"
	TypeSpeaking MessageType = "speaking"
	TypeAudio    MessageType = "audio"
	TypePing     MessageType = "ping"

	// Server -> client.
	TypeJoined     MessageType = "joined"
	TypeRoster     MessageType = "roster"
	TypeRoutes     MessageType = "routes"
	TypeCaption    MessageType = "caption"
	TypePlay       MessageType = "play"
	TypeErrorEvent MessageType = "error_event"
	TypePong       MessageType = "pong"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// Join registers a participant on the session. Language and voice are optional;
// when omitted the server resolves them from the participant's profile.
type Join struct {
	Type          MessageType `json:"type"`
	ParticipantID string      `json:"participant_id"`
	Language      string      `json:"language,omitempty"`
	VoiceID       string      `json:"voice_id,omitempty"`
}

type Leave struct {
	Type          MessageType `json:"type"`
	ParticipantID string      `json:"participant_id"`
}

// Speaking signals that a participant started (active=true) or stopped talking.
type Speaking struct {
	Type          MessageType `json:"type"`
	ParticipantID string      `json:"participant_id"`
	Active        bool        `json:"active"`
}

// Audio carries one PCM16LE frame of a participant's microphone stream.
type Audio struct {
	Type          MessageType `json:"type"`
	ParticipantID string      `json:"participant_id"`
	Seq           int         `json:"seq"`
	PCM16Base64   string      `json:"pcm16_base64"`
	SampleRate    int         `json:"sample_rate"`
}

type Ping struct {
	Type MessageType `json:"type"`
}

type Joined struct {
	Type          MessageType `json:"type"`
	SessionID     string      `json:"session_id"`
	ParticipantID string      `json:"participant_id"`
	Language      string      `json:"language"`
	VoiceID       string      `json:"voice_id,omitempty"`
}

type RosterEntry struct {
	ParticipantID string `json:"participant_id"`
	Language      string `json:"language"`
}

type Roster struct {
	Type           MessageType   `json:"type"`
	SessionID      string        `json:"session_id"`
	Participants   []RosterEntry `json:"participants"`
	CurrentSpeaker string        `json:"current_speaker,omitempty"`
}

// Routes publishes the materialized routing table and the transport-level
// subscribe/mute decisions derived from it. Route and decision payloads are
// defined by the interpretation core; the envelope carries them verbatim.
type Routes struct {
	Type      MessageType     `json:"type"`
	SessionID string          `json:"session_id"`
	Routes    json.RawMessage `json:"routes"`
	Decisions json.RawMessage `json:"decisions"`
}

// Caption is the textual translation delivered to one listener.
type Caption struct {
	Type                 MessageType `json:"type"`
	SessionID            string      `json:"session_id"`
	ListenerID           string      `json:"listener_id"`
	SegmentID            string      `json:"segment_id"`
	SpeakerID            string      `json:"speaker_id"`
	OriginalText         string      `json:"original_text"`
	TranslatedText       string      `json:"translated_text"`
	SourceLanguage       string      `json:"source_language"`
	TargetLanguage       string      `json:"target_language"`
	TranslationLatencyMS float64     `json:"translation_latency_ms"`
	TotalLatencyMS       float64     `json:"total_latency_ms"`
}

// Play is one synthesized translation clip addressed to one listener. Marker
// tags the emitting agent so clients never loop the clip back as microphone
// input.
type Play struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"session_id"`
	ListenerID string      `json:"listener_id"`
	SpeakerID  string      `json:"speaker_id"`
	SegmentID  string      `json:"segment_id"`
	WAVBase64  string      `json:"wav_base64"`
	SampleRate int         `json:"sample_rate"`
	Marker     string      `json:"marker"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail"`
}

type Pong struct {
	Type MessageType `json:"type"`
}

// ParseClientMessage decodes and validates one inbound payload. Every message
// that refers to a participant must carry its id explicitly; the server never
// guesses identity.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeJoin:
		var msg Join
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.ParticipantID == "" {
			return nil, errors.New("invalid join: participant_id is required")
		}
		return msg, nil
	case TypeLeave:
		var msg Leave
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.ParticipantID == "" {
			return nil, errors.New("invalid leave: participant_id is required")
		}
		return msg, nil
	case TypeSpeaking:
		var msg Speaking
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.ParticipantID == "" {
			return nil, errors.New("invalid speaking: participant_id is required")
		}
		return msg, nil
	case TypeAudio:
		var msg Audio
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.ParticipantID == "" || msg.PCM16Base64 == "" || msg.SampleRate <= 0 {
			return nil, errors.New("invalid audio frame")
		}
		return msg, nil
	case TypePing:
		return Ping{Type: TypePing}, nil
	default:
		return nil, ErrUnsupportedType
	}
}
