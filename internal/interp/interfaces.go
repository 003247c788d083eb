package interp

import "context"

type RecognizerEventType string

const (
	RecognizerEventInterim RecognizerEventType = "interim"
	RecognizerEventFinal   RecognizerEventType = "final"
	RecognizerEventError   RecognizerEventType = "error"
)

// RecognizerEvent is one transcript update from a speech recognizer stream.
type RecognizerEvent struct {
	Type       RecognizerEventType
	Text       string
	Confidence float64
	Code       string
	Detail     string
	Timestamp  int64
}

type RecognizerSession interface {
	SendAudio(ctx context.Context, pcm []byte, sampleRate int) error
	Close() error
}

// Recognizer starts one transcript stream per (participant, language). The
// language tag selects the recognizer model/locale.
type Recognizer interface {
	StartSession(ctx context.Context, language, sessionID string) (RecognizerSession, <-chan RecognizerEvent, error)
}

// Audio is a synthesized utterance ready for playback.
type Audio struct {
	PCM16      []byte
	SampleRate int
}

// Synthesizer renders translated text in a target voice.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voiceID, language string) (Audio, error)
}

// Playback is one synthesized clip addressed to a single listener. Marker tags
// the emitting agent so its own output is never fed back into recognition.
type Playback struct {
	ListenerID string
	SpeakerID  string
	SegmentID  string
	Audio      Audio
	Marker     string
}

// Decision is one transport-level subscription command derived from the
// routing table: whether listener should receive source's raw stream, and in
// which state.
type Decision struct {
	ListenerID string     `json:"listener_id"`
	SourceID   string     `json:"source_id"`
	Stream     StreamType `json:"stream"`
	Subscribe  bool       `json:"subscribe"`
	Muted      bool       `json:"muted"`
}

// Transport is the session's audio/control plane: it plays synthesized audio
// to a listener and applies subscribe/mute decisions to raw streams.
type Transport interface {
	Play(ctx context.Context, p Playback) error
	ApplyDecisions(ctx context.Context, decisions []Decision) error
}

// ListenerFunc receives a dispatched segment on behalf of one listener.
// Returning an error marks this listener's path failed without affecting the
// other listeners of the same segment.
type ListenerFunc func(ctx context.Context, seg Segment) error
