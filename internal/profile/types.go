package profile

import (
	"context"
	"errors"

	"github.com/mruggi/parley/internal/translate"
)

// Profile is what the directory resolves for a participant at join time: the
// language its agent interprets into and the preferences threaded through
// every translation request.
type Profile struct {
	ParticipantID  string                `json:"participant_id"`
	DisplayName    string                `json:"display_name"`
	NativeLanguage string                `json:"native_language"`
	VoiceID        string                `json:"voice_id"`
	Preferences    translate.Preferences `json:"preferences"`
}

var ErrNotFound = errors.New("profile not found")

// Store resolves and persists participant profiles.
type Store interface {
	Resolve(ctx context.Context, participantID string) (Profile, error)
	Upsert(ctx context.Context, p Profile) error
	Close() error
}
