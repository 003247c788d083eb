// Package translate is the boundary to the external translation service. The
// coordinator treats it as a black box: text in one language goes in, text in
// another comes out, with the service's own latency and failure modes.
package translate

import (
	"context"
	"errors"
	"strings"
)

// Preferences shape how a translation should read for one listener.
type Preferences struct {
	FormalTone      bool `json:"formal_tone"`
	PreserveEmotion bool `json:"preserve_emotion"`
}

// Request is one translation call for one listener.
type Request struct {
	Text           string      `json:"text"`
	SourceLanguage string      `json:"source_language"`
	TargetLanguage string      `json:"target_language"`
	Preferences    Preferences `json:"preferences"`
}

// Service performs translations. Implementations must be safe for concurrent
// use; the coordinator issues one call per listener in parallel.
type Service interface {
	Name() string
	Translate(ctx context.Context, req Request) (string, error)
}

// ErrEmptyText rejects requests with nothing to translate.
var ErrEmptyText = errors.New("translate: empty text")

// normalizeRequest trims the payload and reports whether the request is a
// same-language no-op, in which case backends return the original text without
// spending a service call.
func normalizeRequest(req Request) (Request, bool, error) {
	req.Text = strings.TrimSpace(req.Text)
	if req.Text == "" {
		return req, false, ErrEmptyText
	}
	same := req.SourceLanguage != "" && req.SourceLanguage == req.TargetLanguage
	return req, same, nil
}
