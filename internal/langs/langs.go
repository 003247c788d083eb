package langs

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/goccy/go-yaml"
)

// Language describes one interpretable language: how its recognizer should be
// configured and which voice renders translations into it.
type Language struct {
	Code           string `json:"code" yaml:"code"`
	Name           string `json:"name" yaml:"name"`
	Locale         string `json:"locale" yaml:"locale"`
	VoiceID        string `json:"voice_id" yaml:"voice_id"`
	UtteranceEndMS int    `json:"utterance_end_ms" yaml:"utterance_end_ms"`
	SilenceGapMS   int    `json:"silence_gap_ms" yaml:"silence_gap_ms"`
}

// Registry maps normalized language codes to their configuration. A registry is
// immutable after construction; lookups are safe for concurrent use.
type Registry struct {
	byCode map[string]Language
}

// Builtin returns the registry of languages the pipeline supports out of the box.
func Builtin() *Registry {
	r := &Registry{byCode: make(map[string]Language)}
	for _, l := range []Language{
		{Code: "en", Name: "English", Locale: "en-US", VoiceID: "lucy", UtteranceEndMS: 400, SilenceGapMS: 400},
		{Code: "es", Name: "Spanish", Locale: "es-US", VoiceID: "lucia", UtteranceEndMS: 450, SilenceGapMS: 450},
		{Code: "fr", Name: "French", Locale: "fr-FR", VoiceID: "chloe", UtteranceEndMS: 500, SilenceGapMS: 500},
		{Code: "it", Name: "Italian", Locale: "it-IT", VoiceID: "bianca", UtteranceEndMS: 500, SilenceGapMS: 500},
		{Code: "de", Name: "German", Locale: "de-DE", VoiceID: "vicki", UtteranceEndMS: 550, SilenceGapMS: 550},
	} {
		r.byCode[l.Code] = l
	}
	return r
}

type registryFile struct {
	Languages []Language `yaml:"languages"`
}

// Load returns the builtin registry with entries from path merged over it.
// An empty path returns the builtin registry unchanged.
func Load(path string) (*Registry, error) {
	r := Builtin()
	if strings.TrimSpace(path) == "" {
		return r, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read languages file: %w", err)
	}
	var f registryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse languages file: %w", err)
	}
	for _, l := range f.Languages {
		code := Normalize(l.Code)
		if code == "" {
			return nil, fmt.Errorf("languages file: entry with empty code")
		}
		merged := l
		merged.Code = code
		if base, ok := r.byCode[code]; ok {
			if merged.Name == "" {
				merged.Name = base.Name
			}
			if merged.Locale == "" {
				merged.Locale = base.Locale
			}
			if merged.VoiceID == "" {
				merged.VoiceID = base.VoiceID
			}
			if merged.UtteranceEndMS <= 0 {
				merged.UtteranceEndMS = base.UtteranceEndMS
			}
			if merged.SilenceGapMS <= 0 {
				merged.SilenceGapMS = base.SilenceGapMS
			}
		} else {
			if merged.UtteranceEndMS <= 0 {
				merged.UtteranceEndMS = 500
			}
			if merged.SilenceGapMS <= 0 {
				merged.SilenceGapMS = 500
			}
		}
		r.byCode[code] = merged
	}
	return r, nil
}

// Normalize collapses a language tag to its registry code: trims, lowercases,
// and drops any region subtag ("en-US" -> "en").
func Normalize(code string) string {
	code = strings.ToLower(strings.TrimSpace(code))
	if i := strings.IndexAny(code, "-_"); i >= 0 {
		code = code[:i]
	}
	return code
}

// Lookup resolves a language tag against the registry.
func (r *Registry) Lookup(code string) (Language, bool) {
	l, ok := r.byCode[Normalize(code)]
	return l, ok
}

// Supported reports whether the registry knows the language tag.
func (r *Registry) Supported(code string) bool {
	_, ok := r.Lookup(code)
	return ok
}

// Voice returns the voice id for a language tag, or the empty string when the
// language is unknown.
func (r *Registry) Voice(code string) string {
	l, ok := r.Lookup(code)
	if !ok {
		return ""
	}
	return l.VoiceID
}

// List returns all registry entries ordered by code.
func (r *Registry) List() []Language {
	out := make([]Language, 0, len(r.byCode))
	for _, l := range r.byCode {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}
