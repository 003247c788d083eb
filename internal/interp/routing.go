package interp

import (
	"sort"
	"sync"

	"github.com/mruggi/parley/internal/observability"
)

// Policy is the session's audio routing table: per listener, which sources are
// passed through raw, which are muted, and which are replaced by synthesized
// translation. It is the only state shared across all agents in a session, and
// every membership change recomputes the whole table from a fresh roster
// snapshot instead of patching it, so a join racing a speaker change can never
// leave a half-applied view behind.
type Policy struct {
	metrics *observability.Metrics

	mu             sync.RWMutex
	languages      map[string]string
	configs        map[string]*ParticipantAudioConfig
	routes         map[string]*AudioRoute
	currentSpeaker string
}

func NewPolicy(metrics *observability.Metrics) *Policy {
	return &Policy{
		metrics:   metrics,
		languages: make(map[string]string),
		configs:   make(map[string]*ParticipantAudioConfig),
		routes:    make(map[string]*AudioRoute),
	}
}

// Register adds a participant and recomputes all pairwise configs and routes.
// Registering an existing participant updates its language.
func (p *Policy) Register(participantID, language string) {
	if participantID == "" || language == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.languages[participantID] = language
	p.recompute()
}

// Unregister removes a participant, prunes every route and set referencing it,
// and recomputes the remaining pairs.
func (p *Policy) Unregister(participantID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.languages, participantID)
	if p.currentSpeaker == participantID {
		p.currentSpeaker = ""
	}
	p.recompute()
}

// recompute derives configs and routes from the language map. Caller holds the
// lock. Route Active flags survive regeneration so pause/resume is not undone
// by an unrelated join.
func (p *Policy) recompute() {
	configs := make(map[string]*ParticipantAudioConfig, len(p.languages))
	for id, lang := range p.languages {
		configs[id] = &ParticipantAudioConfig{
			ParticipantID:  id,
			NativeLanguage: lang,
			HearOriginal:   make(map[string]bool),
			HearTranslated: make(map[string]bool),
			Mute:           make(map[string]bool),
		}
	}

	routes := make(map[string]*AudioRoute, len(p.languages)*2)
	for sourceID, sourceLang := range p.languages {
		for targetID, targetLang := range p.languages {
			if sourceID == targetID {
				continue
			}
			cfg := configs[targetID]
			stream := StreamOriginal
			if sourceLang == targetLang {
				cfg.HearOriginal[sourceID] = true
			} else {
				// The raw stream is muted; only the synthesized translation
				// should be audible.
				cfg.HearTranslated[sourceID] = true
				cfg.Mute[sourceID] = true
				stream = StreamTranslated
			}

			id := RouteID(sourceID, targetID, stream)
			active := true
			if prev, ok := p.routes[id]; ok {
				active = prev.Active
			}
			routes[id] = &AudioRoute{
				ID:             id,
				SourceID:       sourceID,
				TargetID:       targetID,
				SourceLanguage: sourceLang,
				TargetLanguage: targetLang,
				Stream:         stream,
				Active:         active,
			}
		}
	}

	p.configs = configs
	p.routes = routes
	if p.metrics != nil {
		p.metrics.RoutingRecomputes.Inc()
	}
}

// SetCurrentSpeaker marks which participant is actively talking; the empty
// string clears it. The speaker state only gates when a hear-original source is
// audible, so setting it does not touch the config table.
func (p *Policy) SetCurrentSpeaker(participantID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if participantID != "" {
		if _, ok := p.languages[participantID]; !ok {
			return
		}
	}
	p.currentSpeaker = participantID
}

func (p *Policy) CurrentSpeaker() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.currentSpeaker
}

// Config returns a copy of one listener's routing state.
func (p *Policy) Config(participantID string) (ParticipantAudioConfig, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	cfg, ok := p.configs[participantID]
	if !ok {
		return ParticipantAudioConfig{}, false
	}
	return copyConfig(cfg), true
}

// Participants returns the roster's language map.
func (p *Policy) Participants() map[string]string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]string, len(p.languages))
	for id, lang := range p.languages {
		out[id] = lang
	}
	return out
}

// Routes returns all materialized edges ordered by id.
func (p *Policy) Routes() []AudioRoute {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]AudioRoute, 0, len(p.routes))
	for _, r := range p.routes {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetRouteActive toggles one route's pause/resume flag in place. Reports false
// when the route does not exist.
func (p *Policy) SetRouteActive(routeID string, active bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.routes[routeID]
	if !ok {
		return false
	}
	r.Active = active
	return true
}

// Decisions materializes the transport-level subscribe/mute commands for every
// (listener, source) pair: a hear-original source is audible only while it is
// the current speaker; a hear-translated source's raw stream stays muted
// unconditionally, because a translation failure must surface as silence and
// never as the untranslated stream. Ordered by listener then source.
func (p *Policy) Decisions() []Decision {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]Decision, 0, len(p.configs)*2)
	for listenerID, cfg := range p.configs {
		for sourceID := range p.languages {
			if sourceID == listenerID {
				continue
			}
			if cfg.HearOriginal[sourceID] {
				out = append(out, Decision{
					ListenerID: listenerID,
					SourceID:   sourceID,
					Stream:     StreamOriginal,
					Subscribe:  true,
					Muted:      sourceID != p.currentSpeaker,
				})
				continue
			}
			out = append(out, Decision{
				ListenerID: listenerID,
				SourceID:   sourceID,
				Stream:     StreamTranslated,
				Subscribe:  true,
				Muted:      true,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ListenerID != out[j].ListenerID {
			return out[i].ListenerID < out[j].ListenerID
		}
		return out[i].SourceID < out[j].SourceID
	})
	return out
}

func copyConfig(cfg *ParticipantAudioConfig) ParticipantAudioConfig {
	out := ParticipantAudioConfig{
		ParticipantID:  cfg.ParticipantID,
		NativeLanguage: cfg.NativeLanguage,
		HearOriginal:   make(map[string]bool, len(cfg.HearOriginal)),
		HearTranslated: make(map[string]bool, len(cfg.HearTranslated)),
		Mute:           make(map[string]bool, len(cfg.Mute)),
	}
	for id := range cfg.HearOriginal {
		out.HearOriginal[id] = true
	}
	for id := range cfg.HearTranslated {
		out.HearTranslated[id] = true
	}
	for id := range cfg.Mute {
		out.Mute[id] = true
	}
	return out
}
