package interp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/mruggi/parley/internal/audio"
	"github.com/mruggi/parley/internal/journal"
	"github.com/mruggi/parley/internal/langs"
	"github.com/mruggi/parley/internal/observability"
	"github.com/mruggi/parley/internal/profile"
	"github.com/mruggi/parley/internal/protocol"
	"github.com/mruggi/parley/internal/session"
	"github.com/mruggi/parley/internal/translate"
)

// HubParams wires the hub's shared backends. Every session gets its own
// buffer, routing policy, and coordinator; the backends here are shared.
type HubParams struct {
	Sessions   *session.Manager
	Profiles   profile.Store
	Journal    journal.Store
	Translator translate.Service
	Recognizer Recognizer
	Synth      Synthesizer
	Registry   *langs.Registry
	Metrics    *observability.Metrics

	DefaultLanguage string
	BufferConfig    BufferConfig
	AdapterConfig   AdapterConfig
	CallTimeout     time.Duration
}

// Hub runs one interpretation runtime per session and drives it from the
// session's control connection.
type Hub struct {
	sessions   *session.Manager
	profiles   profile.Store
	journal    journal.Store
	translator translate.Service
	recognizer Recognizer
	synth      Synthesizer
	registry   *langs.Registry
	metrics    *observability.Metrics

	defaultLanguage string
	bufferCfg       BufferConfig
	adapterCfg      AdapterConfig
	callTimeout     time.Duration

	mu       sync.Mutex
	runtimes map[string]*sessionRuntime
}

type sessionRuntime struct {
	buffer      *Buffer
	policy      *Policy
	coordinator *Coordinator
	transport   *connTransport
	cancel      context.CancelFunc

	mu     sync.Mutex
	agents map[string]*Agent
}

var ErrSessionBusy = errors.New("session already has a control connection")

func NewHub(p HubParams) (*Hub, error) {
	if p.Sessions == nil || p.Translator == nil || p.Recognizer == nil || p.Synth == nil {
		return nil, errors.New("hub requires sessions, translator, recognizer and synthesizer")
	}
	if p.Registry == nil {
		p.Registry = langs.Builtin()
	}
	if strings.TrimSpace(p.DefaultLanguage) == "" {
		p.DefaultLanguage = "en"
	}
	return &Hub{
		sessions:        p.Sessions,
		profiles:        p.Profiles,
		journal:         p.Journal,
		translator:      p.Translator,
		recognizer:      p.Recognizer,
		synth:           p.Synth,
		registry:        p.Registry,
		metrics:         p.Metrics,
		defaultLanguage: langs.Normalize(p.DefaultLanguage),
		bufferCfg:       p.BufferConfig,
		adapterCfg:      p.AdapterConfig,
		callTimeout:     p.CallTimeout,
		runtimes:        make(map[string]*sessionRuntime),
	}, nil
}

// RunConnection drives one session's control connection until the context
// ends, the inbound channel closes, or the roster empties. One connection per
// session: a second connection is refused with ErrSessionBusy.
func (h *Hub) RunConnection(ctx context.Context, s *session.Session, inbound <-chan any, outbound chan<- any) error {
	h.mu.Lock()
	if _, busy := h.runtimes[s.ID]; busy {
		h.mu.Unlock()
		h.sendControl(ctx, outbound, protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: s.ID,
			Code:      "session_busy",
			Detail:    "session already has a control connection",
		})
		return ErrSessionBusy
	}
	runCtx, cancel := context.WithCancel(ctx)

	transport := newConnTransport(s.ID, outbound, h.metrics)
	buffer := NewBuffer(h.bufferCfg, h.metrics)
	policy := NewPolicy(h.metrics)
	transport.routesFn = policy.Routes
	coordinator := NewCoordinator(s.ID, buffer, h.translator, h.journal, h.metrics, h.callTimeout)
	coordinator.SetCaptionFunc(func(listenerID string, res TranslationResult) {
		h.sendControl(runCtx, outbound, protocol.Caption{
			Type:                 protocol.TypeCaption,
			SessionID:            s.ID,
			ListenerID:           listenerID,
			SegmentID:            res.SegmentID,
			SpeakerID:            res.SpeakerID,
			OriginalText:         res.OriginalText,
			TranslatedText:       res.TranslatedText,
			SourceLanguage:       res.SourceLanguage,
			TargetLanguage:       res.TargetLanguage,
			TranslationLatencyMS: res.TranslationLatencyMS,
			TotalLatencyMS:       res.TotalLatencyMS,
		})
	})

	rt := &sessionRuntime{
		buffer:      buffer,
		policy:      policy,
		coordinator: coordinator,
		transport:   transport,
		cancel:      cancel,
		agents:      make(map[string]*Agent),
	}
	h.runtimes[s.ID] = rt
	h.mu.Unlock()

	go buffer.Run(runCtx)
	if h.metrics != nil {
		h.metrics.ActiveSessions.Inc()
		h.metrics.SessionEvents.WithLabelValues("connection_opened").Inc()
	}
	log.Printf("hub: session %s connected", s.ID)

	defer func() {
		h.mu.Lock()
		delete(h.runtimes, s.ID)
		h.mu.Unlock()

		rt.mu.Lock()
		agents := rt.agents
		rt.agents = make(map[string]*Agent)
		rt.mu.Unlock()
		for id, a := range agents {
			coordinator.RemoveAgent(id)
			a.Stop()
		}
		buffer.Close()
		cancel()
		if h.metrics != nil {
			h.metrics.ActiveSessions.Dec()
			h.metrics.SessionEvents.WithLabelValues("connection_closed").Inc()
		}
		log.Printf("hub: session %s disconnected", s.ID)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-inbound:
			if !ok {
				return nil
			}
			_ = h.sessions.Touch(s.ID)

			switch m := msg.(type) {
			case protocol.Join:
				if err := h.handleJoin(runCtx, rt, s, m, outbound); err != nil {
					h.sendControl(runCtx, outbound, protocol.ErrorEvent{
						Type:      protocol.TypeErrorEvent,
						SessionID: s.ID,
						Code:      "join_failed",
						Detail:    err.Error(),
					})
				}
			case protocol.Leave:
				empty, err := h.handleLeave(runCtx, rt, s, m.ParticipantID, outbound)
				if err != nil {
					h.sendControl(runCtx, outbound, protocol.ErrorEvent{
						Type:      protocol.TypeErrorEvent,
						SessionID: s.ID,
						Code:      "leave_failed",
						Detail:    err.Error(),
					})
					continue
				}
				if empty {
					if _, err := h.sessions.End(s.ID); err == nil {
						if h.metrics != nil {
							h.metrics.SessionEvents.WithLabelValues("session_ended_empty").Inc()
						}
					}
					return nil
				}
			case protocol.Speaking:
				h.handleSpeaking(runCtx, rt, s, m, outbound)
			case protocol.Audio:
				if err := h.handleAudio(runCtx, rt, m); err != nil {
					h.sendControl(runCtx, outbound, protocol.ErrorEvent{
						Type:      protocol.TypeErrorEvent,
						SessionID: s.ID,
						Code:      "audio_rejected",
						Detail:    err.Error(),
					})
				}
			case protocol.Ping:
				h.sendControl(runCtx, outbound, protocol.Pong{Type: protocol.TypePong})
			}
		}
	}
}

// resolveJoin fills in language, voice, and preferences for a joining
// participant: explicit values win, then the profile store, then the default
// language.
func (h *Hub) resolveJoin(ctx context.Context, m protocol.Join) (language, voiceID string, prefs translate.Preferences, err error) {
	language = langs.Normalize(m.Language)
	voiceID = strings.TrimSpace(m.VoiceID)

	if h.profiles != nil && (language == "" || voiceID == "") {
		p, perr := h.profiles.Resolve(ctx, m.ParticipantID)
		switch {
		case perr == nil:
			if language == "" {
				language = langs.Normalize(p.NativeLanguage)
			}
			if voiceID == "" {
				voiceID = p.VoiceID
			}
			prefs = p.Preferences
		case errors.Is(perr, profile.ErrNotFound):
			// First-time participant; fall through to the default language.
		default:
			return "", "", prefs, fmt.Errorf("resolve profile: %w", perr)
		}
	}
	if language == "" {
		language = h.defaultLanguage
	}
	if !h.registry.Supported(language) {
		return "", "", prefs, fmt.Errorf("unsupported language %q", language)
	}
	return language, voiceID, prefs, nil
}

func (h *Hub) handleJoin(ctx context.Context, rt *sessionRuntime, s *session.Session, m protocol.Join, outbound chan<- any) error {
	language, voiceID, prefs, err := h.resolveJoin(ctx, m)
	if err != nil {
		return err
	}

	rt.mu.Lock()
	if _, already := rt.agents[m.ParticipantID]; already {
		rt.mu.Unlock()
		h.broadcastRosterAndRoutes(ctx, rt, s, outbound)
		return nil
	}
	rt.mu.Unlock()

	agent, err := NewAgent(AgentParams{
		ParticipantID: m.ParticipantID,
		Language:      language,
		VoiceID:       voiceID,
		Preferences:   prefs,
		Buffer:        rt.buffer,
		Policy:        rt.policy,
		Recognizer:    h.recognizer,
		Synth:         h.synth,
		Transport:     rt.transport,
		Registry:      h.registry,
		Metrics:       h.metrics,
		AdapterConfig: h.adapterCfg,
	})
	if err != nil {
		return err
	}
	if err := agent.Start(ctx); err != nil {
		return err
	}

	// The agent's own recognizer session is the only recognition of this
	// participant: one utterance, one segment, one fan-out. A mid-session
	// join therefore only adds the newcomer; nothing is rewired.
	rt.mu.Lock()
	rt.agents[m.ParticipantID] = agent
	rt.mu.Unlock()

	rt.coordinator.AddAgent(agent)
	if err := h.sessions.Join(s.ID, m.ParticipantID, language); err != nil {
		log.Printf("hub: session %s roster update failed: %v", s.ID, err)
	}
	if h.metrics != nil {
		h.metrics.SessionEvents.WithLabelValues("participant_joined").Inc()
	}

	h.sendControl(ctx, outbound, protocol.Joined{
		Type:          protocol.TypeJoined,
		SessionID:     s.ID,
		ParticipantID: m.ParticipantID,
		Language:      language,
		VoiceID:       agent.VoiceID(),
	})
	h.broadcastRosterAndRoutes(ctx, rt, s, outbound)
	return nil
}

func (h *Hub) handleLeave(ctx context.Context, rt *sessionRuntime, s *session.Session, participantID string, outbound chan<- any) (bool, error) {
	rt.mu.Lock()
	agent, ok := rt.agents[participantID]
	delete(rt.agents, participantID)
	rt.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("participant %s is not in the session", participantID)
	}

	rt.coordinator.RemoveAgent(participantID)
	agent.Stop()

	empty, err := h.sessions.Leave(s.ID, participantID)
	if err != nil {
		return false, err
	}
	if h.metrics != nil {
		h.metrics.SessionEvents.WithLabelValues("participant_left").Inc()
	}
	if !empty {
		h.broadcastRosterAndRoutes(ctx, rt, s, outbound)
	}
	return empty, nil
}

func (h *Hub) handleSpeaking(ctx context.Context, rt *sessionRuntime, s *session.Session, m protocol.Speaking, outbound chan<- any) {
	if m.Active {
		if err := h.sessions.SetSpeaker(s.ID, m.ParticipantID); err != nil {
			h.sendControl(ctx, outbound, protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: s.ID,
				Code:      "speaker_rejected",
				Detail:    err.Error(),
			})
			return
		}
		rt.policy.SetCurrentSpeaker(m.ParticipantID)
	} else {
		if rt.policy.CurrentSpeaker() == m.ParticipantID {
			_ = h.sessions.SetSpeaker(s.ID, "")
			rt.policy.SetCurrentSpeaker("")
		}
	}
	h.broadcastRosterAndRoutes(ctx, rt, s, outbound)
}

// handleAudio decodes one microphone frame and feeds it into the speaker's
// own recognizer session, the single recognition of that participant.
func (h *Hub) handleAudio(ctx context.Context, rt *sessionRuntime, m protocol.Audio) error {
	pcm, err := base64.StdEncoding.DecodeString(m.PCM16Base64)
	if err != nil {
		return fmt.Errorf("decode audio frame: %w", err)
	}
	if len(pcm) == 0 {
		return nil
	}

	rt.mu.Lock()
	speaker, known := rt.agents[m.ParticipantID]
	rt.mu.Unlock()
	if !known {
		return fmt.Errorf("participant %s is not in the session", m.ParticipantID)
	}
	return speaker.SendAudio(ctx, pcm, m.SampleRate)
}

func (h *Hub) broadcastRosterAndRoutes(ctx context.Context, rt *sessionRuntime, s *session.Session, outbound chan<- any) {
	participants := rt.policy.Participants()
	entries := make([]protocol.RosterEntry, 0, len(participants))
	for id, lang := range participants {
		entries = append(entries, protocol.RosterEntry{ParticipantID: id, Language: lang})
	}
	h.sendControl(ctx, outbound, protocol.Roster{
		Type:           protocol.TypeRoster,
		SessionID:      s.ID,
		Participants:   entries,
		CurrentSpeaker: rt.policy.CurrentSpeaker(),
	})

	if err := rt.transport.ApplyDecisions(ctx, rt.policy.Decisions()); err != nil {
		log.Printf("hub: publishing routes for session %s failed: %v", s.ID, err)
	}
}

// sendControl blocks until the control message is accepted or the connection
// context ends; control-plane messages are never dropped on a live
// connection, and never strand a sender once the writer is gone.
func (h *Hub) sendControl(ctx context.Context, outbound chan<- any, msg any) {
	select {
	case outbound <- msg:
		if h.metrics != nil {
			h.metrics.WSMessages.WithLabelValues("out", outboundMessageType(msg)).Inc()
		}
	case <-ctx.Done():
	}
}

func outboundMessageType(msg any) string {
	switch msg.(type) {
	case protocol.Joined:
		return string(protocol.TypeJoined)
	case protocol.Roster:
		return string(protocol.TypeRoster)
	case protocol.Routes:
		return string(protocol.TypeRoutes)
	case protocol.Caption:
		return string(protocol.TypeCaption)
	case protocol.Play:
		return string(protocol.TypePlay)
	case protocol.ErrorEvent:
		return string(protocol.TypeErrorEvent)
	case protocol.Pong:
		return string(protocol.TypePong)
	default:
		return "unknown"
	}
}

// SessionStats exposes one running session's buffer and routing state for the
// HTTP surface.
func (h *Hub) SessionStats(sessionID string) (BufferStats, []AudioRoute, bool) {
	h.mu.Lock()
	rt, ok := h.runtimes[sessionID]
	h.mu.Unlock()
	if !ok {
		return BufferStats{}, nil, false
	}
	return rt.buffer.Stats(), rt.policy.Routes(), true
}

// SetRouteActive pauses or resumes one route of a running session.
func (h *Hub) SetRouteActive(sessionID, routeID string, active bool) bool {
	h.mu.Lock()
	rt, ok := h.runtimes[sessionID]
	h.mu.Unlock()
	if !ok {
		return false
	}
	return rt.policy.SetRouteActive(routeID, active)
}

// EndSession tears down a running session's connection, if any. The session
// record itself is ended by the caller through the session manager.
func (h *Hub) EndSession(sessionID string) {
	h.mu.Lock()
	rt, ok := h.runtimes[sessionID]
	h.mu.Unlock()
	if ok {
		rt.cancel()
	}
}

// connTransport bridges agents onto the session's control connection. Play
// frames are dropped when the client cannot keep up; route decisions block
// because the control plane must stay consistent.
type connTransport struct {
	sessionID string
	outbound  chan<- any
	metrics   *observability.Metrics

	// routesFn supplies the materialized routing table published alongside
	// each decision set.
	routesFn func() []AudioRoute
}

func newConnTransport(sessionID string, outbound chan<- any, metrics *observability.Metrics) *connTransport {
	return &connTransport{sessionID: sessionID, outbound: outbound, metrics: metrics}
}

func (t *connTransport) Play(ctx context.Context, p Playback) error {
	wav, err := audio.EncodeWAV(p.Audio.PCM16, p.Audio.SampleRate)
	if err != nil {
		return fmt.Errorf("encode playback: %w", err)
	}
	msg := protocol.Play{
		Type:       protocol.TypePlay,
		SessionID:  t.sessionID,
		ListenerID: p.ListenerID,
		SpeakerID:  p.SpeakerID,
		SegmentID:  p.SegmentID,
		WAVBase64:  base64.StdEncoding.EncodeToString(wav),
		SampleRate: p.Audio.SampleRate,
		Marker:     p.Marker,
	}

	select {
	case t.outbound <- msg:
		if t.metrics != nil {
			t.metrics.WSMessages.WithLabelValues("out", string(protocol.TypePlay)).Inc()
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		// Slow consumer: audio is perishable, dropping beats stalling the
		// whole fan-out.
		if t.metrics != nil {
			t.metrics.WSMessages.WithLabelValues("dropped", string(protocol.TypePlay)).Inc()
		}
		log.Printf("transport: dropped play frame for %s (outbound full)", p.ListenerID)
		return nil
	}
}

func (t *connTransport) ApplyDecisions(ctx context.Context, decisions []Decision) error {
	var routes []AudioRoute
	if t.routesFn != nil {
		routes = t.routesFn()
	}
	routesJSON, err := json.Marshal(routes)
	if err != nil {
		return err
	}
	decisionsJSON, err := json.Marshal(decisions)
	if err != nil {
		return err
	}
	msg := protocol.Routes{
		Type:      protocol.TypeRoutes,
		SessionID: t.sessionID,
		Routes:    routesJSON,
		Decisions: decisionsJSON,
	}
	select {
	case t.outbound <- msg:
		if t.metrics != nil {
			t.metrics.WSMessages.WithLabelValues("out", string(protocol.TypeRoutes)).Inc()
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
