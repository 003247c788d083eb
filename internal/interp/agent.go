package interp

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/mruggi/parley/internal/langs"
	"github.com/mruggi/parley/internal/observability"
	"github.com/mruggi/parley/internal/translate"
)

// AgentParams wires one participant's translation agent.
type AgentParams struct {
	ParticipantID string
	Language      string
	VoiceID       string
	Preferences   translate.Preferences

	Buffer     *Buffer
	Policy     *Policy
	Recognizer Recognizer
	Synth      Synthesizer
	Transport  Transport
	Registry   *langs.Registry
	Metrics    *observability.Metrics

	// AdapterConfig applies to the agent's transcript stream.
	AdapterConfig AdapterConfig
}

// Agent owns one participant's pipeline: a single recognizer session for the
// participant's own microphone, whose transcript adapter submits segments into
// the shared session buffer exactly once per utterance, and the playback side
// for translations addressed to the participant. Its own speech never comes
// back: the coordinator skips the speaker on fan-out and Deliver drops
// own-speaker results, and synthesized output is marker-tagged so clients keep
// it out of the microphone stream.
type Agent struct {
	id       string
	language string
	voiceID  string
	prefs    translate.Preferences

	buffer     *Buffer
	policy     *Policy
	recognizer Recognizer
	synth      Synthesizer
	transport  Transport
	registry   *langs.Registry
	metrics    *observability.Metrics
	adapterCfg AdapterConfig

	mu      sync.Mutex
	cancel  context.CancelFunc
	session RecognizerSession
	done    chan struct{}
	started bool
	stopped bool
}

func NewAgent(p AgentParams) (*Agent, error) {
	p.ParticipantID = strings.TrimSpace(p.ParticipantID)
	p.Language = strings.TrimSpace(p.Language)
	if p.ParticipantID == "" || p.Language == "" {
		return nil, errors.New("agent requires a participant id and language")
	}
	if p.Buffer == nil || p.Policy == nil || p.Recognizer == nil || p.Synth == nil || p.Transport == nil {
		return nil, errors.New("agent requires buffer, policy, recognizer, synthesizer and transport")
	}
	return &Agent{
		id:         p.ParticipantID,
		language:   p.Language,
		voiceID:    strings.TrimSpace(p.VoiceID),
		prefs:      p.Preferences,
		buffer:     p.Buffer,
		policy:     p.Policy,
		recognizer: p.Recognizer,
		synth:      p.Synth,
		transport:  p.Transport,
		registry:   p.Registry,
		metrics:    p.Metrics,
		adapterCfg: p.AdapterConfig,
	}, nil
}

func (a *Agent) ID() string                         { return a.id }
func (a *Agent) Language() string                   { return a.language }
func (a *Agent) Preferences() translate.Preferences { return a.prefs }

// VoiceID is the voice translations into this agent's language are rendered
// with; falls back to the language registry when unset.
func (a *Agent) VoiceID() string {
	if a.voiceID != "" {
		return a.voiceID
	}
	if a.registry != nil {
		return a.registry.Voice(a.language)
	}
	return ""
}

// Start registers the agent with the routing policy and opens its recognizer
// session. The transcript adapter runs until Stop, submitting the agent's own
// speech into the shared buffer.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return errors.New("agent already started")
	}

	cfg := a.adapterCfg
	if a.registry != nil {
		if l, ok := a.registry.Lookup(a.language); ok && l.SilenceGapMS > 0 {
			cfg.SilenceGap = time.Duration(l.SilenceGapMS) * time.Millisecond
		}
	}
	adapter, err := NewTranscriptAdapter(a.id, a.language, a.buffer, cfg)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	session, events, err := a.recognizer.StartSession(runCtx, a.language, a.id)
	if err != nil {
		cancel()
		return fmt.Errorf("start recognizer for %s (%s): %w", a.id, a.language, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		adapter.Consume(events)
	}()

	a.started = true
	a.cancel = cancel
	a.session = session
	a.done = done
	a.policy.Register(a.id, a.language)
	return nil
}

// SendAudio feeds one microphone frame into the agent's recognizer session.
func (a *Agent) SendAudio(ctx context.Context, pcm []byte, sampleRate int) error {
	a.mu.Lock()
	session := a.session
	running := a.started && !a.stopped
	a.mu.Unlock()
	if !running || session == nil {
		return fmt.Errorf("agent %s is not running", a.id)
	}
	return session.SendAudio(ctx, pcm, sampleRate)
}

// Deliver plays one finished translation through the agent's output voice.
// Results that would loop the agent's own speech back, or that target another
// language, are silently dropped. Synthesis or playback failure means the
// listener hears silence for this utterance; the raw stream is never unmuted
// as a fallback.
func (a *Agent) Deliver(ctx context.Context, res TranslationResult) error {
	if res.SpeakerID == a.id {
		if a.metrics != nil {
			a.metrics.FeedbackSuppressed.Inc()
			a.metrics.ObserveIndicator("feedback_suppressed")
		}
		return nil
	}
	if res.TargetLanguage != a.language || strings.TrimSpace(res.TranslatedText) == "" {
		return nil
	}

	a.mu.Lock()
	if !a.started || a.stopped {
		// Stopped mid-flight: the fan-out result is discarded, not faulted.
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	started := time.Now()
	audio, err := a.synth.Synthesize(ctx, res.TranslatedText, a.VoiceID(), a.language)
	if err != nil {
		log.Printf("agent %s: synthesis failed for segment %s: %v", a.id, res.SegmentID, err)
		return fmt.Errorf("synthesize translation: %w", err)
	}

	err = a.transport.Play(ctx, Playback{
		ListenerID: a.id,
		SpeakerID:  res.SpeakerID,
		SegmentID:  res.SegmentID,
		Audio:      audio,
		// Marks the clip as this agent's synthesized output so it is excluded
		// from recognition input.
		Marker: a.id,
	})
	if err != nil {
		log.Printf("agent %s: playback failed for segment %s: %v", a.id, res.SegmentID, err)
		return fmt.Errorf("play translation: %w", err)
	}

	if a.metrics != nil {
		playMS := float64(time.Since(started).Microseconds()) / 1000.0
		a.metrics.ObserveStageMS(observability.StageTranslatedToPlay, playMS)
		a.metrics.ObserveStageMS(observability.StageSegmentTotal, res.TotalLatencyMS+playMS)
		a.metrics.ObserveSegmentLatency(res.TotalLatencyMS + playMS)
	}
	return nil
}

// Stop unregisters the agent from the routing policy before releasing its
// recognizer session, so in-flight fan-out results addressed to it are
// discarded rather than faulting.
func (a *Agent) Stop() {
	a.mu.Lock()
	if a.stopped || !a.started {
		a.stopped = true
		a.mu.Unlock()
		return
	}
	a.stopped = true
	session := a.session
	cancel := a.cancel
	a.mu.Unlock()

	a.policy.Unregister(a.id)
	if session != nil {
		_ = session.Close()
	}
	if cancel != nil {
		cancel()
	}
}
