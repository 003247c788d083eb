package interp

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/mruggi/parley/internal/journal"
	"github.com/mruggi/parley/internal/observability"
	"github.com/mruggi/parley/internal/translate"
)

// CoordinatedAgent is the slice of a per-user agent the coordinator needs: who
// it represents, what it wants to hear, and where to deliver results.
type CoordinatedAgent interface {
	ID() string
	Language() string
	Preferences() translate.Preferences
	Deliver(ctx context.Context, res TranslationResult) error
}

// CaptionFunc receives every successful translation before playback; the hub
// uses it to push caption envelopes.
type CaptionFunc func(listenerID string, res TranslationResult)

// Coordinator fans a dispatched segment out to every agent in the session
// whose language differs from the speaker's, one concurrent translation call
// per listener. No global lock: each listener's delivery path is written only
// by that listener's own request goroutine.
type Coordinator struct {
	sessionID   string
	buffer      *Buffer
	translator  translate.Service
	journal     journal.Store
	metrics     *observability.Metrics
	callTimeout time.Duration
	caption     CaptionFunc

	mu     sync.RWMutex
	agents map[string]CoordinatedAgent

	dispatchMu sync.Mutex
	dispatched map[string]bool
}

func NewCoordinator(sessionID string, buffer *Buffer, translator translate.Service, jstore journal.Store, metrics *observability.Metrics, callTimeout time.Duration) *Coordinator {
	if callTimeout <= 0 {
		callTimeout = 2500 * time.Millisecond
	}
	return &Coordinator{
		sessionID:   sessionID,
		buffer:      buffer,
		translator:  translator,
		journal:     jstore,
		metrics:     metrics,
		callTimeout: callTimeout,
		agents:      make(map[string]CoordinatedAgent),
		dispatched:  make(map[string]bool),
	}
}

// journalDispatch records the original utterance once per segment, so the
// transcript keeps what was said alongside the per-listener translations.
func (c *Coordinator) journalDispatch(ctx context.Context, seg Segment) {
	if c.journal == nil {
		return
	}
	c.dispatchMu.Lock()
	if c.dispatched[seg.ID] {
		c.dispatchMu.Unlock()
		return
	}
	if len(c.dispatched) > 2048 {
		c.dispatched = make(map[string]bool)
	}
	c.dispatched[seg.ID] = true
	c.dispatchMu.Unlock()

	if err := c.journal.Append(ctx, journal.Entry{
		SessionID:      c.sessionID,
		SegmentID:      seg.ID,
		SpeakerID:      seg.SpeakerID,
		Kind:           journal.KindDispatch,
		OriginalText:   seg.Text,
		SourceLanguage: seg.SourceLanguage,
	}); err != nil {
		log.Printf("coordinator: journal dispatch append failed: %v", err)
	}
}

// SetCaptionFunc installs the caption sink. Must be called before agents join.
func (c *Coordinator) SetCaptionFunc(fn CaptionFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.caption = fn
}

// AddAgent registers the agent and installs its per-listener buffer callback.
// The buffer already skips the speaker's own listener; the callback handles
// the language check, the translation call, and delivery.
func (c *Coordinator) AddAgent(a CoordinatedAgent) {
	if a == nil || a.ID() == "" {
		return
	}
	c.mu.Lock()
	c.agents[a.ID()] = a
	c.mu.Unlock()

	if c.buffer == nil {
		// No buffer wired: fan-out only happens through Coordinate.
		if c.metrics != nil {
			c.metrics.ActiveAgents.Inc()
		}
		return
	}
	c.buffer.RegisterListener(a.ID(), func(ctx context.Context, seg Segment) error {
		c.journalDispatch(ctx, seg)
		res, ok, err := c.translateFor(ctx, a, seg)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		return c.deliver(ctx, a, res)
	})
	if c.metrics != nil {
		c.metrics.ActiveAgents.Inc()
	}
}

// RemoveAgent unregisters the agent. In-flight fan-out requests addressed to
// it complete against their own snapshot and are discarded by the agent.
func (c *Coordinator) RemoveAgent(agentID string) {
	c.mu.Lock()
	_, known := c.agents[agentID]
	delete(c.agents, agentID)
	c.mu.Unlock()

	if c.buffer != nil {
		c.buffer.UnregisterListener(agentID)
	}
	if known && c.metrics != nil {
		c.metrics.ActiveAgents.Dec()
	}
}

// Agents returns the current roster snapshot.
func (c *Coordinator) Agents() []CoordinatedAgent {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]CoordinatedAgent, 0, len(c.agents))
	for _, a := range c.agents {
		out = append(out, a)
	}
	return out
}

// translateFor runs one (segment, listener) translation. ok=false means the
// listener needs no translation (same language, or the speaker itself); an
// error is a failed translation-service call.
func (c *Coordinator) translateFor(ctx context.Context, a CoordinatedAgent, seg Segment) (TranslationResult, bool, error) {
	if a.ID() == seg.SpeakerID || a.Language() == seg.SourceLanguage {
		return TranslationResult{}, false, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	started := time.Now()
	translated, err := c.translator.Translate(callCtx, translate.Request{
		Text:           seg.Text,
		SourceLanguage: seg.SourceLanguage,
		TargetLanguage: a.Language(),
		Preferences:    a.Preferences(),
	})
	callMS := float64(time.Since(started).Microseconds()) / 1000.0

	if c.metrics != nil {
		c.metrics.ObserveTranslationLatency(callMS)
		c.metrics.ObserveStageMS(observability.StageDispatchToTranslated, callMS)
	}
	if err != nil {
		if c.metrics != nil {
			c.metrics.Translations.WithLabelValues("error").Inc()
			c.metrics.ObserveIndicator("translation_failure")
		}
		log.Printf("coordinator: translate %s -> %s failed for listener %s: %v",
			seg.SourceLanguage, a.Language(), a.ID(), err)
		return TranslationResult{}, false, err
	}

	res := TranslationResult{
		SegmentID:            seg.ID,
		SpeakerID:            seg.SpeakerID,
		OriginalText:         seg.Text,
		TranslatedText:       translated,
		SourceLanguage:       seg.SourceLanguage,
		TargetLanguage:       a.Language(),
		TranslationLatencyMS: callMS,
		TotalLatencyMS:       float64(time.Since(seg.CreatedAt).Microseconds()) / 1000.0,
	}
	if c.metrics != nil {
		c.metrics.Translations.WithLabelValues("ok").Inc()
	}
	return res, true, nil
}

func (c *Coordinator) deliver(ctx context.Context, a CoordinatedAgent, res TranslationResult) error {
	c.mu.RLock()
	caption := c.caption
	c.mu.RUnlock()
	if caption != nil {
		caption(a.ID(), res)
	}

	if c.journal != nil {
		if err := c.journal.Append(ctx, journal.Entry{
			SessionID:      c.sessionID,
			SegmentID:      res.SegmentID,
			SpeakerID:      res.SpeakerID,
			ListenerID:     a.ID(),
			Kind:           journal.KindTranslation,
			OriginalText:   res.OriginalText,
			TranslatedText: res.TranslatedText,
			SourceLanguage: res.SourceLanguage,
			TargetLanguage: res.TargetLanguage,
			LatencyMS:      res.TranslationLatencyMS,
		}); err != nil {
			log.Printf("coordinator: journal append failed: %v", err)
		}
	}

	return a.Deliver(ctx, res)
}

// Coordinate runs the fan-out for one segment against the current agent
// roster and aggregates results by listener id. Listeners whose translation
// errored, share the speaker's language, or are the speaker are simply absent
// from the map. Unlike the buffer path this does not deliver; it is the
// synchronous entry used by tests and the perf tool.
func (c *Coordinator) Coordinate(ctx context.Context, speakerID string, seg Segment) map[string]TranslationResult {
	seg.SpeakerID = speakerID
	c.journalDispatch(ctx, seg)

	c.mu.RLock()
	agents := make([]CoordinatedAgent, 0, len(c.agents))
	for _, a := range c.agents {
		agents = append(agents, a)
	}
	c.mu.RUnlock()

	var wg sync.WaitGroup
	var mu sync.Mutex
	out := make(map[string]TranslationResult)

	for _, a := range agents {
		if a.ID() == speakerID || a.Language() == seg.SourceLanguage {
			continue
		}
		wg.Add(1)
		go func(a CoordinatedAgent) {
			defer wg.Done()
			res, ok, err := c.translateFor(ctx, a, seg)
			if err != nil || !ok {
				return
			}
			mu.Lock()
			out[a.ID()] = res
			mu.Unlock()
		}(a)
	}
	wg.Wait()
	return out
}
