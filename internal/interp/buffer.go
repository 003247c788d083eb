package interp

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/mruggi/parley/internal/observability"
)

// BufferConfig tunes one session's translation buffer.
type BufferConfig struct {
	// MaxDelay bounds how long a pending segment may wait before it is
	// force-dispatched regardless of finality or confidence.
	MaxDelay time.Duration
	// HighConfidence is the fast-path threshold: interim updates above it are
	// dispatched immediately instead of waiting out MaxDelay.
	HighConfidence float64
	// Retention is the grace period before completed/failed segments are
	// garbage-collected.
	Retention time.Duration
	// QueueSize caps the immediate-dispatch queue.
	QueueSize int
}

func (c BufferConfig) withDefaults() BufferConfig {
	if c.MaxDelay <= 0 {
		c.MaxDelay = 500 * time.Millisecond
	}
	if c.HighConfidence <= 0 {
		c.HighConfidence = 0.8
	}
	if c.Retention <= 0 {
		c.Retention = 2 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	return c
}

// BufferStats is the buffer's performance snapshot.
type BufferStats struct {
	SegmentsSubmitted     int64   `json:"segments_submitted"`
	SegmentsProcessed     int64   `json:"segments_processed"`
	TranslationsCompleted int64   `json:"translations_completed"`
	TranslationsFailed    int64   `json:"translations_failed"`
	AvgLatencyMS          float64 `json:"avg_latency_ms"`
	MaxLatencyMS          float64 `json:"max_latency_ms"`
	PendingSegments       int     `json:"pending_segments"`
	QueueDepth            int     `json:"queue_depth"`
	TargetDelayMS         int64   `json:"target_delay_ms"`
}

// Buffer holds one session's in-flight transcript segments and decides when
// each is ready enough to hand to the registered listeners. Readiness is a
// final transcript, high confidence, or age past the max-delay budget; every
// accepted segment is dispatched within that budget no matter what the
// recognizer does afterwards.
//
// The buffer exclusively owns segment lifecycle: Pending -> Translating ->
// {Completed|Failed}, visited exactly once per segment.
type Buffer struct {
	cfg     BufferConfig
	metrics *observability.Metrics

	mu        sync.Mutex
	segments  map[string]*Segment
	listeners map[string]ListenerFunc
	queue     chan string

	submitted    int64
	processed    int64
	completed    int64
	failed       int64
	latencySumMS float64
	latencyCount int64
	maxLatencyMS float64
}

func NewBuffer(cfg BufferConfig, metrics *observability.Metrics) *Buffer {
	cfg = cfg.withDefaults()
	return &Buffer{
		cfg:       cfg,
		metrics:   metrics,
		segments:  make(map[string]*Segment),
		listeners: make(map[string]ListenerFunc),
		queue:     make(chan string, cfg.QueueSize),
	}
}

// RegisterListener adds a per-listener callback invoked with every dispatched
// segment. A listener never receives segments spoken by itself.
func (b *Buffer) RegisterListener(listenerID string, fn ListenerFunc) {
	if listenerID == "" || fn == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners[listenerID] = fn
}

func (b *Buffer) UnregisterListener(listenerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.listeners, listenerID)
}

// ListenerCount reports how many listeners are registered.
func (b *Buffer) ListenerCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners)
}

// Submit creates or merges a segment by id. Merges are accepted only while the
// segment is Pending; updates for the same id apply in submission order. A
// final or high-confidence update is queued for immediate dispatch. Returns
// false when the update was rejected (empty text/ids, or segment past
// Pending).
func (b *Buffer) Submit(u SegmentUpdate) bool {
	u.Text = strings.TrimSpace(u.Text)
	if u.Text == "" || u.SegmentID == "" || u.SpeakerID == "" {
		return false
	}

	b.mu.Lock()
	seg, ok := b.segments[u.SegmentID]
	if ok {
		if seg.State != SegmentPending {
			b.mu.Unlock()
			return false
		}
		seg.Text = u.Text
		seg.IsFinal = u.IsFinal
		seg.Confidence = u.Confidence
	} else {
		seg = &Segment{
			ID:             u.SegmentID,
			SpeakerID:      u.SpeakerID,
			Text:           u.Text,
			SourceLanguage: u.SourceLanguage,
			CreatedAt:      time.Now(),
			IsFinal:        u.IsFinal,
			Confidence:     u.Confidence,
			State:          SegmentPending,
		}
		b.segments[u.SegmentID] = seg
		if b.metrics != nil {
			b.metrics.PendingSegments.Inc()
		}
	}
	b.submitted++

	fast := u.IsFinal || u.Confidence > b.cfg.HighConfidence
	if fast {
		select {
		case b.queue <- u.SegmentID:
		default:
			// Queue full; the poll loop will pick the segment up within the
			// delay budget.
			log.Printf("buffer: dispatch queue full, deferring segment %s", u.SegmentID)
		}
	}
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.SegmentsSubmitted.Inc()
	}
	return true
}

// Run drives dispatch until ctx is canceled: it drains the immediate queue and
// polls for segments that aged past MaxDelay. Poll resolution is a quarter of
// MaxDelay so the force-dispatch bound overshoots by at most that much.
func (b *Buffer) Run(ctx context.Context) {
	poll := b.cfg.MaxDelay / 4
	if poll < 10*time.Millisecond {
		poll = 10 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case id := <-b.queue:
			b.dispatch(ctx, id, "")
		case <-ticker.C:
			b.sweep(ctx)
		}
	}
}

// sweep force-dispatches pending segments older than MaxDelay and collects
// terminal segments past the retention grace.
func (b *Buffer) sweep(ctx context.Context) {
	now := time.Now()

	b.mu.Lock()
	var force []string
	for id, seg := range b.segments {
		switch seg.State {
		case SegmentPending:
			if now.Sub(seg.CreatedAt) > b.cfg.MaxDelay {
				force = append(force, id)
			}
		case SegmentCompleted, SegmentFailed:
			doneAt := seg.TranslationCompletedAt
			if doneAt.IsZero() {
				doneAt = seg.CreatedAt
			}
			if now.Sub(doneAt) > b.cfg.Retention {
				delete(b.segments, id)
			}
		}
	}
	b.mu.Unlock()

	for _, id := range force {
		b.dispatch(ctx, id, "timeout")
	}
}

// dispatch moves one segment Pending -> Translating and fans it out to the
// listeners. The state transition under the lock is the at-most-once guard;
// losing a race here is the normal path for duplicate queue entries.
func (b *Buffer) dispatch(ctx context.Context, id, reason string) {
	b.mu.Lock()
	seg, ok := b.segments[id]
	if !ok || seg.State != SegmentPending {
		b.mu.Unlock()
		return
	}
	seg.State = SegmentTranslating
	seg.TranslationStartedAt = time.Now()
	if reason == "" {
		if seg.IsFinal {
			reason = "final"
		} else {
			reason = "confidence"
		}
	}
	snapshot := *seg
	listeners := make(map[string]ListenerFunc, len(b.listeners))
	for lid, fn := range b.listeners {
		listeners[lid] = fn
	}
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.PendingSegments.Dec()
		b.metrics.SegmentsDispatched.WithLabelValues(reason).Inc()
		delay := snapshot.TranslationStartedAt.Sub(snapshot.CreatedAt)
		b.metrics.ObserveDispatchDelay(delay)
		b.metrics.ObserveStage(observability.StageSubmitToDispatch, delay)
		if reason == "timeout" {
			b.metrics.ObserveIndicator("timeout_dispatch")
		}
	}

	go b.finish(ctx, snapshot, listeners)
}

// finish invokes every listener callback concurrently, isolating failures per
// listener, then settles the terminal state: Completed when at least one
// invoked callback succeeded (or none were eligible), Failed when every one
// errored.
func (b *Buffer) finish(ctx context.Context, seg Segment, listeners map[string]ListenerFunc) {
	var wg sync.WaitGroup
	var mu sync.Mutex
	invoked, succeeded := 0, 0

	for listenerID, fn := range listeners {
		if listenerID == seg.SpeakerID {
			continue
		}
		invoked++
		wg.Add(1)
		go func(listenerID string, fn ListenerFunc) {
			defer wg.Done()
			if err := fn(ctx, seg); err != nil {
				log.Printf("buffer: listener %s failed for segment %s: %v", listenerID, seg.ID, err)
				return
			}
			mu.Lock()
			succeeded++
			mu.Unlock()
		}(listenerID, fn)
	}
	wg.Wait()

	now := time.Now()
	state := SegmentCompleted
	if invoked > 0 && succeeded == 0 {
		state = SegmentFailed
	}

	b.mu.Lock()
	if live, ok := b.segments[seg.ID]; ok && live.State == SegmentTranslating {
		live.State = state
		live.TranslationCompletedAt = now
	}
	b.processed++
	b.completed += int64(succeeded)
	b.failed += int64(invoked - succeeded)
	if state == SegmentCompleted && invoked > 0 {
		totalMS := float64(now.Sub(seg.CreatedAt).Microseconds()) / 1000.0
		b.latencySumMS += totalMS
		b.latencyCount++
		if totalMS > b.maxLatencyMS {
			b.maxLatencyMS = totalMS
		}
	}
	b.mu.Unlock()

	if state == SegmentFailed {
		log.Printf("buffer: segment %s failed for all %d listeners, discarding", seg.ID, invoked)
	}
}

// Stats returns the buffer's counters. Latencies cover segments that reached
// Completed with at least one listener.
func (b *Buffer) Stats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	pending := 0
	for _, seg := range b.segments {
		if seg.State == SegmentPending {
			pending++
		}
	}
	avg := 0.0
	if b.latencyCount > 0 {
		avg = b.latencySumMS / float64(b.latencyCount)
	}
	return BufferStats{
		SegmentsSubmitted:     b.submitted,
		SegmentsProcessed:     b.processed,
		TranslationsCompleted: b.completed,
		TranslationsFailed:    b.failed,
		AvgLatencyMS:          avg,
		MaxLatencyMS:          b.maxLatencyMS,
		PendingSegments:       pending,
		QueueDepth:            len(b.queue),
		TargetDelayMS:         b.cfg.MaxDelay.Milliseconds(),
	}
}

// Close drops all tracked segments and settles the pending gauge. Run should
// already be stopped via its context.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.metrics != nil {
		for _, seg := range b.segments {
			if seg.State == SegmentPending {
				b.metrics.PendingSegments.Dec()
			}
		}
	}
	b.segments = make(map[string]*Segment)
}

// SegmentInfo returns a copy of one tracked segment.
func (b *Buffer) SegmentInfo(id string) (Segment, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	seg, ok := b.segments[id]
	if !ok {
		return Segment{}, false
	}
	return *seg, true
}
