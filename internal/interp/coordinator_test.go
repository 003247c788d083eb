package interp

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mruggi/parley/internal/journal"
	"github.com/mruggi/parley/internal/translate"
)

// fakeAgent records deliveries without touching synthesis or transport.
type fakeAgent struct {
	id       string
	language string
	prefs    translate.Preferences

	mu        sync.Mutex
	delivered []TranslationResult
	failWith  error
}

func (a *fakeAgent) ID() string                         { return a.id }
func (a *fakeAgent) Language() string                   { return a.language }
func (a *fakeAgent) Preferences() translate.Preferences { return a.prefs }

func (a *fakeAgent) Deliver(_ context.Context, res TranslationResult) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failWith != nil {
		return a.failWith
	}
	a.delivered = append(a.delivered, res)
	return nil
}

func (a *fakeAgent) deliveries() []TranslationResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]TranslationResult, len(a.delivered))
	copy(out, a.delivered)
	return out
}

func TestCoordinateFansOutPerListener(t *testing.T) {
	c := NewCoordinator("sess-1", nil, translate.NewMockBackend(), nil, nil, time.Second)
	c.AddAgent(&fakeAgent{id: "alice", language: "en"})
	c.AddAgent(&fakeAgent{id: "bob", language: "es"})
	c.AddAgent(&fakeAgent{id: "carol", language: "fr"})

	results := c.Coordinate(context.Background(), "alice", Segment{
		ID:             "seg-1",
		Text:           "hello",
		SourceLanguage: "en",
		CreatedAt:      time.Now(),
	})

	if len(results) != 2 {
		t.Fatalf("Coordinate() returned %d results, want 2", len(results))
	}
	if results["bob"].TranslatedText != "hola" {
		t.Fatalf("bob translation = %q, want hola", results["bob"].TranslatedText)
	}
	if results["carol"].TranslatedText != "bonjour" {
		t.Fatalf("carol translation = %q, want bonjour", results["carol"].TranslatedText)
	}
	if _, ok := results["alice"]; ok {
		t.Fatalf("speaker received its own translation")
	}
}

func TestCoordinateSkipsSameLanguageListeners(t *testing.T) {
	c := NewCoordinator("sess-1", nil, translate.NewMockBackend(), nil, nil, time.Second)
	c.AddAgent(&fakeAgent{id: "alice", language: "en"})
	c.AddAgent(&fakeAgent{id: "dave", language: "en"})
	c.AddAgent(&fakeAgent{id: "bob", language: "es"})

	results := c.Coordinate(context.Background(), "alice", Segment{
		ID:             "seg-1",
		Text:           "hello",
		SourceLanguage: "en",
		CreatedAt:      time.Now(),
	})

	if _, ok := results["dave"]; ok {
		t.Fatalf("same-language listener got a translation")
	}
	if _, ok := results["bob"]; !ok {
		t.Fatalf("cross-language listener missing from results")
	}
}

func TestCoordinateIsolatesListenerFailures(t *testing.T) {
	backend := translate.NewMockBackend()
	backend.FailLanguage("fr", errors.New("fr backend down"))

	c := NewCoordinator("sess-1", nil, backend, nil, nil, time.Second)
	c.AddAgent(&fakeAgent{id: "alice", language: "en"})
	c.AddAgent(&fakeAgent{id: "bob", language: "es"})
	c.AddAgent(&fakeAgent{id: "carol", language: "fr"})

	results := c.Coordinate(context.Background(), "alice", Segment{
		ID:             "seg-1",
		Text:           "hello",
		SourceLanguage: "en",
		CreatedAt:      time.Now(),
	})

	if _, ok := results["carol"]; ok {
		t.Fatalf("failed listener present in results")
	}
	if results["bob"].TranslatedText != "hola" {
		t.Fatalf("bob translation = %q, want hola despite carol's failure", results["bob"].TranslatedText)
	}
}

func TestCoordinatorDeliversThroughBuffer(t *testing.T) {
	b := startBuffer(t, BufferConfig{MaxDelay: 300 * time.Millisecond})
	c := NewCoordinator("sess-1", b, translate.NewMockBackend(), nil, nil, time.Second)

	bob := &fakeAgent{id: "bob", language: "es"}
	c.AddAgent(bob)
	c.AddAgent(&fakeAgent{id: "alice", language: "en"})

	b.Submit(SegmentUpdate{
		SegmentID:      "seg-1",
		SpeakerID:      "alice",
		Text:           "hello",
		SourceLanguage: "en",
		IsFinal:        true,
		Confidence:     0.95,
	})

	waitFor(t, 2*time.Second, func() bool {
		return len(bob.deliveries()) == 1
	}, "bob should receive one delivery")

	got := bob.deliveries()[0]
	if got.TranslatedText != "hola" || got.SpeakerID != "alice" || got.SegmentID != "seg-1" {
		t.Fatalf("delivery = %+v, want hola from alice for seg-1", got)
	}
	if got.TotalLatencyMS <= 0 {
		t.Fatalf("TotalLatencyMS = %v, want > 0", got.TotalLatencyMS)
	}
}

func TestCoordinatorFailedListenerDoesNotBlockOthers(t *testing.T) {
	backend := translate.NewMockBackend()
	backend.FailLanguage("fr", errors.New("fr backend down"))

	b := startBuffer(t, BufferConfig{MaxDelay: 300 * time.Millisecond})
	c := NewCoordinator("sess-1", b, backend, nil, nil, time.Second)

	bob := &fakeAgent{id: "bob", language: "es"}
	carol := &fakeAgent{id: "carol", language: "fr"}
	c.AddAgent(bob)
	c.AddAgent(carol)
	c.AddAgent(&fakeAgent{id: "alice", language: "en"})

	b.Submit(SegmentUpdate{
		SegmentID:      "seg-1",
		SpeakerID:      "alice",
		Text:           "hello",
		SourceLanguage: "en",
		IsFinal:        true,
		Confidence:     0.95,
	})

	waitFor(t, 2*time.Second, func() bool {
		return len(bob.deliveries()) == 1
	}, "bob should still be served")

	// One listener succeeded, so the segment completes despite carol's failure.
	waitFor(t, 2*time.Second, func() bool {
		seg, ok := b.SegmentInfo("seg-1")
		return ok && seg.State == SegmentCompleted
	}, "segment should complete")
	if len(carol.deliveries()) != 0 {
		t.Fatalf("carol received %d deliveries despite backend failure", len(carol.deliveries()))
	}
}

func TestCoordinatorWritesJournalAndCaptions(t *testing.T) {
	store := journal.NewInMemoryStore(16)
	b := startBuffer(t, BufferConfig{MaxDelay: 300 * time.Millisecond})
	c := NewCoordinator("sess-1", b, translate.NewMockBackend(), store, nil, time.Second)

	var mu sync.Mutex
	captions := make(map[string]TranslationResult)
	c.SetCaptionFunc(func(listenerID string, res TranslationResult) {
		mu.Lock()
		captions[listenerID] = res
		mu.Unlock()
	})

	bob := &fakeAgent{id: "bob", language: "es"}
	c.AddAgent(bob)

	b.Submit(SegmentUpdate{
		SegmentID:      "seg-1",
		SpeakerID:      "alice",
		Text:           "thank you",
		SourceLanguage: "en",
		IsFinal:        true,
		Confidence:     0.95,
	})

	waitFor(t, 2*time.Second, func() bool {
		return len(bob.deliveries()) == 1
	}, "bob should receive a delivery")

	mu.Lock()
	got, ok := captions["bob"]
	mu.Unlock()
	if !ok || got.TranslatedText != "gracias" {
		t.Fatalf("caption for bob = %+v, want gracias", got)
	}

	entries, err := store.Recent(context.Background(), "sess-1", 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	// One dispatch entry for the utterance, one translation entry for bob.
	if len(entries) != 2 {
		t.Fatalf("journal has %d entries, want 2", len(entries))
	}
	var sawDispatch, sawTranslation bool
	for _, e := range entries {
		switch e.Kind {
		case journal.KindDispatch:
			sawDispatch = true
			if e.OriginalText != "thank you" || e.SpeakerID != "alice" {
				t.Fatalf("dispatch entry = %+v, want alice/thank you", e)
			}
		case journal.KindTranslation:
			sawTranslation = true
			if e.ListenerID != "bob" || e.TranslatedText != "gracias" {
				t.Fatalf("translation entry = %+v, want bob/gracias", e)
			}
		}
	}
	if !sawDispatch || !sawTranslation {
		t.Fatalf("journal entries = %+v, want one dispatch and one translation", entries)
	}
}

func TestCoordinatorRemoveAgentStopsDeliveries(t *testing.T) {
	b := startBuffer(t, BufferConfig{MaxDelay: 50 * time.Millisecond})
	c := NewCoordinator("sess-1", b, translate.NewMockBackend(), nil, nil, time.Second)

	bob := &fakeAgent{id: "bob", language: "es"}
	c.AddAgent(bob)
	c.RemoveAgent("bob")

	b.Submit(SegmentUpdate{
		SegmentID:      "seg-1",
		SpeakerID:      "alice",
		Text:           "hello",
		SourceLanguage: "en",
		IsFinal:        true,
		Confidence:     0.95,
	})

	waitFor(t, time.Second, func() bool {
		seg, ok := b.SegmentInfo("seg-1")
		return ok && (seg.State == SegmentCompleted || seg.State == SegmentFailed)
	}, "segment should settle")
	if len(bob.deliveries()) != 0 {
		t.Fatalf("removed agent still received %d deliveries", len(bob.deliveries()))
	}
}
