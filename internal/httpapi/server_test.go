package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mruggi/parley/internal/config"
	"github.com/mruggi/parley/internal/interp"
	"github.com/mruggi/parley/internal/journal"
	"github.com/mruggi/parley/internal/langs"
	"github.com/mruggi/parley/internal/protocol"
	"github.com/mruggi/parley/internal/session"
)

// stubHub answers the pump without running a real pipeline: every Join is
// acknowledged, everything else is ignored.
type stubHub struct {
	routes map[string]bool
}

func (h *stubHub) RunConnection(ctx context.Context, s *session.Session, inbound <-chan any, outbound chan<- any) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-inbound:
			if !ok {
				return nil
			}
			if join, isJoin := msg.(protocol.Join); isJoin {
				outbound <- protocol.Joined{
					Type:          protocol.TypeJoined,
					SessionID:     s.ID,
					ParticipantID: join.ParticipantID,
					Language:      join.Language,
				}
			}
		}
	}
}

func (h *stubHub) SessionStats(string) (interp.BufferStats, []interp.AudioRoute, bool) {
	return interp.BufferStats{PendingSegments: 3}, []interp.AudioRoute{
		{ID: "alice_to_bob_translated", SourceID: "alice", TargetID: "bob", Active: true},
	}, true
}

func (h *stubHub) SetRouteActive(_, routeID string, active bool) bool {
	if h.routes == nil {
		h.routes = make(map[string]bool)
	}
	if routeID != "alice_to_bob_translated" {
		return false
	}
	h.routes[routeID] = active
	return true
}

func (h *stubHub) EndSession(string) {}

type testServer struct {
	ts       *httptest.Server
	sessions *session.Manager
	hub      *stubHub
	journal  journal.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg := config.Config{
		SessionTimeout:  2 * time.Minute,
		DefaultLanguage: "en",
		WSSendBuffer:    16,
	}
	sessions := session.NewManager(cfg.SessionTimeout)
	hub := &stubHub{}
	jstore := journal.NewInMemoryStore(32)
	srv := New(cfg, sessions, hub, jstore, langs.Builtin(), nil)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testServer{ts: ts, sessions: sessions, hub: hub, journal: jstore}
}

func decodeBody(t *testing.T, res *http.Response, out any) {
	t.Helper()
	defer res.Body.Close()
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestCreateAndEndSession(t *testing.T) {
	env := newTestServer(t)

	res, err := http.Post(env.ts.URL+"/v1/sessions", "application/json", nil)
	if err != nil {
		t.Fatalf("create session request error = %v", err)
	}
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want %d", res.StatusCode, http.StatusCreated)
	}
	var created createSessionResponse
	decodeBody(t, res, &created)
	if created.SessionID == "" || created.Status != string(session.StatusActive) {
		t.Fatalf("create response = %+v, want active session with id", created)
	}
	if created.InactivityTTLMS != (2 * time.Minute).Milliseconds() {
		t.Fatalf("inactivity ttl = %d, want 2m in ms", created.InactivityTTLMS)
	}

	endRes, err := http.Post(env.ts.URL+"/v1/sessions/"+created.SessionID+"/end", "application/json", nil)
	if err != nil {
		t.Fatalf("end session request error = %v", err)
	}
	defer endRes.Body.Close()
	if endRes.StatusCode != http.StatusOK {
		t.Fatalf("end status = %d, want %d", endRes.StatusCode, http.StatusOK)
	}

	s, err := env.sessions.Get(created.SessionID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if s.Status != session.StatusEnded {
		t.Fatalf("session status = %q, want ended", s.Status)
	}
}

func TestGetSessionIncludesRoutesAndStats(t *testing.T) {
	env := newTestServer(t)
	sess := env.sessions.Create()

	res, err := http.Get(env.ts.URL + "/v1/sessions/" + sess.ID)
	if err != nil {
		t.Fatalf("get session request error = %v", err)
	}
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	var detail struct {
		SessionID string              `json:"session_id"`
		Pending   int                 `json:"pending_segments"`
		Routes    []interp.AudioRoute `json:"routes"`
	}
	decodeBody(t, res, &detail)
	if detail.SessionID != sess.ID {
		t.Fatalf("session_id = %q, want %q", detail.SessionID, sess.ID)
	}
	if detail.Pending != 3 || len(detail.Routes) != 1 {
		t.Fatalf("detail = %+v, want stub stats and one route", detail)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	env := newTestServer(t)

	res, err := http.Get(env.ts.URL + "/v1/sessions/nope")
	if err != nil {
		t.Fatalf("request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
}

func TestListLanguages(t *testing.T) {
	env := newTestServer(t)

	res, err := http.Get(env.ts.URL + "/v1/languages")
	if err != nil {
		t.Fatalf("request error = %v", err)
	}
	var payload struct {
		Languages []langs.Language `json:"languages"`
		Default   string           `json:"default"`
	}
	decodeBody(t, res, &payload)
	if payload.Default != "en" {
		t.Fatalf("default = %q, want en", payload.Default)
	}
	codes := make(map[string]bool)
	for _, l := range payload.Languages {
		codes[l.Code] = true
	}
	for _, want := range []string{"en", "es", "fr"} {
		if !codes[want] {
			t.Fatalf("languages = %v, missing %q", codes, want)
		}
	}
}

func TestTranscriptReturnsJournalEntries(t *testing.T) {
	env := newTestServer(t)
	sess := env.sessions.Create()
	_ = env.journal.Append(context.Background(), journal.Entry{
		SessionID:      sess.ID,
		SegmentID:      "seg-1",
		SpeakerID:      "alice",
		ListenerID:     "bob",
		Kind:           journal.KindTranslation,
		OriginalText:   "hello",
		TranslatedText: "hola",
		SourceLanguage: "en",
		TargetLanguage: "es",
		At:             time.Now(),
	})

	res, err := http.Get(env.ts.URL + "/v1/sessions/" + sess.ID + "/transcript")
	if err != nil {
		t.Fatalf("request error = %v", err)
	}
	var payload struct {
		Entries []journal.Entry `json:"entries"`
	}
	decodeBody(t, res, &payload)
	if len(payload.Entries) != 1 || payload.Entries[0].TranslatedText != "hola" {
		t.Fatalf("entries = %+v, want one hola entry", payload.Entries)
	}
}

func TestTranscriptRejectsBadLimit(t *testing.T) {
	env := newTestServer(t)
	sess := env.sessions.Create()

	res, err := http.Get(env.ts.URL + "/v1/sessions/" + sess.ID + "/transcript?limit=-1")
	if err != nil {
		t.Fatalf("request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestSetRouteActive(t *testing.T) {
	env := newTestServer(t)
	sess := env.sessions.Create()

	body := strings.NewReader(`{"active": false}`)
	res, err := http.Post(env.ts.URL+"/v1/sessions/"+sess.ID+"/routes/alice_to_bob_translated", "application/json", body)
	if err != nil {
		t.Fatalf("request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if active, ok := env.hub.routes["alice_to_bob_translated"]; !ok || active {
		t.Fatalf("routes = %v, want alice_to_bob_translated deactivated", env.hub.routes)
	}

	res2, err := http.Post(env.ts.URL+"/v1/sessions/"+sess.ID+"/routes/nope", "application/json", strings.NewReader(`{"active": true}`))
	if err != nil {
		t.Fatalf("request error = %v", err)
	}
	defer res2.Body.Close()
	if res2.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown route status = %d, want %d", res2.StatusCode, http.StatusNotFound)
	}
}

func TestSessionWSRoundTrip(t *testing.T) {
	env := newTestServer(t)
	sess := env.sessions.Create()

	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/ws/session?session_id=" + sess.ID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	defer conn.Close()

	join := protocol.Join{Type: protocol.TypeJoin, ParticipantID: "alice", Language: "en"}
	if err := conn.WriteJSON(join); err != nil {
		t.Fatalf("write join error = %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var joined protocol.Joined
	if err := conn.ReadJSON(&joined); err != nil {
		t.Fatalf("read joined error = %v", err)
	}
	if joined.ParticipantID != "alice" || joined.SessionID != sess.ID {
		t.Fatalf("joined = %+v, want alice on %s", joined, sess.ID)
	}
}

func TestSessionWSRejectsGarbage(t *testing.T) {
	env := newTestServer(t)
	sess := env.sessions.Create()

	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/ws/session?session_id=" + sess.ID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"join"}`)); err != nil {
		t.Fatalf("write error = %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev protocol.ErrorEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read error event = %v", err)
	}
	if ev.Code != "invalid_client_message" {
		t.Fatalf("error code = %q, want invalid_client_message", ev.Code)
	}
}

func TestSessionWSRequiresKnownSession(t *testing.T) {
	env := newTestServer(t)

	res, err := http.Get(env.ts.URL + "/ws/session?session_id=nope")
	if err != nil {
		t.Fatalf("request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
}

func TestHealthz(t *testing.T) {
	env := newTestServer(t)

	res, err := http.Get(env.ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("request error = %v", err)
	}
	var payload map[string]any
	decodeBody(t, res, &payload)
	if payload["status"] != "ok" {
		t.Fatalf("payload = %v, want status ok", payload)
	}
}
