// perfsession replays a scripted two-party interpretation session against a
// running server and reports per-stage latency from the perf endpoint. With
// the mock speech backend, audio frames carry UTF-8 text and a trailing period
// finalizes the utterance, so the script below drives the full pipeline
// without real microphones.
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mruggi/parley/internal/protocol"
)

type options struct {
	baseURL      string
	speakerID    string
	listenerID   string
	speakerLang  string
	listenerLang string
	rounds       int
	roundTimeout time.Duration
	texts        []string
	verbose      bool
}

var defaultUtterances = []string{
	"hello.",
	"thank you.",
	"how is the connection today.",
	"one more round please.",
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "perfsession: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "perfsession: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options
	var textsRaw string
	var roundTimeoutMS int

	flag.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "server base URL")
	flag.StringVar(&cfg.speakerID, "speaker", "perf-speaker", "speaking participant id")
	flag.StringVar(&cfg.listenerID, "listener", "perf-listener", "listening participant id")
	flag.StringVar(&cfg.speakerLang, "speaker-lang", "en", "speaker language code")
	flag.StringVar(&cfg.listenerLang, "listener-lang", "es", "listener language code")
	flag.IntVar(&cfg.rounds, "rounds", 10, "number of utterances to replay")
	flag.IntVar(&roundTimeoutMS, "round-timeout-ms", 10000, "timeout waiting for each translated play frame")
	flag.StringVar(&textsRaw, "texts", "", "utterances separated by '|' (optional)")
	flag.BoolVar(&cfg.verbose, "verbose", true, "print replay progress")
	flag.Parse()

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.rounds <= 0 {
		return options{}, fmt.Errorf("rounds must be > 0")
	}
	if cfg.speakerID == cfg.listenerID {
		return options{}, fmt.Errorf("speaker and listener must differ")
	}
	if roundTimeoutMS < 1000 {
		roundTimeoutMS = 1000
	}
	cfg.roundTimeout = time.Duration(roundTimeoutMS) * time.Millisecond

	if strings.TrimSpace(textsRaw) == "" {
		cfg.texts = append([]string(nil), defaultUtterances...)
	} else {
		for _, part := range strings.Split(textsRaw, "|") {
			if t := strings.TrimSpace(part); t != "" {
				cfg.texts = append(cfg.texts, t)
			}
		}
		if len(cfg.texts) == 0 {
			return options{}, fmt.Errorf("texts produced no non-empty utterances")
		}
	}
	return cfg, nil
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Minute)
	defer cancel()

	httpClient := &http.Client{Timeout: 30 * time.Second}
	sessionID, err := createSession(ctx, httpClient, cfg.baseURL)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	defer func() {
		_ = endSession(context.Background(), httpClient, cfg.baseURL, sessionID)
	}()

	if cfg.verbose {
		fmt.Printf("perfsession: session=%s rounds=%d %s(%s) -> %s(%s)\n",
			sessionID, cfg.rounds, cfg.speakerID, cfg.speakerLang, cfg.listenerID, cfg.listenerLang)
	}

	wsURL, err := wsURLForSession(cfg.baseURL, sessionID)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	joinedCh := make(chan string, 4)
	playCh := make(chan protocol.Play, 32)
	readErrCh := make(chan error, 1)
	go readLoop(conn, cfg, joinedCh, playCh, readErrCh)

	for _, p := range []struct{ id, lang string }{
		{cfg.speakerID, cfg.speakerLang},
		{cfg.listenerID, cfg.listenerLang},
	} {
		msg := protocol.Join{Type: protocol.TypeJoin, ParticipantID: p.id, Language: p.lang}
		if err := conn.WriteJSON(msg); err != nil {
			return fmt.Errorf("join %s: %w", p.id, err)
		}
		if err := awaitJoin(joinedCh, readErrCh, p.id, cfg.roundTimeout); err != nil {
			return fmt.Errorf("join %s: %w", p.id, err)
		}
	}

	var totalMS float64
	seq := 0
	for i := 0; i < cfg.rounds; i++ {
		text := cfg.texts[i%len(cfg.texts)]
		if cfg.verbose {
			fmt.Printf("perfsession: round %d/%d text=%q\n", i+1, cfg.rounds, text)
		}

		speaking := protocol.Speaking{Type: protocol.TypeSpeaking, ParticipantID: cfg.speakerID, Active: true}
		if err := conn.WriteJSON(speaking); err != nil {
			return fmt.Errorf("round %d speaking: %w", i+1, err)
		}

		seq++
		frame := protocol.Audio{
			Type:          protocol.TypeAudio,
			ParticipantID: cfg.speakerID,
			Seq:           seq,
			PCM16Base64:   base64.StdEncoding.EncodeToString([]byte(text)),
			SampleRate:    16000,
		}
		start := time.Now()
		if err := conn.WriteJSON(frame); err != nil {
			return fmt.Errorf("round %d audio: %w", i+1, err)
		}

		if err := awaitPlay(playCh, readErrCh, cfg.roundTimeout); err != nil {
			return fmt.Errorf("round %d await play: %w", i+1, err)
		}
		elapsed := float64(time.Since(start).Microseconds()) / 1000
		totalMS += elapsed
		if cfg.verbose {
			fmt.Printf("perfsession: round %d translated audio in %.1fms\n", i+1, elapsed)
		}

		speaking.Active = false
		if err := conn.WriteJSON(speaking); err != nil {
			return fmt.Errorf("round %d speaking off: %w", i+1, err)
		}
	}

	fmt.Printf("perfsession: %d rounds, avg end-to-end %.1fms\n", cfg.rounds, totalMS/float64(cfg.rounds))
	return printStages(ctx, httpClient, cfg.baseURL)
}

func createSession(ctx context.Context, client *http.Client, baseURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/sessions", nil)
	if err != nil {
		return "", err
	}
	res, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if res.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var out struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.SessionID) == "" {
		return "", fmt.Errorf("missing session_id in response")
	}
	return out.SessionID, nil
}

func endSession(ctx context.Context, client *http.Client, baseURL, sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/sessions/"+url.PathEscape(sessionID)+"/end", nil)
	if err != nil {
		return err
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 1<<20))
	return nil
}

func wsURLForSession(baseURL, sessionID string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/session"
	q := u.Query()
	q.Set("session_id", sessionID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func readLoop(conn *websocket.Conn, cfg options, joinedCh chan<- string, playCh chan<- protocol.Play, readErrCh chan<- error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case readErrCh <- err:
			default:
			}
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		switch env.Type {
		case protocol.TypeJoined:
			var msg protocol.Joined
			if json.Unmarshal(data, &msg) == nil {
				select {
				case joinedCh <- msg.ParticipantID:
				default:
				}
			}
		case protocol.TypePlay:
			var msg protocol.Play
			if json.Unmarshal(data, &msg) == nil && msg.ListenerID == cfg.listenerID {
				select {
				case playCh <- msg:
				default:
				}
			}
		case protocol.TypeCaption:
			var msg protocol.Caption
			if cfg.verbose && json.Unmarshal(data, &msg) == nil && msg.ListenerID == cfg.listenerID {
				fmt.Printf("perfsession: caption %q -> %q (%.1fms)\n", msg.OriginalText, msg.TranslatedText, msg.TotalLatencyMS)
			}
		case protocol.TypeErrorEvent:
			var msg protocol.ErrorEvent
			if json.Unmarshal(data, &msg) == nil {
				fmt.Fprintf(os.Stderr, "perfsession: error_event code=%s detail=%s\n", msg.Code, msg.Detail)
			}
		}
	}
}

func awaitJoin(joinedCh <-chan string, readErrCh <-chan error, participantID string, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case id := <-joinedCh:
			if id == participantID {
				return nil
			}
		case err := <-readErrCh:
			return err
		case <-timer.C:
			return fmt.Errorf("timeout after %s", timeout)
		}
	}
}

func awaitPlay(playCh <-chan protocol.Play, readErrCh <-chan error, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-playCh:
		return nil
	case err := <-readErrCh:
		return err
	case <-timer.C:
		return fmt.Errorf("timeout after %s", timeout)
	}
}

func printStages(ctx context.Context, client *http.Client, baseURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/internal/perf/stages", nil)
	if err != nil {
		return err
	}
	res, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch perf stages: %w", err)
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return err
	}
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("perf stages HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	fmt.Printf("perfsession: stage latencies:\n%s\n", strings.TrimSpace(string(body)))
	return nil
}
