package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/deskmate/internal/protocol"
)

type options struct {
	baseURL        string
	userID         string
	secret         string
	turns          int
	interTurnDelay time.Duration
	turnTimeout    time.Duration
	feedbackEvery  int
	texts          []string
	verbose        bool
}

type credentials struct {
	ID     string `json:"id"`
	Secret string `json:"secret"`
}

type loginResponse struct {
	SessionID string `json:"session_id"`
}

type turnSample struct {
	Elapsed time.Duration
	Source  string
	Cached  bool
}

// Repeats are intentional: every second pass over the list should be
// answered from the cache.
var defaultPrompts = []string{
	"My laptop model keeps overheating.",
	"The VPN disconnects every hour.",
	"How do I reset my password?",
	"Outlook will not open attachments.",
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "perfchat: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "perfchat: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var cfg options
	var textsRaw string
	var interTurnMS int
	var turnTimeoutMS int

	fs := flag.NewFlagSet("perfchat", flag.ContinueOnError)
	fs.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "deskmate base URL")
	fs.StringVar(&cfg.userID, "user-id", "perf-replay@example.com", "identity used for the replay (registered if missing)")
	fs.StringVar(&cfg.secret, "secret", "perf-replay", "secret for the replay identity")
	fs.IntVar(&cfg.turns, "turns", 12, "number of turns to replay")
	fs.IntVar(&interTurnMS, "inter-turn-ms", 50, "delay between turns in milliseconds")
	fs.IntVar(&turnTimeoutMS, "turn-timeout-ms", 90000, "timeout waiting for assistant_reply per turn in milliseconds")
	fs.IntVar(&cfg.feedbackEvery, "feedback-every", 3, "send positive feedback every N turns (0 disables)")
	fs.StringVar(&textsRaw, "texts", "", "prompts separated by '|' (optional)")
	fs.BoolVar(&cfg.verbose, "verbose", true, "print replay progress")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.turns <= 0 {
		return options{}, fmt.Errorf("turns must be > 0")
	}
	if cfg.feedbackEvery < 0 {
		cfg.feedbackEvery = 0
	}
	if interTurnMS < 0 {
		interTurnMS = 0
	}
	if turnTimeoutMS < 1000 {
		turnTimeoutMS = 1000
	}
	cfg.interTurnDelay = time.Duration(interTurnMS) * time.Millisecond
	cfg.turnTimeout = time.Duration(turnTimeoutMS) * time.Millisecond

	if strings.TrimSpace(textsRaw) == "" {
		cfg.texts = append([]string(nil), defaultPrompts...)
	} else {
		for _, part := range strings.Split(textsRaw, "|") {
			if t := strings.TrimSpace(part); t != "" {
				cfg.texts = append(cfg.texts, t)
			}
		}
		if len(cfg.texts) == 0 {
			return options{}, fmt.Errorf("texts produced no non-empty prompts")
		}
	}
	return cfg, nil
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	httpClient := &http.Client{Timeout: 30 * time.Second}
	sessionID, err := login(ctx, httpClient, cfg)
	if err != nil {
		return fmt.Errorf("login: %w", err)
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

	if cfg.verbose {
		fmt.Printf("perfchat: session=%s turns=%d prompts=%d\n", sessionID, cfg.turns, len(cfg.texts))
	}
	if _, err := awaitMessage(conn, cfg.turnTimeout, protocol.TypeSystemEvent); err != nil {
		return fmt.Errorf("await session_ready: %w", err)
	}

	samples := make([]turnSample, 0, cfg.turns)
	for i := 0; i < cfg.turns; i++ {
		prompt := cfg.texts[i%len(cfg.texts)]
		started := time.Now()
		if err := conn.WriteJSON(protocol.ClientTurn{
			Type:      protocol.TypeClientTurn,
			SessionID: sessionID,
			Text:      prompt,
		}); err != nil {
			return fmt.Errorf("turn %d send: %w", i+1, err)
		}
		raw, err := awaitMessage(conn, cfg.turnTimeout, protocol.TypeAssistantReply)
		if err != nil {
			return fmt.Errorf("turn %d await assistant_reply: %w", i+1, err)
		}
		var reply protocol.AssistantReply
		if err := json.Unmarshal(raw, &reply); err != nil {
			return fmt.Errorf("turn %d decode reply: %w", i+1, err)
		}
		sample := turnSample{Elapsed: time.Since(started), Source: reply.Source, Cached: reply.Cached}
		samples = append(samples, sample)
		if cfg.verbose {
			fmt.Printf("perfchat: turn %d/%d source=%s cached=%t elapsed=%s\n",
				i+1, cfg.turns, sample.Source, sample.Cached, sample.Elapsed.Round(time.Millisecond))
		}

		if cfg.feedbackEvery > 0 && (i+1)%cfg.feedbackEvery == 0 {
			if err := conn.WriteJSON(protocol.ClientFeedback{
				Type:      protocol.TypeClientFeedback,
				SessionID: sessionID,
				Label:     "positive",
			}); err != nil {
				return fmt.Errorf("turn %d send feedback: %w", i+1, err)
			}
			if _, err := awaitMessage(conn, cfg.turnTimeout, protocol.TypeFeedbackAck); err != nil {
				return fmt.Errorf("turn %d await feedback_ack: %w", i+1, err)
			}
		}
		if cfg.interTurnDelay > 0 && i < cfg.turns-1 {
			time.Sleep(cfg.interTurnDelay)
		}
	}

	if err := conn.WriteJSON(protocol.ClientLogout{Type: protocol.TypeClientLogout, SessionID: sessionID}); err == nil {
		_, _ = awaitMessage(conn, cfg.turnTimeout, protocol.TypeSystemEvent)
	}

	fmt.Print(summarize(samples))
	return printServerLatency(ctx, httpClient, cfg.baseURL)
}

func login(ctx context.Context, client *http.Client, cfg options) (string, error) {
	creds := credentials{ID: cfg.userID, Secret: cfg.secret}
	status, _, err := postJSON(ctx, client, cfg.baseURL+"/v1/register", creds)
	if err != nil {
		return "", err
	}
	if status != http.StatusCreated && status != http.StatusConflict {
		return "", fmt.Errorf("register status %d", status)
	}
	status, body, err := postJSON(ctx, client, cfg.baseURL+"/v1/login", creds)
	if err != nil {
		return "", err
	}
	if status != http.StatusCreated {
		return "", fmt.Errorf("login status %d: %s", status, strings.TrimSpace(string(body)))
	}
	var out loginResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode login response: %w", err)
	}
	if out.SessionID == "" {
		return "", fmt.Errorf("login response missing session_id")
	}
	return out.SessionID, nil
}

func postJSON(ctx context.Context, client *http.Client, endpoint string, v any) (int, []byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return 0, nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	return res.StatusCode, body, err
}

func printServerLatency(ctx context.Context, client *http.Client, baseURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v1/perf/latency", nil)
	if err != nil {
		return err
	}
	res, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch server latency: %w", err)
	}
	defer res.Body.Close()
	var pretty bytes.Buffer
	body, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err := json.Indent(&pretty, body, "", "  "); err != nil {
		return fmt.Errorf("decode server latency: %w", err)
	}
	fmt.Printf("perfchat: server stage latency\n%s\n", pretty.String())
	return nil
}

func wsURLForSession(baseURL, sessionID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
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
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/sessions/ws"
	q := u.Query()
	q.Set("session_id", sessionID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// awaitMessage reads until a message of type want arrives. An error_event
// aborts the wait.
func awaitMessage(conn *websocket.Conn, timeout time.Duration, want protocol.MessageType) ([]byte, error) {
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		var env protocol.ErrorEvent
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		switch env.Type {
		case want:
			return data, nil
		case protocol.TypeErrorEvent:
			return nil, fmt.Errorf("error_event code=%s detail=%s", env.Code, env.Detail)
		}
	}
}

func summarize(samples []turnSample) string {
	if len(samples) == 0 {
		return "perfchat: no turns\n"
	}
	bySource := make(map[string]int)
	ms := make([]float64, 0, len(samples))
	for _, s := range samples {
		bySource[s.Source]++
		ms = append(ms, float64(s.Elapsed.Microseconds())/1000)
	}
	sort.Float64s(ms)

	sources := make([]string, 0, len(bySource))
	for src := range bySource {
		sources = append(sources, src)
	}
	sort.Strings(sources)
	parts := make([]string, 0, len(sources))
	for _, src := range sources {
		parts = append(parts, fmt.Sprintf("%s=%d", src, bySource[src]))
	}

	return fmt.Sprintf("perfchat: turns=%d %s p50_ms=%.2f p95_ms=%.2f max_ms=%.2f\n",
		len(samples), strings.Join(parts, " "),
		percentile(ms, 0.50), percentile(ms, 0.95), ms[len(ms)-1])
}

// percentile interpolates over sorted values.
func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	idx := q * float64(len(sorted)-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	frac := idx - float64(lo)
	return math.Round((sorted[lo]*(1-frac)+sorted[hi]*frac)*100) / 100
}
