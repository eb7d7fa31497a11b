// voxprobe replays synthetic audio turns against a running relay and
// reports first-fragment latency and fragment-order health per turn.
package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxtask/voxtask/internal/protocol"
)

type options struct {
	baseURL        string
	userID         string
	projectID      string
	voice          string
	turns          int
	chunkMS        int
	utteranceMS    int
	sampleRate     int
	startDelay     time.Duration
	interTurnDelay time.Duration
	turnTimeout    time.Duration
	verbose        bool
}

type createSessionRequest struct {
	UserID    string `json:"user_id,omitempty"`
	ProjectID string `json:"project_id,omitempty"`
	Voice     string `json:"voice,omitempty"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
	Room      string `json:"room"`
}

type wsEnvelope struct {
	Type        string `json:"type"`
	Data        string `json:"data,omitempty"`
	ChunkIndex  int    `json:"chunkIndex"`
	TotalChunks int    `json:"totalChunks"`
	IsLast      bool   `json:"isLast"`
	Text        string `json:"text,omitempty"`
	Code        string `json:"code,omitempty"`
	Message     string `json:"message,omitempty"`
}

// turnResult accumulates one response's fragment stream.
type turnResult struct {
	firstFragment time.Duration
	fragments     int
	audioBytes    int
	orderErr      error
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "voxprobe: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "voxprobe: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options
	var startDelayMS int
	var interTurnMS int
	var turnTimeoutMS int

	flag.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "relay base URL")
	flag.StringVar(&cfg.userID, "user-id", "probe-replay", "user_id used for the synthetic session")
	flag.StringVar(&cfg.projectID, "project-id", "probe", "project_id used for the synthetic session")
	flag.StringVar(&cfg.voice, "voice", "", "optional upstream voice override")
	flag.IntVar(&cfg.turns, "turns", 5, "number of turns to replay")
	flag.IntVar(&cfg.chunkMS, "chunk-ms", 45, "client audio chunk size in milliseconds")
	flag.IntVar(&cfg.utteranceMS, "utterance-ms", 1200, "synthetic utterance length in milliseconds")
	flag.IntVar(&cfg.sampleRate, "sample-rate", 16000, "synthetic utterance sample rate")
	flag.IntVar(&startDelayMS, "start-delay-ms", 500, "delay before first turn in milliseconds")
	flag.IntVar(&interTurnMS, "inter-turn-ms", 200, "delay between turns in milliseconds")
	flag.IntVar(&turnTimeoutMS, "turn-timeout-ms", 20000, "timeout waiting for a complete response per turn")
	flag.BoolVar(&cfg.verbose, "verbose", true, "print replay progress")
	flag.Parse()

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.turns <= 0 {
		return options{}, fmt.Errorf("turns must be > 0")
	}
	if cfg.chunkMS < 10 || cfg.chunkMS > 2000 {
		return options{}, fmt.Errorf("chunk-ms must be in [10,2000]")
	}
	if cfg.utteranceMS < cfg.chunkMS {
		return options{}, fmt.Errorf("utterance-ms must be >= chunk-ms")
	}
	if cfg.sampleRate < 8000 || cfg.sampleRate > 48000 {
		return options{}, fmt.Errorf("sample-rate must be in [8000,48000]")
	}
	if startDelayMS < 0 {
		startDelayMS = 0
	}
	if interTurnMS < 0 {
		interTurnMS = 0
	}
	if turnTimeoutMS < 1000 {
		turnTimeoutMS = 1000
	}
	cfg.startDelay = time.Duration(startDelayMS) * time.Millisecond
	cfg.interTurnDelay = time.Duration(interTurnMS) * time.Millisecond
	cfg.turnTimeout = time.Duration(turnTimeoutMS) * time.Millisecond
	return cfg, nil
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Minute)
	defer cancel()

	httpClient := &http.Client{Timeout: 45 * time.Second}
	sessionID, err := createSession(ctx, httpClient, cfg)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	defer func() {
		_ = endSession(context.Background(), httpClient, cfg.baseURL, sessionID)
	}()

	if cfg.verbose {
		fmt.Printf("voxprobe: session=%s turns=%d chunk_ms=%d\n", sessionID, cfg.turns, cfg.chunkMS)
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

	if cfg.startDelay > 0 {
		time.Sleep(cfg.startDelay)
	}

	results := make(chan turnResult, 4)
	readErrCh := make(chan error, 1)
	go readLoop(conn, results, readErrCh, cfg.verbose)

	clip := synthUtterance(cfg.sampleRate, cfg.utteranceMS)
	for i := 0; i < cfg.turns; i++ {
		select {
		case err := <-readErrCh:
			return fmt.Errorf("ws read: %w", err)
		default:
		}

		start := time.Now()
		if err := sendTurnAudio(conn, clip, cfg.sampleRate, cfg.chunkMS); err != nil {
			return fmt.Errorf("turn %d send audio: %w", i+1, err)
		}
		if err := writeFrame(conn, map[string]any{"type": string(protocol.TypeAudioCommit)}); err != nil {
			return fmt.Errorf("turn %d commit: %w", i+1, err)
		}
		if err := writeFrame(conn, map[string]any{"type": string(protocol.TypeResponseCreate)}); err != nil {
			return fmt.Errorf("turn %d response.create: %w", i+1, err)
		}

		select {
		case res := <-results:
			if res.orderErr != nil {
				return fmt.Errorf("turn %d fragment order: %w", i+1, res.orderErr)
			}
			if cfg.verbose {
				fmt.Printf("voxprobe: turn %d/%d first_fragment=%s fragments=%d audio_bytes=%d total=%s\n",
					i+1, cfg.turns, res.firstFragment, res.fragments, res.audioBytes, time.Since(start))
			}
		case err := <-readErrCh:
			return fmt.Errorf("turn %d ws read: %w", i+1, err)
		case <-time.After(cfg.turnTimeout):
			return fmt.Errorf("turn %d: no complete response within %s", i+1, cfg.turnTimeout)
		}

		if cfg.interTurnDelay > 0 && i < cfg.turns-1 {
			time.Sleep(cfg.interTurnDelay)
		}
	}

	if cfg.verbose {
		fmt.Println("voxprobe: replay completed")
	}
	return nil
}

func createSession(ctx context.Context, client *http.Client, cfg options) (string, error) {
	payload, err := json.Marshal(createSessionRequest{
		UserID:    cfg.userID,
		ProjectID: cfg.projectID,
		Voice:     strings.TrimSpace(cfg.voice),
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.baseURL+"/v1/relay/session", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

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

	var out createSessionResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.SessionID) == "" {
		return "", fmt.Errorf("missing session_id in response")
	}
	return out.SessionID, nil
}

func endSession(ctx context.Context, client *http.Client, baseURL, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/relay/session/"+url.PathEscape(sessionID)+"/end", nil)
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
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/relay/session/ws"
	q := u.Query()
	q.Set("session_id", sessionID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// readLoop watches the fragment stream and emits one turnResult when a
// turn's response completes. Fragments must arrive with contiguous
// chunkIndex values within each delta.
func readLoop(conn *websocket.Conn, results chan<- turnResult, readErrCh chan<- error, verbose bool) {
	var (
		current   turnResult
		turnStart time.Time
		sawFirst  bool
		nextIndex int
	)
	reset := func() {
		current = turnResult{}
		sawFirst = false
		nextIndex = 0
	}
	turnStart = time.Now()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case readErrCh <- err:
			default:
			}
			return
		}

		var env wsEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		switch env.Type {
		case string(protocol.TypeAudioChunk):
			if !sawFirst {
				current.firstFragment = time.Since(turnStart)
				sawFirst = true
			}
			if env.ChunkIndex != nextIndex && current.orderErr == nil {
				current.orderErr = fmt.Errorf("fragment %d arrived, expected %d", env.ChunkIndex, nextIndex)
			}
			nextIndex++
			if env.IsLast {
				nextIndex = 0
			}
			current.fragments++
			current.audioBytes += len(env.Data)
		case "response.done":
			select {
			case results <- current:
			default:
			}
			reset()
			turnStart = time.Now()
		case string(protocol.TypeResponseText):
			if verbose && strings.TrimSpace(env.Text) != "" {
				fmt.Printf("voxprobe: text %q\n", env.Text)
			}
		default:
			if env.Code != "" && verbose {
				fmt.Fprintf(os.Stderr, "voxprobe: notice code=%s message=%s\n", env.Code, env.Message)
			}
		}
	}
}

// synthUtterance builds a PCM16 sine sweep so the upstream endpoint
// receives plausible speech-band energy instead of silence.
func synthUtterance(sampleRate, durationMS int) []byte {
	samples := sampleRate * durationMS / 1000
	pcm := make([]byte, 0, samples*2)
	for i := 0; i < samples; i++ {
		t := float64(i) / float64(sampleRate)
		freq := 220.0 + 440.0*t
		v := int16(8000 * math.Sin(2*math.Pi*freq*t))
		pcm = append(pcm, byte(v), byte(v>>8))
	}
	return pcm
}

func sendTurnAudio(conn *websocket.Conn, pcm []byte, sampleRate, chunkMS int) error {
	bytesPerChunk := sampleRate * 2 * chunkMS / 1000
	if bytesPerChunk < 2 {
		bytesPerChunk = 2
	}
	if bytesPerChunk%2 != 0 {
		bytesPerChunk++
	}
	for off := 0; off < len(pcm); off += bytesPerChunk {
		end := off + bytesPerChunk
		if end > len(pcm) {
			end = len(pcm)
		}
		frame := map[string]any{
			"type": string(protocol.TypeAudioAppend),
			"data": map[string]any{
				"data": base64.StdEncoding.EncodeToString(pcm[off:end]),
			},
		}
		if err := writeFrame(conn, frame); err != nil {
			return err
		}
		time.Sleep(time.Duration(chunkMS) * time.Millisecond)
	}
	return nil
}

func writeFrame(conn *websocket.Conn, frame map[string]any) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, payload)
}
