package chatsync

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Event Payload Types
// ============================================================================

const (
	EventPresenceSnapshot = "presence.snapshot"
	EventPresenceChanged  = "presence.changed"
	EventMessageNew       = "message.new"
	EventError            = "error"
)

// FeedEnvelope is the wire format for all live feed events.
type FeedEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// PresenceSnapshotPayload carries the complete online set.
type PresenceSnapshotPayload struct {
	Online []string `json:"online"`
}

// FeedErrorPayload is sent when a server-side error occurs.
type FeedErrorPayload struct {
	Message string `json:"message"`
}

// ============================================================================
// Configuration
// ============================================================================

// FeedTransport selects how the live feed is carried.
type FeedTransport string

const (
	TransportWebSocket FeedTransport = "ws"
	TransportSSE       FeedTransport = "sse"
)

// DefaultMaxMessageSize bounds a single feed event. Presence snapshots list
// every online user, so it is well above the transport defaults.
const DefaultMaxMessageSize = 1 << 20

// FeedConfig configures the presence feed.
type FeedConfig struct {
	Token                string
	Transport            FeedTransport
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	StaleAfter           time.Duration
	MaxMessageSize       int64 // largest event accepted, in bytes
	HTTPClient           *http.Client
	Logger               zerolog.Logger
}

func (c *FeedConfig) defaults() {
	if c.Transport == "" {
		c.Transport = TransportWebSocket
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.StaleAfter == 0 {
		c.StaleAfter = 45 * time.Second
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
}

// FeedState represents the connection state.
type FeedState string

const (
	StateDisconnected FeedState = "disconnected"
	StateConnecting   FeedState = "connecting"
	StateConnected    FeedState = "connected"
	StateReconnecting FeedState = "reconnecting"
)

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *FeedConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	// a connection that stayed up for a minute earns a fresh budget
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	r.connectedAt = time.Time{}
	return delay
}

// ============================================================================
// PresenceFeed
// ============================================================================

// PresenceFeed consumes the live feed and keeps a PresenceTracker current.
//
// Only full snapshots update the tracker. A dropped connection leaves the last
// snapshot in place until the next one arrives.
type PresenceFeed struct {
	baseURL string
	config  *FeedConfig
	tracker *PresenceTracker
	recon   *reconnector
	log     zerolog.Logger

	mu         sync.Mutex
	state      FeedState
	onMessage  []func(Message)
	onSnapshot []func(*PresenceSet)
	onState    []func(FeedState)
}

// NewPresenceFeed creates a feed. Call Run to connect.
func NewPresenceFeed(baseURL string, tracker *PresenceTracker, config *FeedConfig) *PresenceFeed {
	cfg := FeedConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &PresenceFeed{
		baseURL: strings.TrimRight(baseURL, "/"),
		config:  &cfg,
		tracker: tracker,
		recon:   newReconnector(&cfg),
		log:     cfg.Logger.With().Str("component", "presence_feed").Logger(),
		state:   StateDisconnected,
	}
}

// OnMessage registers a handler for message.new notifications.
// Handlers run on the feed goroutine.
func (f *PresenceFeed) OnMessage(h func(Message)) {
	f.mu.Lock()
	f.onMessage = append(f.onMessage, h)
	f.mu.Unlock()
}

// OnSnapshot registers a handler run after every received snapshot, changed or not.
func (f *PresenceFeed) OnSnapshot(h func(*PresenceSet)) {
	f.mu.Lock()
	f.onSnapshot = append(f.onSnapshot, h)
	f.mu.Unlock()
}

// OnStateChange registers a handler for connection state transitions.
func (f *PresenceFeed) OnStateChange(h func(FeedState)) {
	f.mu.Lock()
	f.onState = append(f.onState, h)
	f.mu.Unlock()
}

// State returns the current connection state.
func (f *PresenceFeed) State() FeedState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Run connects and consumes the feed until ctx is done or reconnect attempts
// run out.
func (f *PresenceFeed) Run(ctx context.Context) error {
	for {
		f.setState(StateConnecting)
		src, err := f.dial(ctx)
		if err == nil {
			f.recon.markConnected()
			f.setState(StateConnected)
			f.log.Info().Str("transport", string(f.config.Transport)).Msg("Presence feed connected")
			err = f.consume(ctx, src)
			src.close()
		}

		if ctx.Err() != nil {
			f.setState(StateDisconnected)
			return ctx.Err()
		}
		f.log.Warn().Err(err).Msg("Presence feed disconnected, keeping last snapshot")

		if !f.config.AutoReconnect || !f.recon.shouldReconnect() {
			f.setState(StateDisconnected)
			return err
		}

		delay := f.recon.nextDelay()
		f.setState(StateReconnecting)
		f.log.Debug().Int("attempt", f.recon.attempt).Dur("delay", delay).Msg("Reconnecting presence feed")

		select {
		case <-ctx.Done():
			f.setState(StateDisconnected)
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (f *PresenceFeed) setState(s FeedState) {
	f.mu.Lock()
	if f.state == s {
		f.mu.Unlock()
		return
	}
	f.state = s
	handlers := append([]func(FeedState){}, f.onState...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(s)
	}
}

func (f *PresenceFeed) consume(ctx context.Context, src feedSource) error {
	for {
		env, err := src.next(ctx)
		if err != nil {
			return err
		}
		f.dispatch(env)
	}
}

func (f *PresenceFeed) dispatch(env FeedEnvelope) {
	switch env.Type {
	case EventPresenceSnapshot:
		var p PresenceSnapshotPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			f.log.Warn().Err(err).Msg("Malformed presence snapshot")
			return
		}
		f.tracker.Replace(p.Online)
		f.mu.Lock()
		handlers := append([]func(*PresenceSet){}, f.onSnapshot...)
		f.mu.Unlock()
		for _, h := range handlers {
			h(f.tracker.Snapshot())
		}
	case EventMessageNew:
		var m Message
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			f.log.Warn().Err(err).Msg("Malformed message notification")
			return
		}
		f.mu.Lock()
		handlers := append([]func(Message){}, f.onMessage...)
		f.mu.Unlock()
		for _, h := range handlers {
			h(m)
		}
	case EventPresenceChanged:
		// deltas are not merged; the next snapshot carries the change
		f.log.Debug().Msg("Ignoring presence delta")
	case EventError:
		var p FeedErrorPayload
		_ = json.Unmarshal(env.Payload, &p)
		f.log.Warn().Str("message", p.Message).Msg("Presence feed reported error")
	}
}

// ============================================================================
// Feed sources
// ============================================================================

type feedSource interface {
	next(ctx context.Context) (FeedEnvelope, error)
	close()
}

func (f *PresenceFeed) dial(ctx context.Context) (feedSource, error) {
	switch f.config.Transport {
	case TransportSSE:
		return f.dialSSE(ctx)
	default:
		return f.dialWS(ctx)
	}
}

func (f *PresenceFeed) feedURL(websocketScheme bool, path string) string {
	base := f.baseURL
	if websocketScheme {
		base = strings.Replace(base, "https://", "wss://", 1)
		base = strings.Replace(base, "http://", "ws://", 1)
	}
	if f.config.Token != "" {
		return base + path + "?token=" + url.QueryEscape(f.config.Token)
	}
	return base + path
}

type wsSource struct {
	conn   *websocket.Conn
	cancel context.CancelFunc
}

func (f *PresenceFeed) dialWS(ctx context.Context) (feedSource, error) {
	conn, _, err := websocket.Dial(ctx, f.feedURL(true, "/ws/presence"), &websocket.DialOptions{
		HTTPClient: f.config.HTTPClient,
	})
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(f.config.MaxMessageSize)

	hbCtx, cancel := context.WithCancel(ctx)
	src := &wsSource{conn: conn, cancel: cancel}
	go f.heartbeat(hbCtx, conn)
	return src, nil
}

func (f *PresenceFeed) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(f.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil && ctx.Err() == nil {
				// Heartbeat failed, force close so the read loop reconnects
				f.log.Warn().Err(err).Msg("Presence heartbeat failed")
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (s *wsSource) next(ctx context.Context) (FeedEnvelope, error) {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			return FeedEnvelope{}, fmt.Errorf("websocket read: %w", err)
		}
		var env FeedEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		return env, nil
	}
}

func (s *wsSource) close() {
	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "client disconnect")
}

type sseSource struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	mu      sync.Mutex
	last    time.Time
	cancel  context.CancelFunc
}

func (f *PresenceFeed) dialSSE(ctx context.Context) (feedSource, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.feedURL(false, "/sse/presence"), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := f.config.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("SSE connect: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("SSE HTTP %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	limit := int(f.config.MaxMessageSize)
	scanner.Buffer(make([]byte, 0, min(limit, 64*1024)), limit)

	wdCtx, cancel := context.WithCancel(ctx)
	src := &sseSource{
		body:    resp.Body,
		scanner: scanner,
		last:    time.Now(),
		cancel:  cancel,
	}
	go src.watchdog(wdCtx, f.config.StaleAfter)
	return src, nil
}

// watchdog closes the stream when nothing, not even a heartbeat comment,
// arrived within staleAfter.
func (s *sseSource) watchdog(ctx context.Context, staleAfter time.Duration) {
	ticker := time.NewTicker(staleAfter / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			stale := time.Since(s.last) > staleAfter
			s.mu.Unlock()
			if stale {
				s.body.Close()
				return
			}
		}
	}
}

var errStreamEnded = errors.New("stream ended")

func (s *sseSource) next(ctx context.Context) (FeedEnvelope, error) {
	for s.scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return FeedEnvelope{}, err
		}

		line := s.scanner.Text()
		s.mu.Lock()
		s.last = time.Now()
		s.mu.Unlock()

		if strings.HasPrefix(line, ":") {
			continue // heartbeat comment
		}
		if strings.HasPrefix(line, "data: ") {
			var env FeedEnvelope
			if json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &env) == nil {
				return env, nil
			}
		}
	}
	if err := s.scanner.Err(); err != nil {
		return FeedEnvelope{}, fmt.Errorf("SSE read: %w", err)
	}
	return FeedEnvelope{}, errStreamEnded
}

func (s *sseSource) close() {
	s.cancel()
	s.body.Close()
}
