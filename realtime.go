package chatsync

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire Types
// ============================================================================

// RealtimeEnvelope is the wire format for all push events.
type RealtimeEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// RealtimeCommand is a client-to-server command.
type RealtimeCommand struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	RequestID string      `json:"requestId,omitempty"`
}

// MessageNewPayload is pushed when a message is stored or updated.
type MessageNewPayload struct {
	ID              string   `json:"id"`
	CorrelationID   string   `json:"correlationId,omitempty"`
	ConversationID  string   `json:"conversationId"`
	SenderID        string   `json:"senderId"`
	RecipientID     string   `json:"recipientId"`
	Content         string   `json:"content"`
	Status          string   `json:"status,omitempty"`
	Deleted         bool     `json:"deleted,omitempty"`
	ClientTimestamp flexTime `json:"clientTimestamp"`
	CreatedAt       flexTime `json:"createdAt"`
}

// MessageStatusPayload is pushed on delivery-state transitions.
type MessageStatusPayload struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
}

// ReactionSetPayload is pushed when a reaction is set or cleared.
type ReactionSetPayload struct {
	MessageID string   `json:"messageId"`
	UserID    string   `json:"userId"`
	Emoji     string   `json:"emoji"`
	UpdatedAt flexTime `json:"updatedAt"`
}

// TypingIndicatorPayload is sent when a user starts or stops typing.
type TypingIndicatorPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

// PongPayload is the response to a ping command.
type PongPayload struct {
	RequestID string `json:"requestId"`
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the push and change-feed channels.
type RealtimeConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	HTTPClient           *http.Client
	Logger               *zerolog.Logger
}

func (c *RealtimeConfig) defaults() {
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
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Envelope decoding
// ============================================================================

// decodeEnvelope maps a push envelope onto the normalized event shape.
// Typing indicators come back separately since they never reach the store.
func decodeEnvelope(env RealtimeEnvelope) (*Event, *TypingIndicator, error) {
	now := time.Now()
	switch env.Type {
	case "message.new", "message.updated":
		var p MessageNewPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, nil, fmt.Errorf("%w: %s: %v", ErrMalformedEvent, env.Type, err)
		}
		m := Message{
			ID:              p.ID,
			CorrelationID:   p.CorrelationID,
			SenderID:        p.SenderID,
			RecipientID:     p.RecipientID,
			Content:         p.Content,
			ClientTimestamp: p.ClientTimestamp.Time,
			ServerTimestamp: p.CreatedAt.Time,
			State:           parseState(p.Status),
			Deleted:         p.Deleted,
		}
		if m.ClientTimestamp.IsZero() {
			m.ClientTimestamp = m.ServerTimestamp
		}
		return &Event{Kind: KindMessage, Message: &m, ReceivedAt: now}, nil, nil

	case "message.status":
		var p MessageStatusPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, nil, fmt.Errorf("%w: %s: %v", ErrMalformedEvent, env.Type, err)
		}
		return &Event{
			Kind:       KindDelivery,
			Delivery:   &DeliveryEvent{MessageID: p.MessageID, State: parseState(p.Status), At: now},
			ReceivedAt: now,
		}, nil, nil

	case "reaction.set":
		var p ReactionSetPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, nil, fmt.Errorf("%w: %s: %v", ErrMalformedEvent, env.Type, err)
		}
		return &Event{
			Kind:       KindReaction,
			Reaction:   &ReactionEvent{UserID: p.UserID, MessageID: p.MessageID, Emoji: p.Emoji, At: p.UpdatedAt.Time},
			ReceivedAt: now,
		}, nil, nil

	case "typing.indicator":
		var p TypingIndicatorPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, nil, fmt.Errorf("%w: %s: %v", ErrMalformedEvent, env.Type, err)
		}
		return nil, &TypingIndicator{UserID: p.UserID, Typing: p.IsTyping, At: now}, nil
	}
	return nil, nil, nil
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	mu          sync.Mutex
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.mu.Lock()
	r.connectedAt = time.Now()
	r.mu.Unlock()
}

func (r *reconnector) nextDelay() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// reconnectLoop retries connect with backoff until it succeeds, the
// attempts run out or ctx ends.
func reconnectLoop(ctx context.Context, r *reconnector, log zerolog.Logger, connect func(context.Context) error) {
	for r.shouldReconnect() {
		delay := r.nextDelay()
		log.Debug().Dur("delay", delay).Msg("reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		err := connect(ctx)
		if err == nil {
			return
		}
		log.Debug().Err(err).Msg("reconnect attempt failed")
	}
	log.Warn().Msg("giving up reconnecting")
}

// ============================================================================
// WSChannel
// ============================================================================

// WSChannel is the push channel: a WebSocket with heartbeat and automatic
// reconnect that joins one conversation room.
type WSChannel struct {
	url    string
	config *RealtimeConfig
	log    zerolog.Logger
	recon  *reconnector

	mu       sync.Mutex
	conn     *websocket.Conn
	state    RealtimeState
	closed   bool
	key      ConversationKey
	sink     Sink
	runCtx   context.Context
	cancelFn context.CancelFunc

	pingCounter  atomic.Int64
	pendingMu    sync.Mutex
	pendingPings map[string]chan PongPayload
}

func newWSChannel(url string, config *RealtimeConfig) *WSChannel {
	return &WSChannel{
		url:          url,
		config:       config,
		log:          config.Logger.With().Str("channel", "push").Logger(),
		recon:        newReconnector(config),
		state:        StateDisconnected,
		pendingPings: make(map[string]chan PongPayload),
	}
}

// State returns the current connection state.
func (ws *WSChannel) State() RealtimeState {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

// Open dials and joins the conversation room. When the first dial fails
// and AutoReconnect is set, retries continue in the background and the
// error is still returned so the coordinator can fall back to polling.
func (ws *WSChannel) Open(ctx context.Context, key ConversationKey, sink Sink) error {
	ws.mu.Lock()
	if ws.closed {
		ws.mu.Unlock()
		return ErrClosed
	}
	ws.key = key
	ws.sink = sink
	ws.runCtx, ws.cancelFn = context.WithCancel(ctx)
	runCtx := ws.runCtx
	ws.mu.Unlock()

	err := ws.connect(runCtx)
	if err != nil && ws.config.AutoReconnect {
		go reconnectLoop(runCtx, ws.recon, ws.log, ws.connect)
	}
	return err
}

func (ws *WSChannel) connect(ctx context.Context) error {
	ws.mu.Lock()
	if ws.closed {
		ws.mu.Unlock()
		return ErrClosed
	}
	if ws.state == StateConnected || ws.state == StateConnecting {
		ws.mu.Unlock()
		return nil
	}
	ws.state = StateConnecting
	key := ws.key
	ws.mu.Unlock()

	conn, err := ws.dial(ctx, key)
	if err != nil {
		ws.setState(StateDisconnected)
		return err
	}

	ws.mu.Lock()
	if ws.closed {
		ws.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "")
		return ErrClosed
	}
	ws.conn = conn
	ws.state = StateConnected
	sink := ws.sink
	ws.mu.Unlock()
	ws.recon.markConnected()
	ws.log.Info().Msg("push connected")

	sink.ConnectionChanged(true)
	go ws.readLoop(ctx, conn)
	go ws.heartbeatLoop(ctx, conn)
	return nil
}

// dial opens the socket, waits for the authenticated envelope and joins
// the conversation room.
func (ws *WSChannel) dial(ctx context.Context, key ConversationKey) (*websocket.Conn, error) {
	conn, _, err := websocket.Dial(ctx, ws.url, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("read auth message: %w", err)
	}
	var env RealtimeEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != "authenticated" {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("expected 'authenticated', got '%s'", env.Type)
	}

	join, _ := json.Marshal(&RealtimeCommand{
		Type:    "conversation.join",
		Payload: map[string]string{"conversationId": key.String()},
	})
	if err := conn.Write(ctx, websocket.MessageText, join); err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("join conversation: %w", err)
	}
	return conn, nil
}

// Close stops reconnecting and closes the socket.
func (ws *WSChannel) Close() error {
	ws.mu.Lock()
	if ws.closed {
		ws.mu.Unlock()
		return nil
	}
	ws.closed = true
	if ws.cancelFn != nil {
		ws.cancelFn()
		ws.cancelFn = nil
	}
	conn := ws.conn
	ws.conn = nil
	ws.state = StateDisconnected
	ws.mu.Unlock()

	ws.clearPendingPings()
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// Send writes a raw command over the socket.
func (ws *WSChannel) Send(ctx context.Context, cmd *RealtimeCommand) error {
	ws.mu.Lock()
	conn := ws.conn
	ws.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// StartTyping sends a typing start indicator.
func (ws *WSChannel) StartTyping(ctx context.Context) error {
	return ws.Send(ctx, &RealtimeCommand{
		Type:    "typing.start",
		Payload: map[string]string{"conversationId": ws.conversation()},
	})
}

// StopTyping sends a typing stop indicator.
func (ws *WSChannel) StopTyping(ctx context.Context) error {
	return ws.Send(ctx, &RealtimeCommand{
		Type:    "typing.stop",
		Payload: map[string]string{"conversationId": ws.conversation()},
	})
}

func (ws *WSChannel) conversation() string {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.key.String()
}

// Ping sends a ping and waits for pong.
func (ws *WSChannel) Ping(ctx context.Context) (*PongPayload, error) {
	requestID := fmt.Sprintf("ping-%d", ws.pingCounter.Add(1))

	ch := make(chan PongPayload, 1)
	ws.pendingMu.Lock()
	ws.pendingPings[requestID] = ch
	ws.pendingMu.Unlock()
	defer func() {
		ws.pendingMu.Lock()
		delete(ws.pendingPings, requestID)
		ws.pendingMu.Unlock()
	}()

	err := ws.Send(ctx, &RealtimeCommand{
		Type:    "ping",
		Payload: map[string]string{"requestId": requestID},
	})
	if err != nil {
		return nil, err
	}

	select {
	case pong, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		return &pong, nil
	case <-time.After(10 * time.Second):
		return nil, fmt.Errorf("ping timeout")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (ws *WSChannel) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			ws.mu.Lock()
			if ws.closed || ws.conn != conn {
				ws.mu.Unlock()
				return
			}
			ws.state = StateDisconnected
			ws.conn = nil
			sink := ws.sink
			ws.mu.Unlock()

			ws.log.Warn().Err(err).Msg("push disconnected")
			sink.ConnectionChanged(false)
			if ws.config.AutoReconnect {
				reconnectLoop(ctx, ws.recon, ws.log, ws.connect)
			}
			return
		}

		var env RealtimeEnvelope
		if json.Unmarshal(data, &env) != nil {
			incMalformed(SourcePush)
			continue
		}
		if env.Type == "pong" {
			ws.resolvePong(env.Payload)
			continue
		}
		ws.dispatch(env)
	}
}

func (ws *WSChannel) dispatch(env RealtimeEnvelope) {
	ev, typing, err := decodeEnvelope(env)
	if err != nil {
		incMalformed(SourcePush)
		ws.log.Warn().Err(err).Msg("dropping push envelope")
		return
	}
	ws.mu.Lock()
	sink := ws.sink
	key := ws.key
	ws.mu.Unlock()

	switch {
	case ev != nil:
		if !inScope(ev, "", key) {
			return
		}
		sink.Deliver(*ev)
	case typing != nil:
		if ts, ok := sink.(TypingSink); ok {
			ts.Typing(*typing)
		}
	}
}

func (ws *WSChannel) resolvePong(payload json.RawMessage) {
	var p PongPayload
	if json.Unmarshal(payload, &p) != nil || p.RequestID == "" {
		return
	}
	ws.pendingMu.Lock()
	ch, ok := ws.pendingPings[p.RequestID]
	if ok {
		delete(ws.pendingPings, p.RequestID)
	}
	ws.pendingMu.Unlock()
	if ok {
		ch <- p
	}
}

func (ws *WSChannel) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(ws.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ws.mu.Lock()
			current := ws.conn == conn && ws.state == StateConnected
			ws.mu.Unlock()
			if !current {
				return
			}
			if _, err := ws.Ping(ctx); err != nil {
				// Closing makes the read loop report the disconnect.
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (ws *WSChannel) setState(s RealtimeState) {
	ws.mu.Lock()
	ws.state = s
	ws.mu.Unlock()
}

func (ws *WSChannel) clearPendingPings() {
	ws.pendingMu.Lock()
	for k, ch := range ws.pendingPings {
		close(ch)
		delete(ws.pendingPings, k)
	}
	ws.pendingMu.Unlock()
}

// ============================================================================
// SSEChannel
// ============================================================================

const (
	sseWatchdogInterval = 15 * time.Second
	sseStaleAfter       = 45 * time.Second
	sseMaxLine          = 1 << 20
)

// SSEChannel is a subscription channel reading row-level change
// notifications from a server-sent event stream.
type SSEChannel struct {
	url    string
	config *RealtimeConfig
	log    zerolog.Logger
	recon  *reconnector

	mu           sync.Mutex
	state        RealtimeState
	closed       bool
	key          ConversationKey
	sink         Sink
	cancelFn     context.CancelFunc
	connCancel   context.CancelFunc
	lastDataTime time.Time
}

func newSSEChannel(url string, config *RealtimeConfig) *SSEChannel {
	return &SSEChannel{
		url:    url,
		config: config,
		log:    config.Logger.With().Str("channel", "subscription").Logger(),
		recon:  newReconnector(config),
		state:  StateDisconnected,
	}
}

// State returns the current connection state.
func (sse *SSEChannel) State() RealtimeState {
	sse.mu.Lock()
	defer sse.mu.Unlock()
	return sse.state
}

// Open connects to the stream. Failed first attempts keep retrying in the
// background when AutoReconnect is set.
func (sse *SSEChannel) Open(ctx context.Context, key ConversationKey, sink Sink) error {
	sse.mu.Lock()
	if sse.closed {
		sse.mu.Unlock()
		return ErrClosed
	}
	sse.key = key
	sse.sink = sink
	runCtx, cancel := context.WithCancel(ctx)
	sse.cancelFn = cancel
	sse.mu.Unlock()

	err := sse.connect(runCtx)
	if err != nil && sse.config.AutoReconnect {
		go reconnectLoop(runCtx, sse.recon, sse.log, sse.connect)
	}
	return err
}

func (sse *SSEChannel) connect(ctx context.Context) error {
	sse.mu.Lock()
	if sse.closed {
		sse.mu.Unlock()
		return ErrClosed
	}
	if sse.state == StateConnected || sse.state == StateConnecting {
		sse.mu.Unlock()
		return nil
	}
	sse.state = StateConnecting
	sse.mu.Unlock()

	connCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(connCtx, http.MethodGet, sse.url, nil)
	if err != nil {
		cancel()
		sse.setState(StateDisconnected)
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := sse.config.HTTPClient.Do(req)
	if err != nil {
		cancel()
		sse.setState(StateDisconnected)
		return fmt.Errorf("SSE connect: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		sse.setState(StateDisconnected)
		return fmt.Errorf("SSE HTTP %d", resp.StatusCode)
	}

	sse.mu.Lock()
	if sse.closed {
		sse.mu.Unlock()
		resp.Body.Close()
		cancel()
		return ErrClosed
	}
	sse.state = StateConnected
	sse.lastDataTime = time.Now()
	sse.connCancel = cancel
	sink := sse.sink
	sse.mu.Unlock()
	sse.recon.markConnected()
	sse.log.Info().Msg("subscription connected")

	sink.ConnectionChanged(true)
	go sse.readLoop(ctx, connCtx, resp)
	go sse.heartbeatWatchdog(connCtx, cancel)
	return nil
}

// Close ends the stream and stops reconnecting.
func (sse *SSEChannel) Close() error {
	sse.mu.Lock()
	defer sse.mu.Unlock()
	if sse.closed {
		return nil
	}
	sse.closed = true
	if sse.cancelFn != nil {
		sse.cancelFn()
		sse.cancelFn = nil
	}
	sse.state = StateDisconnected
	return nil
}

func (sse *SSEChannel) readLoop(runCtx, connCtx context.Context, resp *http.Response) {
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), sseMaxLine)
	for scanner.Scan() {
		if connCtx.Err() != nil {
			break
		}
		line := scanner.Text()

		sse.mu.Lock()
		sse.lastDataTime = time.Now()
		sse.mu.Unlock()

		if strings.HasPrefix(line, ":") {
			continue // heartbeat comment
		}
		if strings.HasPrefix(line, "data: ") {
			sse.handleData([]byte(strings.TrimPrefix(line, "data: ")))
		}
	}

	sse.mu.Lock()
	if sse.closed {
		sse.mu.Unlock()
		return
	}
	sse.state = StateDisconnected
	sink := sse.sink
	sse.mu.Unlock()

	sse.log.Warn().Msg("subscription stream ended")
	sink.ConnectionChanged(false)
	if sse.config.AutoReconnect {
		reconnectLoop(runCtx, sse.recon, sse.log, sse.connect)
	}
}

func (sse *SSEChannel) handleData(data []byte) {
	sse.mu.Lock()
	key := sse.key
	sink := sse.sink
	sse.mu.Unlock()

	ev, ok, err := ParseChangeFor(key, data)
	if err != nil {
		incMalformed(SourceSubscription)
		sse.log.Warn().Err(err).Msg("dropping change row")
		return
	}
	if ok {
		sink.Deliver(ev)
	}
}

func (sse *SSEChannel) heartbeatWatchdog(ctx context.Context, cancel context.CancelFunc) {
	ticker := time.NewTicker(sseWatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sse.mu.Lock()
			stale := time.Since(sse.lastDataTime) > sseStaleAfter
			sse.mu.Unlock()
			if stale {
				sse.log.Warn().Msg("subscription stream stale")
				cancel()
				return
			}
		}
	}
}

func (sse *SSEChannel) setState(s RealtimeState) {
	sse.mu.Lock()
	sse.state = s
	sse.mu.Unlock()
}
