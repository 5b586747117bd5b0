package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// State is the connection state of the control channel.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

const (
	maxReconnectAttempts = 5
	baseReconnectDelay   = 1500 * time.Millisecond
	maxReconnectDelay    = 30 * time.Second
	reconnectJitter      = time.Second
	heartbeatInterval    = 30 * time.Second
	dialTimeout          = 10 * time.Second
	preflightTimeout     = 3 * time.Second
)

// Preflight is an optional health probe run before each dial. A failing
// probe is logged but never blocks the connection attempt.
type Preflight func(ctx context.Context) error

// Transport owns the single persistent control connection to the signaling
// server. It reconnects with capped exponential backoff after involuntary
// closes and sends a heartbeat every 30s while connected.
type Transport struct {
	url       string
	log       *slog.Logger
	dialer    *websocket.Dialer
	preflight Preflight

	events chan Event

	mu            sync.Mutex
	writeMu       sync.Mutex
	conn          *websocket.Conn
	state         State
	attempts      int
	manual        bool
	timer         *time.Timer
	hbStop        chan struct{}
	lastConnected time.Time
}

// NewTransport creates a transport for the given WebSocket URL. preflight
// may be nil. A nil logger falls back to slog.Default().
func NewTransport(url string, preflight Preflight, log *slog.Logger) *Transport {
	if log == nil {
		log = slog.Default()
	}
	return &Transport{
		url:       url,
		log:       log,
		preflight: preflight,
		dialer:    &websocket.Dialer{HandshakeTimeout: dialTimeout},
		events:    make(chan Event, 64),
	}
}

// Events returns the stream of transport notifications.
func (t *Transport) Events() <-chan Event {
	return t.events
}

// Connect dials the server. It is idempotent: while already connecting or
// connected it reports the current connected state without side effects.
// On failure it transitions to failed and schedules an automatic retry.
func (t *Transport) Connect(ctx context.Context) bool {
	t.mu.Lock()
	switch t.state {
	case StateConnected:
		t.mu.Unlock()
		return true
	case StateConnecting:
		t.mu.Unlock()
		return false
	}
	t.state = StateConnecting
	t.mu.Unlock()
	t.emit(StateChanged{State: StateConnecting})

	if t.preflight != nil {
		pctx, cancel := context.WithTimeout(ctx, preflightTimeout)
		if err := t.preflight(pctx); err != nil {
			t.log.Warn("preflight check failed", "err", err)
		}
		cancel()
	}

	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, _, err := t.dialer.DialContext(dctx, t.url, nil)
	if err != nil {
		t.log.Error("dial signaling server", "url", t.url, "err", err)
		t.mu.Lock()
		t.state = StateFailed
		t.mu.Unlock()
		t.emit(StateChanged{State: StateFailed})
		t.scheduleReconnect()
		return false
	}

	t.mu.Lock()
	if t.manual || t.conn != nil {
		// Disconnect ran, or another dial won, while this handshake was
		// in flight. The socket must not become a second control
		// connection.
		alive := t.conn != nil
		if !alive {
			t.state = StateDisconnected
		}
		t.mu.Unlock()
		conn.Close()
		return alive
	}
	stop := make(chan struct{})
	t.conn = conn
	t.state = StateConnected
	t.attempts = 0
	t.manual = false
	t.lastConnected = time.Now()
	t.hbStop = stop
	t.mu.Unlock()

	t.log.Info("control channel connected", "url", t.url)
	t.emit(StateChanged{State: StateConnected})

	go t.readLoop(conn)
	go t.heartbeatLoop(stop)
	return true
}

// Disconnect closes the connection with a normal close frame and suppresses
// automatic reconnection until Connect or Reconnect is called again.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	t.manual = true
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	if t.hbStop != nil {
		close(t.hbStop)
		t.hbStop = nil
	}
	conn := t.conn
	t.conn = nil
	t.state = StateDisconnected
	t.mu.Unlock()

	if conn != nil {
		t.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		t.writeMu.Unlock()
		conn.Close()
	}
	t.emit(StateChanged{State: StateDisconnected})
}

// Reconnect resets the attempt counter and dials immediately, bypassing
// any pending backoff timer.
func (t *Transport) Reconnect(ctx context.Context) bool {
	t.mu.Lock()
	t.attempts = 0
	t.manual = false
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	switch t.state {
	case StateConnected:
		t.mu.Unlock()
		return true
	case StateConnecting:
		// A dial is already in flight; starting another would leave two
		// live control connections once both handshakes complete.
		t.mu.Unlock()
		return false
	}
	t.state = StateDisconnected
	t.mu.Unlock()
	return t.Connect(ctx)
}

// Send serializes payload into the wire envelope and writes it. It refuses
// when the channel is not connected.
func (t *Transport) Send(msgType string, payload any) error {
	t.mu.Lock()
	conn := t.conn
	state := t.state
	t.mu.Unlock()
	if state != StateConnected || conn == nil {
		return fmt.Errorf("send %s: not connected (state %s)", msgType, state)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", msgType, err)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return conn.WriteJSON(Envelope{Type: msgType, Data: data})
}

// State returns the current connection state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// IsConnected reports whether the control channel is up.
func (t *Transport) IsConnected() bool {
	return t.State() == StateConnected
}

// Attempts returns the current reconnect attempt counter.
func (t *Transport) Attempts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts
}

// LastConnected returns the time of the most recent successful connect.
func (t *Transport) LastConnected() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastConnected
}

func (t *Transport) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			if t.conn == conn {
				t.conn = nil
			}
			manual := t.manual
			if t.hbStop != nil {
				close(t.hbStop)
				t.hbStop = nil
			}
			t.mu.Unlock()
			conn.Close()

			if manual {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.mu.Lock()
				t.state = StateDisconnected
				t.mu.Unlock()
				t.emit(StateChanged{State: StateDisconnected})
				return
			}
			t.log.Warn("control channel lost", "err", err)
			t.mu.Lock()
			t.state = StateDisconnected
			t.mu.Unlock()
			t.emit(StateChanged{State: StateDisconnected})
			t.scheduleReconnect()
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.log.Warn("malformed envelope", "err", err)
			continue
		}
		t.dispatch(env)
	}
}

func (t *Transport) scheduleReconnect() {
	t.mu.Lock()
	if t.manual {
		t.mu.Unlock()
		return
	}
	if t.attempts >= maxReconnectAttempts {
		t.state = StateFailed
		t.mu.Unlock()
		t.log.Error("reconnect attempts exhausted", "attempts", maxReconnectAttempts)
		t.emit(StateChanged{State: StateFailed})
		return
	}
	attempt := t.attempts
	t.attempts++
	t.state = StateReconnecting
	delay := reconnectDelay(attempt)
	t.timer = time.AfterFunc(delay, t.retry)
	t.mu.Unlock()

	t.log.Info("scheduling reconnect", "attempt", attempt+1, "delay", delay)
	t.emit(StateChanged{State: StateReconnecting, Attempt: attempt + 1})
}

// retry runs when a backoff timer fires. The timer may already have fired
// when Disconnect stops it, so the manual flag is re-checked here.
func (t *Transport) retry() {
	t.mu.Lock()
	manual := t.manual
	t.mu.Unlock()
	if manual {
		return
	}
	t.Connect(context.Background())
}

// reconnectDelay returns the backoff for the given zero-based attempt:
// min(base * 2^attempt, max) plus up to one second of jitter.
func reconnectDelay(attempt int) time.Duration {
	delay := baseReconnectDelay * time.Duration(1<<attempt)
	if delay > maxReconnectDelay {
		delay = maxReconnectDelay
	}
	return delay + time.Duration(rand.Int63n(int64(reconnectJitter)))
}

func (t *Transport) heartbeatLoop(stop chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			err := t.Send(TypeHeartbeat, HeartbeatPayload{Timestamp: time.Now().UnixMilli()})
			if err != nil {
				t.log.Warn("heartbeat send", "err", err)
			}
		}
	}
}

func (t *Transport) dispatch(env Envelope) {
	switch env.Type {
	case TypeClientID:
		var p ClientIDPayload
		if t.decode(env, &p) {
			t.emit(ClientAssigned{ID: p.ClientID})
		}
	case TypeCameraRegistered:
		var p CameraStatusPayload
		if t.decode(env, &p) {
			t.emit(CameraRegistered{ID: p.ID, Name: p.Name, StreamURL: p.StreamURL})
		}
	case TypeCameraDisconnected:
		var p CameraStatusPayload
		if t.decode(env, &p) {
			t.emit(CameraDisconnected{ID: p.ID})
		}
	case TypeStreamStarted:
		var p StreamEventPayload
		if t.decode(env, &p) {
			t.emit(StreamStarted{ID: p.ID, CameraID: p.CameraID})
		}
	case TypeStreamStopped:
		var p StreamEventPayload
		if t.decode(env, &p) {
			t.emit(StreamStopped{CameraID: p.CameraID})
		}
	case TypeStreamJoined:
		var p StreamEventPayload
		if t.decode(env, &p) {
			t.emit(StreamJoined{CameraID: p.CameraID, ViewerID: p.ViewerID})
		}
	case TypeViewerJoined:
		var p StreamEventPayload
		if t.decode(env, &p) {
			t.emit(ViewerJoined{CameraID: p.CameraID, ViewerID: p.ViewerID})
		}
	case TypeViewerLeft:
		var p StreamEventPayload
		if t.decode(env, &p) {
			t.emit(ViewerLeft{CameraID: p.CameraID, ViewerID: p.ViewerID})
		}
	case TypeViewerCount:
		var p ViewerCountPayload
		if t.decode(env, &p) {
			t.emit(ViewerCount{CameraID: p.CameraID, Count: p.Count})
		}
	case TypeSignal:
		var s Signal
		if t.decode(env, &s) {
			t.emit(SignalReceived{Signal: s})
		}
	case TypeError:
		var p ErrorPayload
		if t.decode(env, &p) {
			t.emit(ServerError{Message: p.Message})
		}
	case TypePong, TypeHeartbeat:
		t.emit(Pong{})
	default:
		t.log.Debug("unhandled message type", "type", env.Type)
	}
}

func (t *Transport) decode(env Envelope, v any) bool {
	if err := json.Unmarshal(env.Data, v); err != nil {
		t.log.Warn("malformed payload", "type", env.Type, "err", err)
		return false
	}
	return true
}

func (t *Transport) emit(ev Event) {
	select {
	case t.events <- ev:
	default:
		t.log.Warn("event buffer full, dropping", "event", fmt.Sprintf("%T", ev))
	}
}
