package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/walkerholic/fallwatch/internal/clock"
	"github.com/walkerholic/fallwatch/internal/events"
)

const (
	DefaultMaxReconnectAttempts = 5
	DefaultReconnectDelay       = 3 * time.Second
	defaultDialTimeout          = 10 * time.Second
	defaultPingInterval         = 30 * time.Second
	defaultPongTimeout          = 60 * time.Second
	writeTimeout                = 10 * time.Second
)

var (
	// ErrNotConnected is returned by probes that need an open connection.
	ErrNotConnected = errors.New("not connected")
	// ErrReconnectExhausted is logged when the retry bound is reached.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
)

const connectionSuggestion = "Verify the backend process is running (start it with `python main.py` or `fallwatch mockserver`)."

// ConnState is the lifecycle phase of the connection.
type ConnState int

const (
	StateClosed ConnState = iota
	StateConnecting
	StateOpen
	StateReconnecting
)

var connStateNames = map[ConnState]string{
	StateClosed:       "closed",
	StateConnecting:   "connecting",
	StateOpen:         "open",
	StateReconnecting: "reconnecting",
}

func (s ConnState) String() string {
	if n, ok := connStateNames[s]; ok {
		return n
	}
	return "unknown"
}

// Classifier turns one raw frame into zero or more events.
type Classifier interface {
	Classify(frame []byte) []events.Event
}

// Options configures a Transport. Zero values take the defaults.
type Options struct {
	// URL is the WebSocket endpoint prefix; the user id is appended as the
	// last path segment (ws://host:8000/ws -> ws://host:8000/ws/u1).
	URL                  string
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
	DialTimeout          time.Duration
	PingInterval         time.Duration
	PongTimeout          time.Duration
	Dialer               *websocket.Dialer
	Scheduler            clock.Scheduler
	Logger               *slog.Logger
}

func (o *Options) applyDefaults() {
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = DefaultReconnectDelay
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = defaultDialTimeout
	}
	if o.PingInterval <= 0 {
		o.PingInterval = defaultPingInterval
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = defaultPongTimeout
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.Scheduler == nil {
		o.Scheduler = clock.Real{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Connection is a point-in-time view of the transport's connection record.
type Connection struct {
	UserID               string        `json:"userId"`
	State                ConnState     `json:"state"`
	ReconnectAttempt     int           `json:"reconnectAttempt"`
	MaxReconnectAttempts int           `json:"maxReconnectAttempts"`
	ReconnectDelay       time.Duration `json:"reconnectDelay"`
}

// Transport owns the single WebSocket connection of a user session. Every
// connection attempt gets a generation number; read loops and reconnect
// timers belonging to an older generation discard their work, which is how
// Disconnect detaches listeners.
type Transport struct {
	opts       Options
	bus        *events.Bus
	classifier Classifier
	logger     *slog.Logger

	mu               sync.Mutex
	writeMu          sync.Mutex // serialises all conn writes (frames, pings, close)
	conn             *websocket.Conn
	userID           string
	state            ConnState
	reconnectAttempt int
	reconnectTimer   clock.Timer
	gen              uint64
	pingCancel       context.CancelFunc
}

// NewTransport creates a transport that publishes classified frames and
// connection events on bus.
func NewTransport(opts Options, bus *events.Bus, classifier Classifier) *Transport {
	opts.applyDefaults()
	return &Transport{
		opts:       opts,
		bus:        bus,
		classifier: classifier,
		logger:     opts.Logger.With("component", "transport"),
	}
}

// Connect opens a connection for userID. It is a no-op when a connection for
// the same user is already open. An explicit Connect re-arms the reconnect
// budget, so it also recovers from exhaustion or a previous Disconnect.
func (t *Transport) Connect(ctx context.Context, userID string) error {
	t.mu.Lock()
	if t.conn != nil && t.state == StateOpen && t.userID == userID {
		t.mu.Unlock()
		t.logger.Debug("already connected", "user", userID)
		return nil
	}
	t.reconnectAttempt = 0
	t.mu.Unlock()

	return t.open(ctx, userID, StateConnecting)
}

// Disconnect closes the connection with a normal-closure frame, cancels any
// pending reconnect and stops all further events for the connection.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	t.reconnectAttempt = t.opts.MaxReconnectAttempts
	t.stopReconnectLocked()
	conn := t.detachLocked()
	t.state = StateClosed
	t.mu.Unlock()

	if conn == nil {
		return
	}
	t.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "User disconnect")
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout)); err != nil {
		t.logger.Debug("close frame not sent", "error", err)
	}
	t.writeMu.Unlock()
	conn.Close()
	t.logger.Info("disconnected")
}

// Close releases the connection and every timer the transport owns.
func (t *Transport) Close() error {
	t.Disconnect()
	return nil
}

// Status returns the current connection record.
func (t *Transport) Status() Connection {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Connection{
		UserID:               t.userID,
		State:                t.state,
		ReconnectAttempt:     t.reconnectAttempt,
		MaxReconnectAttempts: t.opts.MaxReconnectAttempts,
		ReconnectDelay:       t.opts.ReconnectDelay,
	}
}

// Send encodes v as JSON and writes it. When the connection is not open the
// frame is dropped and nil is returned; callers must not assume delivery.
func (t *Transport) Send(v any) error {
	conn := t.openConn()
	if conn == nil {
		t.logger.Debug("dropping outbound frame, connection not open")
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	return t.write(conn, data)
}

// SendIMU sends one raw motion sample.
func (t *Transport) SendIMU(accel, gyro Vector3) error {
	return t.Send(TelemetryFrame{
		Timestamp: unixSeconds(t.opts.Scheduler.Now()),
		Accel:     accel,
		Gyro:      gyro,
	})
}

// SendEvent sends a generic event frame {event, timestamp, ...details}.
// Details cannot override the event or timestamp keys.
func (t *Transport) SendEvent(name string, details map[string]any) error {
	frame := make(map[string]any, len(details)+2)
	for k, v := range details {
		frame[k] = v
	}
	frame["event"] = name
	frame["timestamp"] = unixSeconds(t.opts.Scheduler.Now())
	return t.Send(frame)
}

// HealthCheck asks the backend for a health_check_response. Unlike Send it
// reports ErrNotConnected, since a probe on a closed link is meaningless.
func (t *Transport) HealthCheck() error {
	if t.openConn() == nil {
		return ErrNotConnected
	}
	return t.Send(HealthCheckFrame{
		Type:      MsgHealthCheck,
		Timestamp: unixSeconds(t.opts.Scheduler.Now()),
	})
}

func (t *Transport) openConn() *websocket.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateOpen {
		return nil
	}
	return t.conn
}

func (t *Transport) write(conn *websocket.Conn, data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

func (t *Transport) urlFor(userID string) string {
	return strings.TrimRight(t.opts.URL, "/") + "/" + url.PathEscape(userID)
}

// open dials a fresh connection, replacing whatever was there before.
func (t *Transport) open(ctx context.Context, userID string, phase ConnState) error {
	t.mu.Lock()
	t.stopReconnectLocked()
	old := t.detachLocked()
	t.userID = userID
	t.state = phase
	gen := t.gen
	target := t.urlFor(userID)
	t.mu.Unlock()

	if old != nil {
		old.Close()
	}

	t.logger.Info("connecting", "url", target, "phase", phase.String())
	dialCtx, cancel := context.WithTimeout(ctx, t.opts.DialTimeout)
	conn, _, err := t.opts.Dialer.DialContext(dialCtx, target, nil)
	cancel()
	if err != nil {
		t.logger.Warn("dial failed", "url", target, "error", err)
		t.transportError(gen, target, err)
		return fmt.Errorf("dialing %s: %w", target, err)
	}

	t.mu.Lock()
	if t.gen != gen {
		// Disconnect or a newer Connect won the race.
		t.mu.Unlock()
		conn.Close()
		return nil
	}
	pingCtx, pingCancel := context.WithCancel(context.Background())
	t.conn = conn
	t.state = StateOpen
	t.reconnectAttempt = 0
	t.pingCancel = pingCancel
	status := t.statusLocked(0, false)
	t.mu.Unlock()

	go t.pingLoop(pingCtx, conn)
	go t.readLoop(conn, gen)

	t.logger.Info("connected", "url", target)
	t.bus.Publish(events.ConnectionOpened, status)
	return nil
}

// readLoop pumps frames into the classifier until the connection fails.
func (t *Transport) readLoop(conn *websocket.Conn, gen uint64) {
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(t.opts.PongTimeout))
		return nil
	})
	conn.SetReadDeadline(time.Now().Add(t.opts.PongTimeout))

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.connectionLost(conn, gen, err)
			return
		}
		if !t.current(gen) {
			return
		}
		for _, ev := range t.classifier.Classify(data) {
			if !t.current(gen) {
				return
			}
			t.bus.PublishEvent(ev)
		}
	}
}

func (t *Transport) current(gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gen == gen
}

// pingLoop sends periodic pings on the given connection. It exits when the
// context is cancelled or the connection changes.
func (t *Transport) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(t.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.mu.Lock()
			cc := t.conn
			t.mu.Unlock()
			if cc != conn {
				return
			}
			t.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			t.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// connectionLost handles the end of a read loop. A normal closure ends the
// session; anything else is retried.
func (t *Transport) connectionLost(conn *websocket.Conn, gen uint64, err error) {
	conn.Close()

	t.mu.Lock()
	if t.gen != gen {
		t.mu.Unlock()
		return
	}
	t.conn = nil
	if t.pingCancel != nil {
		t.pingCancel()
		t.pingCancel = nil
	}
	code, isClose := closeCode(err)
	target := t.urlFor(t.userID)
	t.mu.Unlock()

	if code == websocket.CloseNormalClosure {
		t.mu.Lock()
		t.state = StateClosed
		status := t.statusLocked(code, false)
		t.mu.Unlock()
		t.logger.Info("connection closed normally")
		t.bus.Publish(events.ConnectionClosed, status)
		return
	}

	t.logger.Warn("connection lost", "code", code, "error", err)
	if !isClose {
		t.bus.Publish(events.ConnectionError, diagnostic(target, err))
	}
	t.abnormalClose(gen, code)
}

// transportError reports a failed dial and treats it as an abnormal closure.
func (t *Transport) transportError(gen uint64, target string, err error) {
	if !t.current(gen) {
		return
	}
	t.bus.Publish(events.ConnectionError, diagnostic(target, err))
	t.abnormalClose(gen, websocket.CloseAbnormalClosure)
}

// abnormalClose emits connection-closed and schedules at most one reconnect
// after the flat backoff delay.
func (t *Transport) abnormalClose(gen uint64, code int) {
	t.mu.Lock()
	if t.gen != gen {
		t.mu.Unlock()
		return
	}
	will := t.scheduleReconnectLocked(gen)
	status := t.statusLocked(code, will)
	t.mu.Unlock()

	t.bus.Publish(events.ConnectionClosed, status)
}

func (t *Transport) scheduleReconnectLocked(gen uint64) bool {
	if t.reconnectAttempt >= t.opts.MaxReconnectAttempts {
		t.state = StateClosed
		t.logger.Error("giving up on connection",
			"attempts", t.reconnectAttempt,
			"error", ErrReconnectExhausted)
		return false
	}
	t.reconnectAttempt++
	t.state = StateReconnecting
	userID := t.userID
	t.logger.Info("scheduling reconnect",
		"attempt", t.reconnectAttempt,
		"max", t.opts.MaxReconnectAttempts,
		"delay", t.opts.ReconnectDelay)
	t.reconnectTimer = t.opts.Scheduler.AfterFunc(t.opts.ReconnectDelay, func() {
		t.mu.Lock()
		if t.gen != gen {
			t.mu.Unlock()
			return
		}
		t.reconnectTimer = nil
		t.mu.Unlock()
		// Errors are already reported through events.
		_ = t.open(context.Background(), userID, StateReconnecting)
	})
	return true
}

func (t *Transport) stopReconnectLocked() {
	if t.reconnectTimer != nil {
		t.reconnectTimer.Stop()
		t.reconnectTimer = nil
	}
}

// detachLocked invalidates the current generation and hands back the live
// connection, if any, for the caller to close outside the lock.
func (t *Transport) detachLocked() *websocket.Conn {
	t.gen++
	if t.pingCancel != nil {
		t.pingCancel()
		t.pingCancel = nil
	}
	conn := t.conn
	t.conn = nil
	return conn
}

func (t *Transport) statusLocked(code int, willReconnect bool) ConnectionStatus {
	st := ConnectionStatus{
		UserID:           t.userID,
		URL:              t.urlFor(t.userID),
		CloseCode:        code,
		ReconnectAttempt: t.reconnectAttempt,
		WillReconnect:    willReconnect,
	}
	if willReconnect {
		st.RetryIn = t.opts.ReconnectDelay
	}
	return st
}

func diagnostic(target string, err error) ConnectionDiagnostic {
	d := ConnectionDiagnostic{
		URL:        target,
		Message:    "Cannot reach the monitoring server.",
		Suggestion: connectionSuggestion,
	}
	if err != nil {
		d.Err = err.Error()
	}
	return d
}

// closeCode extracts the close code from a read error. Errors that are not
// close frames count as abnormal closure (1006).
func closeCode(err error) (code int, isCloseFrame bool) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, true
	}
	return websocket.CloseAbnormalClosure, false
}
