package timebank

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/alexjbarnes/timebank-sync/internal/models"
	"github.com/coder/websocket"
)

const (
	reconnectBase = 1 * time.Second
	reconnectMax  = 30 * time.Second

	// MaxReconnectAttempts is how many reconnects follow an abnormal
	// close before the transport gives up and stays closed.
	MaxReconnectAttempts = 5

	// maxReconnectShift caps the bit-shift exponent so the delay cannot
	// overflow time.Duration.
	maxReconnectShift = 16

	// maxFrameBytes caps inbound frames. Chat envelopes are small JSON.
	maxFrameBytes = 1 << 20

	dialTimeout  = 15 * time.Second
	writeTimeout = 10 * time.Second
)

// ConnStatus is the lifecycle state of the push connection.
type ConnStatus int

const (
	ConnClosed ConnStatus = iota
	ConnConnecting
	ConnOpen
)

func (s ConnStatus) String() string {
	switch s {
	case ConnConnecting:
		return "connecting"
	case ConnOpen:
		return "open"
	}

	return "closed"
}

// ConnState is the observable connection state. Fatal is set when the
// reconnect budget ran out; the caller should fall back to REST.
type ConnState struct {
	Status      ConnStatus
	Attempts    int
	HandshakeID string
	Fatal       bool
}

// wsConn abstracts the WebSocket connection so Transport can be tested
// without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

type dialFunc func(ctx context.Context, target string, header http.Header) (wsConn, error)

func dialWebsocket(ctx context.Context, target string, header http.Header) (wsConn, error) {
	conn, _, err := websocket.Dial(ctx, target, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
		HTTPHeader: header,
	})
	if err != nil {
		return nil, err
	}

	return conn, nil
}

// TransportHandlers receive decoded push events. All callbacks for one
// connection run on that connection's goroutine, in order.
type TransportHandlers struct {
	OnMessage func(models.Message)
	OnError   func(string)
	OnState   func(ConnState)
}

// Transport owns at most one push connection, bound to one handshake.
type Transport struct {
	logger   *slog.Logger
	baseURL  string
	dial     dialFunc
	handlers TransportHandlers

	mu     sync.Mutex
	state  ConnState
	conn   wsConn
	gen    uint64
	cancel context.CancelFunc
	done   chan struct{}
}

// NewTransport creates a transport for the push endpoint at baseURL
// (ws:// or wss://).
func NewTransport(baseURL string, handlers TransportHandlers, logger *slog.Logger) *Transport {
	return &Transport{
		logger:   logger,
		baseURL:  strings.TrimRight(baseURL, "/"),
		dial:     dialWebsocket,
		handlers: handlers,
	}
}

// ReconnectDelay returns the wait before reconnect attempt n (0-based):
// 1s doubling, capped at 30s.
func ReconnectDelay(attempt int) time.Duration {
	shift := min(max(attempt, 0), maxReconnectShift)

	return min(reconnectBase*time.Duration(1<<shift), reconnectMax)
}

// endpoint builds the push URL for a handshake.
func (t *Transport) endpoint(handshakeID, token string) string {
	return t.baseURL + "/ws/chat/" + url.PathEscape(handshakeID) + "/?token=" + url.QueryEscape(token)
}

// Open connects to the push channel for handshakeID. Any connection bound
// to another handshake is closed deliberately first so its reconnect loop
// cannot resurrect it. Opening the handshake that is already open or
// connecting is a no-op. The connection lives until Close or until ctx
// is cancelled. Open does not wait for the dial; watch OnState.
func (t *Transport) Open(ctx context.Context, handshakeID, token string) {
	t.mu.Lock()
	if t.cancel != nil && t.state.HandshakeID == handshakeID && t.state.Status != ConnClosed {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	t.Close()

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	t.mu.Lock()
	t.gen++
	gen := t.gen
	t.cancel = cancel
	t.done = done
	t.state = ConnState{Status: ConnConnecting, HandshakeID: handshakeID}
	t.mu.Unlock()

	t.emitState(ConnState{Status: ConnConnecting, HandshakeID: handshakeID})

	go func() {
		defer close(done)
		t.run(runCtx, gen, handshakeID, token)
	}()
}

// Close shuts the connection down with the normal-closure code and
// suppresses reconnection. It waits for the connection goroutine to exit.
func (t *Transport) Close() {
	t.mu.Lock()
	cancel, done, conn := t.cancel, t.done, t.conn
	t.cancel, t.done, t.conn = nil, nil, nil
	// Invalidate the running loop before touching the socket so the
	// resulting read error is seen as deliberate.
	t.gen++
	prev := t.state
	t.state = ConnState{Status: ConnClosed, HandshakeID: prev.HandshakeID}
	t.mu.Unlock()

	if conn != nil {
		if err := conn.Close(websocket.StatusNormalClosure, "closing"); err != nil {
			t.logger.Debug("closing push connection", slog.String("error", err.Error()))
		}
	}

	if cancel != nil {
		cancel()
	}

	if done != nil {
		<-done
	}

	if prev.Status != ConnClosed {
		t.emitState(ConnState{Status: ConnClosed, HandshakeID: prev.HandshakeID})
	}
}

// Send writes a chat frame. It returns false when the connection is not
// open or the write fails; the caller must fall back to REST.
func (t *Transport) Send(ctx context.Context, body string) bool {
	t.mu.Lock()
	conn := t.conn
	open := t.state.Status == ConnOpen
	t.mu.Unlock()

	if conn == nil || !open {
		return false
	}

	data, err := json.Marshal(outboundFrame{Type: frameChatMessage, Body: body})
	if err != nil {
		return false
	}

	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	if err := conn.Write(wctx, websocket.MessageText, data); err != nil {
		t.logger.Warn("push send failed, falling back to REST", slog.String("error", err.Error()))
		return false
	}

	return true
}

// State returns a snapshot of the connection state.
func (t *Transport) State() ConnState {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.state
}

// Connected reports whether the push connection is open.
func (t *Transport) Connected() bool {
	return t.State().Status == ConnOpen
}

func (t *Transport) current(gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.gen == gen
}

// setState records and emits a state change if the loop is still current.
func (t *Transport) setState(gen uint64, st ConnState, conn wsConn) bool {
	t.mu.Lock()
	if t.gen != gen {
		t.mu.Unlock()
		return false
	}

	t.state = st
	t.conn = conn
	t.mu.Unlock()

	t.emitState(st)

	return true
}

func (t *Transport) emitState(st ConnState) {
	if t.handlers.OnState != nil {
		t.handlers.OnState(st)
	}
}

// run is the connection loop: dial, read until the socket drops, then
// back off and redial until the budget is spent or the loop is stopped.
func (t *Transport) run(ctx context.Context, gen uint64, handshakeID, token string) {
	logger := t.logger.With(slog.String("handshake_id", handshakeID))
	header := http.Header{"Authorization": []string{"Bearer " + token}}
	target := t.endpoint(handshakeID, token)
	attempts := 0

	for {
		opened, err := t.connectOnce(ctx, gen, handshakeID, target, header, logger)
		if opened {
			attempts = 0
		}

		if ctx.Err() != nil || !t.current(gen) || isDeliberateClose(err) {
			t.setState(gen, ConnState{Status: ConnClosed, HandshakeID: handshakeID}, nil)
			logger.Debug("push connection closed")

			return
		}

		if attempts >= MaxReconnectAttempts {
			logger.Warn("push reconnect budget exhausted, falling back to REST",
				slog.Int("attempts", attempts),
			)
			t.setState(gen, ConnState{Status: ConnClosed, Attempts: attempts, HandshakeID: handshakeID, Fatal: true}, nil)

			return
		}

		delay := ReconnectDelay(attempts)
		attempts++

		logger.Warn("push connection lost, reconnecting",
			slog.String("error", errString(err)),
			slog.Int("attempt", attempts),
			slog.Duration("backoff", delay),
		)

		if !t.setState(gen, ConnState{Status: ConnConnecting, Attempts: attempts, HandshakeID: handshakeID}, nil) {
			return
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			t.setState(gen, ConnState{Status: ConnClosed, HandshakeID: handshakeID}, nil)

			return
		case <-timer.C:
		}
	}
}

// connectOnce dials and reads until the connection ends. opened reports
// whether the dial succeeded, which resets the reconnect budget.
func (t *Transport) connectOnce(ctx context.Context, gen uint64, handshakeID, target string, header http.Header, logger *slog.Logger) (bool, error) {
	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	conn, err := t.dial(dctx, target, header)
	cancel()

	if err != nil {
		return false, fmt.Errorf("dialing push channel: %w", err)
	}

	conn.SetReadLimit(maxFrameBytes)

	if !t.setState(gen, ConnState{Status: ConnOpen, HandshakeID: handshakeID}, conn) {
		_ = conn.Close(websocket.StatusNormalClosure, "superseded")
		return false, nil
	}

	logger.Info("push connected")

	err = t.readLoop(ctx, conn, handshakeID, logger)

	t.mu.Lock()
	if t.gen == gen {
		t.conn = nil
	}
	t.mu.Unlock()

	return true, err
}

// readLoop dispatches frames until a read error. Pushed messages that omit
// their handshake id belong to the bound handshake.
func (t *Transport) readLoop(ctx context.Context, conn wsConn, handshakeID string, logger *slog.Logger) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		if typ == websocket.MessageBinary {
			logger.Debug("unexpected binary frame", slog.Int("bytes", len(data)))
			continue
		}

		env, err := decodeEnvelope(data)
		if err != nil {
			logger.Debug("skipping unparseable frame",
				slog.Int("bytes", len(data)),
				slog.String("error", err.Error()),
			)

			continue
		}

		switch env.Type {
		case frameChatMessage:
			if env.Message.HandshakeID == "" {
				env.Message.HandshakeID = handshakeID
			}

			if t.handlers.OnMessage != nil {
				t.handlers.OnMessage(env.Message)
			}
		case frameError:
			logger.Warn("push channel error", slog.String("error", env.Error))

			if t.handlers.OnError != nil {
				t.handlers.OnError(env.Error)
			}
		default:
			logger.Debug("ignoring frame", slog.String("type", env.Type))
		}
	}
}

func isDeliberateClose(err error) bool {
	return err != nil && websocket.CloseStatus(err) == websocket.StatusNormalClosure
}

func errString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
