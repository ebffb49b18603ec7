package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nestly/inbox/internal/bus"
	"github.com/nestly/inbox/internal/status"
	"github.com/nestly/inbox/internal/wire"
)

const (
	writeWait       = 10 * time.Second
	maxFrameSize    = 1 << 20
	maxReconnectGap = 30 * time.Second
)

// WSOptions configures a WebSocket transport.
type WSOptions struct {
	URL            string
	Token          string
	ReconnectDelay time.Duration
	Dialer         *websocket.Dialer
	Logger         *zap.Logger
	Bus            *bus.Bus
}

// WS is a Transport over a WebSocket carrying JSON {event, data} frames. A
// dropped connection is redialed with exponential backoff until Close.
type WS struct {
	opts    WSOptions
	logger  *zap.Logger
	machine *status.Machine

	mu       sync.Mutex
	conn     *websocket.Conn
	handlers Handlers
	cancel   context.CancelFunc
	started  bool
	closed   bool
	done     chan struct{}

	writeMu sync.Mutex
}

func NewWS(opts WSOptions) *WS {
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WS{
		opts:    opts,
		logger:  logger,
		machine: status.NewMachine(opts.Bus),
		done:    make(chan struct{}),
	}
}

// State returns the connection state machine.
func (w *WS) State() *status.Machine { return w.machine }

func (w *WS) SetHandlers(h Handlers) {
	w.mu.Lock()
	w.handlers = h
	w.mu.Unlock()
}

// Connect starts the dial/read loop in the background. It returns at once;
// OnConnect reports when the stream is up.
func (w *WS) Connect(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if w.started {
		return nil
	}
	w.started = true
	ctx, w.cancel = context.WithCancel(ctx)
	go w.run(ctx)
	return nil
}

// Emit writes one frame. Frames are dropped with ErrNotConnected while the
// stream is down; callers re-send state from OnConnect.
func (w *WS) Emit(event string, data any) error {
	f, err := wire.NewFrame(event, data)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	payload, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}

	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("write %s: %w", event, err)
	}
	return nil
}

// Close stops reconnecting, closes the socket and waits for the loop to exit.
func (w *WS) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	started := w.started
	cancel := w.cancel
	conn := w.conn
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		w.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		w.writeMu.Unlock()
		_ = conn.Close()
	}
	if started {
		<-w.done
	}
	w.setState(status.Closed)
	return nil
}

func (w *WS) run(ctx context.Context) {
	defer close(w.done)
	delay := w.opts.ReconnectDelay
	for {
		w.setState(status.Connecting)
		conn, err := w.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, ErrUnauthorized) {
				w.logger.Error("event stream rejected token")
				w.setState(status.AuthRequired)
				w.handlersSnapshot().disconnect(err)
				return
			}
			w.logger.Warn("event stream dial failed", zap.Error(err), zap.Duration("retry_in", delay))
		} else {
			delay = w.opts.ReconnectDelay
			err = w.serve(ctx, conn)
			if ctx.Err() != nil {
				return
			}
			w.logger.Warn("event stream dropped", zap.Error(err))
		}

		w.setState(status.Reconnecting)
		select {
		case <-ctx.Done():
			return
		case <-time.After(jitter(delay)):
		}
		delay = min(delay*2, maxReconnectGap)
	}
}

func (w *WS) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if w.opts.Token != "" {
		header.Set("Authorization", "Bearer "+w.opts.Token)
	}
	conn, resp, err := w.opts.Dialer.DialContext(ctx, w.opts.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, ErrUnauthorized
		}
		return nil, err
	}
	conn.SetReadLimit(maxFrameSize)
	return conn, nil
}

// serve runs one connection until it drops.
func (w *WS) serve(ctx context.Context, conn *websocket.Conn) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	w.conn = conn
	w.mu.Unlock()

	w.setState(status.Connected)
	w.logger.Info("event stream connected", zap.String("url", w.opts.URL))
	h := w.handlersSnapshot()
	if h.OnConnect != nil {
		h.OnConnect()
	}

	err := w.readLoop(conn)

	w.mu.Lock()
	w.conn = nil
	w.mu.Unlock()
	_ = conn.Close()
	if ctx.Err() == nil {
		w.handlersSnapshot().disconnect(err)
	}
	return err
}

func (w *WS) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				w.logger.Warn("event stream read error", zap.Error(err))
			}
			return err
		}
		var f wire.Frame
		if err := json.Unmarshal(data, &f); err != nil || f.Event == "" {
			w.logger.Debug("ignoring invalid frame", zap.ByteString("raw", truncate(data, 200)))
			continue
		}
		if h := w.handlersSnapshot(); h.OnFrame != nil {
			h.OnFrame(f)
		}
	}
}

func (w *WS) handlersSnapshot() Handlers {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.handlers
}

func (h Handlers) disconnect(err error) {
	if h.OnDisconnect != nil {
		h.OnDisconnect(err)
	}
}

func (w *WS) setState(s status.State) {
	if w.machine.Current() == s {
		return
	}
	if err := w.machine.Transition(s); err != nil {
		w.logger.Debug("state transition skipped", zap.Error(err))
	}
}

func jitter(d time.Duration) time.Duration {
	return d + time.Duration(rand.Int64N(int64(d/4)+1))
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
