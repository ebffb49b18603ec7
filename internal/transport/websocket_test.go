package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nestly/inbox/internal/status"
	"github.com/nestly/inbox/internal/wire"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// fakeServer accepts stream connections and records frames clients send.
type fakeServer struct {
	mu     sync.Mutex
	conns  []*websocket.Conn
	frames chan wire.Frame
}

func newFakeServer(t *testing.T) (*fakeServer, string) {
	t.Helper()
	fs := &fakeServer{frames: make(chan wire.Frame, 16)}
	srv := httptest.NewServer(http.HandlerFunc(fs.handle))
	t.Cleanup(func() {
		fs.mu.Lock()
		for _, c := range fs.conns {
			_ = c.Close()
		}
		fs.mu.Unlock()
		srv.Close()
	})
	return fs, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func (fs *fakeServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer tok" {
		http.Error(w, "nope", http.StatusUnauthorized)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	fs.mu.Lock()
	fs.conns = append(fs.conns, conn)
	fs.mu.Unlock()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f wire.Frame
		if json.Unmarshal(data, &f) == nil {
			fs.frames <- f
		}
	}
}

// connAt waits for the idx-th accepted connection.
func (fs *fakeServer) connAt(t *testing.T, idx int) *websocket.Conn {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		fs.mu.Lock()
		if len(fs.conns) > idx {
			c := fs.conns[idx]
			fs.mu.Unlock()
			return c
		}
		fs.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("connection %d never arrived", idx)
	return nil
}

func (fs *fakeServer) push(t *testing.T, idx int, raw string) {
	t.Helper()
	conn := fs.connAt(t, idx)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
		t.Fatal(err)
	}
}

func (fs *fakeServer) drop(t *testing.T, idx int) {
	t.Helper()
	_ = fs.connAt(t, idx).Close()
}

type recorder struct {
	connects    chan struct{}
	disconnects chan error
	frames      chan wire.Frame
}

func newRecorder() *recorder {
	return &recorder{
		connects:    make(chan struct{}, 8),
		disconnects: make(chan error, 8),
		frames:      make(chan wire.Frame, 8),
	}
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnFrame:      func(f wire.Frame) { r.frames <- f },
		OnConnect:    func() { r.connects <- struct{}{} },
		OnDisconnect: func(err error) { r.disconnects <- err },
	}
}

func wait[T any](t *testing.T, ch chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for %s", what)
	}
	var zero T
	return zero
}

func TestWSReceiveAndEmit(t *testing.T) {
	fs, url := newFakeServer(t)
	ws := NewWS(WSOptions{URL: url, Token: "tok", Logger: zap.NewNop()})
	rec := newRecorder()
	ws.SetHandlers(rec.handlers())
	if err := ws.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer ws.Close()

	wait(t, rec.connects, "connect")
	if ws.State().Current() != status.Connected {
		t.Errorf("state = %s", ws.State().Current())
	}

	fs.push(t, 0, `{"event":"user-online","data":"U1"}`)
	fs.push(t, 0, `not json`)
	fs.push(t, 0, `{"event":"typing","data":{"from":"U1"}}`)
	if f := wait(t, rec.frames, "frame"); f.Event != "user-online" || string(f.Data) != `"U1"` {
		t.Errorf("frame = %+v", f)
	}
	if f := wait(t, rec.frames, "frame"); f.Event != "typing" {
		t.Errorf("invalid frame not skipped: %+v", f)
	}

	if err := ws.Emit(wire.EventJoinThread, wire.ThreadRef{To: "U1"}); err != nil {
		t.Fatal(err)
	}
	f := wait(t, fs.frames, "server frame")
	if f.Event != wire.EventJoinThread || string(f.Data) != `{"to":"U1"}` {
		t.Errorf("server got %s %s", f.Event, f.Data)
	}
}

func TestWSReconnectsAfterDrop(t *testing.T) {
	fs, url := newFakeServer(t)
	ws := NewWS(WSOptions{URL: url, Token: "tok", ReconnectDelay: 10 * time.Millisecond})
	rec := newRecorder()
	ws.SetHandlers(rec.handlers())
	if err := ws.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer ws.Close()

	wait(t, rec.connects, "first connect")
	fs.drop(t, 0)
	wait(t, rec.disconnects, "disconnect")
	wait(t, rec.connects, "reconnect")

	fs.push(t, 1, `{"event":"online-users","data":[]}`)
	if f := wait(t, rec.frames, "frame after reconnect"); f.Event != "online-users" {
		t.Errorf("frame = %+v", f)
	}
}

func TestWSUnauthorizedStops(t *testing.T) {
	_, url := newFakeServer(t)
	ws := NewWS(WSOptions{URL: url, Token: "bad"})
	rec := newRecorder()
	ws.SetHandlers(rec.handlers())
	if err := ws.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	err := wait(t, rec.disconnects, "auth failure")
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("err = %v, want ErrUnauthorized", err)
	}
	<-ws.done
	if ws.State().Current() != status.AuthRequired {
		t.Errorf("state = %s, want AUTH_REQUIRED", ws.State().Current())
	}
	if err := ws.Close(); err != nil {
		t.Fatal(err)
	}
	if ws.State().Current() != status.Closed {
		t.Errorf("state after close = %s", ws.State().Current())
	}
}

func TestWSEmitWhileDown(t *testing.T) {
	ws := NewWS(WSOptions{URL: "ws://127.0.0.1:1"})
	if err := ws.Emit(wire.EventPresenceQuery, nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
	if err := ws.Close(); err != nil {
		t.Fatal(err)
	}
	if err := ws.Connect(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("connect after close err = %v", err)
	}
}
