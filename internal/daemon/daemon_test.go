package daemon

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/nestly/inbox/internal/auth"
	"github.com/nestly/inbox/internal/bus"
	"github.com/nestly/inbox/internal/config"
	"github.com/nestly/inbox/internal/control"
	"github.com/nestly/inbox/internal/lock"
	"github.com/nestly/inbox/internal/session"
	"github.com/nestly/inbox/internal/status"
	"github.com/nestly/inbox/internal/store"
)

const testSecret = "s3cret"

// shortTempDir keeps socket paths under the 104-char Unix socket limit.
func shortTempDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "inbox-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

// backend serves the REST API and the event stream.
func backend(t *testing.T) (apiURL, wsURL string) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/messages/threads", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"threads":[{"userId":"U1","name":"Ana","unreadCount":2,"updatedAt":"2026-03-01T10:00:00Z"}]}`)
	})
	mux.HandleFunc("GET /api/messages", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"messages":[]}`)
	})
	mux.HandleFunc("PATCH /api/messages/read", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	rest := httptest.NewServer(mux)
	t.Cleanup(rest.Close)

	var (
		mu    sync.Mutex
		conns []*websocket.Conn
	)
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	stream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		mu.Lock()
		conns = append(conns, conn)
		mu.Unlock()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(func() {
		mu.Lock()
		for _, c := range conns {
			_ = c.Close()
		}
		mu.Unlock()
		stream.Close()
	})
	return rest.URL + "/api", "ws" + strings.TrimPrefix(stream.URL, "http")
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	apiURL, wsURL := backend(t)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.Claims{UserID: "me", Name: "Me"}).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatal(err)
	}
	cfg := config.Default()
	cfg.APIBaseURL = apiURL
	cfg.SocketURL = wsURL
	cfg.Token = token
	cfg.TokenSecret = testSecret
	cfg.RetryBaseDelay = config.Duration{Duration: time.Millisecond}
	return cfg
}

func waitServing(t *testing.T, c *control.Client, want healthpb.HealthCheckResponse_ServingStatus) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	var got healthpb.HealthCheckResponse_ServingStatus
	for time.Now().Before(deadline) {
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		st, err := c.Serving(ctx)
		cancel()
		if err == nil && st == want {
			return
		}
		got = st
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("health = %v, want %v", got, want)
}

func TestModuleLifecycle(t *testing.T) {
	t.Setenv(session.HomeEnv, shortTempDir(t))
	app := fxtest.New(t, Module(Params{Profile: "test", Config: testConfig(t)}))
	app.RequireStart()

	if owner, _ := lock.Inspect(session.Dir("test")); owner.PID != os.Getpid() {
		t.Errorf("lock holder = %d, want %d", owner.PID, os.Getpid())
	}

	c, err := control.Dial(session.SocketPath("test"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = c.Close() }()
	waitServing(t, c, healthpb.HealthCheckResponse_SERVING)

	ctx := context.Background()
	st, err := c.Status(ctx)
	if err != nil {
		t.Fatalf("Status error = %v", err)
	}
	f := st.GetFields()
	if f["profile"].GetStringValue() != "test" || f["user_id"].GetStringValue() != "me" {
		t.Errorf("status = %v", st)
	}
	if f["state"].GetStringValue() != string(status.Connected) {
		t.Errorf("state = %q", f["state"].GetStringValue())
	}
	if f["thread_count"].GetNumberValue() != 1 || f["unread_total"].GetNumberValue() != 2 {
		t.Errorf("counts = %v", st)
	}

	threads, err := c.Threads(ctx)
	if err != nil {
		t.Fatalf("Threads error = %v", err)
	}
	rows := threads.GetFields()["threads"].GetListValue().GetValues()
	if len(rows) != 1 {
		t.Fatalf("threads = %v", threads)
	}
	row := rows[0].GetStructValue().GetFields()
	if row["id"].GetStringValue() != "U1" || row["counterpart_name"].GetStringValue() != "Ana" {
		t.Errorf("thread = %v", row)
	}

	app.RequireStop()
	if owner, open := lock.Inspect(session.Dir("test")); open {
		t.Errorf("lock still held by %d after stop", owner.PID)
	}
	if _, err := os.Stat(session.SocketPath("test")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("socket left behind: %v", err)
	}
}

func TestModuleRejectsSecondInstance(t *testing.T) {
	t.Setenv(session.HomeEnv, shortTempDir(t))
	cfg := testConfig(t)
	first := fxtest.New(t, Module(Params{Profile: "dup", Config: cfg}))
	first.RequireStart()
	defer first.RequireStop()

	second := fx.New(Module(Params{Profile: "dup", Config: cfg}), fx.NopLogger)
	var held *lock.LockHeldError
	if !errors.As(second.Err(), &held) {
		t.Fatalf("err = %v, want LockHeldError", second.Err())
	}
	if held.PID != os.Getpid() {
		t.Errorf("pid = %d", held.PID)
	}
}

func TestModuleRejectsInvalidConfig(t *testing.T) {
	t.Setenv(session.HomeEnv, shortTempDir(t))
	app := fx.New(Module(Params{Profile: "bad", Config: config.Default()}), fx.NopLogger)
	if err := app.Err(); err == nil || !strings.Contains(err.Error(), "token is required") {
		t.Errorf("err = %v", err)
	}
}

type fakeInbox struct{}

func (fakeInbox) Identity() auth.Identity { return auth.Identity{UserID: "me"} }
func (fakeInbox) Threads() []store.Thread { return nil }
func (fakeInbox) Active() string          { return "" }
func (fakeInbox) Connected() bool         { return false }
func (fakeInbox) IsOnline(string) bool    { return false }

func TestServerHealthFollowsTransport(t *testing.T) {
	socketPath := filepath.Join(shortTempDir(t), "c.sock")
	b := bus.New()
	srv, err := NewServer(Params{Profile: "t", SocketPath: socketPath}, zap.NewNop(), b, control.NewService("t", fakeInbox{}, nil))
	if err != nil {
		t.Fatal(err)
	}
	go func() { _ = srv.Start() }()

	info, err := os.Stat(socketPath)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("socket mode = %o, want 600", perm)
	}

	c, err := control.Dial(socketPath)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = c.Close() }()

	waitServing(t, c, healthpb.HealthCheckResponse_NOT_SERVING)
	b.Emit(bus.KindTransportStatus, status.StatusChange{From: status.Connecting, To: status.Connected})
	waitServing(t, c, healthpb.HealthCheckResponse_SERVING)
	b.Emit(bus.KindTransportStatus, status.StatusChange{From: status.Connected, To: status.Reconnecting})
	waitServing(t, c, healthpb.HealthCheckResponse_NOT_SERVING)

	srv.Stop(context.Background())
	if _, err := os.Stat(socketPath); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("socket left behind: %v", err)
	}
}
