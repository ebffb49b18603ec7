package transport

import (
	"context"
	"errors"

	"github.com/nestly/inbox/internal/wire"
)

var (
	ErrNotConnected = errors.New("transport not connected")
	ErrClosed       = errors.New("transport closed")
	ErrUnauthorized = errors.New("event stream rejected credentials")
)

// Handlers receive stream activity. OnConnect fires after every successful
// dial, including reconnects; OnDisconnect after every drop.
type Handlers struct {
	OnFrame      func(wire.Frame)
	OnConnect    func()
	OnDisconnect func(error)
}

// Transport is the bidirectional event stream. It is owned by whoever calls
// Connect and must be released with Close.
type Transport interface {
	SetHandlers(Handlers)
	Connect(ctx context.Context) error
	Emit(event string, data any) error
	Close() error
}
