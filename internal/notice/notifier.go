package notice

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nestly/inbox/internal/api"
	"github.com/nestly/inbox/internal/bus"
)

const flashFor = 5 * time.Second

// Notice is a user-facing message published on the bus.
type Notice struct {
	Text string
	Auth bool
}

// Notifier turns errors into user-facing notices. Authorization failures
// are reported once until ResetAuth; later ones are only logged.
type Notifier struct {
	bus    *bus.Bus
	logger *zap.Logger
	flash  Flash

	mu           sync.Mutex
	authReported bool
}

func New(b *bus.Bus, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{bus: b, logger: logger}
}

// Flash returns the latest notice for status bars.
func (n *Notifier) Flash() *Flash { return &n.flash }

// Error shows a plain error notice.
func (n *Notifier) Error(text string) {
	n.flash.Set(text, flashFor)
	n.bus.Emit(bus.KindNoticeError, Notice{Text: text})
}

// Report shows err under a short description of what failed. Context
// cancellation is not worth a notice.
func (n *Notifier) Report(what string, err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	if api.IsAuth(err) {
		n.Auth(err)
		return
	}
	n.logger.Warn(what, zap.Error(err))
	n.Error(what)
}

// Auth reports an authorization failure once per flow.
func (n *Notifier) Auth(err error) {
	n.mu.Lock()
	already := n.authReported
	n.authReported = true
	n.mu.Unlock()
	if already {
		n.logger.Debug("authorization failure already reported", zap.Error(err))
		return
	}
	n.logger.Error("authorization failed", zap.Error(err))
	text := "Session expired, please sign in again"
	n.flash.Set(text, flashFor)
	n.bus.Emit(bus.KindNoticeAuth, Notice{Text: text, Auth: true})
}

// ResetAuth re-arms the auth notice after a call succeeded.
func (n *Notifier) ResetAuth() {
	n.mu.Lock()
	n.authReported = false
	n.mu.Unlock()
}
