package typing

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nestly/inbox/internal/timers"
	"github.com/nestly/inbox/internal/wire"
)

const DefaultIdle = 3000 * time.Millisecond

// Emitter sends frames on the event stream.
type Emitter interface {
	Emit(event string, data any) error
}

// Resolver maps a thread key to the routing fields of typing frames.
type Resolver func(threadKey string) wire.ThreadRef

// Options configures a Coordinator.
type Options struct {
	UserID    string
	UserName  string
	Emitter   Emitter
	Scheduler *timers.Scheduler
	Idle      time.Duration
	Resolve   Resolver
	Logger    *zap.Logger
}

// Coordinator debounces local keystrokes into one start signal per burst
// and a stop signal after the idle window, on send or on thread switch.
type Coordinator struct {
	opts   Options
	logger *zap.Logger

	mu        sync.Mutex
	signaling map[string]bool
	current   string
}

func New(opts Options) *Coordinator {
	if opts.Scheduler == nil {
		opts.Scheduler = timers.NewScheduler(nil)
	}
	if opts.Idle <= 0 {
		opts.Idle = DefaultIdle
	}
	if opts.Resolve == nil {
		opts.Resolve = func(key string) wire.ThreadRef { return wire.ThreadRef{To: key} }
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{opts: opts, logger: logger, signaling: make(map[string]bool)}
}

func timerKey(threadKey string) timers.Key {
	return timers.Key{Scope: threadKey, Kind: timers.LocalTyping}
}

// OnLocalInput records a keystroke in the thread.
func (c *Coordinator) OnLocalInput(threadKey string) {
	if threadKey == "" {
		return
	}
	var stopped string
	c.mu.Lock()
	if c.current != "" && c.current != threadKey {
		if c.stopLocked(c.current) {
			stopped = c.current
		}
	}
	c.current = threadKey
	start := !c.signaling[threadKey]
	c.signaling[threadKey] = true
	c.opts.Scheduler.Schedule(timerKey(threadKey), c.opts.Idle, func() { c.expire(threadKey) })
	c.mu.Unlock()

	if stopped != "" {
		c.emit(stopped, false)
	}
	if start {
		c.emit(threadKey, true)
	}
}

// OnSend ends the typing burst because the message went out.
func (c *Coordinator) OnSend(threadKey string) {
	c.mu.Lock()
	stop := c.stopLocked(threadKey)
	c.mu.Unlock()
	if stop {
		c.emit(threadKey, false)
	}
}

// SwitchThread cancels typing in the previously open thread.
func (c *Coordinator) SwitchThread(threadKey string) {
	c.mu.Lock()
	prev := c.current
	stop := prev != "" && prev != threadKey && c.stopLocked(prev)
	c.current = threadKey
	c.mu.Unlock()
	if stop {
		c.emit(prev, false)
	}
}

// Stop ends every burst, e.g. on shutdown.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	var keys []string
	for key := range c.signaling {
		if c.stopLocked(key) {
			keys = append(keys, key)
		}
	}
	c.mu.Unlock()
	for _, key := range keys {
		c.emit(key, false)
	}
}

// Signaling reports whether a start was sent for the thread without a stop.
func (c *Coordinator) Signaling(threadKey string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.signaling[threadKey]
}

func (c *Coordinator) expire(threadKey string) {
	c.mu.Lock()
	stop := c.signaling[threadKey]
	delete(c.signaling, threadKey)
	c.mu.Unlock()
	if stop {
		c.emit(threadKey, false)
	}
}

// stopLocked clears the burst for a thread and reports whether a stop must
// be sent.
func (c *Coordinator) stopLocked(threadKey string) bool {
	c.opts.Scheduler.Cancel(timerKey(threadKey))
	was := c.signaling[threadKey]
	delete(c.signaling, threadKey)
	return was
}

func (c *Coordinator) emit(threadKey string, typing bool) {
	if c.opts.Emitter == nil {
		return
	}
	event := wire.EventTypingStop
	if typing {
		event = wire.EventTypingStart
	}
	payload := wire.TypingPayload{
		ThreadRef: c.opts.Resolve(threadKey),
		From:      c.opts.UserID,
		Name:      c.opts.UserName,
		IsTyping:  typing,
	}
	if err := c.opts.Emitter.Emit(event, payload); err != nil {
		c.logger.Debug("typing emit failed", zap.String("thread_key", threadKey), zap.Error(err))
	}
}
