// Package inbox is the session facade of the messaging client. It owns the
// stores, the event stream and the background workers, and applies every
// mutation under one lock so each frame, REST completion or user action is
// one atomic turn.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nestly/inbox/internal/auth"
	"github.com/nestly/inbox/internal/bus"
	"github.com/nestly/inbox/internal/notice"
	"github.com/nestly/inbox/internal/outbox"
	"github.com/nestly/inbox/internal/presence"
	"github.com/nestly/inbox/internal/store"
	intsync "github.com/nestly/inbox/internal/sync"
	"github.com/nestly/inbox/internal/timers"
	"github.com/nestly/inbox/internal/transport"
	"github.com/nestly/inbox/internal/typing"
	"github.com/nestly/inbox/internal/wire"
)

var (
	ErrUnknownThread = errors.New("unknown thread")
	ErrClosed        = errors.New("client closed")
)

// API is the REST surface the client needs.
type API interface {
	intsync.Source
	outbox.API
}

// Options configures a Client.
type Options struct {
	Identity        auth.Identity
	API             API
	Transport       transport.Transport
	Bus             *bus.Bus
	Scheduler       *timers.Scheduler
	TypingIdle      time.Duration
	TypingExpiry    time.Duration
	PresenceTimeout time.Duration
	Logger          *zap.Logger
}

// DeepLink names the conversation to open at startup.
type DeepLink = intsync.DeepLink

type Client struct {
	opts   Options
	logger *zap.Logger

	bus      *bus.Bus
	sched    *timers.Scheduler
	norm     *wire.Normalizer
	messages *store.Messages
	threads  *store.Threads
	notifier *notice.Notifier
	presence *presence.Tracker
	typing   *typing.Coordinator
	engine   *intsync.Engine
	loader   *intsync.Loader
	outbox   *outbox.Pipeline

	mu        sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	joined    string
	connected bool
	closed    bool

	loads sync.WaitGroup
}

func New(opts Options) (*Client, error) {
	if opts.Identity.UserID == "" {
		return nil, fmt.Errorf("new client: %w", auth.ErrNoUser)
	}
	if opts.API == nil || opts.Transport == nil {
		return nil, errors.New("new client: api and transport are required")
	}
	if opts.Scheduler == nil {
		opts.Scheduler = timers.NewScheduler(nil)
	}
	if opts.Bus == nil {
		opts.Bus = bus.New()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Client{
		opts:     opts,
		logger:   logger,
		bus:      opts.Bus,
		sched:    opts.Scheduler,
		messages: store.NewMessages(opts.Bus),
		threads:  store.NewThreads(opts.Scheduler, opts.Bus, opts.TypingExpiry),
		notifier: notice.New(opts.Bus, logger),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.threads.SetLock(&c.mu)

	id := opts.Identity
	c.norm = wire.NewNormalizer(id.UserID, id.UserName)
	c.norm.Now = c.sched.Now
	c.norm.Lookup = c.messages.Get

	c.presence = presence.New(presence.Options{
		UserID:          id.UserID,
		UserName:        id.UserName,
		Emitter:         opts.Transport,
		Scheduler:       c.sched,
		SnapshotTimeout: opts.PresenceTimeout,
		Bus:             opts.Bus,
		Logger:          logger.Named("presence"),
	})
	c.typing = typing.New(typing.Options{
		UserID:    id.UserID,
		UserName:  id.UserName,
		Emitter:   opts.Transport,
		Scheduler: c.sched,
		Idle:      opts.TypingIdle,
		Resolve:   c.resolve,
		Logger:    logger.Named("typing"),
	})
	c.engine = intsync.NewEngine(id.UserID, c.messages, c.threads, c.presence, logger.Named("sync"))
	c.loader = intsync.NewLoader(intsync.LoaderOptions{
		Source:     opts.API,
		Normalizer: c.norm,
		Messages:   c.messages,
		Threads:    c.threads,
		Notifier:   c.notifier,
		Lock:       &c.mu,
		Logger:     logger.Named("loader"),
	})
	c.outbox = outbox.New(outbox.Options{
		UserID:     id.UserID,
		UserName:   id.UserName,
		API:        opts.API,
		Messages:   c.messages,
		Threads:    c.threads,
		Normalizer: c.norm,
		Notifier:   c.notifier,
		Lock:       &c.mu,
		Now:        c.sched.Now,
		Logger:     logger.Named("outbox"),
	})
	return c, nil
}

// Start loads the thread list, opens the deep-linked conversation if any and
// connects the event stream.
func (c *Client) Start(ctx context.Context, link DeepLink) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()
	c.outbox.Start(c.ctx)

	threads := c.loader.LoadThreads(c.ctx, link)
	c.logger.Info("inbox started", zap.Int("threads", len(threads)), zap.String("user_id", c.opts.Identity.UserID))

	if active := c.threads.Active(); active != "" {
		c.mu.Lock()
		c.typing.SwitchThread(active)
		c.joinLocked(active)
		c.mu.Unlock()
		c.load(active)
	}

	c.opts.Transport.SetHandlers(transport.Handlers{
		OnFrame:      c.HandleFrame,
		OnConnect:    c.HandleConnect,
		OnDisconnect: c.HandleDisconnect,
	})
	if err := c.opts.Transport.Connect(c.ctx); err != nil {
		return fmt.Errorf("connect event stream: %w", err)
	}
	return nil
}

// HandleFrame normalizes and applies one stream frame.
func (c *Client) HandleFrame(f wire.Frame) {
	ev, err := c.norm.Normalize(f)
	if err != nil {
		c.logger.Debug("dropping frame", zap.String("event", f.Event), zap.Error(err))
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.engine.Apply(ev)
}

// HandleConnect re-announces presence and rejoins the open thread after
// every (re)connect.
func (c *Client) HandleConnect() {
	c.mu.Lock()
	c.connected = true
	c.joined = ""
	if active := c.threads.Active(); active != "" {
		c.joinLocked(active)
	}
	c.mu.Unlock()
	c.presence.OnConnect()
}

// HandleDisconnect forgets presence. A rejected token is reported once.
func (c *Client) HandleDisconnect(err error) {
	c.mu.Lock()
	c.connected = false
	c.joined = ""
	c.mu.Unlock()
	c.presence.OnDisconnect()
	if errors.Is(err, transport.ErrUnauthorized) {
		c.notifier.Auth(err)
	}
}

// SelectThread opens a thread: it becomes active, its unread count resets
// and its history is loaded in the background.
func (c *Client) SelectThread(id string) error {
	c.mu.Lock()
	if !c.threads.Select(id) {
		c.mu.Unlock()
		return fmt.Errorf("select %s: %w", id, ErrUnknownThread)
	}
	c.typing.SwitchThread(id)
	c.joinLocked(id)
	c.mu.Unlock()
	c.load(id)
	return nil
}

// StartNewThread opens the conversation with a counterpart, creating an
// empty one if none exists.
func (c *Client) StartNewThread(counterpartID, counterpartName, bookingID string) store.Thread {
	c.mu.Lock()
	t := c.threads.StartNew(counterpartID, counterpartName, bookingID)
	c.typing.SwitchThread(t.ID)
	c.joinLocked(t.ID)
	c.mu.Unlock()
	c.load(t.ID)
	return t
}

// CloseThread leaves the open thread.
func (c *Client) CloseThread() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.typing.SwitchThread("")
	c.leaveLocked()
	c.threads.Deselect()
}

// Send queues a message for the thread and returns its local id.
func (c *Client) Send(threadKey, content string, atts []store.Attachment, replyTo *store.ReplyRef) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", ErrClosed
	}
	id, err := c.outbox.Send(threadKey, content, atts, replyTo)
	if err != nil {
		return "", err
	}
	c.typing.OnSend(threadKey)
	return id, nil
}

// Retry resends a failed message.
func (c *Client) Retry(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return c.outbox.Retry(id)
}

// Typing records a local keystroke in the thread. It does nothing once the
// client is closed.
func (c *Client) Typing(threadKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.typing.OnLocalInput(threadKey)
}

// RemoveForMe hides a message locally.
func (c *Client) RemoveForMe(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.messages.RemoveForMe(id)
}

func (c *Client) IsOnline(userID string) bool { return c.presence.IsOnline(userID) }

// Online returns the ids of every user currently seen online.
func (c *Client) Online() []string { return c.presence.Online() }

func (c *Client) Threads() []store.Thread { return c.threads.List() }

func (c *Client) Thread(id string) (store.Thread, bool) { return c.threads.Get(id) }

func (c *Client) Active() string { return c.threads.Active() }

func (c *Client) Messages(threadKey string) []store.Message { return c.messages.List(threadKey) }

func (c *Client) Message(id string) (store.Message, bool) { return c.messages.Get(id) }

func (c *Client) Bus() *bus.Bus { return c.bus }

func (c *Client) Notifier() *notice.Notifier { return c.notifier }

func (c *Client) Identity() auth.Identity { return c.opts.Identity }

// Connected reports whether the event stream is up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Wait blocks until in-flight sends and history loads have settled.
func (c *Client) Wait() {
	c.outbox.Wait()
	c.loads.Wait()
}

// Close ends typing, leaves the open thread, settles in-flight sends and
// releases the event stream and every timer.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.typing.Stop()
	c.leaveLocked()
	c.closed = true
	c.mu.Unlock()

	err := c.opts.Transport.Close()
	c.cancel()
	c.outbox.Stop()
	c.loads.Wait()
	c.sched.Stop()
	c.logger.Info("inbox closed")
	return err
}

func (c *Client) load(id string) {
	c.loads.Add(1)
	go func() {
		defer c.loads.Done()
		c.loader.LoadMessages(c.ctx, id)
	}()
}

// resolve maps a thread key to the routing fields of outgoing frames.
func (c *Client) resolve(key string) wire.ThreadRef {
	t, ok := c.threads.Get(key)
	if !ok {
		return wire.ThreadRef{To: key}
	}
	return wire.ThreadRef{To: t.CounterpartID, BookingID: t.Context.BookingID}
}

func (c *Client) joinLocked(id string) {
	if c.joined == id {
		return
	}
	c.leaveLocked()
	if err := c.opts.Transport.Emit(wire.EventJoinThread, c.resolve(id)); err != nil {
		c.logger.Debug("join deferred until connected", zap.String("thread_key", id), zap.Error(err))
		return
	}
	c.joined = id
}

func (c *Client) leaveLocked() {
	if c.joined == "" {
		return
	}
	if err := c.opts.Transport.Emit(wire.EventLeaveThread, c.resolve(c.joined)); err != nil {
		c.logger.Debug("leave failed", zap.String("thread_key", c.joined), zap.Error(err))
	}
	c.joined = ""
}
