package sync

import (
	"context"
	gosync "sync"

	"go.uber.org/zap"

	"github.com/nestly/inbox/internal/api"
	"github.com/nestly/inbox/internal/notice"
	"github.com/nestly/inbox/internal/store"
	"github.com/nestly/inbox/internal/wire"
)

// Source is the REST surface the loader reads from.
type Source interface {
	ListThreads(ctx context.Context) ([]wire.ThreadRecord, error)
	ListMessages(ctx context.Context, counterpartID, bookingID string) ([]wire.MessageRecord, error)
	MarkRead(ctx context.Context, req api.MarkReadRequest) error
}

// DeepLink names the conversation to open at startup.
type DeepLink struct {
	CounterpartID   string
	CounterpartName string
	BookingID       string
}

func (d DeepLink) empty() bool { return d.CounterpartID == "" && d.BookingID == "" }

// LoaderOptions configures a Loader.
type LoaderOptions struct {
	Source     Source
	Normalizer *wire.Normalizer
	Messages   *store.Messages
	Threads    *store.Threads
	Notifier   *notice.Notifier
	// Lock is held while results are applied to the stores.
	Lock   gosync.Locker
	Logger *zap.Logger
}

// Loader seeds the stores from the REST history API. Failures never escape:
// the caller gets an empty result and the user gets a notice.
type Loader struct {
	opts   LoaderOptions
	logger *zap.Logger
}

func NewLoader(opts LoaderOptions) *Loader {
	if opts.Lock == nil {
		opts.Lock = &gosync.Mutex{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{opts: opts, logger: logger}
}

// LoadThreads replaces the thread list with the server's and, when link is
// set, opens the conversation it names, creating it if the server has none.
func (l *Loader) LoadThreads(ctx context.Context, link DeepLink) []store.Thread {
	recs, err := l.opts.Source.ListThreads(ctx)
	var threads []store.Thread
	if err != nil {
		l.report("Could not load conversations", err)
	} else {
		threads = l.opts.Normalizer.Threads(recs)
		l.logger.Info("threads loaded", zap.Int("count", len(threads)))
	}

	l.opts.Lock.Lock()
	defer l.opts.Lock.Unlock()
	if err == nil {
		l.opts.Threads.Replace(threads)
	}
	if !link.empty() {
		l.openLocked(link)
	}
	if err != nil {
		return nil
	}
	return l.opts.Threads.List()
}

func (l *Loader) openLocked(link DeepLink) {
	if link.BookingID != "" {
		if t, ok := l.opts.Threads.Get(link.BookingID); ok {
			l.opts.Threads.Select(t.ID)
			return
		}
	}
	if link.CounterpartID == "" {
		l.logger.Warn("deep link names an unknown booking", zap.String("booking_id", link.BookingID))
		return
	}
	t := l.opts.Threads.StartNew(link.CounterpartID, link.CounterpartName, link.BookingID)
	l.logger.Info("opened deep link", zap.String("thread_key", t.ID))
}

// LoadMessages fetches the history of a thread and seeds the message log.
// The result is dropped if another thread became active in the meantime.
// Loading a thread marks it read locally and on the server.
func (l *Loader) LoadMessages(ctx context.Context, threadID string) []store.Message {
	l.opts.Lock.Lock()
	th, ok := l.opts.Threads.Get(threadID)
	l.opts.Lock.Unlock()
	if !ok {
		return nil
	}

	recs, err := l.opts.Source.ListMessages(ctx, th.CounterpartID, th.Context.BookingID)
	if err != nil {
		l.report("Could not load messages", err)
		return nil
	}
	history := l.opts.Normalizer.History(threadID, recs)

	l.opts.Lock.Lock()
	if !l.opts.Threads.IsActive(threadID) {
		l.opts.Lock.Unlock()
		l.logger.Debug("discarding history for inactive thread", zap.String("thread_key", threadID))
		return nil
	}
	l.opts.Messages.Seed(threadID, history)
	l.opts.Threads.MarkRead(threadID)
	list := l.opts.Messages.List(threadID)
	l.opts.Lock.Unlock()

	l.markRead(ctx, th)
	return list
}

func (l *Loader) markRead(ctx context.Context, th store.Thread) {
	req := api.MarkReadRequest{SenderID: th.CounterpartID}
	if th.Context.BookingID != "" {
		req = api.MarkReadRequest{BookingID: th.Context.BookingID}
	}
	err := l.opts.Source.MarkRead(ctx, req)
	switch {
	case err == nil:
		if l.opts.Notifier != nil {
			l.opts.Notifier.ResetAuth()
		}
	case api.IsAuth(err) && l.opts.Notifier != nil:
		l.opts.Notifier.Auth(err)
	default:
		l.logger.Warn("mark read failed", zap.String("thread_key", th.ID), zap.Error(err))
	}
}

func (l *Loader) report(what string, err error) {
	if l.opts.Notifier == nil {
		l.logger.Warn(what, zap.Error(err))
		return
	}
	l.opts.Notifier.Report(what, err)
}
