package outbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nestly/inbox/internal/api"
	"github.com/nestly/inbox/internal/notice"
	"github.com/nestly/inbox/internal/store"
	"github.com/nestly/inbox/internal/wire"
)

const defaultUploadLimit = 3

// API is the part of the REST client the pipeline needs.
type API interface {
	UploadAttachment(ctx context.Context, name string, r io.Reader) (wire.AttachmentRecord, error)
	SendMessage(ctx context.Context, req api.SendRequest) (wire.MessageRecord, error)
}

// ValidationError rejects a send before anything is stored or sent.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "invalid message: " + e.Reason }

// UploadError aborts a send because an attachment could not be uploaded.
// Attachments uploaded before the failure keep their URLs.
type UploadError struct {
	Name string
	Err  error
}

func (e *UploadError) Error() string { return fmt.Sprintf("upload %s: %v", e.Name, e.Err) }

func (e *UploadError) Unwrap() error { return e.Err }

var ErrUnknownThread = errors.New("unknown thread")

// Options configures a Pipeline.
type Options struct {
	UserID     string
	UserName   string
	API        API
	Messages   *store.Messages
	Threads    *store.Threads
	Normalizer *wire.Normalizer
	Notifier   *notice.Notifier
	// Lock serializes store updates with the rest of the client. Send and
	// Retry expect the caller to hold it already.
	Lock        sync.Locker
	UploadLimit int
	Now         func() time.Time
	Logger      *zap.Logger
}

// Pipeline sends messages optimistically: the message shows up as pending at
// once, attachments are uploaded, the message is posted, and the entry is
// settled as delivered or failed. A settled pipeline never leaves a message
// pending.
type Pipeline struct {
	opts   Options
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(opts Options) *Pipeline {
	if opts.UploadLimit <= 0 {
		opts.UploadLimit = defaultUploadLimit
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Lock == nil {
		opts.Lock = &sync.Mutex{}
	}
	if opts.Normalizer == nil {
		opts.Normalizer = wire.NewNormalizer(opts.UserID, opts.UserName)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pipeline{opts: opts, logger: logger}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	return p
}

// Start binds in-flight sends to ctx. Sends started before Start use a
// background context.
func (p *Pipeline) Start(ctx context.Context) {
	p.ctx, p.cancel = context.WithCancel(ctx)
}

// Stop cancels in-flight sends and waits for them to settle.
func (p *Pipeline) Stop() {
	p.cancel()
	p.wg.Wait()
}

// Wait blocks until every in-flight send has settled.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// Send inserts a pending message into the thread and sends it in the
// background. It returns the local id of the message.
func (p *Pipeline) Send(threadKey, content string, atts []store.Attachment, replyTo *store.ReplyRef) (string, error) {
	if strings.TrimSpace(content) == "" && len(atts) == 0 {
		return "", &ValidationError{Reason: "empty content and no attachments"}
	}
	if _, ok := p.opts.Threads.Get(threadKey); !ok {
		return "", fmt.Errorf("send to %s: %w", threadKey, ErrUnknownThread)
	}

	id := "local-" + uuid.NewString()
	m := store.Message{
		ID:          id,
		ClientID:    id,
		ThreadID:    threadKey,
		SenderID:    p.opts.UserID,
		SenderName:  p.opts.UserName,
		Content:     content,
		Attachments: localAttachments(atts),
		Timestamp:   p.opts.Now(),
		ReplyTo:     replyTo,
	}
	if err := p.opts.Messages.AppendPending(m); err != nil {
		return "", fmt.Errorf("queue message: %w", err)
	}
	p.opts.Threads.Touch(threadKey, m)
	p.logger.Debug("message queued", zap.String("client_msg_id", id), zap.String("thread_key", threadKey))

	p.wg.Add(1)
	go p.run(p.ctx, id)
	return id, nil
}

// Retry resends a failed message with its original content. Attachments
// that already have a URL are not uploaded again.
func (p *Pipeline) Retry(id string) error {
	if _, err := p.opts.Messages.Requeue(id); err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	p.logger.Info("retrying message", zap.String("client_msg_id", id))
	p.wg.Add(1)
	go p.run(p.ctx, id)
	return nil
}

func (p *Pipeline) run(ctx context.Context, id string) {
	defer p.wg.Done()

	p.opts.Lock.Lock()
	m, ok := p.opts.Messages.Get(id)
	thread, _ := p.opts.Threads.Get(m.ThreadID)
	p.opts.Lock.Unlock()
	if !ok {
		return
	}

	settled := false
	defer func() {
		if !settled {
			p.fail(id, errors.New("send interrupted"))
		}
	}()

	atts, err := p.upload(ctx, m.Attachments)
	p.opts.Lock.Lock()
	_ = p.opts.Messages.UpdateAttachments(id, atts)
	p.opts.Lock.Unlock()
	if err != nil {
		p.fail(id, err)
		settled = true
		return
	}

	req := api.SendRequest{
		To:          thread.CounterpartID,
		Text:        m.Content,
		BookingID:   thread.Context.BookingID,
		Attachments: descriptors(atts),
	}
	if m.ReplyTo != nil {
		req.ReplyTo = m.ReplyTo.ID
	}
	rec, err := p.opts.API.SendMessage(ctx, req)
	if err != nil {
		p.fail(id, err)
		settled = true
		return
	}

	var server store.Message
	if msgs := p.opts.Normalizer.History(m.ThreadID, []wire.MessageRecord{rec}); len(msgs) == 1 && rec.ServerID() != "" {
		server = msgs[0]
	}

	p.opts.Lock.Lock()
	acked, err := p.opts.Messages.Ack(id, server)
	if err == nil {
		p.opts.Threads.Touch(m.ThreadID, acked)
	}
	p.opts.Lock.Unlock()
	settled = true
	if err != nil {
		p.logger.Error("ack failed", zap.String("client_msg_id", id), zap.Error(err))
		return
	}
	if p.opts.Notifier != nil {
		p.opts.Notifier.ResetAuth()
	}
	p.logger.Info("message sent", zap.String("client_msg_id", id), zap.String("server_msg_id", acked.ID))
}

func (p *Pipeline) fail(id string, cause error) {
	p.logger.Warn("message failed", zap.String("client_msg_id", id), zap.Error(cause))
	p.opts.Lock.Lock()
	err := p.opts.Messages.Fail(id, cause)
	p.opts.Lock.Unlock()
	if err != nil {
		p.logger.Debug("fail skipped", zap.String("client_msg_id", id), zap.Error(err))
	}
	if p.opts.Notifier != nil && api.IsAuth(cause) {
		p.opts.Notifier.Auth(cause)
	}
}

// upload uploads every attachment that only exists locally. One failed file
// does not stop the others; the returned slice reflects every upload that
// completed, even when err is set.
func (p *Pipeline) upload(ctx context.Context, atts []store.Attachment) ([]store.Attachment, error) {
	out := append([]store.Attachment(nil), atts...)
	var g errgroup.Group
	g.SetLimit(p.opts.UploadLimit)
	for i := range out {
		a := out[i]
		if a.Uploaded() || a.Local == nil {
			continue
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return &UploadError{Name: a.Name, Err: err}
			}
			rc, err := a.Local.Open()
			if err != nil {
				return &UploadError{Name: a.Name, Err: err}
			}
			defer rc.Close()
			rec, err := p.opts.API.UploadAttachment(ctx, a.Name, rc)
			if err != nil {
				return &UploadError{Name: a.Name, Err: err}
			}
			out[i] = uploaded(a, rec)
			p.logger.Debug("attachment uploaded", zap.String("name", a.Name), zap.String("url", rec.URL))
			return nil
		})
	}
	return out, g.Wait()
}

func localAttachments(atts []store.Attachment) []store.Attachment {
	out := make([]store.Attachment, 0, len(atts))
	for _, a := range atts {
		if a.Name == "" && a.Local != nil {
			a.Name = a.Local.Name()
		}
		if !a.IsImage {
			a.IsImage = store.IsImageType(a.MimeType)
		}
		out = append(out, a)
	}
	return out
}

func uploaded(local store.Attachment, rec wire.AttachmentRecord) store.Attachment {
	a := wire.Attachment(rec)
	if a.Name == "" {
		a.Name = local.Name
	}
	if a.MimeType == "" {
		a.MimeType = local.MimeType
	}
	a.IsImage = a.IsImage || local.IsImage
	return a
}

func descriptors(atts []store.Attachment) []wire.AttachmentRecord {
	out := make([]wire.AttachmentRecord, 0, len(atts))
	for _, a := range atts {
		out = append(out, wire.AttachmentRecord{URL: a.URL, Name: a.Name, Mime: a.MimeType, IsImage: a.IsImage})
	}
	return out
}
