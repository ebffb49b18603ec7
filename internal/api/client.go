package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/nestly/inbox/internal/wire"
)

const maxErrorBody = 4 << 10

// Options configures a Client. Zero values fall back to defaults.
type Options struct {
	BaseURL           string
	Token             string
	Timeout           time.Duration
	MaxRetries        int
	RetryBaseDelay    time.Duration
	RequestsPerSecond float64
	HTTPClient        *http.Client
	Logger            *zap.Logger
}

// Client talks to the messaging REST API.
type Client struct {
	base       *url.URL
	token      string
	http       *http.Client
	limiter    *rate.Limiter
	maxRetries int
	baseDelay  time.Duration
	logger     *zap.Logger
}

func New(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid api base url %q", opts.BaseURL)
	}
	c := &Client{
		base:       base,
		token:      opts.Token,
		http:       opts.HTTPClient,
		maxRetries: opts.MaxRetries,
		baseDelay:  opts.RetryBaseDelay,
		logger:     opts.Logger,
		limiter:    rate.NewLimiter(rate.Inf, 0),
	}
	if c.http == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		c.http = &http.Client{Timeout: timeout}
	}
	if c.maxRetries < 0 {
		c.maxRetries = 0
	}
	if c.baseDelay <= 0 {
		c.baseDelay = 500 * time.Millisecond
	}
	if opts.RequestsPerSecond > 0 {
		burst := max(int(opts.RequestsPerSecond), 1)
		c.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	return c, nil
}

// ListThreads fetches the thread list.
func (c *Client) ListThreads(ctx context.Context) ([]wire.ThreadRecord, error) {
	var out struct {
		Threads []wire.ThreadRecord `json:"threads"`
	}
	if err := c.do(ctx, http.MethodGet, "/messages/threads", nil, nil, true, &out); err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	return out.Threads, nil
}

// ListMessages fetches the history with a counterpart, scoped to a booking
// when bookingID is set.
func (c *Client) ListMessages(ctx context.Context, counterpartID, bookingID string) ([]wire.MessageRecord, error) {
	q := url.Values{}
	q.Set("with", counterpartID)
	if bookingID != "" {
		q.Set("bookingId", bookingID)
	}
	var out struct {
		Messages []wire.MessageRecord `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, "/messages", q, nil, true, &out); err != nil {
		return nil, fmt.Errorf("list messages with %s: %w", counterpartID, err)
	}
	return out.Messages, nil
}

// SendRequest is the body of POST /messages.
type SendRequest struct {
	To          string                  `json:"to"`
	Text        string                  `json:"text"`
	BookingID   string                  `json:"bookingId,omitempty"`
	Attachments []wire.AttachmentRecord `json:"attachments"`
	ReplyTo     string                  `json:"replyTo,omitempty"`
}

// SendMessage posts a message. Sends are never retried here; a failed send is
// retried by the user.
func (c *Client) SendMessage(ctx context.Context, req SendRequest) (wire.MessageRecord, error) {
	if req.Attachments == nil {
		req.Attachments = []wire.AttachmentRecord{}
	}
	var out struct {
		Message wire.MessageRecord `json:"message"`
	}
	if err := c.do(ctx, http.MethodPost, "/messages", nil, jsonBody(req), false, &out); err != nil {
		return wire.MessageRecord{}, fmt.Errorf("send message: %w", err)
	}
	return out.Message, nil
}

// UploadAttachment uploads one file and returns its durable descriptor.
func (c *Client) UploadAttachment(ctx context.Context, name string, r io.Reader) (wire.AttachmentRecord, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return wire.AttachmentRecord{}, fmt.Errorf("read %s: %w", name, err)
	}
	body := func() (io.Reader, string, error) {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		fw, err := mw.CreateFormFile("files", name)
		if err != nil {
			return nil, "", err
		}
		if _, err := fw.Write(data); err != nil {
			return nil, "", err
		}
		if err := mw.Close(); err != nil {
			return nil, "", err
		}
		return &buf, mw.FormDataContentType(), nil
	}
	var out struct {
		Attachments []wire.AttachmentRecord `json:"attachments"`
	}
	if err := c.do(ctx, http.MethodPost, "/messages/attachments", nil, body, false, &out); err != nil {
		return wire.AttachmentRecord{}, fmt.Errorf("upload %s: %w", name, err)
	}
	if len(out.Attachments) == 0 || out.Attachments[0].URL == "" {
		return wire.AttachmentRecord{}, fmt.Errorf("upload %s: empty response", name)
	}
	a := out.Attachments[0]
	if a.Name == "" {
		a.Name = name
	}
	return a, nil
}

// MarkReadRequest selects what to mark read: messages from a sender, or the
// whole booking thread.
type MarkReadRequest struct {
	SenderID  string `json:"senderId,omitempty"`
	BookingID string `json:"bookingId,omitempty"`
}

func (c *Client) MarkRead(ctx context.Context, req MarkReadRequest) error {
	if err := c.do(ctx, http.MethodPatch, "/messages/read", nil, jsonBody(req), true, nil); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

type bodyFunc func() (io.Reader, string, error)

func jsonBody(v any) bodyFunc {
	return func() (io.Reader, string, error) {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, "", err
		}
		return bytes.NewReader(b), "application/json", nil
	}
}

// do performs one API call. With retry set, transient failures are retried
// with exponential backoff and jitter up to maxRetries times.
func (c *Client) do(ctx context.Context, method, path string, q url.Values, body bodyFunc, retry bool, out any) error {
	attempts := 1
	if retry {
		attempts += c.maxRetries
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			backoff := c.backoff(attempt)
			c.logger.Warn("retrying request",
				zap.String("method", method),
				zap.String("path", path),
				zap.Int("attempt", attempt+1),
				zap.Duration("backoff", backoff),
				zap.Error(lastErr),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		lastErr = c.once(ctx, method, path, q, body, out)
		if lastErr == nil || !IsTransient(lastErr) {
			return lastErr
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return lastErr
}

func (c *Client) backoff(attempt int) time.Duration {
	base := c.baseDelay << (attempt - 1)
	jitter := time.Duration(rand.Int64N(int64(base/2) + 1))
	return base + jitter
}

func (c *Client) once(ctx context.Context, method, path string, q url.Values, body bodyFunc, out any) error {
	u := *c.base
	u.Path = c.base.Path + path
	if q != nil {
		u.RawQuery = q.Encode()
	}

	var (
		rd          io.Reader
		contentType string
	)
	if body != nil {
		var err error
		if rd, contentType, err = body(); err != nil {
			return fmt.Errorf("build request: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return &TransientError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return statusError(resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
