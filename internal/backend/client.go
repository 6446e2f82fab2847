// Package backend is the REST client for the portal messaging API.
package backend

import (
	"context"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/deptportal/msgcore/internal/chat"
	"github.com/deptportal/msgcore/internal/wire"
	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// DefaultTimeout bounds a single request.
const DefaultTimeout = 15 * time.Second

// Options configure a Client.
type Options struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	Logger  *zap.Logger
	// Now is used for token expiry checks. Defaults to time.Now.
	Now func() time.Time
}

// Client talks to the backend. It is safe for concurrent use.
type Client struct {
	base     string
	rest     *resty.Client
	identity Identity
	tokenErr error
	now      func() time.Time
	logger   *zap.Logger
}

// Cursor addresses the oldest message already loaded. The zero Cursor fetches
// the newest page.
type Cursor struct {
	ID        string
	CreatedAt time.Time
}

// IsZero reports whether the cursor points at the newest page.
func (c Cursor) IsZero() bool { return c.ID == "" && c.CreatedAt.IsZero() }

// Page is one history page. HasMore is nil when the backend did not say.
type Page struct {
	Messages []chat.Message
	HasMore  *bool
}

// Outgoing is a message to send.
type Outgoing struct {
	ClientID    string
	Body        string
	Attachments []chat.Attachment
}

// New creates a Client. A missing or malformed token does not fail
// construction; every request then fails with chat.ErrAuth.
func New(opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	c := &Client{
		base:   strings.TrimRight(opts.BaseURL, "/"),
		now:    now,
		logger: logger,
	}
	c.identity, c.tokenErr = ParseToken(opts.Token)
	c.rest = resty.New().
		SetTimeout(timeout).
		SetAuthToken(opts.Token).
		SetHeader("Accept", "application/json")
	return c
}

// Self returns the current user's id, taken from the token subject.
func (c *Client) Self() string { return c.identity.UserID }

// CheckAuth returns chat.ErrAuth when the token is missing, malformed or expired.
func (c *Client) CheckAuth() error {
	if c.tokenErr != nil {
		return c.tokenErr
	}
	if c.identity.Expired(c.now()) {
		return errors.Wrapf(chat.ErrAuth, "token expired at %s", c.identity.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}

// ListConversations fetches the direct conversations.
func (c *Client) ListConversations(ctx context.Context) ([]chat.Conversation, error) {
	raw, err := c.do(ctx, "GET", "/conversations", nil, nil)
	if err != nil {
		return nil, err
	}
	convs, err := wire.DecodeConversations(raw, chat.Direct)
	return convs, errors.Wrap(err, "decoding conversations")
}

// ListGroups fetches the groups the user belongs to.
func (c *Client) ListGroups(ctx context.Context) ([]chat.Conversation, error) {
	raw, err := c.do(ctx, "GET", "/groups", nil, nil)
	if err != nil {
		return nil, err
	}
	convs, err := wire.DecodeConversations(raw, chat.Group)
	return convs, errors.Wrap(err, "decoding groups")
}

// FetchHistory fetches up to limit messages older than before.
func (c *Client) FetchHistory(ctx context.Context, conv chat.ConversationID, before Cursor, limit int) (Page, error) {
	path, err := messagesPath(conv)
	if err != nil {
		return Page{}, err
	}
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if before.ID != "" {
		q.Set("before", before.ID)
	}
	if !before.CreatedAt.IsZero() {
		q.Set("before_ts", strconv.FormatInt(before.CreatedAt.UnixMilli(), 10))
	}
	raw, err := c.do(ctx, "GET", path, q, nil)
	if err != nil {
		return Page{}, err
	}
	msgs, hasMore, err := wire.DecodePage(raw, c.Self(), conv)
	if err != nil {
		return Page{}, errors.Wrap(err, "decoding history")
	}
	return Page{Messages: msgs, HasMore: hasMore}, nil
}

// SendMessage posts a message and returns the server's copy.
func (c *Client) SendMessage(ctx context.Context, conv chat.ConversationID, out Outgoing) (chat.Message, error) {
	path, err := messagesPath(conv)
	if err != nil {
		return chat.Message{}, err
	}
	body := map[string]any{
		"content":   out.Body,
		"client_id": out.ClientID,
	}
	if len(out.Attachments) > 0 {
		atts := make([]map[string]any, 0, len(out.Attachments))
		for _, a := range out.Attachments {
			atts = append(atts, map[string]any{
				"type":      string(a.Kind),
				"name":      a.Name,
				"url":       a.URL,
				"mime_type": a.MimeType,
				"size":      a.Size,
			})
		}
		body["attachments"] = atts
	}
	raw, err := c.do(ctx, "POST", path, nil, body)
	if err != nil {
		return chat.Message{}, err
	}
	if m, ok := raw.(map[string]any); ok {
		if inner, ok := m["message"].(map[string]any); ok {
			raw = inner
		}
	}
	msg, err := wire.DecodeMessageIn(raw, c.Self(), conv)
	if err != nil {
		return chat.Message{}, errors.Wrap(err, "decoding sent message")
	}
	if msg.ClientID == "" {
		msg.ClientID = out.ClientID
	}
	return msg, nil
}

// EditMessage replaces the body of a message the current user sent.
func (c *Client) EditMessage(ctx context.Context, id, body string) error {
	_, err := c.do(ctx, "PUT", "/messages/"+url.PathEscape(id), nil, map[string]any{"content": body})
	return err
}

// DeleteMessage removes a message the current user sent.
func (c *Client) DeleteMessage(ctx context.Context, id string) error {
	_, err := c.do(ctx, "DELETE", "/messages/"+url.PathEscape(id), nil, nil)
	return err
}

// MarkRead tells the backend the conversation has been read.
func (c *Client) MarkRead(ctx context.Context, conv chat.ConversationID) error {
	if !conv.Valid() {
		return chat.NewValidationError("invalid conversation id", "conversation")
	}
	_, err := c.do(ctx, "POST", "/read/"+string(conv.Kind())+"/"+url.PathEscape(conv.Target()), nil, nil)
	return err
}

// SearchUsers looks users up by name.
func (c *Client) SearchUsers(ctx context.Context, query string) ([]chat.Member, error) {
	raw, err := c.do(ctx, "GET", "/users/search", url.Values{"q": {query}}, nil)
	if err != nil {
		return nil, err
	}
	members, err := wire.DecodeMembers(raw)
	return members, errors.Wrap(err, "decoding users")
}

// GroupMembers lists the members of a group.
func (c *Client) GroupMembers(ctx context.Context, groupID string) ([]chat.Member, error) {
	raw, err := c.do(ctx, "GET", "/groups/"+url.PathEscape(groupID)+"/members", nil, nil)
	if err != nil {
		return nil, err
	}
	members, err := wire.DecodeMembers(raw)
	return members, errors.Wrap(err, "decoding members")
}

// Upload streams r as a multipart file and returns its URL. progress, if set,
// receives percentages as the body is read.
func (c *Client) Upload(ctx context.Context, name string, r io.Reader, size int64, progress func(int)) (string, error) {
	if progress != nil {
		r = &progressReader{r: r, total: size, report: progress}
	}
	if err := c.CheckAuth(); err != nil {
		return "", err
	}
	resp, err := c.rest.R().
		SetContext(ctx).
		SetFileReader("file", name, r).
		Post(c.base + "/uploads")
	raw, err := c.result(ctx, resp, err, "POST", "/uploads")
	if err != nil {
		return "", err
	}
	if progress != nil {
		progress(100)
	}
	u, err := wire.DecodeUpload(raw)
	return u, errors.Wrap(err, "decoding upload")
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any) (any, error) {
	if err := c.CheckAuth(); err != nil {
		return nil, err
	}
	req := c.rest.R().SetContext(ctx)
	if query != nil {
		req.SetQueryParamsFromValues(query)
	}
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}
	resp, err := req.Execute(method, c.base+path)
	return c.result(ctx, resp, err, method, path)
}

func (c *Client) result(ctx context.Context, resp *resty.Response, err error, method, path string) (any, error) {
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		c.logger.Debug("request failed", zap.String("method", method), zap.String("path", path), zap.Error(err))
		return nil, errors.Wrapf(chat.ErrNetwork, "%s %s: %v", method, path, err)
	}
	if resp.IsError() {
		herr := &HTTPError{Method: method, Path: path, Status: resp.StatusCode(), Body: string(resp.Body())}
		c.logger.Debug("request rejected", zap.String("method", method), zap.String("path", path),
			zap.Int("status", herr.Status))
		return nil, herr
	}
	raw, err := wire.Unmarshal(resp.Body())
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", method, path)
	}
	return raw, nil
}

func messagesPath(conv chat.ConversationID) (string, error) {
	if !conv.Valid() {
		return "", chat.NewValidationError("invalid conversation id", "conversation")
	}
	return "/messages/" + string(conv.Kind()) + "/" + url.PathEscape(conv.Target()), nil
}

type progressReader struct {
	r      io.Reader
	total  int64
	read   int64
	last   int
	report func(int)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.read += int64(n)
	if p.total > 0 {
		// 100 is reported once the server accepted the upload.
		pct := int(min(p.read*100/p.total, 99))
		if pct != p.last {
			p.last = pct
			p.report(pct)
		}
	}
	return n, err
}
