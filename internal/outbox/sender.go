// Package outbox delivers optimistic sends: it uploads attachments, posts the
// message with a capped exponential retry and journals every step in the store.
package outbox

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/deptportal/msgcore/internal/backend"
	"github.com/deptportal/msgcore/internal/chat"
	"github.com/deptportal/msgcore/internal/msgsync"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Retry policy for a send.
const (
	InitialInterval = 500 * time.Millisecond
	MaxInterval     = 5 * time.Second
	MaxAttempts     = 4
)

// Backend posts messages and uploads files. *backend.Client implements it.
type Backend interface {
	SendMessage(ctx context.Context, conv chat.ConversationID, out backend.Outgoing) (chat.Message, error)
	Upload(ctx context.Context, name string, r io.Reader, size int64, progress func(int)) (string, error)
}

// Journal records outbox state. *store.DB implements it; nil disables it.
type Journal interface {
	QueueOutbox(clientID string, conv chat.ConversationID, body string, atts []chat.Attachment) error
	MarkOutboxSending(clientID string) error
	MarkOutboxSent(clientID, serverMsgID string) error
	MarkOutboxFailed(clientID, errMsg string) error
}

type job struct {
	req msgsync.SendRequest
	rcv msgsync.Receiver
}

// Sender is a msgsync.Dispatcher. Each conversation has its own queue,
// delivered in dispatch order; different conversations send concurrently.
type Sender struct {
	journal Journal
	backend Backend
	logger  *zap.Logger
	// Policy builds the retry schedule of one send.
	Policy func() backoff.BackOff

	mu      sync.Mutex
	queues  map[chat.ConversationID][]job
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	workers *errgroup.Group
}

// NewSender creates a new outbox sender.
func NewSender(journal Journal, be Backend, logger *zap.Logger) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{
		journal: journal,
		backend: be,
		logger:  logger,
		Policy:  DefaultPolicy,
		queues:  make(map[chat.ConversationID][]job),
	}
}

// DefaultPolicy retries with exponential backoff from InitialInterval up to
// MaxInterval, for at most MaxAttempts attempts in total.
func DefaultPolicy() backoff.BackOff {
	return NewPolicy(InitialInterval, MaxInterval, MaxAttempts)()
}

// NewPolicy returns a Policy with the given schedule. attempts counts the
// first try.
func NewPolicy(initial, ceiling time.Duration, attempts int) func() backoff.BackOff {
	return func() backoff.BackOff {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = initial
		eb.MaxInterval = ceiling
		eb.MaxElapsedTime = 0
		return backoff.WithMaxRetries(eb, uint64(max(attempts-1, 0)))
	}
}

// Start begins delivering dispatched sends, including any queued before.
func (s *Sender) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.workers = new(errgroup.Group)
	s.running = true
	for conv := range s.queues {
		s.spawnLocked(conv)
	}
}

// Stop cancels in-flight sends and waits for the workers to return. Sends
// still queued stay pending in the journal.
func (s *Sender) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	workers := s.workers
	s.mu.Unlock()
	_ = workers.Wait()
}

// Dispatch queues req behind earlier sends to the same conversation. The
// outcome is reported to r.
func (s *Sender) Dispatch(req msgsync.SendRequest, r msgsync.Receiver) {
	if s.journal != nil {
		if err := s.journal.QueueOutbox(req.TempID, req.ConversationID, req.Body, req.Attachments); err != nil {
			s.logger.Error("failed to journal send", zap.Error(err), zap.String("client_id", req.TempID))
		}
	}
	conv := req.ConversationID
	s.mu.Lock()
	defer s.mu.Unlock()
	idle := len(s.queues[conv]) == 0
	s.queues[conv] = append(s.queues[conv], job{req: req, rcv: r})
	if idle && s.running {
		s.spawnLocked(conv)
	}
}

// spawnLocked starts the worker of conv. A conversation has a worker exactly
// while its queue is non-empty; the job being sent stays at the head.
func (s *Sender) spawnLocked(conv chat.ConversationID) {
	ctx := s.ctx
	s.workers.Go(func() error {
		s.drain(ctx, conv)
		return nil
	})
}

func (s *Sender) drain(ctx context.Context, conv chat.ConversationID) {
	s.mu.Lock()
	j := s.queues[conv][0]
	s.mu.Unlock()
	for {
		s.process(ctx, j)
		if ctx.Err() != nil {
			return
		}
		s.mu.Lock()
		q := s.queues[conv][1:]
		if len(q) == 0 {
			delete(s.queues, conv)
			s.mu.Unlock()
			return
		}
		s.queues[conv] = q
		j = q[0]
		s.mu.Unlock()
	}
}

func (s *Sender) process(ctx context.Context, j job) {
	req := j.req
	log := s.logger.With(zap.String("client_id", req.TempID), zap.String("conversation", string(req.ConversationID)))

	atts, err := s.upload(ctx, j)
	if err == nil {
		var msg chat.Message
		msg, err = s.post(ctx, req, atts)
		if err == nil {
			if s.journal != nil {
				if jerr := s.journal.MarkOutboxSent(req.TempID, msg.ID); jerr != nil {
					log.Error("failed to mark sent", zap.Error(jerr))
				}
			}
			log.Info("message sent", zap.String("server_msg_id", msg.ID))
			j.rcv.Confirm(req.TempID, msg)
			return
		}
	}
	if ctx.Err() != nil {
		// Shutting down; the journal keeps the entry pending.
		return
	}

	log.Error("failed to send message", zap.Error(err))
	if s.journal != nil {
		if jerr := s.journal.MarkOutboxFailed(req.TempID, err.Error()); jerr != nil {
			log.Error("failed to mark failed", zap.Error(jerr))
		}
	}
	j.rcv.Fail(req.TempID, err)
}

// upload sends every attachment that has no URL yet and reports progress to
// the pending message.
func (s *Sender) upload(ctx context.Context, j job) ([]chat.Attachment, error) {
	atts := make([]chat.Attachment, len(j.req.Attachments))
	copy(atts, j.req.Attachments)
	for i, a := range atts {
		if a.URL != "" {
			continue
		}
		if a.LocalPath == "" {
			return nil, chat.NewValidationError("attachment "+a.Name+" has no source", "attachments")
		}
		url, err := s.uploadOne(ctx, a, func(p int) { j.rcv.Progress(j.req.TempID, i, p) })
		if err != nil {
			return nil, err
		}
		atts[i].URL = url
		atts[i].Progress = nil
	}
	return atts, nil
}

func (s *Sender) uploadOne(ctx context.Context, a chat.Attachment, progress func(int)) (string, error) {
	f, err := os.Open(a.LocalPath)
	if err != nil {
		return "", chat.NewValidationError("attachment unreadable: "+err.Error(), "attachments")
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	name := a.Name
	if name == "" {
		name = filepath.Base(a.LocalPath)
	}
	return s.backend.Upload(ctx, name, f, info.Size(), progress)
}

// post sends the message, retrying transient failures.
func (s *Sender) post(ctx context.Context, req msgsync.SendRequest, atts []chat.Attachment) (chat.Message, error) {
	out := backend.Outgoing{ClientID: req.TempID, Body: req.Body, Attachments: atts}
	attempt := 0
	op := func() (chat.Message, error) {
		attempt++
		if s.journal != nil {
			if err := s.journal.MarkOutboxSending(req.TempID); err != nil {
				s.logger.Error("failed to mark sending", zap.Error(err), zap.String("client_id", req.TempID))
			}
		}
		msg, err := s.backend.SendMessage(ctx, req.ConversationID, out)
		if err != nil && !Retryable(err) {
			return msg, backoff.Permanent(err)
		}
		if err != nil {
			s.logger.Warn("send attempt failed", zap.Int("attempt", attempt), zap.Error(err),
				zap.String("client_id", req.TempID))
		}
		return msg, err
	}
	return backoff.RetryWithData(op, backoff.WithContext(s.Policy(), ctx))
}

// Retryable reports whether a send failure may succeed on another attempt.
// Only transport and server-side failures qualify.
func Retryable(err error) bool {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, chat.ErrAuth), errors.Is(err, chat.ErrNotOwner), errors.Is(err, chat.ErrNotFound):
		return false
	case chat.IsValidation(err):
		return false
	}
	return errors.Is(err, chat.ErrNetwork)
}
