package msgsync

import (
	"context"
	"sync"

	"github.com/deptportal/msgcore/internal/backend"
	"github.com/deptportal/msgcore/internal/chat"
	"go.uber.org/zap"
)

// DefaultPageSize is the number of messages requested per history page.
const DefaultPageSize = 30

// Fetcher fetches history pages. *backend.Client implements it.
type Fetcher interface {
	FetchHistory(ctx context.Context, conv chat.ConversationID, before backend.Cursor, limit int) (backend.Page, error)
}

type pageState struct {
	inFlight bool
	cursor   backend.Cursor
	hasMore  bool
	loaded   bool
}

// Paginator pages older history into Synchronizers, at most one fetch per
// conversation at a time.
type Paginator struct {
	fetcher  Fetcher
	pageSize int
	logger   *zap.Logger

	mu     sync.Mutex
	states map[chat.ConversationID]*pageState
}

// NewPaginator creates a Paginator. A non-positive pageSize selects DefaultPageSize.
func NewPaginator(f Fetcher, pageSize int, logger *zap.Logger) *Paginator {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Paginator{
		fetcher:  f,
		pageSize: pageSize,
		logger:   logger,
		states:   make(map[chat.ConversationID]*pageState),
	}
}

func (p *Paginator) stateLocked(id chat.ConversationID) *pageState {
	st, ok := p.states[id]
	if !ok {
		st = &pageState{hasMore: true}
		p.states[id] = st
	}
	return st
}

// HasMore reports whether older pages may exist for the conversation.
func (p *Paginator) HasMore(id chat.ConversationID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stateLocked(id).hasMore
}

// InFlight reports whether a fetch is running for the conversation.
func (p *Paginator) InFlight(id chat.ConversationID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stateLocked(id).inFlight
}

// Loaded reports whether at least one page has been fetched.
func (p *Paginator) Loaded(id chat.ConversationID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stateLocked(id).loaded
}

// LoadMore fetches the page before the cursor into s. It does nothing and
// returns false when a fetch is already running or the server reported no
// more history. On failure the cursor is kept and the error is recorded on s.
func (p *Paginator) LoadMore(ctx context.Context, s *Synchronizer) (bool, error) {
	id := s.ID()
	p.mu.Lock()
	st := p.stateLocked(id)
	if st.inFlight || !st.hasMore {
		p.mu.Unlock()
		return false, nil
	}
	st.inFlight = true
	cursor := st.cursor
	p.mu.Unlock()

	page, err := p.fetcher.FetchHistory(ctx, id, cursor, p.pageSize)

	p.mu.Lock()
	st.inFlight = false
	if err != nil {
		p.mu.Unlock()
		p.logger.Warn("history fetch failed", zap.String("conversation", string(id)), zap.Error(err))
		s.SetHistoryError(err)
		return true, err
	}
	hasMore := p.inferHasMore(page)
	st.hasMore = hasMore
	st.loaded = true
	if oldest, ok := oldestOf(page.Messages); ok {
		st.cursor = backend.Cursor{ID: oldest.ID, CreatedAt: oldest.CreatedAt}
	}
	p.mu.Unlock()

	s.IngestHistoryPage(page.Messages, hasMore)
	return true, nil
}

// Reload fetches the newest page into s without moving the cursor. It is used
// when a conversation that went stale in the background is opened again.
func (p *Paginator) Reload(ctx context.Context, s *Synchronizer) (bool, error) {
	id := s.ID()
	p.mu.Lock()
	st := p.stateLocked(id)
	if !st.loaded {
		p.mu.Unlock()
		return p.LoadMore(ctx, s)
	}
	if st.inFlight {
		p.mu.Unlock()
		return false, nil
	}
	st.inFlight = true
	hasMore := st.hasMore
	p.mu.Unlock()

	page, err := p.fetcher.FetchHistory(ctx, id, backend.Cursor{}, p.pageSize)

	p.mu.Lock()
	st.inFlight = false
	p.mu.Unlock()
	if err != nil {
		p.logger.Warn("history reload failed", zap.String("conversation", string(id)), zap.Error(err))
		s.SetHistoryError(err)
		return true, err
	}
	s.IngestHistoryPage(page.Messages, hasMore)
	return true, nil
}

func (p *Paginator) inferHasMore(page backend.Page) bool {
	if page.HasMore != nil {
		return *page.HasMore
	}
	return len(page.Messages) >= p.pageSize
}

func oldestOf(msgs []chat.Message) (chat.Message, bool) {
	if len(msgs) == 0 {
		return chat.Message{}, false
	}
	oldest := msgs[0]
	for _, m := range msgs[1:] {
		if chat.Less(m, oldest) {
			oldest = m
		}
	}
	return oldest, true
}
