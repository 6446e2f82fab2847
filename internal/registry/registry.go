// Package registry owns the conversation list and decides which conversation
// has a live message log.
package registry

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/deptportal/msgcore/internal/bus"
	"github.com/deptportal/msgcore/internal/chat"
	"github.com/deptportal/msgcore/internal/msgsync"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// previewLen bounds the last-message preview kept per conversation.
	previewLen = 100
	// seedLimit is how many cached messages seed a new log.
	seedLimit = 200
)

// Lister fetches the conversation lists. *backend.Client implements it.
type Lister interface {
	ListConversations(ctx context.Context) ([]chat.Conversation, error)
	ListGroups(ctx context.Context) ([]chat.Conversation, error)
	MarkRead(ctx context.Context, conv chat.ConversationID) error
}

// Cache provides previously known state. The store implements it; nil disables
// seeding.
type Cache interface {
	RecentMessages(conv chat.ConversationID, limit int) ([]chat.Message, error)
	Conversations() ([]chat.Conversation, error)
}

// Factory builds the Synchronizer for a conversation.
type Factory func(id chat.ConversationID) *msgsync.Synchronizer

// Ready is the payload of conversation.ready.
type Ready struct {
	ConversationID chat.ConversationID
	Err            string
}

// Registry holds the conversation list, the lazily created Synchronizers and
// the id of the active conversation.
type Registry struct {
	lister    Lister
	cache     Cache
	paginator *msgsync.Paginator
	factory   Factory
	self      string
	bus       *bus.Bus
	logger    *zap.Logger

	mu     sync.Mutex
	order  []chat.ConversationID
	convs  map[chat.ConversationID]*chat.Conversation
	syncs  map[chat.ConversationID]*msgsync.Synchronizer
	active chat.ConversationID
	// fetches tracks background first-page fetches so Wait can join them.
	fetches sync.WaitGroup
}

// New creates an empty Registry.
func New(lister Lister, cache Cache, paginator *msgsync.Paginator, factory Factory, self string, b *bus.Bus, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		lister:    lister,
		cache:     cache,
		paginator: paginator,
		factory:   factory,
		self:      self,
		bus:       b,
		logger:    logger,
		convs:     make(map[chat.ConversationID]*chat.Conversation),
		syncs:     make(map[chat.ConversationID]*msgsync.Synchronizer),
	}
}

// LoadCached fills the list from the cache so the client shows prior state
// before the first refresh completes.
func (r *Registry) LoadCached() error {
	if r.cache == nil {
		return nil
	}
	convs, err := r.cache.Conversations()
	if err != nil {
		return err
	}
	r.mu.Lock()
	for _, c := range convs {
		if _, ok := r.convs[c.ID]; ok {
			continue
		}
		cp := c
		r.convs[c.ID] = &cp
		r.order = append(r.order, c.ID)
	}
	r.sortLocked()
	r.mu.Unlock()
	return nil
}

// Refresh fetches the direct and group lists concurrently and merges them.
// On failure the previous list is kept and the error returned.
func (r *Registry) Refresh(ctx context.Context) error {
	var direct, groups []chat.Conversation
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		direct, err = r.lister.ListConversations(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		groups, err = r.lister.ListGroups(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		r.logger.Warn("conversation refresh failed, keeping previous list", zap.Error(err))
		return err
	}

	fetched := append(direct, groups...)
	r.mu.Lock()
	convs := make(map[chat.ConversationID]*chat.Conversation, len(fetched))
	order := make([]chat.ConversationID, 0, len(fetched))
	for _, c := range fetched {
		if _, dup := convs[c.ID]; dup {
			continue
		}
		cp := c
		if prev, ok := r.convs[c.ID]; ok {
			// The server list can lag behind live messages.
			if prev.LastActivity.After(cp.LastActivity) {
				cp.LastActivity = prev.LastActivity
				cp.LastMessagePreview = prev.LastMessagePreview
			}
			if len(cp.Members) == 0 {
				cp.Members = prev.Members
			}
		}
		if c.ID == r.active {
			cp.UnreadCount = 0
		}
		convs[c.ID] = &cp
		order = append(order, c.ID)
	}
	// The active conversation survives a refresh that does not list it yet.
	if prev, ok := r.convs[r.active]; ok && r.active != "" {
		if _, listed := convs[r.active]; !listed {
			convs[r.active] = prev
			order = append(order, r.active)
		}
	}
	r.convs, r.order = convs, order
	r.sortLocked()
	snapshot := r.listLocked()
	r.mu.Unlock()

	r.bus.Publish(bus.NewEvent(bus.KindConversationsRefreshed, snapshot))
	return nil
}

// sortLocked orders by most recent activity when every entry has one; otherwise
// the server's list order is kept.
func (r *Registry) sortLocked() {
	for _, id := range r.order {
		if r.convs[id].LastActivity.IsZero() {
			return
		}
	}
	slices.SortStableFunc(r.order, func(a, b chat.ConversationID) int {
		return r.convs[b].LastActivity.Compare(r.convs[a].LastActivity)
	})
}

// List returns a copy of the conversation list in display order.
func (r *Registry) List() []chat.Conversation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listLocked()
}

func (r *Registry) listLocked() []chat.Conversation {
	out := make([]chat.Conversation, 0, len(r.order))
	for _, id := range r.order {
		c := *r.convs[id]
		c.Members = slices.Clone(c.Members)
		out = append(out, c)
	}
	return out
}

// Get returns one conversation.
func (r *Registry) Get(id chat.ConversationID) (chat.Conversation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.convs[id]
	if !ok {
		return chat.Conversation{}, false
	}
	out := *c
	out.Members = slices.Clone(c.Members)
	return out, true
}

// Active returns the id of the active conversation, "" if none.
func (r *Registry) Active() chat.ConversationID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Synchronizer returns the log of a conversation if it has been materialized.
func (r *Registry) Synchronizer(id chat.ConversationID) (*msgsync.Synchronizer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.syncs[id]
	return s, ok
}

// Synchronizers returns every materialized log.
func (r *Registry) Synchronizers() []*msgsync.Synchronizer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*msgsync.Synchronizer, 0, len(r.syncs))
	for _, s := range r.syncs {
		out = append(out, s)
	}
	return out
}

// Activate makes id the active conversation. The Synchronizer is created on
// first use, seeded from the cache, and its first history page is fetched in
// the background. A conversation that went stale while inactive is reloaded.
// conversation.ready is published when the fetch finishes, unless the user
// switched away in the meantime.
func (r *Registry) Activate(ctx context.Context, id chat.ConversationID) (*msgsync.Synchronizer, error) {
	if !id.Valid() {
		return nil, chat.NewValidationError("invalid conversation id", "conversation")
	}
	r.mu.Lock()
	s, existed := r.syncs[id]
	if !existed {
		s = r.factory(id)
		r.syncs[id] = s
	}
	if _, ok := r.convs[id]; !ok {
		r.convs[id] = &chat.Conversation{ID: id, Kind: id.Kind(), Title: id.Target()}
		r.order = append([]chat.ConversationID{id}, r.order...)
	}
	r.active = id
	r.convs[id].UnreadCount = 0
	r.mu.Unlock()

	if !existed && r.cache != nil {
		if cached, err := r.cache.RecentMessages(id, seedLimit); err != nil {
			r.logger.Warn("reading cached messages", zap.String("conversation", string(id)), zap.Error(err))
		} else {
			s.Seed(cached)
		}
	}

	stale := s.TakeStale()
	if existed && !stale && r.paginator.Loaded(id) {
		r.bus.Publish(bus.NewEvent(bus.KindConversationReady, Ready{ConversationID: id}))
		return s, nil
	}

	// The fetch outlives the caller's request.
	ctx = context.WithoutCancel(ctx)
	r.fetches.Add(1)
	go func() {
		defer r.fetches.Done()
		var (
			fetched bool
			err     error
		)
		if existed && r.paginator.Loaded(id) {
			fetched, err = r.paginator.Reload(ctx, s)
		} else {
			fetched, err = r.paginator.LoadMore(ctx, s)
		}
		if !fetched {
			// Another fetch is running; it publishes when it lands.
			return
		}
		if r.Active() != id {
			r.logger.Debug("fetch finished for inactive conversation", zap.String("conversation", string(id)))
			return
		}
		ready := Ready{ConversationID: id}
		if err != nil {
			ready.Err = err.Error()
		}
		r.bus.Publish(bus.NewEvent(bus.KindConversationReady, ready))
	}()
	return s, nil
}

// Deactivate clears the active conversation.
func (r *Registry) Deactivate() {
	r.mu.Lock()
	r.active = ""
	r.mu.Unlock()
}

// Wait blocks until every background fetch started by Activate has finished.
func (r *Registry) Wait() {
	r.fetches.Wait()
}

// LoadMore pages older history into an open conversation.
func (r *Registry) LoadMore(ctx context.Context, id chat.ConversationID) (bool, error) {
	s, ok := r.Synchronizer(id)
	if !ok {
		return false, chat.ErrNotFound
	}
	return r.paginator.LoadMore(ctx, s)
}

// ApplyIncoming routes a live message. The active conversation's log ingests
// it; any other conversation only gets its preview and unread count updated,
// and its log, if one exists, is marked stale.
func (r *Registry) ApplyIncoming(msg chat.Message) {
	id := msg.ConversationID
	r.mu.Lock()
	c, ok := r.convs[id]
	if !ok {
		c = &chat.Conversation{ID: id, Kind: id.Kind(), Title: titleFor(msg)}
		r.convs[id] = c
		r.order = append(r.order, id)
	}
	if msg.CreatedAt.After(c.LastActivity) || c.LastActivity.IsZero() {
		c.LastActivity = msg.CreatedAt
		c.LastMessagePreview = preview(msg)
	}
	active := id == r.active
	s := r.syncs[id]
	if !active && msg.SenderID != r.self {
		c.UnreadCount++
	}
	r.moveToFrontLocked(id)
	updated := *c
	r.mu.Unlock()

	switch {
	case active && s != nil:
		s.IngestLive(msg)
	case s != nil:
		s.MarkStale()
	}
	r.bus.Publish(bus.NewEvent(bus.KindConversationUpdated, updated))
}

// Touch updates the preview after a local send so the list reflects it before
// the server echoes the message.
func (r *Registry) Touch(msg chat.Message) {
	r.mu.Lock()
	c, ok := r.convs[msg.ConversationID]
	if !ok {
		r.mu.Unlock()
		return
	}
	c.LastActivity = msg.CreatedAt
	c.LastMessagePreview = preview(msg)
	r.moveToFrontLocked(msg.ConversationID)
	updated := *c
	r.mu.Unlock()
	r.bus.Publish(bus.NewEvent(bus.KindConversationUpdated, updated))
}

// MarkRead marks the conversation read locally and on the server.
func (r *Registry) MarkRead(ctx context.Context, id chat.ConversationID) (int, error) {
	n := 0
	if s, ok := r.Synchronizer(id); ok {
		n = s.MarkRead()
	}
	r.mu.Lock()
	c, ok := r.convs[id]
	if ok {
		c.UnreadCount = 0
	}
	r.mu.Unlock()
	if !ok {
		return n, chat.ErrNotFound
	}
	if err := r.lister.MarkRead(ctx, id); err != nil {
		return n, err
	}
	return n, nil
}

// SetMembers records the members of a conversation.
func (r *Registry) SetMembers(id chat.ConversationID, members []chat.Member) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.convs[id]; ok {
		c.Members = slices.Clone(members)
	}
}

// moveToFrontLocked keeps the list ordered by activity when it is sorted that way.
func (r *Registry) moveToFrontLocked(id chat.ConversationID) {
	i := slices.Index(r.order, id)
	if i <= 0 {
		return
	}
	r.order = slices.Delete(r.order, i, i+1)
	r.order = slices.Insert(r.order, 0, id)
}

func preview(msg chat.Message) string {
	text := strings.TrimSpace(msg.Body)
	if text == "" && len(msg.Attachments) > 0 {
		text = "[" + string(msg.Attachments[0].Kind) + "] " + msg.Attachments[0].Name
	}
	if r := []rune(text); len(r) > previewLen {
		text = string(r[:previewLen])
	}
	return text
}

func titleFor(msg chat.Message) string {
	if msg.ConversationID.Kind() == chat.Direct && msg.SenderName != "" && msg.SenderID == msg.ConversationID.Target() {
		return msg.SenderName
	}
	return msg.ConversationID.Target()
}
