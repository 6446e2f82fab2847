package api

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/deptportal/msgcore/internal/bus"
	"github.com/deptportal/msgcore/internal/chat"
	"github.com/deptportal/msgcore/internal/composer"
	"github.com/deptportal/msgcore/internal/directory"
	"github.com/deptportal/msgcore/internal/msgsync"
	"github.com/deptportal/msgcore/internal/presence"
	"github.com/deptportal/msgcore/internal/registry"
	"github.com/deptportal/msgcore/internal/status"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// watchBuffer is the per-stream bus buffer. A slow watcher misses events.
const watchBuffer = 256

// Options wires a Service.
type Options struct {
	Profile        string
	Self           string
	Registry       *registry.Registry
	Stager         composer.Stager
	Tracker        *presence.Tracker
	Directory      *directory.Directory
	Machine        *status.Machine
	Bus            *bus.Bus
	MaxAttachments int
}

// Service implements MessagingServer on top of the conversation registry.
type Service struct {
	profile        string
	self           string
	registry       *registry.Registry
	stager         composer.Stager
	tracker        *presence.Tracker
	directory      *directory.Directory
	machine        *status.Machine
	bus            *bus.Bus
	maxAttachments int
	startedAt      time.Time
	logger         *zap.Logger

	mu        sync.Mutex
	composers map[chat.ConversationID]*composer.Composer
	quit      chan struct{}
	quitOnce  sync.Once
}

// NewService creates the API service.
func NewService(opts Options, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		profile:        opts.Profile,
		self:           opts.Self,
		registry:       opts.Registry,
		stager:         opts.Stager,
		tracker:        opts.Tracker,
		directory:      opts.Directory,
		machine:        opts.Machine,
		bus:            opts.Bus,
		maxAttachments: opts.MaxAttachments,
		startedAt:      time.Now(),
		logger:         logger,
		composers:      make(map[chat.ConversationID]*composer.Composer),
		quit:           make(chan struct{}),
	}
}

// Shutdown ends every open Watch stream so the server can stop gracefully.
func (s *Service) Shutdown() {
	s.quitOnce.Do(func() { close(s.quit) })
}

func (s *Service) Status(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	state, since := s.machine.Since()
	return newStruct(map[string]any{
		"profile":     s.profile,
		"self":        s.self,
		"state":       string(state),
		"state_since": timeString(since),
		"live":        state.Live(),
		"active":      string(s.registry.Active()),
		"started_at":  timeString(s.startedAt),
		"uptime_ms":   time.Since(s.startedAt).Milliseconds(),
	})
}

// Conversations returns the list. With refresh set it asks the backend first;
// a failed refresh still returns the previous list, with the error attached.
func (s *Service) Conversations(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	out := map[string]any{}
	if boolArg(req, "refresh") {
		if err := s.registry.Refresh(ctx); err != nil {
			s.logger.Warn("refreshing conversations", zap.Error(err))
			out["error"] = err.Error()
		}
	}
	active := s.registry.Active()
	out["conversations"] = list(s.registry.List(), func(c chat.Conversation) map[string]any {
		return conversationMap(c, c.ID == active)
	})
	return newStruct(out)
}

// Open activates a conversation. With wait set it returns after the first
// history page has been fetched.
func (s *Service) Open(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := conversationArg(req)
	if err != nil {
		return nil, err
	}
	sy, err := s.registry.Activate(ctx, id)
	if err != nil {
		return nil, err
	}
	if boolArg(req, "wait") {
		s.registry.Wait()
	}
	return newStruct(historyMap(id, sy))
}

func (s *Service) Close(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	s.registry.Deactivate()
	return newStruct(map[string]any{})
}

func (s *Service) History(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := conversationArg(req)
	if err != nil {
		return nil, err
	}
	sy, ok := s.registry.Synchronizer(id)
	if !ok {
		return nil, chat.ErrNotFound
	}
	return newStruct(historyMap(id, sy))
}

func (s *Service) More(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := conversationArg(req)
	if err != nil {
		return nil, err
	}
	before := 0
	if sy, ok := s.registry.Synchronizer(id); ok {
		before = sy.Len()
	}
	fetched, err := s.registry.LoadMore(ctx, id)
	if err != nil {
		return nil, err
	}
	sy, _ := s.registry.Synchronizer(id)
	return newStruct(map[string]any{
		"conversation_id": string(id),
		"loaded":          sy.Len() - before,
		"fetched":         fetched,
		"has_more":        sy.HasMore(),
	})
}

// Send stages the given paths, then sends them with the body. If staging
// fails, the attachments staged by this call are dropped again.
func (s *Service) Send(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := conversationArg(req)
	if err != nil {
		return nil, err
	}
	comp, err := s.composer(ctx, id)
	if err != nil {
		return nil, err
	}
	base := len(comp.Staged())
	for _, path := range stringsArg(req, "attachments") {
		if _, err := comp.Attach(path); err != nil {
			for i := len(comp.Staged()) - 1; i >= base; i-- {
				_ = comp.Remove(i)
			}
			return nil, err
		}
	}
	msg, err := comp.Send(stringArg(req, "body"))
	if err != nil {
		return nil, err
	}
	return newStruct(map[string]any{"message": messageMap(msg)})
}

func (s *Service) Stage(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := conversationArg(req)
	if err != nil {
		return nil, err
	}
	comp, err := s.composer(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := comp.Attach(stringArg(req, "path")); err != nil {
		return nil, err
	}
	return stagedResponse(comp)
}

func (s *Service) Unstage(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := conversationArg(req)
	if err != nil {
		return nil, err
	}
	comp, err := s.composer(ctx, id)
	if err != nil {
		return nil, err
	}
	if boolArg(req, "all") {
		comp.Clear()
	} else if err := comp.Remove(intArg(req, "index")); err != nil {
		return nil, err
	}
	return stagedResponse(comp)
}

func (s *Service) Staged(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := conversationArg(req)
	if err != nil {
		return nil, err
	}
	comp, err := s.composer(ctx, id)
	if err != nil {
		return nil, err
	}
	return stagedResponse(comp)
}

func (s *Service) Edit(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	sy, err := s.open(req)
	if err != nil {
		return nil, err
	}
	msgID := stringArg(req, "id")
	if err := sy.Edit(ctx, msgID, stringArg(req, "body")); err != nil {
		return nil, err
	}
	msg, _ := sy.Get(msgID)
	return newStruct(map[string]any{"message": messageMap(msg)})
}

func (s *Service) Delete(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	sy, err := s.open(req)
	if err != nil {
		return nil, err
	}
	if err := sy.Delete(ctx, stringArg(req, "id")); err != nil {
		return nil, err
	}
	return newStruct(map[string]any{})
}

func (s *Service) Read(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := conversationArg(req)
	if err != nil {
		return nil, err
	}
	n, err := s.registry.MarkRead(ctx, id)
	if err != nil {
		return nil, err
	}
	return newStruct(map[string]any{"marked": n})
}

func (s *Service) Retry(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	sy, err := s.open(req)
	if err != nil {
		return nil, err
	}
	msg, err := sy.Retry(stringArg(req, "id"))
	if err != nil {
		return nil, err
	}
	return newStruct(map[string]any{"message": messageMap(msg)})
}

func (s *Service) Discard(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	sy, err := s.open(req)
	if err != nil {
		return nil, err
	}
	if err := sy.Discard(stringArg(req, "id")); err != nil {
		return nil, err
	}
	return newStruct(map[string]any{})
}

// Presence returns the online and typing sets, narrowed to users when given.
func (s *Service) Presence(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	snap := s.tracker.Snapshot()
	online, typing := snap.OnlineUsers(), snap.TypingUsers()
	if users := stringsArg(req, "users"); len(users) > 0 {
		keep := func(id string) bool { return !slices.Contains(users, id) }
		online = slices.DeleteFunc(online, keep)
		typing = slices.DeleteFunc(typing, keep)
	}
	return newStruct(map[string]any{
		"online": stringList(online),
		"typing": stringList(typing),
	})
}

func (s *Service) Search(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	members, err := s.directory.Search(ctx, strings.TrimSpace(stringArg(req, "query")))
	if err != nil {
		return nil, err
	}
	return newStruct(map[string]any{"members": list(members, memberMap)})
}

// Members returns a group's members. When the backend fails but an earlier
// list is known, that list is returned with the error attached.
func (s *Service) Members(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := conversationArg(req)
	if err != nil {
		return nil, err
	}
	members, err := s.directory.Members(ctx, id)
	if err != nil && members == nil {
		return nil, err
	}
	s.registry.SetMembers(id, members)
	out := map[string]any{"members": list(members, memberMap)}
	if err != nil {
		out["error"] = err.Error()
	}
	return newStruct(out)
}

// Watch streams bus events whose kind starts with one of the requested
// prefixes, or every event when none are given, until the client goes away.
func (s *Service) Watch(req *structpb.Struct, stream grpc.ServerStream) error {
	prefixes := stringsArg(req, "prefixes")
	ch, unsub := s.bus.Subscribe("", watchBuffer)
	defer unsub()
	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.quit:
			return nil
		case evt := <-ch:
			if !matches(evt.Kind, prefixes) {
				continue
			}
			out, err := newStruct(eventMap(evt))
			if err != nil {
				s.logger.Warn("encoding event", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			if err := stream.SendMsg(out); err != nil {
				return err
			}
		}
	}
}

// composer returns the draft of id, opening the conversation if needed.
func (s *Service) composer(ctx context.Context, id chat.ConversationID) (*composer.Composer, error) {
	sy, ok := s.registry.Synchronizer(id)
	if !ok {
		var err error
		if sy, err = s.registry.Activate(ctx, id); err != nil {
			return nil, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.composers[id]
	if !ok {
		c = composer.New(s.stager, sy, s.maxAttachments, s.logger)
		s.composers[id] = c
	}
	return c, nil
}

// open returns the log of an already opened conversation.
func (s *Service) open(req *structpb.Struct) (*msgsync.Synchronizer, error) {
	id, err := conversationArg(req)
	if err != nil {
		return nil, err
	}
	sy, ok := s.registry.Synchronizer(id)
	if !ok {
		return nil, chat.ErrNotFound
	}
	return sy, nil
}

func historyMap(id chat.ConversationID, sy *msgsync.Synchronizer) map[string]any {
	out := map[string]any{
		"conversation_id": string(id),
		"messages":        list(sy.Snapshot(), messageMap),
		"has_more":        sy.HasMore(),
	}
	if err := sy.HistoryError(); err != nil {
		out["error"] = err.Error()
	}
	return out
}

func stagedResponse(c *composer.Composer) (*structpb.Struct, error) {
	return newStruct(map[string]any{"staged": list(c.Staged(), attachmentMap)})
}

func stringList(in []string) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}

func matches(kind string, prefixes []string) bool {
	if len(prefixes) == 0 {
		return true
	}
	return slices.ContainsFunc(prefixes, func(p string) bool { return strings.HasPrefix(kind, p) })
}

var _ MessagingServer = (*Service)(nil)
