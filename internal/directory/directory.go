// Package directory looks up users and group members for the composer and
// the conversation header.
package directory

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/deptportal/msgcore/internal/chat"
	"go.uber.org/zap"
)

// DefaultDebounce is how long a search waits for a newer query.
const DefaultDebounce = 300 * time.Millisecond

// ErrSuperseded is returned by a search replaced by a newer one before it ran.
var ErrSuperseded = errors.New("search superseded by a newer query")

// Backend performs the lookups. *backend.Client implements it.
type Backend interface {
	SearchUsers(ctx context.Context, query string) ([]chat.Member, error)
	GroupMembers(ctx context.Context, groupID string) ([]chat.Member, error)
}

// Directory debounces user search and remembers the last known member list
// of each group.
type Directory struct {
	backend  Backend
	debounce time.Duration
	logger   *zap.Logger
	// after is replaced in tests.
	after func(time.Duration) <-chan time.Time

	mu      sync.Mutex
	seq     uint64
	members map[string][]chat.Member
}

// New creates a Directory. A non-positive debounce selects DefaultDebounce.
func New(be Backend, debounce time.Duration, logger *zap.Logger) *Directory {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Directory{
		backend:  be,
		debounce: debounce,
		logger:   logger,
		after:    time.After,
		members:  make(map[string][]chat.Member),
	}
}

// Search waits out the debounce interval and queries the backend. A call
// followed by another Search within the interval returns ErrSuperseded
// without reaching the backend. An empty query returns nothing.
func (d *Directory) Search(ctx context.Context, query string) ([]chat.Member, error) {
	query = strings.TrimSpace(query)
	d.mu.Lock()
	d.seq++
	mine := d.seq
	d.mu.Unlock()
	if query == "" {
		return nil, nil
	}

	select {
	case <-d.after(d.debounce):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	d.mu.Lock()
	latest := d.seq == mine
	d.mu.Unlock()
	if !latest {
		return nil, ErrSuperseded
	}
	return d.backend.SearchUsers(ctx, query)
}

// Members returns the members of a group conversation. When the backend
// fails the last known list is returned along with the error.
func (d *Directory) Members(ctx context.Context, id chat.ConversationID) ([]chat.Member, error) {
	if id.Kind() != chat.Group {
		return nil, chat.NewValidationError("members are only listed for groups", "conversation")
	}
	members, err := d.backend.GroupMembers(ctx, id.Target())
	d.mu.Lock()
	defer d.mu.Unlock()
	if err != nil {
		d.logger.Warn("fetching group members", zap.String("conversation", string(id)), zap.Error(err))
		return clone(d.members[id.Target()]), err
	}
	d.members[id.Target()] = clone(members)
	return members, nil
}

func clone(in []chat.Member) []chat.Member {
	if in == nil {
		return nil
	}
	return append([]chat.Member(nil), in...)
}
