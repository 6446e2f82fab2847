package directory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/deptportal/msgcore/internal/chat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	mu      sync.Mutex
	queries []string
	members []chat.Member
	err     error
}

func (f *fakeBackend) SearchUsers(_ context.Context, q string) ([]chat.Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	return []chat.Member{{UserID: "7", Name: q}}, nil
}

func (f *fakeBackend) GroupMembers(context.Context, string) ([]chat.Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.members, f.err
}

// gate replaces time.After so the test decides when each debounce elapses.
type gate struct {
	chans chan chan time.Time
}

func newGate() *gate { return &gate{chans: make(chan chan time.Time, 8)} }

func (g *gate) after(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	g.chans <- ch
	return ch
}

func TestSearchDebounce(t *testing.T) {
	be := &fakeBackend{}
	d := New(be, 0, nil)
	g := newGate()
	d.after = g.after

	type result struct {
		members []chat.Member
		err     error
	}
	search := func(q string) (<-chan result, chan time.Time) {
		out := make(chan result, 1)
		go func() {
			m, err := d.Search(context.Background(), q)
			out <- result{m, err}
		}()
		select {
		case armed := <-g.chans:
			return out, armed
		case <-time.After(time.Second):
			t.Fatalf("search %q never armed its timer", q)
		}
		return nil, nil
	}

	first, firstTimer := search("ana")
	second, secondTimer := search("ana s")

	firstTimer <- time.Now()
	r1 := <-first
	secondTimer <- time.Now()
	r2 := <-second

	assert.ErrorIs(t, r1.err, ErrSuperseded)
	require.NoError(t, r2.err)
	assert.Equal(t, "ana s", r2.members[0].Name)
	assert.Equal(t, []string{"ana s"}, be.queries, "superseded query must not reach the backend")
}

func TestSearchEmptyQuery(t *testing.T) {
	be := &fakeBackend{}
	d := New(be, time.Hour, nil)
	m, err := d.Search(context.Background(), "   ")
	assert.NoError(t, err)
	assert.Nil(t, m)
	assert.Empty(t, be.queries)
}

func TestSearchCancelled(t *testing.T) {
	d := New(&fakeBackend{}, time.Hour, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := d.Search(ctx, "ana")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMembersFallsBackToLastKnown(t *testing.T) {
	be := &fakeBackend{members: []chat.Member{{UserID: "7", Name: "Ana", Role: "professor"}}}
	d := New(be, 0, nil)
	id := chat.GroupID("cs-101")

	m, err := d.Members(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, m, 1)

	be.mu.Lock()
	be.err = chat.ErrNetwork
	be.members = nil
	be.mu.Unlock()

	m, err = d.Members(context.Background(), id)
	assert.True(t, errors.Is(err, chat.ErrNetwork))
	assert.Equal(t, "Ana", m[0].Name)

	_, err = d.Members(context.Background(), chat.DirectID("7"))
	assert.True(t, chat.IsValidation(err))
}
