package msgsync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/deptportal/msgcore/internal/backend"
	"github.com/deptportal/msgcore/internal/chat"
)

type fakeFetcher struct {
	mu      sync.Mutex
	calls   atomic.Int32
	cursors []backend.Cursor
	gate    chan struct{}
	pages   []backend.Page
	err     error
}

func (f *fakeFetcher) FetchHistory(_ context.Context, _ chat.ConversationID, before backend.Cursor, _ int) (backend.Page, error) {
	n := int(f.calls.Add(1)) - 1
	f.mu.Lock()
	f.cursors = append(f.cursors, before)
	gate, err := f.gate, f.err
	var page backend.Page
	if n < len(f.pages) {
		page = f.pages[n]
	}
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return page, err
}

func page(hasMore *bool, msgs ...chat.Message) backend.Page {
	return backend.Page{Messages: msgs, HasMore: hasMore}
}

func boolPtr(b bool) *bool { return &b }

func TestLoadMoreSingleFlight(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	f := &fakeFetcher{
		gate:  make(chan struct{}),
		pages: []backend.Page{page(nil, serverMsg("5", "7", "x", t0))},
	}
	p := NewPaginator(f, 30, nil)
	s, _, _ := newSync(t, chat.DirectID("7"))

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := p.LoadMore(context.Background(), s); err != nil {
			t.Errorf("LoadMore: %v", err)
		}
	}()
	for !p.InFlight(s.ID()) {
		time.Sleep(time.Millisecond)
	}

	fetched, err := p.LoadMore(context.Background(), s)
	if fetched || err != nil {
		t.Errorf("second LoadMore = (%v, %v), want no-op", fetched, err)
	}
	close(f.gate)
	<-done

	if got := f.calls.Load(); got != 1 {
		t.Errorf("fetch calls = %d, want 1", got)
	}
	if s.Len() != 1 {
		t.Errorf("log len = %d, want 1", s.Len())
	}
}

func TestLoadMoreAdvancesCursor(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	f := &fakeFetcher{pages: []backend.Page{
		page(boolPtr(true), serverMsg("9", "7", "b", t0.Add(time.Minute)), serverMsg("8", "7", "a", t0)),
		page(boolPtr(false), serverMsg("7", "7", "z", t0.Add(-time.Minute))),
	}}
	p := NewPaginator(f, 2, nil)
	s, _, _ := newSync(t, chat.DirectID("7"))
	ctx := context.Background()

	if _, err := p.LoadMore(ctx, s); err != nil {
		t.Fatal(err)
	}
	if _, err := p.LoadMore(ctx, s); err != nil {
		t.Fatal(err)
	}
	if !f.cursors[0].IsZero() {
		t.Errorf("first cursor = %+v, want zero", f.cursors[0])
	}
	if f.cursors[1].ID != "8" || !f.cursors[1].CreatedAt.Equal(t0) {
		t.Errorf("second cursor = %+v, want oldest of first page", f.cursors[1])
	}
	if p.HasMore(s.ID()) || s.HasMore() {
		t.Error("hasMore should be false after the last page")
	}
	if fetched, _ := p.LoadMore(ctx, s); fetched {
		t.Error("LoadMore after the last page should be a no-op")
	}
	if f.calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", f.calls.Load())
	}
}

func TestLoadMoreFailureKeepsCursor(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	f := &fakeFetcher{pages: []backend.Page{page(boolPtr(true), serverMsg("8", "7", "a", t0))}}
	p := NewPaginator(f, 30, nil)
	s, _, _ := newSync(t, chat.DirectID("7"))
	ctx := context.Background()

	if _, err := p.LoadMore(ctx, s); err != nil {
		t.Fatal(err)
	}
	f.mu.Lock()
	f.err = chat.ErrNetwork
	f.mu.Unlock()
	if _, err := p.LoadMore(ctx, s); !errors.Is(err, chat.ErrNetwork) {
		t.Fatalf("error = %v", err)
	}
	if !errors.Is(s.HistoryError(), chat.ErrNetwork) {
		t.Error("error marker not recorded")
	}

	f.mu.Lock()
	f.err = nil
	f.mu.Unlock()
	if _, err := p.LoadMore(ctx, s); err != nil {
		t.Fatal(err)
	}
	if f.cursors[1] != f.cursors[2] {
		t.Errorf("retry cursor %+v != failed cursor %+v", f.cursors[2], f.cursors[1])
	}
	if s.HistoryError() != nil {
		t.Error("error marker not cleared by a successful page")
	}
}

func TestHasMoreInferredFromPageSize(t *testing.T) {
	t0 := time.Now()
	f := &fakeFetcher{pages: []backend.Page{page(nil, serverMsg("2", "7", "a", t0), serverMsg("1", "7", "b", t0))}}
	p := NewPaginator(f, 3, nil)
	s, _, _ := newSync(t, chat.DirectID("7"))
	if _, err := p.LoadMore(context.Background(), s); err != nil {
		t.Fatal(err)
	}
	if p.HasMore(s.ID()) {
		t.Error("a short page without has_more means the end of history")
	}
}

func TestReloadKeepsCursor(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	f := &fakeFetcher{pages: []backend.Page{
		page(boolPtr(true), serverMsg("8", "7", "a", t0)),
		page(nil, serverMsg("8", "7", "a", t0), serverMsg("9", "7", "new", t0.Add(time.Hour))),
		page(boolPtr(true)),
	}}
	p := NewPaginator(f, 30, nil)
	s, _, _ := newSync(t, chat.DirectID("7"))
	ctx := context.Background()

	if _, err := p.LoadMore(ctx, s); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Reload(ctx, s); err != nil {
		t.Fatal(err)
	}
	if !f.cursors[1].IsZero() {
		t.Errorf("reload cursor = %+v, want newest page", f.cursors[1])
	}
	if s.Len() != 2 || !p.HasMore(s.ID()) {
		t.Errorf("len=%d hasMore=%v", s.Len(), p.HasMore(s.ID()))
	}
	if _, err := p.LoadMore(ctx, s); err != nil {
		t.Fatal(err)
	}
	if f.cursors[2].ID != "8" {
		t.Errorf("LoadMore after reload used cursor %+v", f.cursors[2])
	}
}
