// Package msgsync owns the message log of each conversation: it merges history
// pages and live events, tracks optimistic sends until the server confirms
// them, and pages older history in on demand.
package msgsync

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/deptportal/msgcore/internal/bus"
	"github.com/deptportal/msgcore/internal/chat"
	"go.uber.org/zap"
)

// SendRequest is an optimistic message handed to the Dispatcher.
type SendRequest struct {
	TempID         string
	ConversationID chat.ConversationID
	Body           string
	Attachments    []chat.Attachment
}

// Receiver gets the outcome of a dispatched send.
type Receiver interface {
	Confirm(tempID string, msg chat.Message)
	Fail(tempID string, err error)
	Progress(tempID string, attachment, percent int)
}

// Dispatcher delivers optimistic sends to the backend asynchronously.
type Dispatcher interface {
	Dispatch(req SendRequest, r Receiver)
}

// Remote performs edits and deletions on the backend.
type Remote interface {
	EditMessage(ctx context.Context, id, body string) error
	DeleteMessage(ctx context.Context, id string) error
}

// Options configure a Synchronizer.
type Options struct {
	ConversationID chat.ConversationID
	// Self is the current user id.
	Self   string
	Window time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
	// ReleasePreview removes a staged attachment preview once the send that
	// shows it is confirmed or discarded. Optional.
	ReleasePreview func(ref string)
}

// Synchronizer owns the ordered message log of one conversation. All methods
// are safe for concurrent use; no lock is held across a network call.
type Synchronizer struct {
	conv       chat.ConversationID
	self       string
	window     time.Duration
	now        func() time.Time
	dispatcher Dispatcher
	remote     Remote
	bus        *bus.Bus
	logger     *zap.Logger
	release    func(ref string)

	mu         sync.Mutex
	msgs       []chat.Message
	tombstones map[string]struct{}
	// previews holds the preview refs of each outstanding send, by temp id.
	previews   map[string][]string
	hasMore    bool
	historyErr error
	stale      bool
}

// New creates an empty Synchronizer.
func New(opts Options, dispatcher Dispatcher, remote Remote, b *bus.Bus, logger *zap.Logger) *Synchronizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	window := opts.Window
	if window <= 0 {
		window = DefaultReconcileWindow
	}
	return &Synchronizer{
		conv:       opts.ConversationID,
		self:       opts.Self,
		window:     window,
		now:        now,
		dispatcher: dispatcher,
		remote:     remote,
		bus:        b,
		logger:     logger.With(zap.String("conversation", string(opts.ConversationID))),
		release:    opts.ReleasePreview,
		tombstones: make(map[string]struct{}),
		previews:   make(map[string][]string),
		hasMore:    true,
	}
}

// ID returns the conversation this log belongs to.
func (s *Synchronizer) ID() chat.ConversationID { return s.conv }

// Snapshot returns a copy of the log in display order.
func (s *Synchronizer) Snapshot() []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]chat.Message, len(s.msgs))
	for i, m := range s.msgs {
		out[i] = m.Clone()
	}
	return out
}

// Get returns one message by id.
func (s *Synchronizer) Get(id string) (chat.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexLocked(id); i >= 0 {
		return s.msgs[i].Clone(), true
	}
	return chat.Message{}, false
}

// Len returns the number of messages in the log.
func (s *Synchronizer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

// HasMore reports whether older history may exist on the server.
func (s *Synchronizer) HasMore() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasMore
}

// HistoryError returns the error of the last failed history fetch, nil after a
// successful one.
func (s *Synchronizer) HistoryError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.historyErr
}

// SetHistoryError records a failed history fetch. The log is left untouched.
func (s *Synchronizer) SetHistoryError(err error) {
	s.mu.Lock()
	s.historyErr = err
	s.mu.Unlock()
	if err != nil {
		s.bus.Publish(bus.NewEvent(bus.KindHistoryLoaded, HistoryLoaded{
			ConversationID: s.conv, HasMore: s.HasMore(), Err: err.Error(),
		}))
	}
}

// MarkStale flags the log as possibly behind the server. Set by the registry
// when a message for an inactive conversation arrives.
func (s *Synchronizer) MarkStale() {
	s.mu.Lock()
	s.stale = true
	s.mu.Unlock()
}

// TakeStale clears the stale flag and reports whether it was set.
func (s *Synchronizer) TakeStale() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	was := s.stale
	s.stale = false
	return was
}

// Seed loads previously cached messages. Unlike history pages it publishes
// nothing and does not touch the pagination state.
func (s *Synchronizer) Seed(msgs []chat.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range msgs {
		if m.ConversationID != s.conv || chat.IsTemporary(m.ID) {
			continue
		}
		s.upsertLocked(m)
	}
}

// IngestHistoryPage merges a page of older messages. Messages already in the
// log are merged by id; a page may also confirm pending sends.
func (s *Synchronizer) IngestHistoryPage(msgs []chat.Message, hasMore bool) {
	var changed []chat.Message
	s.mu.Lock()
	for _, m := range msgs {
		if m.ConversationID != "" && m.ConversationID != s.conv {
			continue
		}
		m.ConversationID = s.conv
		if out, ok := s.upsertLocked(m); ok {
			changed = append(changed, out)
		}
	}
	s.hasMore = hasMore
	s.historyErr = nil
	s.mu.Unlock()

	for _, m := range changed {
		s.publishUpsert(m)
	}
	s.bus.Publish(bus.NewEvent(bus.KindHistoryLoaded, HistoryLoaded{
		ConversationID: s.conv, Count: len(msgs), HasMore: hasMore,
	}))
}

// IngestLive merges one message from the live feed. A matching pending send
// is replaced in place; otherwise the message is inserted in order.
func (s *Synchronizer) IngestLive(msg chat.Message) {
	msg.ConversationID = s.conv
	s.mu.Lock()
	out, ok := s.upsertLocked(msg)
	s.mu.Unlock()
	if ok {
		s.publishUpsert(out)
	}
}

// upsertLocked merges msg into the log and returns the stored copy. It reports
// false when nothing changed or the id was deleted locally.
func (s *Synchronizer) upsertLocked(msg chat.Message) (chat.Message, bool) {
	if _, gone := s.tombstones[msg.ID]; gone {
		return chat.Message{}, false
	}
	if msg.Status == "" {
		msg.Status = chat.StatusSent
		if msg.SenderID != s.self {
			msg.Status = chat.StatusDelivered
		}
	}

	if i := s.indexLocked(msg.ID); i >= 0 {
		cur := s.msgs[i]
		merged := msg.Clone()
		merged.Status = cur.Status.Advance(msg.Status)
		if merged.ClientID == "" {
			merged.ClientID = cur.ClientID
		}
		if merged.EditedAt == nil && cur.EditedAt != nil {
			// A server copy without an edit stamp is older than our edited copy.
			merged.Body = cur.Body
			merged.EditedAt = cur.EditedAt
		}
		if equalMessage(cur, merged) {
			return chat.Message{}, false
		}
		s.replaceLocked(i, merged)
		return merged.Clone(), true
	}

	if i, ok := Reconcile(s.msgs, msg, s.window); ok {
		cur := s.msgs[i]
		merged := msg.Clone()
		merged.Status = cur.Status.Advance(msg.Status)
		if merged.Status == chat.StatusPending {
			merged.Status = chat.StatusSent
		}
		merged.ClientID = cur.ID
		s.replaceLocked(i, merged)
		s.logger.Debug("reconciled pending message",
			zap.String("temp_id", cur.ID), zap.String("id", merged.ID))
		return merged.Clone(), true
	}

	stored := msg.Clone()
	s.insertLocked(stored)
	return stored.Clone(), true
}

// SendOptimistic appends a pending message for draft, hands it to the
// dispatcher and returns immediately.
func (s *Synchronizer) SendOptimistic(draft chat.Draft) (chat.Message, error) {
	if draft.Empty() {
		return chat.Message{}, chat.ErrEmptyMessage
	}
	id := chat.NewTempID()
	msg := chat.Message{
		ID:             id,
		ClientID:       id,
		ConversationID: s.conv,
		SenderID:       s.self,
		Body:           draft.Body,
		CreatedAt:      s.now(),
		Status:         chat.StatusPending,
	}
	for _, a := range draft.Attachments {
		if !a.Uploaded() && a.Progress == nil {
			zero := 0
			a.Progress = &zero
		}
		msg.Attachments = append(msg.Attachments, a)
	}

	var refs []string
	for _, a := range msg.Attachments {
		if a.PreviewRef != "" {
			refs = append(refs, a.PreviewRef)
		}
	}

	s.mu.Lock()
	s.insertLocked(msg.Clone())
	if len(refs) > 0 {
		s.previews[id] = refs
	}
	s.mu.Unlock()
	s.publishUpsert(msg)

	if s.dispatcher != nil {
		s.dispatcher.Dispatch(SendRequest{
			TempID:         id,
			ConversationID: s.conv,
			Body:           msg.Body,
			Attachments:    cloneAttachments(msg.Attachments),
		}, s)
	}
	return msg.Clone(), nil
}

// Confirm replaces the pending entry tempID with the server's copy. If the
// live echo already reconciled the entry, only the status is advanced.
func (s *Synchronizer) Confirm(tempID string, msg chat.Message) {
	msg.ConversationID = s.conv
	if msg.ClientID == "" {
		msg.ClientID = tempID
	}
	if msg.Status == "" || msg.Status == chat.StatusPending {
		msg.Status = chat.StatusSent
	}

	s.mu.Lock()
	refs := s.takePreviewsLocked(tempID)
	ti := s.indexLocked(tempID)
	if ti >= 0 && s.msgs[ti].Status != chat.StatusPending {
		// Failed entries are terminal; the server copy is kept as its own entry.
		ti = -1
	}
	si := s.indexLocked(msg.ID)
	collapsed := ti >= 0 && si >= 0
	var out chat.Message
	found := true
	switch {
	case collapsed:
		// The echo arrived first but was not matched; fold the two entries.
		s.msgs = slices.Delete(s.msgs, ti, ti+1)
		si = s.indexLocked(msg.ID)
		merged := s.msgs[si].Clone()
		merged.Status = merged.Status.Advance(msg.Status)
		merged.ClientID = tempID
		s.replaceLocked(si, merged)
		out = merged
	case ti >= 0:
		merged := msg.Clone()
		merged.Status = chat.StatusPending.Advance(msg.Status)
		s.replaceLocked(ti, merged)
		out = merged
	default:
		var changed bool
		out, changed = s.upsertLocked(msg)
		if !changed {
			i := s.indexLocked(msg.ID)
			found = i >= 0
			if found {
				out = s.msgs[i].Clone()
			}
		}
	}
	s.mu.Unlock()
	s.releasePreviews(refs)

	if collapsed {
		s.bus.Publish(bus.NewEvent(bus.KindMessageRemoved, Removed{ConversationID: s.conv, ID: tempID}))
	}
	if !found {
		return
	}
	s.publishUpsert(out)
	s.bus.Publish(bus.NewEvent(bus.KindMessageSendAck, SendAck{ConversationID: s.conv, TempID: tempID, Message: out.Clone()}))
}

// Fail flips a pending entry to failed. The entry stays in the log until it is
// retried or discarded.
func (s *Synchronizer) Fail(tempID string, err error) {
	s.mu.Lock()
	i := s.indexLocked(tempID)
	if i < 0 || s.msgs[i].Status != chat.StatusPending {
		s.mu.Unlock()
		return
	}
	s.msgs[i].Status = chat.StatusFailed
	out := s.msgs[i].Clone()
	s.mu.Unlock()

	s.logger.Warn("send failed", zap.String("temp_id", tempID), zap.Error(err))
	s.publishUpsert(out)
	reason := ""
	if err != nil {
		reason = err.Error()
	}
	s.bus.Publish(bus.NewEvent(bus.KindMessageSendFailed, SendFailed{ConversationID: s.conv, TempID: tempID, Err: reason}))
}

// Progress records the upload percentage of one attachment of a pending send.
func (s *Synchronizer) Progress(tempID string, attachment, percent int) {
	s.mu.Lock()
	i := s.indexLocked(tempID)
	if i < 0 || attachment < 0 || attachment >= len(s.msgs[i].Attachments) || s.msgs[i].Status != chat.StatusPending {
		s.mu.Unlock()
		return
	}
	p := min(max(percent, 0), 100)
	s.msgs[i].Attachments[attachment].Progress = &p
	out := s.msgs[i].Clone()
	s.mu.Unlock()
	s.publishUpsert(out)
}

// Retry re-sends a failed entry under a fresh temporary id.
func (s *Synchronizer) Retry(tempID string) (chat.Message, error) {
	s.mu.Lock()
	i := s.indexLocked(tempID)
	if i < 0 {
		s.mu.Unlock()
		return chat.Message{}, chat.ErrNotFound
	}
	if s.msgs[i].Status != chat.StatusFailed {
		s.mu.Unlock()
		return chat.Message{}, chat.NewValidationError("only failed messages can be retried", "id")
	}
	old := s.msgs[i]
	s.msgs = slices.Delete(s.msgs, i, i+1)
	// The previews move to the new temporary id.
	delete(s.previews, tempID)
	s.mu.Unlock()

	s.bus.Publish(bus.NewEvent(bus.KindMessageRemoved, Removed{ConversationID: s.conv, ID: tempID}))
	draft := chat.Draft{ConversationID: s.conv, Body: old.Body}
	for _, a := range old.Attachments {
		if !a.Uploaded() {
			a.Progress = nil
		}
		draft.Attachments = append(draft.Attachments, a)
	}
	return s.SendOptimistic(draft)
}

// Discard removes a failed entry.
func (s *Synchronizer) Discard(tempID string) error {
	s.mu.Lock()
	i := s.indexLocked(tempID)
	if i < 0 {
		s.mu.Unlock()
		return chat.ErrNotFound
	}
	if s.msgs[i].Status != chat.StatusFailed {
		s.mu.Unlock()
		return chat.NewValidationError("only failed messages can be discarded", "id")
	}
	s.msgs = slices.Delete(s.msgs, i, i+1)
	refs := s.takePreviewsLocked(tempID)
	s.mu.Unlock()
	s.releasePreviews(refs)

	s.bus.Publish(bus.NewEvent(bus.KindMessageRemoved, Removed{ConversationID: s.conv, ID: tempID}))
	return nil
}

// Edit changes the body of a message the current user sent. The change is
// shown immediately and reverted if the server rejects it.
func (s *Synchronizer) Edit(ctx context.Context, id, body string) error {
	s.mu.Lock()
	i := s.indexLocked(id)
	if i < 0 {
		s.mu.Unlock()
		return chat.ErrNotFound
	}
	cur := s.msgs[i]
	switch {
	case cur.SenderID != s.self:
		s.mu.Unlock()
		return chat.ErrNotOwner
	case chat.IsTemporary(cur.ID):
		s.mu.Unlock()
		return chat.NewValidationError("message is not confirmed yet", "id")
	case (chat.Draft{Body: body, Attachments: cur.Attachments}).Empty():
		s.mu.Unlock()
		return chat.ErrEmptyMessage
	}
	before := cur.Clone()
	edited := cur.Clone()
	now := s.now()
	edited.Body = body
	edited.EditedAt = &now
	s.msgs[i] = edited
	s.mu.Unlock()
	s.publishUpsert(edited)

	if s.remote == nil {
		return nil
	}
	if err := s.remote.EditMessage(ctx, id, body); err != nil {
		s.mu.Lock()
		j := s.indexLocked(id)
		reverted := j >= 0 && s.msgs[j].Body == body && sameTime(s.msgs[j].EditedAt, &now)
		restored := before.Clone()
		if reverted {
			restored.Status = s.msgs[j].Status
			s.msgs[j] = restored.Clone()
		}
		s.mu.Unlock()
		if reverted {
			s.publishUpsert(restored)
		}
		s.logger.Warn("edit rejected", zap.String("id", id), zap.Error(err))
		return err
	}
	return nil
}

// Delete removes a message the current user sent. The removal is shown
// immediately and undone if the server rejects it.
func (s *Synchronizer) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	i := s.indexLocked(id)
	if i < 0 {
		s.mu.Unlock()
		return chat.ErrNotFound
	}
	cur := s.msgs[i]
	switch {
	case cur.SenderID != s.self:
		s.mu.Unlock()
		return chat.ErrNotOwner
	case chat.IsTemporary(cur.ID):
		s.mu.Unlock()
		return chat.NewValidationError("message is not confirmed yet; discard it instead", "id")
	}
	s.msgs = slices.Delete(s.msgs, i, i+1)
	s.tombstones[id] = struct{}{}
	s.mu.Unlock()
	s.bus.Publish(bus.NewEvent(bus.KindMessageRemoved, Removed{ConversationID: s.conv, ID: id}))

	if s.remote == nil {
		return nil
	}
	if err := s.remote.DeleteMessage(ctx, id); err != nil {
		s.mu.Lock()
		delete(s.tombstones, id)
		restored := s.indexLocked(id) < 0
		if restored {
			s.insertLocked(cur.Clone())
		}
		s.mu.Unlock()
		if restored {
			s.publishUpsert(cur)
		}
		s.logger.Warn("delete rejected", zap.String("id", id), zap.Error(err))
		return err
	}
	return nil
}

// MarkRead marks every delivered message from other users as read and returns
// how many changed. Calling it again without new messages changes nothing.
func (s *Synchronizer) MarkRead() int {
	var changed []chat.Message
	s.mu.Lock()
	for i := range s.msgs {
		m := &s.msgs[i]
		if m.SenderID == s.self || m.Status != chat.StatusDelivered {
			continue
		}
		m.Status = chat.StatusRead
		changed = append(changed, m.Clone())
	}
	s.mu.Unlock()
	for _, m := range changed {
		s.publishUpsert(m)
	}
	return len(changed)
}

// ApplyReceipt advances the status of a message. Statuses never move backwards.
func (s *Synchronizer) ApplyReceipt(id string, st chat.Status) bool {
	s.mu.Lock()
	i := s.indexLocked(id)
	if i < 0 {
		s.mu.Unlock()
		return false
	}
	next := s.msgs[i].Status.Advance(st)
	if next == s.msgs[i].Status {
		s.mu.Unlock()
		return false
	}
	s.msgs[i].Status = next
	out := s.msgs[i].Clone()
	s.mu.Unlock()
	s.publishUpsert(out)
	return true
}

// ApplyEdit applies an edit made on the server, possibly from another device.
func (s *Synchronizer) ApplyEdit(id, body string, editedAt time.Time) bool {
	if editedAt.IsZero() {
		editedAt = s.now()
	}
	s.mu.Lock()
	i := s.indexLocked(id)
	if i < 0 {
		s.mu.Unlock()
		return false
	}
	if e := s.msgs[i].EditedAt; s.msgs[i].Body == body && e != nil && !e.Before(editedAt) {
		s.mu.Unlock()
		return false
	}
	s.msgs[i].Body = body
	s.msgs[i].EditedAt = &editedAt
	out := s.msgs[i].Clone()
	s.mu.Unlock()
	s.publishUpsert(out)
	return true
}

// ApplyDelete removes a message deleted on the server.
func (s *Synchronizer) ApplyDelete(id string) bool {
	s.mu.Lock()
	s.tombstones[id] = struct{}{}
	i := s.indexLocked(id)
	if i < 0 {
		s.mu.Unlock()
		return false
	}
	s.msgs = slices.Delete(s.msgs, i, i+1)
	s.mu.Unlock()
	s.bus.Publish(bus.NewEvent(bus.KindMessageRemoved, Removed{ConversationID: s.conv, ID: id}))
	return true
}

// Pending returns the entries still waiting for the server, oldest first.
func (s *Synchronizer) Pending() []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []chat.Message
	for _, m := range s.msgs {
		if m.Status == chat.StatusPending || m.Status == chat.StatusFailed {
			out = append(out, m.Clone())
		}
	}
	return out
}

func (s *Synchronizer) takePreviewsLocked(tempID string) []string {
	refs := s.previews[tempID]
	delete(s.previews, tempID)
	return refs
}

func (s *Synchronizer) releasePreviews(refs []string) {
	if s.release == nil {
		return
	}
	for _, ref := range refs {
		s.release(ref)
	}
}

func (s *Synchronizer) indexLocked(id string) int {
	if id == "" {
		return -1
	}
	for i := len(s.msgs) - 1; i >= 0; i-- {
		if s.msgs[i].ID == id {
			return i
		}
	}
	return -1
}

// insertLocked inserts m at its sorted position. Equal keys go after existing
// entries.
func (s *Synchronizer) insertLocked(m chat.Message) {
	i, _ := slices.BinarySearchFunc(s.msgs, m, func(e, t chat.Message) int {
		if chat.Less(t, e) {
			return 1
		}
		return -1
	})
	s.msgs = slices.Insert(s.msgs, i, m)
}

// replaceLocked puts m at index i, keeping the position unless that breaks the
// ordering, in which case m is moved to its sorted position.
func (s *Synchronizer) replaceLocked(i int, m chat.Message) {
	inOrder := (i == 0 || !chat.Less(m, s.msgs[i-1])) &&
		(i == len(s.msgs)-1 || !chat.Less(s.msgs[i+1], m))
	if inOrder {
		s.msgs[i] = m
		return
	}
	s.msgs = slices.Delete(s.msgs, i, i+1)
	s.insertLocked(m)
}

func (s *Synchronizer) publishUpsert(m chat.Message) {
	s.bus.Publish(bus.NewEvent(bus.KindMessageUpserted, Upserted{ConversationID: s.conv, Message: m.Clone()}))
}

func cloneAttachments(in []chat.Attachment) []chat.Attachment {
	return chat.Message{Attachments: in}.Clone().Attachments
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func equalMessage(a, b chat.Message) bool {
	if a.ID != b.ID || a.ClientID != b.ClientID || a.Body != b.Body || a.Status != b.Status ||
		a.SenderID != b.SenderID || a.SenderName != b.SenderName || a.SenderRole != b.SenderRole ||
		!a.CreatedAt.Equal(b.CreatedAt) || !sameTime(a.EditedAt, b.EditedAt) ||
		len(a.Attachments) != len(b.Attachments) {
		return false
	}
	for i := range a.Attachments {
		x, y := a.Attachments[i], b.Attachments[i]
		if x.Name != y.Name || x.URL != y.URL || x.Kind != y.Kind || x.Size != y.Size {
			return false
		}
	}
	return true
}
