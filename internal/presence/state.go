// Package presence tracks which users are online and which are typing.
//
// The tracked sets are an immutable State value rebuilt by Apply for every
// event, so any event sequence can be replayed deterministically in tests. The
// Tracker wraps a State with a mutex and owns the typing timeouts.
package presence

import (
	"maps"
	"slices"
)

// EventKind is the kind of a presence event.
type EventKind string

const (
	EventOnline EventKind = "online"
	EventTyping EventKind = "typing"
	// EventTypingExpired is emitted by the tracker itself when no typing=false
	// arrived within the timeout.
	EventTypingExpired EventKind = "typing_expired"
)

// Event is a discrete presence signal.
type Event struct {
	Kind   EventKind
	UserID string
	Value  bool
	// Gen identifies the typing=true event an expiry belongs to. Set by the tracker.
	Gen uint64
}

// PeerState is the derived view of one peer.
type PeerState struct {
	Online bool
	Typing bool
}

// State is an immutable snapshot of the online and typing sets.
type State struct {
	online map[string]struct{}
	// typing maps user id to the generation of the typing=true event that set it.
	typing map[string]uint64
}

// Apply returns the state that results from applying evt to s. s is not modified.
func Apply(s State, evt Event) State {
	if evt.UserID == "" {
		return s
	}
	switch evt.Kind {
	case EventOnline:
		_, was := s.online[evt.UserID]
		if was == evt.Value {
			return s
		}
		next := State{online: maps.Clone(s.online), typing: s.typing}
		if next.online == nil {
			next.online = make(map[string]struct{})
		}
		if evt.Value {
			next.online[evt.UserID] = struct{}{}
			return next
		}
		delete(next.online, evt.UserID)
		// An offline user cannot be typing.
		if _, typing := s.typing[evt.UserID]; typing {
			next.typing = maps.Clone(s.typing)
			delete(next.typing, evt.UserID)
		}
		return next
	case EventTyping:
		next := State{online: s.online, typing: maps.Clone(s.typing)}
		if next.typing == nil {
			next.typing = make(map[string]uint64)
		}
		if evt.Value {
			next.typing[evt.UserID] = evt.Gen
		} else {
			if _, ok := s.typing[evt.UserID]; !ok {
				return s
			}
			delete(next.typing, evt.UserID)
		}
		return next
	case EventTypingExpired:
		gen, ok := s.typing[evt.UserID]
		if !ok || gen != evt.Gen {
			return s
		}
		next := State{online: s.online, typing: maps.Clone(s.typing)}
		delete(next.typing, evt.UserID)
		return next
	}
	return s
}

// Replay applies events in order starting from the empty state.
func Replay(events ...Event) State {
	var s State
	for _, e := range events {
		s = Apply(s, e)
	}
	return s
}

// IsOnline reports whether userID is online.
func (s State) IsOnline(userID string) bool {
	_, ok := s.online[userID]
	return ok
}

// IsTyping reports whether userID is typing.
func (s State) IsTyping(userID string) bool {
	_, ok := s.typing[userID]
	return ok
}

// Peer returns the derived state for one peer.
func (s State) Peer(userID string) PeerState {
	return PeerState{Online: s.IsOnline(userID), Typing: s.IsTyping(userID)}
}

// OnlineUsers returns the online user ids, sorted.
func (s State) OnlineUsers() []string {
	return slices.Sorted(maps.Keys(s.online))
}

// TypingUsers returns the typing user ids, sorted.
func (s State) TypingUsers() []string {
	return slices.Sorted(maps.Keys(s.typing))
}
