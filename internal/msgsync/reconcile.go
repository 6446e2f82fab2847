package msgsync

import (
	"time"

	"github.com/deptportal/msgcore/internal/chat"
)

// DefaultReconcileWindow is how far apart the local and server timestamps of
// the same message may be when no client id is echoed.
const DefaultReconcileWindow = 2 * time.Minute

// Reconcile finds the local pending entry that incoming confirms. log must be
// in display order. An echoed client id wins; otherwise the oldest pending
// entry with the same sender and content whose timestamp lies within window is
// chosen, so identical messages sent back to back are confirmed first in,
// first out. Failed entries are never matched. It returns the index into log.
func Reconcile(log []chat.Message, incoming chat.Message, window time.Duration) (int, bool) {
	if incoming.ClientID != "" {
		for i, m := range log {
			if m.Status == chat.StatusPending && (m.ID == incoming.ClientID || m.ClientID == incoming.ClientID) {
				return i, true
			}
		}
	}
	if window <= 0 {
		window = DefaultReconcileWindow
	}
	for i, m := range log {
		if m.Status != chat.StatusPending || m.SenderID != incoming.SenderID {
			continue
		}
		// An echoed client id that matched nothing belongs to a send made elsewhere.
		if incoming.ClientID != "" && m.ClientID != "" {
			continue
		}
		if !sameContent(m, incoming) {
			continue
		}
		if absDuration(m.CreatedAt.Sub(incoming.CreatedAt)) <= window {
			return i, true
		}
	}
	return -1, false
}

func sameContent(a, b chat.Message) bool {
	if a.Body != b.Body || len(a.Attachments) != len(b.Attachments) {
		return false
	}
	for i := range a.Attachments {
		if a.Attachments[i].Name != b.Attachments[i].Name {
			return false
		}
	}
	return true
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
