package chat

import "fmt"

// Status is the delivery status of a message from the sender's perspective.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

var statusRank = map[Status]int{
	StatusPending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// ParseStatus maps a wire status onto a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if st == StatusFailed {
		return st, nil
	}
	if _, ok := statusRank[st]; !ok {
		return "", fmt.Errorf("unknown message status %q", s)
	}
	return st, nil
}

// Advance returns the status after applying next. Transitions only move forward
// along pending -> sent -> delivered -> read; failed is terminal and only
// reachable from pending. An invalid transition leaves the status unchanged.
func (s Status) Advance(next Status) Status {
	if s == StatusFailed {
		return s
	}
	if next == StatusFailed {
		if s == StatusPending {
			return StatusFailed
		}
		return s
	}
	cur, ok := statusRank[s]
	if !ok {
		return next
	}
	if n, ok := statusRank[next]; ok && n > cur {
		return next
	}
	return s
}

// Confirmed reports whether the server has accepted the message.
func (s Status) Confirmed() bool {
	return s != StatusPending && s != StatusFailed && s != ""
}
