package chat

import (
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const tempPrefix = "local-"

// NewTempID returns a temporary message id. The ids are UUIDv7, so two temporary
// ids created by the same process compare in creation order.
func NewTempID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return tempPrefix + uuid.NewString()
	}
	return tempPrefix + id.String()
}

// IsTemporary reports whether id was assigned locally and not yet confirmed.
func IsTemporary(id string) bool {
	return strings.HasPrefix(id, tempPrefix)
}

// Less orders messages by creation time ascending. Ties are broken by id:
// server ids sort before temporary ids, numeric server ids compare numerically,
// everything else compares lexically.
func Less(a, b Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return idLess(a.ID, b.ID)
}

// Compare is the three-way form of Less, usable with slices.SortStableFunc.
func Compare(a, b Message) int {
	switch {
	case Less(a, b):
		return -1
	case Less(b, a):
		return 1
	}
	return 0
}

func idLess(a, b string) bool {
	ta, tb := IsTemporary(a), IsTemporary(b)
	if ta != tb {
		return tb
	}
	if !ta {
		na, errA := strconv.ParseInt(a, 10, 64)
		nb, errB := strconv.ParseInt(b, 10, 64)
		if errA == nil && errB == nil {
			return na < nb
		}
	}
	return a < b
}

// Day is one calendar-day bucket of a grouped log.
type Day struct {
	Date     time.Time
	Messages []Message
}

// GroupByDay splits an ordered log into calendar days in loc. It does not touch
// the input slice.
func GroupByDay(msgs []Message, loc *time.Location) []Day {
	if loc == nil {
		loc = time.Local
	}
	var days []Day
	for _, m := range msgs {
		t := m.CreatedAt.In(loc)
		date := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
		if n := len(days); n > 0 && days[n-1].Date.Equal(date) {
			days[n-1].Messages = append(days[n-1].Messages, m)
			continue
		}
		days = append(days, Day{Date: date, Messages: []Message{m}})
	}
	return days
}

// SortMessages sorts msgs in place using Compare.
func SortMessages(msgs []Message) {
	slices.SortStableFunc(msgs, Compare)
}
