package rooms

import (
	"strconv"
	"time"

	"github.com/putto11262002/chatter-client/core"
)

// FormatLastSendAt renders a room's last message time relative to now:
// the clock time today, "Yesterday", the month and day this year, or the
// full date before that.
func FormatLastSendAt(t *core.Timestamp, now time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	at := t.In(now.Location())
	switch {
	case sameDay(at, now):
		return at.Format("15:04")
	case sameDay(at, now.AddDate(0, 0, -1)):
		return "Yesterday"
	case at.Year() == now.Year():
		return at.Format("January 2")
	default:
		return at.Format("2006-01-02")
	}
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// FormatUnread renders an unread badge. Zero renders nothing.
func FormatUnread(n int) string {
	switch {
	case n <= 0:
		return ""
	case n > 99:
		return "99+"
	}
	return strconv.Itoa(n)
}
