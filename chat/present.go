package chat

import (
	"time"

	"github.com/putto11262002/chatter-client/core"
)

const (
	dividerDay    = "2006-01-02"
	dividerLayout = "Monday, January 2, 2006"
	timeLayout    = "15:04"
)

// Row is one rendered message with its grouping decorations.
type Row struct {
	Message core.Message
	// Mine is true for messages sent by the current user.
	Mine bool
	// Divider is the date heading shown above the row, empty when none.
	Divider string
	// ShowNickname is true when the sender's name and avatar head a group.
	// It is never set for the current user's own messages.
	ShowNickname bool
	// Time is the HH:mm label closing a group, empty when hidden.
	Time string
}

// Present derives the grouping of msgs, given oldest-first, for the user
// self. It holds no state and must be called again whenever the sequence changes.
//
// A date divider opens every calendar day. The nickname is shown on the
// first message of a run from the same sender, or after a divider. The time
// is shown on the last message of a run that shares sender and minute.
func Present(msgs []core.Message, self int64, loc *time.Location) []Row {
	if loc == nil {
		loc = time.Local
	}
	rows := make([]Row, len(msgs))
	for i, m := range msgs {
		at := m.SentAt.In(loc)
		r := Row{Message: m, Mine: m.Sender == self}

		divider := i == 0 || at.Format(dividerDay) != msgs[i-1].SentAt.In(loc).Format(dividerDay)
		if divider {
			r.Divider = at.Format(dividerLayout)
		}
		r.ShowNickname = !r.Mine && (i == 0 || msgs[i-1].Sender != m.Sender || divider)

		last := i == len(msgs)-1
		if !last {
			next := msgs[i+1]
			nextAt := next.SentAt.In(loc)
			last = next.Sender != m.Sender ||
				nextAt.Format(timeLayout) != at.Format(timeLayout) ||
				nextAt.Format(dividerDay) != at.Format(dividerDay)
		}
		if last {
			r.Time = at.Format(timeLayout)
		}
		rows[i] = r
	}
	return rows
}
