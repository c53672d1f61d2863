package chatter

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/putto11262002/chatter-client/chat"
	"github.com/putto11262002/chatter-client/core"
	"github.com/putto11262002/chatter-client/rooms"
)

// Commands accepted on the input of RunRoom. Any other line is sent.
const (
	CommandMore    = "/more"
	CommandBlock   = "/block"
	CommandUnblock = "/unblock"
	CommandQuit    = "/quit"
)

var errQuit = errors.New("quit")

// RunRoom opens roomID and runs an interactive chat on in and out until
// the input ends, /quit is read, ctx is done or the session reports an
// authentication failure, which is returned.
func (app *App) RunRoom(ctx context.Context, roomID int64, in io.Reader, out io.Writer) error {
	me, err := app.api.Me(ctx)
	if err != nil {
		return err
	}
	if err := app.session.Open(ctx, roomID); err != nil {
		// a failed fetch leaves the room open and shows up in the view
		if core.IsAuth(err) || app.session.Snapshot().RoomID != roomID {
			app.session.Close()
			return err
		}
	}
	defer app.session.Close()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	term := newRoomTerminal(out, me.ID, time.Local)
	term.render(app.session.Snapshot())
	app.session.AfterRender(term)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-app.session.Changes():
				term.render(app.session.Snapshot())
				app.session.AfterRender(term)
			}
		}
	})
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case err := <-app.session.Errors():
				term.notice("error: %v", err)
				if core.IsAuth(err) {
					return err
				}
			}
		}
	})
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return errQuit
				}
				if err := app.command(ctx, strings.TrimSpace(line)); err != nil {
					if errors.Is(err, errQuit) || core.IsAuth(err) {
						return err
					}
					term.notice("%v", err)
				}
			}
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errQuit) {
		return err
	}
	return nil
}

func (app *App) command(ctx context.Context, line string) error {
	switch line {
	case "":
		return nil
	case CommandQuit:
		return errQuit
	case CommandMore:
		return app.session.FetchNext(ctx)
	case CommandBlock:
		return app.session.ChangeFriendship(ctx, core.FriendshipBlocked)
	case CommandUnblock:
		return app.session.ChangeFriendship(ctx, core.FriendshipUnset)
	}
	app.session.SetDraft(line)
	return app.session.SendMessage(ctx, line)
}

// RunRooms prints the room list and reprints it on every change until ctx
// is done or the push stream fails.
func (app *App) RunRooms(ctx context.Context, out io.Writer) error {
	if err := app.rooms.Refresh(ctx); err != nil {
		return err
	}
	printRooms(out, app.rooms.Rooms(), time.Now())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return app.rooms.Watch(ctx, app.notifier)
	})
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-app.rooms.Changes():
				printRooms(out, app.rooms.Rooms(), time.Now())
			}
		}
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func printRooms(out io.Writer, list []core.RoomSummary, now time.Time) {
	fmt.Fprintln(out, strings.Repeat("-", 72))
	for _, r := range list {
		unread := rooms.FormatUnread(r.UnreadMessageCount)
		if unread != "" {
			unread = "(" + unread + ")"
		}
		fmt.Fprintf(out, "%4d  %-20.20s %-30.30s %10s %5s\n",
			r.ChatRoomID, r.ChatRoomName, r.LastMessage, rooms.FormatLastSendAt(r.LastSendAt, now), unread)
	}
}

// roomTerminal prints a session's rows to a line-oriented writer. Rows are
// printed once; older pages are printed below an "earlier" heading. It
// doubles as the viewport: the height is the number of lines written.
type roomTerminal struct {
	out     io.Writer
	self    int64
	loc     *time.Location
	printed map[core.MessageKey]struct{}
	first   core.MessageKey
	lines   int
	top     int

	state    chat.State
	blocked  bool
	room     bool
	fetchErr error
}

func newRoomTerminal(out io.Writer, self int64, loc *time.Location) *roomTerminal {
	return &roomTerminal{out: out, self: self, loc: loc, printed: make(map[core.MessageKey]struct{})}
}

func (t *roomTerminal) render(v chat.View) {
	if v.Room != nil && !t.room {
		t.room = true
		t.println("# %s", v.Room.ChatRoomName)
	}
	if v.State != t.state {
		t.state = v.State
		t.println("* %s", v.State)
	}
	if blocked := v.Room.Blocked(); blocked != t.blocked {
		t.blocked = blocked
		if blocked {
			t.println("* blocked: %s to send again", CommandUnblock)
		} else {
			t.println("* unblocked")
		}
	}
	if v.FetchErr != nil && v.FetchErr != t.fetchErr {
		t.println("* history unavailable (%v): %s to retry", v.FetchErr, CommandMore)
	}
	t.fetchErr = v.FetchErr

	rows := chat.Present(v.Messages, t.self, t.loc)
	earlier := true
	for _, r := range rows {
		k := r.Message.Key()
		if k == t.first {
			earlier = false
		}
		if _, ok := t.printed[k]; ok {
			continue
		}
		if len(t.printed) == 0 {
			t.first = k
			earlier = false
		} else if earlier {
			t.println("-- earlier --")
			earlier = false
		}
		t.printed[k] = struct{}{}
		t.printRow(r)
	}
}

func (t *roomTerminal) printRow(r chat.Row) {
	if r.Divider != "" {
		t.println("---- %s ----", r.Divider)
	}
	var sb strings.Builder
	switch {
	case r.Mine:
		sb.WriteString("    > ")
	case r.ShowNickname:
		sb.WriteString(r.Message.Nickname)
		sb.WriteString(": ")
	default:
		sb.WriteString(strings.Repeat(" ", len(r.Message.Nickname)+2))
	}
	sb.WriteString(r.Message.Body)
	if r.Time != "" {
		sb.WriteString("  ")
		sb.WriteString(r.Time)
	}
	t.println("%s", sb.String())
}

func (t *roomTerminal) notice(format string, args ...any) {
	t.println("! "+format, args...)
}

func (t *roomTerminal) println(format string, args ...any) {
	fmt.Fprintf(t.out, format+"\n", args...)
	t.lines++
}

func (t *roomTerminal) ScrollHeight() int { return t.lines }

func (t *roomTerminal) ScrollTop() int { return t.top }

func (t *roomTerminal) SetScrollTop(top int) { t.top = top }

func (t *roomTerminal) ScrollToBottom() { t.top = t.lines }
