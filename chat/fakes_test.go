package chat

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/putto11262002/chatter-client/core"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

var baseTimeout = 2 * time.Second

// fakeHistory serves a room's messages newest-first in pages of pageSize.
// A gate registered for a page holds the fetch until it is closed.
type fakeHistory struct {
	mu       sync.Mutex
	pageSize int
	rooms    map[int64][]core.Message // oldest first
	gates    map[[2]int64]chan struct{}
	fail     map[[2]int64]error
	calls    []string
}

func newFakeHistory(pageSize int) *fakeHistory {
	return &fakeHistory{
		pageSize: pageSize,
		rooms:    make(map[int64][]core.Message),
		gates:    make(map[[2]int64]chan struct{}),
		fail:     make(map[[2]int64]error),
	}
}

func (h *fakeHistory) gate(roomID int64, page int) chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	c := make(chan struct{})
	h.gates[[2]int64{roomID, int64(page)}] = c
	return c
}

func (h *fakeHistory) failOnce(roomID int64, page int, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fail[[2]int64{roomID, int64(page)}] = err
}

func (h *fakeHistory) FetchPage(ctx context.Context, roomID int64, page int) (core.Page, error) {
	k := [2]int64{roomID, int64(page)}
	h.mu.Lock()
	h.calls = append(h.calls, fmt.Sprintf("%d/%d", roomID, page))
	gate := h.gates[k]
	h.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return core.Page{}, ctx.Err()
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if err, ok := h.fail[k]; ok {
		delete(h.fail, k)
		return core.Page{}, err
	}
	msgs := h.rooms[roomID]
	end := len(msgs) - page*h.pageSize
	if end <= 0 {
		return core.Page{Index: page}, nil
	}
	start := max(end-h.pageSize, 0)
	out := make([]core.Message, 0, end-start)
	for i := end - 1; i >= start; i-- {
		out = append(out, msgs[i])
	}
	return core.Page{Index: page, Messages: out, HasMore: start > 0}, nil
}

type friendshipCall struct {
	friendID int64
	status   core.FriendshipStatus
}

type fakeRooms struct {
	mu      sync.Mutex
	infos   map[int64]core.RoomInfo
	changes []friendshipCall
}

func newFakeRooms() *fakeRooms {
	return &fakeRooms{infos: make(map[int64]core.RoomInfo)}
}

func (r *fakeRooms) RoomInfo(_ context.Context, roomID int64) (core.RoomInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.infos[roomID]
	if !ok {
		return core.RoomInfo{}, fmt.Errorf("room %d: %w", roomID, core.ErrInvalidRoom)
	}
	info.Users = slices.Clone(info.Users)
	return info, nil
}

func (r *fakeRooms) ChangeFriendship(_ context.Context, friendID int64, status core.FriendshipStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, friendshipCall{friendID, status})
	for id, info := range r.infos {
		for i, u := range info.Users {
			if u.ID == friendID {
				info.Users[i].FriendshipStatus = status
			}
		}
		r.infos[id] = info
	}
	return nil
}

type publishCall struct {
	roomID int64
	body   string
}

// fakeChannel records the calls made by a session. Events are injected
// with emit and carry the generation of the last Connect.
type fakeChannel struct {
	mu         sync.Mutex
	events     chan Event
	gen        uint64
	roomID     int64
	calls      []string
	published  []publishCall
	publishErr error
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{events: make(chan Event, 64)}
}

func (c *fakeChannel) Connect(roomID int64) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.roomID = roomID
	c.calls = append(c.calls, fmt.Sprintf("connect %d", roomID))
	return c.gen, nil
}

func (c *fakeChannel) Disconnect(roomID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, fmt.Sprintf("disconnect %d", roomID))
}

func (c *fakeChannel) Publish(roomID int64, body string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr != nil {
		return c.publishErr
	}
	c.published = append(c.published, publishCall{roomID, body})
	return nil
}

func (c *fakeChannel) Events() <-chan Event {
	return c.events
}

func (c *fakeChannel) emit(e Event) {
	c.mu.Lock()
	e.RoomID, e.Gen = c.roomID, c.gen
	c.mu.Unlock()
	c.events <- e
}

func (c *fakeChannel) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func (c *fakeChannel) Published() []publishCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]publishCall(nil), c.published...)
}

type fakeViewport struct {
	height, top int
	bottomed    int
}

func (v *fakeViewport) ScrollHeight() int { return v.height }

func (v *fakeViewport) ScrollTop() int { return v.top }

func (v *fakeViewport) SetScrollTop(top int) { v.top = top }

func (v *fakeViewport) ScrollToBottom() {
	v.top = v.height
	v.bottomed++
}

// chatMessages returns n messages in room order, one minute apart.
func chatMessages(start time.Time, n int, senders ...int64) []core.Message {
	if len(senders) == 0 {
		senders = []int64{1, 2}
	}
	msgs := make([]core.Message, n)
	for i := range msgs {
		s := senders[i%len(senders)]
		msgs[i] = core.Message{
			Sender:   s,
			Nickname: fmt.Sprintf("user%d", s),
			Body:     fmt.Sprintf("message %d", i+1),
			SentAt:   core.NewTimestamp(start.Add(time.Duration(i) * time.Minute)),
		}
	}
	return msgs
}

func bodies(msgs []core.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Body
	}
	return out
}
