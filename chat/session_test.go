package chat

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/putto11262002/chatter-client/core"
)

type sessionFixture struct {
	t       *testing.T
	ctx     context.Context
	history *fakeHistory
	rooms   *fakeRooms
	channel *fakeChannel
	session *Session
	// messages of room 1, oldest first
	msgs []core.Message
}

func setUpSessionFixture(t *testing.T) *sessionFixture {
	f := &sessionFixture{
		t:       t,
		ctx:     context.Background(),
		history: newFakeHistory(20),
		rooms:   newFakeRooms(),
		channel: newFakeChannel(),
	}
	start := time.Date(2024, 3, 4, 9, 0, 0, 0, time.Local)
	f.msgs = chatMessages(start, 25)
	f.history.rooms[1] = f.msgs
	f.history.rooms[2] = chatMessages(start, 3, 3)
	f.rooms.infos[1] = core.RoomInfo{ChatRoomID: 1, ChatRoomName: "user2", ChatRoomType: core.PrivateRoom,
		Users: []core.RoomUser{{ID: 2, Nickname: "user2"}}}
	f.rooms.infos[2] = core.RoomInfo{ChatRoomID: 2, ChatRoomName: "team", ChatRoomType: core.GroupRoom,
		Users: []core.RoomUser{{ID: 3, Nickname: "user3"}}}
	f.session = NewSession(f.history, f.rooms, f.channel, WithSessionLogger(discard))
	return f
}

func (f *sessionFixture) tearDown() {
	f.session.Shutdown()
}

func (f *sessionFixture) open(roomID int64) {
	require.NoError(f.t, f.session.Open(f.ctx, roomID))
}

// barrier waits until every event emitted so far has been handled. Events
// are handled in order, so the state it sets is observed last.
func (f *sessionFixture) barrier(s State) {
	f.channel.emit(Event{Kind: EventState, State: s})
	require.Eventually(f.t, func() bool {
		return f.session.Snapshot().State == s
	}, baseTimeout, baseTimeout/50)
}

func (f *sessionFixture) live(body string, at time.Time) core.Message {
	m := core.Message{Sender: 2, Nickname: "user2", Body: body, SentAt: core.NewTimestamp(at)}
	f.channel.emit(Event{Kind: EventMessage, Message: m})
	return m
}

func assertChronological(t *testing.T, msgs []core.Message) {
	assert.True(t, slices.IsSortedFunc(msgs, func(a, b core.Message) int {
		return a.SentAt.Compare(b.SentAt.Time)
	}), "messages are not in chronological order")
	keys := make(map[core.MessageKey]int)
	for _, m := range msgs {
		keys[m.Key()]++
	}
	for k, n := range keys {
		assert.Equal(t, 1, n, "duplicate message %v", k)
	}
}

func TestSessionPagesThroughHistory(t *testing.T) {
	f := setUpSessionFixture(t)
	defer f.tearDown()

	f.open(1)
	v := f.session.Snapshot()
	assert.Equal(t, int64(1), v.RoomID)
	require.NotNil(t, v.Room)
	assert.Equal(t, bodies(f.msgs[5:]), bodies(v.Messages))
	assert.True(t, v.HasMore)
	assert.Equal(t, 1, v.NextPage)
	assert.True(t, v.StickToBottom)
	assert.False(t, v.Loading)

	require.NoError(t, f.session.FetchNext(f.ctx))
	v = f.session.Snapshot()
	assert.Equal(t, bodies(f.msgs), bodies(v.Messages))
	assert.False(t, v.HasMore)
	assert.Equal(t, 2, v.NextPage)

	assert.ErrorIs(t, f.session.FetchNext(f.ctx), core.ErrNoMoreHistory)
	assert.Equal(t, []string{"1/0", "1/1"}, f.history.calls)
}

func TestSessionAppendsLiveMessages(t *testing.T) {
	f := setUpSessionFixture(t)
	defer f.tearDown()

	f.open(1)
	assert.False(t, f.session.Snapshot().Ready)
	f.barrier(Connected)
	assert.True(t, f.session.Snapshot().Ready)

	last := f.msgs[len(f.msgs)-1].SentAt.Time
	f.live("fresh", last.Add(time.Minute))
	require.Eventually(t, func() bool {
		return len(f.session.Snapshot().Messages) == 21
	}, baseTimeout, baseTimeout/50)

	v := f.session.Snapshot()
	assert.Equal(t, "fresh", v.Messages[20].Body)
	assert.True(t, v.StickToBottom)
}

func TestSessionDeduplicatesHistoryAndLive(t *testing.T) {
	f := setUpSessionFixture(t)
	defer f.tearDown()

	gate := f.history.gate(1, 0)
	opened := make(chan error, 1)
	go func() { opened <- f.session.Open(f.ctx, 1) }()
	require.Eventually(t, func() bool {
		f.history.mu.Lock()
		defer f.history.mu.Unlock()
		return slices.Contains(f.history.calls, "1/0")
	}, baseTimeout, baseTimeout/50)

	// pushed before page 0 landed: one is also part of page 0
	newest := f.msgs[len(f.msgs)-1]
	f.channel.emit(Event{Kind: EventMessage, Message: newest})
	f.live("early", newest.SentAt.Add(time.Second))
	f.barrier(Connected)
	assert.Empty(t, f.session.Snapshot().Messages, "live messages must wait for page 0")

	close(gate)
	require.NoError(t, <-opened)
	v := f.session.Snapshot()
	require.Len(t, v.Messages, 21)
	assert.Equal(t, "early", v.Messages[20].Body)

	// a late echo of a history message is dropped
	f.channel.emit(Event{Kind: EventMessage, Message: f.msgs[22]})
	f.barrier(Reconnecting)
	v = f.session.Snapshot()
	assert.Len(t, v.Messages, 21)

	require.NoError(t, f.session.FetchNext(f.ctx))
	v = f.session.Snapshot()
	assert.Len(t, v.Messages, 26)
	assertChronological(t, v.Messages)
}

func TestSessionOrdersSkewedLiveMessage(t *testing.T) {
	f := setUpSessionFixture(t)
	defer f.tearDown()

	f.open(1)
	f.barrier(Connected)
	skewed := f.msgs[20].SentAt.Add(30 * time.Second)
	f.live("skewed", skewed)
	require.Eventually(t, func() bool {
		return len(f.session.Snapshot().Messages) == 21
	}, baseTimeout, baseTimeout/50)

	v := f.session.Snapshot()
	assertChronological(t, v.Messages)
	assert.Equal(t, "skewed", v.Messages[16].Body)
}

func TestSessionLiveWinsTiesWithHistory(t *testing.T) {
	f := setUpSessionFixture(t)
	defer f.tearDown()

	f.open(1)
	f.barrier(Connected)
	newest := f.msgs[len(f.msgs)-1]
	f.live("same instant", newest.SentAt.Time)
	require.Eventually(t, func() bool {
		return len(f.session.Snapshot().Messages) == 21
	}, baseTimeout, baseTimeout/50)

	v := f.session.Snapshot()
	assert.Equal(t, newest.Body, v.Messages[19].Body)
	assert.Equal(t, "same instant", v.Messages[20].Body)
}

func TestSessionSingleFetchInFlight(t *testing.T) {
	f := setUpSessionFixture(t)
	defer f.tearDown()

	f.open(1)
	gate := f.history.gate(1, 1)
	require.NoError(t, f.session.OnSentinelVisible(f.ctx))
	assert.ErrorIs(t, f.session.OnSentinelVisible(f.ctx), core.ErrFetchInFlight)
	assert.ErrorIs(t, f.session.FetchNext(f.ctx), core.ErrFetchInFlight)
	assert.True(t, f.session.Snapshot().Loading)

	close(gate)
	require.Eventually(t, func() bool {
		v := f.session.Snapshot()
		return !v.Loading && len(v.Messages) == 25
	}, baseTimeout, baseTimeout/50)
	assert.Equal(t, []string{"1/0", "1/1"}, f.history.calls)
}

func TestSessionFetchFailureKeepsCursor(t *testing.T) {
	f := setUpSessionFixture(t)
	defer f.tearDown()

	f.open(1)
	failure := errors.New("bad gateway")
	f.history.failOnce(1, 1, failure)

	assert.ErrorIs(t, f.session.FetchNext(f.ctx), failure)
	v := f.session.Snapshot()
	assert.ErrorIs(t, v.FetchErr, failure)
	assert.Equal(t, 1, v.NextPage)
	assert.True(t, v.HasMore)
	assert.Len(t, v.Messages, 20)

	require.NoError(t, f.session.FetchNext(f.ctx))
	v = f.session.Snapshot()
	assert.NoError(t, v.FetchErr)
	assert.Equal(t, 2, v.NextPage)
	assert.Len(t, v.Messages, 25)
}

func TestSessionFirstPageFailure(t *testing.T) {
	f := setUpSessionFixture(t)
	defer f.tearDown()

	failure := errors.New("timeout")
	f.history.failOnce(1, 0, failure)
	assert.ErrorIs(t, f.session.Open(f.ctx, 1), failure)
	v := f.session.Snapshot()
	assert.Equal(t, int64(1), v.RoomID, "the room stays open")
	assert.Error(t, v.FetchErr)
	assert.Empty(t, v.Messages)
	assert.Equal(t, 0, v.NextPage)

	f.live("while failing", f.msgs[24].SentAt.Add(time.Minute))
	f.barrier(Connected)
	assert.Empty(t, f.session.Snapshot().Messages)

	require.NoError(t, f.session.FetchNext(f.ctx))
	v = f.session.Snapshot()
	assert.Len(t, v.Messages, 21)
	assert.Equal(t, "while failing", v.Messages[20].Body)
	assert.Equal(t, []string{"1/0", "1/0"}, f.history.calls)
}

func TestSessionSwitchRoomDropsStaleResults(t *testing.T) {
	f := setUpSessionFixture(t)
	defer f.tearDown()

	gate := f.history.gate(1, 0)
	opened := make(chan error, 1)
	go func() { opened <- f.session.Open(f.ctx, 1) }()
	require.Eventually(t, func() bool {
		return slices.Contains(f.channel.Calls(), "connect 1")
	}, baseTimeout, baseTimeout/50)

	f.open(2)
	close(gate)
	require.NoError(t, <-opened)

	assert.Equal(t, []string{"connect 1", "disconnect 1", "connect 2"}, f.channel.Calls())
	v := f.session.Snapshot()
	assert.Equal(t, int64(2), v.RoomID)
	assert.Equal(t, "team", v.Room.ChatRoomName)
	assert.Equal(t, bodies(f.history.rooms[2]), bodies(v.Messages))

	// an event of the first connection arriving late
	f.channel.events <- Event{Kind: EventMessage, RoomID: 1, Gen: 1,
		Message: core.Message{Sender: 2, Body: "stale", SentAt: core.NewTimestamp(time.Now())}}
	f.barrier(Connected)
	assert.Len(t, f.session.Snapshot().Messages, 3)
}

func TestSessionBlockedCounterpart(t *testing.T) {
	f := setUpSessionFixture(t)
	defer f.tearDown()

	info := f.rooms.infos[1]
	info.Users[0].FriendshipStatus = core.FriendshipBlocked
	f.rooms.infos[1] = info

	f.open(1)
	assert.False(t, f.session.Snapshot().CanSend())
	assert.ErrorIs(t, f.session.SendMessage(f.ctx, "hello"), core.ErrBlocked)
	assert.Empty(t, f.channel.Published())

	require.NoError(t, f.session.ChangeFriendship(f.ctx, core.FriendshipUnset))
	assert.Equal(t, []friendshipCall{{2, core.FriendshipUnset}}, f.rooms.changes)
	assert.True(t, f.session.Snapshot().CanSend())

	require.NoError(t, f.session.SendMessage(f.ctx, "hello"))
	assert.Equal(t, []publishCall{{1, "hello"}}, f.channel.Published())
}

func TestSessionRoomInfoFailure(t *testing.T) {
	f := setUpSessionFixture(t)
	defer f.tearDown()

	info := f.rooms.infos[1]
	info.Users[0].FriendshipStatus = core.FriendshipBlocked
	delete(f.rooms.infos, 1)

	assert.ErrorIs(t, f.session.Open(f.ctx, 1), core.ErrInvalidRoom)
	v := f.session.Snapshot()
	assert.Nil(t, v.Room)
	assert.ErrorIs(t, v.RoomErr, core.ErrInvalidRoom)
	assert.NoError(t, v.FetchErr)
	assert.Len(t, v.Messages, 20)
	assert.False(t, v.CanSend())
	select {
	case err := <-f.session.Errors():
		assert.ErrorIs(t, err, core.ErrInvalidRoom)
	case <-time.After(baseTimeout):
		t.Fatal("room info failure was not reported")
	}

	// the gate cannot be evaluated: nothing is published
	assert.ErrorIs(t, f.session.SendMessage(f.ctx, "hello"), core.ErrInvalidRoom)
	assert.Empty(t, f.channel.Published())

	f.rooms.mu.Lock()
	f.rooms.infos[1] = info
	f.rooms.mu.Unlock()
	require.NoError(t, f.session.FetchNext(f.ctx))
	v = f.session.Snapshot()
	require.NotNil(t, v.Room)
	assert.NoError(t, v.RoomErr)
	assert.Len(t, v.Messages, 25)
	assert.False(t, v.CanSend())
	assert.ErrorIs(t, f.session.SendMessage(f.ctx, "hello"), core.ErrBlocked)
	assert.Empty(t, f.channel.Published())
}

func TestSessionRoomInfoRetry(t *testing.T) {
	f := setUpSessionFixture(t)
	defer f.tearDown()

	info := f.rooms.infos[1]
	delete(f.rooms.infos, 1)
	assert.Error(t, f.session.Open(f.ctx, 1))

	f.rooms.mu.Lock()
	f.rooms.infos[1] = info
	f.rooms.mu.Unlock()
	require.NoError(t, f.session.OnSentinelVisible(f.ctx))
	require.Eventually(t, func() bool {
		v := f.session.Snapshot()
		return v.Room != nil && v.RoomErr == nil && len(v.Messages) == 25
	}, baseTimeout, baseTimeout/50)
	assert.True(t, f.session.Snapshot().CanSend())
}

func TestSessionSendLoadsMissingRoomInfo(t *testing.T) {
	f := setUpSessionFixture(t)
	defer f.tearDown()

	info := f.rooms.infos[1]
	delete(f.rooms.infos, 1)
	assert.Error(t, f.session.Open(f.ctx, 1))

	f.rooms.mu.Lock()
	f.rooms.infos[1] = info
	f.rooms.mu.Unlock()
	require.NoError(t, f.session.SendMessage(f.ctx, "hello"))
	assert.Equal(t, []publishCall{{1, "hello"}}, f.channel.Published())
	assert.NotNil(t, f.session.Snapshot().Room)
}

func TestSessionChangeFriendshipNeedsPrivateRoom(t *testing.T) {
	f := setUpSessionFixture(t)
	defer f.tearDown()

	f.open(2)
	assert.ErrorIs(t, f.session.ChangeFriendship(f.ctx, core.FriendshipBlocked), core.ErrInvalidRoom)
	assert.Empty(t, f.rooms.changes)
}

func TestSessionSendMessage(t *testing.T) {
	f := setUpSessionFixture(t)
	defer f.tearDown()

	assert.ErrorIs(t, f.session.SendMessage(f.ctx, "hi"), core.ErrSessionClosed)

	f.open(1)
	assert.ErrorIs(t, f.session.SendMessage(f.ctx, "  \n\t"), core.ErrEmptyMessage)
	assert.Empty(t, f.channel.Published())

	f.session.SetDraft("hi")
	require.NoError(t, f.session.SendMessage(f.ctx, "hi"))
	assert.Equal(t, "", f.session.Draft())

	f.channel.mu.Lock()
	f.channel.publishErr = core.ErrNotConnected
	f.channel.mu.Unlock()
	f.session.SetDraft("lost")
	assert.ErrorIs(t, f.session.SendMessage(f.ctx, "lost"), core.ErrNotConnected)
	assert.Equal(t, "", f.session.Draft())
	assert.Equal(t, []publishCall{{1, "hi"}}, f.channel.Published())
}

func TestSessionAfterRender(t *testing.T) {
	f := setUpSessionFixture(t)
	defer f.tearDown()

	f.open(1)
	vp := &fakeViewport{height: 100}
	f.session.AfterRender(vp)
	assert.Equal(t, 1, vp.bottomed)
	assert.Equal(t, 100, vp.top)

	// nothing changed: the viewport is left alone
	vp.top = 40
	f.session.AfterRender(vp)
	assert.Equal(t, 40, vp.top)

	// the user reached the top and an older page was prepended
	vp.top = 0
	require.NoError(t, f.session.FetchNext(f.ctx))
	vp.height = 125
	f.session.AfterRender(vp)
	assert.Equal(t, 25, vp.top)
	assert.Equal(t, 1, vp.bottomed)

	f.barrier(Connected)
	f.live("new", f.msgs[24].SentAt.Add(time.Minute))
	require.Eventually(t, func() bool {
		return f.session.Snapshot().StickToBottom
	}, baseTimeout, baseTimeout/50)
	vp.height = 130
	f.session.AfterRender(vp)
	assert.Equal(t, 2, vp.bottomed)
	assert.Equal(t, 130, vp.top)
}

func TestSessionReportsChannelErrors(t *testing.T) {
	f := setUpSessionFixture(t)
	defer f.tearDown()

	f.open(1)
	authErr := core.NewError(core.KindAuth, "connect", core.ErrUnauthenticated)
	f.channel.emit(Event{Kind: EventError, Err: authErr})

	select {
	case err := <-f.session.Errors():
		assert.True(t, core.IsAuth(err))
	case <-time.After(baseTimeout):
		t.Fatal("error was not reported")
	}
}

func TestSessionClose(t *testing.T) {
	f := setUpSessionFixture(t)
	defer f.tearDown()

	assert.ErrorIs(t, f.session.Open(f.ctx, 0), core.ErrInvalidRoom)

	f.open(1)
	f.session.Close()
	assert.Equal(t, []string{"connect 1", "disconnect 1"}, f.channel.Calls())

	v := f.session.Snapshot()
	assert.Zero(t, v.RoomID)
	assert.Empty(t, v.Messages)
	assert.ErrorIs(t, f.session.OnSentinelVisible(f.ctx), core.ErrSessionClosed)
}
