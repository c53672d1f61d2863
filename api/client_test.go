package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/putto11262002/chatter-client/core"
	"github.com/putto11262002/chatter-client/internal/devserver"
	"github.com/putto11262002/chatter-client/pkg/token"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type clientFixture struct {
	t      *testing.T
	ctx    context.Context
	srv    *devserver.Server
	http   *httptest.Server
	tokens *token.CookieStore
	client *Client
	user   int64
	peer   int64
	roomID int64
	start  time.Time
}

func setUpClientFixture(t *testing.T) *clientFixture {
	srv := devserver.New(devserver.Options{Logger: discard})
	hs := httptest.NewServer(srv)
	tokens, err := token.NewCookieStore(hs.URL)
	require.NoError(t, err)

	f := &clientFixture{
		t:      t,
		ctx:    context.Background(),
		srv:    srv,
		http:   hs,
		tokens: tokens,
		client: New(hs.URL, tokens, WithLogger(discard)),
		start:  time.Date(2024, 3, 4, 9, 0, 0, 0, time.Local),
	}
	f.user = srv.AddUser("alice", "Alice", "secret")
	f.peer = srv.AddUser("bob", "Bob", "secret")
	f.roomID = srv.AddRoom("Bob", core.PrivateRoom, f.user, f.peer)
	for i := range 25 {
		require.NoError(t, srv.AddMessage(f.roomID, f.peer, "m", f.start.Add(time.Duration(i)*time.Minute)))
	}
	return f
}

func (f *clientFixture) tearDown() {
	f.srv.Close()
	f.http.Close()
}

func (f *clientFixture) login() {
	require.NoError(f.t, f.client.Login(f.ctx, "alice", "secret"))
}

func TestLoginAndMe(t *testing.T) {
	f := setUpClientFixture(t)
	defer f.tearDown()

	_, err := f.client.Me(f.ctx)
	require.Error(t, err)
	assert.True(t, core.IsAuth(err), "requests without a token are rejected")

	f.login()
	tok, err := f.tokens.Token()
	require.NoError(t, err)
	assert.NotEmpty(t, tok)

	me, err := f.client.Me(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, f.user, me.ID)
	assert.Equal(t, "alice", me.UserID)
	assert.Equal(t, "Alice", me.Nickname)
}

func TestLoginRejected(t *testing.T) {
	f := setUpClientFixture(t)
	defer f.tearDown()

	err := f.client.Login(f.ctx, "alice", "wrong")
	require.Error(t, err)
	assert.True(t, core.IsAuth(err))
	_, err = f.tokens.Token()
	assert.ErrorIs(t, err, core.ErrNoToken)
}

func TestFetchPage(t *testing.T) {
	f := setUpClientFixture(t)
	defer f.tearDown()
	f.login()

	p, err := f.client.FetchPage(f.ctx, f.roomID, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, p.Index)
	require.Len(t, p.Messages, devserver.PageSize)
	assert.True(t, p.HasMore)
	// newest first
	assert.True(t, p.Messages[0].SentAt.Equal(f.start.Add(24*time.Minute)))
	assert.Equal(t, f.peer, p.Messages[0].Sender)
	assert.Equal(t, "Bob", p.Messages[0].Nickname)

	p, err = f.client.FetchPage(f.ctx, f.roomID, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Index)
	assert.Len(t, p.Messages, 5)
	assert.False(t, p.HasMore)
	assert.True(t, p.Messages[4].SentAt.Equal(f.start))
}

func TestRooms(t *testing.T) {
	f := setUpClientFixture(t)
	defer f.tearDown()
	f.login()

	rooms, err := f.client.MyRooms(f.ctx)
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, f.roomID, rooms[0].ChatRoomID)
	assert.Equal(t, 25, rooms[0].UnreadMessageCount)
	require.NotNil(t, rooms[0].LastSendAt)
	assert.True(t, rooms[0].LastSendAt.Equal(f.start.Add(24*time.Minute)))

	info, err := f.client.RoomInfo(f.ctx, f.roomID)
	require.NoError(t, err)
	assert.Equal(t, core.PrivateRoom, info.ChatRoomType)
	u, ok := info.Counterpart()
	require.True(t, ok)
	assert.Equal(t, f.peer, u.ID)
	assert.False(t, info.Blocked())
}

func TestChangeFriendship(t *testing.T) {
	f := setUpClientFixture(t)
	defer f.tearDown()
	f.login()

	require.NoError(t, f.client.ChangeFriendship(f.ctx, f.peer, core.FriendshipBlocked))
	info, err := f.client.RoomInfo(f.ctx, f.roomID)
	require.NoError(t, err)
	assert.True(t, info.Blocked())

	require.NoError(t, f.client.ChangeFriendship(f.ctx, f.peer, core.FriendshipUnset))
	info, err = f.client.RoomInfo(f.ctx, f.roomID)
	require.NoError(t, err)
	assert.False(t, info.Blocked())
}

func TestStatusErrors(t *testing.T) {
	f := setUpClientFixture(t)
	defer f.tearDown()
	f.login()

	_, err := f.client.RoomInfo(f.ctx, 999)
	require.Error(t, err)
	var apiErr *core.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, core.KindTransient, apiErr.Kind)
	assert.Equal(t, "room not found", apiErr.Message)

	other := f.srv.AddRoom("private", core.GroupRoom, f.peer)
	_, err = f.client.FetchPage(f.ctx, other, 0)
	assert.True(t, core.IsAuth(err), "403 is an authentication failure")
}

func TestEnvelope(t *testing.T) {
	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "3", r.URL.Query().Get("page"))
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"data":{"data":[{"sender":1,"message":"x","sendAt":"2024-03-04T09:00:00"}],"hasMore":false},"message":"ok"}`)
	}))
	defer hs.Close()

	c := New(hs.URL+"/", token.NewStatic("tok"), WithLogger(discard))
	p, err := c.FetchPage(context.Background(), 7, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, p.Index)
	require.Len(t, p.Messages, 1)
	assert.Equal(t, "x", p.Messages[0].Body)
	assert.Equal(t, 9, p.Messages[0].SentAt.Hour())
}

func TestUnreachableBackendIsTransient(t *testing.T) {
	c := New("http://127.0.0.1:1", token.NewStatic("tok"), WithLogger(discard))
	_, err := c.MyRooms(context.Background())
	require.Error(t, err)
	assert.Equal(t, core.KindTransient, core.KindOf(err))
}

func TestGroupRooms(t *testing.T) {
	f := setUpClientFixture(t)
	defer f.tearDown()
	f.login()

	carol := f.srv.AddUser("carol", "Carol", "secret")
	id, err := f.client.CreateGroupRoom(f.ctx, "team", []int64{f.peer, carol, f.peer})
	require.NoError(t, err)
	assert.NotEqual(t, f.roomID, id)

	info, err := f.client.RoomInfo(f.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, core.GroupRoom, info.ChatRoomType)
	assert.Equal(t, "team", info.ChatRoomName)
	assert.Len(t, info.Users, 2, "duplicate members are dropped")

	// the private room is not listed among open rooms
	all, err := f.client.AllRooms(f.ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, id, all[0].ChatRoomID)
	assert.Equal(t, 3, all[0].ParticipantCount)

	_, err = f.client.CreateGroupRoom(f.ctx, "", []int64{f.peer})
	assert.Error(t, err, "a room needs a name")
	_, err = f.client.CreateGroupRoom(f.ctx, "ghosts", []int64{999})
	assert.Error(t, err)
}

func TestPrivateRoomID(t *testing.T) {
	f := setUpClientFixture(t)
	defer f.tearDown()
	f.login()

	id, err := f.client.PrivateRoomID(f.ctx, f.peer)
	require.NoError(t, err)
	assert.Equal(t, f.roomID, id)

	carol := f.srv.AddUser("carol", "Carol", "secret")
	first, err := f.client.PrivateRoomID(f.ctx, carol)
	require.NoError(t, err)
	again, err := f.client.PrivateRoomID(f.ctx, carol)
	require.NoError(t, err)
	assert.Equal(t, first, again)

	info, err := f.client.RoomInfo(f.ctx, first)
	require.NoError(t, err)
	assert.Equal(t, core.PrivateRoom, info.ChatRoomType)
	assert.Equal(t, "Carol", info.ChatRoomName)

	_, err = f.client.PrivateRoomID(f.ctx, f.user)
	assert.Error(t, err)
}

func TestFriends(t *testing.T) {
	f := setUpClientFixture(t)
	defer f.tearDown()
	f.login()

	carol := f.srv.AddUser("carol", "Carol", "secret")
	require.NoError(t, f.srv.SetFriendship(f.user, f.peer, core.FriendshipFriend))
	require.NoError(t, f.srv.SetFriendship(f.user, carol, core.FriendshipBlocked))

	p, err := f.client.Friends(f.ctx, 0, "", "")
	require.NoError(t, err)
	require.Len(t, p.Friends, 2)
	assert.Equal(t, f.peer, p.Friends[0].ID)
	assert.Equal(t, core.FriendshipBlocked, p.Friends[1].FriendshipStatus)
	assert.False(t, p.HasMore)

	p, err = f.client.Friends(f.ctx, 0, "", core.FriendFilterBlocked)
	require.NoError(t, err)
	require.Len(t, p.Friends, 1)
	assert.Equal(t, "Carol", p.Friends[0].Nickname)

	p, err = f.client.Friends(f.ctx, 0, "bo", core.FriendFilterAll)
	require.NoError(t, err)
	require.Len(t, p.Friends, 1)
	assert.Equal(t, f.peer, p.Friends[0].ID)

	p, err = f.client.Friends(f.ctx, 1, "", "")
	require.NoError(t, err)
	assert.Equal(t, 1, p.Page)
	assert.Empty(t, p.Friends)
}
