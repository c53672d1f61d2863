package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"plain error", errors.New("boom"), KindTransient},
		{"unauthenticated", ErrUnauthenticated, KindAuth},
		{"wrapped no token", fmt.Errorf("dial: %w", ErrNoToken), KindAuth},
		{"expired", ErrTokenExpired, KindAuth},
		{"typed transport", NewError(KindTransport, "read", errors.New("eof")), KindTransport},
		{"typed wrapped", fmt.Errorf("x: %w", NewError(KindShutdown, "control", nil)), KindShutdown},
		{"typed wins over sentinel", NewError(KindTransient, "fetch", ErrUnauthenticated), KindTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
	assert.False(t, IsAuth(nil))
}

func TestErrorMessage(t *testing.T) {
	err := &Error{Kind: KindTransient, Op: "GET /chat-room/1", Message: "room not found", Err: errors.New("status 404")}
	assert.Equal(t, "GET /chat-room/1: room not found: status 404", err.Error())
	assert.Equal(t, "transient", err.Kind.String())

	wrapped := NewError(KindAuth, "connect", ErrUnauthenticated)
	assert.ErrorIs(t, wrapped, ErrUnauthenticated)
	assert.Equal(t, "connect: unauthenticated", wrapped.Error())
}

func TestRoomInfoBlocked(t *testing.T) {
	var nilInfo *RoomInfo
	assert.False(t, nilInfo.Blocked())
	_, ok := nilInfo.Counterpart()
	assert.False(t, ok)

	private := &RoomInfo{ChatRoomType: PrivateRoom, Users: []RoomUser{{ID: 2, FriendshipStatus: FriendshipBlocked}}}
	assert.True(t, private.Blocked())

	private.Users[0].FriendshipStatus = FriendshipFriend
	assert.False(t, private.Blocked())

	group := &RoomInfo{ChatRoomType: GroupRoom, Users: []RoomUser{{ID: 2, FriendshipStatus: FriendshipBlocked}}}
	assert.False(t, group.Blocked())

	empty := &RoomInfo{ChatRoomType: PrivateRoom}
	assert.False(t, empty.Blocked())
}
