package core

import (
	"fmt"
	"strconv"
)

// RoomType represents the type of a chat room.
type RoomType string

const (
	// PrivateRoom is a chat room with exactly two participants.
	// Only one private room can exist between two users.
	PrivateRoom RoomType = "PRIVATE"
	// GroupRoom is a chat room with any number of participants.
	GroupRoom RoomType = "GROUP"
)

// FriendshipStatus is the relationship between the current user and the
// counterpart of a private room. The zero value means no relationship is set.
type FriendshipStatus string

const (
	FriendshipUnset   FriendshipStatus = ""
	FriendshipFriend  FriendshipStatus = "FRIEND"
	FriendshipBlocked FriendshipStatus = "BLOCKED"
)

// Message is a chat message sent by a user to a room.
// Messages are immutable once received.
type Message struct {
	Sender          int64     `json:"sender"`
	Nickname        string    `json:"nickname"`
	Body            string    `json:"message"`
	SentAt          Timestamp `json:"sendAt"`
	ProfileImageURL string    `json:"profileImageUrl,omitempty"`
}

// MessageKey identifies a message independently of where it came from.
// Two deliveries of the same message (history page and live push) share a key.
type MessageKey struct {
	Sender int64
	SentAt int64
	Body   string
}

func (m Message) Key() MessageKey {
	return MessageKey{Sender: m.Sender, SentAt: m.SentAt.UnixMilli(), Body: m.Body}
}

func (m Message) String() string {
	return fmt.Sprintf("Message{Sender: %d, SentAt: %s, Body.Size: %d}", m.Sender, m.SentAt, len(m.Body))
}

// Page is one batch of a room's stored history.
// Messages are ordered newest-first, the way the backend serves them.
type Page struct {
	Index    int       `json:"-"`
	Messages []Message `json:"data"`
	HasMore  bool      `json:"hasMore"`
}

// RoomUser is a participant of a room as seen by the current user.
type RoomUser struct {
	ID               int64            `json:"id"`
	Nickname         string           `json:"nickname"`
	ProfileImageURL  string           `json:"profileImageUrl,omitempty"`
	FriendshipStatus FriendshipStatus `json:"friendshipStatus"`
}

// RoomInfo is the metadata of a single room.
// For private rooms Users[0] is the counterpart.
type RoomInfo struct {
	ChatRoomID   int64      `json:"chatRoomId"`
	ChatRoomName string     `json:"chatRoomName"`
	ChatRoomType RoomType   `json:"chatRoomType"`
	Users        []RoomUser `json:"users"`
}

// Counterpart returns the other participant of a private room.
func (r *RoomInfo) Counterpart() (RoomUser, bool) {
	if r == nil || r.ChatRoomType != PrivateRoom || len(r.Users) == 0 {
		return RoomUser{}, false
	}
	return r.Users[0], true
}

// Blocked reports whether the composer must be disabled: the room is private
// and the current user has blocked the counterpart.
func (r *RoomInfo) Blocked() bool {
	u, ok := r.Counterpart()
	return ok && u.FriendshipStatus == FriendshipBlocked
}

// RoomSummary is an entry of the "my rooms" list.
type RoomSummary struct {
	ChatRoomID         int64      `json:"chatRoomId"`
	ChatRoomName       string     `json:"chatRoomName"`
	ChatRoomType       RoomType   `json:"chatRoomType"`
	ParticipantCount   int        `json:"participantCount"`
	UnreadMessageCount int        `json:"unreadMessageCount"`
	LastMessage        string     `json:"lastMessage"`
	LastSendAt         *Timestamp `json:"lastSendAt"`
	ProfileImageURL    string     `json:"profileImageUrl,omitempty"`
}

// UnreadUpdate is the delta pushed by the notification stream for one room.
type UnreadUpdate struct {
	ChatRoomID         int64      `json:"chatRoomId"`
	UnreadMessageCount int        `json:"unreadMessageCount"`
	LastMessage        string     `json:"lastMessage"`
	LastSendAt         *Timestamp `json:"lastSendAt"`
}

// Me is the authenticated user.
type Me struct {
	ID              int64  `json:"id"`
	UserID          string `json:"userId"`
	Nickname        string `json:"nickname"`
	ProfileImageURL string `json:"profileImageUrl"`
	Introduction    string `json:"introduction"`
}

// Friend is a user the current user has set a relationship with.
type Friend struct {
	ID               int64            `json:"id"`
	Nickname         string           `json:"nickname"`
	ProfileImageURL  string           `json:"profileImageUrl,omitempty"`
	Introduction     string           `json:"introduction,omitempty"`
	FriendshipStatus FriendshipStatus `json:"friendshipStatus"`
}

// FriendFilter narrows the friend list by relationship.
type FriendFilter string

const (
	FriendFilterAll     FriendFilter = "ALL"
	FriendFilterFriend  FriendFilter = "FRIEND"
	FriendFilterBlocked FriendFilter = "BLOCKED"
)

// FriendPage is one batch of the friend list.
type FriendPage struct {
	Page    int      `json:"page"`
	Friends []Friend `json:"data"`
	HasMore bool     `json:"hasMore"`
}

// FormatRoomID renders a room id for use in URLs and destinations.
func FormatRoomID(id int64) string {
	return strconv.FormatInt(id, 10)
}
