package devserver

import (
	"cmp"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/putto11262002/chatter-client/core"
)

// PageSize is the number of messages per history page.
const PageSize = 20

var (
	ErrUserNotFound = errors.New("user not found")
	ErrRoomNotFound = errors.New("room not found")
	ErrNotMember    = errors.New("not a member of the room")
	ErrBadPassword  = errors.New("wrong password")
	ErrSelfFriend   = errors.New("cannot chat with yourself")
)

type user struct {
	core.Me
	password string
}

type room struct {
	id      int64
	name    string
	typ     core.RoomType
	members []int64
	// messages in the order they were stored, oldest first
	messages []core.Message
	unread   map[int64]int
}

type friendKey struct {
	user, friend int64
}

// store is the backend's in-memory state.
type store struct {
	mu          sync.RWMutex
	users       map[int64]*user
	byUserID    map[string]int64
	rooms       map[int64]*room
	friendships map[friendKey]core.FriendshipStatus
	nextUser    int64
	nextRoom    int64
}

func newStore() *store {
	return &store{
		users:       make(map[int64]*user),
		byUserID:    make(map[string]int64),
		rooms:       make(map[int64]*room),
		friendships: make(map[friendKey]core.FriendshipStatus),
	}
}

func (s *store) addUser(userID, nickname, password string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextUser++
	id := s.nextUser
	s.users[id] = &user{Me: core.Me{ID: id, UserID: userID, Nickname: nickname}, password: password}
	s.byUserID[userID] = id
	return id
}

func (s *store) login(userID, password string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byUserID[userID]
	if !ok {
		return 0, ErrUserNotFound
	}
	if s.users[id].password != password {
		return 0, ErrBadPassword
	}
	return id, nil
}

func (s *store) me(id int64) (core.Me, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return core.Me{}, ErrUserNotFound
	}
	return u.Me, nil
}

func (s *store) addRoom(name string, typ core.RoomType, members ...int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextRoom++
	id := s.nextRoom
	s.rooms[id] = &room{id: id, name: name, typ: typ, members: slices.Clone(members), unread: make(map[int64]int)}
	return id
}

// member returns the room if userID belongs to it.
func (s *store) member(roomID, userID int64) (*room, error) {
	r, ok := s.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	if !slices.Contains(r.members, userID) {
		return nil, ErrNotMember
	}
	return r, nil
}

// appendMessage stores a message and bumps the unread count of every other member.
// It returns the members whose count changed.
func (s *store) appendMessage(roomID, sender int64, body string, at time.Time) (core.Message, []int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.member(roomID, sender)
	if err != nil {
		return core.Message{}, nil, err
	}
	u := s.users[sender]
	m := core.Message{Sender: sender, Nickname: u.Nickname, Body: body,
		SentAt: core.NewTimestamp(at), ProfileImageURL: u.ProfileImageURL}
	r.messages = append(r.messages, m)

	var others []int64
	for _, id := range r.members {
		if id == sender {
			continue
		}
		r.unread[id]++
		others = append(others, id)
	}
	return m, others, nil
}

// page returns page of a room's history newest-first.
func (s *store) page(roomID, userID int64, page int) (core.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.member(roomID, userID)
	if err != nil {
		return core.Page{}, err
	}
	// reading a room clears its unread count
	if page == 0 {
		r.unread[userID] = 0
	}
	end := len(r.messages) - page*PageSize
	if end <= 0 || page < 0 {
		return core.Page{Index: page, Messages: []core.Message{}}, nil
	}
	start := max(end-PageSize, 0)
	msgs := slices.Clone(r.messages[start:end])
	slices.Reverse(msgs)
	return core.Page{Index: page, Messages: msgs, HasMore: start > 0}, nil
}

func (s *store) roomInfo(roomID, userID int64) (core.RoomInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, err := s.member(roomID, userID)
	if err != nil {
		return core.RoomInfo{}, err
	}
	info := core.RoomInfo{ChatRoomID: r.id, ChatRoomName: r.name, ChatRoomType: r.typ, Users: []core.RoomUser{}}
	for _, id := range r.members {
		if id == userID {
			continue
		}
		u := s.users[id]
		info.Users = append(info.Users, core.RoomUser{
			ID:               id,
			Nickname:         u.Nickname,
			ProfileImageURL:  u.ProfileImageURL,
			FriendshipStatus: s.friendships[friendKey{userID, id}],
		})
	}
	return info, nil
}

func (s *store) summary(r *room, userID int64) core.RoomSummary {
	sum := core.RoomSummary{
		ChatRoomID:         r.id,
		ChatRoomName:       r.name,
		ChatRoomType:       r.typ,
		ParticipantCount:   len(r.members),
		UnreadMessageCount: r.unread[userID],
	}
	if n := len(r.messages); n > 0 {
		last := r.messages[n-1]
		sum.LastMessage = last.Body
		at := last.SentAt
		sum.LastSendAt = &at
	}
	return sum
}

func (s *store) myRooms(userID int64) []core.RoomSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rooms := []core.RoomSummary{}
	for _, r := range s.rooms {
		if slices.Contains(r.members, userID) {
			rooms = append(rooms, s.summary(r, userID))
		}
	}
	slices.SortFunc(rooms, func(a, b core.RoomSummary) int {
		return cmp.Compare(a.ChatRoomID, b.ChatRoomID)
	})
	return rooms
}

// unread returns the delta pushed to userID for roomID.
func (s *store) unread(roomID, userID int64) (core.UnreadUpdate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, err := s.member(roomID, userID)
	if err != nil {
		return core.UnreadUpdate{}, err
	}
	sum := s.summary(r, userID)
	return core.UnreadUpdate{
		ChatRoomID:         sum.ChatRoomID,
		UnreadMessageCount: sum.UnreadMessageCount,
		LastMessage:        sum.LastMessage,
		LastSendAt:         sum.LastSendAt,
	}, nil
}

func (s *store) setFriendship(userID, friendID int64, status core.FriendshipStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[friendID]; !ok {
		return ErrUserNotFound
	}
	k := friendKey{userID, friendID}
	if status == core.FriendshipUnset {
		delete(s.friendships, k)
		return nil
	}
	s.friendships[k] = status
	return nil
}

// allRooms returns every group room as seen by userID.
func (s *store) allRooms(userID int64) []core.RoomSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rooms := []core.RoomSummary{}
	for _, r := range s.rooms {
		if r.typ == core.GroupRoom {
			rooms = append(rooms, s.summary(r, userID))
		}
	}
	slices.SortFunc(rooms, func(a, b core.RoomSummary) int {
		return cmp.Compare(a.ChatRoomID, b.ChatRoomID)
	})
	return rooms
}

// createGroup creates a group room of creator and friendIDs.
func (s *store) createGroup(creator int64, name string, friendIDs []int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	members := []int64{creator}
	for _, id := range friendIDs {
		if _, ok := s.users[id]; !ok {
			return 0, ErrUserNotFound
		}
		if !slices.Contains(members, id) {
			members = append(members, id)
		}
	}
	s.nextRoom++
	id := s.nextRoom
	s.rooms[id] = &room{id: id, name: name, typ: core.GroupRoom, members: members, unread: make(map[int64]int)}
	return id, nil
}

// privateRoom returns the private room of userID and friendID, creating it
// on first use.
func (s *store) privateRoom(userID, friendID int64) (int64, error) {
	if userID == friendID {
		return 0, ErrSelfFriend
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	friend, ok := s.users[friendID]
	if !ok {
		return 0, ErrUserNotFound
	}
	for _, r := range s.rooms {
		if r.typ == core.PrivateRoom && len(r.members) == 2 &&
			slices.Contains(r.members, userID) && slices.Contains(r.members, friendID) {
			return r.id, nil
		}
	}
	s.nextRoom++
	id := s.nextRoom
	s.rooms[id] = &room{id: id, name: friend.Nickname, typ: core.PrivateRoom,
		members: []int64{userID, friendID}, unread: make(map[int64]int)}
	return id, nil
}

// friends returns page of the users userID has a relationship with,
// ordered by id.
func (s *store) friends(userID int64, page int, search string, filter core.FriendFilter) core.FriendPage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	search = strings.ToLower(search)
	var all []core.Friend
	for k, status := range s.friendships {
		if k.user != userID {
			continue
		}
		if filter != "" && filter != core.FriendFilterAll && string(filter) != string(status) {
			continue
		}
		u := s.users[k.friend]
		if search != "" && !strings.Contains(strings.ToLower(u.Nickname), search) {
			continue
		}
		all = append(all, core.Friend{ID: u.ID, Nickname: u.Nickname, ProfileImageURL: u.ProfileImageURL,
			Introduction: u.Introduction, FriendshipStatus: status})
	}
	slices.SortFunc(all, func(a, b core.Friend) int { return cmp.Compare(a.ID, b.ID) })

	start := min(page*PageSize, len(all))
	end := min(start+PageSize, len(all))
	return core.FriendPage{Page: page, Friends: append([]core.Friend{}, all[start:end]...), HasMore: end < len(all)}
}
