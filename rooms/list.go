package rooms

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"

	"github.com/putto11262002/chatter-client/core"
)

// Lister returns the current user's rooms.
type Lister interface {
	MyRooms(ctx context.Context) ([]core.RoomSummary, error)
}

// RoomCreator creates group rooms. *api.Client implements it.
type RoomCreator interface {
	CreateGroupRoom(ctx context.Context, name string, friendIDs []int64) (int64, error)
}

// Source delivers unread-count deltas until ctx is done. *Notifier implements it.
type Source interface {
	Run(ctx context.Context, fn func(core.UnreadUpdate)) error
}

// List is the "my rooms" collection, kept ordered by most recent message.
type List struct {
	lister  Lister
	logger  *slog.Logger
	changes chan struct{}

	mu    sync.Mutex
	rooms []core.RoomSummary
}

type ListOption func(*List)

func WithListLogger(l *slog.Logger) ListOption {
	return func(list *List) {
		list.logger = l
	}
}

func NewList(lister Lister, opts ...ListOption) *List {
	l := &List{
		lister:  lister,
		changes: make(chan struct{}, 1),
		logger: slog.New(slog.NewTextHandler(os.Stdout,
			&slog.HandlerOptions{Level: slog.LevelInfo})),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Refresh replaces the collection with the backend's list. On failure the
// current collection is kept.
func (l *List) Refresh(ctx context.Context) error {
	rooms, err := l.lister.MyRooms(ctx)
	if err != nil {
		l.logger.Warn(fmt.Sprintf("refresh rooms: %v", err))
		return fmt.Errorf("refresh rooms: %w", err)
	}
	rooms = slices.Clone(rooms)
	SortRooms(rooms)

	l.mu.Lock()
	l.rooms = rooms
	l.mu.Unlock()
	l.notify()
	return nil
}

// CreateGroup creates a group room with friendIDs and refreshes the
// collection so it lists the new room.
func (l *List) CreateGroup(ctx context.Context, c RoomCreator, name string, friendIDs []int64) (int64, error) {
	id, err := c.CreateGroupRoom(ctx, name, friendIDs)
	if err != nil {
		return 0, fmt.Errorf("create room %q: %w", name, err)
	}
	l.logger.Info("room created", slog.Int64("room", id), slog.String("name", name))
	if err := l.Refresh(ctx); err != nil {
		return id, err
	}
	return id, nil
}

// Apply upserts u by room id and re-sorts the collection. A room that is
// not listed yet gets an entry holding only the delta's fields.
func (l *List) Apply(u core.UnreadUpdate) {
	l.mu.Lock()
	i := slices.IndexFunc(l.rooms, func(r core.RoomSummary) bool {
		return r.ChatRoomID == u.ChatRoomID
	})
	if i < 0 {
		l.rooms = append(l.rooms, core.RoomSummary{ChatRoomID: u.ChatRoomID})
		i = len(l.rooms) - 1
		l.logger.Debug("room added by notification", slog.Int64("room", u.ChatRoomID))
	}
	r := &l.rooms[i]
	r.UnreadMessageCount = u.UnreadMessageCount
	r.LastMessage = u.LastMessage
	r.LastSendAt = u.LastSendAt
	SortRooms(l.rooms)
	l.mu.Unlock()
	l.notify()
}

// Watch applies every delta from src until ctx is done or src fails.
func (l *List) Watch(ctx context.Context, src Source) error {
	return src.Run(ctx, l.Apply)
}

// Rooms returns a copy of the ordered collection.
func (l *List) Rooms() []core.RoomSummary {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.rooms)
}

// Changes signals that the collection changed. Signals coalesce.
func (l *List) Changes() <-chan struct{} {
	return l.changes
}

func (l *List) notify() {
	select {
	case l.changes <- struct{}{}:
	default:
	}
}

// SortRooms orders rooms by LastSendAt, newest first. Rooms without a last
// message go last and keep their relative order.
func SortRooms(rooms []core.RoomSummary) {
	slices.SortStableFunc(rooms, func(a, b core.RoomSummary) int {
		switch {
		case a.LastSendAt == nil && b.LastSendAt == nil:
			return 0
		case a.LastSendAt == nil:
			return 1
		case b.LastSendAt == nil:
			return -1
		}
		return b.LastSendAt.Compare(a.LastSendAt.Time)
	})
}
