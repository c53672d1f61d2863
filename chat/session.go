package chat

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/putto11262002/chatter-client/core"
	"github.com/putto11262002/chatter-client/internal/metrics"
)

// HistoryFetcher pages through a room's stored messages, newest page first.
// Callers must not overlap calls for the same room.
type HistoryFetcher interface {
	FetchPage(ctx context.Context, roomID int64, page int) (core.Page, error)
}

// RoomDirectory serves room metadata and the friendship mutation used to
// unblock a counterpart.
type RoomDirectory interface {
	RoomInfo(ctx context.Context, roomID int64) (core.RoomInfo, error)
	ChangeFriendship(ctx context.Context, friendID int64, status core.FriendshipStatus) error
}

// MessageChannel is the live side of a session. *Channel implements it.
type MessageChannel interface {
	Connect(roomID int64) (uint64, error)
	Disconnect(roomID int64)
	Publish(roomID int64, body string) error
	Events() <-chan Event
}

// Viewport is the scroll container the messages are rendered into.
type Viewport interface {
	ScrollHeight() int
	ScrollTop() int
	SetScrollTop(top int)
	ScrollToBottom()
}

// entry is a message placed in the session's newest-first sequence.
// live entries win ties against history on equal timestamps; within a
// source a larger seq is newer.
type entry struct {
	msg  core.Message
	live bool
	seq  int64
}

// newerFirst orders entries newest-first.
func newerFirst(a, b entry) int {
	if c := b.msg.SentAt.Compare(a.msg.SentAt.Time); c != 0 {
		return c
	}
	if a.live != b.live {
		if a.live {
			return -1
		}
		return 1
	}
	switch {
	case a.seq > b.seq:
		return -1
	case a.seq < b.seq:
		return 1
	}
	return 0
}

// View is an immutable snapshot of a session for rendering.
type View struct {
	RoomID int64
	// Room is nil until the room metadata has loaded.
	Room *core.RoomInfo
	// Messages are oldest-first, in render order.
	Messages      []core.Message
	NextPage      int
	HasMore       bool
	Loading       bool
	FetchErr      error
	// RoomErr is the last failure to load the room metadata. It is retried
	// by FetchNext, OnSentinelVisible and SendMessage.
	RoomErr       error
	State         State
	Ready         bool
	StickToBottom bool
	Draft         string
}

// CanSend reports whether the composer is enabled. It stays disabled until
// the room metadata has loaded, since only then is the counterpart's
// friendship known.
func (v View) CanSend() bool {
	return v.Room != nil && !v.Room.Blocked()
}

// Session owns the message state of the room being viewed. It merges
// history pages with live pushes and is the only writer of that state.
type Session struct {
	history  HistoryFetcher
	rooms    RoomDirectory
	channel  MessageChannel
	logger   *slog.Logger
	changes  chan struct{}
	errs     chan error
	stopPump context.CancelFunc
	pumpDone chan struct{}

	mu      sync.Mutex
	open    bool
	roomID  int64
	gen     uint64
	chanGen uint64
	info    *core.RoomInfo
	state   State

	// room metadata request in flight and its last failure
	infoLoading bool
	roomErr     error

	entries []entry
	// keys of every merged message and of the ones merged from history
	seen     map[core.MessageKey]struct{}
	fromPage map[core.MessageKey]struct{}
	// live messages received before page 0 landed
	pending  []core.Message
	loaded   bool
	liveSeq  int64
	histSeq  int64
	nextPage int
	hasMore  bool
	fetching bool
	fetchErr error

	stick      bool
	pageMerged bool
	lastHeight int
	draft      string
}

type SessionOption func(*Session)

func WithSessionLogger(l *slog.Logger) SessionOption {
	return func(s *Session) {
		s.logger = l
	}
}

func NewSession(history HistoryFetcher, rooms RoomDirectory, channel MessageChannel, opts ...SessionOption) *Session {
	s := &Session{
		history: history,
		rooms:   rooms,
		channel: channel,
		logger: slog.New(slog.NewTextHandler(os.Stdout,
			&slog.HandlerOptions{Level: slog.LevelInfo})),
		changes:  make(chan struct{}, 1),
		errs:     make(chan error, 16),
		pumpDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.stopPump = cancel
	go s.pump(ctx)
	return s
}

// Changes signals that the snapshot changed. Signals coalesce.
func (s *Session) Changes() <-chan struct{} {
	return s.changes
}

// Errors delivers channel errors, authentication failures included, and
// failures to load the room metadata. The session never acts on them
// beyond reporting.
func (s *Session) Errors() <-chan error {
	return s.errs
}

// Open switches the session to roomID. The previous room, if any, is
// disconnected first. Page 0 and the room metadata are requested while the
// channel connects; Open returns once both requests completed, with the
// first failure of either. The room stays open after such a failure: it is
// recorded in the snapshot and FetchNext retries it.
func (s *Session) Open(ctx context.Context, roomID int64) error {
	if roomID <= 0 {
		return fmt.Errorf("open room %d: %w", roomID, core.ErrInvalidRoom)
	}
	s.leave()

	s.mu.Lock()
	s.reset(roomID)
	gen := s.gen
	// connect under the lock so the pump cannot see events of this
	// generation before chanGen is recorded
	chanGen, err := s.channel.Connect(roomID)
	if err != nil {
		s.clear()
		s.open = false
		s.mu.Unlock()
		return fmt.Errorf("open room %d: %w", roomID, err)
	}
	s.chanGen = chanGen
	s.fetching = true
	s.infoLoading = true
	s.mu.Unlock()
	s.notify()
	s.logger.Info("room opened", slog.Int64("room", roomID))

	var g errgroup.Group
	g.Go(func() error {
		return s.loadPage(ctx, roomID, gen, 0)
	})
	g.Go(func() error {
		return s.loadRoomInfo(ctx, roomID, gen)
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("open room %d: %w", roomID, err)
	}
	return nil
}

// Close disconnects the open room before discarding its state.
func (s *Session) Close() {
	s.leave()
}

// Shutdown closes the session and stops its event pump.
func (s *Session) Shutdown() {
	s.leave()
	s.stopPump()
	<-s.pumpDone
}

func (s *Session) leave() {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return
	}
	roomID := s.roomID
	s.open = false
	s.gen++
	s.mu.Unlock()

	// the channel waits for its loop, which may be blocked on the pump
	s.channel.Disconnect(roomID)
	s.logger.Info("room closed", slog.Int64("room", roomID))

	s.mu.Lock()
	if !s.open {
		s.clear()
	}
	s.mu.Unlock()
	s.notify()
}

func (s *Session) reset(roomID int64) {
	s.clear()
	s.open = true
	s.roomID = roomID
	s.gen++
	s.hasMore = true
}

func (s *Session) clear() {
	s.roomID = 0
	s.chanGen = 0
	s.info = nil
	s.infoLoading = false
	s.roomErr = nil
	s.state = Disconnected
	s.entries = nil
	s.seen = make(map[core.MessageKey]struct{})
	s.fromPage = make(map[core.MessageKey]struct{})
	s.pending = nil
	s.loaded = false
	s.liveSeq, s.histSeq = 0, 0
	s.nextPage = 0
	s.hasMore = false
	s.fetching = false
	s.fetchErr = nil
	s.stick = false
	s.pageMerged = false
	s.draft = ""
}

// OnSentinelVisible is called when the oldest-rendered end of the list
// scrolls into view. It starts the next page fetch in the background unless
// one is in flight or history is exhausted. Room metadata that failed to
// load is requested again alongside.
func (s *Session) OnSentinelVisible(ctx context.Context) error {
	if roomID, gen, ok := s.beginRoomInfoRetry(); ok {
		go s.loadRoomInfo(ctx, roomID, gen)
	}
	roomID, gen, page, err := s.beginFetch()
	if err != nil {
		return err
	}
	go s.loadPage(ctx, roomID, gen, page)
	return nil
}

// FetchNext fetches the next page and waits for it to be merged. Room
// metadata that failed to load is requested again first.
func (s *Session) FetchNext(ctx context.Context) error {
	if roomID, gen, ok := s.beginRoomInfoRetry(); ok {
		if err := s.loadRoomInfo(ctx, roomID, gen); err != nil {
			return err
		}
	}
	roomID, gen, page, err := s.beginFetch()
	if err != nil {
		return err
	}
	return s.loadPage(ctx, roomID, gen, page)
}

func (s *Session) beginFetch() (roomID int64, gen uint64, page int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case !s.open:
		return 0, 0, 0, core.ErrSessionClosed
	case s.fetching:
		return 0, 0, 0, core.ErrFetchInFlight
	case !s.hasMore:
		return 0, 0, 0, core.ErrNoMoreHistory
	}
	s.fetching = true
	s.fetchErr = nil
	return s.roomID, s.gen, s.nextPage, nil
}

// beginRoomInfoRetry claims a new room metadata request when the last one failed.
func (s *Session) beginRoomInfoRetry() (roomID int64, gen uint64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open || s.info != nil || s.roomErr == nil || s.infoLoading {
		return 0, 0, false
	}
	s.infoLoading = true
	return s.roomID, s.gen, true
}

func (s *Session) loadPage(ctx context.Context, roomID int64, gen uint64, page int) error {
	p, err := s.history.FetchPage(ctx, roomID, page)

	s.mu.Lock()
	if !s.current(roomID, gen) {
		s.mu.Unlock()
		metrics.HistoryPages.WithLabelValues("stale").Inc()
		s.logger.Debug("discarding stale page", slog.Int64("room", roomID), slog.Int("page", page))
		return nil
	}
	s.fetching = false
	if err != nil {
		s.fetchErr = err
		s.mu.Unlock()
		metrics.HistoryPages.WithLabelValues("error").Inc()
		s.logger.Warn(fmt.Sprintf("fetch page %d: %v", page, err), slog.Int64("room", roomID))
		s.notify()
		return err
	}
	metrics.HistoryPages.WithLabelValues("ok").Inc()
	s.mergePage(p)
	s.mu.Unlock()
	s.notify()
	return nil
}

func (s *Session) loadRoomInfo(ctx context.Context, roomID int64, gen uint64) error {
	info, err := s.rooms.RoomInfo(ctx, roomID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.current(roomID, gen) {
		return nil
	}
	s.infoLoading = false
	if err != nil {
		err = fmt.Errorf("room info: %w", err)
		s.roomErr = err
		s.logger.Warn(err.Error(), slog.Int64("room", roomID))
		s.report(err)
		s.notify()
		return err
	}
	s.roomErr = nil
	s.info = &info
	s.notify()
	return nil
}

func (s *Session) current(roomID int64, gen uint64) bool {
	return s.open && s.roomID == roomID && s.gen == gen
}

// mergePage places a page behind every message with an equal-or-newer
// position. The cursor moves only here, after a successful fetch.
func (s *Session) mergePage(p core.Page) {
	for _, m := range p.Messages {
		k := m.Key()
		if _, dup := s.seen[k]; dup {
			metrics.Duplicates.Inc()
			continue
		}
		s.histSeq--
		s.insert(entry{msg: m, seq: s.histSeq})
		s.seen[k] = struct{}{}
		s.fromPage[k] = struct{}{}
	}
	s.nextPage++
	s.hasMore = p.HasMore

	if !s.loaded {
		s.loaded = true
		for _, m := range s.pending {
			s.mergeLive(m)
		}
		s.pending = nil
		s.stick = true
		return
	}
	s.pageMerged = true
}

func (s *Session) mergeLive(m core.Message) {
	k := m.Key()
	if _, dup := s.fromPage[k]; dup {
		metrics.Duplicates.Inc()
		return
	}
	s.liveSeq++
	if i := s.insert(entry{msg: m, live: true, seq: s.liveSeq}); i > 0 {
		s.logger.Warn("live message older than the newest message, clock skew",
			slog.Int64("room", s.roomID), slog.String("sentAt", m.SentAt.String()))
	}
	s.seen[k] = struct{}{}
	s.stick = true
}

func (s *Session) insert(e entry) int {
	i, _ := slices.BinarySearchFunc(s.entries, e, newerFirst)
	s.entries = slices.Insert(s.entries, i, e)
	return i
}

// AfterRender adjusts vp once the current snapshot has been rendered into it.
// In stick-to-bottom mode the view jumps to the newest message and the mode
// ends; after an older page was merged the scroll offset is moved by the
// added height so the visible messages stay in place.
func (s *Session) AfterRender(vp Viewport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.stick:
		vp.ScrollToBottom()
		s.stick = false
		s.pageMerged = false
	case s.pageMerged:
		delta := vp.ScrollHeight() - s.lastHeight
		vp.SetScrollTop(vp.ScrollTop() + delta)
		s.pageMerged = false
	}
	s.lastHeight = vp.ScrollHeight()
}

func (s *Session) SetDraft(text string) {
	s.mu.Lock()
	s.draft = text
	s.mu.Unlock()
}

func (s *Session) Draft() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draft
}

// SendMessage publishes text to the open room and clears the draft. Empty
// text and messages to a blocked counterpart are rejected without
// publishing. Room metadata that is not loaded is requested first, and a
// failure to load it rejects the message. The message shows up once the
// server echoes it back.
func (s *Session) SendMessage(ctx context.Context, text string) error {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return core.ErrSessionClosed
	}
	if strings.TrimSpace(text) == "" {
		s.mu.Unlock()
		return core.ErrEmptyMessage
	}
	if s.info == nil {
		roomID, gen := s.roomID, s.gen
		s.infoLoading = true
		s.mu.Unlock()
		if err := s.loadRoomInfo(ctx, roomID, gen); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
		s.mu.Lock()
		if !s.current(roomID, gen) {
			s.mu.Unlock()
			return core.ErrSessionClosed
		}
	}
	if s.info.Blocked() {
		s.mu.Unlock()
		return core.ErrBlocked
	}
	roomID := s.roomID
	s.draft = ""
	s.mu.Unlock()
	s.notify()

	if err := s.channel.Publish(roomID, text); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// ChangeFriendship sets the friendship with the counterpart of the open
// private room and reloads the room metadata, which re-evaluates the
// composer gate.
func (s *Session) ChangeFriendship(ctx context.Context, status core.FriendshipStatus) error {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return core.ErrSessionClosed
	}
	u, ok := s.info.Counterpart()
	roomID, gen := s.roomID, s.gen
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("change friendship: %w: not a private room", core.ErrInvalidRoom)
	}

	if err := s.rooms.ChangeFriendship(ctx, u.ID, status); err != nil {
		return fmt.Errorf("change friendship: %w", err)
	}
	s.mu.Lock()
	s.infoLoading = true
	s.mu.Unlock()
	return s.loadRoomInfo(ctx, roomID, gen)
}

// Snapshot returns the current state for rendering.
func (s *Session) Snapshot() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := View{
		RoomID:        s.roomID,
		NextPage:      s.nextPage,
		HasMore:       s.hasMore,
		Loading:       s.fetching,
		FetchErr:      s.fetchErr,
		RoomErr:       s.roomErr,
		State:         s.state,
		Ready:         s.loaded && s.state == Connected,
		StickToBottom: s.stick,
		Draft:         s.draft,
	}
	if s.info != nil {
		info := *s.info
		info.Users = slices.Clone(s.info.Users)
		v.Room = &info
	}
	v.Messages = make([]core.Message, len(s.entries))
	for i, e := range s.entries {
		v.Messages[len(s.entries)-1-i] = e.msg
	}
	return v
}

func (s *Session) pump(ctx context.Context) {
	defer close(s.pumpDone)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.channel.Events():
			s.handle(ev)
		}
	}
}

func (s *Session) handle(ev Event) {
	s.mu.Lock()
	if !s.open || ev.RoomID != s.roomID || ev.Gen != s.chanGen {
		s.mu.Unlock()
		s.logger.Debug("dropping event of a closed room", slog.Int64("room", ev.RoomID))
		return
	}

	switch ev.Kind {
	case EventMessage:
		if s.loaded {
			s.mergeLive(ev.Message)
		} else {
			s.pending = append(s.pending, ev.Message)
		}
	case EventState:
		s.state = ev.State
	case EventControl:
		s.logger.Info("control message", slog.String("type", ev.Control.Type))
	case EventError:
		s.report(ev.Err)
	}
	s.mu.Unlock()
	s.notify()
}

func (s *Session) report(err error) {
	if err == nil {
		return
	}
	select {
	case s.errs <- err:
	default:
		s.logger.Warn(fmt.Sprintf("error dropped, nobody is listening: %v", err))
	}
}

func (s *Session) notify() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}
