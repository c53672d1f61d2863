package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/putto11262002/chatter-client/core"
	"github.com/putto11262002/chatter-client/internal/metrics"
	"github.com/putto11262002/chatter-client/pkg/stomp"
	"github.com/putto11262002/chatter-client/pkg/token"
)

const (
	// DefaultReconnectDelay is the fixed wait before redialing after a non-graceful close.
	DefaultReconnectDelay = 5 * time.Second

	// DefaultHeartbeat is used for both heart-beat directions.
	DefaultHeartbeat = 4 * time.Second

	// Time allowed for the leave notice and the DISCONNECT receipt.
	disconnectWait = 2 * time.Second

	// ControlShutdown is the control-topic signal for a planned server restart.
	ControlShutdown = "SHUTDOWN"

	messageTypeChat       = "MESSAGE"
	messageTypeDisconnect = "DISCONNECT"
)

// State is the lifecycle state of a Channel.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	// Unauthenticated is terminal for the current Connect call.
	Unauthenticated
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	case Reconnecting:
		return "RECONNECTING"
	case Unauthenticated:
		return "UNAUTHENTICATED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type EventKind int

const (
	EventMessage EventKind = iota
	EventState
	EventControl
	EventError
)

// Event is what a Channel delivers to its consumer, in transport order.
type Event struct {
	Kind   EventKind
	RoomID int64
	// Gen is the generation returned by the Connect call that started the loop.
	Gen uint64
	// Conn is the id of the connection handle the event belongs to, if any.
	Conn    string
	Message core.Message
	State   State
	Control Control
	Err     error
}

// Control is a payload received on the control topic.
type Control struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

// Transport is one live messaging connection. *stomp.Conn implements it.
type Transport interface {
	ID() string
	Subscribe(destination string) (string, error)
	Send(destination, contentType string, body []byte) error
	Messages() <-chan *stomp.Message
	Err() error
	Disconnect(ctx context.Context) error
	Close() error
}

// Dialer opens a Transport authenticated with token.
type Dialer interface {
	Dial(ctx context.Context, token string) (Transport, error)
}

type DialerFunc func(ctx context.Context, token string) (Transport, error)

func (f DialerFunc) Dial(ctx context.Context, token string) (Transport, error) {
	return f(ctx, token)
}

// StompDialer dials a STOMP broker over a websocket and attaches the token
// to the CONNECT frame.
type StompDialer struct {
	URL       string
	Heartbeat time.Duration
	Logger    *slog.Logger
}

func (d StompDialer) Dial(ctx context.Context, tok string) (Transport, error) {
	conn, err := stomp.Dial(ctx, stomp.Options{
		URL:               d.URL,
		ConnectHeaders:    map[string]string{"Authorization": token.Bearer(tok)},
		HeartbeatOutgoing: d.Heartbeat,
		HeartbeatIncoming: d.Heartbeat,
		Logger:            d.Logger,
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Destinations are the broker destinations used by a Channel.
// "{roomId}" is replaced by the room id.
type Destinations struct {
	RoomTopic    string
	ControlTopic string
	Publish      string
}

var DefaultDestinations = Destinations{
	RoomTopic:    "/sub/{roomId}",
	ControlTopic: "/sub/global",
	Publish:      "/pub/chat/{roomId}",
}

func (d Destinations) room(id int64) string {
	return strings.ReplaceAll(d.RoomTopic, "{roomId}", core.FormatRoomID(id))
}

func (d Destinations) publish(id int64) string {
	return strings.ReplaceAll(d.Publish, "{roomId}", core.FormatRoomID(id))
}

type outbound struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// Channel keeps exactly one messaging connection for the room being viewed.
// It owns the connection handle; a handle is closed and cleared before a new
// one is installed, including during reconnects.
type Channel struct {
	dialer         Dialer
	tokens         token.Store
	dest           Destinations
	reconnectDelay time.Duration
	logger         *slog.Logger
	events         chan Event

	mu     sync.Mutex
	state  State
	roomID int64
	conn   Transport
	gen    uint64
	// cancel and loopDone are set while a connection loop runs.
	cancel   context.CancelFunc
	loopDone chan struct{}

	live atomic.Int32
}

type ChannelOption func(*Channel)

func WithDestinations(d Destinations) ChannelOption {
	return func(c *Channel) {
		c.dest = d
	}
}

func WithReconnectDelay(d time.Duration) ChannelOption {
	return func(c *Channel) {
		c.reconnectDelay = d
	}
}

func WithChannelLogger(l *slog.Logger) ChannelOption {
	return func(c *Channel) {
		c.logger = l
	}
}

func WithEventBuffer(n int) ChannelOption {
	return func(c *Channel) {
		c.events = make(chan Event, n)
	}
}

func NewChannel(dialer Dialer, tokens token.Store, opts ...ChannelOption) *Channel {
	c := &Channel{
		dialer:         dialer,
		tokens:         tokens,
		dest:           DefaultDestinations,
		reconnectDelay: DefaultReconnectDelay,
		logger: slog.New(slog.NewTextHandler(os.Stdout,
			&slog.HandlerOptions{Level: slog.LevelInfo})),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.events == nil {
		c.events = make(chan Event, 64)
	}
	return c
}

// Events delivers messages, state changes, control payloads and errors in order.
func (c *Channel) Events() <-chan Event {
	return c.events
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RoomID returns the room the channel was last connected for.
func (c *Channel) RoomID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

// LiveConnections returns the number of installed connection handles: 0 or 1.
func (c *Channel) LiveConnections() int {
	return int(c.live.Load())
}

// loop identifies one connection loop started by Connect.
type loop struct {
	ctx    context.Context
	roomID int64
	gen    uint64
	done   chan struct{}
}

// Connect starts the connection loop for roomID and returns without waiting
// for the connection. Events produced by the loop carry the returned
// generation. It is a no-op while the channel is already active for roomID
// and fails with core.ErrChannelBusy while active for another room.
func (c *Channel) Connect(roomID int64) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		if c.roomID == roomID {
			return c.gen, nil
		}
		return 0, fmt.Errorf("connect room %d: %w", roomID, core.ErrChannelBusy)
	}
	if roomID <= 0 {
		return 0, fmt.Errorf("connect room %d: %w", roomID, core.ErrInvalidRoom)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.gen++
	l := &loop{ctx: ctx, roomID: roomID, gen: c.gen, done: make(chan struct{})}
	c.roomID = roomID
	c.state = Connecting
	c.cancel = cancel
	c.loopDone = l.done

	go c.run(l)
	return l.gen, nil
}

// Publish sends body to roomID exactly once without waiting for an
// acknowledgement. When the channel is not connected for roomID the message
// is dropped, logged and core.ErrNotConnected is returned; it is never retried.
func (c *Channel) Publish(roomID int64, body string) error {
	c.mu.Lock()
	conn := c.conn
	state := c.state
	ok := state == Connected && c.roomID == roomID && conn != nil
	c.mu.Unlock()

	if !ok {
		metrics.PublishDropped.Inc()
		c.logger.Warn("publish dropped",
			slog.Int64("room", roomID), slog.String("state", state.String()))
		return core.ErrNotConnected
	}

	b, err := json.Marshal(outbound{Message: body, Type: messageTypeChat})
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := conn.Send(c.dest.publish(roomID), "application/json", b); err != nil {
		metrics.PublishDropped.Inc()
		c.logger.Warn(fmt.Sprintf("publish: %v", err), slog.Int64("room", roomID))
		return fmt.Errorf("publish: %w", err)
	}
	metrics.MessagesPublished.Inc()
	return nil
}

// Disconnect publishes a best-effort leave notice when connected, tears the
// connection down and waits for the connection loop to exit, so no event for
// roomID is produced after it returns. It is safe to call in any state.
func (c *Channel) Disconnect(roomID int64) {
	c.mu.Lock()
	if c.roomID != roomID {
		c.mu.Unlock()
		return
	}
	if c.cancel == nil {
		c.state = Disconnected
		c.mu.Unlock()
		return
	}
	cancel, done := c.cancel, c.loopDone
	wasConnected := c.state == Connected
	conn := c.takeConnLocked()
	c.cancel, c.loopDone = nil, nil
	c.state = Disconnected
	// cancel under the lock so the loop cannot publish a state after this point
	cancel()
	c.mu.Unlock()

	if conn != nil {
		if wasConnected {
			b, _ := json.Marshal(outbound{Message: "disconnect", Type: messageTypeDisconnect})
			if err := conn.Send(c.dest.publish(roomID), "application/json", b); err != nil {
				c.logger.Debug(fmt.Sprintf("leave notice: %v", err))
			}
		}
		ctx, stop := context.WithTimeout(context.Background(), disconnectWait)
		if err := conn.Disconnect(ctx); err != nil {
			c.logger.Debug(fmt.Sprintf("disconnect: %v", err))
		}
		stop()
		conn.Close()
	}
	<-done
	c.logger.Info("disconnected", slog.Int64("room", roomID))
}

func (c *Channel) run(l *loop) {
	defer close(l.done)
	logger := c.logger.With(slog.Int64("room", l.roomID))

	for {
		c.transition(l, Connecting, "")
		conn, err := c.dial(l)
		if err == nil {
			var shutdown bool
			shutdown, err = c.serve(l, conn, logger)
			c.release(conn)
			if l.ctx.Err() != nil {
				return
			}
			// the broker rejects a SEND with ERROR "UNA" once the token is no longer valid
			if isAuthFailure(err) {
				err = core.NewError(core.KindAuth, "channel", fmt.Errorf("%w: %v", core.ErrUnauthenticated, err))
			}
			if shutdown {
				metrics.ChannelReconnects.WithLabelValues("shutdown").Inc()
				logger.Info("server is restarting, reconnecting")
				c.transition(l, Reconnecting, "")
				continue
			}
		}
		if l.ctx.Err() != nil {
			return
		}
		if core.IsAuth(err) {
			logger.Warn(fmt.Sprintf("unauthenticated: %v", err))
			c.unauthenticated(l, err)
			return
		}

		logger.Warn(fmt.Sprintf("connection lost: %v", err), slog.Duration("retry_in", c.reconnectDelay))
		metrics.ChannelReconnects.WithLabelValues("transport").Inc()
		c.emit(l, Event{Kind: EventError, Err: core.NewError(core.KindTransport, "channel", err)})
		c.transition(l, Reconnecting, "")
		if !c.wait(l.ctx) {
			return
		}
	}
}

// dial reads a fresh token snapshot, opens a connection and installs it as
// the channel's only handle.
func (c *Channel) dial(l *loop) (Transport, error) {
	tok, err := c.tokens.Token()
	if err != nil {
		return nil, core.NewError(core.KindAuth, "read token", err)
	}
	conn, err := c.dialer.Dial(l.ctx, tok)
	if err != nil {
		if isAuthFailure(err) {
			return nil, core.NewError(core.KindAuth, "connect", fmt.Errorf("%w: %v", core.ErrUnauthenticated, err))
		}
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if l.ctx.Err() != nil {
		conn.Close()
		return nil, l.ctx.Err()
	}
	if c.conn != nil {
		c.logger.Error("stale connection handle found, closing it", slog.String("conn", c.conn.ID()))
		stale := c.takeConnLocked()
		stale.Close()
	}
	c.conn = conn
	c.live.Add(1)
	metrics.ChannelLive.Set(float64(c.live.Load()))
	return conn, nil
}

// serve subscribes the room and control topics and pumps inbound messages
// until the connection ends. shutdown is true when the server announced a restart.
func (c *Channel) serve(l *loop, conn Transport, logger *slog.Logger) (shutdown bool, err error) {
	roomSub, err := conn.Subscribe(c.dest.room(l.roomID))
	if err != nil {
		return false, fmt.Errorf("subscribe room: %w", err)
	}
	controlSub, err := conn.Subscribe(c.dest.ControlTopic)
	if err != nil {
		return false, fmt.Errorf("subscribe control: %w", err)
	}
	metrics.ChannelConnects.Inc()
	logger.Info("connected", slog.String("conn", conn.ID()))
	c.transition(l, Connected, conn.ID())

	for {
		select {
		case <-l.ctx.Done():
			return false, l.ctx.Err()
		case m, ok := <-conn.Messages():
			if !ok {
				if err := conn.Err(); err != nil {
					return false, err
				}
				return false, stomp.ErrClosed
			}
			switch m.Subscription {
			case controlSub:
				var ctl Control
				if err := json.Unmarshal(m.Body, &ctl); err != nil {
					metrics.MessageDecodeFail.Inc()
					logger.Error(fmt.Sprintf("decode control payload: %v", err))
					continue
				}
				c.emit(l, Event{Kind: EventControl, Conn: conn.ID(), Control: ctl})
				if ctl.Type == ControlShutdown {
					return true, nil
				}
			case roomSub:
				var msg core.Message
				if err := json.Unmarshal(m.Body, &msg); err != nil {
					metrics.MessageDecodeFail.Inc()
					logger.Error(fmt.Sprintf("decode message: %v", err))
					continue
				}
				metrics.MessagesReceived.Inc()
				c.emit(l, Event{Kind: EventMessage, Conn: conn.ID(), Message: msg})
			default:
				logger.Debug("message for unknown subscription", slog.String("subscription", m.Subscription))
			}
		}
	}
}

// release closes conn if it is still the installed handle. A handle taken
// by Disconnect is closed there, after the leave notice.
func (c *Channel) release(conn Transport) {
	c.mu.Lock()
	owned := c.conn == conn
	if owned {
		c.takeConnLocked()
	}
	c.mu.Unlock()
	if owned {
		conn.Close()
	}
}

func (c *Channel) takeConnLocked() Transport {
	conn := c.conn
	if conn != nil {
		c.conn = nil
		c.live.Add(-1)
		metrics.ChannelLive.Set(float64(c.live.Load()))
	}
	return conn
}

func (c *Channel) transition(l *loop, s State, connID string) {
	c.mu.Lock()
	if l.ctx.Err() != nil || c.loopDone != l.done {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()
	c.emit(l, Event{Kind: EventState, State: s, Conn: connID})
}

func (c *Channel) unauthenticated(l *loop, err error) {
	c.mu.Lock()
	owned := c.loopDone == l.done
	if owned {
		c.state = Unauthenticated
	}
	c.mu.Unlock()
	if !owned {
		return
	}

	c.emit(l, Event{Kind: EventState, State: Unauthenticated})
	c.emit(l, Event{Kind: EventError, Err: err})

	c.mu.Lock()
	if c.loopDone == l.done {
		c.cancel()
		c.cancel, c.loopDone = nil, nil
	}
	c.mu.Unlock()
}

func (c *Channel) emit(l *loop, e Event) {
	e.RoomID, e.Gen = l.roomID, l.gen
	select {
	case c.events <- e:
	case <-l.ctx.Done():
	}
}

func (c *Channel) wait(ctx context.Context) bool {
	t := time.NewTimer(c.reconnectDelay)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// isAuthFailure reports whether the broker rejected the credentials: an
// upgrade refused with 401/403 or an ERROR frame carrying "UNA".
func isAuthFailure(err error) bool {
	if errors.Is(err, stomp.ErrUnauthorized) {
		return true
	}
	var se *stomp.ServerError
	if errors.As(err, &se) {
		return strings.TrimSpace(se.Body) == "UNA" || strings.TrimSpace(se.Message) == "UNA"
	}
	return false
}
