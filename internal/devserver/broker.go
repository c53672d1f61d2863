package devserver

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"

	"github.com/putto11262002/chatter-client/pkg/stomp"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed for the client to send CONNECT.
	connectWait = 10 * time.Second

	roomTopicPrefix = "/sub/"
	controlTopic    = "/sub/global"
	publishPrefix   = "/pub/chat/"

	// unauthenticatedBody is the ERROR body the web client treats as a login prompt.
	unauthenticatedBody = "UNA"
)

type controlMessage struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

type publishPayload struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// Published is a payload the broker received on a publish destination.
type Published struct {
	RoomID  int64
	Sender  int64
	Type    string
	Message string
}

// broker is a minimal STOMP 1.2 broker: one frame per websocket message,
// auto-acknowledged subscriptions, no transactions.
type broker struct {
	app       *Server
	heartbeat time.Duration
	logger    *slog.Logger
	upgrader  websocket.Upgrader
	msgSeq    atomic.Int64

	mu    sync.Mutex
	conns map[*brokerConn]struct{}
	pubs  []Published
}

type brokerConn struct {
	ws   *websocket.Conn
	user int64
	send chan *frame.Frame
	done chan struct{}
	// closed when the writer has exited
	flushed chan struct{}
	once    sync.Once
	logger  *slog.Logger

	// subscription id by destination
	mu   sync.Mutex
	subs map[string]string
}

func newBroker(app *Server, heartbeat time.Duration, logger *slog.Logger) *broker {
	return &broker{
		app:       app,
		heartbeat: heartbeat,
		logger:    logger.With(slog.String("component", "broker")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns: make(map[*brokerConn]struct{}),
	}
}

func (b *broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Error(fmt.Sprintf("upgrade: %v", err))
		return
	}
	go b.handle(ws)
}

func (b *broker) handle(ws *websocket.Conn) {
	c, read, write, ok := b.connect(ws)
	if !ok {
		return
	}
	b.mu.Lock()
	b.conns[c] = struct{}{}
	b.mu.Unlock()
	c.logger.Info("client connected")

	defer func() {
		b.mu.Lock()
		delete(b.conns, c)
		b.mu.Unlock()
		c.finish()
		<-c.flushed
		c.logger.Info("client disconnected")
	}()

	go c.writeLoop(write)
	b.readLoop(c, read)
}

// connect runs the CONNECT handshake. The connection is closed when it fails.
func (b *broker) connect(ws *websocket.Conn) (c *brokerConn, read, write time.Duration, ok bool) {
	ws.SetReadDeadline(time.Now().Add(connectWait))
	frames, err := stomp.ReadFrames(ws)
	if err != nil || len(frames) == 0 {
		ws.Close()
		return nil, 0, 0, false
	}
	f := frames[0]
	if f.Command != frame.CONNECT && f.Command != frame.STOMP {
		b.reject(ws, "expected CONNECT", "")
		return nil, 0, 0, false
	}

	user, err := b.app.authenticate(f.Header.Get("Authorization"))
	if err != nil {
		b.logger.Info(fmt.Sprintf("rejecting connection: %v", err))
		b.reject(ws, unauthenticatedBody, unauthenticatedBody)
		return nil, 0, 0, false
	}

	write, read, err = stomp.NegotiateHeartBeat(b.heartbeat, b.heartbeat, f.Header.Get(frame.HeartBeat))
	if err != nil {
		b.reject(ws, err.Error(), "")
		return nil, 0, 0, false
	}
	connected := frame.New(frame.CONNECTED,
		frame.Version, "1.2",
		frame.HeartBeat, stomp.FormatHeartBeat(b.heartbeat, b.heartbeat))
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := stomp.WriteFrame(ws, connected); err != nil {
		ws.Close()
		return nil, 0, 0, false
	}
	ws.SetReadDeadline(time.Time{})

	c = &brokerConn{
		ws:      ws,
		user:    user,
		send:    make(chan *frame.Frame, 64),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
		logger:  b.logger.With(slog.Int64("user", user)),
		subs:    make(map[string]string),
	}
	return c, read, write, true
}

func (b *broker) reject(ws *websocket.Conn, message, body string) {
	f := frame.New(frame.ERROR, frame.Message, message)
	f.Body = []byte(body)
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	stomp.WriteFrame(ws, f)
	ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	ws.Close()
}

func (b *broker) readLoop(c *brokerConn, interval time.Duration) {
	for {
		if interval > 0 {
			c.ws.SetReadDeadline(time.Now().Add(2 * interval))
		}
		frames, err := stomp.ReadFrames(c.ws)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug(fmt.Sprintf("read: %v", err))
			}
			return
		}
		for _, f := range frames {
			if !b.dispatch(c, f) {
				return
			}
		}
	}
}

// dispatch handles one client frame. It returns false when the connection must end.
func (b *broker) dispatch(c *brokerConn, f *frame.Frame) bool {
	switch f.Command {
	case frame.SUBSCRIBE:
		c.mu.Lock()
		c.subs[f.Header.Get(frame.Destination)] = f.Header.Get(frame.Id)
		c.mu.Unlock()
	case frame.UNSUBSCRIBE:
		id := f.Header.Get(frame.Id)
		c.mu.Lock()
		for dest, sub := range c.subs {
			if sub == id {
				delete(c.subs, dest)
			}
		}
		c.mu.Unlock()
	case frame.SEND:
		b.handleSend(c, f)
	case frame.DISCONNECT:
		if receipt := f.Header.Get(frame.Receipt); receipt != "" {
			c.enqueue(frame.New(frame.RECEIPT, frame.ReceiptId, receipt))
		}
		return false
	default:
		c.logger.Warn(fmt.Sprintf("unsupported frame: %s", f.Command))
	}
	return true
}

func (b *broker) handleSend(c *brokerConn, f *frame.Frame) {
	dest := f.Header.Get(frame.Destination)
	rest, ok := strings.CutPrefix(dest, publishPrefix)
	if !ok {
		c.logger.Warn(fmt.Sprintf("send to unknown destination %s", dest))
		return
	}
	roomID, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		c.logger.Warn(fmt.Sprintf("send to invalid room %q", rest))
		return
	}
	var p publishPayload
	if err := json.Unmarshal(f.Body, &p); err != nil {
		c.logger.Warn(fmt.Sprintf("decode payload: %v", err))
		return
	}

	b.mu.Lock()
	b.pubs = append(b.pubs, Published{RoomID: roomID, Sender: c.user, Type: p.Type, Message: p.Message})
	b.mu.Unlock()

	if p.Type != "MESSAGE" {
		c.logger.Info(fmt.Sprintf("%s on room %d", p.Type, roomID))
		return
	}
	m, err := b.app.post(roomID, c.user, p.Message)
	if err != nil {
		c.logger.Warn(fmt.Sprintf("post: %v", err))
		return
	}
	body, err := json.Marshal(m)
	if err != nil {
		return
	}
	b.broadcast(roomTopicPrefix+strconv.FormatInt(roomID, 10), body)
}

// broadcast delivers body to every subscriber of dest and returns how many got it.
func (b *broker) broadcast(dest string, body []byte) int {
	b.mu.Lock()
	conns := make([]*brokerConn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	n := 0
	for _, c := range conns {
		c.mu.Lock()
		sub, ok := c.subs[dest]
		c.mu.Unlock()
		if !ok {
			continue
		}
		m := frame.New(frame.MESSAGE,
			frame.Destination, dest,
			frame.Subscription, sub,
			frame.MessageId, strconv.FormatInt(b.msgSeq.Add(1), 10),
			frame.ContentType, "application/json")
		m.Body = body
		if c.enqueue(m) {
			n++
		}
	}
	return n
}

func (b *broker) broadcastControl(msg controlMessage) int {
	body, _ := json.Marshal(msg)
	return b.broadcast(controlTopic, body)
}

func (b *broker) closeAll() {
	b.mu.Lock()
	conns := make([]*brokerConn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}

func (b *broker) connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

func (b *broker) published() []Published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Published(nil), b.pubs...)
}

func (c *brokerConn) enqueue(f *frame.Frame) bool {
	select {
	case c.send <- f:
		return true
	case <-c.done:
		return false
	}
}

// finish stops accepting frames; the writer drains what is queued and closes.
func (c *brokerConn) finish() {
	c.once.Do(func() { close(c.done) })
}

// close drops the socket immediately.
func (c *brokerConn) close() {
	c.finish()
	c.ws.Close()
}

func (c *brokerConn) writeLoop(interval time.Duration) {
	var tick <-chan time.Time
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}
	defer func() {
		c.ws.Close()
		close(c.flushed)
	}()

	for {
		select {
		case f := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := stomp.WriteFrame(c.ws, f); err != nil {
				c.logger.Debug(fmt.Sprintf("write %s: %v", f.Command, err))
				return
			}
		case <-tick:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, []byte{'\n'}); err != nil {
				return
			}
		case <-c.done:
			for {
				select {
				case f := <-c.send:
					c.ws.SetWriteDeadline(time.Now().Add(writeWait))
					if err := stomp.WriteFrame(c.ws, f); err != nil {
						return
					}
				default:
					c.ws.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
					return
				}
			}
		}
	}
}
