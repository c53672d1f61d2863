package stomp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed for the broker to answer CONNECT.
	handshakeWait = 10 * time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 1 << 20

	// The peer is considered dead after this many silent read intervals.
	readTolerance = 2
)

// Options configures a STOMP connection.
type Options struct {
	// URL is the websocket endpoint, e.g. ws://localhost:8080/ws-stomp.
	URL string
	// Header is sent with the websocket upgrade request.
	Header http.Header
	// ConnectHeaders are added to the CONNECT frame, e.g. Authorization.
	ConnectHeaders map[string]string
	// HeartbeatOutgoing is how often the client offers to send heart-beats.
	HeartbeatOutgoing time.Duration
	// HeartbeatIncoming is how often the client wants to receive heart-beats.
	HeartbeatIncoming time.Duration
	Dialer            *websocket.Dialer
	Logger            *slog.Logger
	// OutboundBuffer is the number of frames queued for the writer.
	OutboundBuffer int
	// InboundBuffer is the number of messages queued for the consumer.
	InboundBuffer int
}

// Message is a MESSAGE frame delivered on a subscription.
type Message struct {
	Destination  string
	Subscription string
	MessageID    string
	ContentType  string
	Body         []byte
}

// Conn is a client connection to a STOMP broker over a websocket.
// One STOMP frame travels in one websocket text message.
type Conn struct {
	ws     *websocket.Conn
	id     string
	logger *slog.Logger

	out      chan *frame.Frame
	messages chan *Message
	receipts chan string
	done     chan struct{}

	readInterval  time.Duration
	writeInterval time.Duration

	closeOnce      sync.Once
	disconnectOnce sync.Once
	// closing is set once the owner starts tearing the connection down.
	// Read errors after that point are expected.
	closing atomic.Bool
	subSeq  atomic.Int64

	// leaving is closed with closing; inbound messages are dropped from then on
	leaving   chan struct{}
	leaveOnce sync.Once

	mu  sync.Mutex
	err error

	wg sync.WaitGroup
}

// Dial opens the websocket, performs the STOMP CONNECT handshake and starts
// the read and write loops. A broker ERROR in reply to CONNECT is returned as
// a *ServerError; a 401/403 upgrade response as ErrUnauthorized.
func Dial(ctx context.Context, opts Options) (*Conn, error) {
	dialer := opts.Dialer
	if dialer == nil {
		d := *websocket.DefaultDialer
		dialer = &d
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	ws, resp, err := dialer.DialContext(ctx, opts.URL, opts.Header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("dial %s: %w", opts.URL, ErrUnauthorized)
		}
		return nil, fmt.Errorf("dial %s: %w", opts.URL, err)
	}
	ws.SetReadLimit(maxMessageSize)

	connected, err := handshake(ctx, ws, opts)
	if err != nil {
		ws.Close()
		return nil, err
	}

	write, read, err := NegotiateHeartBeat(opts.HeartbeatOutgoing, opts.HeartbeatIncoming,
		connected.Header.Get(frame.HeartBeat))
	if err != nil {
		ws.Close()
		return nil, err
	}

	id := uuid.NewString()
	outSize := opts.OutboundBuffer
	if outSize <= 0 {
		outSize = 64
	}
	inSize := opts.InboundBuffer
	if inSize <= 0 {
		inSize = 64
	}
	c := &Conn{
		ws:            ws,
		id:            id,
		logger:        logger.With(slog.String("stomp.conn", id)),
		out:           make(chan *frame.Frame, outSize),
		messages:      make(chan *Message, inSize),
		receipts:      make(chan string, 4),
		done:          make(chan struct{}),
		leaving:       make(chan struct{}),
		readInterval:  read,
		writeInterval: write,
	}
	c.logger.Debug("connected",
		slog.String("version", connected.Header.Get(frame.Version)),
		slog.Duration("heartbeat.write", write),
		slog.Duration("heartbeat.read", read))

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.readLoop()
	}()
	go func() {
		defer c.wg.Done()
		c.writeLoop()
	}()
	return c, nil
}

func handshake(ctx context.Context, ws *websocket.Conn, opts Options) (*frame.Frame, error) {
	host := ""
	if u, err := url.Parse(opts.URL); err == nil {
		host = u.Hostname()
	}
	connect := frame.New(frame.CONNECT,
		frame.AcceptVersion, "1.2,1.1",
		frame.Host, host,
		frame.HeartBeat, FormatHeartBeat(opts.HeartbeatOutgoing, opts.HeartbeatIncoming))
	for k, v := range opts.ConnectHeaders {
		connect.Header.Add(k, v)
	}

	deadline := time.Now().Add(handshakeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	// unblock the handshake read when ctx is cancelled
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			ws.SetReadDeadline(time.Now())
		case <-stop:
		}
	}()

	ws.SetWriteDeadline(deadline)
	if err := WriteFrame(ws, connect); err != nil {
		return nil, fmt.Errorf("write CONNECT: %w", err)
	}

	ws.SetReadDeadline(deadline)
	defer ws.SetReadDeadline(time.Time{})
	for {
		frames, err := ReadFrames(ws)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("read CONNECTED: %w", err)
		}
		for _, f := range frames {
			switch f.Command {
			case frame.CONNECTED:
				return f, nil
			case frame.ERROR:
				return nil, newServerError(f)
			default:
				return nil, fmt.Errorf("%w: %s before CONNECTED", ErrProtocol, f.Command)
			}
		}
	}
}

// ID identifies this connection handle. A new handle gets a new ID.
func (c *Conn) ID() string {
	return c.id
}

// Messages yields MESSAGE frames in the order the broker sent them.
// It is closed when the connection terminates.
func (c *Conn) Messages() <-chan *Message {
	return c.messages
}

// Done is closed when the connection terminates.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err reports why the connection terminated. It is nil while the connection
// is alive and after a teardown started by Close or Disconnect.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Subscribe subscribes to destination with automatic acknowledgement and
// returns the subscription id.
func (c *Conn) Subscribe(destination string) (string, error) {
	id := "sub-" + strconv.FormatInt(c.subSeq.Add(1)-1, 10)
	f := frame.New(frame.SUBSCRIBE,
		frame.Id, id,
		frame.Destination, destination,
		frame.Ack, "auto")
	if err := c.enqueue(f); err != nil {
		return "", err
	}
	return id, nil
}

// Send publishes body to destination. It does not wait for a receipt.
func (c *Conn) Send(destination, contentType string, body []byte) error {
	f := frame.New(frame.SEND,
		frame.Destination, destination,
		frame.ContentLength, strconv.Itoa(len(body)))
	if contentType != "" {
		f.Header.Set(frame.ContentType, contentType)
	}
	f.Body = body
	return c.enqueue(f)
}

// Disconnect sends DISCONNECT, waits for the broker's receipt or ctx, then
// closes the socket with a normal closure. It is safe to call more than once.
func (c *Conn) Disconnect(ctx context.Context) error {
	first := false
	c.disconnectOnce.Do(func() { first = true })
	if !first {
		return nil
	}
	c.leave()
	defer c.shutdown()

	receipt := uuid.NewString()
	if err := c.enqueue(frame.New(frame.DISCONNECT, frame.Receipt, receipt)); err != nil {
		return nil
	}
	for {
		select {
		case id := <-c.receipts:
			if id == receipt {
				return nil
			}
		case <-c.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close tears the connection down without the DISCONNECT exchange.
func (c *Conn) Close() error {
	c.leave()
	c.shutdown()
	return nil
}

// Wait blocks until both loops have exited.
func (c *Conn) Wait() {
	c.wg.Wait()
}

// leave marks the teardown as started by the owner, who no longer reads Messages.
func (c *Conn) leave() {
	c.leaveOnce.Do(func() {
		c.closing.Store(true)
		close(c.leaving)
	})
}

func (c *Conn) shutdown() {
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	c.terminate(nil)
}

func (c *Conn) terminate(err error) {
	c.closeOnce.Do(func() {
		if c.closing.Load() {
			err = nil
		}
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
		c.ws.Close()
		if err != nil {
			c.logger.Info("connection terminated", slog.String("reason", err.Error()))
		}
	})
}

func (c *Conn) enqueue(f *frame.Frame) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.out <- f:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

func (c *Conn) readLoop() {
	var err error
	defer func() {
		close(c.messages)
		c.terminate(err)
	}()

	for {
		if c.readInterval > 0 {
			c.ws.SetReadDeadline(time.Now().Add(readTolerance * c.readInterval))
		}
		var frames []*frame.Frame
		frames, err = ReadFrames(c.ws)
		if err != nil {
			err = c.classifyReadError(err)
			return
		}

		for _, f := range frames {
			switch f.Command {
			case frame.MESSAGE:
				m := &Message{
					Destination:  f.Header.Get(frame.Destination),
					Subscription: f.Header.Get(frame.Subscription),
					MessageID:    f.Header.Get(frame.MessageId),
					ContentType:  f.Header.Get(frame.ContentType),
					Body:         f.Body,
				}
				select {
				case c.messages <- m:
				case <-c.leaving:
					c.logger.Debug("dropping message while disconnecting", slog.String("destination", m.Destination))
				case <-c.done:
					return
				}
			case frame.RECEIPT:
				select {
				case c.receipts <- f.Header.Get(frame.ReceiptId):
				default:
				}
			case frame.ERROR:
				err = newServerError(f)
				return
			default:
				c.logger.Warn(fmt.Sprintf("unexpected frame: %s", f.Command))
			}
		}
	}
}

func (c *Conn) classifyReadError(err error) error {
	if c.closing.Load() {
		return nil
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.logger.Debug(fmt.Sprintf("expected close: %v", err))
		return fmt.Errorf("closed by peer: %w", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrHeartbeatTimeout
	}
	if websocket.IsUnexpectedCloseError(err) {
		c.logger.Error(fmt.Sprintf("unexpected close: %v", err))
	}
	return fmt.Errorf("read: %w", err)
}

func (c *Conn) writeLoop() {
	var tick <-chan time.Time
	if c.writeInterval > 0 {
		ticker := time.NewTicker(c.writeInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case f := <-c.out:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := WriteFrame(c.ws, f); err != nil {
				c.logger.Error(fmt.Sprintf("write %s: %v", f.Command, err))
				c.terminate(fmt.Errorf("write: %w", err))
				return
			}
		case <-tick:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, []byte{'\n'}); err != nil {
				c.terminate(fmt.Errorf("write heart-beat: %w", err))
				return
			}
		case <-c.done:
			return
		}
	}
}

// WriteFrame encodes f into a single websocket text message.
func WriteFrame(ws *websocket.Conn, f *frame.Frame) error {
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	return ws.WriteMessage(websocket.TextMessage, buf.Bytes())
}

// ReadFrames reads one websocket message and decodes the frames in it.
// A message holding only heart-beat EOLs yields no frames.
func ReadFrames(ws *websocket.Conn) ([]*frame.Frame, error) {
	for {
		mt, r, err := ws.NextReader()
		if err != nil {
			return nil, err
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		return decodeFrames(r)
	}
}

func decodeFrames(r io.Reader) ([]*frame.Frame, error) {
	fr := frame.NewReader(r)
	var frames []*frame.Frame
	for {
		f, err := fr.Read()
		if err == io.EOF {
			return frames, nil
		}
		if err != nil {
			return frames, fmt.Errorf("decode frame: %w", err)
		}
		if f != nil {
			frames = append(frames, f)
		}
	}
}
