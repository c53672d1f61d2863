package rooms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/r3labs/sse/v2"
	"gopkg.in/cenkalti/backoff.v1"

	"github.com/putto11262002/chatter-client/core"
	"github.com/putto11262002/chatter-client/internal/metrics"
	"github.com/putto11262002/chatter-client/pkg/token"
)

// EventUnreadCount is the stream event carrying a room summary delta.
const EventUnreadCount = "UNREAD_MESSAGE_COUNT"

// SubscribePath is appended to the notification base URL.
const SubscribePath = "/chat-room/notification/subscribe"

// Notifier holds one push stream open and hands unread-count deltas to a
// callback. Delivery is best effort: deltas missed while disconnected are
// recovered by the next full refresh of the list.
type Notifier struct {
	url         string
	tokens      token.Store
	http        *http.Client
	maxInterval time.Duration
	logger      *slog.Logger
}

type NotifierOption func(*Notifier)

func WithNotifierHTTPClient(c *http.Client) NotifierOption {
	return func(n *Notifier) {
		n.http = c
	}
}

// WithMaxRetryInterval caps the wait between stream reconnects.
func WithMaxRetryInterval(d time.Duration) NotifierOption {
	return func(n *Notifier) {
		n.maxInterval = d
	}
}

func WithNotifierLogger(l *slog.Logger) NotifierOption {
	return func(n *Notifier) {
		n.logger = l
	}
}

// NewNotifier creates a notifier for the stream served under baseURL.
func NewNotifier(baseURL string, tokens token.Store, opts ...NotifierOption) *Notifier {
	n := &Notifier{
		url:    strings.TrimRight(baseURL, "/") + SubscribePath,
		tokens: tokens,
		// no client timeout, the stream is long-lived
		http:        &http.Client{},
		maxInterval: 30 * time.Second,
		logger: slog.New(slog.NewTextHandler(os.Stdout,
			&slog.HandlerOptions{Level: slog.LevelInfo})),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Run subscribes to the stream and calls fn for every unread-count delta
// until ctx is done. The token is read once; a rejected token ends Run
// with an authentication error. Transport failures are retried.
func (n *Notifier) Run(ctx context.Context, fn func(core.UnreadUpdate)) error {
	tok, err := n.tokens.Token()
	if err != nil {
		return core.NewError(core.KindAuth, "notifications", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu      sync.Mutex
		authErr error
	)
	client := sse.NewClient(n.url)
	client.Connection = n.http
	client.Headers["Authorization"] = token.Bearer(tok)
	client.ResponseValidator = func(_ *sse.Client, res *http.Response) error {
		switch {
		case res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden:
			res.Body.Close()
			mu.Lock()
			authErr = core.NewError(core.KindAuth, "notifications",
				fmt.Errorf("%w: status %d", core.ErrUnauthenticated, res.StatusCode))
			mu.Unlock()
			cancel()
			return authErr
		case res.StatusCode != http.StatusOK:
			res.Body.Close()
			return fmt.Errorf("notifications: status %d", res.StatusCode)
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.MaxInterval = n.maxInterval
	b.MaxElapsedTime = 0
	client.ReconnectStrategy = backoff.WithContext(b, ctx)
	client.ReconnectNotify = func(err error, next time.Duration) {
		n.logger.Warn(fmt.Sprintf("notification stream: %v", err), slog.Duration("retry_in", next))
	}
	client.OnConnect(func(*sse.Client) {
		n.logger.Info("notification stream connected")
	})
	client.OnDisconnect(func(*sse.Client) {
		n.logger.Info("notification stream disconnected")
	})

	err = client.SubscribeRawWithContext(ctx, func(ev *sse.Event) {
		if string(ev.Event) != EventUnreadCount {
			return
		}
		var u core.UnreadUpdate
		if err := json.Unmarshal(ev.Data, &u); err != nil {
			metrics.MessageDecodeFail.Inc()
			n.logger.Error(fmt.Sprintf("decode %s: %v", EventUnreadCount, err))
			return
		}
		metrics.Notifications.Inc()
		fn(u)
	})

	mu.Lock()
	defer mu.Unlock()
	if authErr != nil {
		return authErr
	}
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
