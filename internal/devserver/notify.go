package devserver

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/r3labs/sse/v2"

	"github.com/putto11262002/chatter-client/core"
)

const unreadEvent = "UNREAD_MESSAGE_COUNT"

// notifier serves one push stream per user.
type notifier struct {
	srv    *sse.Server
	logger *slog.Logger
}

func newNotifier(logger *slog.Logger) *notifier {
	srv := sse.New()
	srv.AutoReplay = false
	return &notifier{srv: srv, logger: logger}
}

func streamID(userID int64) string {
	return "user-" + strconv.FormatInt(userID, 10)
}

// serve blocks while userID's stream is open.
func (n *notifier) serve(w http.ResponseWriter, r *http.Request, userID int64) {
	id := streamID(userID)
	n.srv.CreateStream(id)

	q := r.URL.Query()
	q.Set("stream", id)
	r.URL.RawQuery = q.Encode()

	n.logger.Debug("push stream opened", slog.Int64("user", userID))
	n.srv.ServeHTTP(w, r)
	n.logger.Debug("push stream closed", slog.Int64("user", userID))
}

func (n *notifier) publish(userID int64, u core.UnreadUpdate) {
	b, err := json.Marshal(u)
	if err != nil {
		n.logger.Error(fmt.Sprintf("encode %s: %v", unreadEvent, err))
		return
	}
	id := streamID(userID)
	if !n.srv.StreamExists(id) {
		return
	}
	n.srv.Publish(id, &sse.Event{Event: []byte(unreadEvent), Data: b})
}

func (n *notifier) close() {
	n.srv.Close()
}
