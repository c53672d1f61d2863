package chatter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/putto11262002/chatter-client/core"
	"github.com/putto11262002/chatter-client/internal/devserver"
)

// DevBackend is an in-process development backend seeded with two users
// and a private room between them.
type DevBackend struct {
	Server *devserver.Server
	// URL is the REST base URL and WSURL the STOMP endpoint.
	URL   string
	WSURL string
	// Token signs in the first seeded user.
	Token  string
	UserID int64
	PeerID int64
	RoomID int64

	http *http.Server
}

// StartDevBackend serves a seeded devserver on a loopback port.
func StartDevBackend(logger *slog.Logger) (*DevBackend, error) {
	srv := devserver.New(devserver.Options{Logger: logger})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	d := &DevBackend{
		Server: srv,
		URL:    "http://" + ln.Addr().String(),
		WSURL:  "ws://" + ln.Addr().String() + devserver.StompPath,
		http:   &http.Server{Handler: srv},
	}
	go func() {
		if err := d.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(fmt.Sprintf("dev backend: %v", err))
		}
	}()

	if err := d.seed(time.Now()); err != nil {
		d.Close(context.Background())
		return nil, err
	}
	return d, nil
}

func (d *DevBackend) seed(now time.Time) error {
	d.UserID = d.Server.AddUser("alice", "Alice", "alice")
	d.PeerID = d.Server.AddUser("bob", "Bob", "bob")
	d.RoomID = d.Server.AddRoom("Bob", core.PrivateRoom, d.UserID, d.PeerID)
	group := d.Server.AddRoom("Team", core.GroupRoom, d.UserID, d.PeerID)

	// enough history for two pages, spread over yesterday and today
	start := now.Add(-26 * time.Hour)
	for i := range devserver.PageSize + 5 {
		sender := d.PeerID
		if i%3 == 0 {
			sender = d.UserID
		}
		at := start.Add(time.Duration(i) * time.Hour)
		if err := d.Server.AddMessage(d.RoomID, sender, fmt.Sprintf("message %d", i+1), at); err != nil {
			return err
		}
	}
	if err := d.Server.AddMessage(group, d.PeerID, "welcome to the team", now.Add(-time.Minute)); err != nil {
		return err
	}

	tok, err := d.Server.Token(d.UserID)
	if err != nil {
		return err
	}
	d.Token = tok
	return nil
}

// Config returns a configuration signed in as the first seeded user.
func (d *DevBackend) Config() (*Config, error) {
	return DevConfig(d.URL, d.WSURL, d.Token)
}

func (d *DevBackend) Close(ctx context.Context) {
	d.Server.Close()
	d.http.Shutdown(ctx)
}
