package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/putto11262002/chatter-client/core"
	"github.com/putto11262002/chatter-client/pkg/token"
)

const DefaultTimeout = 10 * time.Second

// envelope is the shape of every backend response body.
type envelope[T any] struct {
	Data    T      `json:"data"`
	Message string `json:"message,omitempty"`
}

// Client talks to the chat backend's REST endpoints. Every request reads
// the token store once and sends the token as a bearer token.
type Client struct {
	base   string
	http   *http.Client
	tokens token.Store
	logger *slog.Logger
}

type ClientOption func(*Client)

func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) {
		cl.http = c
	}
}

func WithLogger(l *slog.Logger) ClientOption {
	return func(cl *Client) {
		cl.logger = l
	}
}

func New(baseURL string, tokens token.Store, opts ...ClientOption) *Client {
	c := &Client{
		base:   strings.TrimRight(baseURL, "/"),
		http:   &http.Client{Timeout: DefaultTimeout},
		tokens: tokens,
		logger: slog.New(slog.NewTextHandler(os.Stdout,
			&slog.HandlerOptions{Level: slog.LevelInfo})),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchPage returns page of roomID's history, newest messages first.
// It does not guard against concurrent calls for the same room.
func (c *Client) FetchPage(ctx context.Context, roomID int64, page int) (core.Page, error) {
	q := url.Values{"page": []string{strconv.Itoa(page)}}
	var p core.Page
	if err := c.do(ctx, http.MethodGet, "/chat/"+core.FormatRoomID(roomID)+"/messages?"+q.Encode(), nil, &p); err != nil {
		return core.Page{}, err
	}
	p.Index = page
	return p, nil
}

// MyRooms returns the rooms the current user participates in.
func (c *Client) MyRooms(ctx context.Context) ([]core.RoomSummary, error) {
	var rooms []core.RoomSummary
	if err := c.do(ctx, http.MethodGet, "/chat-room/my-list", nil, &rooms); err != nil {
		return nil, err
	}
	return rooms, nil
}

// RoomInfo returns the metadata of roomID. For private rooms the first user
// is the counterpart, with the current user's friendship status toward them.
func (c *Client) RoomInfo(ctx context.Context, roomID int64) (core.RoomInfo, error) {
	var info core.RoomInfo
	if err := c.do(ctx, http.MethodGet, "/chat-room/"+core.FormatRoomID(roomID), nil, &info); err != nil {
		return core.RoomInfo{}, err
	}
	return info, nil
}

// AllRooms returns every open group room, joined or not.
func (c *Client) AllRooms(ctx context.Context) ([]core.RoomSummary, error) {
	var rooms []core.RoomSummary
	if err := c.do(ctx, http.MethodGet, "/chat-room/all-list", nil, &rooms); err != nil {
		return nil, err
	}
	return rooms, nil
}

type createRoomRequest struct {
	ChatRoomName string  `json:"chatRoomName"`
	FriendIDs    []int64 `json:"friendIds"`
}

type roomRef struct {
	ChatRoomID int64 `json:"chatRoomId"`
}

// CreateGroupRoom creates a group room with the current user and friendIDs
// as members and returns its id.
func (c *Client) CreateGroupRoom(ctx context.Context, name string, friendIDs []int64) (int64, error) {
	var ref roomRef
	if err := c.do(ctx, http.MethodPost, "/chat-room", createRoomRequest{ChatRoomName: name, FriendIDs: friendIDs}, &ref); err != nil {
		return 0, err
	}
	return ref.ChatRoomID, nil
}

// PrivateRoomID returns the private room shared with friendID. The backend
// creates it on first use.
func (c *Client) PrivateRoomID(ctx context.Context, friendID int64) (int64, error) {
	var ref roomRef
	if err := c.do(ctx, http.MethodGet, "/chat-room/private/"+strconv.FormatInt(friendID, 10), nil, &ref); err != nil {
		return 0, err
	}
	return ref.ChatRoomID, nil
}

// Friends returns page of the current user's friend list. search matches
// nicknames; an empty filter means FriendFilterAll.
func (c *Client) Friends(ctx context.Context, page int, search string, filter core.FriendFilter) (core.FriendPage, error) {
	if filter == "" {
		filter = core.FriendFilterAll
	}
	q := url.Values{
		"page":   []string{strconv.Itoa(page)},
		"search": []string{search},
		"status": []string{string(filter)},
	}
	var p core.FriendPage
	if err := c.do(ctx, http.MethodGet, "/friends?"+q.Encode(), nil, &p); err != nil {
		return core.FriendPage{}, err
	}
	return p, nil
}

func (c *Client) Me(ctx context.Context) (core.Me, error) {
	var me core.Me
	if err := c.do(ctx, http.MethodGet, "/auth/me", nil, &me); err != nil {
		return core.Me{}, err
	}
	return me, nil
}

type friendshipRequest struct {
	FriendID int64                 `json:"friendId"`
	Status   core.FriendshipStatus `json:"status"`
}

// ChangeFriendship sets the current user's relationship with friendID.
// An empty status clears it.
func (c *Client) ChangeFriendship(ctx context.Context, friendID int64, status core.FriendshipStatus) error {
	return c.do(ctx, http.MethodPut, "/friends/status", friendshipRequest{FriendID: friendID, Status: status}, nil)
}

type loginRequest struct {
	UserID   string `json:"userId"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string `json:"token"`
	// ExpiresIn is the token lifetime in milliseconds.
	ExpiresIn int64 `json:"expiresIn"`
}

// Login exchanges credentials for an access token and keeps it in the token store.
func (c *Client) Login(ctx context.Context, userID, password string) error {
	var res loginResponse
	if err := c.do(ctx, http.MethodPost, "/auth/login", loginRequest{UserID: userID, Password: password}, &res); err != nil {
		return err
	}
	if res.Token == "" {
		return core.NewError(core.KindAuth, "login", core.ErrNoToken)
	}
	var exp time.Time
	if res.ExpiresIn > 0 {
		exp = time.Now().Add(time.Duration(res.ExpiresIn) * time.Millisecond)
	}
	return c.tokens.SetToken(res.Token, exp)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	op := method + " " + strings.SplitN(path, "?", 2)[0]

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return core.NewError(core.KindTransient, op, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return core.NewError(core.KindTransient, op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok, err := c.tokens.Token(); err == nil {
		req.Header.Set("Authorization", token.Bearer(tok))
	} else if !errors.Is(err, core.ErrNoToken) {
		return core.NewError(core.KindAuth, op, err)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return core.NewError(core.KindTransient, op, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return c.statusError(op, res)
	}
	if out == nil {
		io.Copy(io.Discard, res.Body)
		return nil
	}

	env := envelope[any]{Data: out}
	if err := json.NewDecoder(res.Body).Decode(&env); err != nil {
		return core.NewError(core.KindTransient, op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func (c *Client) statusError(op string, res *http.Response) error {
	var env envelope[json.RawMessage]
	b, _ := io.ReadAll(io.LimitReader(res.Body, 64<<10))
	if len(b) > 0 {
		json.Unmarshal(b, &env)
	}

	kind := core.KindTransient
	err := fmt.Errorf("status %d", res.StatusCode)
	if res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden {
		kind = core.KindAuth
		err = fmt.Errorf("%w: status %d", core.ErrUnauthenticated, res.StatusCode)
	}
	c.logger.Debug(fmt.Sprintf("%s: %v", op, err), slog.String("message", env.Message))
	return &core.Error{Kind: kind, Op: op, Message: env.Message, Err: err}
}
