// Package devserver is an in-memory chat backend speaking the same REST,
// STOMP and push-stream protocols as the production backend. It backs the
// integration tests and the -dev mode of the command.
package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"

	"github.com/putto11262002/chatter-client/core"
	"github.com/putto11262002/chatter-client/pkg/router"
	"github.com/putto11262002/chatter-client/pkg/token"
)

const (
	// StompPath is the websocket endpoint of the STOMP broker.
	StompPath = "/ws-stomp"

	DefaultTokenTTL = time.Hour
)

type sessionKey struct{}

// Options configures a Server.
type Options struct {
	Secret []byte
	// TokenTTL is the lifetime of tokens issued by login.
	TokenTTL time.Duration
	// Heartbeat is the broker's heart-beat interval in both directions.
	Heartbeat      time.Duration
	AllowedOrigins []string
	Logger         *slog.Logger
}

// Server is the development backend.
type Server struct {
	opts     Options
	store    *store
	logger   *slog.Logger
	router   *router.Router
	broker   *broker
	notifier *notifier
	validate *validator.Validate

	mu  sync.Mutex
	now func() time.Time
}

func New(opts Options) *Server {
	if len(opts.Secret) == 0 {
		opts.Secret = []byte("chatter-dev-secret")
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = DefaultTokenTTL
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 4 * time.Second
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &Server{
		opts:     opts,
		store:    newStore(),
		logger:   logger.With(slog.String("component", "devserver")),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		now:      time.Now,
	}
	s.notifier = newNotifier(s.logger)
	s.broker = newBroker(s, opts.Heartbeat, s.logger)
	s.routes()
	return s
}

func (s *Server) routes() {
	r := router.New(router.WithLogger(s.logger))
	r.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	notFound := func(err error) router.JsonError { return router.NewJsonError(http.StatusNotFound, err.Error()) }
	r.RegisterErrorMapper(ErrUserNotFound, notFound)
	r.RegisterErrorMapper(ErrRoomNotFound, notFound)
	r.RegisterErrorMapper(ErrNotMember, func(err error) router.JsonError {
		return router.NewJsonError(http.StatusForbidden, err.Error())
	})
	r.RegisterErrorMapper(ErrBadPassword, func(err error) router.JsonError {
		return router.NewJsonError(http.StatusUnauthorized, err.Error())
	})
	r.RegisterErrorMapper(ErrSelfFriend, func(err error) router.JsonError {
		return router.NewJsonError(http.StatusBadRequest, err.Error())
	})

	r.Post("/auth/login", s.loginHandler)
	// the broker checks the token carried by CONNECT itself
	r.Router.Get(StompPath, s.broker.ServeHTTP)

	r.Group(func(r *router.Router) {
		r.Use(s.authMiddleware)
		r.Get("/auth/me", s.meHandler)
		r.Get("/chat-room/my-list", s.myRoomsHandler)
		r.Get("/chat-room/all-list", s.allRoomsHandler)
		r.Post("/chat-room", s.createRoomHandler)
		r.Get("/chat-room/private/{friendID}", s.privateRoomHandler)
		r.Get("/chat-room/notification/subscribe", s.subscribeHandler)
		r.Get("/chat-room/{roomID}", s.roomInfoHandler)
		r.Get("/chat/{roomID}/messages", s.messagesHandler)
		r.Get("/friends", s.friendsHandler)
		r.Put("/friends/status", s.friendshipHandler)
	})
	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close drops every broker connection and push stream.
func (s *Server) Close() {
	s.broker.closeAll()
	s.notifier.close()
}

// AddUser registers a user and returns its numeric id.
func (s *Server) AddUser(userID, nickname, password string) int64 {
	return s.store.addUser(userID, nickname, password)
}

// AddRoom creates a room with the given members and returns its id.
func (s *Server) AddRoom(name string, typ core.RoomType, members ...int64) int64 {
	return s.store.addRoom(name, typ, members...)
}

// AddMessage stores a message as if sender had sent it at at, without
// pushing it to subscribers.
func (s *Server) AddMessage(roomID, sender int64, body string, at time.Time) error {
	_, _, err := s.store.appendMessage(roomID, sender, body, at)
	return err
}

// SetFriendship sets userID's relationship with friendID.
func (s *Server) SetFriendship(userID, friendID int64, status core.FriendshipStatus) error {
	return s.store.setFriendship(userID, friendID, status)
}

// Token issues an access token for userID.
func (s *Server) Token(userID int64) (string, error) {
	tok, _, err := token.New(userID, s.opts.TokenTTL, s.opts.Secret)
	return tok, err
}

// Shutdown announces a server restart on the control topic.
func (s *Server) Shutdown() int {
	return s.broker.broadcastControl(controlMessage{Type: "SHUTDOWN"})
}

// DropConnections closes every broker connection without a STOMP goodbye.
func (s *Server) DropConnections() {
	s.broker.closeAll()
}

// Connections returns the number of open broker connections.
func (s *Server) Connections() int {
	return s.broker.connections()
}

// Published returns the payloads received on publish destinations, in order.
func (s *Server) Published() []Published {
	return s.broker.published()
}

// PushUnread sends userID the current unread delta of roomID.
func (s *Server) PushUnread(userID, roomID int64) error {
	u, err := s.store.unread(roomID, userID)
	if err != nil {
		return err
	}
	s.notifier.publish(userID, u)
	return nil
}

// PushUpdate sends userID an arbitrary delta.
func (s *Server) PushUpdate(userID int64, u core.UnreadUpdate) {
	s.notifier.publish(userID, u)
}

// post stores a message sent over the broker and fans it out.
func (s *Server) post(roomID, sender int64, body string) (core.Message, error) {
	s.mu.Lock()
	at := s.now()
	s.mu.Unlock()
	m, others, err := s.store.appendMessage(roomID, sender, body, at)
	if err != nil {
		return core.Message{}, err
	}
	for _, id := range others {
		if err := s.PushUnread(id, roomID); err != nil {
			s.logger.Warn(err.Error())
		}
	}
	return m, nil
}

// authenticate resolves the user of a bearer token.
func (s *Server) authenticate(header string) (int64, error) {
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || raw == "" {
		return 0, core.ErrUnauthenticated
	}
	var claims token.AuthClaims
	if err := token.Verify(raw, &claims, s.opts.Secret); err != nil {
		return 0, errors.Join(core.ErrUnauthenticated, err)
	}
	return claims.UserID, nil
}

func (s *Server) authMiddleware(next http.Handler) router.HandlerFunc {
	authErr := router.NewJsonError(http.StatusUnauthorized, "unauthenticated")
	return func(w http.ResponseWriter, r *http.Request) error {
		userID, err := s.authenticate(r.Header.Get("Authorization"))
		if err != nil {
			return authErr
		}
		ctx := context.WithValue(r.Context(), sessionKey{}, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
		return nil
	}
}

// userFromRequest returns the authenticated user. It must be called in
// handlers behind authMiddleware.
func userFromRequest(r *http.Request) int64 {
	id, ok := r.Context().Value(sessionKey{}).(int64)
	if !ok {
		panic("user not found in request context: call this function in handlers behind authMiddleware")
	}
	return id
}

func roomIDParam(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "roomID"), 10, 64)
	if err != nil {
		return 0, router.NewJsonError(http.StatusBadRequest, "invalid room id")
	}
	return id, nil
}

func writeData(w http.ResponseWriter, v any) error {
	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(struct {
		Data any `json:"data"`
	}{v})
}

type LoginPayload struct {
	UserID   string `json:"userId" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type LoginResponse struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expiresIn"`
}

func (s *Server) loginHandler(w http.ResponseWriter, r *http.Request) error {
	var payload LoginPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		return router.NewJsonError(http.StatusBadRequest, "invalid body")
	}
	if err := s.validate.Struct(payload); err != nil {
		return router.NewJsonError(http.StatusBadRequest, err.Error())
	}
	id, err := s.store.login(payload.UserID, payload.Password)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return router.NewJsonError(http.StatusUnauthorized, "invalid credentials")
		}
		return err
	}
	tok, err := s.Token(id)
	if err != nil {
		return err
	}
	return writeData(w, LoginResponse{Token: tok, ExpiresIn: s.opts.TokenTTL.Milliseconds()})
}

func (s *Server) meHandler(w http.ResponseWriter, r *http.Request) error {
	me, err := s.store.me(userFromRequest(r))
	if err != nil {
		return err
	}
	return writeData(w, me)
}

func (s *Server) myRoomsHandler(w http.ResponseWriter, r *http.Request) error {
	return writeData(w, s.store.myRooms(userFromRequest(r)))
}

func (s *Server) allRoomsHandler(w http.ResponseWriter, r *http.Request) error {
	return writeData(w, s.store.allRooms(userFromRequest(r)))
}

type CreateRoomPayload struct {
	ChatRoomName string  `json:"chatRoomName" validate:"required"`
	FriendIDs    []int64 `json:"friendIds" validate:"required,min=1"`
}

type RoomRef struct {
	ChatRoomID int64 `json:"chatRoomId"`
}

func (s *Server) createRoomHandler(w http.ResponseWriter, r *http.Request) error {
	var payload CreateRoomPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		return router.NewJsonError(http.StatusBadRequest, "invalid body")
	}
	if err := s.validate.Struct(payload); err != nil {
		return router.NewJsonError(http.StatusBadRequest, err.Error())
	}
	id, err := s.store.createGroup(userFromRequest(r), payload.ChatRoomName, payload.FriendIDs)
	if err != nil {
		return err
	}
	return writeData(w, RoomRef{ChatRoomID: id})
}

func (s *Server) privateRoomHandler(w http.ResponseWriter, r *http.Request) error {
	friendID, err := strconv.ParseInt(chi.URLParam(r, "friendID"), 10, 64)
	if err != nil {
		return router.NewJsonError(http.StatusBadRequest, "invalid friend id")
	}
	id, err := s.store.privateRoom(userFromRequest(r), friendID)
	if err != nil {
		return err
	}
	return writeData(w, RoomRef{ChatRoomID: id})
}

func (s *Server) friendsHandler(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()
	page := 0
	if v := q.Get("page"); v != "" {
		var err error
		if page, err = strconv.Atoi(v); err != nil || page < 0 {
			return router.NewJsonError(http.StatusBadRequest, "invalid page")
		}
	}
	filter := core.FriendFilter(q.Get("status"))
	switch filter {
	case "", core.FriendFilterAll, core.FriendFilterFriend, core.FriendFilterBlocked:
	default:
		return router.NewJsonError(http.StatusBadRequest, "invalid status")
	}
	return writeData(w, s.store.friends(userFromRequest(r), page, q.Get("search"), filter))
}

func (s *Server) roomInfoHandler(w http.ResponseWriter, r *http.Request) error {
	roomID, err := roomIDParam(r)
	if err != nil {
		return err
	}
	info, err := s.store.roomInfo(roomID, userFromRequest(r))
	if err != nil {
		return err
	}
	return writeData(w, info)
}

func (s *Server) messagesHandler(w http.ResponseWriter, r *http.Request) error {
	roomID, err := roomIDParam(r)
	if err != nil {
		return err
	}
	page, err := strconv.Atoi(r.URL.Query().Get("page"))
	if err != nil || page < 0 {
		return router.NewJsonError(http.StatusBadRequest, "invalid page")
	}
	p, err := s.store.page(roomID, userFromRequest(r), page)
	if err != nil {
		return err
	}
	return writeData(w, p)
}

type FriendshipPayload struct {
	FriendID int64                 `json:"friendId" validate:"required"`
	Status   core.FriendshipStatus `json:"status" validate:"omitempty,oneof=FRIEND BLOCKED"`
}

func (s *Server) friendshipHandler(w http.ResponseWriter, r *http.Request) error {
	var payload FriendshipPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		return router.NewJsonError(http.StatusBadRequest, "invalid body")
	}
	if err := s.validate.Struct(payload); err != nil {
		return router.NewJsonError(http.StatusBadRequest, err.Error())
	}
	if err := s.store.setFriendship(userFromRequest(r), payload.FriendID, payload.Status); err != nil {
		return err
	}
	return writeData(w, nil)
}

func (s *Server) subscribeHandler(w http.ResponseWriter, r *http.Request) error {
	s.notifier.serve(w, r, userFromRequest(r))
	return nil
}
