package token

import (
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"time"

	"github.com/putto11262002/chatter-client/core"
)

// DefaultCookieName is the cookie the web client keeps the access token in.
const DefaultCookieName = "accessToken"

// Store reads and writes the bearer token used by REST calls and the
// messaging handshake. Callers read it once per request or connection.
type Store interface {
	// Token returns the current token, core.ErrNoToken when none is stored
	// or core.ErrTokenExpired when the stored token is past its exp claim.
	Token() (string, error)
	SetToken(token string, expires time.Time) error
	Clear()
}

// CookieStore keeps the token as a cookie in a cookie jar scoped to the API origin.
// Sharing the jar with an http.Client keeps cookie-based endpoints working too.
type CookieStore struct {
	jar  http.CookieJar
	u    *url.URL
	name string
	now  func() time.Time
	mu   sync.Mutex
}

type CookieStoreOption func(*CookieStore)

func WithCookieName(name string) CookieStoreOption {
	return func(s *CookieStore) {
		if name != "" {
			s.name = name
		}
	}
}

func WithJar(jar http.CookieJar) CookieStoreOption {
	return func(s *CookieStore) {
		s.jar = jar
	}
}

func withClock(now func() time.Time) CookieStoreOption {
	return func(s *CookieStore) {
		s.now = now
	}
}

func NewCookieStore(apiURL string, opts ...CookieStoreOption) (*CookieStore, error) {
	u, err := url.Parse(apiURL)
	if err != nil {
		return nil, err
	}
	s := &CookieStore{u: &url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/"}, name: DefaultCookieName, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if s.jar == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, err
		}
		s.jar = jar
	}
	return s, nil
}

// Jar returns the jar backing the store.
func (s *CookieStore) Jar() http.CookieJar {
	return s.jar
}

func (s *CookieStore) Token() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.jar.Cookies(s.u) {
		if c.Name != s.name || c.Value == "" {
			continue
		}
		return checkExpiry(c.Value, s.now())
	}
	return "", core.ErrNoToken
}

func (s *CookieStore) SetToken(token string, expires time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := &http.Cookie{Name: s.name, Value: token, Path: "/"}
	if !expires.IsZero() {
		c.Expires = expires
	}
	s.jar.SetCookies(s.u, []*http.Cookie{c})
	return nil
}

func (s *CookieStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jar.SetCookies(s.u, []*http.Cookie{{Name: s.name, Value: "", Path: "/", MaxAge: -1}})
}

// Static is a Store holding a token in memory, e.g. from configuration.
type Static struct {
	mu    sync.RWMutex
	token string
}

func NewStatic(token string) *Static {
	return &Static{token: token}
}

func (s *Static) Token() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == "" {
		return "", core.ErrNoToken
	}
	return checkExpiry(s.token, time.Now())
}

func (s *Static) SetToken(token string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	return nil
}

func (s *Static) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
}

// checkExpiry rejects JWTs whose exp claim has passed. Opaque tokens pass through.
func checkExpiry(token string, now time.Time) (string, error) {
	if exp, ok := ExpiresAt(token); ok && !now.Before(exp) {
		return "", core.ErrTokenExpired
	}
	return token, nil
}

// Bearer formats the Authorization header value for token.
func Bearer(token string) string {
	return "Bearer " + token
}
