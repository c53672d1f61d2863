package token

import (
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/putto11262002/chatter-client/core"
)

func TestCookieStore(t *testing.T) {
	now := time.Now()
	s, err := NewCookieStore("http://127.0.0.1:8080/api", withClock(func() time.Time { return now }))
	require.NoError(t, err)

	_, err = s.Token()
	assert.ErrorIs(t, err, core.ErrNoToken)

	tok, _, err := New(1, time.Hour, []byte("secret"))
	require.NoError(t, err)
	require.NoError(t, s.SetToken(tok, now.Add(time.Hour)))

	got, err := s.Token()
	require.NoError(t, err)
	assert.Equal(t, tok, got)

	// the token is a cookie visible to requests against the same host
	u, _ := url.Parse("http://127.0.0.1:8080/chat-room/my-list")
	cookies := s.Jar().Cookies(u)
	require.Len(t, cookies, 1)
	assert.Equal(t, DefaultCookieName, cookies[0].Name)

	s.Clear()
	_, err = s.Token()
	assert.ErrorIs(t, err, core.ErrNoToken)
}

func TestCookieStoreExpiredToken(t *testing.T) {
	tok, _, err := New(1, time.Minute, []byte("secret"))
	require.NoError(t, err)

	later := time.Now().Add(2 * time.Minute)
	s, err := NewCookieStore("http://localhost", withClock(func() time.Time { return later }))
	require.NoError(t, err)
	require.NoError(t, s.SetToken(tok, time.Time{}))

	_, err = s.Token()
	assert.ErrorIs(t, err, core.ErrTokenExpired)
	assert.True(t, core.IsAuth(err))
}

func TestCookieStoreName(t *testing.T) {
	s, err := NewCookieStore("http://localhost", WithCookieName("session"))
	require.NoError(t, err)
	require.NoError(t, s.SetToken("opaque", time.Time{}))

	u, _ := url.Parse("http://localhost/")
	var names []string
	for _, c := range s.Jar().Cookies(u) {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"session"}, names)

	got, err := s.Token()
	require.NoError(t, err)
	assert.Equal(t, "opaque", got)
}

func TestStatic(t *testing.T) {
	s := NewStatic("")
	_, err := s.Token()
	assert.ErrorIs(t, err, core.ErrNoToken)

	require.NoError(t, s.SetToken("abc", time.Time{}))
	got, err := s.Token()
	require.NoError(t, err)
	assert.Equal(t, "abc", got)

	s.Clear()
	_, err = s.Token()
	assert.ErrorIs(t, err, core.ErrNoToken)
}

func TestBearer(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "http://localhost", nil)
	req.Header.Set("Authorization", Bearer("abc"))
	assert.Equal(t, "Bearer abc", req.Header.Get("Authorization"))
}
