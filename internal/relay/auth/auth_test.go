package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionRoundTrip(t *testing.T) {
	s := NewSessions("secret")
	token, err := s.Issue("user-1")
	require.NoError(t, err)

	userID, err := s.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", userID)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	token, err := NewSessions("secret-a").Issue("user-1")
	require.NoError(t, err)

	_, err = NewSessions("secret-b").Verify(token)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestVerifyRejectsGarbage(t *testing.T) {
	s := NewSessions("secret")
	_, err := s.Verify("not-a-jwt")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestMiddleware(t *testing.T) {
	s := NewSessions("secret")
	var gotUser string
	h := s.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser = UserID(r.Context())
	}))

	// No cookie: 401, handler not reached.
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/api/me", nil))
	assert.Equal(t, 401, rec.Code)
	assert.Empty(t, gotUser)

	token, err := s.Issue("user-1")
	require.NoError(t, err)
	req := httptest.NewRequest("GET", "/api/me", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: token})
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, 200, rec.Code)
	assert.Equal(t, "user-1", gotUser)
}

func TestUserIDMissing(t *testing.T) {
	assert.Empty(t, UserID(context.Background()))
}

func TestHashTokenStable(t *testing.T) {
	tok := NewAgentToken()
	assert.NotEmpty(t, tok)
	assert.Equal(t, HashToken(tok), HashToken(tok))
	assert.NotEqual(t, HashToken(tok), HashToken(tok+"x"))
	assert.Len(t, HashToken(tok), 64)
}
