package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndValidate(t *testing.T) {
	s := NewJWTService("secret", 1)
	token, err := s.Generate("user-1", "a@example.com", RoleCandidate)
	require.NoError(t, err)

	claims, err := s.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, "a@example.com", claims.Email)
	assert.Equal(t, RoleCandidate, claims.Role)
}

func TestValidateRejectsForeignAndExpiredTokens(t *testing.T) {
	s := NewJWTService("secret", 1)
	other := NewJWTService("other", 1)
	token, err := other.Generate("user-1", "", RoleCandidate)
	require.NoError(t, err)
	_, err = s.Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	token, err = s.Generate("user-1", "", RoleCandidate)
	require.NoError(t, err)
	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = s.Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = s.Validate("not-a-jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestSessionTokenAudienceIsSeparate(t *testing.T) {
	s := NewJWTService("secret", 1)
	sessionToken, expires, err := s.IssueSessionToken("sess-1", "user-1", "gpt-realtime", time.Minute)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Minute), expires, 5*time.Second)

	claims, err := s.ValidateSessionToken(sessionToken)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", claims.SessionID)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, "gpt-realtime", claims.Model)

	_, err = s.Validate(sessionToken)
	assert.ErrorIs(t, err, ErrInvalidToken, "session credential is not a user token")

	userToken, err := s.Generate("user-1", "", RoleCandidate)
	require.NoError(t, err)
	_, err = s.ValidateSessionToken(userToken)
	assert.ErrorIs(t, err, ErrInvalidToken, "user token is not a session credential")
}
