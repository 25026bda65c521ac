package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func newTestTokens(t *testing.T) *TokenService {
	t.Helper()
	s, err := NewTokenService(TokenConfig{Secret: testSecret})
	require.NoError(t, err)
	return s
}

func TestNewTokenServiceRejectsShortSecret(t *testing.T) {
	_, err := NewTokenService(TokenConfig{Secret: []byte("short")})
	assert.Error(t, err)
}

func TestSessionRoundTrip(t *testing.T) {
	s := newTestTokens(t)
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	raw, expires, err := s.IssueSession(AuthUser{Access: AccessAgency, Email: "alpha@example.org"})
	require.NoError(t, err)
	assert.Equal(t, now.Add(16*time.Hour), expires)
	assert.False(t, IsResourceToken(raw))

	user, err := s.ParseSession(raw)
	require.NoError(t, err)
	assert.Equal(t, &AuthUser{Access: AccessAgency, Email: "alpha@example.org"}, user)

	s.now = func() time.Time { return now.Add(16*time.Hour + time.Second) }
	_, err = s.ParseSession(raw)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestIssueSessionValidation(t *testing.T) {
	s := newTestTokens(t)

	_, _, err := s.IssueSession(AuthUser{Access: AccessUser})
	assert.Error(t, err)

	_, _, err = s.IssueSession(AuthUser{Access: "root", Email: "a@example.org"})
	assert.Error(t, err)
}

func TestParseSessionRejects(t *testing.T) {
	s := newTestTokens(t)
	other, err := NewTokenService(TokenConfig{Secret: []byte("ffffffffffffffffffffffffffffffff")})
	require.NoError(t, err)

	foreign, _, err := other.IssueSession(AuthUser{Access: AccessAdmin, Email: "a@example.org"})
	require.NoError(t, err)

	noExp := jwt.NewWithClaims(jwt.SigningMethodHS256, sessionClaims{
		Use: useSession, Access: AccessAdmin, Email: "a@example.org",
		RegisteredClaims: jwt.RegisteredClaims{Issuer: "takgate"},
	})
	noExpRaw, err := noExp.SignedString(testSecret)
	require.NoError(t, err)

	resource, err := s.IssueResource(ResourceLayer, "1", false, 0)
	require.NoError(t, err)

	// A resource token with its prefix stripped is still not a session.
	stripped := strings.TrimPrefix(resource, ResourceTokenPrefix)

	for name, raw := range map[string]string{
		"garbage":        "not-a-token",
		"wrong secret":   foreign,
		"no expiry":      noExpRaw,
		"resource token": resource,
		"stripped":       stripped,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := s.ParseSession(raw)
			assert.ErrorIs(t, err, ErrUnauthorized)
		})
	}
}

func TestParseSessionRejectsOtherAlgorithms(t *testing.T) {
	s := newTestTokens(t)
	claims := sessionClaims{
		Use: useSession, Access: AccessAdmin, Email: "a@example.org",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "takgate",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString(testSecret)
	require.NoError(t, err)

	_, err = s.ParseSession(raw)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestResourceRoundTrip(t *testing.T) {
	s := newTestTokens(t)

	raw, err := s.IssueResource(ResourceData, "17", true, 0)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(raw, "etl."))

	res, err := s.ParseResource(raw)
	require.NoError(t, err)
	assert.Equal(t, ResourceData, res.Kind)
	assert.Equal(t, "17", res.ID)
	assert.True(t, res.Internal)
	assert.Equal(t, raw, res.Token)
	assert.Equal(t, "data:17", res.Identity())

	session, _, err := s.IssueSession(AuthUser{Access: AccessUser, Email: "a@example.org"})
	require.NoError(t, err)
	_, err = s.ParseResource(ResourceTokenPrefix + session)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestResourceExpiry(t *testing.T) {
	s := newTestTokens(t)
	now := time.Now()
	s.now = func() time.Time { return now }

	raw, err := s.IssueResource(ResourceLease, "9", false, time.Minute)
	require.NoError(t, err)

	s.now = func() time.Time { return now.Add(2 * time.Minute) }
	_, err = s.ParseResource(raw)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestIssueResourceValidation(t *testing.T) {
	s := newTestTokens(t)

	_, err := s.IssueResource("bogus", "1", false, 0)
	assert.Error(t, err)

	_, err = s.IssueResource(ResourceLayer, "", false, 0)
	assert.Error(t, err)
}
