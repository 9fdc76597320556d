package pushstream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "u1", "exp": exp.Unix()})
	s, err := tok.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return s
}

func TestTokenExpiry(t *testing.T) {
	exp := time.Unix(1_900_000_000, 0)
	got, ok := TokenExpiry(signedToken(t, exp))
	require.True(t, ok)
	assert.True(t, got.Equal(exp))

	_, ok = TokenExpiry("opaque-token")
	assert.False(t, ok)
	_, ok = TokenExpiry("")
	assert.False(t, ok)
}

func TestTokenStoreExpiry(t *testing.T) {
	now := time.Unix(1_800_000_000, 0)
	s := NewTokenStore(nil)
	s.now = func() time.Time { return now }

	s.Set(TokenInfo{Token: signedToken(t, now.Add(time.Minute))})
	assert.True(t, s.HasLogin())
	assert.False(t, s.Info().ExpiresAt.IsZero())

	now = now.Add(2 * time.Minute)
	assert.Equal(t, "", s.CurrentValidCredential())
	assert.False(t, s.HasLogin())
}

func TestTokenStoreOpaqueTokenWithoutExpiryIsValid(t *testing.T) {
	s := NewTokenStore(nil)
	s.Set(TokenInfo{Token: "opaque"})
	assert.Equal(t, "opaque", s.CurrentValidCredential())
}

func TestTokenStoreRefresh(t *testing.T) {
	now := time.Unix(1_800_000_000, 0)
	var gotRT string
	s := NewTokenStore(func(_ context.Context, rt string) (TokenInfo, error) {
		gotRT = rt
		return TokenInfo{Token: "fresh", ExpiresAt: now.Add(time.Hour)}, nil
	})
	s.now = func() time.Time { return now }
	s.Set(TokenInfo{Token: "stale", ExpiresAt: now.Add(-time.Second), RefreshToken: "rt-1"})

	require.NoError(t, s.Refresh(context.Background()))
	assert.Equal(t, "rt-1", gotRT)
	assert.Equal(t, "fresh", s.CurrentValidCredential())
	assert.Equal(t, "rt-1", s.Info().RefreshToken)
}

func TestTokenStoreRefreshFailures(t *testing.T) {
	s := NewTokenStore(nil)
	assert.ErrorIs(t, s.Refresh(context.Background()), ErrRefreshUnavailable)

	boom := errors.New("boom")
	s = NewTokenStore(func(context.Context, string) (TokenInfo, error) { return TokenInfo{}, boom })
	assert.ErrorIs(t, s.Refresh(context.Background()), ErrNotLoggedIn)

	s.Set(TokenInfo{Token: "t", RefreshToken: "rt"})
	assert.ErrorIs(t, s.Refresh(context.Background()), boom)
}

func TestTokenStoreInvalidateRunsHooks(t *testing.T) {
	s := NewTokenStore(nil)
	s.Set(TokenInfo{Token: "t", RefreshToken: "rt"})
	calls := 0
	s.OnInvalidate(func() {
		calls++
		assert.False(t, s.HasLogin())
	})

	s.Invalidate()
	assert.Equal(t, 1, calls)
	assert.Equal(t, TokenInfo{}, s.Info())
}
