package pushstream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ============================================================================
// Credentials
// ============================================================================

var (
	// ErrRefreshUnavailable is returned by Refresh when no refresh hook is set.
	ErrRefreshUnavailable = errors.New("credential refresh is not enabled")
	// ErrNotLoggedIn is returned when an operation needs a credential and none is held.
	ErrNotLoggedIn = errors.New("not logged in")
)

// CredentialSource is the token collaborator used by the Manager.
type CredentialSource interface {
	// CurrentValidCredential returns a usable credential, or "" if none.
	CurrentValidCredential() string
	// Refresh tries to obtain a new credential.
	Refresh(ctx context.Context) error
	// Invalidate discards all credential state.
	Invalidate()
}

// TokenInfo is what a login or refresh hands back.
type TokenInfo struct {
	Token            string
	ExpiresAt        time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
}

// RefreshFunc exchanges a refresh token for new token info.
type RefreshFunc func(ctx context.Context, refreshToken string) (TokenInfo, error)

// TokenStore is an in-memory CredentialSource with expiry tracking.
type TokenStore struct {
	mu           sync.Mutex
	info         TokenInfo
	refresh      RefreshFunc
	now          func() time.Time
	onInvalidate []func()
}

var _ CredentialSource = (*TokenStore)(nil)

// NewTokenStore creates an empty store. refresh may be nil, in which case
// Refresh always fails with ErrRefreshUnavailable.
func NewTokenStore(refresh RefreshFunc) *TokenStore {
	return &TokenStore{refresh: refresh, now: time.Now}
}

// Set replaces the stored token info. A zero ExpiresAt is filled from the
// token's JWT "exp" claim when it has one.
func (s *TokenStore) Set(info TokenInfo) {
	if info.ExpiresAt.IsZero() {
		if exp, ok := TokenExpiry(info.Token); ok {
			info.ExpiresAt = exp
		}
	}
	s.mu.Lock()
	s.info = info
	s.mu.Unlock()
}

// Info returns a copy of the stored token info.
func (s *TokenStore) Info() TokenInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// HasLogin reports whether a token is held and not expired.
func (s *TokenStore) HasLogin() bool {
	return s.CurrentValidCredential() != ""
}

// CurrentValidCredential implements CredentialSource. Tokens without a
// known expiry are treated as valid.
func (s *TokenStore) CurrentValidCredential() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.info.Token == "" {
		return ""
	}
	if !s.info.ExpiresAt.IsZero() && !s.now().Before(s.info.ExpiresAt) {
		return ""
	}
	return s.info.Token
}

// Refresh implements CredentialSource.
func (s *TokenStore) Refresh(ctx context.Context) error {
	s.mu.Lock()
	refresh := s.refresh
	rt := s.info.RefreshToken
	rtExpired := !s.info.RefreshExpiresAt.IsZero() && !s.now().Before(s.info.RefreshExpiresAt)
	s.mu.Unlock()

	if refresh == nil {
		return ErrRefreshUnavailable
	}
	if rt == "" || rtExpired {
		return fmt.Errorf("refresh token: %w", ErrNotLoggedIn)
	}
	info, err := refresh(ctx, rt)
	if err != nil {
		return fmt.Errorf("refresh credential: %w", err)
	}
	if info.RefreshToken == "" {
		info.RefreshToken = rt
	}
	s.Set(info)
	return nil
}

// Invalidate implements CredentialSource. Hooks registered with
// OnInvalidate run after the state is cleared.
func (s *TokenStore) Invalidate() {
	s.mu.Lock()
	s.info = TokenInfo{}
	hooks := append([]func(){}, s.onInvalidate...)
	s.mu.Unlock()
	for _, h := range hooks {
		h()
	}
}

// OnInvalidate registers a hook run whenever the credential is discarded.
func (s *TokenStore) OnInvalidate(h func()) {
	s.mu.Lock()
	s.onInvalidate = append(s.onInvalidate, h)
	s.mu.Unlock()
}

// TokenExpiry reads the "exp" claim of a JWT without verifying it.
func TokenExpiry(token string) (time.Time, bool) {
	if token == "" {
		return time.Time{}, false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
