package token

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"main/domain/entity"
	"main/pkg/customerrors"
	jwtmanager "main/pkg/jwt"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRefreshStore struct {
	mu     sync.Mutex
	byHash map[string]*entity.RefreshToken
	byID   map[uuid.UUID]*entity.RefreshToken

	storeErr  error
	lookupErr error
}

func newFakeRefreshStore() *fakeRefreshStore {
	return &fakeRefreshStore{
		byHash: make(map[string]*entity.RefreshToken),
		byID:   make(map[uuid.UUID]*entity.RefreshToken),
	}
}

func (f *fakeRefreshStore) Store(_ context.Context, token *entity.RefreshToken) error {
	if f.storeErr != nil {
		return f.storeErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *token
	f.byHash[token.TokenHash] = &cp
	f.byID[token.ID] = &cp
	return nil
}

func (f *fakeRefreshStore) GetByHash(_ context.Context, hash string) (*entity.RefreshToken, error) {
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.byHash[hash]
	if !ok {
		return nil, nil
	}
	cp := *record
	return &cp, nil
}

func (f *fakeRefreshStore) RevokeIfActive(_ context.Context, id uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.byID[id]
	if !ok || record.Revoked {
		return false, nil
	}
	record.Revoked = true
	f.byHash[record.TokenHash].Revoked = true
	return true, nil
}

func (f *fakeRefreshStore) RevokeAllForUser(_ context.Context, userID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, record := range f.byID {
		if record.UserID == userID {
			record.Revoked = true
		}
	}
	return nil
}

type fakeBlacklist struct {
	mu     sync.Mutex
	hashes map[string]bool

	lookupErr error
}

func newFakeBlacklist() *fakeBlacklist {
	return &fakeBlacklist{hashes: make(map[string]bool)}
}

func (f *fakeBlacklist) IsBlacklisted(_ context.Context, tokenHash string) (bool, error) {
	if f.lookupErr != nil {
		return false, f.lookupErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hashes[tokenHash], nil
}

func (f *fakeBlacklist) Add(_ context.Context, token *entity.BlacklistedToken) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hashes[token.TokenHash] = true
	return nil
}

func newTestService(refresh *fakeRefreshStore, blacklist *fakeBlacklist) *Service {
	manager := jwtmanager.NewManager("test-secret", "authgate", "authgate-web", 0)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(manager, refresh, blacklist, logger, 15*time.Minute, 7*24*time.Hour, 30*24*time.Hour)
}

func testClaims(userID uuid.UUID) AccessClaims {
	return AccessClaims{
		UserID:    userID,
		Email:     "alice@example.com",
		Username:  "alice",
		Role:      entity.RoleUser,
		SessionID: uuid.NewString(),
	}
}

func TestIssueAndVerifyAccessToken(t *testing.T) {
	svc := newTestService(newFakeRefreshStore(), newFakeBlacklist())
	userID := uuid.New()

	issued, err := svc.IssueAccessToken(testClaims(userID), IssueOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, issued.Token)
	require.NotEmpty(t, issued.TokenID)

	result := svc.Verify(context.Background(), issued.Token)
	require.True(t, result.Valid)
	assert.Equal(t, userID.String(), result.Claims.Subject)
	assert.Equal(t, "alice@example.com", result.Claims.Email)
	assert.Equal(t, jwtmanager.TokenTypeAccess, result.Claims.TokenType)
}

func TestVerifyExpiredToken(t *testing.T) {
	svc := newTestService(newFakeRefreshStore(), newFakeBlacklist())

	issued, err := svc.IssueAccessToken(testClaims(uuid.New()), IssueOptions{ExpiresIn: -1 * time.Minute})
	require.NoError(t, err)

	result := svc.Verify(context.Background(), issued.Token)
	assert.False(t, result.Valid)
	assert.Equal(t, ReasonExpired, result.Reason)
}

func TestVerifyMalformedToken(t *testing.T) {
	svc := newTestService(newFakeRefreshStore(), newFakeBlacklist())

	result := svc.Verify(context.Background(), "not-a-jwt")
	assert.False(t, result.Valid)
	assert.Equal(t, ReasonMalformed, result.Reason)
}

func TestVerifyWrongSecret(t *testing.T) {
	svc := newTestService(newFakeRefreshStore(), newFakeBlacklist())

	other := jwtmanager.NewManager("other-secret", "authgate", "authgate-web", 0)
	claims := &jwtmanager.Claims{TokenType: jwtmanager.TokenTypeAccess}
	claims.Subject = uuid.NewString()
	foreign, _, err := other.Sign(claims, time.Minute)
	require.NoError(t, err)

	result := svc.Verify(context.Background(), foreign)
	assert.False(t, result.Valid)
	assert.Equal(t, ReasonInvalid, result.Reason)
}

func TestVerifyBlacklistedToken(t *testing.T) {
	svc := newTestService(newFakeRefreshStore(), newFakeBlacklist())
	userID := uuid.New()

	issued, err := svc.IssueAccessToken(testClaims(userID), IssueOptions{})
	require.NoError(t, err)
	require.NoError(t, svc.Blacklist(context.Background(), issued.Token, "logout", &userID))

	result := svc.Verify(context.Background(), issued.Token)
	assert.False(t, result.Valid)
	assert.Equal(t, ReasonBlacklisted, result.Reason)
}

func TestVerifyFailsClosedOnStoreError(t *testing.T) {
	blacklist := newFakeBlacklist()
	blacklist.lookupErr = errors.New("connection refused")
	svc := newTestService(newFakeRefreshStore(), blacklist)

	issued, err := svc.IssueAccessToken(testClaims(uuid.New()), IssueOptions{})
	require.NoError(t, err)

	result := svc.Verify(context.Background(), issued.Token)
	assert.False(t, result.Valid)
	assert.Equal(t, ReasonInvalid, result.Reason)
}

func TestBlacklistExpiredToken(t *testing.T) {
	svc := newTestService(newFakeRefreshStore(), newFakeBlacklist())
	userID := uuid.New()

	issued, err := svc.IssueAccessToken(testClaims(userID), IssueOptions{ExpiresIn: -1 * time.Minute})
	require.NoError(t, err)

	// Expired tokens can still be listed; logout must not fail late in the
	// token's life.
	require.NoError(t, svc.Blacklist(context.Background(), issued.Token, "logout", &userID))
}

func TestRefreshRotatesToken(t *testing.T) {
	store := newFakeRefreshStore()
	svc := newTestService(store, newFakeBlacklist())
	userID := uuid.New()

	pair, err := svc.IssueTokenPair(context.Background(), testClaims(userID), IssueOptions{})
	require.NoError(t, err)

	rotated, err := svc.Refresh(context.Background(), pair.RefreshToken.Token, RefreshMeta{})
	require.NoError(t, err)
	assert.NotEqual(t, pair.RefreshToken.Token, rotated.RefreshToken.Token)
	assert.NotEqual(t, pair.AccessToken.Token, rotated.AccessToken.Token)

	// The consumed token is now revoked.
	_, err = svc.Refresh(context.Background(), pair.RefreshToken.Token, RefreshMeta{})
	assert.ErrorIs(t, err, customerrors.ErrRefreshTokenRevoked)
}

func TestRefreshUnknownToken(t *testing.T) {
	store := newFakeRefreshStore()
	svc := newTestService(store, newFakeBlacklist())

	pair, err := svc.IssueTokenPair(context.Background(), testClaims(uuid.New()), IssueOptions{})
	require.NoError(t, err)

	delete(store.byHash, HashToken(pair.RefreshToken.Token))
	_, err = svc.Refresh(context.Background(), pair.RefreshToken.Token, RefreshMeta{})
	assert.ErrorIs(t, err, customerrors.ErrRefreshTokenNotFound)
}

func TestRefreshRejectsAccessToken(t *testing.T) {
	svc := newTestService(newFakeRefreshStore(), newFakeBlacklist())

	issued, err := svc.IssueAccessToken(testClaims(uuid.New()), IssueOptions{})
	require.NoError(t, err)

	_, err = svc.Refresh(context.Background(), issued.Token, RefreshMeta{})
	assert.ErrorIs(t, err, customerrors.ErrRefreshTokenNotFound)
}

func TestRefreshExpiredRecord(t *testing.T) {
	store := newFakeRefreshStore()
	svc := newTestService(store, newFakeBlacklist())

	pair, err := svc.IssueTokenPair(context.Background(), testClaims(uuid.New()), IssueOptions{})
	require.NoError(t, err)

	record := store.byHash[HashToken(pair.RefreshToken.Token)]
	record.ExpiresAt = time.Now().Add(-time.Hour)

	_, err = svc.Refresh(context.Background(), pair.RefreshToken.Token, RefreshMeta{})
	assert.ErrorIs(t, err, customerrors.ErrRefreshTokenExpired)
}

func TestConcurrentRefreshSingleWinner(t *testing.T) {
	store := newFakeRefreshStore()
	svc := newTestService(store, newFakeBlacklist())

	pair, err := svc.IssueTokenPair(context.Background(), testClaims(uuid.New()), IssueOptions{})
	require.NoError(t, err)

	const workers = 8
	var wg sync.WaitGroup
	results := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = svc.Refresh(context.Background(), pair.RefreshToken.Token, RefreshMeta{})
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range results {
		if err == nil {
			winners++
		} else {
			assert.ErrorIs(t, err, customerrors.ErrRefreshTokenRevoked)
		}
	}
	assert.Equal(t, 1, winners)
}

func TestRevokeAllRefreshTokens(t *testing.T) {
	store := newFakeRefreshStore()
	svc := newTestService(store, newFakeBlacklist())
	userID := uuid.New()

	pair, err := svc.IssueTokenPair(context.Background(), testClaims(userID), IssueOptions{})
	require.NoError(t, err)

	require.NoError(t, svc.RevokeAllRefreshTokens(context.Background(), userID))

	_, err = svc.Refresh(context.Background(), pair.RefreshToken.Token, RefreshMeta{})
	assert.ErrorIs(t, err, customerrors.ErrRefreshTokenRevoked)
}

func TestRememberMeStretchesAccessExpiry(t *testing.T) {
	svc := newTestService(newFakeRefreshStore(), newFakeBlacklist())

	short, err := svc.IssueAccessToken(testClaims(uuid.New()), IssueOptions{})
	require.NoError(t, err)
	long, err := svc.IssueAccessToken(testClaims(uuid.New()), IssueOptions{RememberMe: true})
	require.NoError(t, err)

	assert.True(t, long.ExpiresAt.After(short.ExpiresAt.Add(24*time.Hour)))
}

func TestParseExpiry(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"30s", 30 * time.Second},
		{"15m", 15 * time.Minute},
		{"2h", 2 * time.Hour},
		{"7d", 7 * 24 * time.Hour},
		{" 15m ", 15 * time.Minute},
		{"", DefaultAccessExpiry},
		{"15", DefaultAccessExpiry},
		{"x5m", DefaultAccessExpiry},
		{"-5m", DefaultAccessExpiry},
		{"5w", DefaultAccessExpiry},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ParseExpiry(tc.in), "input %q", tc.in)
	}
}

func TestHashTokenDeterministic(t *testing.T) {
	first := HashToken("raw-token")
	assert.Equal(t, first, HashToken("raw-token"))
	assert.NotEqual(t, first, HashToken("raw-token2"))
	assert.Len(t, first, 64)
}
