// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMemStore(t *testing.T) *MemoryStore {
	t.Helper()
	s := NewMemoryStore(WithCleanupInterval(time.Hour))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newRedisTestStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, 100)
}

func testRefreshToken(token, family string) *RefreshToken {
	now := time.Now()
	return &RefreshToken{
		Token:     token,
		ClientID:  "client-1",
		UserID:    "user-1",
		Scope:     []string{"execute", "read"},
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Hour),
		Family:    family,
	}
}

func TestMemoryStoreConsumeAuthorizationCodeIsOneShot(t *testing.T) {
	t.Parallel()

	s := newMemStore(t)
	ctx := context.Background()

	code := &AuthorizationCode{
		Code:          "abc",
		ClientID:      "client-1",
		CodeChallenge: "chal",
		ExpiresAt:     time.Now().Add(time.Minute),
	}
	require.NoError(t, s.PutAuthorizationCode(ctx, code))

	got, err := s.ConsumeAuthorizationCode(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, "client-1", got.ClientID)

	_, err = s.ConsumeAuthorizationCode(ctx, "abc")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreRotationLeavesTombstone(t *testing.T) {
	t.Parallel()

	s := newMemStore(t)
	ctx := context.Background()

	old := testRefreshToken("rt-1", "fam-1")
	require.NoError(t, s.PutRefreshToken(ctx, old))

	successor := testRefreshToken("rt-2", "fam-1")
	successor.RotationCounter = 1
	require.NoError(t, s.RotateRefreshToken(ctx, old, successor))

	// The old token is gone but recognizably rotated, not just absent.
	_, err := s.GetRefreshToken(ctx, "rt-1")
	assert.ErrorIs(t, err, ErrRotated)

	snap, err := s.RotatedToken(ctx, "rt-1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", snap.UserID)
	assert.Equal(t, "fam-1", snap.Family)

	live, err := s.GetRefreshToken(ctx, "rt-2")
	require.NoError(t, err)
	assert.Equal(t, 1, live.RotationCounter)
}

func TestMemoryStoreRevokeFamilyDeletesLiveTokens(t *testing.T) {
	t.Parallel()

	s := newMemStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutRefreshToken(ctx, testRefreshToken("rt-a", "fam-1")))
	require.NoError(t, s.PutRefreshToken(ctx, testRefreshToken("rt-b", "fam-1")))
	require.NoError(t, s.PutRefreshToken(ctx, testRefreshToken("rt-c", "fam-2")))

	require.NoError(t, s.RevokeFamily(ctx, "fam-1"))

	revoked, err := s.IsFamilyRevoked(ctx, "fam-1")
	require.NoError(t, err)
	assert.True(t, revoked)

	_, err = s.GetRefreshToken(ctx, "rt-a")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetRefreshToken(ctx, "rt-b")
	assert.ErrorIs(t, err, ErrNotFound)

	// Other families are untouched.
	_, err = s.GetRefreshToken(ctx, "rt-c")
	require.NoError(t, err)
}

func TestMemoryStoreRevokedSetDropsOldestHalf(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(WithCleanupInterval(time.Hour), WithRevokedFamilyHighWater(10))
	defer s.Close() //nolint:errcheck
	ctx := context.Background()

	for i := 0; i < 11; i++ {
		require.NoError(t, s.RevokeFamily(ctx, fmt.Sprintf("fam-%d", i)))
	}

	// Crossing the high-water mark discards the oldest half.
	oldest, err := s.IsFamilyRevoked(ctx, "fam-0")
	require.NoError(t, err)
	assert.False(t, oldest)

	newest, err := s.IsFamilyRevoked(ctx, "fam-10")
	require.NoError(t, err)
	assert.True(t, newest)

	assert.Equal(t, 6, s.Stats().RevokedFamilies)
}

func TestMemoryStoreDeleteClientCascades(t *testing.T) {
	t.Parallel()

	s := newMemStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutClient(ctx, &RegisteredClient{ClientID: "client-1"}))
	require.NoError(t, s.PutAccessToken(ctx, &AccessToken{
		Token:     "at-1",
		ClientID:  "client-1",
		ExpiresAt: time.Now().Add(time.Hour),
	}))
	require.NoError(t, s.PutRefreshToken(ctx, testRefreshToken("rt-1", "fam-1")))

	require.NoError(t, s.DeleteClient(ctx, "client-1"))

	_, err := s.GetClient(ctx, "client-1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetAccessToken(ctx, "at-1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetRefreshToken(ctx, "rt-1")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, s.DeleteClient(ctx, "client-1"), ErrNotFound)
}

func TestRedisStoreConsumeAuthorizationCodeIsOneShot(t *testing.T) {
	t.Parallel()

	s := newRedisTestStore(t)
	ctx := context.Background()

	code := &AuthorizationCode{
		Code:          "abc",
		ClientID:      "client-1",
		CodeChallenge: "chal",
		ExpiresAt:     time.Now().Add(time.Minute),
	}
	require.NoError(t, s.PutAuthorizationCode(ctx, code))

	got, err := s.ConsumeAuthorizationCode(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, "client-1", got.ClientID)

	_, err = s.ConsumeAuthorizationCode(ctx, "abc")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStoreRotationAndReplayDetection(t *testing.T) {
	t.Parallel()

	s := newRedisTestStore(t)
	ctx := context.Background()

	old := testRefreshToken("rt-1", "fam-1")
	require.NoError(t, s.PutRefreshToken(ctx, old))

	successor := testRefreshToken("rt-2", "fam-1")
	successor.RotationCounter = 1
	require.NoError(t, s.RotateRefreshToken(ctx, old, successor))

	_, err := s.GetRefreshToken(ctx, "rt-1")
	assert.ErrorIs(t, err, ErrRotated)

	snap, err := s.RotatedToken(ctx, "rt-1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", snap.UserID)

	live, err := s.GetRefreshToken(ctx, "rt-2")
	require.NoError(t, err)
	assert.Equal(t, 1, live.RotationCounter)
}

func TestRedisStoreRevokeFamily(t *testing.T) {
	t.Parallel()

	s := newRedisTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutRefreshToken(ctx, testRefreshToken("rt-a", "fam-1")))
	require.NoError(t, s.PutRefreshToken(ctx, testRefreshToken("rt-b", "fam-1")))

	require.NoError(t, s.RevokeFamily(ctx, "fam-1"))

	revoked, err := s.IsFamilyRevoked(ctx, "fam-1")
	require.NoError(t, err)
	assert.True(t, revoked)

	_, err = s.GetRefreshToken(ctx, "rt-a")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound) || errors.Is(err, ErrRotated))
}

func TestRedisStoreClientRoundTrip(t *testing.T) {
	t.Parallel()

	s := newRedisTestStore(t)
	ctx := context.Background()

	client := &RegisteredClient{
		ClientID:      "client-1",
		ClientName:    "demo",
		RedirectURIs:  []string{"https://app.example.com/callback"},
		AllowedScopes: []string{"execute"},
	}
	require.NoError(t, s.PutClient(ctx, client))

	got, err := s.GetClient(ctx, "client-1")
	require.NoError(t, err)
	assert.Equal(t, client.RedirectURIs, got.RedirectURIs)

	require.NoError(t, s.DeleteClient(ctx, "client-1"))
	_, err = s.GetClient(ctx, "client-1")
	assert.ErrorIs(t, err, ErrNotFound)
}
