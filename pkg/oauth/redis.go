// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis key layout. Codes and tokens carry native TTLs so no sweeper is
// needed; the revoked-family set is a sorted set trimmed by rank.
const (
	redisClientPrefix       = "kiln:oauth:client:"
	redisClientTokensPrefix = "kiln:oauth:client_tokens:"
	redisCodePrefix         = "kiln:oauth:code:"
	redisAccessPrefix       = "kiln:oauth:at:"
	redisRefreshPrefix      = "kiln:oauth:rt:"
	redisRotatedPrefix      = "kiln:oauth:rotated:"
	redisFamilyPrefix       = "kiln:oauth:family:"
	redisRevokedFamilies    = "kiln:oauth:revoked_families"
)

// RedisStore implements Store on redis. Because rotated-token tombstones
// and the revoked-family set are durable, replay detection survives a
// process restart, unlike MemoryStore.
type RedisStore struct {
	client    *redis.Client
	highWater int
}

// NewRedisStore wraps an existing redis client.
func NewRedisStore(client *redis.Client, revokedFamilyHighWater int) *RedisStore {
	if revokedFamilyHighWater <= 0 {
		revokedFamilyHighWater = defaultRevokedFamilyHighWater
	}
	return &RedisStore{client: client, highWater: revokedFamilyHighWater}
}

// PutClient implements Store.
func (s *RedisStore) PutClient(ctx context.Context, client *RegisteredClient) error {
	raw, err := json.Marshal(client)
	if err != nil {
		return fmt.Errorf("marshaling client: %w", err)
	}
	return s.client.Set(ctx, redisClientPrefix+client.ClientID, raw, 0).Err()
}

// GetClient implements Store.
func (s *RedisStore) GetClient(ctx context.Context, clientID string) (*RegisteredClient, error) {
	raw, err := s.client.Get(ctx, redisClientPrefix+clientID).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: client %s", ErrNotFound, clientID)
	}
	if err != nil {
		return nil, fmt.Errorf("fetching client: %w", err)
	}

	var client RegisteredClient
	if err := json.Unmarshal(raw, &client); err != nil {
		return nil, fmt.Errorf("decoding client: %w", err)
	}
	return &client, nil
}

// DeleteClient implements Store.
func (s *RedisStore) DeleteClient(ctx context.Context, clientID string) error {
	n, err := s.client.Del(ctx, redisClientPrefix+clientID).Result()
	if err != nil {
		return fmt.Errorf("deleting client: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: client %s", ErrNotFound, clientID)
	}

	tokens, err := s.client.SMembers(ctx, redisClientTokensPrefix+clientID).Result()
	if err != nil {
		return fmt.Errorf("listing client tokens: %w", err)
	}
	if len(tokens) > 0 {
		if err := s.client.Del(ctx, tokens...).Err(); err != nil {
			return fmt.Errorf("deleting client tokens: %w", err)
		}
	}
	return s.client.Del(ctx, redisClientTokensPrefix+clientID).Err()
}

// PutAuthorizationCode implements Store.
func (s *RedisStore) PutAuthorizationCode(ctx context.Context, code *AuthorizationCode) error {
	raw, err := json.Marshal(code)
	if err != nil {
		return fmt.Errorf("marshaling authorization code: %w", err)
	}
	ttl := time.Until(code.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("authorization code already expired")
	}
	return s.client.Set(ctx, redisCodePrefix+code.Code, raw, ttl).Err()
}

// ConsumeAuthorizationCode implements Store. GETDEL makes the read and
// the delete one atomic step.
func (s *RedisStore) ConsumeAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error) {
	raw, err := s.client.GetDel(ctx, redisCodePrefix+code).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: authorization code", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("consuming authorization code: %w", err)
	}

	var ac AuthorizationCode
	if err := json.Unmarshal(raw, &ac); err != nil {
		return nil, fmt.Errorf("decoding authorization code: %w", err)
	}
	return &ac, nil
}

// PutAccessToken implements Store.
func (s *RedisStore) PutAccessToken(ctx context.Context, token *AccessToken) error {
	raw, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("marshaling access token: %w", err)
	}
	ttl := time.Until(token.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("access token already expired")
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, redisAccessPrefix+token.Token, raw, ttl)
	pipe.SAdd(ctx, redisClientTokensPrefix+token.ClientID, redisAccessPrefix+token.Token)
	_, err = pipe.Exec(ctx)
	return err
}

// GetAccessToken implements Store.
func (s *RedisStore) GetAccessToken(ctx context.Context, token string) (*AccessToken, error) {
	raw, err := s.client.Get(ctx, redisAccessPrefix+token).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: access token", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("fetching access token: %w", err)
	}

	var at AccessToken
	if err := json.Unmarshal(raw, &at); err != nil {
		return nil, fmt.Errorf("decoding access token: %w", err)
	}
	return &at, nil
}

// DeleteAccessToken implements Store.
func (s *RedisStore) DeleteAccessToken(ctx context.Context, token string) error {
	return s.client.Del(ctx, redisAccessPrefix+token).Err()
}

// PutRefreshToken implements Store.
func (s *RedisStore) PutRefreshToken(ctx context.Context, token *RefreshToken) error {
	raw, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("marshaling refresh token: %w", err)
	}
	ttl := time.Until(token.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("refresh token already expired")
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, redisRefreshPrefix+token.Token, raw, ttl)
	pipe.SAdd(ctx, redisFamilyPrefix+token.Family, token.Token)
	pipe.Expire(ctx, redisFamilyPrefix+token.Family, ttl)
	pipe.SAdd(ctx, redisClientTokensPrefix+token.ClientID, redisRefreshPrefix+token.Token)
	_, err = pipe.Exec(ctx)
	return err
}

// GetRefreshToken implements Store.
func (s *RedisStore) GetRefreshToken(ctx context.Context, token string) (*RefreshToken, error) {
	raw, err := s.client.Get(ctx, redisRefreshPrefix+token).Bytes()
	if err == nil {
		var rt RefreshToken
		if err := json.Unmarshal(raw, &rt); err != nil {
			return nil, fmt.Errorf("decoding refresh token: %w", err)
		}
		return &rt, nil
	}
	if err != redis.Nil {
		return nil, fmt.Errorf("fetching refresh token: %w", err)
	}

	rotated, err := s.client.Exists(ctx, redisRotatedPrefix+token).Result()
	if err != nil {
		return nil, fmt.Errorf("checking rotated token: %w", err)
	}
	if rotated > 0 {
		return nil, ErrRotated
	}
	return nil, fmt.Errorf("%w: refresh token", ErrNotFound)
}

// RotateRefreshToken implements Store. One transaction retires the old
// token, tombstones it, and inserts the successor.
func (s *RedisStore) RotateRefreshToken(ctx context.Context, old *RefreshToken, successor *RefreshToken) error {
	raw, err := json.Marshal(successor)
	if err != nil {
		return fmt.Errorf("marshaling refresh token: %w", err)
	}
	ttl := time.Until(successor.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("refresh token already expired")
	}
	tombstoneTTL := time.Until(old.ExpiresAt)
	if tombstoneTTL <= 0 {
		tombstoneTTL = time.Minute
	}

	oldRaw, err := json.Marshal(old)
	if err != nil {
		return fmt.Errorf("marshaling rotated token: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, redisRefreshPrefix+old.Token)
	pipe.SRem(ctx, redisFamilyPrefix+old.Family, old.Token)
	pipe.Set(ctx, redisRotatedPrefix+old.Token, oldRaw, tombstoneTTL)
	pipe.Set(ctx, redisRefreshPrefix+successor.Token, raw, ttl)
	pipe.SAdd(ctx, redisFamilyPrefix+successor.Family, successor.Token)
	pipe.Expire(ctx, redisFamilyPrefix+successor.Family, ttl)
	pipe.SAdd(ctx, redisClientTokensPrefix+successor.ClientID, redisRefreshPrefix+successor.Token)
	_, err = pipe.Exec(ctx)
	return err
}

// RevokeFamily implements Store.
func (s *RedisStore) RevokeFamily(ctx context.Context, family string) error {
	members, err := s.client.SMembers(ctx, redisFamilyPrefix+family).Result()
	if err != nil {
		return fmt.Errorf("listing family tokens: %w", err)
	}

	pipe := s.client.TxPipeline()
	for _, token := range members {
		pipe.Del(ctx, redisRefreshPrefix+token)
	}
	pipe.Del(ctx, redisFamilyPrefix+family)
	pipe.ZAdd(ctx, redisRevokedFamilies, redis.Z{
		Score:  float64(time.Now().UnixNano()),
		Member: family,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("revoking family: %w", err)
	}

	card, err := s.client.ZCard(ctx, redisRevokedFamilies).Result()
	if err != nil {
		return fmt.Errorf("sizing revoked set: %w", err)
	}
	if card > int64(s.highWater) {
		if err := s.client.ZRemRangeByRank(ctx, redisRevokedFamilies, 0, card/2-1).Err(); err != nil {
			return fmt.Errorf("trimming revoked set: %w", err)
		}
	}
	return nil
}

// IsFamilyRevoked implements Store.
func (s *RedisStore) IsFamilyRevoked(ctx context.Context, family string) (bool, error) {
	_, err := s.client.ZScore(ctx, redisRevokedFamilies, family).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking revoked family: %w", err)
	}
	return true, nil
}

// RotatedToken implements Store.
func (s *RedisStore) RotatedToken(ctx context.Context, token string) (*RefreshToken, error) {
	raw, err := s.client.Get(ctx, redisRotatedPrefix+token).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: rotated token", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("fetching rotated token: %w", err)
	}

	var rt RefreshToken
	if err := json.Unmarshal(raw, &rt); err != nil {
		return nil, fmt.Errorf("decoding rotated token: %w", err)
	}
	return &rt, nil
}

// Close implements Store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

var _ Store = (*RedisStore)(nil)
