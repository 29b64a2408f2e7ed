// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// DefaultCleanupInterval is how often the background sweeper removes
// expired codes and tokens.
const DefaultCleanupInterval = time.Minute

// defaultRevokedFamilyHighWater bounds the revoked-family set when the
// caller does not configure one.
const defaultRevokedFamilyHighWater = 10000

// timedEntry wraps a value with its expiry for TTL tracking.
type timedEntry[T any] struct {
	value     T
	expiresAt time.Time
}

// MemoryStore implements Store with in-memory maps. Thread-safe; state
// does not survive a restart, so rotated-token replay detection only
// covers the current process lifetime.
type MemoryStore struct {
	mu sync.RWMutex

	clients map[string]*RegisteredClient

	// authCodes are removed on first consume; expiry covers the
	// never-redeemed case.
	authCodes map[string]*timedEntry[*AuthorizationCode]

	accessTokens  map[string]*timedEntry[*AccessToken]
	refreshTokens map[string]*timedEntry[*RefreshToken]

	// rotatedTokens are tombstones of retired refresh tokens, kept for
	// the refresh TTL so a replayed token can be traced back to its
	// family and user.
	rotatedTokens map[string]*timedEntry[*RefreshToken]

	// revokedFamilies is insertion-ordered; the oldest half is dropped
	// past highWater.
	revokedFamilies map[string]struct{}
	revokedOrder    []string
	highWater       int

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	cleanupDone     chan struct{}
}

// MemoryStoreOption configures a MemoryStore.
type MemoryStoreOption func(*MemoryStore)

// WithCleanupInterval sets a custom sweep interval.
func WithCleanupInterval(interval time.Duration) MemoryStoreOption {
	return func(s *MemoryStore) {
		s.cleanupInterval = interval
	}
}

// WithRevokedFamilyHighWater bounds the revoked-family set.
func WithRevokedFamilyHighWater(n int) MemoryStoreOption {
	return func(s *MemoryStore) {
		s.highWater = n
	}
}

// NewMemoryStore creates a MemoryStore and starts its sweeper.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		clients:         make(map[string]*RegisteredClient),
		authCodes:       make(map[string]*timedEntry[*AuthorizationCode]),
		accessTokens:    make(map[string]*timedEntry[*AccessToken]),
		refreshTokens:   make(map[string]*timedEntry[*RefreshToken]),
		rotatedTokens:   make(map[string]*timedEntry[*RefreshToken]),
		revokedFamilies: make(map[string]struct{}),
		highWater:       defaultRevokedFamilyHighWater,
		cleanupInterval: DefaultCleanupInterval,
		stopCleanup:     make(chan struct{}),
		cleanupDone:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	go s.cleanupLoop()

	return s
}

// Close stops the sweeper and waits for it to finish.
func (s *MemoryStore) Close() error {
	close(s.stopCleanup)
	<-s.cleanupDone
	return nil
}

func (s *MemoryStore) cleanupLoop() {
	defer close(s.cleanupDone)

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanupExpired()
		}
	}
}

// cleanupExpired collects expired keys under the read lock, then deletes
// under the write lock to keep write lock hold time short.
func (s *MemoryStore) cleanupExpired() {
	now := time.Now()

	s.mu.RLock()
	var expiredCodes, expiredAccess, expiredRefresh, expiredRotated []string
	for k, v := range s.authCodes {
		if !now.Before(v.expiresAt) {
			expiredCodes = append(expiredCodes, k)
		}
	}
	for k, v := range s.accessTokens {
		if !now.Before(v.expiresAt) {
			expiredAccess = append(expiredAccess, k)
		}
	}
	for k, v := range s.refreshTokens {
		if !now.Before(v.expiresAt) {
			expiredRefresh = append(expiredRefresh, k)
		}
	}
	for k, v := range s.rotatedTokens {
		if !now.Before(v.expiresAt) {
			expiredRotated = append(expiredRotated, k)
		}
	}
	s.mu.RUnlock()

	if len(expiredCodes) == 0 && len(expiredAccess) == 0 &&
		len(expiredRefresh) == 0 && len(expiredRotated) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range expiredCodes {
		delete(s.authCodes, k)
	}
	for _, k := range expiredAccess {
		delete(s.accessTokens, k)
	}
	for _, k := range expiredRefresh {
		delete(s.refreshTokens, k)
	}
	for _, k := range expiredRotated {
		delete(s.rotatedTokens, k)
	}
}

// PutClient implements Store.
func (s *MemoryStore) PutClient(_ context.Context, client *RegisteredClient) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[client.ClientID] = cloneClient(client)
	return nil
}

// GetClient implements Store.
func (s *MemoryStore) GetClient(_ context.Context, clientID string) (*RegisteredClient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		return nil, fmt.Errorf("%w: client %s", ErrNotFound, clientID)
	}
	return cloneClient(client), nil
}

// DeleteClient implements Store. Every token derived from the client is
// invalidated with it.
func (s *MemoryStore) DeleteClient(_ context.Context, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clients[clientID]; !ok {
		return fmt.Errorf("%w: client %s", ErrNotFound, clientID)
	}
	delete(s.clients, clientID)

	for k, v := range s.authCodes {
		if v.value.ClientID == clientID {
			delete(s.authCodes, k)
		}
	}
	for k, v := range s.accessTokens {
		if v.value.ClientID == clientID {
			delete(s.accessTokens, k)
		}
	}
	for k, v := range s.refreshTokens {
		if v.value.ClientID == clientID {
			delete(s.refreshTokens, k)
		}
	}
	return nil
}

// PutAuthorizationCode implements Store.
func (s *MemoryStore) PutAuthorizationCode(_ context.Context, code *AuthorizationCode) error {
	if code.Code == "" {
		return fmt.Errorf("authorization code cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *code
	cp.Scope = slices.Clone(code.Scope)
	s.authCodes[code.Code] = &timedEntry[*AuthorizationCode]{
		value:     &cp,
		expiresAt: code.ExpiresAt,
	}
	return nil
}

// ConsumeAuthorizationCode implements Store. The delete happens before
// the caller can observe the value, so a concurrent second redemption
// cannot succeed.
func (s *MemoryStore) ConsumeAuthorizationCode(_ context.Context, code string) (*AuthorizationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.authCodes[code]
	if !ok {
		return nil, fmt.Errorf("%w: authorization code", ErrNotFound)
	}
	delete(s.authCodes, code)
	return entry.value, nil
}

// PutAccessToken implements Store.
func (s *MemoryStore) PutAccessToken(_ context.Context, token *AccessToken) error {
	if token.Token == "" {
		return fmt.Errorf("access token cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *token
	cp.Scope = slices.Clone(token.Scope)
	s.accessTokens[token.Token] = &timedEntry[*AccessToken]{
		value:     &cp,
		expiresAt: token.ExpiresAt,
	}
	return nil
}

// GetAccessToken implements Store.
func (s *MemoryStore) GetAccessToken(_ context.Context, token string) (*AccessToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.accessTokens[token]
	if !ok {
		return nil, fmt.Errorf("%w: access token", ErrNotFound)
	}
	cp := *entry.value
	cp.Scope = slices.Clone(entry.value.Scope)
	return &cp, nil
}

// DeleteAccessToken implements Store.
func (s *MemoryStore) DeleteAccessToken(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.accessTokens, token)
	return nil
}

// PutRefreshToken implements Store.
func (s *MemoryStore) PutRefreshToken(_ context.Context, token *RefreshToken) error {
	if token.Token == "" {
		return fmt.Errorf("refresh token cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *token
	cp.Scope = slices.Clone(token.Scope)
	s.refreshTokens[token.Token] = &timedEntry[*RefreshToken]{
		value:     &cp,
		expiresAt: token.ExpiresAt,
	}
	return nil
}

// GetRefreshToken implements Store.
func (s *MemoryStore) GetRefreshToken(_ context.Context, token string) (*RefreshToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if entry, ok := s.refreshTokens[token]; ok {
		cp := *entry.value
		cp.Scope = slices.Clone(entry.value.Scope)
		return &cp, nil
	}
	if _, ok := s.rotatedTokens[token]; ok {
		return nil, ErrRotated
	}
	return nil, fmt.Errorf("%w: refresh token", ErrNotFound)
}

// RotateRefreshToken implements Store. The old token is removed and
// tombstoned before the successor is inserted; both happen under one
// critical section so no interleaving can observe two live tokens.
func (s *MemoryStore) RotateRefreshToken(_ context.Context, old *RefreshToken, successor *RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.refreshTokens, old.Token)
	oldCP := *old
	oldCP.Scope = slices.Clone(old.Scope)
	s.rotatedTokens[old.Token] = &timedEntry[*RefreshToken]{
		value:     &oldCP,
		expiresAt: old.ExpiresAt,
	}

	cp := *successor
	cp.Scope = slices.Clone(successor.Scope)
	s.refreshTokens[successor.Token] = &timedEntry[*RefreshToken]{
		value:     &cp,
		expiresAt: successor.ExpiresAt,
	}
	return nil
}

// RevokeFamily implements Store.
func (s *MemoryStore) RevokeFamily(_ context.Context, family string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.revokedFamilies[family]; !ok {
		s.revokedFamilies[family] = struct{}{}
		s.revokedOrder = append(s.revokedOrder, family)
	}

	// Past the high-water mark the oldest half goes; by then those
	// families' refresh TTLs have long expired.
	if len(s.revokedOrder) > s.highWater {
		drop := len(s.revokedOrder) / 2
		for _, f := range s.revokedOrder[:drop] {
			delete(s.revokedFamilies, f)
		}
		s.revokedOrder = append(s.revokedOrder[:0], s.revokedOrder[drop:]...)
	}

	for k, v := range s.refreshTokens {
		if v.value.Family == family {
			delete(s.refreshTokens, k)
		}
	}
	return nil
}

// IsFamilyRevoked implements Store.
func (s *MemoryStore) IsFamilyRevoked(_ context.Context, family string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.revokedFamilies[family]
	return ok, nil
}

// RotatedToken implements Store.
func (s *MemoryStore) RotatedToken(_ context.Context, token string) (*RefreshToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.rotatedTokens[token]
	if !ok {
		return nil, fmt.Errorf("%w: rotated token", ErrNotFound)
	}
	cp := *entry.value
	cp.Scope = slices.Clone(entry.value.Scope)
	return &cp, nil
}

// Stats reports current table sizes, for tests and monitoring.
type Stats struct {
	Clients         int
	AuthCodes       int
	AccessTokens    int
	RefreshTokens   int
	RotatedTokens   int
	RevokedFamilies int
}

// Stats returns current table sizes.
func (s *MemoryStore) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		Clients:         len(s.clients),
		AuthCodes:       len(s.authCodes),
		AccessTokens:    len(s.accessTokens),
		RefreshTokens:   len(s.refreshTokens),
		RotatedTokens:   len(s.rotatedTokens),
		RevokedFamilies: len(s.revokedFamilies),
	}
}

func cloneClient(c *RegisteredClient) *RegisteredClient {
	cp := *c
	cp.RedirectURIs = slices.Clone(c.RedirectURIs)
	cp.GrantTypes = slices.Clone(c.GrantTypes)
	cp.ResponseTypes = slices.Clone(c.ResponseTypes)
	cp.AllowedScopes = slices.Clone(c.AllowedScopes)
	return &cp
}

var _ Store = (*MemoryStore)(nil)
