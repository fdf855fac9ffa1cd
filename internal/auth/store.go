// Package auth owns the client's credentials: the access/refresh token pair
// and the last-used username.
//
// The pair is process-wide state written by login, refresh and logout and
// read by every outgoing request. Store hands out immutable snapshots so a
// reader never observes a half-updated pair.
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"agentchat/internal/models"
)

const (
	KeyAccessToken  = "access_token"
	KeyRefreshToken = "refresh_token"
	KeyTokenType    = "token_type"
	KeyUsername     = "username"
)

// Persister is the durable key-value backing for a Store. *db.StateStore
// satisfies it.
type Persister interface {
	Get(ctx context.Context, key string) (string, bool, error)
	SetMany(ctx context.Context, values map[string]string) error
	Delete(ctx context.Context, keys ...string) error
}

// Tokens is an immutable snapshot of the credential pair.
type Tokens struct {
	Access  string
	Refresh string
	Type    string
}

func (t Tokens) Empty() bool {
	return t.Access == "" && t.Refresh == ""
}

type Store struct {
	// writeMu serializes mutations including their durable write; mu only
	// guards the in-memory values.
	writeMu  sync.Mutex
	mu       sync.RWMutex
	tokens   Tokens
	username string

	persist Persister
	logger  *slog.Logger
}

// NewStore loads any persisted credentials. persist may be nil for a
// memory-only store.
func NewStore(ctx context.Context, persist Persister, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{persist: persist, logger: logger}
	if persist == nil {
		return s, nil
	}

	values := make(map[string]string, 4)
	for _, key := range []string{KeyAccessToken, KeyRefreshToken, KeyTokenType, KeyUsername} {
		value, ok, err := persist.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("auth: load %s: %w", key, err)
		}
		if ok {
			values[key] = value
		}
	}
	s.tokens = Tokens{
		Access:  values[KeyAccessToken],
		Refresh: values[KeyRefreshToken],
		Type:    values[KeyTokenType],
	}
	s.username = values[KeyUsername]
	return s, nil
}

func (s *Store) Tokens() Tokens {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokens
}

func (s *Store) Username() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.username
}

func (s *Store) LoggedIn() bool {
	return s.Tokens().Access != ""
}

// SetTokens replaces the pair. Writers are serialized so memory and durable
// state see the same order of updates; a persistence failure is reported but
// the new pair stays in effect for this process.
func (s *Store) SetTokens(ctx context.Context, tokens models.AuthTokens) error {
	next := Tokens{
		Access:  tokens.AccessToken,
		Refresh: tokens.RefreshToken,
		Type:    tokens.TokenType,
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	s.tokens = next
	s.mu.Unlock()

	if s.persist == nil {
		return nil
	}
	if err := s.persist.SetMany(ctx, map[string]string{
		KeyAccessToken:  next.Access,
		KeyRefreshToken: next.Refresh,
		KeyTokenType:    next.Type,
	}); err != nil {
		s.logger.Warn("failed to persist tokens", "error", err)
		return fmt.Errorf("auth: persist tokens: %w", err)
	}
	return nil
}

func (s *Store) SetUsername(ctx context.Context, username string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	s.username = username
	s.mu.Unlock()

	if s.persist == nil {
		return nil
	}
	if err := s.persist.SetMany(ctx, map[string]string{KeyUsername: username}); err != nil {
		return fmt.Errorf("auth: persist username: %w", err)
	}
	return nil
}

// Clear forgets the token pair. The username is kept for the login prefill.
func (s *Store) Clear(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.clearLocked(ctx)
	return err
}

// ClearIfCurrent forgets the pair only while access is still the current
// access token, so a late 401 for an old token cannot log out a newer
// session. It reports whether a non-empty pair was removed.
func (s *Store) ClearIfCurrent(ctx context.Context, access string) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.Tokens().Access != access {
		return false, nil
	}
	return s.clearLocked(ctx)
}

func (s *Store) clearLocked(ctx context.Context) (bool, error) {
	s.mu.Lock()
	had := !s.tokens.Empty()
	s.tokens = Tokens{}
	s.mu.Unlock()

	if s.persist == nil {
		return had, nil
	}
	if err := s.persist.Delete(ctx, KeyAccessToken, KeyRefreshToken, KeyTokenType); err != nil {
		s.logger.Warn("failed to clear persisted credentials", "error", err)
		return had, fmt.Errorf("auth: clear: %w", err)
	}
	return had, nil
}
