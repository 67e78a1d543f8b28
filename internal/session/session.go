// Package session stores authenticated sessions in Redis under
// "session:<token>". Each successful lookup refreshes the TTL.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tbourn/go-finassist-backend/internal/cache"
	"github.com/tbourn/go-finassist-backend/internal/protocol"
)

// Session is the server-side state of a logged-in client.
type Session struct {
	Token        string    `json:"session_token"`
	AccountDBKey int64     `json:"account_db_key"`
	AccountID    string    `json:"account_id"`
	ShardID      int       `json:"shard_id"`
	IssuedAt     time.Time `json:"issued_at"`
	TTLSeconds   int64     `json:"ttl"`
}

// GetShardID routes database calls made on behalf of this session.
func (s *Session) GetShardID() int { return s.ShardID }

// Store reads and writes sessions.
type Store struct {
	c   *cache.Client
	ttl time.Duration
}

// NewStore returns a store whose sessions live for ttl after last use.
func NewStore(c *cache.Client, ttl time.Duration) *Store {
	return &Store{c: c, ttl: ttl}
}

func key(token string) string { return "session:" + token }

// Create issues a new token for the account.
func (s *Store) Create(ctx context.Context, accountDBKey int64, accountID string, shardID int) (*Session, error) {
	sess := &Session{
		Token:        uuid.NewString(),
		AccountDBKey: accountDBKey,
		AccountID:    accountID,
		ShardID:      shardID,
		IssuedAt:     time.Now().UTC(),
		TTLSeconds:   int64(s.ttl / time.Second),
	}
	raw, err := json.Marshal(sess)
	if err != nil {
		return nil, err
	}
	if _, err := s.c.SetString(ctx, key(sess.Token), string(raw), s.ttl, false); err != nil {
		return nil, fmt.Errorf("store session: %w", err)
	}
	return sess, nil
}

// Get loads the session for token and refreshes its TTL. It returns
// protocol.ErrSessionExpired when the token is unknown or expired.
func (s *Store) Get(ctx context.Context, token string) (*Session, error) {
	if token == "" {
		return nil, protocol.ErrSessionExpired
	}
	raw, ok, err := s.c.GetString(ctx, key(token))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, protocol.ErrSessionExpired
	}
	var sess Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	if _, err := s.c.Expire(ctx, key(token), s.ttl); err != nil {
		return nil, err
	}
	return &sess, nil
}

// Delete removes the session.
func (s *Store) Delete(ctx context.Context, token string) error {
	_, err := s.c.Delete(ctx, key(token))
	return err
}
