// Package session implements the identity collaborator: it maps an editor
// session token to the Author who established it. It performs no
// authentication itself; identity is written by whatever signed the user
// in, and absent identity degrades to the anonymous sentinel upstream.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"inkdown/api/internal/comments"
)

// DefaultTTL bounds how long an idle editor session keeps its identity.
const DefaultTTL = 12 * time.Hour

// IdentityStore is the Redis-backed session-to-author mapping.
type IdentityStore struct {
	client *redis.Client
	prefix string
}

// NewIdentityStore connects to Redis and verifies the connection.
func NewIdentityStore(redisURL string) (*IdentityStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &IdentityStore{client: client, prefix: "identity:"}, nil
}

// NewIdentityStoreWithClient wraps an existing client, for tests.
func NewIdentityStoreWithClient(client *redis.Client) *IdentityStore {
	return &IdentityStore{client: client, prefix: "identity:"}
}

func (s *IdentityStore) key(token string) string {
	return s.prefix + token
}

// SaveSession records the author behind a session token.
func (s *IdentityStore) SaveSession(ctx context.Context, token string, author comments.Author, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	payload, err := json.Marshal(author)
	if err != nil {
		return fmt.Errorf("marshal author: %w", err)
	}
	if err := s.client.Set(ctx, s.key(token), payload, ttl).Err(); err != nil {
		return fmt.Errorf("save session identity: %w", err)
	}
	return nil
}

// CurrentAuthor returns the author for a session token, or nil when the
// session is unknown or expired. Unknown is not an error: the caller falls
// back to anonymous.
func (s *IdentityStore) CurrentAuthor(ctx context.Context, token string) (*comments.Author, error) {
	if token == "" {
		return nil, nil
	}
	payload, err := s.client.Get(ctx, s.key(token)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup session identity: %w", err)
	}
	var a comments.Author
	if err := json.Unmarshal([]byte(payload), &a); err != nil {
		return nil, fmt.Errorf("unmarshal session identity: %w", err)
	}
	if a.ID == "" {
		return nil, nil
	}
	return &a, nil
}

// ClearSession removes a session's identity, e.g. on sign-out.
func (s *IdentityStore) ClearSession(ctx context.Context, token string) error {
	if err := s.client.Del(ctx, s.key(token)).Err(); err != nil {
		return fmt.Errorf("clear session identity: %w", err)
	}
	return nil
}

// Ping verifies connectivity, for readiness checks.
func (s *IdentityStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (s *IdentityStore) Close() error {
	return s.client.Close()
}
