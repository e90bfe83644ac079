package redisstore

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store keeps short-lived login codes for the magic-link flow.
type Store struct {
	rdb *redis.Client
}

func New(addr, password string, db int) *Store {
	return &Store{
		rdb: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
	}
}

func loginKey(email string) string { return "login_code:" + email }

func (s *Store) SetLoginCode(ctx context.Context, email, code string, ttl time.Duration) error {
	return s.rdb.Set(ctx, loginKey(email), code, ttl).Err()
}

// GetLoginCode returns redis.Nil when no code is pending for the email.
func (s *Store) GetLoginCode(ctx context.Context, email string) (string, error) {
	return s.rdb.Get(ctx, loginKey(email)).Result()
}

func (s *Store) DeleteLoginCode(ctx context.Context, email string) error {
	return s.rdb.Del(ctx, loginKey(email)).Err()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) Close() error { return s.rdb.Close() }
