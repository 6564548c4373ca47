package state

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/vitalis-app/governor/internal/faults"
	"github.com/vitalis-app/governor/internal/models"
)

// RedisStore keeps the state under one Redis key. SET replaces the value
// atomically.
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedis connects to the Redis server at url.
func NewRedis(ctx context.Context, url, instanceID string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, faults.New(faults.PersistenceUnavailable, "ping redis", err)
	}
	return &RedisStore{client: client, key: "governor:state:" + instanceID}, nil
}

func (s *RedisStore) Backend() string { return "redis" }

func (s *RedisStore) Load(ctx context.Context) (models.ControllerState, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.ControllerState{}, ErrNotFound
	}
	if err != nil {
		return models.ControllerState{}, faults.New(faults.PersistenceUnavailable, "redis get", err)
	}
	return Decode(data)
}

func (s *RedisStore) Commit(ctx context.Context, st models.ControllerState) error {
	data, err := Encode(st)
	if err != nil {
		return faults.New(faults.PersistenceUnavailable, "commit", err)
	}
	if err := s.client.Set(ctx, s.key, data, 0).Err(); err != nil {
		return faults.New(faults.PersistenceUnavailable, "redis set", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
