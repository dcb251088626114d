package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/smallnest/stateflow/secret"
)

// RedisSecretStore implements secret.Store with one hash per template.
type RedisSecretStore struct {
	client *redis.Client
	prefix string
}

var _ secret.Store = (*RedisSecretStore)(nil)

// NewRedisSecretStore creates a secret store with its own connection
func NewRedisSecretStore(opts RedisOptions) *RedisSecretStore {
	s := NewRedisStore(opts)
	return s.Secrets()
}

func (s *RedisSecretStore) key(namespace, graphName string) string {
	return fmt.Sprintf("%ssecret:%s:%s", s.prefix, namespace, graphName)
}

// Put replaces the secret values of a template
func (s *RedisSecretStore) Put(ctx context.Context, namespace, graphName string, values map[string]string) error {
	key := s.key(namespace, graphName)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(values) > 0 {
			args := make([]any, 0, 2*len(values))
			for k, v := range values {
				args = append(args, k, v)
			}
			pipe.HSet(ctx, key, args...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save secrets to redis: %w", err)
	}
	return nil
}

// Get returns the secret values of a template
func (s *RedisSecretStore) Get(ctx context.Context, namespace, graphName string) (map[string]string, error) {
	values, err := s.client.HGetAll(ctx, s.key(namespace, graphName)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load secrets from redis: %w", err)
	}
	return values, nil
}

// Close closes the client
func (s *RedisSecretStore) Close() error {
	return s.client.Close()
}
