package prefs

import (
	"context"
	"fmt"
	"strconv"

	"github.com/go-redis/redis/v9"
)

const (
	PREFERENCE_KEY = "prefs-%s"
)

type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
	}
}

func (r *RedisStore) GetBool(ctx context.Context, id string) (bool, error) {
	key := fmt.Sprintf(PREFERENCE_KEY, id)
	data, err := r.client.Get(ctx, key).Result()

	if err == redis.Nil {
		return false, ErrMissing
	}

	if err != nil {
		return false, err
	}

	return strconv.ParseBool(data)
}

func (r *RedisStore) SetBool(ctx context.Context, id string, value bool) error {
	key := fmt.Sprintf(PREFERENCE_KEY, id)
	return r.client.Set(ctx, key, strconv.FormatBool(value), 0).Err()
}

var _ Store = (*RedisStore)(nil)
