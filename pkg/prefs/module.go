package prefs

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v9"
)

var ErrMissing = errors.New("preference missing")

// Store persists user-facing boolean preferences across sessions.
type Store interface {
	// Returns ErrMissing if the preference was never set
	GetBool(ctx context.Context, key string) (bool, error)
	SetBool(ctx context.Context, key string, value bool) error
}

type RedisConfig struct {
	Address  string `yaml:"address" json:"address"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
}

type Config struct {
	// One of memory, file, redis or sqlite
	Backend string      `yaml:"backend" json:"backend"`
	Path    string      `yaml:"path" json:"path"`
	Redis   RedisConfig `yaml:"redis" json:"redis"`
}

// Lookup returns the stored value or fallback when it was never set.
func Lookup(ctx context.Context, store Store, key string, fallback bool) (bool, error) {
	value, err := store.GetBool(ctx, key)
	if errors.Is(err, ErrMissing) {
		return fallback, nil
	}
	if err != nil {
		return fallback, err
	}
	return value, nil
}

func Open(config Config) (Store, error) {
	switch config.Backend {
	case "", "memory":
		return NewMemoryStore(), nil
	case "file":
		if config.Path == "" {
			return nil, fmt.Errorf("file preferences need a path")
		}
		return FileStore(config.Path), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     config.Redis.Address,
			Password: config.Redis.Password,
			DB:       config.Redis.DB,
		})
		return NewRedisStore(client), nil
	case "sqlite":
		if config.Path == "" {
			return nil, fmt.Errorf("sqlite preferences need a path")
		}
		db, err := InitDB(config.Path)
		if err != nil {
			return nil, fmt.Errorf("could not open preference database: %w", err)
		}
		return NewSQLStore(db), nil
	default:
		return nil, fmt.Errorf("unknown preference backend: %s", config.Backend)
	}
}
