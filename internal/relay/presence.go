package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/dkeye/liveroom/internal/domain"
	"github.com/redis/go-redis/v9"
)

const presenceTTL = 24 * time.Hour

// Presence mirrors room membership outside the process. The relay itself
// never reads it back.
type Presence interface {
	Add(ctx context.Context, room domain.SessionID, uid domain.UserID) error
	Remove(ctx context.Context, room domain.SessionID, uid domain.UserID) error
	Clear(ctx context.Context, room domain.SessionID) error
	Close() error
}

type NopPresence struct{}

func (NopPresence) Add(context.Context, domain.SessionID, domain.UserID) error    { return nil }
func (NopPresence) Remove(context.Context, domain.SessionID, domain.UserID) error { return nil }
func (NopPresence) Clear(context.Context, domain.SessionID) error                 { return nil }
func (NopPresence) Close() error                                                  { return nil }

// RedisPresence keeps one set per room at room:<id>:participants.
type RedisPresence struct {
	client *redis.Client
}

func NewRedisPresence(ctx context.Context, addr, password string, db int) (*RedisPresence, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &RedisPresence{client: client}, nil
}

func presenceKey(room domain.SessionID) string {
	return "room:" + string(room) + ":participants"
}

func (p *RedisPresence) Add(ctx context.Context, room domain.SessionID, uid domain.UserID) error {
	key := presenceKey(room)
	_, err := p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, key, string(uid))
		pipe.Expire(ctx, key, presenceTTL)
		return nil
	})
	return err
}

func (p *RedisPresence) Remove(ctx context.Context, room domain.SessionID, uid domain.UserID) error {
	return p.client.SRem(ctx, presenceKey(room), string(uid)).Err()
}

func (p *RedisPresence) Clear(ctx context.Context, room domain.SessionID) error {
	return p.client.Del(ctx, presenceKey(room)).Err()
}

func (p *RedisPresence) Close() error { return p.client.Close() }
