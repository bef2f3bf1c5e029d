package chat

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisPresence is a PresenceStore backed by a per-conversation sorted set,
// member score = last refresh in unix milliseconds. It gives every gateway
// node the same view of the registry.
//
// Ownership model: RedisPresence does NOT own the client; the caller closes it.
type RedisPresence struct {
	rdb       *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// NewRedisPresence constructs a Redis-backed presence registry.
func NewRedisPresence(rdb *redis.Client) (*RedisPresence, error) {
	if rdb == nil {
		return nil, errors.New("chat: nil redis client")
	}
	return &RedisPresence{
		rdb:       rdb,
		keyPrefix: "fitlink:chat:presence:",
		ttl:       presenceTTL,
	}, nil
}

func (p *RedisPresence) key(conversationID string) string {
	return p.keyPrefix + conversationID
}

// Enter registers or refreshes a member.
func (p *RedisPresence) Enter(ctx context.Context, conversationID, userID string, now time.Time) error {
	if conversationID == "" || userID == "" {
		return ErrInvalidInput
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	key := p.key(conversationID)
	pipe := p.rdb.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixMilli()), Member: userID})
	// Keep the key itself bounded so abandoned conversations decay.
	pipe.Expire(ctx, key, 2*p.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// Leave removes a member.
func (p *RedisPresence) Leave(ctx context.Context, conversationID, userID string) error {
	if conversationID == "" || userID == "" {
		return ErrInvalidInput
	}
	return p.rdb.ZRem(ctx, p.key(conversationID), userID).Err()
}

// Members returns live members, pruning expired entries.
func (p *RedisPresence) Members(ctx context.Context, conversationID string, now time.Time) ([]string, error) {
	if conversationID == "" {
		return nil, ErrInvalidInput
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	key := p.key(conversationID)
	cut := now.Add(-p.ttl).UnixMilli()

	pipe := p.rdb.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(cut, 10))
	cmd := pipe.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(cut, 10),
		Max: "+inf",
	})
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	members, err := cmd.Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	sort.Strings(members)
	return members, nil
}
