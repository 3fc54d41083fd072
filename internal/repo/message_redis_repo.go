package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/xxxsen/ragchat/internal/model"
)

// RedisMessageRepo keeps each session as a redis list of JSON encoded
// messages. Sessions never expire.
type RedisMessageRepo struct {
	client *redis.Client
	prefix string
}

func NewRedisMessageRepo(client *redis.Client) *RedisMessageRepo {
	return &RedisMessageRepo{client: client, prefix: "ragchat:session:"}
}

func (r *RedisMessageRepo) key(sessionID string) string {
	return r.prefix + sessionID
}

func (r *RedisMessageRepo) AppendBatch(ctx context.Context, msgs []*model.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	now := time.Now()
	cmds := make([]*redis.IntCmd, len(msgs))
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, msg := range msgs {
			if msg.CreatedAt.IsZero() {
				msg.CreatedAt = now
			}
			data, err := json.Marshal(msg)
			if err != nil {
				return err
			}
			cmds[i] = pipe.RPush(ctx, r.key(msg.SessionID), data)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("append session messages: %w", err)
	}
	for i, cmd := range cmds {
		msgs[i].ID = cmd.Val()
	}
	return nil
}

func (r *RedisMessageRepo) ListRecent(ctx context.Context, sessionID string, limit int) ([]model.Message, error) {
	items, err := r.client.LRange(ctx, r.key(sessionID), int64(-limit), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read session messages: %w", err)
	}
	msgs := make([]model.Message, 0, len(items))
	for _, item := range items {
		var msg model.Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			return nil, fmt.Errorf("decode session message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func (r *RedisMessageRepo) CountBySession(ctx context.Context, sessionID string) (int, error) {
	n, err := r.client.LLen(ctx, r.key(sessionID)).Result()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (r *RedisMessageRepo) DeleteBySession(ctx context.Context, sessionID string) (int64, error) {
	key := r.key(sessionID)
	n, err := r.client.LLen(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return 0, err
	}
	return n, nil
}
