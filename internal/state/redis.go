package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/ent0n29/deskmate/internal/feedback"
	"github.com/ent0n29/deskmate/internal/policy"
)

const defaultRedisPrefix = "deskmate"

// RedisStore keeps each snapshot as one JSON string value, so a SET replaces
// it atomically. Feedback records are appended to a list. Keys carry no TTL.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects using a redis:// URL.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(strings.TrimSpace(redisURL))
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return NewRedisStoreWithClient(client, defaultRedisPrefix), nil
}

// NewRedisStoreWithClient wraps an existing client. Keys are namespaced
// under prefix.
func NewRedisStoreWithClient(client *redis.Client, prefix string) *RedisStore {
	if strings.TrimSpace(prefix) == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(kind, id string) string {
	return s.prefix + ":" + kind + ":" + id
}

func (s *RedisStore) LoadSession(ctx context.Context, id string) (SessionRecord, error) {
	val, err := s.client.Get(ctx, s.key("session", id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return SessionRecord{}.normalized(), nil
	}
	if err != nil {
		return SessionRecord{}, fmt.Errorf("load session %q: %w", id, err)
	}
	var rec SessionRecord
	if err := json.Unmarshal(val, &rec); err != nil {
		return SessionRecord{}, corrupt(id, "session", err)
	}
	return rec.normalized(), nil
}

func (s *RedisStore) SaveSession(ctx context.Context, id string, rec SessionRecord) error {
	val, err := json.Marshal(rec.normalized())
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := s.client.Set(ctx, s.key("session", id), val, 0).Err(); err != nil {
		return fmt.Errorf("save session %q: %w", id, err)
	}
	return nil
}

func (s *RedisStore) LoadPolicy(ctx context.Context, id string) (policy.Table, error) {
	val, err := s.client.Get(ctx, s.key("policy", id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return policy.Table{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load policy %q: %w", id, err)
	}
	return decodePolicyJSON(id, val)
}

func (s *RedisStore) SavePolicy(ctx context.Context, id string, table policy.Table) error {
	val, err := encodePolicyJSON(table)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key("policy", id), val, 0).Err(); err != nil {
		return fmt.Errorf("save policy %q: %w", id, err)
	}
	return nil
}

func (s *RedisStore) AppendFeedback(ctx context.Context, id string, rec feedback.Record) error {
	val, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal feedback: %w", err)
	}
	if err := s.client.RPush(ctx, s.key("feedback", id), val).Err(); err != nil {
		return fmt.Errorf("append feedback %q: %w", id, err)
	}
	return nil
}

func (s *RedisStore) ListFeedback(ctx context.Context, id string) ([]feedback.Record, error) {
	vals, err := s.client.LRange(ctx, s.key("feedback", id), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list feedback %q: %w", id, err)
	}
	out := make([]feedback.Record, 0, len(vals))
	for _, v := range vals {
		var r feedback.Record
		if err := json.Unmarshal([]byte(v), &r); err != nil {
			return nil, corrupt(id, "feedback", err)
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
