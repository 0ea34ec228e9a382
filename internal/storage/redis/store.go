// Package redis provides a Redis-backed metadata store and price history.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/transparent-crawler/internal/crawler"
)

type client interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *goredis.StatusCmd
	RPush(ctx context.Context, key string, values ...any) *goredis.IntCmd
	LRange(ctx context.Context, key string, start, stop int64) *goredis.StringSliceCmd
	Ping(ctx context.Context) *goredis.StatusCmd
	Close() error
}

// Store keeps metadata keys and price history lists in Redis.
type Store struct {
	client client
	prefix string
}

// New initializes a Redis-backed Store.
func New(addr, password string, db int, prefix string) *Store {
	return &Store{
		client: goredis.NewClient(&goredis.Options{Addr: addr, Password: password, DB: db}),
		prefix: prefix,
	}
}

// NewWithClient builds a store around an existing client (tests).
func NewWithClient(c client, prefix string) *Store {
	return &Store{client: c, prefix: prefix}
}

// Ping verifies the connection.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

// Close closes the Redis client.
func (s *Store) Close() error {
	return s.client.Close()
}

// GetMetadata reads a metadata value.
func (s *Store) GetMetadata(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, s.prefix+"meta:"+key).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("get metadata %q: %w", key, err)
	}
	return val, true, nil
}

// SetMetadata writes a metadata value without expiry.
func (s *Store) SetMetadata(ctx context.Context, key, value string) error {
	if err := s.client.Set(ctx, s.prefix+"meta:"+key, value, 0).Err(); err != nil {
		return fmt.Errorf("set metadata %q: %w", key, err)
	}
	return nil
}

func (s *Store) historyKey(module crawler.ModuleID, group crawler.GroupID) string {
	return s.prefix + "price:" + module.String() + ":" + group.String()
}

// Append pushes one price observation onto the group's list.
func (s *Store) Append(ctx context.Context, module crawler.ModuleID, group crawler.GroupID, record crawler.PriceRecord) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal price record: %w", err)
	}
	if err := s.client.RPush(ctx, s.historyKey(module, group), payload).Err(); err != nil {
		return fmt.Errorf("append price record: %w", err)
	}
	return nil
}

// History returns every observation recorded for the group.
func (s *Store) History(ctx context.Context, module crawler.ModuleID, group crawler.GroupID) ([]crawler.PriceRecord, error) {
	raw, err := s.client.LRange(ctx, s.historyKey(module, group), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read price history: %w", err)
	}
	out := make([]crawler.PriceRecord, 0, len(raw))
	for _, item := range raw {
		var rec crawler.PriceRecord
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			return nil, fmt.Errorf("decode price record: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

var _ crawler.MetadataStore = (*Store)(nil)
