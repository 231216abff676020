package state

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/dhcgn/mailbox-harvester/model"
)

// RedisBackend keeps the processed set in a Redis SET and the file registry in
// a HASH. Saves replace both keys inside one MULTI/EXEC block.
type RedisBackend struct {
	client       *redis.Client
	processedKey string
	filesKey     string
}

func NewRedisBackend(ctx context.Context, url, prefix string) (*RedisBackend, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("redis url is empty")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return newRedisBackend(client, prefix), nil
}

func newRedisBackend(client *redis.Client, prefix string) *RedisBackend {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "harvester"
	}
	return &RedisBackend{
		client:       client,
		processedKey: prefix + ":processed",
		filesKey:     prefix + ":files",
	}
}

func (r *RedisBackend) Load(ctx context.Context) (Snapshot, error) {
	ids, err := r.client.SMembers(ctx, r.processedKey).Result()
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: read %s: %v", ErrStateCorrupt, r.processedKey, err)
	}
	files, err := r.client.HGetAll(ctx, r.filesKey).Result()
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: read %s: %v", ErrStateCorrupt, r.filesKey, err)
	}

	snap := Snapshot{
		Processed: make([]model.MessageID, 0, len(ids)),
		Files:     make(map[model.Fingerprint]string, len(files)),
	}
	for _, id := range ids {
		snap.Processed = append(snap.Processed, model.MessageID(id))
	}
	for fp, path := range files {
		snap.Files[model.Fingerprint(fp)] = path
	}
	return snap, nil
}

func (r *RedisBackend) Save(ctx context.Context, snap Snapshot) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.filesKey)
		if len(snap.Files) > 0 {
			values := make(map[string]any, len(snap.Files))
			for fp, path := range snap.Files {
				values[string(fp)] = path
			}
			pipe.HSet(ctx, r.filesKey, values)
		}

		pipe.Del(ctx, r.processedKey)
		if len(snap.Processed) > 0 {
			members := make([]any, 0, len(snap.Processed))
			for _, id := range snap.Processed {
				members = append(members, string(id))
			}
			pipe.SAdd(ctx, r.processedKey, members...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save state to redis: %w", err)
	}
	return nil
}

func (r *RedisBackend) Close() error {
	return r.client.Close()
}
