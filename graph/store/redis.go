package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	backend "github.com/redis/go-redis/v9"
)

// RedisStore is a Redis implementation of Store.
//
// Each session is a sorted set of JSON-encoded checkpoints scored by seq;
// a set at <prefix>index lists known sessions. Appends run as a Lua script
// so the sequence check and the write are atomic across processes.
type RedisStore struct {
	client *backend.Client
	prefix string
	ttl    time.Duration
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithTTL expires a session's lineage ttl after its latest append.
// Zero (the default) keeps sessions until Delete.
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) {
		s.ttl = ttl
	}
}

// WithPrefix sets the key prefix. Default "swegraph:".
func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// NewRedisStore connects to addr.
func NewRedisStore(addr, password string, db int, opts ...RedisOption) *RedisStore {
	client := backend.NewClient(&backend.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisStoreFromClient(client, opts...)
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *backend.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, prefix: "swegraph:"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) sessionKey(id string) string {
	return s.prefix + "session:" + id
}

func (s *RedisStore) indexKey() string {
	return s.prefix + "index"
}

// appendScript checks that ARGV[1] follows the highest score in KEYS[1]
// and adds the checkpoint. Returns {ok, expected}.
var appendScript = backend.NewScript(`
local last = redis.call("ZREVRANGE", KEYS[1], 0, 0, "WITHSCORES")
local want = 0
if #last > 0 then
	want = tonumber(last[2]) + 1
end
if tonumber(ARGV[1]) ~= want then
	return {0, want}
end
redis.call("ZADD", KEYS[1], ARGV[1], ARGV[2])
redis.call("SADD", KEYS[2], ARGV[3])
local ttl = tonumber(ARGV[4])
if ttl > 0 then
	redis.call("PEXPIRE", KEYS[1], ttl)
end
return {1, want}
`)

// Append implements Store.
func (s *RedisStore) Append(ctx context.Context, cp Checkpoint) error {
	if err := validate(cp); err != nil {
		return err
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	res, err := appendScript.Run(ctx, s.client,
		[]string{s.sessionKey(cp.SessionID), s.indexKey()},
		cp.Seq, string(data), cp.SessionID, s.ttl.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return fmt.Errorf("redis append failed: %w", err)
	}
	if len(res) != 2 {
		return fmt.Errorf("redis append: unexpected reply %v", res)
	}
	if res[0] != 1 {
		return conflict(cp.SessionID, int(res[1]), cp.Seq)
	}
	return nil
}

// Latest implements Store.
func (s *RedisStore) Latest(ctx context.Context, sessionID string) (Checkpoint, error) {
	vals, err := s.client.ZRevRange(ctx, s.sessionKey(sessionID), 0, 0).Result()
	if err != nil {
		return Checkpoint{}, fmt.Errorf("redis latest failed: %w", err)
	}
	if len(vals) == 0 {
		return Checkpoint{}, ErrNotFound
	}
	return decodeCheckpoint(vals[0])
}

// History implements Store.
func (s *RedisStore) History(ctx context.Context, sessionID string) ([]Checkpoint, error) {
	vals, err := s.client.ZRange(ctx, s.sessionKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis history failed: %w", err)
	}
	out := make([]Checkpoint, 0, len(vals))
	for _, v := range vals {
		cp, err := decodeCheckpoint(v)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, sessionID string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.sessionKey(sessionID))
	pipe.SRem(ctx, s.indexKey(), sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis delete failed: %w", err)
	}
	return nil
}

// Sessions implements Lister. Sessions whose lineage expired are removed
// from the index lazily.
func (s *RedisStore) Sessions(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list failed: %w", err)
	}
	live := make([]string, 0, len(ids))
	for _, id := range ids {
		n, err := s.client.Exists(ctx, s.sessionKey(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("redis exists failed: %w", err)
		}
		if n == 0 {
			_ = s.client.SRem(ctx, s.indexKey(), id).Err()
			continue
		}
		live = append(live, id)
	}
	sort.Strings(live)
	return live, nil
}

// Prune implements Pruner.
func (s *RedisStore) Prune(ctx context.Context, sessionID string, keep int) error {
	if keep < 1 {
		keep = 1
	}
	// Ranks 0 .. -(keep+1) are everything but the newest keep entries.
	if err := s.client.ZRemRangeByRank(ctx, s.sessionKey(sessionID), 0, int64(-keep-1)).Err(); err != nil {
		return fmt.Errorf("redis prune failed: %w", err)
	}
	return nil
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping verifies the server is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func decodeCheckpoint(data string) (Checkpoint, error) {
	var cp Checkpoint
	if err := json.Unmarshal([]byte(data), &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	if cp.State == nil {
		cp.State = map[string]any{}
	}
	return cp, nil
}
