package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each identity as a hash (display name, personality) plus a
// list of JSON-encoded utterances. A global counter provides Seq.
type RedisStore struct {
	client *redis.Client
	prefix string
}

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string // Key prefix, default "discordbot:"
}

type redisUtterance struct {
	ID          string `json:"id"`
	Text        string `json:"text"`
	Seq         int64  `json:"seq"`
	CreatedAtMS int64  `json:"created_at_ms"`
}

func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, storageErr("open", fmt.Errorf("ping redis %s: %w", opts.Addr, err))
	}
	return NewRedisStoreWithClient(client, opts.Prefix), nil
}

func NewRedisStoreWithClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "discordbot:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) seqKey() string        { return s.prefix + "seq" }
func (s *RedisStore) identitiesKey() string { return s.prefix + "identities" }

func (s *RedisStore) recordKey(identity string) string {
	return fmt.Sprintf("%sidentity:%s", s.prefix, identity)
}

func (s *RedisStore) utterancesKey(identity string) string {
	return fmt.Sprintf("%sidentity:%s:utterances", s.prefix, identity)
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Append(ctx context.Context, identity, displayName, text string) error {
	if strings.TrimSpace(identity) == "" {
		return storageErr("append", fmt.Errorf("empty identity"))
	}

	seq, err := s.client.Incr(ctx, s.seqKey()).Result()
	if err != nil {
		return storageErr("append", fmt.Errorf("next seq: %w", err))
	}
	data, err := json.Marshal(redisUtterance{
		ID:          uuid.NewString(),
		Text:        text,
		Seq:         seq,
		CreatedAtMS: time.Now().UnixMilli(),
	})
	if err != nil {
		return storageErr("append", fmt.Errorf("marshal utterance: %w", err))
	}

	recKey := s.recordKey(identity)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, s.identitiesKey(), identity)
		pipe.HSetNX(ctx, recKey, "personality", DefaultPersonality)
		if displayName != "" {
			pipe.HSet(ctx, recKey, "display_name", displayName)
		} else {
			pipe.HSetNX(ctx, recKey, "display_name", "")
		}
		pipe.RPush(ctx, s.utterancesKey(identity), data)
		return nil
	})
	if err != nil {
		return storageErr("append", fmt.Errorf("exec: %w", err))
	}
	return nil
}

func (s *RedisStore) ReadAll(ctx context.Context) ([]MemoryRecord, error) {
	identities, err := s.client.SMembers(ctx, s.identitiesKey()).Result()
	if err != nil {
		return nil, storageErr("read all", err)
	}

	records := make([]MemoryRecord, 0, len(identities))
	for _, identity := range identities {
		rec, err := s.readRecord(ctx, identity, 0, -1)
		if err != nil {
			return nil, err
		}
		if len(rec.Utterances) == 0 {
			continue
		}
		records = append(records, rec)
	}

	// Same order as the SQL backends: by each record's first utterance.
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Utterances[0].Seq < records[j].Utterances[0].Seq
	})
	return records, nil
}

func (s *RedisStore) ReadRecent(ctx context.Context, identity string, n int) ([]Utterance, error) {
	if n <= 0 {
		return []Utterance{}, nil
	}
	rec, err := s.readRecord(ctx, identity, int64(-n), -1)
	if err != nil {
		return nil, err
	}
	if rec.Utterances == nil {
		return []Utterance{}, nil
	}
	return rec.Utterances, nil
}

func (s *RedisStore) readRecord(ctx context.Context, identity string, start, stop int64) (MemoryRecord, error) {
	pipe := s.client.Pipeline()
	fields := pipe.HGetAll(ctx, s.recordKey(identity))
	items := pipe.LRange(ctx, s.utterancesKey(identity), start, stop)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return MemoryRecord{}, storageErr("read", fmt.Errorf("load %s: %w", identity, err))
	}

	meta := fields.Val()
	rec := MemoryRecord{
		Identity:    identity,
		DisplayName: meta["display_name"],
		Personality: meta["personality"],
	}
	if rec.Personality == "" {
		rec.Personality = DefaultPersonality
	}
	for _, raw := range items.Val() {
		var ru redisUtterance
		if err := json.Unmarshal([]byte(raw), &ru); err != nil {
			return MemoryRecord{}, storageErr("read", fmt.Errorf("decode utterance of %s: %w", identity, err))
		}
		rec.Utterances = append(rec.Utterances, Utterance{
			ID:          ru.ID,
			Identity:    identity,
			DisplayName: rec.DisplayName,
			Text:        ru.Text,
			Seq:         ru.Seq,
			CreatedAt:   time.UnixMilli(ru.CreatedAtMS),
		})
	}
	return rec, nil
}

func (s *RedisStore) Prune(ctx context.Context, maxPerIdentity int) (int, error) {
	if maxPerIdentity <= 0 {
		return 0, nil
	}
	identities, err := s.client.SMembers(ctx, s.identitiesKey()).Result()
	if err != nil {
		return 0, storageErr("prune", err)
	}

	removed := 0
	for _, identity := range identities {
		key := s.utterancesKey(identity)
		var llen *redis.IntCmd
		_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			llen = pipe.LLen(ctx, key)
			pipe.LTrim(ctx, key, int64(-maxPerIdentity), -1)
			return nil
		})
		if err != nil {
			return removed, storageErr("prune", fmt.Errorf("trim %s: %w", identity, err))
		}
		if over := int(llen.Val()) - maxPerIdentity; over > 0 {
			removed += over
		}
	}
	return removed, nil
}
