package task

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Fields is one atomic field-group write. All entries land together or
// not at all, so readers never observe a record mid-transition.
type Fields map[string]string

const extraPrefix = "x:"

// Store is the durable record store shared by the submission service,
// the status API and the transform executors. A missing id is reported
// via ok=false, not an error.
type Store interface {
	Create(ctx context.Context, rec Record) error
	Get(ctx context.Context, id string) (Record, bool, error)
	Update(ctx context.Context, id string, fields Fields) error
	// IDs returns all known task ids in creation order.
	IDs(ctx context.Context) ([]string, error)
	Count(ctx context.Context) (int64, error)
	// Drop removes a record and its index entry. Used by the index
	// pruning path when a record hash has expired.
	Drop(ctx context.Context, id string) error
}

// Field-group builders for the lifecycle transitions.

func FieldsProcessing(progress int) Fields {
	return Fields{"status": string(StatusProcessing), "progress": strconv.Itoa(progress)}
}

func FieldsProgress(progress int) Fields {
	return Fields{"progress": strconv.Itoa(progress)}
}

func FieldsCompleted(resultLocator string, extra map[string]string) Fields {
	f := Fields{
		"status":     string(StatusCompleted),
		"progress":   strconv.Itoa(ProgressDone),
		"result_url": resultLocator,
	}
	for k, v := range extra {
		f[extraPrefix+k] = v
	}
	return f
}

func FieldsFailed(reason string) Fields {
	return Fields{"status": string(StatusFailed), "error": reason}
}

func FieldsCancelled() Fields {
	return Fields{"status": string(StatusCancelled)}
}

// RedisStore keeps one hash per task plus a sorted-set index scored by
// creation time, which gives the list endpoint a deterministic order.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisStore(rdb *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) key(id string) string { return s.prefix + ":task:" + id }
func (s *RedisStore) indexKey() string     { return s.prefix + ":tasks" }

func (s *RedisStore) Create(ctx context.Context, rec Record) error {
	fields := Fields{
		"type":       rec.Type,
		"status":     string(rec.Status),
		"progress":   strconv.Itoa(rec.Progress),
		"created_at": strconv.FormatInt(rec.CreatedAt.UnixMilli(), 10),
	}
	if len(rec.SourceLocators) > 0 {
		b, err := json.Marshal(rec.SourceLocators)
		if err != nil {
			return err
		}
		fields["source_urls"] = string(b)
	}
	for k, v := range rec.Extra {
		fields[extraPrefix+k] = v
	}

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, s.key(rec.ID), map[string]string(fields))
	if s.ttl > 0 {
		pipe.Expire(ctx, s.key(rec.ID), s.ttl)
	}
	pipe.ZAdd(ctx, s.indexKey(), redis.Z{
		Score:  float64(rec.CreatedAt.UnixMilli()),
		Member: rec.ID,
	})
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Get(ctx context.Context, id string) (Record, bool, error) {
	raw, err := s.rdb.HGetAll(ctx, s.key(id)).Result()
	if err != nil {
		return Record{}, false, err
	}
	if len(raw) == 0 {
		return Record{}, false, nil
	}
	return parseRecord(id, raw), true, nil
}

// Update applies one atomic field-group write. If the record hash is
// gone (never initialized, or expired) the write recreates it and
// re-indexes the id, which lets an executor recover a task whose
// initial record write was lost.
func (s *RedisStore) Update(ctx context.Context, id string, fields Fields) error {
	exists, err := s.rdb.Exists(ctx, s.key(id)).Result()
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, s.key(id), map[string]string(fields))
	if exists == 0 {
		if s.ttl > 0 {
			pipe.Expire(ctx, s.key(id), s.ttl)
		}
		pipe.ZAdd(ctx, s.indexKey(), redis.Z{
			Score:  float64(time.Now().UnixMilli()),
			Member: id,
		})
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) IDs(ctx context.Context) ([]string, error) {
	return s.rdb.ZRange(ctx, s.indexKey(), 0, -1).Result()
}

func (s *RedisStore) Count(ctx context.Context) (int64, error) {
	return s.rdb.ZCard(ctx, s.indexKey()).Result()
}

func (s *RedisStore) Drop(ctx context.Context, id string) error {
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, s.key(id))
	pipe.ZRem(ctx, s.indexKey(), id)
	_, err := pipe.Exec(ctx)
	return err
}

func parseRecord(id string, raw map[string]string) Record {
	rec := Record{
		ID:       id,
		Type:     raw["type"],
		Status:   Status(raw["status"]),
		Progress: atoi(raw["progress"]),
	}
	if v, ok := raw["source_urls"]; ok {
		_ = json.Unmarshal([]byte(v), &rec.SourceLocators)
	}
	rec.ResultLocator = raw["result_url"]
	rec.Error = raw["error"]
	if v, ok := raw["created_at"]; ok {
		rec.CreatedAt = time.UnixMilli(atoi64(v))
	}
	for k, v := range raw {
		if len(k) > len(extraPrefix) && k[:len(extraPrefix)] == extraPrefix {
			if rec.Extra == nil {
				rec.Extra = make(map[string]string)
			}
			rec.Extra[k[len(extraPrefix):]] = v
		}
	}
	return rec
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func atoi64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
