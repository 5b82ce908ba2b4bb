package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

const redisMaxTxRetries = 8

// RedisConfig configures a RedisStore.
type RedisConfig struct {
	Client *redis.Client

	// KeyPrefix namespaces every record. Default: "streamguard:session:".
	KeyPrefix string

	// Retention is applied as the key TTL so idle records disappear even if
	// no instance runs a sweep.
	Retention time.Duration
}

// RedisStore shares session state between gate instances. Records are
// msgpack-encoded; Upsert is a WATCH/MULTI optimistic transaction.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	retention time.Duration
}

// NewRedisStore wraps an existing client.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "streamguard:session:"
	}
	return &RedisStore{
		client:    cfg.Client,
		keyPrefix: cfg.KeyPrefix,
		retention: cfg.Retention,
	}, nil
}

func (s *RedisStore) key(id string) string { return s.keyPrefix + id }

func decodeRecord(raw []byte) (Record, error) {
	var rec Record
	if err := msgpack.Unmarshal(raw, &rec); err != nil {
		return Record{}, fmt.Errorf("unmarshal session record: %w", err)
	}
	return rec, nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Record, error) {
	raw, err := s.client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	rec, err := decodeRecord(raw)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *RedisStore) Upsert(ctx context.Context, id string, fn Mutator) (Record, error) {
	key := s.key(id)
	var result Record

	txf := func(tx *redis.Tx) error {
		var work Record
		raw, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return fmt.Errorf("get session %s: %w", id, err)
		default:
			if work, err = decodeRecord(raw); err != nil {
				return err
			}
		}

		if err := fn(&work); err != nil {
			return err
		}
		data, err := msgpack.Marshal(&work)
		if err != nil {
			return fmt.Errorf("marshal session record: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.retention)
			return nil
		})
		if err == nil {
			result = work
		}
		return err
	}

	for i := 0; i < redisMaxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return Record{}, err
		}
	}
	return Record{}, ErrConflict
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.key(id)).Err(); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

func (s *RedisStore) scanKeys(ctx context.Context) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, s.keyPrefix+"*", 256).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan sessions: %w", err)
	}
	return keys, nil
}

// List returns every record under the prefix, newest first. Records that
// vanish between SCAN and GET are skipped.
func (s *RedisStore) List(ctx context.Context) ([]Entry, error) {
	keys, err := s.scanKeys(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(keys))
	for _, k := range keys {
		raw, err := s.client.Get(ctx, k).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get %s: %w", k, err)
		}
		rec, err := decodeRecord(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, Entry{ID: strings.TrimPrefix(k, s.keyPrefix), Record: rec})
	}
	sortEntries(out)
	return out, nil
}

// Sweep deletes stale records. Each deletion is guarded by WATCH so a
// record touched by a concurrent request between read and delete survives.
func (s *RedisStore) Sweep(ctx context.Context, now time.Time, retention time.Duration) (int, error) {
	keys, err := s.scanKeys(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, k := range keys {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.Get(ctx, k).Bytes()
			if errors.Is(err, redis.Nil) {
				return nil
			}
			if err != nil {
				return err
			}
			rec, err := decodeRecord(raw)
			if err != nil {
				return err
			}
			if !rec.Stale(now, retention) {
				return nil
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, k)
				return nil
			})
			if err == nil {
				removed++
			}
			return err
		}, k)
		if err != nil && !errors.Is(err, redis.TxFailedErr) {
			return removed, fmt.Errorf("sweep %s: %w", k, err)
		}
	}
	return removed, nil
}

// Ping checks connectivity for readiness probes.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
