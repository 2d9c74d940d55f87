package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zulandar/switchyard/internal/models"
)

// RedisStore keeps each conversation as a JSON document, plus a sorted set
// scoring every key by its last interaction time for expiry sweeps.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
	now    func() time.Time
}

// RedisStoreOpts holds parameters for creating a RedisStore.
type RedisStoreOpts struct {
	Client redis.UniversalClient
	Prefix string           // key namespace, defaults to "switchyard"
	Now    func() time.Time // defaults to time.Now
}

// NewRedisStore creates a RedisStore.
func NewRedisStore(opts RedisStoreOpts) (*RedisStore, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("state: redis store: client is required")
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "switchyard"
	}
	return &RedisStore{rdb: opts.Client, prefix: prefix, now: utcClock(opts.Now)}, nil
}

func (s *RedisStore) docKey(key Key) string {
	return s.prefix + ":conv:" + key.TenantID + ":" + key.Phone
}

func (s *RedisStore) indexKey() string {
	return s.prefix + ":conv:last"
}

// LoadOrCreate writes a default document with SETNX, so only the first of
// several concurrent callers creates it, then reads it back.
func (s *RedisStore) LoadOrCreate(ctx context.Context, key Key) (*models.Conversation, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	now := s.now()
	def := models.NewConversation(key.Phone, key.TenantID, now)
	def.CreatedAt = now
	def.UpdatedAt = now
	raw, err := json.Marshal(def)
	if err != nil {
		return nil, fmt.Errorf("state: encode %s: %w", key, err)
	}

	dk := s.docKey(key)
	created, err := s.rdb.SetNX(ctx, dk, raw, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("state: create %s: %w", key, err)
	}
	if created {
		if err := s.rdb.ZAdd(ctx, s.indexKey(), redis.Z{
			Score:  float64(now.Unix()),
			Member: dk,
		}).Err(); err != nil {
			return nil, fmt.Errorf("state: index %s: %w", key, err)
		}
	}

	conv, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, fmt.Errorf("state: load %s: vanished after create", key)
	}
	return conv, nil
}

// Get returns the record for key, or nil when none exists.
func (s *RedisStore) Get(ctx context.Context, key Key) (*models.Conversation, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	raw, err := s.rdb.Get(ctx, s.docKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("state: load %s: %w", key, err)
	}
	return decodeConversation(key, raw)
}

func decodeConversation(key Key, raw []byte) (*models.Conversation, error) {
	var conv models.Conversation
	if err := json.Unmarshal(raw, &conv); err != nil {
		return nil, fmt.Errorf("state: decode %s: %w", key, err)
	}
	normalize(&conv)
	return &conv, nil
}

// Save replaces the document inside a WATCH transaction that aborts when
// the stored version moved on.
func (s *RedisStore) Save(ctx context.Context, conv *models.Conversation) error {
	if conv == nil {
		return fmt.Errorf("state: save: conversation is nil")
	}
	key := KeyOf(conv)
	if err := key.Validate(); err != nil {
		return err
	}
	normalize(conv)
	dk := s.docKey(key)
	now := s.now()

	next := *conv
	next.Version = conv.Version + 1
	next.UpdatedAt = now
	raw, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("state: encode %s: %w", key, err)
	}

	err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, dk).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrStaleState
		}
		if err != nil {
			return err
		}
		stored, err := decodeConversation(key, cur)
		if err != nil {
			return err
		}
		if stored.Version != conv.Version {
			return ErrStaleState
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, dk, raw, 0)
			p.ZAdd(ctx, s.indexKey(), redis.Z{
				Score:  float64(next.LastInteractionAt.Unix()),
				Member: dk,
			})
			return nil
		})
		return err
	}, dk)
	if errors.Is(err, redis.TxFailedErr) {
		err = ErrStaleState
	}
	if err != nil {
		return fmt.Errorf("state: save %s at version %d: %w", key, conv.Version, err)
	}
	conv.Version = next.Version
	conv.UpdatedAt = now
	return nil
}

// Delete removes the document and its index entry.
func (s *RedisStore) Delete(ctx context.Context, key Key) error {
	if err := key.Validate(); err != nil {
		return err
	}
	dk := s.docKey(key)
	if _, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, dk)
		p.ZRem(ctx, s.indexKey(), dk)
		return nil
	}); err != nil {
		return fmt.Errorf("state: delete %s: %w", key, err)
	}
	return nil
}

// DeleteExpired removes every document whose indexed last interaction is
// older than the cutoff.
func (s *RedisStore) DeleteExpired(ctx context.Context, olderThan time.Duration) (int64, error) {
	return SweepExpired(ctx, s, olderThan, nil)
}

// Expired lists the keys whose indexed last interaction is older than the
// cutoff.
func (s *RedisStore) Expired(ctx context.Context, olderThan time.Duration) ([]Key, error) {
	cutoff := s.now().Add(-olderThan).Unix()
	members, err := s.rdb.ZRangeByScore(ctx, s.indexKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("state: list expired: %w", err)
	}
	keys := make([]Key, 0, len(members))
	for _, dk := range members {
		key, ok := s.keyOf(dk)
		if !ok {
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// keyOf reverses docKey. Phones never contain ':', tenants may.
func (s *RedisStore) keyOf(dk string) (Key, bool) {
	rest, ok := strings.CutPrefix(dk, s.prefix+":conv:")
	if !ok {
		return Key{}, false
	}
	i := strings.LastIndexByte(rest, ':')
	if i <= 0 || i == len(rest)-1 {
		return Key{}, false
	}
	return Key{TenantID: rest[:i], Phone: rest[i+1:]}, true
}

// DeleteIfExpired removes the document inside a WATCH on it, so a save that
// lands between the index check and the delete aborts the delete.
func (s *RedisStore) DeleteIfExpired(ctx context.Context, key Key, olderThan time.Duration) (bool, error) {
	if err := key.Validate(); err != nil {
		return false, err
	}
	cutoff := s.now().Add(-olderThan).Unix()
	dk := s.docKey(key)
	removed := false
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		score, err := tx.ZScore(ctx, s.indexKey(), dk).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		if int64(score) >= cutoff {
			return nil
		}
		cmds, err := tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Del(ctx, dk)
			p.ZRem(ctx, s.indexKey(), dk)
			return nil
		})
		if err != nil {
			return err
		}
		if del, ok := cmds[0].(*redis.IntCmd); ok && del.Val() > 0 {
			removed = true
		}
		return nil
	}, dk)
	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("state: delete expired %s: %w", key, err)
	}
	return removed, nil
}
