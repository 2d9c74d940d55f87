// Package state persists one conversation record per (phone, tenant) pair.
//
// Stores version every record: Save only succeeds when the stored version
// still matches the one that was loaded, so two writers that raced through
// load→mutate→save cannot silently overwrite each other.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/switchyard/internal/models"
)

var (
	// ErrStaleState is returned by Save when the record changed (or was
	// deleted) since it was loaded.
	ErrStaleState = errors.New("state: stale conversation state")

	// ErrInvalidKey is returned for keys with an empty phone or tenant.
	ErrInvalidKey = errors.New("state: phone and tenant are required")
)

// Key identifies a conversation.
type Key struct {
	Phone    string
	TenantID string
}

// KeyOf returns the key of a conversation record.
func KeyOf(c *models.Conversation) Key {
	return Key{Phone: c.Phone, TenantID: c.TenantID}
}

// String renders the key as "tenant:phone".
func (k Key) String() string {
	return k.TenantID + ":" + k.Phone
}

// Validate rejects keys with missing parts.
func (k Key) Validate() error {
	if k.Phone == "" || k.TenantID == "" {
		return fmt.Errorf("%w (phone=%q tenant=%q)", ErrInvalidKey, k.Phone, k.TenantID)
	}
	return nil
}

// Store is the conversation state persistence contract.
type Store interface {
	// LoadOrCreate returns the record for key, creating a default one if
	// absent. Concurrent calls for the same key never create duplicates.
	LoadOrCreate(ctx context.Context, key Key) (*models.Conversation, error)

	// Get returns the record for key, or nil when none exists. It never
	// creates.
	Get(ctx context.Context, key Key) (*models.Conversation, error)

	// Save persists the full record and bumps its version.
	Save(ctx context.Context, conv *models.Conversation) error

	// Delete removes the record for key. Deleting an absent key is not an
	// error.
	Delete(ctx context.Context, key Key) error

	// DeleteExpired removes records whose last interaction is older than
	// olderThan and returns how many were removed.
	DeleteExpired(ctx context.Context, olderThan time.Duration) (int64, error)

	// Expired lists the keys whose last interaction is older than olderThan.
	Expired(ctx context.Context, olderThan time.Duration) ([]Key, error)

	// DeleteIfExpired removes the record for key only while its stored last
	// interaction is still older than olderThan. It reports whether a record
	// was removed.
	DeleteIfExpired(ctx context.Context, key Key, olderThan time.Duration) (bool, error)
}

// Guard runs fn while holding whatever serialises access to key.
type Guard func(key Key, fn func() error) error

type expirer interface {
	Expired(ctx context.Context, olderThan time.Duration) ([]Key, error)
	DeleteIfExpired(ctx context.Context, key Key, olderThan time.Duration) (bool, error)
}

// SweepExpired removes expired records one key at a time, running each
// removal inside guard. A record touched after it was listed survives. A nil
// guard removes without serialisation.
func SweepExpired(ctx context.Context, s expirer, olderThan time.Duration, guard Guard) (int64, error) {
	if guard == nil {
		guard = func(_ Key, fn func() error) error { return fn() }
	}
	keys, err := s.Expired(ctx, olderThan)
	if err != nil {
		return 0, err
	}
	var removed int64
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		err := guard(key, func() error {
			ok, err := s.DeleteIfExpired(ctx, key, olderThan)
			if ok {
				removed++
			}
			return err
		})
		if err != nil {
			return removed, err
		}
	}
	return removed, nil
}

// normalize replaces nil collections with empty ones so callers never see
// the difference between "absent" and "empty".
func normalize(c *models.Conversation) {
	if c.WorkingData == nil {
		c.WorkingData = map[string]interface{}{}
	}
	for k, v := range c.WorkingData {
		c.WorkingData[k] = plainNumbers(v)
	}
	if c.PendingFlows == nil {
		c.PendingFlows = []string{}
	}
	if c.Priority == "" {
		c.Priority = models.DefaultPriority
	}
}

// plainNumbers turns json.Number values, which the SQL JSON column yields,
// into float64 so every backend hands flows the same types.
func plainNumbers(v interface{}) interface{} {
	switch t := v.(type) {
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case map[string]interface{}:
		for k, e := range t {
			t[k] = plainNumbers(e)
		}
	case []interface{}:
		for i, e := range t {
			t[i] = plainNumbers(e)
		}
	}
	return v
}

func utcClock(now func() time.Time) func() time.Time {
	if now == nil {
		now = time.Now
	}
	return func() time.Time { return now().UTC() }
}
