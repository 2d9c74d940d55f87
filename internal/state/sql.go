package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/zulandar/switchyard/internal/models"
)

// SQLStore keeps conversations in the conversations table via GORM.
type SQLStore struct {
	db  *gorm.DB
	now func() time.Time
}

// SQLStoreOpts holds parameters for creating a SQLStore.
type SQLStoreOpts struct {
	DB  *gorm.DB
	Now func() time.Time // defaults to time.Now
}

// NewSQLStore creates a SQLStore.
func NewSQLStore(opts SQLStoreOpts) (*SQLStore, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("state: sql store: db is required")
	}
	return &SQLStore{db: opts.DB, now: utcClock(opts.Now)}, nil
}

// LoadOrCreate inserts a default row unless one exists on the unique
// (phone, tenant_id) index, then reads whichever row won.
func (s *SQLStore) LoadOrCreate(ctx context.Context, key Key) (*models.Conversation, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	def := models.NewConversation(key.Phone, key.TenantID, s.now())
	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(def).Error; err != nil {
		return nil, fmt.Errorf("state: create %s: %w", key, err)
	}

	conv, err := s.find(ctx, key)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, fmt.Errorf("state: load %s: %w", key, gorm.ErrRecordNotFound)
	}
	return conv, nil
}

// Get returns the record for key, or nil when none exists.
func (s *SQLStore) Get(ctx context.Context, key Key) (*models.Conversation, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	return s.find(ctx, key)
}

func (s *SQLStore) find(ctx context.Context, key Key) (*models.Conversation, error) {
	var conv models.Conversation
	err := s.db.WithContext(ctx).
		Where("phone = ? AND tenant_id = ?", key.Phone, key.TenantID).
		First(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("state: load %s: %w", key, err)
	}
	normalize(&conv)
	return &conv, nil
}

// Save writes every mutable column, guarded by the loaded version.
func (s *SQLStore) Save(ctx context.Context, conv *models.Conversation) error {
	if conv == nil || conv.ID == 0 {
		return fmt.Errorf("state: save: record was not loaded from this store")
	}
	normalize(conv)
	now := s.now()
	result := s.db.WithContext(ctx).Model(&models.Conversation{}).
		Where("id = ? AND version = ?", conv.ID, conv.Version).
		Updates(map[string]interface{}{
			"active_flow":         conv.ActiveFlow,
			"current_step":        conv.CurrentStep,
			"started":             conv.Started,
			"working_data":        conv.WorkingData,
			"pending_flows":       conv.PendingFlows,
			"priority":            conv.Priority,
			"paused":              conv.Paused,
			"paused_by":           conv.PausedBy,
			"paused_at":           conv.PausedAt,
			"last_interaction_at": conv.LastInteractionAt,
			"version":             conv.Version + 1,
			"updated_at":          now,
		})
	if result.Error != nil {
		return fmt.Errorf("state: save %s: %w", KeyOf(conv), result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("state: save %s at version %d: %w", KeyOf(conv), conv.Version, ErrStaleState)
	}
	conv.Version++
	conv.UpdatedAt = now
	return nil
}

// Delete removes the record for key.
func (s *SQLStore) Delete(ctx context.Context, key Key) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).
		Where("phone = ? AND tenant_id = ?", key.Phone, key.TenantID).
		Delete(&models.Conversation{}).Error; err != nil {
		return fmt.Errorf("state: delete %s: %w", key, err)
	}
	return nil
}

// DeleteExpired removes conversations idle for longer than olderThan.
func (s *SQLStore) DeleteExpired(ctx context.Context, olderThan time.Duration) (int64, error) {
	return SweepExpired(ctx, s, olderThan, nil)
}

// Expired lists the keys of conversations idle for longer than olderThan.
func (s *SQLStore) Expired(ctx context.Context, olderThan time.Duration) ([]Key, error) {
	cutoff := s.now().Add(-olderThan)
	var rows []models.Conversation
	if err := s.db.WithContext(ctx).
		Select("phone", "tenant_id").
		Where("last_interaction_at < ?", cutoff).
		Order("last_interaction_at ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("state: list expired: %w", err)
	}
	keys := make([]Key, 0, len(rows))
	for i := range rows {
		keys = append(keys, KeyOf(&rows[i]))
	}
	return keys, nil
}

// DeleteIfExpired deletes the row for key in one statement that re-checks
// the cutoff, so a row saved since it was listed is kept.
func (s *SQLStore) DeleteIfExpired(ctx context.Context, key Key, olderThan time.Duration) (bool, error) {
	if err := key.Validate(); err != nil {
		return false, err
	}
	cutoff := s.now().Add(-olderThan)
	result := s.db.WithContext(ctx).
		Where("phone = ? AND tenant_id = ? AND last_interaction_at < ?", key.Phone, key.TenantID, cutoff).
		Delete(&models.Conversation{})
	if result.Error != nil {
		return false, fmt.Errorf("state: delete expired %s: %w", key, result.Error)
	}
	return result.RowsAffected > 0, nil
}
