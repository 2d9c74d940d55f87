package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/zulandar/switchyard/internal/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// GormRecorder appends entries to the flow_events table.
type GormRecorder struct {
	db  *gorm.DB
	now func() time.Time
}

// GormRecorderOpts holds parameters for creating a GormRecorder.
type GormRecorderOpts struct {
	DB  *gorm.DB
	Now func() time.Time // defaults to time.Now
}

// NewGormRecorder creates a GormRecorder.
func NewGormRecorder(opts GormRecorderOpts) (*GormRecorder, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("audit: db is required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &GormRecorder{db: opts.DB, now: now}, nil
}

// Record implements Recorder.
func (r *GormRecorder) Record(ctx context.Context, e Entry) error {
	if err := e.validate(); err != nil {
		return err
	}
	payload := datatypes.JSONMap{}
	for k, v := range e.Payload {
		payload[k] = v
	}
	ev := models.FlowEvent{
		Kind:      string(e.Kind),
		Phone:     e.Phone,
		TenantID:  e.TenantID,
		FlowName:  e.Flow,
		Step:      e.Step,
		Payload:   payload,
		CreatedAt: r.now().UTC(),
	}
	if err := r.db.WithContext(ctx).Create(&ev).Error; err != nil {
		return fmt.Errorf("audit: record %s: %w", e.Kind, err)
	}
	return nil
}

// History returns the most recent events for a conversation, oldest first.
// A limit of zero or less returns every event.
func (r *GormRecorder) History(ctx context.Context, phone, tenantID string, limit int) ([]models.FlowEvent, error) {
	if phone == "" || tenantID == "" {
		return nil, fmt.Errorf("audit: phone and tenant are required")
	}
	q := r.db.WithContext(ctx).
		Where("phone = ? AND tenant_id = ?", phone, tenantID).
		Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var events []models.FlowEvent
	if err := q.Find(&events).Error; err != nil {
		return nil, fmt.Errorf("audit: history %s:%s: %w", tenantID, phone, err)
	}
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}
