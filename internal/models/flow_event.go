package models

import (
	"time"

	"gorm.io/datatypes"
)

// FlowEvent is one append-only audit record of a flow lifecycle event.
type FlowEvent struct {
	ID        uint              `gorm:"primaryKey;autoIncrement" json:"id"`
	Kind      string            `gorm:"size:16;not null;index" json:"kind"`
	Phone     string            `gorm:"size:32;not null;index:idx_event_key" json:"phone"`
	TenantID  string            `gorm:"size:64;not null;index:idx_event_key" json:"tenant_id"`
	FlowName  string            `gorm:"size:64;index" json:"flow,omitempty"`
	Step      string            `gorm:"size:64" json:"step,omitempty"`
	Payload   datatypes.JSONMap `gorm:"type:json" json:"payload,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}
