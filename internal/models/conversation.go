package models

import (
	"time"

	"gorm.io/datatypes"
)

// DefaultPriority is the priority recorded on idle conversations.
const DefaultPriority = "normal"

// Conversation is the persisted flow state for one (phone, tenant) pair.
//
// When ActiveFlow is empty, CurrentStep is empty and WorkingData is empty.
// Started is false until the active flow's Start has succeeded; a flow
// promoted from the queue stays unstarted until the next message.
// PendingFlows holds flow names only; a displaced flow's progress is not kept.
type Conversation struct {
	ID                uint                        `gorm:"primaryKey;autoIncrement" json:"-"`
	Phone             string                      `gorm:"size:32;not null;uniqueIndex:idx_conversation_key" json:"phone"`
	TenantID          string                      `gorm:"size:64;not null;uniqueIndex:idx_conversation_key" json:"tenant_id"`
	ActiveFlow        string                      `gorm:"size:64" json:"active_flow,omitempty"`
	CurrentStep       string                      `gorm:"size:64" json:"current_step,omitempty"`
	Started           bool                        `gorm:"default:false" json:"started"`
	WorkingData       datatypes.JSONMap           `gorm:"type:json" json:"working_data"`
	PendingFlows      datatypes.JSONSlice[string] `gorm:"type:json" json:"pending_flows"`
	Priority          string                      `gorm:"size:8;default:normal" json:"priority"`
	Paused            bool                        `gorm:"default:false" json:"paused"`
	PausedBy          string                      `gorm:"size:64" json:"paused_by,omitempty"`
	PausedAt          *time.Time                  `json:"paused_at,omitempty"`
	Version           int                         `gorm:"not null;default:0" json:"version"`
	LastInteractionAt time.Time                   `gorm:"index" json:"last_interaction_at"`
	CreatedAt         time.Time                   `json:"created_at"`
	UpdatedAt         time.Time                   `json:"updated_at"`
}

// NewConversation returns a record with every field at its default.
func NewConversation(phone, tenantID string, now time.Time) *Conversation {
	return &Conversation{
		Phone:             phone,
		TenantID:          tenantID,
		WorkingData:       datatypes.JSONMap{},
		PendingFlows:      datatypes.JSONSlice[string]{},
		Priority:          DefaultPriority,
		LastInteractionAt: now,
	}
}

// Idle reports whether no flow is active.
func (c *Conversation) Idle() bool {
	return c.ActiveFlow == ""
}

// ClearActive drops the active flow along with its step and data, leaving
// the pending queue untouched.
func (c *Conversation) ClearActive() {
	c.ActiveFlow = ""
	c.CurrentStep = ""
	c.Started = false
	c.WorkingData = datatypes.JSONMap{}
	c.Priority = DefaultPriority
}

// Pending returns a copy of the pending queue as a plain slice.
func (c *Conversation) Pending() []string {
	out := make([]string, len(c.PendingFlows))
	copy(out, c.PendingFlows)
	return out
}

// SetPending replaces the pending queue.
func (c *Conversation) SetPending(q []string) {
	next := make(datatypes.JSONSlice[string], len(q))
	copy(next, q)
	c.PendingFlows = next
}
