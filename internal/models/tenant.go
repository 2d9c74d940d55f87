package models

// Tenant holds the channel configuration used for a tenant's outbound
// messages.
type Tenant struct {
	ID        string `gorm:"primaryKey;size:64"`
	Name      string `gorm:"size:128"`
	ChannelID string `gorm:"size:128"`
	Active    bool   `gorm:"default:true"`
}
