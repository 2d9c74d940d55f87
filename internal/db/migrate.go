package db

import (
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/zulandar/switchyard/internal/config"
	"github.com/zulandar/switchyard/internal/models"
)

// AllModels returns the list of all GORM models for migration.
func AllModels() []interface{} {
	return []interface{}{
		&models.Conversation{},
		&models.FlowEvent{},
		&models.Tenant{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// SeedTenants upserts Tenant rows from configuration.
func SeedTenants(db *gorm.DB, tenants []config.TenantConfig) error {
	for _, tc := range tenants {
		tenant := models.Tenant{
			ID:        tc.ID,
			Name:      tc.Name,
			ChannelID: tc.ChannelID,
			Active:    true,
		}
		result := db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "channel_id", "active"}),
		}).Create(&tenant)
		if result.Error != nil {
			return fmt.Errorf("db: seed tenant %q: %w", tc.ID, result.Error)
		}
	}
	return nil
}
