package db

import (
	"strings"
	"testing"

	"github.com/zulandar/switchyard/internal/config"
	"github.com/zulandar/switchyard/internal/models"
)

func TestDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.DatabaseConfig
		want []string
	}{
		{
			name: "default local",
			cfg:  config.DatabaseConfig{Host: "127.0.0.1", Port: 3306, User: "root", Name: "switchyard"},
			want: []string{"root@tcp(127.0.0.1:3306)/switchyard?", "parseTime=true"},
		},
		{
			name: "with password",
			cfg:  config.DatabaseConfig{Host: "10.0.0.5", Port: 3307, User: "flows", Password: "s3cret", Name: "sy"},
			want: []string{"flows:s3cret@tcp(10.0.0.5:3307)/sy?", "parseTime=true"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DSN(tt.cfg)
			for _, w := range tt.want {
				if !strings.Contains(got, w) {
					t.Errorf("DSN() = %q, want to contain %q", got, w)
				}
			}
		})
	}
}

func TestConnect_UnsupportedDriver(t *testing.T) {
	_, err := Connect(config.DatabaseConfig{Driver: "postgres"})
	if err == nil {
		t.Fatal("expected error for unsupported driver")
	}
	if !strings.Contains(err.Error(), "unsupported driver") {
		t.Errorf("error = %q", err.Error())
	}
}

func TestConnect_SQLiteFile(t *testing.T) {
	path := t.TempDir() + "/switchyard.db"
	gdb, err := Connect(config.DatabaseConfig{Driver: "sqlite", Path: path})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := AutoMigrate(gdb); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	for _, m := range AllModels() {
		if !gdb.Migrator().HasTable(m) {
			t.Errorf("table for %T not created", m)
		}
	}
}

func TestSeedTenants_Upserts(t *testing.T) {
	gdb, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	if err := AutoMigrate(gdb); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}

	if err := SeedTenants(gdb, []config.TenantConfig{
		{ID: "acme", Name: "Acme", ChannelID: "C1"},
		{ID: "globex", Name: "Globex", ChannelID: "C2"},
	}); err != nil {
		t.Fatalf("SeedTenants: %v", err)
	}
	// Re-seeding updates in place.
	if err := SeedTenants(gdb, []config.TenantConfig{
		{ID: "acme", Name: "Acme Salud", ChannelID: "C9"},
	}); err != nil {
		t.Fatalf("SeedTenants again: %v", err)
	}

	var count int64
	gdb.Model(&models.Tenant{}).Count(&count)
	if count != 2 {
		t.Errorf("tenant count = %d, want 2", count)
	}

	var acme models.Tenant
	if err := gdb.First(&acme, "id = ?", "acme").Error; err != nil {
		t.Fatalf("load acme: %v", err)
	}
	if acme.Name != "Acme Salud" || acme.ChannelID != "C9" {
		t.Errorf("acme = %+v, want updated name and channel", acme)
	}
}
