package db

import (
	"fmt"

	"github.com/zulandar/conveyor/internal/models"
	"gorm.io/gorm"
)

// AllModels returns every GORM model managed by Conveyor.
func AllModels() []interface{} {
	return []interface{}{
		&models.Job{},
		&models.JobTransition{},
		&models.ArtifactRecord{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// OpenMigrated opens an in-memory SQLite database with all tables created.
// Used by tests and offline commands.
func OpenMigrated() (*gorm.DB, error) {
	gdb, err := OpenSQLite(":memory:")
	if err != nil {
		return nil, err
	}
	if err := AutoMigrate(gdb); err != nil {
		return nil, err
	}
	return gdb, nil
}
