package db

import (
	"github.com/sjq/engine/internal/domain"
	"gorm.io/gorm"
)

func RunMigrations(db *gorm.DB) error {
	err := db.AutoMigrate(
		&domain.Task{},
		&domain.Agent{},
		&domain.SystemSetting{},
	)
	if err != nil {
		return err
	}

	return createCustomIndexes(db)
}

func createCustomIndexes(db *gorm.DB) error {
	// retention sweeps scan by state and completion time
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_queued_tasks_state_completed
		ON queued_tasks (state, completed)
	`).Error; err != nil {
		return err
	}

	return nil
}
