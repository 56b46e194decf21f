package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"

	"github.com/crmsync/batch-engine/internal/repository"
)

func createBatchJobsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000002_create_batch_jobs",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.BatchJobModel{}); err != nil {
				return err
			}
			return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_batch_jobs_status_created ON batch_jobs (status, created_at)`).Error
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.BatchJobModel{})
		},
	}
}
