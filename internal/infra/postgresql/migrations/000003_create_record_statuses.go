package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"

	"github.com/crmsync/batch-engine/internal/repository"
)

func createRecordStatusesTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000003_create_record_statuses",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.RecordStatusModel{}); err != nil {
				return err
			}
			indexes := []string{
				`CREATE UNIQUE INDEX IF NOT EXISTS idx_record_statuses_batch_position ON record_update_statuses (batch_id, position)`,
				`CREATE INDEX IF NOT EXISTS idx_record_statuses_batch_sync ON record_update_statuses (batch_id, sync_status)`,
				`CREATE INDEX IF NOT EXISTS idx_record_statuses_pending ON record_update_statuses (batch_id, position) WHERE sync_status = 'PENDING'`,
			}
			for _, sql := range indexes {
				if err := tx.Exec(sql).Error; err != nil {
					return err
				}
			}
			return nil
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.RecordStatusModel{})
		},
	}
}
