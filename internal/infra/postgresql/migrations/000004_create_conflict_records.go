package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"

	"github.com/crmsync/batch-engine/internal/repository"
)

func createConflictRecordsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000004_create_conflict_records",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.ConflictModel{}); err != nil {
				return err
			}
			return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_conflicts_batch_unresolved ON conflict_records (batch_id) WHERE resolution = 'UNRESOLVED'`).Error
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.ConflictModel{})
		},
	}
}
