package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"

	"github.com/crmsync/batch-engine/internal/repository"
)

func createLocalRecordsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000001_create_local_records",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.LocalRecordModel{}); err != nil {
				return err
			}
			return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_local_records_name ON local_records ((fields->>'Name'))`).Error
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.LocalRecordModel{})
		},
	}
}
