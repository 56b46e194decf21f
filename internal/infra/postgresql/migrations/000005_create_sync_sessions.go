package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"

	"github.com/crmsync/batch-engine/internal/repository"
)

func createSyncSessionsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000005_create_sync_sessions",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.SessionModel{}); err != nil {
				return err
			}
			indexes := []string{
				`CREATE INDEX IF NOT EXISTS idx_sessions_batch_id ON sync_sessions (batch_id)`,
				`CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_one_active ON sync_sessions (batch_id) WHERE status IN ('PENDING', 'RUNNING')`,
			}
			for _, sql := range indexes {
				if err := tx.Exec(sql).Error; err != nil {
					return err
				}
			}
			return nil
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.SessionModel{})
		},
	}
}
