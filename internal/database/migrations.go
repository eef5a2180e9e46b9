package database

import (
	"errors"
	"time"

	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/storage"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillCollabSizeBytes = "2026-06-01_backfill_collab_size_bytes"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillCollabSizeBytes, apply: backfillCollabSizeBytes},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Rows written before size accounting carry size_bytes = 0, which would hide them from quotas.
func backfillCollabSizeBytes(db *gorm.DB) error {
	return db.Model(&storage.CollabRecord{}).
		Where("size_bytes = 0").
		Update("size_bytes", gorm.Expr("length(doc_state)")).Error
}
