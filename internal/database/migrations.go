package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/pinpointhq/pinpoint/backend/internal/annotations"
)

const migrationNormalizeAnnotationStatus = "2026-08-10_normalize_annotation_status"

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
		{name: migrationNormalizeAnnotationStatus, apply: normalizeAnnotationStatus},
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

// Early builds stored lowercase statuses; queries filter on the uppercase form.
func normalizeAnnotationStatus(db *gorm.DB) error {
	if err := db.Model(&annotations.Annotation{}).
		Where("status = ?", "open").
		Update("status", string(annotations.StatusOpen)).Error; err != nil {
		return err
	}
	return db.Model(&annotations.Annotation{}).
		Where("status = ?", "resolved").
		Update("status", string(annotations.StatusResolved)).Error
}
