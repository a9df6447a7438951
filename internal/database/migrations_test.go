package database

import (
	"path/filepath"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/pinpointhq/pinpoint/backend/internal/annotations"
)

func TestApplyMigrationsNormalizesAnnotationStatus(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&annotations.Annotation{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	legacy := annotations.Annotation{
		ID:      "ann-1",
		AssetID: "asset-1",
		Status:  "open",
		Content: "legacy row",
	}
	if err := database.Create(&legacy).Error; err != nil {
		testContext.Fatalf("failed to insert annotation: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored annotations.Annotation
	if err := database.Where("annotation_id = ?", legacy.ID).Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload annotation: %v", err)
	}
	if stored.Status != annotations.StatusOpen {
		testContext.Fatalf("expected status normalized to %s, got %s", annotations.StatusOpen, stored.Status)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationNormalizeAnnotationStatus).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}

func TestApplyMigrationsIsIdempotent(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("expected second application to no-op: %v", err)
	}

	var count int64
	if err := database.Model(&migrationRecord{}).Count(&count).Error; err != nil {
		testContext.Fatalf("failed to count migration records: %v", err)
	}
	if count != 1 {
		testContext.Fatalf("expected exactly one migration record, got %d", count)
	}
}
