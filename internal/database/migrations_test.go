package database

import (
	"path/filepath"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsPropagatesUserFirstSeen(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&userRecord{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	versions := []userRecord{
		{AuthorID: 7, Username: "anna99", FirstSeenUsec: 1_000, LastSeenUsec: 1_000},
		{AuthorID: 7, Username: "anna99", FirstSeenUsec: 5_000, LastSeenUsec: 5_000},
		{AuthorID: 8, Username: "boris", FirstSeenUsec: 3_000, LastSeenUsec: 3_000},
	}
	if err := database.Create(&versions).Error; err != nil {
		testContext.Fatalf("failed to insert versions: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored []userRecord
	if err := database.Where("author_id = ?", 7).Find(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload versions: %v", err)
	}
	for _, version := range stored {
		if version.FirstSeenUsec != 1_000 {
			testContext.Fatalf("expected first seen to be propagated, got %d", version.FirstSeenUsec)
		}
	}

	var other userRecord
	if err := database.Where("author_id = ?", 8).Take(&other).Error; err != nil {
		testContext.Fatalf("failed to reload other author: %v", err)
	}
	if other.FirstSeenUsec != 3_000 {
		testContext.Fatalf("expected unrelated author untouched, got %d", other.FirstSeenUsec)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationPropagateUserFirstSeen).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}
