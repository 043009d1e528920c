package database

import (
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/timetracker/internal/store/sqlitestore"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsNormalizesEmptyRefs(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(append(sqlitestore.Models(), &migrationRecord{})...); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	empty := ""
	record := sqlitestore.DocumentRecord{
		ID:       "LT-1000",
		Rev:      "1-abc",
		Type:     "LT",
		Ref:      &empty,
		Seq:      1,
		Origin:   "local",
		BodyJSON: `{"_id":"LT-1000","type":"LT","name":"Tea"}`,
	}
	if err := database.Create(&record).Error; err != nil {
		testContext.Fatalf("failed to insert document: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored sqlitestore.DocumentRecord
	if err := database.Where("id = ?", record.ID).Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload document: %v", err)
	}
	if stored.Ref != nil {
		testContext.Fatalf("expected ref to be cleared, got %q", *stored.Ref)
	}

	var applied migrationRecord
	if err := database.Where("name = ?", migrationNormalizeEmptyRefs).Take(&applied).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if applied.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}

func TestApplyMigrationsDefaultsUnknownOrigins(testContext *testing.T) {
	database, err := gorm.Open(sqlite.Open(filepath.Join(testContext.TempDir(), "origins.db")), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(append(sqlitestore.Models(), &migrationRecord{})...); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	rows := []sqlitestore.DocumentRecord{
		{ID: "SW-1000", Rev: "1-a", Type: "SW", Seq: 1, Origin: "imported", BodyJSON: `{"_id":"SW-1000","type":"SW"}`},
		{ID: "SW-2000", Rev: "1-b", Type: "SW", Seq: 2, Origin: "remote", BodyJSON: `{"_id":"SW-2000","type":"SW"}`},
	}
	if err := database.Create(&rows).Error; err != nil {
		testContext.Fatalf("failed to insert documents: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	origins := map[string]string{}
	var stored []sqlitestore.DocumentRecord
	if err := database.Order("id").Find(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload documents: %v", err)
	}
	for _, record := range stored {
		origins[record.ID] = record.Origin
	}
	if origins["SW-1000"] != "local" {
		testContext.Fatalf("expected unknown origin to become local, got %q", origins["SW-1000"])
	}
	if origins["SW-2000"] != "remote" {
		testContext.Fatalf("expected remote origin to be kept, got %q", origins["SW-2000"])
	}

	var count int64
	if err := database.Model(&migrationRecord{}).Count(&count).Error; err != nil {
		testContext.Fatalf("failed to count migrations: %v", err)
	}
	if count != int64(len(dataMigrations)) {
		testContext.Fatalf("expected %d migration records, got %d", len(dataMigrations), count)
	}
}

func TestApplyMigrationsSkipsMissingDocumentsTable(testContext *testing.T) {
	database, err := gorm.Open(sqlite.Open(filepath.Join(testContext.TempDir(), "accounts.db")), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(&migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	if err := applyMigrations(database, nil); err != nil {
		testContext.Fatalf("expected migrations to skip missing tables: %v", err)
	}
	if err := applyMigrations(database, nil); err != nil {
		testContext.Fatalf("expected second run to be a no-op: %v", err)
	}
}

func TestOpenDocumentsMigratesSchema(testContext *testing.T) {
	database, err := OpenDocuments(filepath.Join(testContext.TempDir(), "documents.db"), zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open documents database: %v", err)
	}
	for _, table := range []string{"documents", "replication_checkpoints", "db_migrations"} {
		if !database.Migrator().HasTable(table) {
			testContext.Fatalf("expected table %s to exist", table)
		}
	}
}
