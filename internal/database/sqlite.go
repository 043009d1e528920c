package database

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/timetracker/internal/store/sqlitestore"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OpenSQLite establishes a SQLite connection, migrates models and applies the
// pending data migrations.
func OpenSQLite(path string, logger *zap.Logger, models ...any) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(append(models, &migrationRecord{})...); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}

// OpenDocuments opens a document store file. It satisfies sqlitestore.Opener.
func OpenDocuments(path string, logger *zap.Logger) (*gorm.DB, error) {
	return OpenSQLite(path, logger, sqlitestore.Models()...)
}

var _ sqlitestore.Opener = OpenDocuments
