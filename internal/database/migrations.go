package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/timetracker/internal/store"
	"github.com/MarcoPoloResearchLab/timetracker/internal/store/sqlitestore"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationNormalizeEmptyRefs = "2026-10-01_normalize_empty_refs"
	migrationDefaultOrigins     = "2026-10-09_default_document_origins"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

// dataMigration rewrites rows of the documents table. Files without that
// table (accounts, settings) record the migration without running it.
type dataMigration struct {
	name    string
	rewrite func(tx *gorm.DB) (int64, error)
}

var dataMigrations = []dataMigration{
	{name: migrationNormalizeEmptyRefs, rewrite: normalizeEmptyRefs},
	{name: migrationDefaultOrigins, rewrite: defaultOrigins},
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	hasDocuments := db.Migrator().HasTable(&sqlitestore.DocumentRecord{})
	for _, migration := range dataMigrations {
		err := db.Transaction(func(tx *gorm.DB) error {
			applied, err := migrationApplied(tx, migration.name)
			if err != nil || applied {
				return err
			}
			var rows int64
			if hasDocuments {
				if rows, err = migration.rewrite(tx); err != nil {
					return err
				}
			}
			record := migrationRecord{Name: migration.name, AppliedAtSeconds: time.Now().UTC().Unix()}
			if err := tx.Create(&record).Error; err != nil {
				return err
			}
			logger.Info("database migration applied", zap.String("migration", migration.name), zap.Int64("rows", rows))
			return nil
		})
		if err != nil {
			logger.Error("database migration failed", zap.String("migration", migration.name), zap.Error(err))
			return err
		}
	}
	return nil
}

func migrationApplied(tx *gorm.DB, name string) (bool, error) {
	var record migrationRecord
	err := tx.Where("name = ?", name).Take(&record).Error
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return false, nil
	default:
		return false, err
	}
}

// normalizeEmptyRefs stores roots written with ref "" as NULL so the root
// index lookup finds them.
func normalizeEmptyRefs(tx *gorm.DB) (int64, error) {
	result := tx.Model(&sqlitestore.DocumentRecord{}).
		Where("ref = ?", "").
		Update("ref", gorm.Expr("NULL"))
	return result.RowsAffected, result.Error
}

// defaultOrigins marks rows without a recognized origin as local so the next
// push offers them to the remote.
func defaultOrigins(tx *gorm.DB) (int64, error) {
	result := tx.Model(&sqlitestore.DocumentRecord{}).
		Where("origin NOT IN ?", []string{string(store.OriginLocal), string(store.OriginRemote)}).
		Update("origin", string(store.OriginLocal))
	return result.RowsAffected, result.Error
}
