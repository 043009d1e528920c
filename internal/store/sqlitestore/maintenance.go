package sqlitestore

import (
	"context"
	"path/filepath"

	"github.com/MarcoPoloResearchLab/timetracker/internal/documents"
	"github.com/MarcoPoloResearchLab/timetracker/internal/store"
	"gorm.io/gorm"
)

// ExportAll returns every live document ordered by id.
func (e *Engine) ExportAll(ctx context.Context) ([]documents.Document, error) {
	db, err := e.handle(ctx)
	if err != nil {
		return nil, store.NewOperationError(opExport, "closed", err)
	}
	var records []DocumentRecord
	if err := db.Where("deleted = ?", false).Order("id ASC").Find(&records).Error; err != nil {
		e.logError(opExport, "query_failed", err)
		return nil, store.NewOperationError(opExport, "query_failed", err)
	}
	docs, err := decodeRecords(records)
	if err != nil {
		return nil, store.NewOperationError(opExport, "decode_failed", err)
	}
	return docs, nil
}

// ImportAll writes docs as new edits, or with their own revisions when
// SkipRevisionCheck is set.
func (e *Engine) ImportAll(ctx context.Context, docs []documents.Document, opts store.ImportOptions) ([]documents.Result, error) {
	if opts.SkipRevisionCheck {
		return e.ApplyReplicated(ctx, docs, store.OriginLocal)
	}
	return e.BulkWrite(ctx, docs)
}

// DeleteAllDocuments tombstones every live document in one transaction.
func (e *Engine) DeleteAllDocuments(ctx context.Context) error {
	db, err := e.handle(ctx)
	if err != nil {
		return store.NewOperationError(opDeleteAll, "closed", err)
	}
	var changes []store.Change
	txErr := db.Transaction(func(tx *gorm.DB) error {
		var records []DocumentRecord
		if err := tx.Where("deleted = ?", false).Order("id ASC").Find(&records).Error; err != nil {
			return err
		}
		changes = make([]store.Change, 0, len(records))
		for _, record := range records {
			change, err := writeRecord(tx, tombstoneOf(record), store.OriginLocal)
			if err != nil {
				return err
			}
			changes = append(changes, change)
		}
		return nil
	})
	if txErr != nil {
		e.logError(opDeleteAll, "write_failed", txErr)
		return store.NewOperationError(opDeleteAll, "write_failed", txErr)
	}
	e.publish(changes...)
	return nil
}

// EstimateStorageUsage reports the database size against the free space of
// its filesystem.
func (e *Engine) EstimateStorageUsage(ctx context.Context) (store.Usage, error) {
	db, err := e.handle(ctx)
	if err != nil {
		return store.Usage{}, store.NewOperationError(opUsage, "closed", err)
	}
	var pageCount, pageSize int64
	if err := db.Raw("PRAGMA page_count").Scan(&pageCount).Error; err != nil {
		return store.Usage{}, store.NewOperationError(opUsage, "pragma_failed", err)
	}
	if err := db.Raw("PRAGMA page_size").Scan(&pageSize).Error; err != nil {
		return store.Usage{}, store.NewOperationError(opUsage, "pragma_failed", err)
	}
	used := pageCount * pageSize
	free, ok := freeBytes(filepath.Dir(e.path))
	if !ok {
		return store.Usage{Used: used}, nil
	}
	return store.Usage{Used: used, Quota: used + free, Known: true}, nil
}
