package sqlitestore

import (
	"context"
	"fmt"

	"github.com/MarcoPoloResearchLab/timetracker/internal/documents"
	"github.com/MarcoPoloResearchLab/timetracker/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Get returns the live document with id.
func (e *Engine) Get(ctx context.Context, id string) (documents.Document, error) {
	db, err := e.handle(ctx)
	if err != nil {
		return documents.Document{}, store.NewOperationError(opGet, "closed", err)
	}
	record, err := loadRecord(db, id)
	if err != nil {
		e.logError(opGet, "select_failed", err, zap.String("id", id))
		return documents.Document{}, store.NewOperationError(opGet, "select_failed", err)
	}
	if !isLive(record) {
		return documents.Document{}, store.NewOperationError(opGet, "not_found", fmt.Errorf("%w: %s", documents.ErrNotFound, id))
	}
	doc, err := decodeRecord(*record)
	if err != nil {
		return documents.Document{}, store.NewOperationError(opGet, "decode_failed", err)
	}
	return doc, nil
}

// Put creates doc or overwrites the revision it names.
func (e *Engine) Put(ctx context.Context, doc documents.Document) (documents.Document, error) {
	db, err := e.handle(ctx)
	if err != nil {
		return documents.Document{}, store.NewOperationError(opPut, "closed", err)
	}
	stored, change, err := e.putTx(db, doc)
	if err != nil {
		return documents.Document{}, err
	}
	e.publish(change)
	return stored, nil
}

func (e *Engine) putTx(db *gorm.DB, doc documents.Document) (documents.Document, store.Change, error) {
	doc = doc.Clone()
	doc.Deleted = false
	if err := doc.Validate(); err != nil {
		return documents.Document{}, store.Change{}, store.NewOperationError(opPut, "invalid_document", err)
	}
	var change store.Change
	txErr := db.Transaction(func(tx *gorm.DB) error {
		existing, err := loadRecord(tx, doc.ID)
		if err != nil {
			e.logError(opPut, "select_failed", err, zap.String("id", doc.ID))
			return store.NewOperationError(opPut, "select_failed", err)
		}
		previous := ""
		if existing != nil {
			previous = existing.Rev
			staleLive := !existing.Deleted && doc.Rev != existing.Rev
			staleTombstone := existing.Deleted && doc.Rev != "" && doc.Rev != existing.Rev
			if staleLive || staleTombstone {
				return store.NewOperationError(opPut, "conflict", fmt.Errorf("%w: %s has %s, got %q", documents.ErrConflict, doc.ID, existing.Rev, doc.Rev))
			}
		}
		doc.Rev = documents.NextRevision(previous)
		change, err = writeRecord(tx, doc, store.OriginLocal)
		if err != nil {
			e.logError(opPut, "write_failed", err, zap.String("id", doc.ID))
			return store.NewOperationError(opPut, "write_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return documents.Document{}, store.Change{}, txErr
	}
	return doc, change, nil
}

// Update applies mutate to the current revision inside one transaction.
func (e *Engine) Update(ctx context.Context, id string, mutate store.Mutator) (documents.Result, error) {
	db, err := e.handle(ctx)
	if err != nil {
		return documents.Result{}, store.NewOperationError(opUpdate, "closed", err)
	}
	var (
		updated documents.Document
		change  store.Change
	)
	txErr := db.Transaction(func(tx *gorm.DB) error {
		existing, err := loadRecord(tx, id)
		if err != nil {
			e.logError(opUpdate, "select_failed", err, zap.String("id", id))
			return store.NewOperationError(opUpdate, "select_failed", err)
		}
		if !isLive(existing) {
			return store.NewOperationError(opUpdate, "not_found", fmt.Errorf("%w: %s", documents.ErrNotFound, id))
		}
		current, err := decodeRecord(*existing)
		if err != nil {
			return store.NewOperationError(opUpdate, "decode_failed", err)
		}
		updated = current.Clone()
		if err := mutate(&updated); err != nil {
			return store.NewOperationError(opUpdate, "mutator_failed", err)
		}
		updated.ID = id
		updated.Deleted = false
		if err := updated.Validate(); err != nil {
			return store.NewOperationError(opUpdate, "invalid_document", err)
		}
		updated.Rev = documents.NextRevision(existing.Rev)
		change, err = writeRecord(tx, updated, store.OriginLocal)
		if err != nil {
			e.logError(opUpdate, "write_failed", err, zap.String("id", id))
			return store.NewOperationError(opUpdate, "write_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return documents.Result{ID: id, Err: txErr}, txErr
	}
	e.publish(change)
	return documents.Result{ID: id, Rev: updated.Rev, OK: true}, nil
}

// Delete tombstones doc. A stale revision is reported as not found.
func (e *Engine) Delete(ctx context.Context, doc documents.Document) (documents.Result, error) {
	db, err := e.handle(ctx)
	if err != nil {
		return documents.Result{}, store.NewOperationError(opDelete, "closed", err)
	}
	result, change, err := e.deleteTx(db, doc, false)
	if err != nil {
		return result, err
	}
	e.publish(change)
	return result, nil
}

func (e *Engine) deleteTx(db *gorm.DB, doc documents.Document, requireRev bool) (documents.Result, store.Change, error) {
	var (
		tombstone documents.Document
		change    store.Change
	)
	txErr := db.Transaction(func(tx *gorm.DB) error {
		existing, err := loadRecord(tx, doc.ID)
		if err != nil {
			e.logError(opDelete, "select_failed", err, zap.String("id", doc.ID))
			return store.NewOperationError(opDelete, "select_failed", err)
		}
		if !isLive(existing) {
			return store.NewOperationError(opDelete, "not_found", fmt.Errorf("%w: %s", documents.ErrNotFound, doc.ID))
		}
		if requireRev && doc.Rev != existing.Rev {
			return store.NewOperationError(opDelete, "conflict", fmt.Errorf("%w: %s has %s, got %q", documents.ErrConflict, doc.ID, existing.Rev, doc.Rev))
		}
		if doc.Rev != "" && doc.Rev != existing.Rev {
			return store.NewOperationError(opDelete, "stale_revision", fmt.Errorf("%w: %s revision %s is stale", documents.ErrNotFound, doc.ID, doc.Rev))
		}
		tombstone = tombstoneOf(*existing)
		change, err = writeRecord(tx, tombstone, store.OriginLocal)
		if err != nil {
			e.logError(opDelete, "write_failed", err, zap.String("id", doc.ID))
			return store.NewOperationError(opDelete, "write_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return documents.Result{ID: doc.ID, Err: txErr}, store.Change{}, txErr
	}
	return documents.Result{ID: doc.ID, Rev: tombstone.Rev, OK: true}, change, nil
}

// BulkWrite applies each document independently; a failure on one does not
// roll back the others. Documents flagged deleted must carry their current
// revision.
func (e *Engine) BulkWrite(ctx context.Context, docs []documents.Document) ([]documents.Result, error) {
	db, err := e.handle(ctx)
	if err != nil {
		return nil, store.NewOperationError(opBulkWrite, "closed", err)
	}
	results := make([]documents.Result, 0, len(docs))
	changes := make([]store.Change, 0, len(docs))
	for _, doc := range docs {
		if doc.Deleted {
			result, change, err := e.deleteTx(db, doc, true)
			if err != nil {
				results = append(results, documents.Result{ID: doc.ID, Err: err})
				continue
			}
			results = append(results, result)
			changes = append(changes, change)
			continue
		}
		stored, change, err := e.putTx(db, doc)
		if err != nil {
			results = append(results, documents.Result{ID: doc.ID, Err: err})
			continue
		}
		results = append(results, documents.Result{ID: stored.ID, Rev: stored.Rev, OK: true})
		changes = append(changes, change)
	}
	e.publish(changes...)
	return results, nil
}

// Find evaluates query against live documents.
func (e *Engine) Find(ctx context.Context, query documents.Query) ([]documents.Document, error) {
	if err := query.Validate(); err != nil {
		return nil, store.NewOperationError(opFind, "invalid_query", err)
	}
	db, err := e.handle(ctx)
	if err != nil {
		return nil, store.NewOperationError(opFind, "closed", err)
	}
	statement := db.Model(&DocumentRecord{}).Where("deleted = ?", false)
	if query.Selector.Type != "" {
		statement = statement.Where("type = ?", string(query.Selector.Type))
	}
	switch query.Selector.Ref.Match {
	case documents.RefAbsent:
		statement = statement.Where("ref IS NULL")
	case documents.RefPresent:
		statement = statement.Where("ref IS NOT NULL")
	case documents.RefEquals:
		statement = statement.Where("ref = ?", query.Selector.Ref.Value)
	}
	if query.Sort != nil {
		column := "id"
		if query.Sort.Field == documents.SortByTS {
			column = "ts"
		}
		direction := "ASC"
		if query.Sort.Descending {
			direction = "DESC"
		}
		statement = statement.Order(column + " " + direction)
		if column != "id" {
			statement = statement.Order("id " + direction)
		}
	}
	if query.Limit > 0 {
		statement = statement.Limit(query.Limit)
	}
	var records []DocumentRecord
	if err := statement.Find(&records).Error; err != nil {
		e.logError(opFind, "query_failed", err)
		return nil, store.NewOperationError(opFind, "query_failed", err)
	}
	return decodeRecords(records)
}

func decodeRecords(records []DocumentRecord) ([]documents.Document, error) {
	docs := make([]documents.Document, 0, len(records))
	for _, record := range records {
		doc, err := decodeRecord(record)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}
