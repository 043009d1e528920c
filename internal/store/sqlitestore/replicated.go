package sqlitestore

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/timetracker/internal/documents"
	"github.com/MarcoPoloResearchLab/timetracker/internal/replication"
	"github.com/MarcoPoloResearchLab/timetracker/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ApplyReplicated stores documents with the revisions they carry. An incoming
// revision replaces the stored one only when it wins CompareRevisions; equal
// revisions are no-ops. Documents without a revision get a fresh one.
func (e *Engine) ApplyReplicated(ctx context.Context, docs []documents.Document, origin store.Origin) ([]documents.Result, error) {
	db, err := e.handle(ctx)
	if err != nil {
		return nil, store.NewOperationError(opApply, "closed", err)
	}
	results := make([]documents.Result, 0, len(docs))
	changes := make([]store.Change, 0, len(docs))
	for _, incoming := range docs {
		doc := incoming.Clone()
		if err := doc.Validate(); err != nil {
			results = append(results, documents.Result{ID: doc.ID, Err: store.NewOperationError(opApply, "invalid_document", err)})
			continue
		}
		var (
			change  store.Change
			written bool
		)
		txErr := db.Transaction(func(tx *gorm.DB) error {
			existing, err := loadRecord(tx, doc.ID)
			if err != nil {
				return err
			}
			if doc.Rev == "" {
				previous := ""
				if existing != nil {
					previous = existing.Rev
				}
				doc.Rev = documents.NextRevision(previous)
			}
			if existing != nil && documents.CompareRevisions(doc.Rev, existing.Rev) <= 0 {
				doc.Rev = existing.Rev
				return nil
			}
			change, err = writeRecord(tx, doc, origin)
			written = err == nil
			return err
		})
		if txErr != nil {
			e.logError(opApply, "write_failed", txErr, zap.String("id", doc.ID))
			results = append(results, documents.Result{ID: doc.ID, Err: store.NewOperationError(opApply, "write_failed", txErr)})
			continue
		}
		results = append(results, documents.Result{ID: doc.ID, Rev: doc.Rev, OK: true})
		if written {
			changes = append(changes, change)
		}
	}
	e.publish(changes...)
	return results, nil
}

// LocalChanges lists locally written documents after since, oldest first.
func (e *Engine) LocalChanges(ctx context.Context, since int64, limit int) ([]store.Entry, error) {
	return e.changesSince(ctx, since, limit, true)
}

// ChangesSince lists every document written after since, oldest first.
func (e *Engine) ChangesSince(ctx context.Context, since int64, limit int) ([]store.Entry, error) {
	return e.changesSince(ctx, since, limit, false)
}

func (e *Engine) changesSince(ctx context.Context, since int64, limit int, localOnly bool) ([]store.Entry, error) {
	db, err := e.handle(ctx)
	if err != nil {
		return nil, store.NewOperationError(opChanges, "closed", err)
	}
	statement := db.Model(&DocumentRecord{}).Where("seq > ?", since)
	if localOnly {
		statement = statement.Where("origin = ?", string(store.OriginLocal))
	}
	statement = statement.Order("seq ASC")
	if limit > 0 {
		statement = statement.Limit(limit)
	}
	var records []DocumentRecord
	if err := statement.Find(&records).Error; err != nil {
		e.logError(opChanges, "query_failed", err)
		return nil, store.NewOperationError(opChanges, "query_failed", err)
	}
	entries := make([]store.Entry, 0, len(records))
	for _, record := range records {
		doc, err := decodeRecord(record)
		if err != nil {
			return nil, store.NewOperationError(opChanges, "decode_failed", err)
		}
		entries = append(entries, store.Entry{Seq: record.Seq, Document: doc})
	}
	return entries, nil
}

// UpdateSeq returns the latest committed sequence number.
func (e *Engine) UpdateSeq(ctx context.Context) (int64, error) {
	db, err := e.handle(ctx)
	if err != nil {
		return 0, store.NewOperationError(opChanges, "closed", err)
	}
	current, err := nextSeq(db)
	if err != nil {
		return 0, store.NewOperationError(opChanges, "query_failed", err)
	}
	return current - 1, nil
}

// DocumentCount returns the number of live documents.
func (e *Engine) DocumentCount(ctx context.Context) (int64, error) {
	db, err := e.handle(ctx)
	if err != nil {
		return 0, store.NewOperationError(opChanges, "closed", err)
	}
	var count int64
	if err := db.Model(&DocumentRecord{}).Where("deleted = ?", false).Count(&count).Error; err != nil {
		return 0, store.NewOperationError(opChanges, "count_failed", err)
	}
	return count, nil
}

// LoadCheckpoint returns the stored checkpoint or a zero one.
func (e *Engine) LoadCheckpoint(ctx context.Context, replicationID string) (replication.Checkpoint, error) {
	db, err := e.handle(ctx)
	if err != nil {
		return replication.Checkpoint{}, store.NewOperationError(opCheckpoint, "closed", err)
	}
	var record CheckpointRecord
	err = db.Where("replication_id = ?", replicationID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return replication.Checkpoint{ReplicationID: replicationID}, nil
	}
	if err != nil {
		return replication.Checkpoint{}, store.NewOperationError(opCheckpoint, "select_failed", err)
	}
	return replication.Checkpoint{ReplicationID: replicationID, PushSeq: record.PushSeq, PullSeq: record.PullSeq}, nil
}

// SaveCheckpoint persists replication progress.
func (e *Engine) SaveCheckpoint(ctx context.Context, checkpoint replication.Checkpoint) error {
	db, err := e.handle(ctx)
	if err != nil {
		return store.NewOperationError(opCheckpoint, "closed", err)
	}
	record := CheckpointRecord{
		ReplicationID:    checkpoint.ReplicationID,
		PushSeq:          checkpoint.PushSeq,
		PullSeq:          checkpoint.PullSeq,
		UpdatedAtSeconds: e.clock().UTC().Unix(),
	}
	if err := db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&record).Error; err != nil {
		return store.NewOperationError(opCheckpoint, "write_failed", err)
	}
	return nil
}

var _ replication.LocalPeer = (*Engine)(nil)
