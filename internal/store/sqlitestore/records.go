package sqlitestore

import (
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/timetracker/internal/documents"
	"github.com/MarcoPoloResearchLab/timetracker/internal/store"
	json "github.com/goccy/go-json"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func loadRecord(tx *gorm.DB, id string) (*DocumentRecord, error) {
	var record DocumentRecord
	err := tx.Where("id = ?", id).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func nextSeq(tx *gorm.DB) (int64, error) {
	var current int64
	if err := tx.Model(&DocumentRecord{}).Select("COALESCE(MAX(seq), 0)").Scan(&current).Error; err != nil {
		return 0, err
	}
	return current + 1, nil
}

func encodeRecord(doc documents.Document, origin store.Origin, seq int64) (DocumentRecord, error) {
	body, err := json.Marshal(doc)
	if err != nil {
		return DocumentRecord{}, err
	}
	record := DocumentRecord{
		ID:       doc.ID,
		Rev:      doc.Rev,
		Type:     string(doc.Type),
		TS:       doc.TS,
		Deleted:  doc.Deleted,
		Origin:   string(origin),
		Seq:      seq,
		BodyJSON: string(body),
	}
	if doc.Ref != nil {
		ref := *doc.Ref
		record.Ref = &ref
	}
	return record, nil
}

func decodeRecord(record DocumentRecord) (documents.Document, error) {
	var doc documents.Document
	if err := json.Unmarshal([]byte(record.BodyJSON), &doc); err != nil {
		return documents.Document{}, fmt.Errorf("decode %s: %w", record.ID, err)
	}
	doc.ID = record.ID
	doc.Rev = record.Rev
	doc.Deleted = record.Deleted
	return doc, nil
}

// writeRecord stores doc under the next sequence number inside tx.
func writeRecord(tx *gorm.DB, doc documents.Document, origin store.Origin) (store.Change, error) {
	seq, err := nextSeq(tx)
	if err != nil {
		return store.Change{}, err
	}
	record, err := encodeRecord(doc, origin, seq)
	if err != nil {
		return store.Change{}, err
	}
	if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&record).Error; err != nil {
		return store.Change{}, err
	}
	return store.ChangeFor(doc, origin, seq), nil
}

func tombstoneOf(record DocumentRecord) documents.Document {
	tombstone := documents.Document{
		ID:      record.ID,
		Rev:     documents.NextRevision(record.Rev),
		Deleted: true,
		Type:    documents.Type(record.Type),
	}
	if record.Ref != nil {
		tombstone.Ref = documents.Ref(*record.Ref)
	}
	return tombstone
}

func isLive(record *DocumentRecord) bool {
	return record != nil && !record.Deleted
}
