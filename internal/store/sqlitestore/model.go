package sqlitestore

// DocumentRecord is the persisted row of one document id. The indexed columns
// project fields of BodyJSON; a missing ref is stored as NULL.
type DocumentRecord struct {
	ID       string  `gorm:"column:id;primaryKey;size:190;not null"`
	Rev      string  `gorm:"column:rev;size:64;not null"`
	Type     string  `gorm:"column:type;size:16;not null;index:idx_documents_type_ref,priority:1"`
	Ref      *string `gorm:"column:ref;size:190;index:idx_documents_type_ref,priority:2"`
	TS       int64   `gorm:"column:ts;not null;default:0"`
	Deleted  bool    `gorm:"column:deleted;not null;default:false"`
	Origin   string  `gorm:"column:origin;size:16;not null;default:local"`
	Seq      int64   `gorm:"column:seq;not null;index:idx_documents_seq"`
	BodyJSON string  `gorm:"column:body_json;type:text;not null"`
}

// TableName exposes the documents table name.
func (DocumentRecord) TableName() string {
	return "documents"
}

// CheckpointRecord persists replication progress per remote.
type CheckpointRecord struct {
	ReplicationID    string `gorm:"column:replication_id;primaryKey;size:64;not null"`
	PushSeq          int64  `gorm:"column:push_seq;not null;default:0"`
	PullSeq          int64  `gorm:"column:pull_seq;not null;default:0"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName exposes the checkpoint table name.
func (CheckpointRecord) TableName() string {
	return "replication_checkpoints"
}

// Models lists the schema the engine needs migrated.
func Models() []any {
	return []any{&DocumentRecord{}, &CheckpointRecord{}}
}
