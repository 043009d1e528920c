// Package store defines the document store contract shared by the local-first
// replicating engine and the cloud-hosted engine.
package store

import (
	"context"

	"github.com/MarcoPoloResearchLab/timetracker/internal/documents"
	"github.com/MarcoPoloResearchLab/timetracker/internal/pubsub"
)

// Mutator edits a document in place during Update. It must not call back into
// the store.
type Mutator func(doc *documents.Document) error

// Reader serves point reads and selector queries over live documents.
type Reader interface {
	Get(ctx context.Context, id string) (documents.Document, error)
	Find(ctx context.Context, query documents.Query) ([]documents.Document, error)
}

// Writer mutates documents. Every successful write emits a Change after it is
// durably committed.
type Writer interface {
	Put(ctx context.Context, doc documents.Document) (documents.Document, error)
	Update(ctx context.Context, id string, mutate Mutator) (documents.Result, error)
	BulkWrite(ctx context.Context, docs []documents.Document) ([]documents.Result, error)
	Delete(ctx context.Context, doc documents.Document) (documents.Result, error)
}

// Documents is the subset repositories depend on.
type Documents interface {
	Reader
	Writer
}

// Syncer controls replication with the remote peer.
type Syncer interface {
	EnableSync(ctx context.Context) error
	DisableSync()
	SyncStatus() SyncStatus
	SubscribeSync(ctx context.Context) *pubsub.Subscription[SyncEvent]
}

// ImportOptions tune ImportAll.
type ImportOptions struct {
	// SkipRevisionCheck stores documents with the revisions they carry instead
	// of treating them as new edits.
	SkipRevisionCheck bool
}

// Maintenance covers whole-database operations.
type Maintenance interface {
	ExportAll(ctx context.Context) ([]documents.Document, error)
	ImportAll(ctx context.Context, docs []documents.Document, opts ImportOptions) ([]documents.Result, error)
	DeleteAllDocuments(ctx context.Context) error
	EstimateStorageUsage(ctx context.Context) (Usage, error)
}

// Store is the full engine contract.
type Store interface {
	Open(ctx context.Context) error
	Close() error
	Subscribe(ctx context.Context) *pubsub.Subscription[Change]
	Documents
	Syncer
	Maintenance
}

// Origin tells whether a change was written locally or pulled from the remote.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

// Change describes one committed write.
type Change struct {
	ID      string
	Rev     string
	Type    documents.Type
	Deleted bool
	Origin  Origin
	Seq     int64
}

// ChangeFor builds the change event of a stored document.
func ChangeFor(doc documents.Document, origin Origin, seq int64) Change {
	kind := doc.Type
	if kind == "" {
		kind, _ = documents.TypeFromID(doc.ID)
	}
	return Change{ID: doc.ID, Rev: doc.Rev, Type: kind, Deleted: doc.Deleted, Origin: origin, Seq: seq}
}

// Entry is a document state at a change sequence.
type Entry struct {
	Seq      int64
	Document documents.Document
}
