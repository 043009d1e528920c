package cloudstore

import (
	"context"

	"github.com/MarcoPoloResearchLab/timetracker/internal/documents"
	"github.com/MarcoPoloResearchLab/timetracker/internal/store"
)

// ExportAll lists every live remote document.
func (e *Engine) ExportAll(ctx context.Context) ([]documents.Document, error) {
	var docs []documents.Document
	err := e.call(ctx, opExport, func(ctx context.Context) error {
		all, err := e.client.AllDocs(ctx)
		if err != nil {
			return err
		}
		docs = store.LiveOnly(all)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return docs, nil
}

// ImportAll writes docs as new edits, or with their own revisions when
// SkipRevisionCheck is set.
func (e *Engine) ImportAll(ctx context.Context, docs []documents.Document, opts store.ImportOptions) ([]documents.Result, error) {
	return e.bulk(ctx, opImport, docs, !opts.SkipRevisionCheck)
}

// DeleteAllDocuments tombstones every live remote document.
func (e *Engine) DeleteAllDocuments(ctx context.Context) error {
	docs, err := e.ExportAll(ctx)
	if err != nil {
		return err
	}
	tombstones := make([]documents.Document, 0, len(docs))
	for _, doc := range docs {
		tombstones = append(tombstones, documents.Document{ID: doc.ID, Rev: doc.Rev, Type: doc.Type, Deleted: true})
	}
	results, err := e.bulk(ctx, opClear, tombstones, true)
	if err != nil {
		return err
	}
	for _, result := range results {
		if result.Err != nil {
			return store.NewOperationError(opClear, "partial", result.Err)
		}
	}
	e.cache.Clear()
	return nil
}
