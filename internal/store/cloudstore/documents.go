package cloudstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/timetracker/internal/documents"
	"github.com/MarcoPoloResearchLab/timetracker/internal/store"
	"go.uber.org/zap"
)

// Get serves id from the read cache or the remote.
func (e *Engine) Get(ctx context.Context, id string) (documents.Document, error) {
	if doc, ok := e.cached(id); ok {
		if err := e.ready(opGet); err != nil {
			return documents.Document{}, err
		}
		return doc, nil
	}
	var doc documents.Document
	err := e.call(ctx, opGet, func(ctx context.Context) error {
		fetched, err := e.client.Get(ctx, id)
		if err != nil {
			return err
		}
		doc = fetched
		return nil
	})
	if err != nil {
		return documents.Document{}, err
	}
	e.remember(doc)
	return doc, nil
}

// Find runs query on the remote.
func (e *Engine) Find(ctx context.Context, query documents.Query) ([]documents.Document, error) {
	if err := query.Validate(); err != nil {
		return nil, store.NewOperationError(opFind, "invalid_query", err)
	}
	var docs []documents.Document
	err := e.call(ctx, opFind, func(ctx context.Context) error {
		found, err := e.client.Find(ctx, query)
		if err != nil {
			return err
		}
		docs = found
		return nil
	})
	if err != nil {
		return nil, err
	}
	return docs, nil
}

// Put stores doc as a new edit of the revision it carries.
func (e *Engine) Put(ctx context.Context, doc documents.Document) (documents.Document, error) {
	if err := doc.Validate(); err != nil {
		return documents.Document{}, store.NewOperationError(opPut, "invalid_document", err)
	}
	var stored documents.Document
	err := e.call(ctx, opPut, func(ctx context.Context) error {
		written, err := e.client.Put(ctx, doc)
		if err != nil {
			return err
		}
		stored = written
		return nil
	})
	if err != nil {
		e.forget(doc.ID)
		return documents.Document{}, err
	}
	e.remember(stored)
	e.publish(stored, store.OriginLocal)
	return stored, nil
}

// Update reads the current revision, applies mutate and writes the result,
// retrying when another writer got in between.
func (e *Engine) Update(ctx context.Context, id string, mutate store.Mutator) (documents.Result, error) {
	var lastErr error
	for attempt := 0; attempt < updateAttempts; attempt++ {
		e.forget(id)
		current, err := e.Get(ctx, id)
		if err != nil {
			return documents.Result{ID: id, Err: err}, err
		}
		updated := current.Clone()
		if err := mutate(&updated); err != nil {
			wrapped := store.NewOperationError(opUpdate, "mutator_failed", err)
			return documents.Result{ID: id, Err: wrapped}, wrapped
		}
		updated.ID = id
		updated.Rev = current.Rev
		updated.Deleted = false
		stored, err := e.Put(ctx, updated)
		if err == nil {
			return documents.Result{ID: id, Rev: stored.Rev, OK: true}, nil
		}
		if !errors.Is(err, documents.ErrConflict) {
			return documents.Result{ID: id, Err: err}, err
		}
		lastErr = err
		e.logger.Debug("update conflict, retrying", zap.String("id", id), zap.Int("attempt", attempt+1))
	}
	wrapped := store.NewOperationError(opUpdate, "conflict", lastErr)
	return documents.Result{ID: id, Err: wrapped}, wrapped
}

// Delete tombstones doc. An empty revision deletes the current one; a stale
// revision reports not found.
func (e *Engine) Delete(ctx context.Context, doc documents.Document) (documents.Result, error) {
	rev := doc.Rev
	if rev == "" {
		e.forget(doc.ID)
		current, err := e.Get(ctx, doc.ID)
		if err != nil {
			return documents.Result{ID: doc.ID, Err: err}, err
		}
		rev = current.Rev
	}
	var result documents.Result
	err := e.call(ctx, opDelete, func(ctx context.Context) error {
		deleted, err := e.client.Delete(ctx, doc.ID, rev)
		if err != nil {
			return err
		}
		result = deleted
		return nil
	})
	e.forget(doc.ID)
	if err != nil {
		if errors.Is(err, documents.ErrConflict) {
			stale := store.NewOperationError(opDelete, "stale_revision", fmt.Errorf("%w: %s revision %s is stale", documents.ErrNotFound, doc.ID, rev))
			return documents.Result{ID: doc.ID, Err: stale}, stale
		}
		return documents.Result{ID: doc.ID, Err: err}, err
	}
	e.publish(documents.Document{ID: doc.ID, Rev: result.Rev, Type: doc.Type, Deleted: true}, store.OriginLocal)
	return result, nil
}

// BulkWrite sends docs in one request; per-document failures are reported in
// the results.
func (e *Engine) BulkWrite(ctx context.Context, docs []documents.Document) ([]documents.Result, error) {
	return e.bulk(ctx, opBulk, docs, true)
}

func (e *Engine) bulk(ctx context.Context, operation string, docs []documents.Document, newEdits bool) ([]documents.Result, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	var results []documents.Result
	err := e.call(ctx, operation, func(ctx context.Context) error {
		written, err := e.client.BulkDocs(ctx, docs, newEdits)
		if err != nil {
			return err
		}
		results = written
		return nil
	})
	for _, doc := range docs {
		e.forget(doc.ID)
	}
	if err != nil {
		return nil, err
	}
	byID := make(map[string]documents.Document, len(docs))
	for _, doc := range docs {
		byID[doc.ID] = doc
	}
	for _, result := range results {
		if !result.OK {
			continue
		}
		doc := byID[result.ID]
		doc.Rev = result.Rev
		e.publish(doc, store.OriginLocal)
	}
	return results, nil
}

// ready reports whether cached reads may be served.
func (e *Engine) ready(operation string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.open {
		return store.NewOperationError(operation, "closed", store.ErrClosed)
	}
	if !e.online {
		return store.NewOperationError(operation, "offline", store.ErrOffline)
	}
	return nil
}
