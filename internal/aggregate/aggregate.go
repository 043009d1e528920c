// Package aggregate holds the document plumbing shared by the root/children
// repositories: root listing, child fetching with truncation, two-step
// creation with compensation and cascading deletion.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/timetracker/internal/documents"
	"github.com/MarcoPoloResearchLab/timetracker/internal/store"
	"go.uber.org/zap"
)

// ErrPartialDelete reports children left behind by a cascading delete.
var ErrPartialDelete = errors.New("aggregate: some children were not deleted")

// DefaultNameLayout renders creation times in generated names.
const DefaultNameLayout = "2006-01-02T15:04:05.000"

// Kit binds a store to one root type.
type Kit struct {
	Store     store.Documents
	Root      documents.Type
	Child     documents.Type
	Operation string
	Logger    *zap.Logger
}

// NewKit validates the store and derives the child type of root.
func NewKit(st store.Documents, root documents.Type, operation string, logger *zap.Logger) (Kit, error) {
	if st == nil {
		return Kit{}, fmt.Errorf("%s: document store required", operation)
	}
	child, ok := root.ChildType()
	if !ok {
		return Kit{}, fmt.Errorf("%s: %s is not a root type", operation, root)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return Kit{Store: st, Root: root, Child: child, Operation: operation, Logger: logger}, nil
}

// Roots lists live roots newest id first. Documents carrying a ref are never
// returned, whatever their type.
func (k Kit) Roots(ctx context.Context) ([]documents.Document, error) {
	roots, err := k.Store.Find(ctx, documents.Query{
		Selector: documents.Selector{Type: k.Root, Ref: documents.RefMissing()},
		Sort:     &documents.Sort{Field: documents.SortByID, Descending: true},
	})
	if err != nil {
		return nil, k.Error("list", "find_failed", err)
	}
	filtered := roots[:0]
	for _, root := range roots {
		if root.HasRef() {
			continue
		}
		filtered = append(filtered, root)
	}
	return filtered, nil
}

// GetRoot loads one root and checks its type.
func (k Kit) GetRoot(ctx context.Context, id string) (documents.Document, error) {
	doc, err := k.Store.Get(ctx, id)
	if err != nil {
		return documents.Document{}, k.Error("get", "get_failed", err)
	}
	if doc.Type != k.Root {
		return documents.Document{}, k.Error("get", "wrong_type", fmt.Errorf("%w: %s is not a %s", documents.ErrNotFound, id, k.Root))
	}
	return doc, nil
}

// GetChild loads one child and checks its type.
func (k Kit) GetChild(ctx context.Context, id string) (documents.Document, error) {
	doc, err := k.Store.Get(ctx, id)
	if err != nil {
		return documents.Document{}, k.Error("get_child", "get_failed", err)
	}
	if doc.Type != k.Child {
		return documents.Document{}, k.Error("get_child", "wrong_type", fmt.Errorf("%w: %s is not a %s", documents.ErrNotFound, id, k.Child))
	}
	return doc, nil
}

// Children loads the children of rootID newest ts first. With limit > 0 at
// most limit children are returned and the flag reports whether more exist.
func (k Kit) Children(ctx context.Context, rootID string, limit int) ([]documents.Document, bool, error) {
	query := documents.Query{
		Selector: documents.Selector{Type: k.Child, Ref: documents.RefIs(rootID)},
		Sort:     &documents.Sort{Field: documents.SortByTS, Descending: true},
	}
	if limit > 0 {
		query.Limit = limit + 1
	}
	children, err := k.Store.Find(ctx, query)
	if err != nil {
		return nil, false, k.Error("children", "find_failed", err)
	}
	sort.SliceStable(children, func(i, j int) bool {
		if children[i].TS != children[j].TS {
			return children[i].TS > children[j].TS
		}
		return children[i].ID > children[j].ID
	})
	if limit > 0 && len(children) > limit {
		return children[:limit], true, nil
	}
	return children, false, nil
}

// Create writes root then its first child. When the child write fails the
// root is deleted again so no childless aggregate is left behind.
func (k Kit) Create(ctx context.Context, root, child documents.Document) (documents.Document, documents.Document, error) {
	storedRoot, err := k.Store.Put(ctx, root)
	if err != nil {
		return documents.Document{}, documents.Document{}, k.Error("add", "root_failed", err)
	}
	child.Ref = documents.Ref(storedRoot.ID)
	storedChild, err := k.Store.Put(ctx, child)
	if err != nil {
		if _, undoErr := k.Store.Delete(ctx, storedRoot); undoErr != nil {
			k.Logger.Error("aggregate compensation failed",
				zap.String("operation", k.Operation),
				zap.String("id", storedRoot.ID),
				zap.Error(undoErr))
		}
		return documents.Document{}, documents.Document{}, k.Error("add", "child_failed", err)
	}
	return storedRoot, storedChild, nil
}

// DeleteReport describes a cascading delete.
type DeleteReport struct {
	Root     documents.Result
	Children []documents.Result
	Failed   int
}

// Delete tombstones the root and then every child, loaded without limit.
// Child failures are collected; the returned error wraps ErrPartialDelete.
func (k Kit) Delete(ctx context.Context, id string) (DeleteReport, error) {
	root, err := k.GetRoot(ctx, id)
	if err != nil {
		return DeleteReport{}, err
	}
	children, _, err := k.Children(ctx, id, 0)
	if err != nil {
		return DeleteReport{}, err
	}
	rootResult, err := k.Store.Delete(ctx, root)
	if err != nil {
		return DeleteReport{Root: rootResult}, k.Error("delete", "root_failed", err)
	}
	report := DeleteReport{Root: rootResult}
	if len(children) == 0 {
		return report, nil
	}

	tombstones := make([]documents.Document, 0, len(children))
	for _, child := range children {
		tombstones = append(tombstones, documents.Document{ID: child.ID, Rev: child.Rev, Deleted: true})
	}
	results, err := k.Store.BulkWrite(ctx, tombstones)
	if err != nil {
		report.Failed = len(tombstones)
		return report, k.Error("delete", "children_failed", fmt.Errorf("%w: %v", ErrPartialDelete, err))
	}
	report.Children = results
	for _, result := range results {
		if result.Err != nil {
			report.Failed++
			k.Logger.Warn("child delete failed",
				zap.String("operation", k.Operation),
				zap.String("id", result.ID),
				zap.Error(result.Err))
		}
	}
	if report.Failed > 0 {
		return report, k.Error("delete", "children_failed", fmt.Errorf("%w: %d of %d", ErrPartialDelete, report.Failed, len(tombstones)))
	}
	return report, nil
}

// Rename sets the root name.
func (k Kit) Rename(ctx context.Context, id, name string) error {
	if name == "" {
		return k.Error("rename", "invalid_name", fmt.Errorf("%w: name must not be empty", documents.ErrValidation))
	}
	_, err := k.Store.Update(ctx, id, func(doc *documents.Document) error {
		if doc.Type != k.Root {
			return fmt.Errorf("%w: %s is not a %s", documents.ErrNotFound, id, k.Root)
		}
		doc.Name = name
		return nil
	})
	if err != nil {
		return k.Error("rename", "update_failed", err)
	}
	return nil
}

// UpdateChild applies mutate to a child of this kit's type.
func (k Kit) UpdateChild(ctx context.Context, id string, mutate store.Mutator) error {
	_, err := k.Store.Update(ctx, id, func(doc *documents.Document) error {
		if doc.Type != k.Child {
			return fmt.Errorf("%w: %s is not a %s", documents.ErrNotFound, id, k.Child)
		}
		return mutate(doc)
	})
	if err != nil {
		return k.Error("update_child", "update_failed", err)
	}
	return nil
}

// RemoveChild tombstones one child at rev.
func (k Kit) RemoveChild(ctx context.Context, id, rev string) (documents.Result, error) {
	result, err := k.Store.Delete(ctx, documents.Document{ID: id, Rev: rev})
	if err != nil {
		return result, k.Error("remove_child", "delete_failed", err)
	}
	return result, nil
}

// DefaultName renders a generated aggregate name.
func DefaultName(prefix string, ms int64, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	return prefix + time.UnixMilli(ms).In(loc).Format(DefaultNameLayout)
}

// Error wraps err with this kit's operation code.
func (k Kit) Error(action, reason string, err error) error {
	var coded *store.OperationError
	if errors.As(err, &coded) && strings.HasPrefix(coded.Code(), k.Operation+".") {
		return err
	}
	return store.NewOperationError(k.Operation+"."+action, reason, err)
}
