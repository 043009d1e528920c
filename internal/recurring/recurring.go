// Package recurring implements the recurring timer aggregate: a named root
// whose children are the moments the recurring event happened.
package recurring

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/MarcoPoloResearchLab/timetracker/internal/aggregate"
	"github.com/MarcoPoloResearchLab/timetracker/internal/documents"
	"github.com/MarcoPoloResearchLab/timetracker/internal/store"
	"go.uber.org/zap"
)

const (
	operationPrefix = "recurring"
	// DefaultLimit bounds the timestamps loaded per timer.
	DefaultLimit = 10
	// DefaultNamePrefix starts the generated name of a new timer.
	DefaultNamePrefix = "Last #"
)

var errMissingStore = errors.New("recurring: document store required")

// Timestamp is one occurrence.
type Timestamp struct {
	ID    string
	Rev   string
	Ref   string
	TS    int64
	Label string
}

// Timer is a root with its newest timestamps first. HasMore reports that
// older timestamps exist beyond the loaded ones.
type Timer struct {
	ID         string
	Rev        string
	Name       string
	Timestamps []Timestamp
	HasMore    bool
}

// Latest returns the newest timestamp.
func (t Timer) Latest() (Timestamp, bool) {
	if len(t.Timestamps) == 0 {
		return Timestamp{}, false
	}
	return t.Timestamps[0], true
}

// Times lists the loaded timestamp values, newest first.
func (t Timer) Times() []int64 {
	times := make([]int64, 0, len(t.Timestamps))
	for _, timestamp := range t.Timestamps {
		times = append(times, timestamp.TS)
	}
	return times
}

func (t Timer) sortKey() int64 {
	if latest, ok := t.Latest(); ok {
		return latest.TS
	}
	created, _ := documents.TimestampFromID(t.ID)
	return created
}

func timestampFromDocument(doc documents.Document) Timestamp {
	return Timestamp{ID: doc.ID, Rev: doc.Rev, Ref: doc.RefValue(), TS: doc.TS, Label: doc.Label}
}

func timerFromDocument(doc documents.Document, children []documents.Document, hasMore bool) Timer {
	timestamps := make([]Timestamp, 0, len(children))
	for _, child := range children {
		timestamps = append(timestamps, timestampFromDocument(child))
	}
	return Timer{ID: doc.ID, Rev: doc.Rev, Name: doc.Name, Timestamps: timestamps, HasMore: hasMore}
}

// RepositoryConfig wires a Repository.
type RepositoryConfig struct {
	Store    store.Documents
	IDs      *documents.IDGenerator
	Location *time.Location
	Logger   *zap.Logger
}

// Repository persists recurring timers and their timestamps.
type Repository struct {
	kit      aggregate.Kit
	ids      *documents.IDGenerator
	location *time.Location
}

// NewRepository validates cfg.
func NewRepository(cfg RepositoryConfig) (*Repository, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	kit, err := aggregate.NewKit(cfg.Store, documents.TypeRecurringTimer, operationPrefix, cfg.Logger)
	if err != nil {
		return nil, err
	}
	ids := cfg.IDs
	if ids == nil {
		ids = documents.NewIDGenerator(nil)
	}
	location := cfg.Location
	if location == nil {
		location = time.Local
	}
	return &Repository{kit: kit, ids: ids, location: location}, nil
}

// List loads every timer with its DefaultLimit newest timestamps, the most
// recently touched timer first.
func (r *Repository) List(ctx context.Context) ([]Timer, error) {
	roots, err := r.kit.Roots(ctx)
	if err != nil {
		return nil, err
	}
	timers := make([]Timer, 0, len(roots))
	for _, root := range roots {
		children, hasMore, err := r.kit.Children(ctx, root.ID, DefaultLimit)
		if err != nil {
			return nil, err
		}
		timers = append(timers, timerFromDocument(root, children, hasMore))
	}
	sort.SliceStable(timers, func(i, j int) bool {
		return timers[i].sortKey() > timers[j].sortKey()
	})
	return timers, nil
}

// FetchOne loads one timer with at most limit timestamps; limit <= 0 loads
// all of them.
func (r *Repository) FetchOne(ctx context.Context, id string, limit int) (Timer, error) {
	root, err := r.kit.GetRoot(ctx, id)
	if err != nil {
		return Timer{}, err
	}
	children, hasMore, err := r.kit.Children(ctx, id, limit)
	if err != nil {
		return Timer{}, err
	}
	return timerFromDocument(root, children, hasMore), nil
}

// FetchTimestamp loads one timestamp.
func (r *Repository) FetchTimestamp(ctx context.Context, id string) (Timestamp, error) {
	doc, err := r.kit.GetChild(ctx, id)
	if err != nil {
		return Timestamp{}, err
	}
	return timestampFromDocument(doc), nil
}

// Add creates a timer together with its first timestamp. An empty name is
// generated from the creation time.
func (r *Repository) Add(ctx context.Context, name string) (Timer, error) {
	now := r.ids.Next()
	if name == "" {
		name = aggregate.DefaultName(DefaultNamePrefix, now, r.location)
	}
	root := documents.Document{
		ID:   documents.NewID(documents.TypeRecurringTimer, now),
		Type: documents.TypeRecurringTimer,
		Name: name,
	}
	first := documents.Document{
		ID:   documents.NewID(documents.TypeRecurringTimestamp, now),
		Type: documents.TypeRecurringTimestamp,
		TS:   now,
	}
	storedRoot, storedFirst, err := r.kit.Create(ctx, root, first)
	if err != nil {
		return Timer{}, err
	}
	return timerFromDocument(storedRoot, []documents.Document{storedFirst}, false), nil
}

// Touch records an occurrence now.
func (r *Repository) Touch(ctx context.Context, id string) (Timestamp, error) {
	return r.TouchAt(ctx, id, 0)
}

// TouchAt records an occurrence at ts; ts <= 0 means now.
func (r *Repository) TouchAt(ctx context.Context, id string, ts int64) (Timestamp, error) {
	if _, err := r.kit.GetRoot(ctx, id); err != nil {
		return Timestamp{}, err
	}
	minted := r.ids.Next()
	if ts <= 0 {
		ts = minted
	}
	stored, err := r.kit.Store.Put(ctx, documents.Document{
		ID:   documents.NewID(documents.TypeRecurringTimestamp, minted),
		Type: documents.TypeRecurringTimestamp,
		Ref:  documents.Ref(id),
		TS:   ts,
	})
	if err != nil {
		return Timestamp{}, r.kit.Error("touch", "put_failed", err)
	}
	return timestampFromDocument(stored), nil
}

// Rename sets the timer name.
func (r *Repository) Rename(ctx context.Context, id, name string) (Timer, error) {
	if err := r.kit.Rename(ctx, id, name); err != nil {
		return Timer{}, err
	}
	return r.FetchOne(ctx, id, DefaultLimit)
}

// TimestampPatch lists the editable timestamp fields; nil fields are kept.
type TimestampPatch struct {
	TS    *int64
	Label *string
}

// UpdateTimestamp edits the time or label of a timestamp.
func (r *Repository) UpdateTimestamp(ctx context.Context, id string, patch TimestampPatch) (Timestamp, error) {
	err := r.kit.UpdateChild(ctx, id, func(doc *documents.Document) error {
		if patch.TS != nil {
			doc.TS = *patch.TS
		}
		if patch.Label != nil {
			doc.Label = *patch.Label
		}
		return nil
	})
	if err != nil {
		return Timestamp{}, err
	}
	return r.FetchTimestamp(ctx, id)
}

// RemoveTimestamp deletes one timestamp at its revision.
func (r *Repository) RemoveTimestamp(ctx context.Context, timestamp Timestamp) (documents.Result, error) {
	return r.kit.RemoveChild(ctx, timestamp.ID, timestamp.Rev)
}

// Delete removes the timer and all of its timestamps.
func (r *Repository) Delete(ctx context.Context, id string) (aggregate.DeleteReport, error) {
	return r.kit.Delete(ctx, id)
}
