package stopwatch

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
	operationPrefix = "stopwatch"
	// DefaultNamePrefix starts the generated name of a new stopwatch.
	DefaultNamePrefix = "Stopwatch #"
)

var errMissingStore = errors.New("stopwatch: document store required")

// RepositoryConfig wires a Repository.
type RepositoryConfig struct {
	Store    store.Documents
	IDs      *documents.IDGenerator
	Location *time.Location
	Logger   *zap.Logger
}

// Repository persists stopwatches and their events.
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
	kit, err := aggregate.NewKit(cfg.Store, documents.TypeStopwatch, operationPrefix, cfg.Logger)
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

// List loads every stopwatch, most recently active first. Archived
// stopwatches come without events.
func (r *Repository) List(ctx context.Context) ([]Stopwatch, error) {
	roots, err := r.kit.Roots(ctx)
	if err != nil {
		return nil, err
	}
	stopwatches := make([]Stopwatch, 0, len(roots))
	for _, root := range roots {
		var events []documents.Document
		if root.ArchivedDurationMs <= 0 {
			if events, _, err = r.kit.Children(ctx, root.ID, 0); err != nil {
				return nil, err
			}
		}
		stopwatches = append(stopwatches, stopwatchFromDocument(root, events))
	}
	sort.SliceStable(stopwatches, func(i, j int) bool {
		return stopwatches[i].LatestTS() > stopwatches[j].LatestTS()
	})
	return stopwatches, nil
}

// FetchOne loads one stopwatch. Events of an archived stopwatch are only
// loaded when ignoreArchive is set.
func (r *Repository) FetchOne(ctx context.Context, id string, ignoreArchive bool) (Stopwatch, error) {
	root, err := r.kit.GetRoot(ctx, id)
	if err != nil {
		return Stopwatch{}, err
	}
	var events []documents.Document
	if ignoreArchive || root.ArchivedDurationMs <= 0 {
		if events, _, err = r.kit.Children(ctx, id, 0); err != nil {
			return Stopwatch{}, err
		}
	}
	return stopwatchFromDocument(root, events), nil
}

// FetchEvent loads one event.
func (r *Repository) FetchEvent(ctx context.Context, id string) (Event, error) {
	doc, err := r.kit.GetChild(ctx, id)
	if err != nil {
		return Event{}, err
	}
	return eventFromDocument(doc), nil
}

// Add creates a running stopwatch: the root and a first start event opening
// a round, both stamped with the same time. An empty name is generated.
func (r *Repository) Add(ctx context.Context, name string) (Stopwatch, error) {
	now := r.ids.Next()
	if name == "" {
		name = aggregate.DefaultName(DefaultNamePrefix, now, r.location)
	}
	root := documents.Document{
		ID:   documents.NewID(documents.TypeStopwatch, now),
		Type: documents.TypeStopwatch,
		Name: name,
	}
	first := Event{
		ID:            documents.NewID(documents.TypeStopwatchEvent, now),
		TS:            now,
		Start:         true,
		RoundBoundary: true,
	}
	storedRoot, storedFirst, err := r.kit.Create(ctx, root, first.document())
	if err != nil {
		return Stopwatch{}, err
	}
	return stopwatchFromDocument(storedRoot, []documents.Document{storedFirst}), nil
}

// AddEvent toggles the stopwatch. Without newRound a single event flips the
// running state. With newRound a running stopwatch is stopped and restarted
// in a new round; a stopped one starts a new round.
func (r *Repository) AddEvent(ctx context.Context, id string, newRound bool) ([]Event, error) {
	current, err := r.FetchOne(ctx, id, true)
	if err != nil {
		return nil, err
	}
	running := current.Running()

	var pending []Event
	if newRound && running {
		pending = append(pending, r.newEvent(id, false, false))
		pending = append(pending, r.newEvent(id, true, true))
	} else {
		pending = append(pending, r.newEvent(id, !running, newRound))
	}

	added := make([]Event, 0, len(pending))
	for _, event := range pending {
		stored, err := r.kit.Store.Put(ctx, event.document())
		if err != nil {
			return added, r.kit.Error("add_event", "put_failed", err)
		}
		added = append(added, eventFromDocument(stored))
	}
	return added, nil
}

func (r *Repository) newEvent(ref string, start, round bool) Event {
	ts := r.ids.Next()
	return Event{
		ID:            documents.NewID(documents.TypeStopwatchEvent, ts),
		Ref:           ref,
		TS:            ts,
		Start:         start,
		RoundBoundary: round,
	}
}

// Rename sets the stopwatch name.
func (r *Repository) Rename(ctx context.Context, id, name string) (Stopwatch, error) {
	if err := r.kit.Rename(ctx, id, name); err != nil {
		return Stopwatch{}, err
	}
	return r.FetchOne(ctx, id, false)
}

// EventPatch lists the editable event fields; nil fields are kept.
type EventPatch struct {
	TS    *int64
	Label *string
}

// UpdateEvent edits the time or label of an event.
func (r *Repository) UpdateEvent(ctx context.Context, id string, patch EventPatch) (Event, error) {
	err := r.kit.UpdateChild(ctx, id, func(doc *documents.Document) error {
		if patch.TS != nil {
			doc.TS = *patch.TS
		}
		if patch.Label != nil {
			doc.Name = *patch.Label
		}
		return nil
	})
	if err != nil {
		return Event{}, err
	}
	return r.FetchEvent(ctx, id)
}

// RemoveEvent deletes one event at its revision.
func (r *Repository) RemoveEvent(ctx context.Context, event Event) (documents.Result, error) {
	return r.kit.RemoveChild(ctx, event.ID, event.Rev)
}

// ToggleArchive archives the stopwatch with elapsedMs as its frozen duration,
// or unarchives it when it is already archived.
func (r *Repository) ToggleArchive(ctx context.Context, id string, elapsedMs int64) (Stopwatch, error) {
	_, err := r.kit.Store.Update(ctx, id, func(doc *documents.Document) error {
		if doc.Type != documents.TypeStopwatch {
			return documents.ErrNotFound
		}
		if doc.ArchivedDurationMs > 0 {
			doc.ArchivedDurationMs = 0
			return nil
		}
		if elapsedMs <= 0 {
			elapsedMs = 1
		}
		doc.ArchivedDurationMs = elapsedMs
		return nil
	})
	if err != nil {
		return Stopwatch{}, r.kit.Error("toggle_archive", "update_failed", err)
	}
	return r.FetchOne(ctx, id, false)
}

// Delete removes the stopwatch and all of its events.
func (r *Repository) Delete(ctx context.Context, id string) (aggregate.DeleteReport, error) {
	return r.kit.Delete(ctx, id)
}
