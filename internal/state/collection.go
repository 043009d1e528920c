// Package state projects the repositories into in-memory collections that
// callers can snapshot and subscribe to.
package state

import (
	"context"
	"sort"
	"sync"

	"github.com/MarcoPoloResearchLab/timetracker/internal/pubsub"
)

const snapshotBuffer = 8

// Snapshot is an immutable view of a collection.
type Snapshot[T any] struct {
	Items []T
	// Loading is set while a targeted operation is in flight.
	Loading bool
	// LoadingAll is set while a full load is in flight.
	LoadingAll bool
	// Loaded is set once a full load has completed.
	Loaded bool
}

// Collection holds one aggregate list. After the first full load every change
// is applied per id; refresh results are reconciled against entries mutated
// while the refresh was in flight.
type Collection[T any] struct {
	key  func(T) string
	less func(a, b T) bool

	mu         sync.RWMutex
	items      []T
	loading    int
	loadingAll int
	loaded     bool
	generation uint64
	touched    map[string]uint64
	updates    *pubsub.Dispatcher[Snapshot[T]]
}

// NewCollection builds an empty collection. less orders items; nil keeps
// insertion order with new items first.
func NewCollection[T any](key func(T) string, less func(a, b T) bool) *Collection[T] {
	return &Collection[T]{
		key:     key,
		less:    less,
		touched: make(map[string]uint64),
		updates: pubsub.NewDispatcher[Snapshot[T]](snapshotBuffer),
	}
}

// Snapshot returns the current state.
func (c *Collection[T]) Snapshot() Snapshot[T] {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshotLocked()
}

func (c *Collection[T]) snapshotLocked() Snapshot[T] {
	return Snapshot[T]{
		Items:      append([]T(nil), c.items...),
		Loading:    c.loading > 0,
		LoadingAll: c.loadingAll > 0,
		Loaded:     c.loaded,
	}
}

// Subscribe streams a snapshot after every change. A subscriber that falls
// behind misses snapshots and should read Snapshot when TakeDropped is set.
func (c *Collection[T]) Subscribe(ctx context.Context) *pubsub.Subscription[Snapshot[T]] {
	return c.updates.Subscribe(ctx)
}

// Find returns the item with id.
func (c *Collection[T]) Find(id string) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if index := c.indexLocked(id); index >= 0 {
		return c.items[index], true
	}
	var zero T
	return zero, false
}

// Loaded reports whether a full load completed.
func (c *Collection[T]) Loaded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loaded
}

// Close ends every subscription.
func (c *Collection[T]) Close() {
	c.updates.Close()
}

func (c *Collection[T]) indexLocked(id string) int {
	for index, item := range c.items {
		if c.key(item) == id {
			return index
		}
	}
	return -1
}

func (c *Collection[T]) publishLocked() {
	c.updates.Publish(c.snapshotLocked())
}

func (c *Collection[T]) sortLocked() {
	if c.less == nil {
		return
	}
	sort.SliceStable(c.items, func(i, j int) bool { return c.less(c.items[i], c.items[j]) })
}

func (c *Collection[T]) beginTargeted() {
	c.mu.Lock()
	c.loading++
	c.publishLocked()
	c.mu.Unlock()
}

func (c *Collection[T]) endTargeted() {
	c.mu.Lock()
	c.loading--
	c.publishLocked()
	c.mu.Unlock()
}

// beginRefresh marks a full load and returns the generation it started at.
func (c *Collection[T]) beginRefresh() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loadingAll++
	c.publishLocked()
	return c.generation
}

// finishRefresh installs fetched unless err is set. Entries upserted or
// removed after started keep their newer local state.
func (c *Collection[T]) finishRefresh(started uint64, fetched []T, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loadingAll--
	if err == nil {
		c.items = c.reconcileLocked(started, fetched)
		c.loaded = true
		c.sortLocked()
	}
	if c.loadingAll == 0 {
		c.touched = make(map[string]uint64)
	}
	c.publishLocked()
}

func (c *Collection[T]) reconcileLocked(started uint64, fetched []T) []T {
	current := make(map[string]T, len(c.items))
	for _, item := range c.items {
		current[c.key(item)] = item
	}
	merged := make([]T, 0, len(fetched))
	seen := make(map[string]struct{}, len(fetched))
	for _, item := range fetched {
		id := c.key(item)
		seen[id] = struct{}{}
		if generation, ok := c.touched[id]; ok && generation > started {
			if local, present := current[id]; present {
				merged = append(merged, local)
			}
			continue
		}
		merged = append(merged, item)
	}
	for id, generation := range c.touched {
		if generation <= started {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		if local, present := current[id]; present {
			merged = append([]T{local}, merged...)
		}
	}
	return merged
}

func (c *Collection[T]) upsert(item T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.key(item)
	c.generation++
	c.touched[id] = c.generation
	if index := c.indexLocked(id); index >= 0 {
		c.items[index] = item
	} else {
		c.items = append([]T{item}, c.items...)
	}
	c.sortLocked()
	c.publishLocked()
}

func (c *Collection[T]) remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	c.touched[id] = c.generation
	if index := c.indexLocked(id); index >= 0 {
		c.items = append(c.items[:index:index], c.items[index+1:]...)
	}
	c.publishLocked()
}
