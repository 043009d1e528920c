package store

import "time"

// SyncEventKind enumerates replication lifecycle events.
type SyncEventKind string

const (
	SyncActive   SyncEventKind = "active"
	SyncPaused   SyncEventKind = "paused"
	SyncDenied   SyncEventKind = "denied"
	SyncError    SyncEventKind = "error"
	SyncComplete SyncEventKind = "complete"
)

// Direction of a replication batch.
type Direction string

const (
	DirectionPush Direction = "push"
	DirectionPull Direction = "pull"
)

// ErrorClass separates authentication failures from retryable ones.
type ErrorClass string

const (
	ErrorClassAuth      ErrorClass = "auth"
	ErrorClassTransient ErrorClass = "transient"
)

// SyncEvent is published by engines while replicating.
type SyncEvent struct {
	Kind       SyncEventKind
	Direction  Direction
	Pulled     bool
	Status     int
	Class      ErrorClass
	Err        error
	DocumentID string
	At         time.Time
}

// SyncStatus is the observable replication state.
type SyncStatus struct {
	Enabled bool
	Active  bool
	Error   bool
}
