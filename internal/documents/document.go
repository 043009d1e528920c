package documents

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound reports a missing or tombstoned document.
	ErrNotFound = errors.New("documents: not found")
	// ErrConflict reports a stale revision on a write.
	ErrConflict = errors.New("documents: revision conflict")
	// ErrValidation reports malformed input rejected before any write.
	ErrValidation = errors.New("documents: validation failed")
)

// Type discriminates the four document kinds.
type Type string

const (
	TypeRecurringTimer     Type = "LT"
	TypeRecurringTimestamp Type = "LT-TS"
	TypeStopwatch          Type = "SW"
	TypeStopwatchEvent     Type = "SW-TS"
)

// Valid reports whether t is one of the known document types.
func (t Type) Valid() bool {
	switch t {
	case TypeRecurringTimer, TypeRecurringTimestamp, TypeStopwatch, TypeStopwatchEvent:
		return true
	default:
		return false
	}
}

// IsRoot reports whether documents of this type are aggregate roots.
func (t Type) IsRoot() bool {
	return t == TypeRecurringTimer || t == TypeStopwatch
}

// IsChild reports whether documents of this type reference a root.
func (t Type) IsChild() bool {
	return t == TypeRecurringTimestamp || t == TypeStopwatchEvent
}

// ChildType returns the child type owned by a root type.
func (t Type) ChildType() (Type, bool) {
	switch t {
	case TypeRecurringTimer:
		return TypeRecurringTimestamp, true
	case TypeStopwatch:
		return TypeStopwatchEvent, true
	default:
		return "", false
	}
}

func (t Type) String() string {
	return string(t)
}

// Document is the stored record shared by every document kind. Fields that do
// not apply to a kind stay at their zero value and are omitted on the wire.
type Document struct {
	ID                 string  `json:"_id"`
	Rev                string  `json:"_rev,omitempty"`
	Deleted            bool    `json:"_deleted,omitempty"`
	Type               Type    `json:"type,omitempty"`
	Ref                *string `json:"ref,omitempty"`
	Name               string  `json:"name,omitempty"`
	Label              string  `json:"label,omitempty"`
	TS                 int64   `json:"ts,omitempty"`
	IsStart            *bool   `json:"ss,omitempty"`
	IsRoundBoundary    bool    `json:"round,omitempty"`
	ArchivedDurationMs int64   `json:"tsArch,omitempty"`
}

// HasRef reports whether the document references a root.
func (d Document) HasRef() bool {
	return d.Ref != nil
}

// RefValue returns the referenced root id or an empty string.
func (d Document) RefValue() string {
	if d.Ref == nil {
		return ""
	}
	return *d.Ref
}

// Started reports the start flag of a stopwatch event.
func (d Document) Started() bool {
	return d.IsStart != nil && *d.IsStart
}

// Clone returns a deep copy.
func (d Document) Clone() Document {
	copied := d
	if d.Ref != nil {
		ref := *d.Ref
		copied.Ref = &ref
	}
	if d.IsStart != nil {
		start := *d.IsStart
		copied.IsStart = &start
	}
	return copied
}

// Validate checks the structural rules every stored document obeys.
func (d Document) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return fmt.Errorf("%w: empty id", ErrValidation)
	}
	if d.Deleted {
		return nil
	}
	if !d.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q for %s", ErrValidation, d.Type, d.ID)
	}
	if d.Type.IsChild() && strings.TrimSpace(d.RefValue()) == "" {
		return fmt.Errorf("%w: %s requires ref", ErrValidation, d.ID)
	}
	if d.Type.IsRoot() && d.Ref != nil {
		return fmt.Errorf("%w: root %s must not carry ref", ErrValidation, d.ID)
	}
	return nil
}

// Ref returns a pointer to a copy of id.
func Ref(id string) *string {
	return &id
}

// Bool returns a pointer to a copy of value.
func Bool(value bool) *bool {
	return &value
}

// Result is the per-document outcome of a write.
type Result struct {
	ID  string
	Rev string
	OK  bool
	Err error
}
