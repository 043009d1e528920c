package documents

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	json "github.com/goccy/go-json"
)

// RefMatch is the predicate applied to the ref field.
type RefMatch int

const (
	// RefAny ignores ref.
	RefAny RefMatch = iota
	// RefAbsent matches documents without ref (aggregate roots).
	RefAbsent
	// RefPresent matches documents carrying any ref.
	RefPresent
	// RefEquals matches documents whose ref equals Value.
	RefEquals
)

// RefFilter expresses the ref predicate of a selector.
type RefFilter struct {
	Match RefMatch
	Value string
}

// RefIs matches children of the given root.
func RefIs(id string) RefFilter {
	return RefFilter{Match: RefEquals, Value: id}
}

// RefMissing matches roots.
func RefMissing() RefFilter {
	return RefFilter{Match: RefAbsent}
}

// RefExists matches any child.
func RefExists() RefFilter {
	return RefFilter{Match: RefPresent}
}

// Matches evaluates the predicate against an optional ref.
func (f RefFilter) Matches(ref *string) bool {
	switch f.Match {
	case RefAbsent:
		return ref == nil
	case RefPresent:
		return ref != nil
	case RefEquals:
		return ref != nil && *ref == f.Value
	default:
		return true
	}
}

// Selector filters documents by type and ref.
type Selector struct {
	Type Type
	Ref  RefFilter
}

// Matches reports whether a live document satisfies the selector.
func (s Selector) Matches(doc Document) bool {
	if doc.Deleted {
		return false
	}
	if s.Type != "" && doc.Type != s.Type {
		return false
	}
	return s.Ref.Matches(doc.Ref)
}

// MarshalJSON renders the selector in Mango form.
func (s Selector) MarshalJSON() ([]byte, error) {
	fields := map[string]any{}
	if s.Type != "" {
		fields["type"] = string(s.Type)
	}
	switch s.Ref.Match {
	case RefAbsent:
		fields["ref"] = map[string]bool{"$exists": false}
	case RefPresent:
		fields["ref"] = map[string]bool{"$exists": true}
	case RefEquals:
		fields["ref"] = s.Ref.Value
	}
	return json.Marshal(fields)
}

// UnmarshalJSON accepts the Mango form, including an explicit null ref which
// is read as absent.
func (s *Selector) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("%w: selector: %v", ErrValidation, err)
	}
	parsed := Selector{}
	for key, raw := range fields {
		switch key {
		case "type":
			var value string
			if err := json.Unmarshal(raw, &value); err != nil {
				return fmt.Errorf("%w: selector type: %v", ErrValidation, err)
			}
			parsed.Type = Type(value)
		case "ref":
			filter, err := parseRefFilter(raw)
			if err != nil {
				return err
			}
			parsed.Ref = filter
		default:
			return fmt.Errorf("%w: unsupported selector field %q", ErrValidation, key)
		}
	}
	*s = parsed
	return nil
}

func parseRefFilter(raw json.RawMessage) (RefFilter, error) {
	trimmed := bytes.TrimSpace(raw)
	if bytes.Equal(trimmed, []byte("null")) {
		return RefMissing(), nil
	}
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var value string
		if err := json.Unmarshal(trimmed, &value); err != nil {
			return RefFilter{}, fmt.Errorf("%w: selector ref: %v", ErrValidation, err)
		}
		return RefIs(value), nil
	}
	var operator map[string]bool
	if err := json.Unmarshal(trimmed, &operator); err != nil {
		return RefFilter{}, fmt.Errorf("%w: selector ref: %v", ErrValidation, err)
	}
	exists, ok := operator["$exists"]
	if !ok || len(operator) != 1 {
		return RefFilter{}, fmt.Errorf("%w: selector ref supports only $exists", ErrValidation)
	}
	if exists {
		return RefExists(), nil
	}
	return RefMissing(), nil
}

// SortField names a sortable document field.
type SortField string

const (
	SortByID SortField = "_id"
	SortByTS SortField = "ts"
)

// Sort orders query results.
type Sort struct {
	Field      SortField
	Descending bool
}

// Query is a find request.
type Query struct {
	Selector Selector
	Sort     *Sort
	Limit    int
}

type wireQuery struct {
	Selector Selector            `json:"selector"`
	Sort     []map[string]string `json:"sort,omitempty"`
	Limit    int                 `json:"limit,omitempty"`
}

// MarshalJSON renders the query as a Mango find body.
func (q Query) MarshalJSON() ([]byte, error) {
	wire := wireQuery{Selector: q.Selector, Limit: q.Limit}
	if q.Sort != nil {
		direction := "asc"
		if q.Sort.Descending {
			direction = "desc"
		}
		wire.Sort = []map[string]string{{string(q.Sort.Field): direction}}
	}
	return json.Marshal(wire)
}

// UnmarshalJSON parses a Mango find body.
func (q *Query) UnmarshalJSON(data []byte) error {
	var wire wireQuery
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("%w: query: %v", ErrValidation, err)
	}
	parsed := Query{Selector: wire.Selector, Limit: wire.Limit}
	if len(wire.Sort) > 1 || (len(wire.Sort) == 1 && len(wire.Sort[0]) != 1) {
		return fmt.Errorf("%w: query sorts on a single field", ErrValidation)
	}
	for _, entry := range wire.Sort {
		for field, direction := range entry {
			parsed.Sort = &Sort{Field: SortField(field), Descending: strings.EqualFold(direction, "desc")}
		}
	}
	if err := parsed.Validate(); err != nil {
		return err
	}
	*q = parsed
	return nil
}

// Validate rejects unsupported sort fields and negative limits.
func (q Query) Validate() error {
	if q.Limit < 0 {
		return fmt.Errorf("%w: negative limit", ErrValidation)
	}
	if q.Sort != nil && q.Sort.Field != SortByID && q.Sort.Field != SortByTS {
		return fmt.Errorf("%w: unsupported sort field %q", ErrValidation, q.Sort.Field)
	}
	return nil
}

// Apply filters, sorts and limits an in-memory document set.
func (q Query) Apply(docs []Document) []Document {
	matched := make([]Document, 0, len(docs))
	for _, doc := range docs {
		if q.Selector.Matches(doc) {
			matched = append(matched, doc)
		}
	}
	if q.Sort != nil {
		field := q.Sort.Field
		less := func(a, b Document) bool {
			if field == SortByTS {
				return a.TS < b.TS
			}
			return a.ID < b.ID
		}
		sort.SliceStable(matched, func(i, j int) bool {
			if q.Sort.Descending {
				return less(matched[j], matched[i])
			}
			return less(matched[i], matched[j])
		})
	}
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	return matched
}
