// Package stopwatch implements the stopwatch aggregate: a root document with
// start/stop events, the elapsed-time computation over them, and the
// repository that persists both.
package stopwatch

import (
	"github.com/MarcoPoloResearchLab/timetracker/internal/documents"
)

// Event is one start or stop of a stopwatch.
type Event struct {
	ID            string
	Rev           string
	Ref           string
	TS            int64
	Start         bool
	RoundBoundary bool
	Label         string
	// InUse is set by Preprocess on events that take part in pairing.
	InUse bool
}

// Stopwatch is a root with its events in ascending time order. Archived
// stopwatches are loaded without events unless asked for.
type Stopwatch struct {
	ID                 string
	Rev                string
	Name               string
	ArchivedDurationMs int64
	Events             []Event
	Finished           bool
}

// Archived reports whether the stopwatch carries an archived duration.
func (s Stopwatch) Archived() bool {
	return s.ArchivedDurationMs > 0
}

// Running reports whether the last event is a start.
func (s Stopwatch) Running() bool {
	return len(s.Events) > 0 && s.Events[len(s.Events)-1].Start
}

// LatestTS is the newest event timestamp, falling back to the creation time
// encoded in the id.
func (s Stopwatch) LatestTS() int64 {
	var latest int64
	for _, event := range s.Events {
		if event.TS > latest {
			latest = event.TS
		}
	}
	if latest == 0 {
		latest, _ = documents.TimestampFromID(s.ID)
	}
	return latest
}

func eventFromDocument(doc documents.Document) Event {
	return Event{
		ID:            doc.ID,
		Rev:           doc.Rev,
		Ref:           doc.RefValue(),
		TS:            doc.TS,
		Start:         doc.Started(),
		RoundBoundary: doc.IsRoundBoundary,
		Label:         doc.Name,
	}
}

func (e Event) document() documents.Document {
	return documents.Document{
		ID:              e.ID,
		Rev:             e.Rev,
		Type:            documents.TypeStopwatchEvent,
		Ref:             documents.Ref(e.Ref),
		TS:              e.TS,
		IsStart:         documents.Bool(e.Start),
		IsRoundBoundary: e.RoundBoundary,
		Name:            e.Label,
	}
}

func stopwatchFromDocument(doc documents.Document, events []documents.Document) Stopwatch {
	converted := make([]Event, 0, len(events))
	for _, event := range events {
		converted = append(converted, eventFromDocument(event))
	}
	SortEvents(converted)
	processed, finished := Preprocess(converted)
	return Stopwatch{
		ID:                 doc.ID,
		Rev:                doc.Rev,
		Name:               doc.Name,
		ArchivedDurationMs: doc.ArchivedDurationMs,
		Events:             processed,
		Finished:           finished,
	}
}
