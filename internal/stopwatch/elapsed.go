package stopwatch

import (
	"sort"
	"sync"

	"github.com/MarcoPoloResearchLab/timetracker/internal/stats"
)

// SortEvents orders events by timestamp, then id.
func SortEvents(events []Event) {
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].TS != events[j].TS {
			return events[i].TS < events[j].TS
		}
		return events[i].ID < events[j].ID
	})
}

// MarkNonStarters flags the stops preceding the first start as unused and
// returns the events from the first start on. Without any start nothing is
// returned.
func MarkNonStarters(events []Event) []Event {
	first := -1
	for index, event := range events {
		if event.Start {
			first = index
			break
		}
	}
	if first < 0 {
		for index := range events {
			events[index].InUse = false
		}
		return nil
	}
	for index := 0; index < first; index++ {
		events[index].InUse = false
	}
	return events[first:]
}

// RemoveDupes collapses runs of same-direction events: the first start of a
// run and the last stop of a run survive.
func RemoveDupes(events []Event) []Event {
	kept := make([]Event, 0, len(events))
	for index, event := range events {
		if index > 0 && event.Start && events[index-1].Start {
			continue
		}
		if index > 0 && !event.Start && index+1 < len(events) && !events[index+1].Start {
			continue
		}
		kept = append(kept, event)
	}
	return kept
}

func workingSet(events []Event) []Event {
	copied := append([]Event(nil), events...)
	SortEvents(copied)
	return RemoveDupes(MarkNonStarters(copied))
}

// Preprocess returns a copy of events with InUse set on the events that take
// part in pairing, and whether the stopwatch is finished (its last event is a
// stop or it has none).
func Preprocess(events []Event) ([]Event, bool) {
	processed := append([]Event(nil), events...)
	used := make(map[string]struct{}, len(events))
	for _, event := range workingSet(events) {
		used[event.ID] = struct{}{}
	}
	for index := range processed {
		_, ok := used[processed[index].ID]
		processed[index].InUse = ok
	}
	finished := len(processed) == 0 || !processed[len(processed)-1].Start
	return processed, finished
}

func roundToSecond(ts int64) int64 {
	return ts - ts%1000
}

// Round is the time accumulated since a round boundary.
type Round struct {
	EventID   string
	ElapsedMs int64
}

// Summary is the result of pairing a stopwatch's events.
type Summary struct {
	Events       int
	TotalMs      int64
	Rounds       []Round
	Running      bool
	RunningSince int64
}

// Summarize pairs the working set positionally into start/stop tuples. Pair
// durations use second-rounded timestamps; a negative pair contributes nothing
// and does not open a round. A start flagged as a round boundary opens a new
// round; following pairs add to the open round. A trailing unpaired start
// marks the stopwatch as running.
func Summarize(events []Event) Summary {
	summary := sumPairs(workingSet(events))
	summary.Events = len(events)
	return summary
}

// sumPairs pairs an already sorted and deduplicated working set.
func sumPairs(working []Event) Summary {
	var summary Summary
	for index := 0; index < len(working); index += 2 {
		start := working[index]
		if index+1 < len(working) {
			stop := working[index+1]
			spent := roundToSecond(stop.TS) - roundToSecond(start.TS)
			if spent < 0 {
				continue
			}
			if start.Start && start.RoundBoundary {
				summary.Rounds = append(summary.Rounds, Round{EventID: start.ID, ElapsedMs: spent})
			} else if len(summary.Rounds) > 0 {
				summary.Rounds[len(summary.Rounds)-1].ElapsedMs += spent
			}
			summary.TotalMs += spent
			continue
		}
		if start.RoundBoundary {
			summary.Rounds = append(summary.Rounds, Round{EventID: start.ID})
		}
		if start.Start {
			summary.Running = true
			summary.RunningSince = start.TS
		}
	}
	return summary
}

func (s Summary) tail(now int64) int64 {
	if !s.Running || now <= s.RunningSince {
		return 0
	}
	return now - s.RunningSince
}

// ElapsedAt is the total including the running tail measured at now.
func (s Summary) ElapsedAt(now int64) int64 {
	return s.TotalMs + s.tail(now)
}

// RoundsAt returns the rounds with the running tail added to the open round.
func (s Summary) RoundsAt(now int64) []Round {
	rounds := append([]Round(nil), s.Rounds...)
	if len(rounds) > 0 {
		rounds[len(rounds)-1].ElapsedMs += s.tail(now)
	}
	return rounds
}

// Meter caches a Summary keyed by the event count so the running display only
// adds the live tail. Call Invalidate after editing an event in place.
type Meter struct {
	mu      sync.Mutex
	valid   bool
	summary Summary
}

// Elapsed returns the elapsed milliseconds of events at now.
func (m *Meter) Elapsed(events []Event, now int64) int64 {
	return m.Summary(events).ElapsedAt(now)
}

// Summary returns the cached summary, recomputing it when the event count
// changed.
func (m *Meter) Summary(events []Event) Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.valid || m.summary.Events != len(events) {
		m.summary = Summarize(events)
		m.valid = true
	}
	return m.summary
}

// Invalidate drops the cached summary.
func (m *Meter) Invalidate() {
	m.mu.Lock()
	m.valid = false
	m.mu.Unlock()
}

// Intervals lists the paired intervals of events with raw timestamps. When
// now is positive a running stopwatch contributes an interval ending at now.
func Intervals(events []Event, now int64) []stats.Interval {
	working := workingSet(events)
	intervals := make([]stats.Interval, 0, len(working)/2+1)
	for index := 0; index < len(working); index += 2 {
		start := working[index]
		if index+1 < len(working) {
			intervals = append(intervals, stats.Interval{Start: start.TS, Stop: working[index+1].TS})
			continue
		}
		if start.Start && now > start.TS {
			intervals = append(intervals, stats.Interval{Start: start.TS, Stop: now})
		}
	}
	return intervals
}
