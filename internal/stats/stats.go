// Package stats aggregates timer history into per-day totals, histograms and
// frequency figures.
package stats

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/timetracker/internal/documents"
)

const (
	day  = 24 * time.Hour
	week = 7 * day
)

// Interval is a closed start/stop pair in epoch milliseconds.
type Interval struct {
	Start int64
	Stop  int64
}

// Duration returns the interval length; inverted intervals are empty.
func (i Interval) Duration() time.Duration {
	if i.Stop <= i.Start {
		return 0
	}
	return time.Duration(i.Stop-i.Start) * time.Millisecond
}

// DayTotal is the time spent on one UTC calendar day.
type DayTotal struct {
	Day   time.Time
	Spent time.Duration
}

// Daily summarizes DailyTotals.
type Daily struct {
	Days    []DayTotal
	Total   time.Duration
	Average time.Duration
}

// DailyTotals splits every interval at UTC midnight and sums the pieces per
// day, oldest day first.
func DailyTotals(intervals []Interval) Daily {
	totals := make(map[int64]time.Duration)
	for _, interval := range intervals {
		if interval.Stop <= interval.Start {
			continue
		}
		cursor := time.UnixMilli(interval.Start).UTC()
		stop := time.UnixMilli(interval.Stop).UTC()
		for cursor.Before(stop) {
			dayStart := cursor.Truncate(day)
			end := dayStart.Add(day)
			if end.After(stop) {
				end = stop
			}
			totals[dayStart.UnixMilli()] += end.Sub(cursor)
			cursor = end
		}
	}

	keys := make([]int64, 0, len(totals))
	for key := range totals {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	summary := Daily{Days: make([]DayTotal, 0, len(keys))}
	for _, key := range keys {
		spent := totals[key]
		summary.Days = append(summary.Days, DayTotal{Day: time.UnixMilli(key).UTC(), Spent: spent})
		summary.Total += spent
	}
	if len(summary.Days) > 0 {
		summary.Average = summary.Total / time.Duration(len(summary.Days))
	}
	return summary
}

// Period selects the histogram bucketing.
type Period string

const (
	PeriodWeekday Period = "weekday"
	PeriodHour    Period = "hour"
	PeriodWeek    Period = "week"
	PeriodMonth   Period = "month"
	PeriodYear    Period = "year"
)

// Periods lists the histogram periods in display order.
var Periods = []Period{PeriodWeekday, PeriodHour, PeriodWeek, PeriodMonth, PeriodYear}

// ParsePeriod accepts a period name; "day" is read as weekday.
func ParsePeriod(value string) (Period, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "day", string(PeriodWeekday):
		return PeriodWeekday, nil
	case string(PeriodHour):
		return PeriodHour, nil
	case string(PeriodWeek):
		return PeriodWeek, nil
	case string(PeriodMonth):
		return PeriodMonth, nil
	case string(PeriodYear):
		return PeriodYear, nil
	default:
		return "", fmt.Errorf("%w: unknown period %q", documents.ErrValidation, value)
	}
}

// Bucket is one histogram bar.
type Bucket struct {
	Key   string
	Count int
}

// Histogram counts timestamps per period bucket in loc. Only non-empty
// buckets are returned, in calendar order.
func Histogram(timestamps []int64, period Period, loc *time.Location) []Bucket {
	if loc == nil {
		loc = time.UTC
	}
	counts := make(map[int64]int)
	for _, ts := range timestamps {
		counts[bucketOf(time.UnixMilli(ts).In(loc), ts, period)]++
	}
	ordinals := make([]int64, 0, len(counts))
	for ordinal := range counts {
		ordinals = append(ordinals, ordinal)
	}
	sort.Slice(ordinals, func(i, j int) bool { return ordinals[i] < ordinals[j] })

	buckets := make([]Bucket, 0, len(ordinals))
	for _, ordinal := range ordinals {
		buckets = append(buckets, Bucket{Key: bucketKey(ordinal, period), Count: counts[ordinal]})
	}
	return buckets
}

func bucketOf(at time.Time, ts int64, period Period) int64 {
	switch period {
	case PeriodWeekday:
		return int64(at.Weekday())
	case PeriodHour:
		return int64(at.Hour())
	case PeriodWeek:
		return floorDiv(ts, week.Milliseconds())
	case PeriodMonth:
		return int64(at.Month())
	default:
		return int64(at.Year())
	}
}

func bucketKey(ordinal int64, period Period) string {
	switch period {
	case PeriodWeekday:
		return time.Weekday(ordinal).String()
	case PeriodMonth:
		return time.Month(ordinal).String()
	case PeriodWeek:
		return time.UnixMilli(ordinal * week.Milliseconds()).UTC().Format(time.DateOnly)
	default:
		return strconv.FormatInt(ordinal, 10)
	}
}

func floorDiv(a, b int64) int64 {
	quotient := a / b
	if a%b != 0 && a < 0 {
		quotient--
	}
	return quotient
}

// Frequency is the average gap between consecutive events.
type Frequency struct {
	AverageGap time.Duration
	AvgDays    float64
	AvgHours   float64
}

// ComputeFrequency averages the gaps between sorted timestamps. It reports
// false for fewer than two points or a zero average.
func ComputeFrequency(timestamps []int64) (Frequency, bool) {
	if len(timestamps) < 2 {
		return Frequency{}, false
	}
	sorted := append([]int64(nil), timestamps...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	span := sorted[len(sorted)-1] - sorted[0]
	average := float64(span) / float64(len(sorted)-1)
	if average == 0 {
		return Frequency{}, false
	}
	return Frequency{
		AverageGap: time.Duration(average * float64(time.Millisecond)),
		AvgDays:    average / float64(day.Milliseconds()),
		AvgHours:   average / float64(time.Hour.Milliseconds()),
	}, true
}

// PredictNext extrapolates the next occurrence from the average gap of the
// given timestamps.
func PredictNext(timestamps []int64) (int64, bool) {
	frequency, ok := ComputeFrequency(timestamps)
	if !ok {
		return 0, false
	}
	newest := timestamps[0]
	for _, ts := range timestamps[1:] {
		if ts > newest {
			newest = ts
		}
	}
	return newest + frequency.AverageGap.Round(time.Millisecond).Milliseconds(), true
}

// Age buckets how long ago something last happened.
type Age string

const (
	AgeDay     Age = "1d"
	AgeWeek    Age = "1w"
	AgeMonth   Age = "1m"
	AgeQuarter Age = "3m"
	AgeYear    Age = "1y"
	AgeDefault Age = "default"
)

// AgeOf classifies the gap between last and now.
func AgeOf(last, now int64) Age {
	diff := time.Duration(now-last) * time.Millisecond
	switch {
	case diff <= day:
		return AgeDay
	case diff < week:
		return AgeWeek
	case diff < 30*day:
		return AgeMonth
	case diff < 90*day:
		return AgeQuarter
	case diff > 365*day:
		return AgeYear
	default:
		return AgeDefault
	}
}
