package documents

import (
	"strconv"
	"strings"
	"sync"
	"time"
)

// IDGenerator hands out strictly increasing epoch-millisecond values so that
// ids minted in the same millisecond never collide.
type IDGenerator struct {
	mu    sync.Mutex
	clock func() time.Time
	last  int64
}

// NewIDGenerator constructs a generator reading the provided clock.
func NewIDGenerator(clock func() time.Time) *IDGenerator {
	if clock == nil {
		clock = time.Now
	}
	return &IDGenerator{clock: clock}
}

// Next returns the next millisecond value.
func (g *IDGenerator) Next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.clock().UnixMilli()
	if now <= g.last {
		now = g.last + 1
	}
	g.last = now
	return now
}

// NewID joins a type prefix and a millisecond value.
func NewID(prefix Type, millis int64) string {
	return string(prefix) + "-" + strconv.FormatInt(millis, 10)
}

// TimestampFromID parses the trailing millisecond value of an id.
func TimestampFromID(id string) (int64, bool) {
	index := strings.LastIndex(id, "-")
	if index < 0 || index == len(id)-1 {
		return 0, false
	}
	value, err := strconv.ParseInt(id[index+1:], 10, 64)
	if err != nil {
		return 0, false
	}
	return value, true
}

// TypeFromID infers the document type from its prefix.
func TypeFromID(id string) (Type, bool) {
	index := strings.LastIndex(id, "-")
	if index <= 0 {
		return "", false
	}
	candidate := Type(id[:index])
	if !candidate.Valid() {
		return "", false
	}
	return candidate, true
}
