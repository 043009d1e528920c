package documents

import (
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// NextRevision derives the revision that follows prev ("" for a new document).
func NextRevision(prev string) string {
	generation, _ := RevisionGeneration(prev)
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")
	return strconv.Itoa(generation+1) + "-" + suffix
}

// RevisionGeneration parses the numeric generation of a revision.
func RevisionGeneration(rev string) (int, bool) {
	head, _, found := strings.Cut(rev, "-")
	if !found {
		return 0, false
	}
	generation, err := strconv.Atoi(head)
	if err != nil || generation < 0 {
		return 0, false
	}
	return generation, true
}

// CompareRevisions orders two revisions for last-write-wins resolution: the
// higher generation wins, ties fall back to comparing the suffix.
func CompareRevisions(a, b string) int {
	genA, _ := RevisionGeneration(a)
	genB, _ := RevisionGeneration(b)
	switch {
	case genA > genB:
		return 1
	case genA < genB:
		return -1
	}
	return strings.Compare(a, b)
}
