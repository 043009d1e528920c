package store

import (
	"fmt"
	"math"
	"strconv"
)

var sizeUnits = []string{"B", "kB", "MB", "GB", "TB"}

// Usage is a storage estimate.
type Usage struct {
	Used        int64
	Quota       int64
	Known       bool
	Description string
}

// String renders the estimate for display.
func (u Usage) String() string {
	if !u.Known {
		if u.Description != "" {
			return u.Description
		}
		return "Unknown"
	}
	percent := 0.0
	if u.Quota > 0 {
		percent = float64(u.Used) / float64(u.Quota) * 100
	}
	return fmt.Sprintf("Usage: %s, Quota: %s, %.2f%%", FormatSize(u.Used), FormatSize(u.Quota), percent)
}

// FormatSize renders a byte count with 1000-based units rounded to two decimals.
func FormatSize(size int64) string {
	if size <= 0 {
		return "0 B"
	}
	value := float64(size)
	index := 0
	for value >= 1000 && index < len(sizeUnits)-1 {
		value /= 1000
		index++
	}
	value = math.Round(value*100) / 100
	return strconv.FormatFloat(value, 'f', -1, 64) + " " + sizeUnits[index]
}
