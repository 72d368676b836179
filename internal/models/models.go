package models

import (
	"fmt"
	"time"

	"metricsnap/internal/dimensions"

	"github.com/shopspring/decimal"
)

// Granularity is the canonical time-bucket width a snapshot summarizes
type Granularity string

const (
	GranularityMinute  Granularity = "minute"
	GranularityHour    Granularity = "hour"
	GranularityDay     Granularity = "day"
	GranularityWeek    Granularity = "week"
	GranularityMonth   Granularity = "month"
	GranularityQuarter Granularity = "quarter"
	GranularityYear    Granularity = "year"
)

// Granularities lists every supported granularity from finest to coarsest
var Granularities = []Granularity{
	GranularityMinute,
	GranularityHour,
	GranularityDay,
	GranularityWeek,
	GranularityMonth,
	GranularityQuarter,
	GranularityYear,
}

// ParseGranularity validates a granularity name
func ParseGranularity(s string) (Granularity, error) {
	g := Granularity(s)
	if !g.Valid() {
		return "", fmt.Errorf("unknown granularity %q", s)
	}
	return g, nil
}

// Valid reports whether g is one of the supported granularities
func (g Granularity) Valid() bool {
	for _, known := range Granularities {
		if g == known {
			return true
		}
	}
	return false
}

// PeriodEnd returns the end of the bucket that starts at start. Month, quarter
// and year buckets are calendar-relative and evaluated in UTC.
func (g Granularity) PeriodEnd(start time.Time) time.Time {
	start = start.UTC()
	switch g {
	case GranularityMinute:
		return start.Add(time.Minute)
	case GranularityHour:
		return start.Add(time.Hour)
	case GranularityDay:
		return start.Add(24 * time.Hour)
	case GranularityWeek:
		return start.Add(7 * 24 * time.Hour)
	case GranularityMonth:
		return start.AddDate(0, 1, 0)
	case GranularityQuarter:
		return start.AddDate(0, 3, 0)
	case GranularityYear:
		return start.AddDate(1, 0, 0)
	default:
		return start
	}
}

// Matches reports whether [start, end) is exactly one bucket wide. A month,
// quarter or year bucket must end on the same day of the month it starts on,
// so a month from January 31 matches nothing.
func (g Granularity) Matches(start, end time.Time) bool {
	if !g.Valid() {
		return false
	}
	bucketEnd := g.PeriodEnd(start)
	switch g {
	case GranularityMonth, GranularityQuarter, GranularityYear:
		if bucketEnd.Day() != start.UTC().Day() {
			return false
		}
	}
	return bucketEnd.Equal(end.UTC())
}

// GranularityFor infers the granularity whose canonical width equals
// [start, end). The second return value is false when none matches.
func GranularityFor(start, end time.Time) (Granularity, bool) {
	for _, g := range Granularities {
		if g.Matches(start, end) {
			return g, true
		}
	}
	return "", false
}

// CollectionStatus is the terminal outcome of a collection attempt
type CollectionStatus string

const (
	StatusSuccess CollectionStatus = "success"
	StatusError   CollectionStatus = "error"
	StatusPartial CollectionStatus = "partial"
)

// Valid reports whether s is a known collection status
func (s CollectionStatus) Valid() bool {
	switch s {
	case StatusSuccess, StatusError, StatusPartial:
		return true
	}
	return false
}

// Definition is a named, versioned metric computation
type Definition struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Description    string    `json:"description,omitempty"`
	Unit           string    `json:"unit,omitempty"`
	CurrentVersion int64     `json:"current_version"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// SnapshotKey is the identity of a snapshot: at most one snapshot exists per key
type SnapshotKey struct {
	DefinitionID   string
	PeriodStart    time.Time
	PeriodEnd      time.Time
	DimensionsHash string
}

func (k SnapshotKey) String() string {
	return fmt.Sprintf("%s[%s,%s)#%s",
		k.DefinitionID,
		k.PeriodStart.UTC().Format(time.RFC3339Nano),
		k.PeriodEnd.UTC().Format(time.RFC3339Nano),
		k.DimensionsHash,
	)
}

// Snapshot is one computed metric value for a definition, period and
// dimension combination
type Snapshot struct {
	ID                string           `json:"id"`
	DefinitionID      string           `json:"definition_id"`
	PeriodStart       time.Time        `json:"period_start"`
	PeriodEnd         time.Time        `json:"period_end"`
	Granularity       Granularity      `json:"granularity"`
	Dimensions        dimensions.Set   `json:"dimensions"`
	DimensionsHash    string           `json:"dimensions_hash"`
	Value             decimal.Decimal  `json:"value"`
	FormattedValue    string           `json:"formatted_value,omitempty"`
	Validated         bool             `json:"validated"`
	DefinitionVersion int64            `json:"definition_version"`
	CollectionStatus  CollectionStatus `json:"collection_status"`
	StatusMessage     string           `json:"status_message,omitempty"`
	DurationMs        int64            `json:"duration_ms"`
	CreatedAt         time.Time        `json:"created_at"`
	Revision          int64            `json:"revision"`
}

// Key returns the snapshot's identity tuple
func (s *Snapshot) Key() SnapshotKey {
	return SnapshotKey{
		DefinitionID:   s.DefinitionID,
		PeriodStart:    s.PeriodStart,
		PeriodEnd:      s.PeriodEnd,
		DimensionsHash: s.DimensionsHash,
	}
}

// Intersects reports whether the snapshot's period overlaps [start, end)
func (s *Snapshot) Intersects(start, end time.Time) bool {
	return s.PeriodStart.Before(end) && start.Before(s.PeriodEnd)
}
