package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrIntervalNotFound is returned when no interval matches a stop, update, or
// delete request.
var ErrIntervalNotFound = errors.New("time interval not found")

// ValidationError reports malformed input rejected before any store interaction.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Dimension is one of the four independent tracking lanes. At most one
// interval may be open per dimension at any instant.
type Dimension string

const (
	DimensionPrimary  Dimension = "primary"
	DimensionWorkMode Dimension = "work_mode"
	DimensionSocial   Dimension = "social"
	DimensionSegment  Dimension = "segment"
)

// Dimensions lists all lanes in snapshot order.
var Dimensions = []Dimension{DimensionPrimary, DimensionWorkMode, DimensionSocial, DimensionSegment}

// Valid reports whether the dimension is a member of the closed set.
func (d Dimension) Valid() bool {
	switch d {
	case DimensionPrimary, DimensionWorkMode, DimensionSocial, DimensionSegment:
		return true
	}
	return false
}

// Source records the provenance of an interval.
type Source string

const (
	SourceManual        Source = "manual"
	SourceAPI           Source = "api"
	SourceExternalTimer Source = "external_timer"
	SourceShortcut      Source = "shortcut"
)

// Valid reports whether the source is a known provenance tag.
func (s Source) Valid() bool {
	switch s {
	case SourceManual, SourceAPI, SourceExternalTimer, SourceShortcut:
		return true
	}
	return false
}

// TimeInterval is the central entity: a span of time attributed to a category
// within one dimension. A nil EndedAt marks the interval open, which is the
// only notion of "currently active".
type TimeInterval struct {
	ID             string
	Category       string
	Dimension      Dimension
	Source         Source
	StartedAt      time.Time
	EndedAt        *time.Time
	Locked         bool
	LinkedEntityID *string
	ExternalRef    *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Open reports whether the interval is still running.
func (i *TimeInterval) Open() bool {
	return i.EndedAt == nil
}

// MatchesRequest reports whether an open interval already satisfies a start
// request, making the start an idempotent no-op. Both the category and the
// linked entity reference must agree.
func (i *TimeInterval) MatchesRequest(category string, linkedEntityID *string) bool {
	if i.Category != category {
		return false
	}
	if (i.LinkedEntityID == nil) != (linkedEntityID == nil) {
		return false
	}
	if i.LinkedEntityID != nil && *i.LinkedEntityID != *linkedEntityID {
		return false
	}
	return true
}

// IntervalPatch carries administrative field edits for UpdateSlice. Nil fields
// are left untouched.
type IntervalPatch struct {
	Category       *string
	Source         *Source
	StartedAt      *time.Time
	EndedAt        *time.Time
	ClearEnd       bool
	Locked         *bool
	LinkedEntityID *string
}
