// Package domain defines the time-tracking engine and its entities.
package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// SleepCategory is the locked primary-dimension category that gates automatic
// gaming starts.
const SleepCategory = "Sleep"

// IntervalRepository captures persistence operations for time intervals.
//
// StartSlice is the sole correctness-critical critical section: the
// implementation must read the dimension's open interval, close it, and
// create the candidate within a single transaction so that no concurrent
// caller can observe two open intervals for one dimension. When the open
// interval already matches the candidate (see TimeInterval.MatchesRequest) it
// is returned unchanged with reused=true and nothing is written.
type IntervalRepository interface {
	StartSlice(ctx context.Context, candidate TimeInterval) (interval *TimeInterval, reused bool, err error)
	FindOpen(ctx context.Context, dimension Dimension) (*TimeInterval, error)
	ListOpen(ctx context.Context) ([]TimeInterval, error)
	ListRecent(ctx context.Context, dimension *Dimension, cursor *Cursor, limit int) ([]TimeInterval, *Cursor, error)
	CloseInterval(ctx context.Context, id string, end time.Time) (*TimeInterval, error)
	Get(ctx context.Context, id string) (*TimeInterval, error)
	Update(ctx context.Context, id string, patch IntervalPatch) (*TimeInterval, error)
	Delete(ctx context.Context, id string) error
	SetExternalRef(ctx context.Context, id, ref string) error
	LockedCovering(ctx context.Context, dimension Dimension, category string, at time.Time) (bool, error)
}

// SliceObserver receives committed interval transitions. Implementations must
// not block; failures never affect the local state change that triggered them.
type SliceObserver interface {
	SliceStarted(ctx context.Context, interval TimeInterval)
	SliceStopped(ctx context.Context, interval TimeInterval)
}

// Service is the Time Engine: the interval state machine over the four fixed
// dimensions.
type Service struct {
	repo     IntervalRepository
	observer SliceObserver
	now      func() time.Time
}

// Option configures optional Service behaviour.
type Option func(*Service)

// WithObserver attaches a SliceObserver notified after local commits.
func WithObserver(observer SliceObserver) Option {
	return func(s *Service) {
		s.observer = observer
	}
}

// WithNow overrides the wall clock, used by tests.
func WithNow(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// NewService constructs a Service.
func NewService(repo IntervalRepository, opts ...Option) *Service {
	s := &Service{
		repo: repo,
		now:  func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StartSliceInput captures a start request.
type StartSliceInput struct {
	Category       string
	Dimension      Dimension
	Source         Source
	LinkedEntityID *string
}

// Validate rejects malformed input before any store interaction.
func (in StartSliceInput) Validate() error {
	if in.Category == "" {
		return &ValidationError{Field: "category", Reason: "must not be empty"}
	}
	if !in.Dimension.Valid() {
		return &ValidationError{Field: "dimension", Reason: "unknown dimension"}
	}
	if !in.Source.Valid() {
		return &ValidationError{Field: "source", Reason: "unknown source"}
	}
	return nil
}

// StartSlice opens an interval on the input's dimension. If the dimension
// already has an open interval matching category and linked entity, that
// interval is returned unchanged (reused=true). Otherwise any open interval
// on the dimension is closed at now and a fresh one is created, atomically.
func (s *Service) StartSlice(ctx context.Context, input StartSliceInput) (*TimeInterval, bool, error) {
	if err := input.Validate(); err != nil {
		return nil, false, err
	}

	now := s.now()
	candidate := TimeInterval{
		ID:             uuid.NewString(),
		Category:       input.Category,
		Dimension:      input.Dimension,
		Source:         input.Source,
		StartedAt:      now,
		LinkedEntityID: input.LinkedEntityID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	interval, reused, err := s.repo.StartSlice(ctx, candidate)
	if err != nil {
		return nil, false, err
	}
	if !reused && s.observer != nil {
		s.observer.SliceStarted(ctx, *interval)
	}
	return interval, reused, nil
}

// StopSliceInput captures a stop request. Category, when set, must match the
// open interval; EndAt allows backdating the stop but never postdating it.
type StopSliceInput struct {
	Dimension Dimension
	Category  *string
	EndAt     *time.Time
}

// Validate rejects malformed input before any store interaction.
func (in StopSliceInput) Validate() error {
	if !in.Dimension.Valid() {
		return &ValidationError{Field: "dimension", Reason: "unknown dimension"}
	}
	return nil
}

// StopSlice closes the open interval on the dimension. It fails with
// ErrIntervalNotFound when no open interval exists or the category guard does
// not match. The effective end is min(endAt ?? now, now), clamped up to the
// interval's start so end never precedes start.
func (s *Service) StopSlice(ctx context.Context, input StopSliceInput) (*TimeInterval, error) {
	interval, err := s.stopSlice(ctx, input)
	if err != nil {
		return nil, err
	}
	if interval == nil {
		return nil, ErrIntervalNotFound
	}
	return interval, nil
}

// StopSliceIfExists behaves like StopSlice but returns nil instead of
// ErrIntervalNotFound when there is nothing to stop.
func (s *Service) StopSliceIfExists(ctx context.Context, input StopSliceInput) (*TimeInterval, error) {
	return s.stopSlice(ctx, input)
}

func (s *Service) stopSlice(ctx context.Context, input StopSliceInput) (*TimeInterval, error) {
	if err := input.Validate(); err != nil {
		return nil, err
	}

	open, err := s.repo.FindOpen(ctx, input.Dimension)
	if err != nil {
		return nil, err
	}
	if open == nil {
		return nil, nil
	}
	if input.Category != nil && *input.Category != open.Category {
		return nil, nil
	}

	now := s.now()
	end := now
	if input.EndAt != nil && input.EndAt.Before(now) {
		end = *input.EndAt
	}
	if end.Before(open.StartedAt) {
		end = open.StartedAt
	}

	closed, err := s.repo.CloseInterval(ctx, open.ID, end)
	if err != nil {
		return nil, err
	}
	if s.observer != nil {
		s.observer.SliceStopped(ctx, *closed)
	}
	return closed, nil
}

// DimensionState describes the open interval of one dimension.
type DimensionState struct {
	IntervalID string
	Category   string
	StartedAt  time.Time
}

// StateSnapshot is the fixed-shape view of all four dimensions. A nil field
// means the dimension has no open interval.
type StateSnapshot struct {
	Primary  *DimensionState
	WorkMode *DimensionState
	Social   *DimensionState
	Segment  *DimensionState
}

// CurrentState scans the open intervals and maps them onto the snapshot. No
// dimension appears twice; the start path guarantees that.
func (s *Service) CurrentState(ctx context.Context) (*StateSnapshot, error) {
	open, err := s.repo.ListOpen(ctx)
	if err != nil {
		return nil, err
	}

	snapshot := &StateSnapshot{}
	for _, interval := range open {
		state := &DimensionState{
			IntervalID: interval.ID,
			Category:   interval.Category,
			StartedAt:  interval.StartedAt,
		}
		switch interval.Dimension {
		case DimensionPrimary:
			snapshot.Primary = state
		case DimensionWorkMode:
			snapshot.WorkMode = state
		case DimensionSocial:
			snapshot.Social = state
		case DimensionSegment:
			snapshot.Segment = state
		}
	}
	return snapshot, nil
}

// Cursor models the pagination token for history listings.
type Cursor struct {
	StartedAt time.Time
	ID        string
}

// ListSlices returns intervals ordered newest first, optionally filtered by
// dimension, with cursor pagination.
func (s *Service) ListSlices(ctx context.Context, dimension *Dimension, cursor *Cursor, limit int) ([]TimeInterval, *Cursor, error) {
	if dimension != nil && !dimension.Valid() {
		return nil, nil, &ValidationError{Field: "dimension", Reason: "unknown dimension"}
	}
	return s.repo.ListRecent(ctx, dimension, cursor, limit)
}

// GetSlice fetches an interval by ID.
func (s *Service) GetSlice(ctx context.Context, id string) (*TimeInterval, error) {
	return s.repo.Get(ctx, id)
}

// UpdateSlice applies direct administrative field edits.
func (s *Service) UpdateSlice(ctx context.Context, id string, patch IntervalPatch) (*TimeInterval, error) {
	if patch.Category != nil && *patch.Category == "" {
		return nil, &ValidationError{Field: "category", Reason: "must not be empty"}
	}
	if patch.Source != nil && !patch.Source.Valid() {
		return nil, &ValidationError{Field: "source", Reason: "unknown source"}
	}
	return s.repo.Update(ctx, id, patch)
}

// DeleteSlice removes an interval by ID.
func (s *Service) DeleteSlice(ctx context.Context, id string) error {
	return s.repo.Delete(ctx, id)
}

// SleepActive reports whether a locked Sleep interval on the primary
// dimension covers the given instant. The bridge consults this before opening
// an automatic gaming interval.
func (s *Service) SleepActive(ctx context.Context, at time.Time) (bool, error) {
	return s.repo.LockedCovering(ctx, DimensionPrimary, SleepCategory, at)
}
