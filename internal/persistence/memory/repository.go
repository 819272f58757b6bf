// Package memory provides an in-memory IntervalRepository used by unit tests
// and local development without Postgres.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"example.com/timeslice/internal/domain"
)

// Repository is a mutex-guarded in-memory store. The single mutex gives the
// same atomicity for the read-close-create sequence that Postgres provides
// with a transaction.
type Repository struct {
	mu        sync.Mutex
	intervals map[string]*domain.TimeInterval
}

// NewRepository constructs an empty Repository.
func NewRepository() *Repository {
	return &Repository{intervals: make(map[string]*domain.TimeInterval)}
}

// StartSlice implements the atomic read-close-create start path.
func (r *Repository) StartSlice(_ context.Context, candidate domain.TimeInterval) (*domain.TimeInterval, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if open := r.findOpenLocked(candidate.Dimension); open != nil {
		if open.MatchesRequest(candidate.Category, candidate.LinkedEntityID) {
			copied := *open
			return &copied, true, nil
		}
		end := candidate.StartedAt
		open.EndedAt = &end
		open.UpdatedAt = candidate.StartedAt
	}

	stored := candidate
	r.intervals[stored.ID] = &stored
	copied := stored
	return &copied, false, nil
}

// FindOpen returns the open interval for a dimension, or nil.
func (r *Repository) FindOpen(_ context.Context, dimension domain.Dimension) (*domain.TimeInterval, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if open := r.findOpenLocked(dimension); open != nil {
		copied := *open
		return &copied, nil
	}
	return nil, nil
}

// ListOpen returns all open intervals ordered by start time.
func (r *Repository) ListOpen(_ context.Context) ([]domain.TimeInterval, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]domain.TimeInterval, 0)
	for _, interval := range r.intervals {
		if interval.Open() {
			out = append(out, *interval)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

// ListRecent returns intervals newest first with cursor pagination.
func (r *Repository) ListRecent(_ context.Context, dimension *domain.Dimension, cursor *domain.Cursor, limit int) ([]domain.TimeInterval, *domain.Cursor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	all := make([]domain.TimeInterval, 0, len(r.intervals))
	for _, interval := range r.intervals {
		if dimension != nil && interval.Dimension != *dimension {
			continue
		}
		all = append(all, *interval)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].StartedAt.Equal(all[j].StartedAt) {
			return all[i].StartedAt.After(all[j].StartedAt)
		}
		return all[i].ID > all[j].ID
	})

	out := make([]domain.TimeInterval, 0, limit)
	for _, interval := range all {
		if cursor != nil {
			after := interval.StartedAt.After(cursor.StartedAt) ||
				(interval.StartedAt.Equal(cursor.StartedAt) && interval.ID >= cursor.ID)
			if after {
				continue
			}
		}
		out = append(out, interval)
		if len(out) == limit {
			break
		}
	}

	var next *domain.Cursor
	if len(out) == limit && limit > 0 {
		last := out[len(out)-1]
		next = &domain.Cursor{StartedAt: last.StartedAt, ID: last.ID}
	}
	return out, next, nil
}

// CloseInterval sets the end timestamp on an interval.
func (r *Repository) CloseInterval(_ context.Context, id string, end time.Time) (*domain.TimeInterval, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	interval, ok := r.intervals[id]
	if !ok {
		return nil, domain.ErrIntervalNotFound
	}
	interval.EndedAt = &end
	interval.UpdatedAt = end
	copied := *interval
	return &copied, nil
}

// Get fetches an interval by ID.
func (r *Repository) Get(_ context.Context, id string) (*domain.TimeInterval, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	interval, ok := r.intervals[id]
	if !ok {
		return nil, domain.ErrIntervalNotFound
	}
	copied := *interval
	return &copied, nil
}

// Update applies an administrative patch.
func (r *Repository) Update(_ context.Context, id string, patch domain.IntervalPatch) (*domain.TimeInterval, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	interval, ok := r.intervals[id]
	if !ok {
		return nil, domain.ErrIntervalNotFound
	}
	if patch.Category != nil {
		interval.Category = *patch.Category
	}
	if patch.Source != nil {
		interval.Source = *patch.Source
	}
	if patch.StartedAt != nil {
		interval.StartedAt = *patch.StartedAt
	}
	if patch.ClearEnd {
		interval.EndedAt = nil
	} else if patch.EndedAt != nil {
		end := *patch.EndedAt
		interval.EndedAt = &end
	}
	if patch.Locked != nil {
		interval.Locked = *patch.Locked
	}
	if patch.LinkedEntityID != nil {
		linked := *patch.LinkedEntityID
		interval.LinkedEntityID = &linked
	}
	interval.UpdatedAt = time.Now().UTC()
	copied := *interval
	return &copied, nil
}

// Delete removes an interval by ID.
func (r *Repository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.intervals[id]; !ok {
		return domain.ErrIntervalNotFound
	}
	delete(r.intervals, id)
	return nil
}

// SetExternalRef records the mirrored billing record identifier.
func (r *Repository) SetExternalRef(_ context.Context, id, ref string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	interval, ok := r.intervals[id]
	if !ok {
		return domain.ErrIntervalNotFound
	}
	interval.ExternalRef = &ref
	interval.UpdatedAt = time.Now().UTC()
	return nil
}

// LockedCovering reports whether a locked interval with the given category
// covers the instant on the dimension.
func (r *Repository) LockedCovering(_ context.Context, dimension domain.Dimension, category string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, interval := range r.intervals {
		if interval.Dimension != dimension || interval.Category != category || !interval.Locked {
			continue
		}
		if interval.StartedAt.After(at) {
			continue
		}
		if interval.EndedAt == nil || !interval.EndedAt.Before(at) {
			return true, nil
		}
	}
	return false, nil
}

// Count reports the total number of stored intervals, open or closed.
func (r *Repository) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.intervals)
}

func (r *Repository) findOpenLocked(dimension domain.Dimension) *domain.TimeInterval {
	for _, interval := range r.intervals {
		if interval.Dimension == dimension && interval.Open() {
			return interval
		}
	}
	return nil
}
