package domain_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/timeslice/internal/domain"
	"example.com/timeslice/internal/persistence/memory"
)

func newEngine(t *testing.T, opts ...domain.Option) (*domain.Service, *memory.Repository) {
	t.Helper()
	repo := memory.NewRepository()
	return domain.NewService(repo, opts...), repo
}

func strPtr(s string) *string { return &s }

func TestStartSliceIdempotentReplay(t *testing.T) {
	engine, repo := newEngine(t)
	ctx := context.Background()

	linked := strPtr("task-42")
	first, reused, err := engine.StartSlice(ctx, domain.StartSliceInput{
		Category:       "Gaming",
		Dimension:      domain.DimensionPrimary,
		Source:         domain.SourceShortcut,
		LinkedEntityID: linked,
	})
	require.NoError(t, err)
	require.False(t, reused)

	second, reused, err := engine.StartSlice(ctx, domain.StartSliceInput{
		Category:       "Gaming",
		Dimension:      domain.DimensionPrimary,
		Source:         domain.SourceShortcut,
		LinkedEntityID: linked,
	})
	require.NoError(t, err)
	require.True(t, reused)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, 1, repo.Count())
}

func TestStartSliceClosesPreviousOpenInterval(t *testing.T) {
	engine, repo := newEngine(t)
	ctx := context.Background()

	first, _, err := engine.StartSlice(ctx, domain.StartSliceInput{
		Category:  "Coding",
		Dimension: domain.DimensionPrimary,
		Source:    domain.SourceAPI,
	})
	require.NoError(t, err)

	second, reused, err := engine.StartSlice(ctx, domain.StartSliceInput{
		Category:  "Gaming",
		Dimension: domain.DimensionPrimary,
		Source:    domain.SourceAPI,
	})
	require.NoError(t, err)
	require.False(t, reused)
	require.NotEqual(t, first.ID, second.ID)

	closed, err := repo.Get(ctx, first.ID)
	require.NoError(t, err)
	require.NotNil(t, closed.EndedAt)
	require.Equal(t, second.StartedAt, *closed.EndedAt)

	// At most one open interval per dimension after each call settles.
	open, err := repo.FindOpen(ctx, domain.DimensionPrimary)
	require.NoError(t, err)
	require.Equal(t, second.ID, open.ID)
}

func TestStartSliceMutualExclusionUnderSequence(t *testing.T) {
	engine, repo := newEngine(t)
	ctx := context.Background()

	categories := []string{"A", "B", "B", "C", "A", "A"}
	for _, category := range categories {
		_, _, err := engine.StartSlice(ctx, domain.StartSliceInput{
			Category:  category,
			Dimension: domain.DimensionWorkMode,
			Source:    domain.SourceManual,
		})
		require.NoError(t, err)

		openCount := 0
		all, err := repo.ListOpen(ctx)
		require.NoError(t, err)
		for _, interval := range all {
			if interval.Dimension == domain.DimensionWorkMode {
				openCount++
			}
		}
		require.Equal(t, 1, openCount)
	}
}

func TestStartSliceCrossDimensionIndependence(t *testing.T) {
	engine, repo := newEngine(t)
	ctx := context.Background()

	primary, _, err := engine.StartSlice(ctx, domain.StartSliceInput{
		Category:  "Coding",
		Dimension: domain.DimensionPrimary,
		Source:    domain.SourceManual,
	})
	require.NoError(t, err)

	_, _, err = engine.StartSlice(ctx, domain.StartSliceInput{
		Category:  "Deep Work",
		Dimension: domain.DimensionWorkMode,
		Source:    domain.SourceManual,
	})
	require.NoError(t, err)

	stored, err := repo.Get(ctx, primary.ID)
	require.NoError(t, err)
	require.Nil(t, stored.EndedAt, "starting on work_mode must not close the primary interval")
}

func TestStartSliceValidation(t *testing.T) {
	engine, _ := newEngine(t)
	ctx := context.Background()

	cases := []struct {
		name  string
		input domain.StartSliceInput
	}{
		{"empty category", domain.StartSliceInput{Dimension: domain.DimensionPrimary, Source: domain.SourceAPI}},
		{"bad dimension", domain.StartSliceInput{Category: "X", Dimension: "sideways", Source: domain.SourceAPI}},
		{"bad source", domain.StartSliceInput{Category: "X", Dimension: domain.DimensionPrimary, Source: "carrier-pigeon"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := engine.StartSlice(ctx, tc.input)
			var validationErr *domain.ValidationError
			require.ErrorAs(t, err, &validationErr)
		})
	}
}

func TestStopSliceCategoryMismatchIsNotFound(t *testing.T) {
	engine, repo := newEngine(t)
	ctx := context.Background()

	opened, _, err := engine.StartSlice(ctx, domain.StartSliceInput{
		Category:  "Gaming",
		Dimension: domain.DimensionPrimary,
		Source:    domain.SourceShortcut,
	})
	require.NoError(t, err)

	_, err = engine.StopSlice(ctx, domain.StopSliceInput{
		Dimension: domain.DimensionPrimary,
		Category:  strPtr("Sleep"),
	})
	require.ErrorIs(t, err, domain.ErrIntervalNotFound)

	stored, err := repo.Get(ctx, opened.ID)
	require.NoError(t, err)
	require.Nil(t, stored.EndedAt, "mismatched stop must leave the interval open")
}

func TestStopSliceNoOpenInterval(t *testing.T) {
	engine, _ := newEngine(t)

	_, err := engine.StopSlice(context.Background(), domain.StopSliceInput{Dimension: domain.DimensionSocial})
	require.ErrorIs(t, err, domain.ErrIntervalNotFound)
}

func TestStopSliceIfExistsReturnsNil(t *testing.T) {
	engine, _ := newEngine(t)

	interval, err := engine.StopSliceIfExists(context.Background(), domain.StopSliceInput{Dimension: domain.DimensionSocial})
	require.NoError(t, err)
	require.Nil(t, interval)
}

func TestStopSliceClampsEndToStart(t *testing.T) {
	base := time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)
	current := base
	engine, _ := newEngine(t, domain.WithNow(func() time.Time { return current }))
	ctx := context.Background()

	opened, _, err := engine.StartSlice(ctx, domain.StartSliceInput{
		Category:  "Gaming",
		Dimension: domain.DimensionPrimary,
		Source:    domain.SourceAPI,
	})
	require.NoError(t, err)

	current = base.Add(time.Hour)
	backdated := base.Add(-30 * time.Minute)
	closed, err := engine.StopSlice(ctx, domain.StopSliceInput{
		Dimension: domain.DimensionPrimary,
		EndAt:     &backdated,
	})
	require.NoError(t, err)
	require.NotNil(t, closed.EndedAt)
	require.Equal(t, opened.StartedAt, *closed.EndedAt, "end must be clamped up to start")
}

func TestStopSliceNeverPostdates(t *testing.T) {
	base := time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)
	current := base
	engine, _ := newEngine(t, domain.WithNow(func() time.Time { return current }))
	ctx := context.Background()

	_, _, err := engine.StartSlice(ctx, domain.StartSliceInput{
		Category:  "Gaming",
		Dimension: domain.DimensionPrimary,
		Source:    domain.SourceAPI,
	})
	require.NoError(t, err)

	current = base.Add(time.Hour)
	future := current.Add(2 * time.Hour)
	closed, err := engine.StopSlice(ctx, domain.StopSliceInput{
		Dimension: domain.DimensionPrimary,
		EndAt:     &future,
	})
	require.NoError(t, err)
	require.Equal(t, current, *closed.EndedAt, "stop may be backdated but never postdated")
}

func TestStopSliceHonoursBackdatedEnd(t *testing.T) {
	base := time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)
	current := base
	engine, _ := newEngine(t, domain.WithNow(func() time.Time { return current }))
	ctx := context.Background()

	_, _, err := engine.StartSlice(ctx, domain.StartSliceInput{
		Category:  "Gaming",
		Dimension: domain.DimensionPrimary,
		Source:    domain.SourceAPI,
	})
	require.NoError(t, err)

	current = base.Add(time.Hour)
	endAt := base.Add(20 * time.Minute)
	closed, err := engine.StopSlice(ctx, domain.StopSliceInput{
		Dimension: domain.DimensionPrimary,
		EndAt:     &endAt,
	})
	require.NoError(t, err)
	require.Equal(t, endAt, *closed.EndedAt)
}

func TestCurrentStateSnapshot(t *testing.T) {
	engine, _ := newEngine(t)
	ctx := context.Background()

	_, _, err := engine.StartSlice(ctx, domain.StartSliceInput{
		Category:  "Gaming",
		Dimension: domain.DimensionPrimary,
		Source:    domain.SourceExternalTimer,
	})
	require.NoError(t, err)
	_, _, err = engine.StartSlice(ctx, domain.StartSliceInput{
		Category:  "Hades",
		Dimension: domain.DimensionSegment,
		Source:    domain.SourceExternalTimer,
	})
	require.NoError(t, err)

	snapshot, err := engine.CurrentState(ctx)
	require.NoError(t, err)
	require.NotNil(t, snapshot.Primary)
	require.Equal(t, "Gaming", snapshot.Primary.Category)
	require.NotNil(t, snapshot.Segment)
	require.Equal(t, "Hades", snapshot.Segment.Category)
	require.Nil(t, snapshot.WorkMode)
	require.Nil(t, snapshot.Social)
}

func TestUpdateAndDeleteSlice(t *testing.T) {
	engine, _ := newEngine(t)
	ctx := context.Background()

	opened, _, err := engine.StartSlice(ctx, domain.StartSliceInput{
		Category:  "Gaming",
		Dimension: domain.DimensionPrimary,
		Source:    domain.SourceAPI,
	})
	require.NoError(t, err)

	updated, err := engine.UpdateSlice(ctx, opened.ID, domain.IntervalPatch{Category: strPtr("Sleep")})
	require.NoError(t, err)
	require.Equal(t, "Sleep", updated.Category)

	_, err = engine.UpdateSlice(ctx, "missing", domain.IntervalPatch{Category: strPtr("X")})
	require.ErrorIs(t, err, domain.ErrIntervalNotFound)

	require.NoError(t, engine.DeleteSlice(ctx, opened.ID))
	require.ErrorIs(t, engine.DeleteSlice(ctx, opened.ID), domain.ErrIntervalNotFound)
}

func TestSleepActive(t *testing.T) {
	engine, _ := newEngine(t)
	ctx := context.Background()

	asleep, err := engine.SleepActive(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.False(t, asleep)

	opened, _, err := engine.StartSlice(ctx, domain.StartSliceInput{
		Category:  domain.SleepCategory,
		Dimension: domain.DimensionPrimary,
		Source:    domain.SourceExternalTimer,
	})
	require.NoError(t, err)

	locked := true
	_, err = engine.UpdateSlice(ctx, opened.ID, domain.IntervalPatch{Locked: &locked})
	require.NoError(t, err)

	asleep, err = engine.SleepActive(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.True(t, asleep)
}

type recordingObserver struct {
	mu      sync.Mutex
	started []domain.TimeInterval
	stopped []domain.TimeInterval
}

func (o *recordingObserver) SliceStarted(_ context.Context, interval domain.TimeInterval) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started = append(o.started, interval)
}

func (o *recordingObserver) SliceStopped(_ context.Context, interval domain.TimeInterval) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stopped = append(o.stopped, interval)
}

func TestObserverSkippedOnIdempotentReplay(t *testing.T) {
	observer := &recordingObserver{}
	engine, _ := newEngine(t, domain.WithObserver(observer))
	ctx := context.Background()

	input := domain.StartSliceInput{
		Category:  "Gaming",
		Dimension: domain.DimensionPrimary,
		Source:    domain.SourceShortcut,
	}
	_, _, err := engine.StartSlice(ctx, input)
	require.NoError(t, err)
	_, _, err = engine.StartSlice(ctx, input)
	require.NoError(t, err)

	require.Len(t, observer.started, 1, "replayed start must not be mirrored twice")

	_, err = engine.StopSlice(ctx, domain.StopSliceInput{Dimension: domain.DimensionPrimary})
	require.NoError(t, err)
	require.Len(t, observer.stopped, 1)
}
