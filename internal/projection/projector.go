// Package projection mirrors local interval transitions into the external
// billing system. The mirror is best-effort: failures are logged and
// swallowed, never rolled back into local state.
package projection

import (
	"context"
	"log"
	"sync"
	"time"

	"example.com/timeslice/internal/billing"
	"example.com/timeslice/internal/domain"
	"example.com/timeslice/internal/enrichment"
)

// BillingAPI is the subset of the billing client the projector needs.
type BillingAPI interface {
	StartEntry(ctx context.Context, description string, start time.Time, tags []string) (*billing.Entry, error)
	StopEntryAt(ctx context.Context, id string, stop time.Time) (*billing.Entry, error)
	CurrentEntry(ctx context.Context) (*billing.Entry, error)
	AddTags(ctx context.Context, id string, tags ...string) (*billing.Entry, error)
	RemoveTags(ctx context.Context, id string, tags ...string) (*billing.Entry, error)
}

// RefStore records the billing identifier on the local interval once the
// mirror succeeds.
type RefStore interface {
	SetExternalRef(ctx context.Context, id, ref string) error
}

// Enricher produces labels for a category name. Optional: when configured,
// labels are attached as tags to freshly mirrored entries.
type Enricher interface {
	Enrich(ctx context.Context, taskName, notes string) (*enrichment.TaskEnrichment, error)
}

// Projector implements domain.SliceObserver. Primary-dimension starts and
// stops become billing entries; work-mode changes become tags on the running
// entry. Each projection runs on its own goroutine so the engine operation
// that triggered it never blocks.
type Projector struct {
	billing  BillingAPI
	refs     RefStore
	enricher Enricher
	logger   *log.Logger
	timeout  time.Duration

	mu       sync.Mutex
	inFlight map[string]struct{}
	wg       sync.WaitGroup
}

// Option configures optional projector behaviour.
type Option func(*Projector)

// WithEnricher attaches an enrichment client. Enriched labels become tags on
// new billing entries.
func WithEnricher(enricher Enricher) Option {
	return func(p *Projector) {
		p.enricher = enricher
	}
}

// NewProjector constructs a Projector.
func NewProjector(api BillingAPI, refs RefStore, logger *log.Logger, opts ...Option) *Projector {
	if logger == nil {
		logger = log.New(log.Writer(), "[projection] ", log.LstdFlags)
	}
	p := &Projector{
		billing:  api,
		refs:     refs,
		logger:   logger,
		timeout:  30 * time.Second,
		inFlight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SliceStarted mirrors a committed interval start.
func (p *Projector) SliceStarted(_ context.Context, interval domain.TimeInterval) {
	switch interval.Dimension {
	case domain.DimensionPrimary:
		p.projectStart(interval)
	case domain.DimensionWorkMode:
		p.spawn(func(ctx context.Context) {
			p.addModeTag(ctx, interval.Category)
		})
	}
}

// SliceStopped mirrors a committed interval stop.
func (p *Projector) SliceStopped(_ context.Context, interval domain.TimeInterval) {
	switch interval.Dimension {
	case domain.DimensionPrimary:
		p.spawn(func(ctx context.Context) {
			p.projectStop(ctx, interval)
		})
	case domain.DimensionWorkMode:
		p.spawn(func(ctx context.Context) {
			p.removeModeTag(ctx, interval.Category)
		})
	}
}

// Wait blocks until all in-flight projections have drained. Used on shutdown.
func (p *Projector) Wait() {
	p.wg.Wait()
}

// projectStart deduplicates concurrent start projections per interval id: a
// duplicate trigger while the first is still in flight is dropped.
func (p *Projector) projectStart(interval domain.TimeInterval) {
	p.mu.Lock()
	if _, busy := p.inFlight[interval.ID]; busy {
		p.mu.Unlock()
		recordSkippedDuplicate()
		return
	}
	p.inFlight[interval.ID] = struct{}{}
	p.mu.Unlock()

	p.spawn(func(ctx context.Context) {
		defer func() {
			p.mu.Lock()
			delete(p.inFlight, interval.ID)
			p.mu.Unlock()
		}()

		entry, err := p.billing.StartEntry(ctx, interval.Category, interval.StartedAt, []string{string(interval.Source)})
		if err != nil {
			p.logger.Printf("start projection failed (interval=%s): %v", interval.ID, err)
			recordFailure("start")
			return
		}
		if err := p.refs.SetExternalRef(ctx, interval.ID, entry.ID); err != nil {
			p.logger.Printf("recording external ref failed (interval=%s, entry=%s): %v", interval.ID, entry.ID, err)
			recordFailure("ref")
			return
		}
		recordSuccess("start")

		p.enrichEntry(ctx, entry.ID, interval.Category)
	})
}

func (p *Projector) projectStop(ctx context.Context, interval domain.TimeInterval) {
	if interval.ExternalRef == nil {
		// Never mirrored; nothing to stop remotely.
		return
	}
	stop := time.Now().UTC()
	if interval.EndedAt != nil {
		stop = *interval.EndedAt
	}
	if _, err := p.billing.StopEntryAt(ctx, *interval.ExternalRef, stop); err != nil {
		p.logger.Printf("stop projection failed (interval=%s, entry=%s): %v", interval.ID, *interval.ExternalRef, err)
		recordFailure("stop")
		return
	}
	recordSuccess("stop")
}

// enrichEntry asks the enrichment service for labels and tags the entry with
// them. Best-effort like everything else in this package.
func (p *Projector) enrichEntry(ctx context.Context, entryID, category string) {
	if p.enricher == nil {
		return
	}
	result, err := p.enricher.Enrich(ctx, category, "")
	if err != nil {
		p.logger.Printf("enrichment failed (entry=%s, category=%s): %v", entryID, category, err)
		recordFailure("enrich")
		return
	}
	if len(result.Labels) == 0 {
		return
	}
	if _, err := p.billing.AddTags(ctx, entryID, result.Labels...); err != nil {
		p.logger.Printf("tagging enriched labels failed (entry=%s): %v", entryID, err)
		recordFailure("enrich")
		return
	}
	recordSuccess("enrich")
}

func (p *Projector) addModeTag(ctx context.Context, category string) {
	entry, err := p.billing.CurrentEntry(ctx)
	if err != nil || entry == nil {
		if err != nil {
			p.logger.Printf("tag projection failed (tag=%s): %v", category, err)
			recordFailure("tag_add")
		}
		return
	}
	if _, err := p.billing.AddTags(ctx, entry.ID, category); err != nil {
		p.logger.Printf("tag projection failed (tag=%s, entry=%s): %v", category, entry.ID, err)
		recordFailure("tag_add")
		return
	}
	recordSuccess("tag_add")
}

func (p *Projector) removeModeTag(ctx context.Context, category string) {
	entry, err := p.billing.CurrentEntry(ctx)
	if err != nil || entry == nil {
		if err != nil {
			p.logger.Printf("tag removal failed (tag=%s): %v", category, err)
			recordFailure("tag_remove")
		}
		return
	}
	if _, err := p.billing.RemoveTags(ctx, entry.ID, category); err != nil {
		p.logger.Printf("tag removal failed (tag=%s, entry=%s): %v", category, entry.ID, err)
		recordFailure("tag_remove")
		return
	}
	recordSuccess("tag_remove")
}

func (p *Projector) spawn(fn func(context.Context)) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		defer cancel()
		fn(ctx)
	}()
}
