package timeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/reliastack/incident-engine/internal/models"
)

// Store is the slice of the persistence layer the builder needs. Sequence
// numbers are assigned durably in the store, never in process memory.
type Store interface {
	AppendEvents(ctx context.Context, incidentID string, events ...models.TimelineEvent) ([]models.TimelineEvent, error)
	ListTimeline(ctx context.Context, incidentID string) ([]models.TimelineEvent, error)
}

// Builder owns the append-only incident timeline and fans appended events
// out to live watchers.
type Builder struct {
	store Store
	log   *slog.Logger
	now   func() time.Time

	mu      sync.Mutex
	watchID int
	// watchers by incident id; the inner key tears a single watcher down.
	watchers map[string]map[int]chan models.TimelineEvent
}

// NewBuilder constructs a Builder over the given store.
func NewBuilder(store Store, log *slog.Logger) *Builder {
	return &Builder{
		store:    store,
		log:      log,
		now:      time.Now,
		watchers: make(map[string]map[int]chan models.TimelineEvent),
	}
}

// Append persists the events for an incident and notifies watchers. Events
// without a timestamp are stamped on entry; ordering within the incident is
// fixed by the stored sequence.
func (b *Builder) Append(ctx context.Context, incidentID string, events ...models.TimelineEvent) ([]models.TimelineEvent, error) {
	for i := range events {
		if events[i].OccurredAt.IsZero() {
			events[i].OccurredAt = b.now().UTC()
		}
	}
	stored, err := b.store.AppendEvents(ctx, incidentID, events...)
	if err != nil {
		return nil, err
	}
	b.Broadcast(stored...)
	return stored, nil
}

// Read returns the full timeline for an incident ordered by occurrence
// time, with the per-incident sequence breaking ties.
func (b *Builder) Read(ctx context.Context, incidentID string) ([]models.TimelineEvent, error) {
	return b.store.ListTimeline(ctx, incidentID)
}

// Broadcast pushes already-persisted events to live watchers. The lifecycle
// controller calls this for events it appended inside a transition
// transaction. Slow watchers are skipped rather than blocked on.
func (b *Builder) Broadcast(events ...models.TimelineEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ev := range events {
		for id, ch := range b.watchers[ev.IncidentID] {
			select {
			case ch <- ev:
			default:
				b.log.Warn("timeline watcher lagging, dropping event",
					"incident_id", ev.IncidentID,
					"watcher", id,
					"sequence", ev.Sequence)
			}
		}
	}
}

// Watch subscribes to future events for an incident. The returned cancel
// function must be called exactly once; it closes the channel.
func (b *Builder) Watch(incidentID string) (<-chan models.TimelineEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.watchID++
	id := b.watchID
	ch := make(chan models.TimelineEvent, 16)
	if b.watchers[incidentID] == nil {
		b.watchers[incidentID] = make(map[int]chan models.TimelineEvent)
	}
	b.watchers[incidentID][id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if set, ok := b.watchers[incidentID]; ok {
			if _, ok := set[id]; ok {
				delete(set, id)
				close(ch)
			}
			if len(set) == 0 {
				delete(b.watchers, incidentID)
			}
		}
	}
	return ch, cancel
}
